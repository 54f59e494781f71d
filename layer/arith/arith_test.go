package arith

import "testing"

func TestNewRejectsZeroChannels(t *testing.T) {
	if _, err := New(1, Builder{Name: "bad", Width: 4, Height: 4, Channels: 0}); err == nil {
		t.Fatal("expected error for zero channels")
	}
}

func TestInputSpecsDoubleOutputSpecs(t *testing.T) {
	a, err := New(1, Builder{Name: "add0", Width: 4, Height: 4, Channels: 8, Op: Add})
	if err != nil {
		t.Fatal(err)
	}
	in := a.InputSpecs()
	out := a.OutputSpecs()
	if len(in) != 2*len(out) {
		t.Fatalf("len(InputSpecs)=%d, want 2*len(OutputSpecs)=%d", len(in), 2*len(out))
	}
}
