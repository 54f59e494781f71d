package convert

import "testing"

func TestSwizzleRejectsWrongChannelsForRGB2BGR(t *testing.T) {
	if _, err := NewSwizzle(1, SwizzleBuilder{Name: "bad", Width: 4, Height: 4, Channels: 5, Mode: RGB2BGR}); err == nil {
		t.Fatal("expected error for rgb2bgr with 5 channels")
	}
}

func TestSwizzleAcceptsRGBAForRGB2BGR(t *testing.T) {
	if _, err := NewSwizzle(1, SwizzleBuilder{Name: "ok", Width: 4, Height: 4, Channels: 4, Mode: RGB2BGR}); err != nil {
		t.Fatal(err)
	}
}

func TestLayoutDeep2ShallowOutputCount(t *testing.T) {
	l, err := NewLayout(1, LayoutBuilder{Name: "d2s", Width: 16, Height: 16, Channels: 10, ToDeep: false})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(l.OutputSpecs()); got != 3 {
		t.Fatalf("OutputSpecs() len = %d, want 3 (ceil(10/4))", got)
	}
	if got := len(l.InputSpecs()); got != 1 {
		t.Fatalf("InputSpecs() len = %d, want 1 (single deep texture)", got)
	}
}

func TestLayoutShallow2DeepInputCount(t *testing.T) {
	l, err := NewLayout(1, LayoutBuilder{Name: "s2d", Width: 16, Height: 16, Channels: 10, ToDeep: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(l.InputSpecs()); got != 3 {
		t.Fatalf("InputSpecs() len = %d, want 3 (ceil(10/4))", got)
	}
	if got := len(l.OutputSpecs()); got != 1 {
		t.Fatalf("OutputSpecs() len = %d, want 1 (single deep texture)", got)
	}
}
