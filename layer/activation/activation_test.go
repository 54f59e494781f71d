package activation

import "testing"

func TestNewRejectsZeroChannels(t *testing.T) {
	if _, err := New(1, Builder{Name: "bad", Width: 4, Height: 4, Channels: 0}); err == nil {
		t.Fatal("expected error for zero channels")
	}
}

func TestTileCountRoundsUpToVec4(t *testing.T) {
	a, err := New(1, Builder{Name: "act0", Width: 4, Height: 4, Channels: 10, Kind: Sigmoid})
	if err != nil {
		t.Fatal(err)
	}
	if a.tiles != 3 {
		t.Fatalf("tiles = %d, want 3 (ceil(10/4))", a.tiles)
	}
	if len(a.InputSpecs()) != 3 || len(a.OutputSpecs()) != 3 {
		t.Fatalf("expected 3 input/output specs, got %d/%d", len(a.InputSpecs()), len(a.OutputSpecs()))
	}
}
