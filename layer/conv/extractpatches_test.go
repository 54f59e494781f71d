package conv

import "testing"

func TestNewExtractPatchesRejectsNonDivisibleDims(t *testing.T) {
	if _, err := NewExtractPatches(1, ExtractPatchesBuilder{Name: "bad", Width: 5, Height: 4, InChannels: 4, Window: 2}); err == nil {
		t.Fatal("expected error for width not divisible by window")
	}
}

func TestNewExtractPatchesOutputTileCount(t *testing.T) {
	e, err := NewExtractPatches(1, ExtractPatchesBuilder{Name: "ok", Width: 8, Height: 8, InChannels: 4, Window: 2})
	if err != nil {
		t.Fatal(err)
	}
	// outChannels = 4 * 2 * 2 = 16 -> 4 tiles
	if e.outTiles != 4 {
		t.Fatalf("outTiles = %d, want 4", e.outTiles)
	}
	if e.outW != 4 || e.outH != 4 {
		t.Fatalf("outW,outH = %d,%d, want 4,4", e.outW, e.outH)
	}
}
