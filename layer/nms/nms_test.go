package nms

import "testing"

func TestNewRejectsZeroChannels(t *testing.T) {
	if _, err := New(1, Builder{Name: "bad", Width: 4, Height: 4, Channels: 0}); err == nil {
		t.Fatal("expected error for zero channels")
	}
}

func TestTileCountRoundsUpToVec4(t *testing.T) {
	n, err := New(1, Builder{Name: "ok", Width: 4, Height: 4, Channels: 10})
	if err != nil {
		t.Fatal(err)
	}
	if n.tiles != 3 {
		t.Fatalf("tiles = %d, want 3", n.tiles)
	}
}
