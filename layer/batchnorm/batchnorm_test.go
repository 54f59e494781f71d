package batchnorm

import "testing"

func TestNewRejectsZeroChannels(t *testing.T) {
	if _, err := New(1, Builder{Name: "bad", Width: 4, Height: 4, Channels: 0}); err == nil {
		t.Fatal("expected error for zero channels")
	}
}

func TestTileCountRoundsUpToVec4(t *testing.T) {
	bn, err := New(1, Builder{Name: "bn0", Width: 4, Height: 4, Channels: 6})
	if err != nil {
		t.Fatal(err)
	}
	if bn.tiles != 2 {
		t.Fatalf("tiles = %d, want 2 (ceil(6/4))", bn.tiles)
	}
}
