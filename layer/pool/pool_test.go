package pool

import "testing"

func TestNewRejectsZeroChannels(t *testing.T) {
	if _, err := New(1, Builder{Name: "bad", InWidth: 8, InHeight: 8, Channels: 0, PoolSize: [2]int{2, 2}}); err == nil {
		t.Fatal("expected error for zero channels")
	}
}

func TestNewDefaultsStrideToPoolSize(t *testing.T) {
	p, err := New(1, Builder{Name: "ok", InWidth: 8, InHeight: 8, Channels: 4, PoolSize: [2]int{2, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if p.b.Stride != [2]int{2, 2} {
		t.Fatalf("Stride = %v, want [2 2]", p.b.Stride)
	}
	if p.outW != 4 || p.outH != 4 {
		t.Fatalf("outW,outH = %d,%d, want 4,4", p.outW, p.outH)
	}
}

func TestNewGlobalPoolingCollapsesToOneTexel(t *testing.T) {
	p, err := New(1, Builder{Name: "global", InWidth: 8, InHeight: 8, Channels: 4, Global: true})
	if err != nil {
		t.Fatal(err)
	}
	if p.outW != 1 || p.outH != 1 {
		t.Fatalf("outW,outH = %d,%d, want 1,1", p.outW, p.outH)
	}
}

func TestNewArgMaxRejectsOversizedGrid(t *testing.T) {
	if _, err := NewArgMax(1, ArgMaxBuilder{Name: "bad", Width: 8, Height: 8, Channels: 4096, MaxTextureDim: 16}); err == nil {
		t.Fatal("expected error when channel count cannot fit within MaxTextureDim")
	}
}
