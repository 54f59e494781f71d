package conv

import "testing"

func TestNewGEMMPinsKernelToOne(t *testing.T) {
	g, err := NewGEMM(1, GEMMBuilder{Name: "fc", Width: 1, Height: 1, InChannels: 16, OutChannels: 8, MaxTextureDim: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if g.b.Kernel != 1 {
		t.Fatalf("Kernel = %d, want 1", g.b.Kernel)
	}
}
