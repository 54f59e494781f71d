package cpuio

import (
	"image"
	"image/color"
	"testing"
)

func TestNewPlanarPlaneViews(t *testing.T) {
	p := NewPlanar(4, 3, 2)
	if len(p.Data) != 4*3*2 {
		t.Fatalf("Data len = %d, want %d", len(p.Data), 4*3*2)
	}
	p.Plane(0)[0] = 1
	p.Plane(1)[0] = 2
	if p.Data[0] != 1 || p.Data[4*3] != 2 {
		t.Fatal("Plane() views do not alias the underlying channel-major buffer")
	}
}

func TestFromImageToImageRoundTrip(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	src.SetRGBA(0, 0, color.RGBA{R: 255, G: 0, B: 0, A: 255})
	src.SetRGBA(1, 0, color.RGBA{R: 0, G: 255, B: 0, A: 255})
	src.SetRGBA(0, 1, color.RGBA{R: 0, G: 0, B: 255, A: 255})
	src.SetRGBA(1, 1, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	planar, err := FromImage(src, 4)
	if err != nil {
		t.Fatal(err)
	}
	if planar.Width != 2 || planar.Height != 2 || planar.Channels != 4 {
		t.Fatalf("planar dims = %dx%dx%d, want 2x2x4", planar.Width, planar.Height, planar.Channels)
	}

	out, err := ToImage(planar)
	if err != nil {
		t.Fatal(err)
	}
	got := out.At(0, 0)
	r, g, b, a := got.RGBA()
	if r>>8 != 255 || g>>8 != 0 || b>>8 != 0 || a>>8 != 255 {
		t.Fatalf("round-tripped pixel (0,0) = %v,%v,%v,%v, want 255,0,0,255", r>>8, g>>8, b>>8, a>>8)
	}
}

func TestFromImageRejectsUnsupportedChannels(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1, 1))
	if _, err := FromImage(src, 2); err == nil {
		t.Fatal("expected error for unsupported channel count 2")
	}
}

func TestToImageRejectsUnsupportedChannels(t *testing.T) {
	p := NewPlanar(1, 1, 2)
	if _, err := ToImage(p); err == nil {
		t.Fatal("expected error for unsupported channel count 2")
	}
}

func TestClamp8Bounds(t *testing.T) {
	if clamp8(-1) != 0 {
		t.Fatal("clamp8(-1) should clamp to 0")
	}
	if clamp8(2) != 255 {
		t.Fatal("clamp8(2) should clamp to 255")
	}
}
