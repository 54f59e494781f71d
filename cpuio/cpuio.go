// Package cpuio implements the system boundary between host memory and the
// engine's GPU tensors: the CPU-channelwise staging layout and the
// abstract OES/external-texture import contract.
//
// The external-texture contract is abstracted here rather than implemented;
// platform bindings belong to the embedding application. CPU-side staging
// reuses the same image-to-texture idiom as v4.6-core/gfx.NewTextureFromImage,
// extended with golang.org/x/image/draw for format conversion.
package cpuio

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// Planar is the CPU-channelwise tensor layout: one
// contiguous plane per channel, row-major within a plane, channel-major
// across planes. This is the layout engine boundary layers (upload/download)
// stage host memory in before/after a GPU transfer.
type Planar struct {
	Width, Height, Channels int
	Data                    []float32 // len == Width*Height*Channels, plane c at [c*Width*Height:]
}

// NewPlanar allocates a zeroed Planar buffer of the given extent.
func NewPlanar(width, height, channels int) Planar {
	return Planar{Width: width, Height: height, Channels: channels, Data: make([]float32, width*height*channels)}
}

// Plane returns the channel c plane as a Width*Height slice view.
func (p Planar) Plane(c int) []float32 {
	n := p.Width * p.Height
	return p.Data[c*n : (c+1)*n]
}

// FromImage decodes img into a Planar buffer with the given channel count
// (1, 3 or 4), normalizing 8-bit samples to [0,1]. Non-RGBA source images
// are converted via golang.org/x/image/draw first rather than hand-rolling
// per-format decode paths.
func FromImage(img image.Image, channels int) (Planar, error) {
	if channels != 1 && channels != 3 && channels != 4 {
		return Planar{}, fmt.Errorf("cpuio: unsupported channel count %d", channels)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(rgba, rgba.Bounds(), img, b.Min, xdraw.Src)

	out := NewPlanar(w, h, channels)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, a := rgba.At(x, y).RGBA()
			idx := y*w + x
			switch channels {
			case 1:
				out.Data[idx] = luminance(r, g, bl)
			case 3:
				n := w * h
				out.Data[idx] = float32(r) / 65535
				out.Data[n+idx] = float32(g) / 65535
				out.Data[2*n+idx] = float32(bl) / 65535
			case 4:
				n := w * h
				out.Data[idx] = float32(r) / 65535
				out.Data[n+idx] = float32(g) / 65535
				out.Data[2*n+idx] = float32(bl) / 65535
				out.Data[3*n+idx] = float32(a) / 65535
			}
		}
	}
	return out, nil
}

func luminance(r, g, b uint32) float32 {
	return (0.299*float32(r) + 0.587*float32(g) + 0.114*float32(b)) / 65535
}

// ToImage encodes a Planar buffer (assumed to carry values in [0,1]) back
// into a draw.Image, the reverse of FromImage. Used by a download layer's
// host-side consumer to materialize a result as a standard library image.
func ToImage(p Planar) (draw.Image, error) {
	if p.Channels != 1 && p.Channels != 3 && p.Channels != 4 {
		return nil, fmt.Errorf("cpuio: unsupported channel count %d", p.Channels)
	}
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	n := p.Width * p.Height
	for i := 0; i < n; i++ {
		var r, g, b, a uint8
		switch p.Channels {
		case 1:
			v := clamp8(p.Data[i])
			r, g, b, a = v, v, v, 255
		case 3:
			r, g, b = clamp8(p.Data[i]), clamp8(p.Data[n+i]), clamp8(p.Data[2*n+i])
			a = 255
		case 4:
			r, g, b, a = clamp8(p.Data[i]), clamp8(p.Data[n+i]), clamp8(p.Data[2*n+i]), clamp8(p.Data[3*n+i])
		}
		img.SetRGBA(i%p.Width, i/p.Width, color.RGBA{R: r, G: g, B: b, A: a})
	}
	return img, nil
}

func clamp8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}

// OESSource is the abstract external-texture import contract: an embedder
// supplies a live OES/external texture id and target each frame; the
// engine never owns the platform handle that produced it. Only the
// contract lives here. A concrete camera/video binding is platform glue
// belonging to the embedding application.
type OESSource interface {
	// BindOES returns the platform's external-texture id and GL target
	// (e.g. GL_TEXTURE_EXTERNAL_OES) for the current frame.
	BindOES() (textureID uint32, target uint32, err error)
}
