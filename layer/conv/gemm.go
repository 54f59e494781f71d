package conv

import "github.com/soypat/tessera/layer"

// GEMMBuilder configures a dense matmul ("fully connected") layer over a
// deep tensor, implemented as a 1x1 convolution: the deep weight-matrix
// layout degenerates to a plain [out,in] matrix when the kernel collapses
// to a single tap, so no dedicated shader is needed.
type GEMMBuilder struct {
	Name                    string
	Width, Height           int
	InChannels, OutChannels int
	MaxTextureDim           int
	Flags                   layer.Flags
}

// NewGEMM builds a dense matmul layer by delegating straight to NewDeep
// with Kernel pinned to 1.
func NewGEMM(number int, b GEMMBuilder) (*Deep, error) {
	return NewDeep(number, DeepBuilder{
		Name:          b.Name,
		Width:         b.Width,
		Height:        b.Height,
		InChannels:    b.InChannels,
		OutChannels:   b.OutChannels,
		Kernel:        1,
		MaxTextureDim: b.MaxTextureDim,
		Flags:         b.Flags,
	})
}
