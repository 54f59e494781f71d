// Package nms implements standalone 2D non-maximum suppression over a
// shallow tensor's 3x3 spatial neighborhood.
// The suppression render itself runs per channel through the same batched
// function-layer loop activation and arith use.
package nms

import (
	"fmt"

	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// Builder configures a non-max suppression layer.
type Builder struct {
	Name           string
	Width, Height  int
	Channels       int
	MaxDrawBuffers int
}

// NMS zeros every texel that is not the per-channel maximum within its
// 3x3 spatial neighborhood, tile by tile.
type NMS struct {
	layer.Base
	b      Builder
	family layer.Family
	quad   layer.Quad
	pool   *bufpool.Pool
	tiles  int
}

func New(number int, b Builder) (*NMS, error) {
	if b.Channels <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("nms: channels must be positive"))
	}
	if b.MaxDrawBuffers <= 0 || b.MaxDrawBuffers > gfx.MaxDrawBuffers {
		b.MaxDrawBuffers = gfx.MaxDrawBuffers
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	return &NMS{Base: base, b: b, tiles: (b.Channels + 3) / 4}, nil
}

func (n *NMS) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	specs := make([]tensor.BufferSpec, n.tiles)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, n.b.Width, n.b.Height, sized, generic, tensor.FLOAT16, tensor.FnSrc)
	}
	return specs
}

func (n *NMS) OutputSpecs() []tensor.BufferSpec { return n.InputSpecs() }

func (n *NMS) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, n.Name, fmt.Errorf("nms: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("nms.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, n.Name, fmt.Errorf("nms: snippet nms.frag not found"))
	}
	family, err := layer.CompileFamily(cache, reg, vertex, fragment, n.b.MaxDrawBuffers)
	if err != nil {
		return layer.NewError(layer.ShaderFailure, n.Name, err)
	}
	n.family = family
	prog, _ := family.Program(1)
	quad, err := layer.NewQuad(prog)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, n.Name, err)
	}
	n.quad = quad
	return nil
}

func (n *NMS) SetupContext(pool *bufpool.Pool) { n.pool = pool }

func (n *NMS) LoadParameters(p param.Provider) error { return nil }

func (n *NMS) Setup(inputs, outputs []bufpool.Handle) error {
	if n.family.Len() == 0 {
		return layer.NewError(layer.InvalidState, n.Name, fmt.Errorf("nms: SetupShaders/SetupContext must run before Setup"))
	}
	n.Inputs = inputs
	n.Outputs = outputs
	n.MarkValid()
	return nil
}

func (n *NMS) Forward(sequenceNo uint64, stateToken string) error {
	if err := n.CheckSetup(); err != nil {
		return err
	}
	return n.RunLoop(n.family, n.pool, layer.LoopParams{
		Width: n.b.Width, Height: n.b.Height,
		Outputs: n.Outputs, Inputs: n.Inputs,
		Quad: n.quad,
		BindUniforms: func(prog gfx.Program, m, inputBase, outputBase int) error {
			u := gfx.NewUniformState(prog)
			if err := u.SetFloatVec("uInputSize", false, float32(n.b.Width), float32(n.b.Height)); err != nil {
				return err
			}
			return u.Apply()
		},
	})
}

func (n *NMS) Cleanup() {
	n.CleanupFramebuffers()
	n.quad.Delete()
}
