// Package arith implements standalone elementwise binary layers over
// shallow tensors: add, subtract, multiply, each batched one tile pair at
// a time through the shared function-layer render loop.
package arith

import (
	"fmt"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// Op selects the binary function this layer applies; values mirror
// binary.frag.glsl's uOp encoding.
type Op int

const (
	Add Op = iota
	Sub
	Mul
)

// Builder configures a standalone binary elementwise layer.
type Builder struct {
	Name          string
	Width, Height int
	Channels      int
	Op            Op
	Activation    layer.Activation
}

// Arith applies one binary op, tile-by-tile, across two equally-shaped
// shallow tensors.
type Arith struct {
	layer.Base
	b     Builder
	prog  gfx.Program
	quad  layer.Quad
	pool  *bufpool.Pool
	tiles int
}

func New(number int, b Builder) (*Arith, error) {
	if b.Channels <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("arith: channels must be positive"))
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 2, Out: 1}, layer.Flags{Activation: b.Activation})
	return &Arith{Base: base, b: b, tiles: (b.Channels + 3) / 4}, nil
}

func (a *Arith) specs(fn tensor.Usage) []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	n := a.tiles
	if fn == tensor.FnSrc {
		n = 2 * a.tiles
	}
	specs := make([]tensor.BufferSpec, n)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, a.b.Width, a.b.Height, sized, generic, tensor.FLOAT16, fn)
	}
	return specs
}

func (a *Arith) InputSpecs() []tensor.BufferSpec  { return a.specs(tensor.FnSrc) }
func (a *Arith) OutputSpecs() []tensor.BufferSpec { return a.specs(tensor.FnDst) }

func (a *Arith) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("arith: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("binary.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("arith: snippet binary.frag not found"))
	}
	prog, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: fragment})
	if err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}
	a.prog = prog
	quad, err := layer.NewQuad(prog)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, a.Name, err)
	}
	a.quad = quad
	return nil
}

func (a *Arith) SetupContext(pool *bufpool.Pool) { a.pool = pool }

func (a *Arith) LoadParameters(p param.Provider) error { return nil }

func (a *Arith) Setup(inputs, outputs []bufpool.Handle) error {
	if a.prog.ID() == 0 {
		return layer.NewError(layer.InvalidState, a.Name, fmt.Errorf("arith: SetupShaders/SetupContext must run before Setup"))
	}
	a.Inputs = inputs
	a.Outputs = outputs
	a.MarkValid()
	return nil
}

func (a *Arith) Forward(sequenceNo uint64, stateToken string) error {
	if err := a.CheckSetup(); err != nil {
		return err
	}
	return a.runOne()
}

// runOne drives a single-tile-pair render pass per output tile; binary ops
// never batch multiple render targets the way unary/convolution passes
// do, so this loops tile-by-tile rather
// than reusing layer.Family/RunLoop.
func (a *Arith) runOne() error {
	for t := 0; t < a.tiles; t++ {
		outTex, err := a.pool.Texture(a.Outputs[t])
		if err != nil {
			return layer.NewError(layer.InvalidState, a.Name, err)
		}
		leftTex, err := a.pool.Texture(a.Inputs[t])
		if err != nil {
			return layer.NewError(layer.InvalidState, a.Name, err)
		}
		rightTex, err := a.pool.Texture(a.Inputs[a.tiles+t])
		if err != nil {
			return layer.NewError(layer.InvalidState, a.Name, err)
		}
		fb, created, err := a.EnsureFramebuffer(t, a.b.Width, a.b.Height)
		if err != nil {
			return layer.NewError(layer.ResourceExhaustion, a.Name, err)
		}
		if created {
			if err := fb.AttachColor(0, outTex); err != nil {
				return layer.NewError(layer.ResourceExhaustion, a.Name, err)
			}
			if err := fb.SetDrawBuffers(1); err != nil {
				return layer.NewError(layer.ResourceExhaustion, a.Name, err)
			}
		}
		if err := fb.Bind(); err != nil {
			return layer.NewError(layer.InvalidState, a.Name, err)
		}
		a.prog.Bind()
		leftTex.Bind(0)
		rightTex.Bind(1)
		u := gfx.NewUniformState(a.prog)
		if err := u.SetInt("uLeft0", 0, true); err != nil {
			return layer.NewError(layer.InvalidState, a.Name, err)
		}
		if err := u.SetInt("uRight0", 1, true); err != nil {
			return layer.NewError(layer.InvalidState, a.Name, err)
		}
		if err := u.SetInt("uOp", int32(a.b.Op), false); err != nil {
			return layer.NewError(layer.InvalidState, a.Name, err)
		}
		if err := u.SetInt("uActivation", int32(a.b.Flags.Activation), true); err != nil {
			return layer.NewError(layer.InvalidState, a.Name, err)
		}
		if err := u.Apply(); err != nil {
			return layer.NewError(layer.InvalidState, a.Name, err)
		}
		gl.Disable(gl.BLEND)
		gl.Disable(gl.DEPTH_TEST)
		gl.Viewport(0, 0, int32(a.b.Width), int32(a.b.Height))
		a.quad.Bind()
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
		fb.Unbind()
	}
	return nil
}

func (a *Arith) Cleanup() {
	a.CleanupFramebuffers()
	a.quad.Delete()
}
