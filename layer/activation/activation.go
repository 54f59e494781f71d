// Package activation implements standalone pointwise activation layers
// over shallow tensors, sharing the batched render loop and unary shader
// family every function-style layer in this module uses. Most networks
// fuse activations into the producing layer's final pass; these cover
// architectures that keep them as separate nodes.
package activation

import (
	"fmt"

	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// Kind selects the pointwise function this layer applies; values mirror
// unary.frag.glsl's uOp encoding.
type Kind int

const (
	Identity Kind = iota
	Sigmoid
	Tanh
	GELU
	SiLU
)

// Builder configures a standalone activation layer.
type Builder struct {
	Name           string
	Width, Height  int
	Channels       int
	Kind           Kind
	MaxDrawBuffers int
}

// Activation applies one pointwise function across every tile of a
// shallow tensor, batched NUM_LANES textures at a time.
type Activation struct {
	layer.Base
	b        Builder
	family   layer.Family
	quad     layer.Quad
	pool     *bufpool.Pool
	uniforms *gfx.UniformState
	tiles    int
}

func New(number int, b Builder) (*Activation, error) {
	if b.Channels <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("activation: channels must be positive"))
	}
	if b.MaxDrawBuffers <= 0 || b.MaxDrawBuffers > gfx.MaxDrawBuffers {
		b.MaxDrawBuffers = gfx.MaxDrawBuffers
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	return &Activation{Base: base, b: b, tiles: (b.Channels + 3) / 4}, nil
}

func (a *Activation) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	specs := make([]tensor.BufferSpec, a.tiles)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, a.b.Width, a.b.Height, sized, generic, tensor.FLOAT16, tensor.FnSrc)
	}
	return specs
}

func (a *Activation) OutputSpecs() []tensor.BufferSpec { return a.InputSpecs() }

func (a *Activation) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("activation: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("unary.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("activation: snippet unary.frag not found"))
	}
	family, err := layer.CompileFamily(cache, reg, vertex, fragment, a.b.MaxDrawBuffers)
	if err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}
	a.family = family
	prog, _ := family.Program(1)
	quad, err := layer.NewQuad(prog)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, a.Name, err)
	}
	a.quad = quad
	a.uniforms = gfx.NewUniformState(prog)
	return nil
}

func (a *Activation) SetupContext(pool *bufpool.Pool) { a.pool = pool }

func (a *Activation) LoadParameters(p param.Provider) error { return nil }

func (a *Activation) Setup(inputs, outputs []bufpool.Handle) error {
	if a.family.Len() == 0 {
		return layer.NewError(layer.InvalidState, a.Name, fmt.Errorf("activation: SetupShaders/SetupContext must run before Setup"))
	}
	a.Inputs = inputs
	a.Outputs = outputs
	a.MarkValid()
	return nil
}

func (a *Activation) Forward(sequenceNo uint64, stateToken string) error {
	if err := a.CheckSetup(); err != nil {
		return err
	}
	return a.RunLoop(a.family, a.pool, layer.LoopParams{
		Width: a.b.Width, Height: a.b.Height,
		Outputs: a.Outputs, Inputs: a.Inputs,
		Quad: a.quad,
		BindUniforms: func(prog gfx.Program, m, inputBase, outputBase int) error {
			u := gfx.NewUniformState(prog)
			if err := u.SetInt("uOp", int32(a.b.Kind), false); err != nil {
				return err
			}
			if err := u.SetInt("uActivation", int32(layer.ActivationNone), true); err != nil {
				return err
			}
			return u.Apply()
		},
	})
}

func (a *Activation) Cleanup() {
	a.CleanupFramebuffers()
	a.quad.Delete()
}
