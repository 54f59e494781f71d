package conv

import (
	"errors"
	"fmt"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// TransposeBuilder configures a 2x transpose convolution layer.
type TransposeBuilder struct {
	Name          string
	Width, Height int
	Channels      int
	Kernel        int
	Flags         layer.Flags
}

// Transpose is a 2x transpose-convolution layer using the stencil-strata
// scheme: four render passes into the same output texture,
// each gated by an 8-bit stencil dividing the output into a (2x2)-phase
// grid; stratum s accepts writes only on pass s.
type Transpose struct {
	layer.Base
	b           TransposeBuilder
	progs       [4]gfx.Program
	stencilProg gfx.Program
	quad        layer.Quad
	pool        *bufpool.Pool
	tiles       int // ceil(channels/4); both input and output group count
	weights     []float32
	bias        []float32
}

func NewTranspose(number int, b TransposeBuilder) (*Transpose, error) {
	if b.Kernel%2 == 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: even kernel size %d unsupported", b.Kernel))
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, b.Flags)
	return &Transpose{Base: base, b: b}, nil
}

func (t *Transpose) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	n := (t.b.Channels + 3) / 4
	specs := make([]tensor.BufferSpec, n)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(i, 0, t.b.Width, t.b.Height, sized, generic, tensor.FLOAT16, tensor.FnSrc)
	}
	return specs
}

func (t *Transpose) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	n := (t.b.Channels + 3) / 4
	specs := make([]tensor.BufferSpec, n)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(i, 0, t.b.Width*2, t.b.Height*2, sized, generic, tensor.FLOAT16, tensor.FnDst)
	}
	return specs
}

// SetupShaders compiles the four stratum-specialised shaders: for kernel
// size k, each stratum sums between floor(k/2)^2 and ceil(k/2)^2 input
// contributions (1, 2, 2 and 4 taps for k=3), and the kernel's centre tap
// falls in stratum 0. The stencil guarantees each
// output pixel is written by exactly one stratum's pass, so every stratum's
// shader applies bias and activation to the pixels it owns rather than
// gating that to a single designated pass.
func (t *Transpose) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, t.Name, fmt.Errorf("conv: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("conv_transpose.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, t.Name, fmt.Errorf("conv: snippet conv_transpose.frag not found"))
	}
	n := (t.b.Channels + 3) / 4
	t.tiles = n
	base := reg.Defines
	base = cloneAndSet(base, "KSIZE", itoa(t.b.Kernel))
	base = cloneAndSet(base, "NUM_TILES", itoa(n))
	base = cloneAndSet(base, "NUM_TARGETS", itoa(n))
	for s := 0; s < 4; s++ {
		p := reg
		p.Defines = cloneAndSet(base, "STRATUM", itoa(s))
		prog, err := cache.Acquire(shaderreg.Request{Preamble: p, Vertex: vertex, Fragment: fragment})
		if err != nil {
			return layer.NewError(layer.ShaderFailure, t.Name, err)
		}
		t.progs[s] = prog
	}

	stencilFrag, ok := src.Load("conv_transpose_stencil.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, t.Name, fmt.Errorf("conv: snippet conv_transpose_stencil.frag not found"))
	}
	stencilProg, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: stencilFrag})
	if err != nil {
		return layer.NewError(layer.ShaderFailure, t.Name, err)
	}
	t.stencilProg = stencilProg

	quad, err := layer.NewQuad(t.progs[0])
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, t.Name, err)
	}
	t.quad = quad
	return nil
}

func (t *Transpose) SetupContext(pool *bufpool.Pool) { t.pool = pool }

// LoadParameters decodes the flat weight and bias arrays every stratum
// program samples as uniforms: the per-stratum tap-count
// difference lives entirely in which taps land in bounds inside the
// shaders SetupShaders compiles, not in the parameter layout, so one shared
// weight/bias array serves all four passes.
func (t *Transpose) LoadParameters(p param.Provider) error {
	n := (t.b.Channels + 3) / 4
	blob, err := p.Get(t.Name, "weights", 0)
	if err != nil {
		return layer.NewError(layer.ParamMissing, t.Name, err)
	}
	want := t.b.Kernel * t.b.Kernel * 4 * 4 * n * n
	if blob.Count != want {
		return layer.NewError(layer.ParamMissing, t.Name, fmt.Errorf("conv: expected %d weight values, got %d", want, blob.Count))
	}
	biasBlob, err := p.Get(t.Name, "bias", 0)
	if err != nil {
		return layer.NewError(layer.ParamMissing, t.Name, err)
	}
	if biasBlob.Count != n*4 {
		return layer.NewError(layer.ParamMissing, t.Name, fmt.Errorf("conv: expected %d bias values, got %d", n*4, biasBlob.Count))
	}
	t.weights = decodeFloats(blob)
	t.bias = decodeFloats(biasBlob)
	return nil
}

func (t *Transpose) Setup(inputs, outputs []bufpool.Handle) error {
	if t.progs[0].ID() == 0 {
		return layer.NewError(layer.InvalidState, t.Name, fmt.Errorf("conv: SetupShaders/SetupContext must run before Setup"))
	}
	t.Inputs = inputs
	t.Outputs = outputs
	outW, outH := t.b.Width*2, t.b.Height*2
	fb, err := gfx.NewFramebuffer(outW, outH)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, t.Name, err)
	}
	for i, h := range t.Outputs {
		tex, err := t.pool.Texture(h)
		if err != nil {
			return layer.NewError(layer.InvalidState, t.Name, err)
		}
		if err := fb.AttachColor(i, tex); err != nil {
			return layer.NewError(layer.ResourceExhaustion, t.Name, err)
		}
	}
	if err := fb.AttachStencil(); err != nil {
		return layer.NewError(layer.ResourceExhaustion, t.Name, err)
	}
	if err := fb.SetDrawBuffers(len(t.Outputs)); err != nil {
		return layer.NewError(layer.ResourceExhaustion, t.Name, err)
	}
	t.OwnFramebuffer(fb)

	// The stencil's (2x2)-phase grid is populated once here, at setup: one
	// full-viewport draw per stratum with the stencil op set to always write,
	// each pass's fragment shader discarding every pixel outside its own
	// (x%2,y%2) phase so only that phase's stencil texels get stamped.
	if err := fb.Bind(); err != nil {
		return layer.NewError(layer.InvalidState, t.Name, err)
	}
	if err := fb.SetDrawBuffers(0); err != nil {
		return layer.NewError(layer.ResourceExhaustion, t.Name, err)
	}
	gl.Enable(gl.STENCIL_TEST)
	gl.StencilOp(gl.REPLACE, gl.REPLACE, gl.REPLACE)
	t.stencilProg.Bind()
	t.quad.Bind()
	for s := 0; s < 4; s++ {
		gl.StencilFunc(gl.ALWAYS, int32(s), 0xFF)
		u := gfx.NewUniformState(t.stencilProg)
		if err := u.SetInt("uStratum", int32(s), false); err != nil {
			return layer.NewError(layer.InvalidState, t.Name, err)
		}
		if err := u.Apply(); err != nil {
			return layer.NewError(layer.InvalidState, t.Name, err)
		}
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
	}
	gl.Disable(gl.STENCIL_TEST)
	if err := fb.SetDrawBuffers(len(t.Outputs)); err != nil {
		return layer.NewError(layer.ResourceExhaustion, t.Name, err)
	}
	fb.Unbind()

	t.MarkValid()
	return nil
}

func (t *Transpose) Forward(sequenceNo uint64, stateToken string) error {
	if err := t.CheckSetup(); err != nil {
		return err
	}
	fb := t.Framebuffers()[0]
	if err := fb.Bind(); err != nil {
		return layer.NewError(layer.InvalidState, t.Name, err)
	}
	gl.Enable(gl.STENCIL_TEST)
	for i := range t.Inputs {
		tex, err := t.pool.Texture(t.Inputs[i])
		if err != nil {
			return layer.NewError(layer.InvalidState, t.Name, err)
		}
		tex.Bind(i)
	}
	t.quad.Bind()
	for s := 0; s < 4; s++ {
		gl.StencilFunc(gl.EQUAL, int32(s), 0xFF)
		t.progs[s].Bind()

		u := gfx.NewUniformState(t.progs[s])
		var uerr error
		for i := 0; i < t.tiles; i++ {
			uerr = errors.Join(uerr, u.SetInt(fmt.Sprintf("uInputTiles[%d]", i), int32(i), false))
		}
		uerr = errors.Join(uerr,
			u.SetFloatArray("uWeights", t.weights, false),
			u.SetFloatArray("uBiasFlat", t.bias, false),
			u.SetInt("uActivation", int32(t.Flags.Activation), false),
			u.SetIntVec("uOutSize", false, int32(t.b.Width*2), int32(t.b.Height*2)),
		)
		if uerr != nil {
			return layer.NewError(layer.InvalidState, t.Name, uerr)
		}
		if err := u.Apply(); err != nil {
			return layer.NewError(layer.InvalidState, t.Name, err)
		}

		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
	}
	gl.Disable(gl.STENCIL_TEST)
	fb.Unbind()
	return nil
}

func (t *Transpose) Cleanup() {
	t.CleanupFramebuffers()
	t.quad.Delete()
}
