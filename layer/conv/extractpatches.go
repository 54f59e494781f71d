package conv

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

const maxExtractInputTiles = 16

// ExtractPatchesBuilder configures a TensorFlow-style "extract image
// patches" reformat over a shallow tensor: a uWindow x uWindow spatial
// neighborhood is unfolded into extra channels, original channels
// innermost.
type ExtractPatchesBuilder struct {
	Name           string
	Width, Height  int
	InChannels     int
	Window         int
	MaxDrawBuffers int
}

// ExtractPatches implements the reformat described by ExtractPatchesBuilder.
type ExtractPatches struct {
	layer.Base
	b        ExtractPatchesBuilder
	prog     gfx.Program
	quad     layer.Quad
	pool     *bufpool.Pool
	inTiles  int
	outTiles int
	outW     int
	outH     int
}

func NewExtractPatches(number int, b ExtractPatchesBuilder) (*ExtractPatches, error) {
	if b.InChannels <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: in channels must be positive"))
	}
	if b.Window <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: window must be positive"))
	}
	if b.Width%b.Window != 0 || b.Height%b.Window != 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: width/height must be divisible by window %d", b.Window))
	}
	inTiles := (b.InChannels + 3) / 4
	if inTiles > maxExtractInputTiles {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: %d input tiles exceeds the %d the shader supports", inTiles, maxExtractInputTiles))
	}
	outChannels := b.InChannels * b.Window * b.Window
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	return &ExtractPatches{
		Base: base, b: b,
		inTiles:  inTiles,
		outTiles: (outChannels + 3) / 4,
		outW:     b.Width / b.Window,
		outH:     b.Height / b.Window,
	}, nil
}

func (e *ExtractPatches) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	specs := make([]tensor.BufferSpec, e.inTiles)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, e.b.Width, e.b.Height, sized, generic, tensor.FLOAT16, tensor.FnSrc)
	}
	return specs
}

func (e *ExtractPatches) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	specs := make([]tensor.BufferSpec, e.outTiles)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, e.outW, e.outH, sized, generic, tensor.FLOAT16, tensor.FnDst)
	}
	return specs
}

func (e *ExtractPatches) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, e.Name, fmt.Errorf("conv: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("extractpatches.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, e.Name, fmt.Errorf("conv: snippet extractpatches.frag not found"))
	}
	prog, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: fragment})
	if err != nil {
		return layer.NewError(layer.ShaderFailure, e.Name, err)
	}
	e.prog = prog
	quad, err := layer.NewQuad(prog)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, e.Name, err)
	}
	e.quad = quad
	return nil
}

func (e *ExtractPatches) SetupContext(pool *bufpool.Pool) { e.pool = pool }

func (e *ExtractPatches) LoadParameters(p param.Provider) error { return nil }

func (e *ExtractPatches) Setup(inputs, outputs []bufpool.Handle) error {
	if e.prog.ID() == 0 {
		return layer.NewError(layer.InvalidState, e.Name, fmt.Errorf("conv: SetupShaders/SetupContext must run before Setup"))
	}
	e.Inputs = inputs
	e.Outputs = outputs
	e.MarkValid()
	return nil
}

func (e *ExtractPatches) Forward(sequenceNo uint64, stateToken string) error {
	if err := e.CheckSetup(); err != nil {
		return err
	}
	inTex := make([]gfx.Texture, e.inTiles)
	for i := range inTex {
		tex, err := e.pool.Texture(e.Inputs[i])
		if err != nil {
			return layer.NewError(layer.InvalidState, e.Name, err)
		}
		inTex[i] = tex
	}
	for ot := 0; ot < e.outTiles; ot++ {
		outTex, err := e.pool.Texture(e.Outputs[ot])
		if err != nil {
			return layer.NewError(layer.InvalidState, e.Name, err)
		}
		fb, created, err := e.EnsureFramebuffer(ot, e.outW, e.outH)
		if err != nil {
			return layer.NewError(layer.ResourceExhaustion, e.Name, err)
		}
		if created {
			if err := fb.AttachColor(0, outTex); err != nil {
				return layer.NewError(layer.ResourceExhaustion, e.Name, err)
			}
			if err := fb.SetDrawBuffers(1); err != nil {
				return layer.NewError(layer.ResourceExhaustion, e.Name, err)
			}
		}
		if err := fb.Bind(); err != nil {
			return layer.NewError(layer.InvalidState, e.Name, err)
		}
		gl.Disable(gl.BLEND)
		gl.Disable(gl.DEPTH_TEST)
		e.prog.Bind()
		for i, tex := range inTex {
			tex.Bind(i)
		}
		u := gfx.NewUniformState(e.prog)
		for i := range inTex {
			if err := u.SetInt(fmt.Sprintf("uInputs[%d]", i), int32(i), false); err != nil {
				return layer.NewError(layer.InvalidState, e.Name, err)
			}
		}
		if err := u.SetInt("uNumInputTiles", int32(e.inTiles), false); err != nil {
			return layer.NewError(layer.InvalidState, e.Name, err)
		}
		if err := u.SetInt("uInChannels", int32(e.b.InChannels), false); err != nil {
			return layer.NewError(layer.InvalidState, e.Name, err)
		}
		if err := u.SetInt("uWindow", int32(e.b.Window), false); err != nil {
			return layer.NewError(layer.InvalidState, e.Name, err)
		}
		if err := u.SetInt("uOutTileBase", int32(ot*4), false); err != nil {
			return layer.NewError(layer.InvalidState, e.Name, err)
		}
		if err := u.SetFloatVec("uOutSize", false, float32(e.outW), float32(e.outH)); err != nil {
			return layer.NewError(layer.InvalidState, e.Name, err)
		}
		if err := u.Apply(); err != nil {
			return layer.NewError(layer.InvalidState, e.Name, err)
		}
		gl.Viewport(0, 0, int32(e.outW), int32(e.outH))
		e.quad.Bind()
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
		fb.Unbind()
	}
	return nil
}

func (e *ExtractPatches) Cleanup() {
	e.CleanupFramebuffers()
	e.quad.Delete()
}
