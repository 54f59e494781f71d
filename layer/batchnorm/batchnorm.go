// Package batchnorm implements the standalone batch-norm layer:
// per-channel scale and bias applied to a shallow tensor. Most layer
// types fuse batch-norm into their own final pass
// (layer.Flags.PostBatchnorm); this package covers networks where that
// fusion isn't available.
package batchnorm

import (
	"fmt"
	"math"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// Builder configures a standalone batch-norm layer.
type Builder struct {
	Name          string
	Width, Height int
	Channels      int
	Flags         layer.Flags
}

// BatchNorm scales and shifts each channel of a shallow tensor by a
// per-channel factor loaded at LoadParameters time.
type BatchNorm struct {
	layer.Base
	b     Builder
	prog  gfx.Program
	quad  layer.Quad
	pool  *bufpool.Pool
	tiles int
	scale [][4]float32 // per tile
	bias  [][4]float32
}

func New(number int, b Builder) (*BatchNorm, error) {
	if b.Channels <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("batchnorm: channels must be positive"))
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, b.Flags)
	return &BatchNorm{Base: base, b: b, tiles: (b.Channels + 3) / 4}, nil
}

func (bn *BatchNorm) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	specs := make([]tensor.BufferSpec, bn.tiles)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, bn.b.Width, bn.b.Height, sized, generic, tensor.FLOAT16, tensor.FnSrc)
	}
	return specs
}

func (bn *BatchNorm) OutputSpecs() []tensor.BufferSpec { return bn.InputSpecs() }

func (bn *BatchNorm) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, bn.Name, fmt.Errorf("batchnorm: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("batchnorm.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, bn.Name, fmt.Errorf("batchnorm: snippet batchnorm.frag not found"))
	}
	prog, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: fragment})
	if err != nil {
		return layer.NewError(layer.ShaderFailure, bn.Name, err)
	}
	bn.prog = prog
	quad, err := layer.NewQuad(prog)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, bn.Name, err)
	}
	bn.quad = quad
	return nil
}

func (bn *BatchNorm) SetupContext(pool *bufpool.Pool) { bn.pool = pool }

// LoadParameters reads channels-worth of scale and bias, padding the final
// tile's unused lanes with scale=1/bias=0 so they act as identity.
func (bn *BatchNorm) LoadParameters(p param.Provider) error {
	scaleBlob, err := p.Get(bn.Name, "scale", 0)
	if err != nil {
		return layer.NewError(layer.ParamMissing, bn.Name, err)
	}
	biasBlob, err := p.Get(bn.Name, "bias", 0)
	if err != nil {
		return layer.NewError(layer.ParamMissing, bn.Name, err)
	}
	bn.scale = make([][4]float32, bn.tiles)
	bn.bias = make([][4]float32, bn.tiles)
	for i := range bn.scale {
		bn.scale[i] = [4]float32{1, 1, 1, 1}
	}
	scale := floatsFromLE(scaleBlob.Data, bn.b.Channels)
	bias := floatsFromLE(biasBlob.Data, bn.b.Channels)
	for c := 0; c < bn.b.Channels; c++ {
		bn.scale[c/4][c%4] = scale[c]
		bn.bias[c/4][c%4] = bias[c]
	}
	return nil
}

func floatsFromLE(data []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func (bn *BatchNorm) Setup(inputs, outputs []bufpool.Handle) error {
	if bn.prog.ID() == 0 {
		return layer.NewError(layer.InvalidState, bn.Name, fmt.Errorf("batchnorm: SetupShaders/SetupContext must run before Setup"))
	}
	bn.Inputs = inputs
	bn.Outputs = outputs
	bn.MarkValid()
	return nil
}

func (bn *BatchNorm) Forward(sequenceNo uint64, stateToken string) error {
	if err := bn.CheckSetup(); err != nil {
		return err
	}
	for t := 0; t < bn.tiles; t++ {
		outTex, err := bn.pool.Texture(bn.Outputs[t])
		if err != nil {
			return layer.NewError(layer.InvalidState, bn.Name, err)
		}
		inTex, err := bn.pool.Texture(bn.Inputs[t])
		if err != nil {
			return layer.NewError(layer.InvalidState, bn.Name, err)
		}
		fb, created, err := bn.EnsureFramebuffer(t, bn.b.Width, bn.b.Height)
		if err != nil {
			return layer.NewError(layer.ResourceExhaustion, bn.Name, err)
		}
		if created {
			if err := fb.AttachColor(0, outTex); err != nil {
				return layer.NewError(layer.ResourceExhaustion, bn.Name, err)
			}
			if err := fb.SetDrawBuffers(1); err != nil {
				return layer.NewError(layer.ResourceExhaustion, bn.Name, err)
			}
		}
		if err := fb.Bind(); err != nil {
			return layer.NewError(layer.InvalidState, bn.Name, err)
		}
		gl.Disable(gl.BLEND)
		gl.Disable(gl.DEPTH_TEST)
		bn.prog.Bind()
		inTex.Bind(0)
		u := gfx.NewUniformState(bn.prog)
		s, b := bn.scale[t], bn.bias[t]
		if err := u.SetFloatVec("uScale", false, s[0], s[1], s[2], s[3]); err != nil {
			return layer.NewError(layer.InvalidState, bn.Name, err)
		}
		if err := u.SetFloatVec("uBias", false, b[0], b[1], b[2], b[3]); err != nil {
			return layer.NewError(layer.InvalidState, bn.Name, err)
		}
		if err := u.SetInt("uActivation", int32(bn.b.Flags.Activation), true); err != nil {
			return layer.NewError(layer.InvalidState, bn.Name, err)
		}
		if err := u.Apply(); err != nil {
			return layer.NewError(layer.InvalidState, bn.Name, err)
		}
		gl.Viewport(0, 0, int32(bn.b.Width), int32(bn.b.Height))
		bn.quad.Bind()
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
		fb.Unbind()
	}
	return nil
}

func (bn *BatchNorm) Cleanup() {
	bn.CleanupFramebuffers()
	bn.quad.Delete()
}
