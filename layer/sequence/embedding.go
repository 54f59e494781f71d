// Package sequence implements the embedding-lookup and token-scoring
// layers: a forward render that samples a large weight texture by token
// id, and its inverse, a scoring + selection render used to close the
// autoregressive loop.
package sequence

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

// EmbeddingBuilder configures an embedding-lookup layer.
type EmbeddingBuilder struct {
	Name          string
	Vocab         int
	EmbedDim      int
	MaxTextureDim int // bounds how many rows fit per strip texture
	MaxTokens     int // tokens processed per Forward call
}

// Embedding is the lookup-by-id layer: weights form a
// vocab x embed_dim table stored as a strip of 2-D textures, each up to
// max-texture-size rows; the forward pass draws one line per input token.
type Embedding struct {
	layer.Base
	b         EmbeddingBuilder
	prog      gfx.Program
	quad      layer.Quad
	uniforms  *gfx.UniformState
	pool      *bufpool.Pool
	strip     []gfx.Texture
	stripBase []int
	stripRows []int
}

func NewEmbedding(number int, b EmbeddingBuilder) (*Embedding, error) {
	if b.Vocab <= 0 || b.EmbedDim <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("sequence: vocab and embed_dim must be positive"))
	}
	if b.MaxTextureDim <= 0 {
		b.MaxTextureDim = 4096
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	return &Embedding{Base: base, b: b}, nil
}

func (e *Embedding) embedTexels() int { return (e.b.EmbedDim + 3) / 4 }

// InputSpecs describes the token-id input: one row per requested token,
// one texel (a packed uint32 id) per row.
func (e *Embedding) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(1, tensor.UINT32)
	spec := tensor.NewBufferSpec(0, 0, 1, e.b.MaxTokens, sized, generic, tensor.UINT32, tensor.FnSrc)
	return []tensor.BufferSpec{*spec}
}

func (e *Embedding) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	spec := tensor.NewBufferSpec(0, 0, e.embedTexels(), e.b.MaxTokens, sized, generic, tensor.FLOAT16, tensor.FnDst).WithDataOrder(tensor.Sequence)
	return []tensor.BufferSpec{*spec}
}

func (e *Embedding) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("embedding.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, e.Name, fmt.Errorf("sequence: snippet embedding.vert not found"))
	}
	fragment, ok := src.Load("embedding.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, e.Name, fmt.Errorf("sequence: snippet embedding.frag not found"))
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
	e.uniforms = gfx.NewUniformState(prog)
	return nil
}

func (e *Embedding) SetupContext(pool *bufpool.Pool) { e.pool = pool }

// LoadParameters uploads the vocab x embed_dim weight table as a strip of
// textures, each holding at most MaxTextureDim rows.
func (e *Embedding) LoadParameters(p param.Provider) error {
	blob, err := p.Get(e.Name, "weights", 0)
	if err != nil {
		return layer.NewError(layer.ParamMissing, e.Name, err)
	}
	wantCount := e.b.Vocab * e.b.EmbedDim
	if blob.Count != wantCount {
		return layer.NewError(layer.ParamMissing, e.Name, fmt.Errorf("sequence: expected %d embedding values, got %d", wantCount, blob.Count))
	}
	rowsPerStrip := e.b.MaxTextureDim
	if rowsPerStrip > e.b.Vocab {
		rowsPerStrip = e.b.Vocab
	}
	texW := e.embedTexels()
	rowBytes := texW * 4 * 4 // texels * 4 channels * 4 bytes/float32
	for base := 0; base < e.b.Vocab; base += rowsPerStrip {
		rows := rowsPerStrip
		if base+rows > e.b.Vocab {
			rows = e.b.Vocab - base
		}
		chunk := blob.Data[base*rowBytes : (base+rows)*rowBytes]
		tex, err := gfx.NewTextureFromImage(gfx.TextureImgConfig{
			Type: gfx.Texture2D, Width: texW, Height: rows,
			Format: uint32(tensor.GL_RGBA), Xtype: gl.FLOAT,
		}, chunk)
		if err != nil {
			return layer.NewError(layer.ResourceExhaustion, e.Name, err)
		}
		e.strip = append(e.strip, tex)
		e.stripBase = append(e.stripBase, base)
		e.stripRows = append(e.stripRows, rows)
	}
	return nil
}

func (e *Embedding) Setup(inputs, outputs []bufpool.Handle) error {
	if e.prog.ID() == 0 {
		return layer.NewError(layer.InvalidState, e.Name, fmt.Errorf("sequence: SetupShaders/SetupContext must run before Setup"))
	}
	e.Inputs = inputs
	e.Outputs = outputs
	e.MarkValid()
	return nil
}

// Forward draws one line per input token, reading the token
// id from the input texture and sampling the matching embedding row from
// whichever strip texture holds it.
func (e *Embedding) Forward(sequenceNo uint64, stateToken string) error {
	if err := e.CheckSetup(); err != nil {
		return err
	}
	outTex, err := e.pool.Texture(e.Outputs[0])
	if err != nil {
		return layer.NewError(layer.InvalidState, e.Name, err)
	}
	inTex, err := e.pool.Texture(e.Inputs[0])
	if err != nil {
		return layer.NewError(layer.InvalidState, e.Name, err)
	}
	fb, created, err := e.EnsureFramebuffer(0, e.embedTexels(), e.b.MaxTokens)
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
	inTex.Bind(0)
	e.quad.Bind()

	// A token's strip isn't known until the vertex shader samples its id
	// (embedding.vert's texelFetch against uTokenIDs), so every strip is
	// bound and drawn across all MaxTokens lines in turn; embedding.frag's
	// bounds check discards any line whose token actually belongs to a
	// different strip, leaving each output row written by exactly one pass.
	for i, strip := range e.strip {
		strip.Bind(1)
		e.uniforms.Reset()
		err := errors.Join(
			e.uniforms.SetInt("uTokenIDs", 0, true),
			e.uniforms.SetInt("uEmbedStrip", 1, true),
			e.uniforms.SetInt("uMaxTokens", int32(e.b.MaxTokens), false),
			e.uniforms.SetInt("uStripBase", int32(e.stripBase[i]), false),
			e.uniforms.SetInt("uStripRows", int32(e.stripRows[i]), false),
		)
		if err == nil {
			err = e.uniforms.Apply()
		}
		if err != nil {
			return layer.NewError(layer.InvalidState, e.Name, err)
		}
		gl.DrawElementsInstanced(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil, int32(e.b.MaxTokens))
	}
	fb.Unbind()
	return nil
}

func (e *Embedding) Cleanup() {
	e.CleanupFramebuffers()
	e.quad.Delete()
	for _, tex := range e.strip {
		tex.Delete()
	}
	e.strip = nil
}
