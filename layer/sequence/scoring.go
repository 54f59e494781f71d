package sequence

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

// ScoringRule selects the token-scoring policy.
type ScoringRule uint8

const (
	Greedy ScoringRule = iota
	TopK
	TopP
	Temperature
)

// scatterBuckets is the scatter texture's bucket count; must match the
// SCATTER_BUCKETS define in token_score.frag.glsl.
const scatterBuckets = 64

// ScoringBuilder configures a token-scoring layer.
type ScoringBuilder struct {
	Name     string
	Vocab    int
	EmbedDim int
	Rule     ScoringRule

	// VocabAggregateSize is the flatten pass's segment width, typically
	// 64. The vocabulary dimension is padded up to the next multiple of
	// this when NewScoring builds the layer, and padded entries score
	// -1e30, so the flatten pass's
	// divisibility assumption always holds and padded entries never win
	// selection.
	VocabAggregateSize int

	Temperature float32
	TopK        int
	TopP        float32
}

// Scoring computes score = last_row . E^T for the configured rule and
// selects one output token id. Pipeline: segmented dot-product render,
// two-pass flatten (max, expsum) for softmax normalisation, a scatter
// pass bucketing probability mass by score hash for top-k/top-p, and a
// selection render writing the chosen token id into the downstream
// embedding texture's first row for the next autoregressive step.
type Scoring struct {
	layer.Base
	b           ScoringBuilder
	paddedVocab int

	dotProg     gfx.Program
	flattenProg [2]gfx.Program
	scatterProg gfx.Program
	selectProg  gfx.Program
	quad        layer.Quad
	pool        *bufpool.Pool

	scoreBuf, segBuf     bufpool.Handle
	statsBuf, scatterBuf bufpool.Handle

	embedTex gfx.Texture // the vocab x embed_dim table, shared/aliased with Embedding's strip in a real wiring
	hasEmbed bool
}

func NewScoring(number int, b ScoringBuilder) (*Scoring, error) {
	if b.Vocab <= 0 || b.EmbedDim <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("sequence: vocab and embed_dim must be positive"))
	}
	if b.VocabAggregateSize <= 0 {
		b.VocabAggregateSize = 64
	}
	padded := ((b.Vocab + b.VocabAggregateSize - 1) / b.VocabAggregateSize) * b.VocabAggregateSize
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	return &Scoring{Base: base, b: b, paddedVocab: padded}, nil
}

func (s *Scoring) embedTexels() int { return (s.b.EmbedDim + 3) / 4 }

func (s *Scoring) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	spec := tensor.NewBufferSpec(0, 0, s.embedTexels(), 1, sized, generic, tensor.FLOAT16, tensor.FnSrc).WithDataOrder(tensor.Sequence)
	return []tensor.BufferSpec{*spec}
}

// OutputSpecs describes the single selected-token-id texel.
func (s *Scoring) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(1, tensor.UINT32)
	spec := tensor.NewBufferSpec(0, 0, 1, 1, sized, generic, tensor.UINT32, tensor.FnDst)
	return []tensor.BufferSpec{*spec}
}

// SetupShaders compiles one variant of the scoring template per pipeline
// stage; the STAGE define selects the stage body.
func (s *Scoring) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, s.Name, fmt.Errorf("sequence: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("token_score.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, s.Name, fmt.Errorf("sequence: snippet token_score.frag not found"))
	}
	staged := func(stage int) (gfx.Program, error) {
		p := reg
		p.Defines = cloneDefines(reg.Defines)
		if p.Defines == nil {
			p.Defines = map[string]string{}
		}
		p.Defines["STAGE"] = fmt.Sprintf("%d", stage)
		return cache.Acquire(shaderreg.Request{Preamble: p, Vertex: vertex, Fragment: fragment})
	}
	var err error
	if s.dotProg, err = staged(0); err != nil {
		return layer.NewError(layer.ShaderFailure, s.Name, err)
	}
	if s.flattenProg[0], err = staged(1); err != nil {
		return layer.NewError(layer.ShaderFailure, s.Name, err)
	}
	if s.flattenProg[1], err = staged(2); err != nil {
		return layer.NewError(layer.ShaderFailure, s.Name, err)
	}
	if s.scatterProg, err = staged(3); err != nil {
		return layer.NewError(layer.ShaderFailure, s.Name, err)
	}
	if s.selectProg, err = staged(4); err != nil {
		return layer.NewError(layer.ShaderFailure, s.Name, err)
	}
	quad, err := layer.NewQuad(s.dotProg)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, s.Name, err)
	}
	s.quad = quad
	return nil
}

func (s *Scoring) SetupContext(pool *bufpool.Pool) { s.pool = pool }

// LoadParameters shares the embedding table with the Embedding layer's
// weights; a real wiring passes the same vocab x embed_dim provider key
// both layers read.
func (s *Scoring) LoadParameters(p param.Provider) error {
	blob, err := p.Get(s.Name, "weights", 0)
	if err != nil {
		return layer.NewError(layer.ParamMissing, s.Name, err)
	}
	tex, err := gfx.NewTextureFromImage(gfx.TextureImgConfig{
		Type: gfx.Texture2D, Width: s.embedTexels(), Height: s.b.Vocab,
		Format: uint32(tensor.GL_RGBA), Xtype: gl.FLOAT,
	}, blob.Data)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, s.Name, err)
	}
	s.embedTex = tex
	s.hasEmbed = true
	return nil
}

// Setup acquires the pipeline's intermediate textures: the score line, the
// per-segment flatten line, the single stats texel, and the scatter
// histogram. All locked; they back this layer's framebuffers.
func (s *Scoring) Setup(inputs, outputs []bufpool.Handle) error {
	if s.dotProg.ID() == 0 {
		return layer.NewError(layer.InvalidState, s.Name, fmt.Errorf("sequence: SetupShaders/SetupContext must run before Setup"))
	}
	s.Inputs = inputs
	s.Outputs = outputs
	line := func(width int) *tensor.BufferSpec {
		// Scores and their exponent sums need FP32 range; FP16 overflows
		// past logit magnitude ~11 once exponentiated.
		return tensor.NewBufferSpec(0, 0, width, 1, tensor.GL_RGBA32F, tensor.GL_RGBA, tensor.FLOAT32, tensor.FnDst).WithLock()
	}
	var err error
	acquire := func(spec *tensor.BufferSpec) bufpool.Handle {
		if err != nil {
			return 0
		}
		var h bufpool.Handle
		h, err = s.pool.Acquire(*spec, s.Number)
		return h
	}
	s.scoreBuf = acquire(line(s.paddedVocab))
	s.segBuf = acquire(line(s.paddedVocab / s.b.VocabAggregateSize))
	s.statsBuf = acquire(line(1))
	s.scatterBuf = acquire(line(scatterBuckets))
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, s.Name, err)
	}
	s.MarkValid()
	return nil
}

// Forward runs the four-stage scoring pipeline: segmented dot-product over
// the padded vocabulary (padded entries score -1e30 so they never win
// selection), two-pass flatten for max/expsum, a scatter pass feeding
// top-k/top-p, and a selection render writing the winning token id.
func (s *Scoring) Forward(sequenceNo uint64, stateToken string) error {
	if err := s.CheckSetup(); err != nil {
		return err
	}
	tex := func(h bufpool.Handle, dst *gfx.Texture, firstErr *error) {
		if *firstErr != nil {
			return
		}
		t, err := s.pool.Texture(h)
		if err != nil {
			*firstErr = err
			return
		}
		*dst = t
	}
	var inTex, outTex, scoreTex, segTex, statsTex, scatterTex gfx.Texture
	var terr error
	tex(s.Inputs[0], &inTex, &terr)
	tex(s.Outputs[0], &outTex, &terr)
	tex(s.scoreBuf, &scoreTex, &terr)
	tex(s.segBuf, &segTex, &terr)
	tex(s.statsBuf, &statsTex, &terr)
	tex(s.scatterBuf, &scatterTex, &terr)
	if terr != nil {
		return layer.NewError(layer.InvalidState, s.Name, terr)
	}

	gl.Disable(gl.BLEND)
	gl.Disable(gl.DEPTH_TEST)
	s.quad.Bind()

	bindTarget := func(slot, w int, dst gfx.Texture) error {
		fb, created, err := s.EnsureFramebuffer(slot, w, 1)
		if err != nil {
			return err
		}
		if created {
			if err := fb.AttachColor(0, dst); err != nil {
				return err
			}
			if err := fb.SetDrawBuffers(1); err != nil {
				return err
			}
		}
		return fb.Bind()
	}
	setCommon := func(u *gfx.UniformState) {
		u.SetInt("uVocab", int32(s.b.Vocab), true)
		u.SetInt("uPaddedVocab", int32(s.paddedVocab), true)
		u.SetInt("uAggregate", int32(s.b.VocabAggregateSize), true)
		u.SetInt("uEmbedTexels", int32(s.embedTexels()), true)
		u.SetInt("uRule", int32(s.b.Rule), true)
		u.SetInt("uTopK", int32(s.b.TopK), true)
		u.SetFloat("uTopP", s.b.TopP, true)
		u.SetFloat("uTemperature", s.b.Temperature, true)
	}

	// (i) segmented dot-product: score[v] = last_row . E[v]^T.
	if err := bindTarget(0, s.paddedVocab, scoreTex); err != nil {
		return layer.NewError(layer.ResourceExhaustion, s.Name, err)
	}
	s.dotProg.Bind()
	inTex.Bind(0)
	if s.hasEmbed {
		s.embedTex.Bind(1)
	}
	du := gfx.NewUniformState(s.dotProg)
	du.SetInt("uInput", 0, true)
	du.SetInt("uEmbed", 1, true)
	setCommon(du)
	if err := du.Apply(); err != nil {
		return layer.NewError(layer.InvalidState, s.Name, err)
	}
	gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)

	// (ii) two-pass flatten: per-segment (max, expsum), then the single
	// global stats texel.
	if err := bindTarget(1, s.paddedVocab/s.b.VocabAggregateSize, segTex); err != nil {
		return layer.NewError(layer.ResourceExhaustion, s.Name, err)
	}
	s.flattenProg[0].Bind()
	scoreTex.Bind(0)
	f0 := gfx.NewUniformState(s.flattenProg[0])
	f0.SetInt("uScores", 0, true)
	setCommon(f0)
	if err := f0.Apply(); err != nil {
		return layer.NewError(layer.InvalidState, s.Name, err)
	}
	gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)

	if err := bindTarget(2, 1, statsTex); err != nil {
		return layer.NewError(layer.ResourceExhaustion, s.Name, err)
	}
	s.flattenProg[1].Bind()
	segTex.Bind(0)
	f1 := gfx.NewUniformState(s.flattenProg[1])
	f1.SetInt("uSeg", 0, true)
	setCommon(f1)
	if err := f1.Apply(); err != nil {
		return layer.NewError(layer.InvalidState, s.Name, err)
	}
	gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)

	// (iii) scatter: probability-mass histogram over score-hash buckets,
	// consumed by top-k/top-p trimming.
	if s.b.Rule == TopK || s.b.Rule == TopP {
		if err := bindTarget(3, scatterBuckets, scatterTex); err != nil {
			return layer.NewError(layer.ResourceExhaustion, s.Name, err)
		}
		s.scatterProg.Bind()
		scoreTex.Bind(0)
		statsTex.Bind(1)
		sc := gfx.NewUniformState(s.scatterProg)
		sc.SetInt("uScores", 0, true)
		sc.SetInt("uStats", 1, true)
		setCommon(sc)
		if err := sc.Apply(); err != nil {
			return layer.NewError(layer.InvalidState, s.Name, err)
		}
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
	}

	// (iv) selection render: one uint texel with the chosen token id,
	// ready to feed the next Embedding.Forward call.
	if err := bindTarget(4, 1, outTex); err != nil {
		return layer.NewError(layer.ResourceExhaustion, s.Name, err)
	}
	s.selectProg.Bind()
	scoreTex.Bind(0)
	statsTex.Bind(1)
	scatterTex.Bind(2)
	se := gfx.NewUniformState(s.selectProg)
	se.SetInt("uScores", 0, true)
	se.SetInt("uStats", 1, true)
	se.SetInt("uScatter", 2, true)
	se.SetFloat("uRandom", sequenceRandom(sequenceNo), true)
	setCommon(se)
	if err := se.Apply(); err != nil {
		return layer.NewError(layer.InvalidState, s.Name, err)
	}
	gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	return nil
}

func cloneDefines(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// sequenceRandom maps a sequence number to [0,1) deterministically, so
// re-issuing a pipelined forward for the same sequence draws the same
// sample.
func sequenceRandom(seq uint64) float32 {
	h := seq*0x9E3779B97F4A7C15 + 0x2545F4914F6CDD1D
	return float32(h>>40) / float32(1<<24)
}

func (s *Scoring) Cleanup() {
	s.CleanupFramebuffers()
	s.quad.Delete()
	if s.hasEmbed {
		s.embedTex.Delete()
		s.hasEmbed = false
	}
	if s.pool != nil {
		for _, h := range [...]bufpool.Handle{s.scoreBuf, s.segBuf, s.statsBuf, s.scatterBuf} {
			if h != 0 {
				s.pool.Delete(h)
			}
		}
	}
}
