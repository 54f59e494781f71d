// Package attention implements the causal multi-head attention compound
// layer: Q/K/V projection, optional rotary positional encoding,
// dot-product, causal-masked softmax, value multiplication, and output
// projection, each as a separate render pass sharing intermediate
// sequence-format textures. The K/V cache persists across Forward calls
// for incremental decoding.
package attention

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// Builder configures a causal multi-head attention layer.
type Builder struct {
	Name string

	NumHeads, HeadDim int
	EmbedDim          int // H*D; Q/K/V/output projections map to/from this width
	MaxSeqLen         int

	QuantGroup int // typical 32 or 128

	UseRotary   bool
	RotaryTheta float32 // conventional default 10000

	DPMaxBatch     int // heads per draw in the batched dot-product mode
	ShortThreshold int // data_rows <= threshold selects the short MatMulConst shader

	AutoResidual bool // blend the output projection into the layer's input
}

// Attention is the causal multi-head attention compound layer.
type Attention struct {
	layer.Base
	b Builder

	projQ, projK, projV, projOut matMulConst
	ropeProg                     gfx.Program
	dotBatched, dotSingle        gfx.Program
	softmaxPass0, softmaxPass1   gfx.Program
	attmulBatched, attmulSingle  gfx.Program

	quad layer.Quad
	pool *bufpool.Pool

	kCache, vCache bufpool.Handle
	// Intermediate textures shared across the six passes: projected (and
	// rotated) Q, a general embed-shaped scratch, the head-major score and
	// probability grids, and the per-(head,row) softmax denominators.
	qBuf, scratchBuf  bufpool.Handle
	scoreBuf, probBuf bufpool.Handle
	denomBuf          bufpool.Handle
	tokenIndex        int // incremental decode cursor; 0 at first Forward after Setup
}

func New(number int, b Builder) (*Attention, error) {
	if b.NumHeads <= 0 || b.HeadDim <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("attention: num_heads and head_dim must be positive"))
	}
	if b.EmbedDim != b.NumHeads*b.HeadDim {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("attention: embed_dim %d != num_heads*head_dim %d", b.EmbedDim, b.NumHeads*b.HeadDim))
	}
	if b.DPMaxBatch <= 0 {
		b.DPMaxBatch = b.NumHeads
	}
	if b.ShortThreshold <= 0 {
		b.ShortThreshold = 8
	}
	if b.RotaryTheta <= 0 {
		b.RotaryTheta = 10000
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	return &Attention{Base: base, b: b}, nil
}

func (a *Attention) embedTexels() int { return (a.b.EmbedDim + 3) / 4 }

func (a *Attention) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	spec := tensor.NewBufferSpec(0, 0, a.embedTexels(), a.b.MaxSeqLen, sized, generic, tensor.FLOAT16, tensor.FnSrc).WithDataOrder(tensor.Sequence)
	return []tensor.BufferSpec{*spec}
}

func (a *Attention) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	spec := tensor.NewBufferSpec(0, 0, a.embedTexels(), a.b.MaxSeqLen, sized, generic, tensor.FLOAT16, tensor.FnDst).WithDataOrder(tensor.Sequence)
	return []tensor.BufferSpec{*spec}
}

// SetupShaders compiles every sub-kernel program family this compound
// dispatches across its six render passes.
func (a *Attention) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	if err := a.projQ.compile(cache, reg, src); err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}
	if err := a.projK.compile(cache, reg, src); err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}
	if err := a.projV.compile(cache, reg, src); err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}
	if err := a.projOut.compile(cache, reg, src); err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}

	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("attention: snippet quad.vert not found"))
	}
	if a.b.UseRotary {
		ropeFrag, ok := src.Load("rope.frag")
		if !ok {
			return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("attention: snippet rope.frag not found"))
		}
		prog, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: ropeFrag})
		if err != nil {
			return layer.NewError(layer.ShaderFailure, a.Name, err)
		}
		a.ropeProg = prog
	}

	dotFrag, ok := src.Load("dotprod.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("attention: snippet dotprod.frag not found"))
	}
	var err error
	a.dotBatched, err = compileModed(cache, reg, vertex, dotFrag, 0)
	if err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}
	a.dotSingle, err = compileModed(cache, reg, vertex, dotFrag, 1)
	if err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}

	softFrag, ok := src.Load("softmax_causal.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("attention: snippet softmax_causal.frag not found"))
	}
	a.softmaxPass0, err = compilePass(cache, reg, vertex, softFrag, 0)
	if err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}
	a.softmaxPass1, err = compilePass(cache, reg, vertex, softFrag, 1)
	if err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}

	attmulFrag, ok := src.Load("attmul.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("attention: snippet attmul.frag not found"))
	}
	a.attmulBatched, err = compileModed(cache, reg, vertex, attmulFrag, 0)
	if err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}
	a.attmulSingle, err = compileModed(cache, reg, vertex, attmulFrag, 1)
	if err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}

	quad, err := layer.NewQuad(a.dotSingle)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, a.Name, err)
	}
	a.quad = quad
	return nil
}

func compileModed(cache *shaderreg.Cache, reg shaderreg.Preamble, vertex, fragment string, mode int) (gfx.Program, error) {
	p := reg
	p.Defines = cloneDefines(reg.Defines)
	if p.Defines == nil {
		p.Defines = map[string]string{}
	}
	p.Defines["MODE"] = fmt.Sprintf("%d", mode)
	return cache.Acquire(shaderreg.Request{Preamble: p, Vertex: vertex, Fragment: fragment})
}

func compilePass(cache *shaderreg.Cache, reg shaderreg.Preamble, vertex, fragment string, pass int) (gfx.Program, error) {
	p := reg
	p.Defines = cloneDefines(reg.Defines)
	if p.Defines == nil {
		p.Defines = map[string]string{}
	}
	p.Defines["PASS"] = fmt.Sprintf("%d", pass)
	return cache.Acquire(shaderreg.Request{Preamble: p, Vertex: vertex, Fragment: fragment})
}

func (a *Attention) SetupContext(pool *bufpool.Pool) { a.pool = pool }

// LoadParameters uploads the four MatMulConst weight matrices.
func (a *Attention) LoadParameters(p param.Provider) error {
	d := a.b.EmbedDim
	if err := a.projQ.load(p, a.Name, "q_proj", 0, d, d, a.b.QuantGroup); err != nil {
		return layer.NewError(layer.ParamMissing, a.Name, err)
	}
	if err := a.projK.load(p, a.Name, "k_proj", 0, d, d, a.b.QuantGroup); err != nil {
		return layer.NewError(layer.ParamMissing, a.Name, err)
	}
	if err := a.projV.load(p, a.Name, "v_proj", 0, d, d, a.b.QuantGroup); err != nil {
		return layer.NewError(layer.ParamMissing, a.Name, err)
	}
	if err := a.projOut.load(p, a.Name, "out_proj", 0, d, d, a.b.QuantGroup); err != nil {
		return layer.NewError(layer.ParamMissing, a.Name, err)
	}
	return nil
}

// Setup acquires the persistent K/V cache buffers and the intermediate
// pass textures in addition to the ordinary input/output handles. All of
// them are locked: the K/V cache must survive across Forward calls, and
// the intermediates are attached to this layer's framebuffers, so none may
// be handed to another layer by the pool.
func (a *Attention) Setup(inputs, outputs []bufpool.Handle) error {
	if a.dotSingle.ID() == 0 {
		return layer.NewError(layer.InvalidState, a.Name, fmt.Errorf("attention: SetupShaders/SetupContext must run before Setup"))
	}
	a.Inputs = inputs
	a.Outputs = outputs
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	embedSpec := tensor.NewBufferSpec(0, 0, a.embedTexels(), a.b.MaxSeqLen, sized, generic, tensor.FLOAT16, tensor.FnDst).
		WithDataOrder(tensor.Sequence).WithLock()
	scoreSpec := tensor.NewBufferSpec(0, 0, a.b.NumHeads*a.b.MaxSeqLen, a.b.MaxSeqLen, sized, generic, tensor.FLOAT16, tensor.FnDst).WithLock()
	denomSpec := tensor.NewBufferSpec(0, 0, a.b.NumHeads, a.b.MaxSeqLen, sized, generic, tensor.FLOAT16, tensor.FnDst).WithLock()

	var err error
	acquire := func(spec *tensor.BufferSpec) bufpool.Handle {
		if err != nil {
			return 0
		}
		var h bufpool.Handle
		h, err = a.pool.Acquire(*spec, a.Number)
		return h
	}
	a.kCache = acquire(embedSpec)
	a.vCache = acquire(embedSpec)
	a.qBuf = acquire(embedSpec)
	a.scratchBuf = acquire(embedSpec)
	a.scoreBuf = acquire(scoreSpec)
	a.probBuf = acquire(scoreSpec)
	a.denomBuf = acquire(denomSpec)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, a.Name, err)
	}
	a.tokenIndex = 0
	a.MarkValid()
	return nil
}

// Forward runs the six attention passes. An empty stateToken always runs
// the full prompt; a non-empty one switches to incremental decode once the
// initial batch pass has primed the K/V cache, projecting and attending a
// single appended row per call.
func (a *Attention) Forward(sequenceNo uint64, stateToken string) error {
	if err := a.CheckSetup(); err != nil {
		return err
	}
	tex := func(h bufpool.Handle, dst *gfx.Texture, firstErr *error) {
		if *firstErr != nil {
			return
		}
		t, err := a.pool.Texture(h)
		if err != nil {
			*firstErr = err
			return
		}
		*dst = t
	}
	var inTex, outTex, kTex, vTex, qTex, sTex, scoreTex, denomTex, probTex gfx.Texture
	var terr error
	tex(a.Inputs[0], &inTex, &terr)
	tex(a.Outputs[0], &outTex, &terr)
	tex(a.kCache, &kTex, &terr)
	tex(a.vCache, &vTex, &terr)
	tex(a.qBuf, &qTex, &terr)
	tex(a.scratchBuf, &sTex, &terr)
	tex(a.scoreBuf, &scoreTex, &terr)
	tex(a.denomBuf, &denomTex, &terr)
	tex(a.probBuf, &probTex, &terr)
	if terr != nil {
		return layer.NewError(layer.InvalidState, a.Name, terr)
	}

	incremental := stateToken != "" && a.tokenIndex > 0 && a.tokenIndex < a.b.MaxSeqLen
	queryBound := a.b.MaxSeqLen - 1
	dataRows := a.b.MaxSeqLen
	if incremental {
		queryBound = a.tokenIndex
		dataRows = 1
	}

	gl.Disable(gl.BLEND)
	gl.Disable(gl.DEPTH_TEST)
	a.quad.Bind()

	// bindTarget attaches dst to the slot's framebuffer (first call only;
	// the attachment set per slot never changes) and binds it. In
	// incremental mode every pass shrinks its viewport to the single query
	// row, so K/V projection appends one cache row and the score grid only
	// recomputes that row.
	bindTarget := func(slot, w, h int, dst gfx.Texture) error {
		fb, created, err := a.EnsureFramebuffer(slot, w, h)
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
		if err := fb.Bind(); err != nil {
			return err
		}
		if incremental {
			gl.Viewport(0, int32(queryBound), int32(w), 1)
		}
		return nil
	}

	const (
		fbScratch = iota
		fbQ
		fbK
		fbV
		fbScore
		fbDenom
		fbProb
		fbOut
	)
	embedW, embedH := a.embedTexels(), a.b.MaxSeqLen
	scoreW := a.b.NumHeads * a.b.MaxSeqLen

	runProjection := func(m *matMulConst, slot int, dst, input gfx.Texture, residual *gfx.Texture) error {
		if err := bindTarget(slot, embedW, embedH, dst); err != nil {
			return err
		}
		prog := m.ProgramFor(dataRows, a.b.ShortThreshold)
		prog.Bind()
		input.Bind(0)
		m.weightTex.Bind(1)
		m.scaleTex.Bind(2)
		m.zeroTex.Bind(3)
		u := gfx.NewUniformState(prog)
		uerr := errors.Join(
			u.SetInt("uInput", 0, true),
			u.SetInt("uWeights", 1, true),
			u.SetInt("uScales", 2, true),
			u.SetInt("uZeros", 3, true),
			u.SetInt("uQGroup", int32(m.qgroup), false),
			u.SetInt("uInCols", int32(m.rows), false),
			u.SetInt("uOutCols", int32((m.cols+3)/4), false),
		)
		if residual != nil {
			residual.Bind(4)
			uerr = errors.Join(uerr,
				u.SetInt("uResidual", 4, true),
				u.SetInt("uAddResidual", 1, true),
			)
		} else {
			uerr = errors.Join(uerr, u.SetInt("uAddResidual", 0, true))
		}
		if uerr != nil {
			return uerr
		}
		if err := u.Apply(); err != nil {
			return err
		}
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
		return nil
	}
	runRope := func(slot int, dst, input gfx.Texture) error {
		if err := bindTarget(slot, embedW, embedH, dst); err != nil {
			return err
		}
		a.ropeProg.Bind()
		input.Bind(0)
		u := gfx.NewUniformState(a.ropeProg)
		uerr := errors.Join(
			u.SetInt("uInput", 0, true),
			u.SetInt("uHeadDim", int32(a.b.HeadDim), false),
			u.SetFloat("uTheta", a.b.RotaryTheta, false),
		)
		if uerr != nil {
			return uerr
		}
		if err := u.Apply(); err != nil {
			return err
		}
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
		return nil
	}

	// Steps 1-2: Q/K/V projection, with rotary encoding applied to Q and K
	// through the scratch texture so no pass samples its own render target.
	// K and V project straight into the persistent caches.
	var err error
	if a.b.UseRotary {
		err = runProjection(&a.projQ, fbScratch, sTex, inTex, nil)
		if err == nil {
			err = runRope(fbQ, qTex, sTex)
		}
		if err == nil {
			err = runProjection(&a.projK, fbScratch, sTex, inTex, nil)
		}
		if err == nil {
			err = runRope(fbK, kTex, sTex)
		}
	} else {
		err = runProjection(&a.projQ, fbQ, qTex, inTex, nil)
		if err == nil {
			err = runProjection(&a.projK, fbK, kTex, inTex, nil)
		}
	}
	if err == nil {
		err = runProjection(&a.projV, fbV, vTex, inTex, nil)
	}
	if err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}

	// Step 3: Q.K^T into the head-major score grid.
	dotProg, attmulProg := a.dotBatched, a.attmulBatched
	if incremental {
		dotProg, attmulProg = a.dotSingle, a.attmulSingle
	}
	if err := bindTarget(fbScore, scoreW, a.b.MaxSeqLen, scoreTex); err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	dotProg.Bind()
	qTex.Bind(0)
	kTex.Bind(1)
	du := gfx.NewUniformState(dotProg)
	err = errors.Join(
		du.SetInt("uQuery", 0, true),
		du.SetInt("uKey", 1, true),
		du.SetInt("uHeadDim", int32(a.b.HeadDim), false),
		du.SetInt("uKeyLen", int32(a.b.MaxSeqLen), false),
		du.SetInt("uNumHeads", int32(a.b.NumHeads), false),
	)
	if err == nil {
		err = du.Apply()
	}
	if err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	if incremental {
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
	} else {
		// Batched mode iterates DPMaxBatch heads per draw: the scissor
		// selects each chunk's head columns without disturbing the quad's
		// texture-coordinate mapping.
		gl.Enable(gl.SCISSOR_TEST)
		for h0 := 0; h0 < a.b.NumHeads; h0 += a.b.DPMaxBatch {
			heads := a.b.DPMaxBatch
			if h0+heads > a.b.NumHeads {
				heads = a.b.NumHeads - h0
			}
			gl.Scissor(int32(h0*a.b.MaxSeqLen), 0, int32(heads*a.b.MaxSeqLen), int32(a.b.MaxSeqLen))
			gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
		}
		gl.Disable(gl.SCISSOR_TEST)
	}

	// Step 4: two-pass causal-masked softmax (denominators, then
	// normalised probabilities).
	if err := bindTarget(fbDenom, a.b.NumHeads, a.b.MaxSeqLen, denomTex); err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	a.softmaxPass0.Bind()
	scoreTex.Bind(0)
	su0 := gfx.NewUniformState(a.softmaxPass0)
	err = errors.Join(
		su0.SetInt("uScores", 0, true),
		su0.SetInt("uQueryTokenIndex", int32(queryBound), false),
		su0.SetInt("uKeyLen", int32(a.b.MaxSeqLen), false),
		su0.SetInt("uNumHeads", int32(a.b.NumHeads), false),
	)
	if err == nil {
		err = su0.Apply()
	}
	if err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)

	if err := bindTarget(fbProb, scoreW, a.b.MaxSeqLen, probTex); err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	a.softmaxPass1.Bind()
	scoreTex.Bind(0)
	denomTex.Bind(1)
	su1 := gfx.NewUniformState(a.softmaxPass1)
	err = errors.Join(
		su1.SetInt("uScores", 0, true),
		su1.SetInt("uDenom", 1, true),
		su1.SetInt("uQueryTokenIndex", int32(queryBound), false),
		su1.SetInt("uKeyLen", int32(a.b.MaxSeqLen), false),
		su1.SetInt("uNumHeads", int32(a.b.NumHeads), false),
	)
	if err == nil {
		err = su1.Apply()
	}
	if err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)

	// Step 5: attention-value multiply back into embed shape, through the
	// scratch texture (its last read, rope's K input, is long done).
	if err := bindTarget(fbScratch, embedW, embedH, sTex); err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	attmulProg.Bind()
	probTex.Bind(0)
	vTex.Bind(1)
	au := gfx.NewUniformState(attmulProg)
	err = errors.Join(
		au.SetInt("uProbs", 0, true),
		au.SetInt("uValue", 1, true),
		au.SetInt("uHeadDim", int32(a.b.HeadDim), false),
		au.SetInt("uKeyLen", int32(a.b.MaxSeqLen), false),
	)
	if err == nil {
		err = au.Apply()
	}
	if err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)

	// Step 6: output projection, folding the residual input in when
	// AutoResidual is set.
	var residual *gfx.Texture
	if a.b.AutoResidual {
		residual = &inTex
	}
	if err := runProjection(&a.projOut, fbOut, outTex, sTex, residual); err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)

	if incremental {
		a.tokenIndex++
	} else {
		a.tokenIndex = a.b.MaxSeqLen
	}
	return nil
}

// Cleanup releases every GFX resource this compound owns, including
// clearing the persisted K/V cache.
func (a *Attention) Cleanup() {
	a.CleanupFramebuffers()
	a.quad.Delete()
	a.projQ.cleanup()
	a.projK.cleanup()
	a.projV.cleanup()
	a.projOut.cleanup()
	if a.pool != nil {
		for _, h := range [...]bufpool.Handle{a.kCache, a.vCache, a.qBuf, a.scratchBuf, a.scoreBuf, a.probBuf, a.denomBuf} {
			if h != 0 {
				a.pool.Delete(h)
			}
		}
	}
	a.tokenIndex = 0
}

// rotaryAngle computes the rotation angle for pair index i at token row
// m: m * theta^(-2i/D). Exposed for tests
// cross-checking the GLSL implementation's math on the CPU.
func rotaryAngle(m, i, headDim int, theta float32) float32 {
	return float32(m) * math32.Pow(theta, -2*float32(i)/float32(headDim))
}
