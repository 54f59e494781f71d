// Package conv implements the convolution-family dispatchers: shallow,
// deep, and stencil-strata transpose convolution, plus the GEMM,
// patch-extraction and blur layers built on the same machinery.
package conv

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
	"github.com/soypat/tessera/tile"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// maxConvUniformFloats bounds the per-draw weight uniform array: the GL
// minimum guarantee is 1024 vec4 components for fragment shaders, so the
// render-target batch width shrinks for large kernels rather than
// overflowing the uniform budget.
const maxConvUniformFloats = 4096

// ShallowBuilder configures a shallow 2-D convolution layer.
type ShallowBuilder struct {
	Name           string
	Width, Height  int
	InChannels     int
	OutChannels    int
	Kernel         int
	Group          int // 1 = dense, group == InChannels = depthwise
	Downsample     [2]int
	Dilation       [2]int
	SourceStep     [2]float32 // < 1 reparameterises texture coordinates for fractional stride; zero means unit stride
	Flags          layer.Flags
	MaxDrawBuffers int
}

// Shallow is a shallow 2-D convolution layer. Output tiles batch m <=
// MaxDrawBuffers render targets per draw, each lane with its own weight
// block and bias; partial inner products accumulate across kernel-row
// lanes and input tiles through the fixed-function blend unit in additive
// mode, and the final pass disables blending, re-reads the accumulated
// targets through a texture barrier, and applies bias fusion and
// activation in one combined op.
type Shallow struct {
	layer.Base
	b           ShallowBuilder
	laneFamily  layer.Family // FINAL_PASS=0, NUM_LANES=1..maxLanes
	finalFamily layer.Family // FINAL_PASS=1, NUM_LANES=1..maxLanes
	mesh        layer.Mesh   // kernel-row lanes, accumulation passes
	quad        layer.Quad   // single full-footprint quad, final pass
	pool        *bufpool.Pool
	depthwise   bool
	maxLanes    int
	weights     [][]float32 // per output tile: (k*k*4*4*inTiles) flat, or (k*k*4) depthwise
	bias        []float32   // per output channel
}

func NewShallow(number int, b ShallowBuilder) (*Shallow, error) {
	if b.Kernel%2 == 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: even kernel size %d unsupported", b.Kernel))
	}
	if b.Group > 1 && b.Group != b.InChannels {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: group %d must equal in_channels %d or be 1", b.Group, b.InChannels))
	}
	if b.Group == b.InChannels && b.Group > 1 && b.Kernel == 1 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: 1x1 depthwise is rejected"))
	}
	if b.MaxDrawBuffers <= 0 || b.MaxDrawBuffers > gfx.MaxDrawBuffers {
		b.MaxDrawBuffers = gfx.MaxDrawBuffers
	}
	if b.Downsample[0] <= 0 {
		b.Downsample[0] = 1
	}
	if b.Downsample[1] <= 0 {
		b.Downsample[1] = 1
	}
	if b.SourceStep[0] == 0 {
		b.SourceStep[0] = 1
	}
	if b.SourceStep[1] == 0 {
		b.SourceStep[1] = 1
	}
	depthwise := b.Group > 1 && b.Group == b.InChannels
	if depthwise && b.InChannels != b.OutChannels {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: depthwise requires in_channels == out_channels, got %d/%d", b.InChannels, b.OutChannels))
	}
	s := &Shallow{
		Base:      layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, b.Flags),
		b:         b,
		depthwise: depthwise,
	}
	// Batch width: the device draw-buffer cap, further clamped so one
	// draw's weight uniform array stays inside the GL minimum budget.
	perLane := s.b.Kernel * s.b.Kernel * 16
	if depthwise {
		perLane = s.b.Kernel * s.b.Kernel * 4
	}
	s.maxLanes = b.MaxDrawBuffers
	if budget := maxConvUniformFloats / perLane; budget < s.maxLanes {
		s.maxLanes = budget
	}
	if s.maxLanes < 1 {
		s.maxLanes = 1
	}
	return s, nil
}

func (s *Shallow) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	n := (s.b.InChannels + 3) / 4
	specs := make([]tensor.BufferSpec, n)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(i, 0, s.b.Width, s.b.Height, sized, generic, tensor.FLOAT16, tensor.FnSrc)
	}
	return specs
}

func (s *Shallow) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	n := (s.b.OutChannels + 3) / 4
	specs := make([]tensor.BufferSpec, n)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(i, 0, s.b.Width/s.b.Downsample[0], s.b.Height/s.b.Downsample[1], sized, generic, tensor.FLOAT16, tensor.FnDst)
	}
	return specs
}

// SetupShaders compiles the two conv_shallow.frag families this layer's
// kernel size needs, one program per render-target batch width: the
// lane-accumulation family (drawn over the KernelLanes mesh with additive
// blending) and the final-pass family (drawn as one quad with blending
// off). src resolves the named shader bodies; the engine passes on the
// Source given to engine.New, such as shaders.Registry{}.
func (s *Shallow) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	laneVert, ok := src.Load("conv_shallow.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, s.Name, fmt.Errorf("conv: snippet conv_shallow.vert not found"))
	}
	quadVert, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, s.Name, fmt.Errorf("conv: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("conv_shallow.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, s.Name, fmt.Errorf("conv: snippet conv_shallow.frag not found"))
	}
	dw := "0"
	if s.depthwise {
		dw = "1"
	}
	family := func(vertex, finalPass string) (layer.Family, error) {
		p := reg
		p.Defines = cloneAndSet(reg.Defines, "KSIZE", itoa(s.b.Kernel))
		p.Defines["FINAL_PASS"] = finalPass
		p.Defines["DEPTHWISE"] = dw
		return layer.CompileFamily(cache, p, vertex, fragment, s.maxLanes)
	}
	laneFamily, err := family(laneVert, "0")
	if err != nil {
		return layer.NewError(layer.ShaderFailure, s.Name, err)
	}
	finalFamily, err := family(quadVert, "1")
	if err != nil {
		return layer.NewError(layer.ShaderFailure, s.Name, err)
	}
	s.laneFamily, s.finalFamily = laneFamily, finalFamily

	laneProg, _ := laneFamily.Program(1)
	lanes, idx := tile.ProxyGenerator{}.KernelLanes(s.b.Kernel)
	mesh, err := layer.NewMesh(laneProg, lanes, idx)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, s.Name, err)
	}
	s.mesh = mesh
	finalProg, _ := finalFamily.Program(1)
	quad, err := layer.NewQuad(finalProg)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, s.Name, err)
	}
	s.quad = quad
	return nil
}

// weightsPerOutTile reports the flat float count one output tile's uniform
// block carries: the depthwise layout degenerates to k*k*4.
func (s *Shallow) weightsPerOutTile() int {
	if s.depthwise {
		return s.b.Kernel * s.b.Kernel * 4
	}
	inTiles := (s.b.InChannels + 3) / 4
	return s.b.Kernel * s.b.Kernel * 4 * 4 * inTiles
}

func (s *Shallow) LoadParameters(p param.Provider) error {
	outTiles := (s.b.OutChannels + 3) / 4
	blob, err := p.Get(s.Name, "weights", 0)
	if err != nil {
		return layer.NewError(layer.ParamMissing, s.Name, err)
	}
	wantCount := s.weightsPerOutTile() * outTiles
	if blob.Count != wantCount {
		return layer.NewError(layer.ParamMissing, s.Name, fmt.Errorf("conv: expected %d weight values, got %d", wantCount, blob.Count))
	}
	biasBlob, err := p.Get(s.Name, "bias", 0)
	if err != nil {
		return layer.NewError(layer.ParamMissing, s.Name, err)
	}
	s.weights = decodeFloatsPerTile(blob, outTiles)
	s.bias = decodeFloats(biasBlob)
	return nil
}

// Setup implements layer.Layer. The shader cache and buffer pool are wired
// beforehand via SetupShaders/SetupContext, called by the engine; Setup
// only binds handles and flips the valid bit.
func (s *Shallow) Setup(inputs, outputs []bufpool.Handle) error {
	if s.finalFamily.Len() == 0 {
		return layer.NewError(layer.InvalidState, s.Name, fmt.Errorf("conv: SetupShaders/SetupContext must run before Setup"))
	}
	s.Inputs = inputs
	s.Outputs = outputs
	s.MarkValid()
	return nil
}

// SetupContext binds the pool this layer draws buffers from; called once,
// before Setup.
func (s *Shallow) SetupContext(pool *bufpool.Pool) { s.pool = pool }

// Forward walks the output tiles in batches of m <= maxLanes render
// targets, one framebuffer per batch.
func (s *Shallow) Forward(sequenceNo uint64, stateToken string) error {
	if err := s.CheckSetup(); err != nil {
		return err
	}
	if len(s.weights) != len(s.Outputs) {
		return layer.NewError(layer.InvalidState, s.Name, fmt.Errorf("conv: LoadParameters must run before Forward"))
	}
	viewW := s.b.Width / s.b.Downsample[0]
	viewH := s.b.Height / s.b.Downsample[1]
	inTiles := len(s.Inputs)
	remaining := len(s.Outputs)
	o0, batch := 0, 0
	for remaining > 0 {
		m := layer.BatchSize(remaining, s.maxLanes)
		laneProg, ok := s.laneFamily.Program(m)
		if !ok {
			return layer.NewError(layer.InvalidState, s.Name, fmt.Errorf("conv: no lane shader for batch width %d", m))
		}
		finalProg, ok := s.finalFamily.Program(m)
		if !ok {
			return layer.NewError(layer.InvalidState, s.Name, fmt.Errorf("conv: no final-pass shader for batch width %d", m))
		}

		fb, created, err := s.EnsureFramebuffer(batch, viewW, viewH)
		if err != nil {
			return layer.NewError(layer.ResourceExhaustion, s.Name, err)
		}
		if created {
			for j := 0; j < m; j++ {
				tex, err := s.pool.Texture(s.Outputs[o0+j])
				if err != nil {
					return layer.NewError(layer.InvalidState, s.Name, err)
				}
				if err := fb.AttachColor(j, tex); err != nil {
					return layer.NewError(layer.ResourceExhaustion, s.Name, err)
				}
			}
			if err := fb.SetDrawBuffers(m); err != nil {
				return layer.NewError(layer.ResourceExhaustion, s.Name, err)
			}
			if err := fb.CheckComplete(); err != nil {
				return layer.NewError(layer.ResourceExhaustion, s.Name, err)
			}
		}
		if err := fb.Bind(); err != nil {
			return layer.NewError(layer.InvalidState, s.Name, err)
		}
		gl.Disable(gl.DEPTH_TEST)
		gl.Disable(gl.STENCIL_TEST)
		gl.Disable(gl.CULL_FACE)

		if s.depthwise || inTiles == 1 {
			// Full footprint in one fragment per lane; no accumulation
			// and no blending. Depthwise lane j reads its own matching
			// tile, dense single-tile reads tile 0 on every lane.
			gl.Disable(gl.BLEND)
			if err := s.drawFinal(finalProg, m, o0, 0, true); err != nil {
				return err
			}
			fb.Unbind()
			o0 += m
			remaining -= m
			batch++
			continue
		}

		// Multi-tile accumulation: clear, blend-add every tile but the
		// last (pass 0's centre row deposits the bias), then the final
		// pass folds its own contribution plus activation over the
		// accumulated values with blending off.
		gl.ClearColor(0, 0, 0, 0)
		gl.Clear(gl.COLOR_BUFFER_BIT)
		gl.Enable(gl.BLEND)
		gl.BlendFunc(gl.ONE, gl.ONE)
		laneProg.Bind()
		s.mesh.Bind()
		for t := 0; t < inTiles-1; t++ {
			if err := s.drawLanes(laneProg, m, o0, t, t == 0); err != nil {
				return err
			}
		}
		gl.Disable(gl.BLEND)
		gl.TextureBarrier()
		if err := s.drawFinal(finalProg, m, o0, inTiles-1, false); err != nil {
			return err
		}
		fb.Unbind()
		o0 += m
		remaining -= m
		batch++
	}
	return nil
}

// batchWeights concatenates the m lanes' weight blocks for input tile t
// (dense) or for the lanes' own tiles (depthwise, where t is ignored).
func (s *Shallow) batchWeights(m, o0, t int) []float32 {
	per := s.weightsPerOutTile()
	if !s.depthwise {
		per /= len(s.Inputs)
	}
	out := make([]float32, 0, m*per)
	for j := 0; j < m; j++ {
		w := s.weights[o0+j]
		if s.depthwise {
			out = append(out, w...)
			continue
		}
		out = append(out, w[t*per:(t+1)*per]...)
	}
	return out
}

func (s *Shallow) drawLanes(prog gfx.Program, m, o0, t int, first bool) error {
	inTex, err := s.pool.Texture(s.Inputs[t])
	if err != nil {
		return layer.NewError(layer.InvalidState, s.Name, err)
	}
	for j := 0; j < m; j++ {
		inTex.Bind(j)
	}
	u := gfx.NewUniformState(prog)
	if err := s.stageConvUniforms(u, m, s.batchWeights(m, o0, t), o0, first, false); err != nil {
		return err
	}
	gl.DrawElements(gl.TRIANGLES, int32(s.mesh.IndexCount()), gl.UNSIGNED_INT, nil)
	return nil
}

func (s *Shallow) drawFinal(prog gfx.Program, m, o0, t int, singlePass bool) error {
	prog.Bind()
	s.quad.Bind()
	for j := 0; j < m; j++ {
		in := t
		if s.depthwise {
			in = o0 + j
		}
		inTex, err := s.pool.Texture(s.Inputs[in])
		if err != nil {
			return layer.NewError(layer.InvalidState, s.Name, err)
		}
		inTex.Bind(j)
		if !singlePass {
			accumTex, err := s.pool.Texture(s.Outputs[o0+j])
			if err != nil {
				return layer.NewError(layer.InvalidState, s.Name, err)
			}
			accumTex.Bind(m + j)
		}
	}
	u := gfx.NewUniformState(prog)
	if err := s.stageConvUniforms(u, m, s.batchWeights(m, o0, t), o0, singlePass, !singlePass); err != nil {
		return err
	}
	gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
	return nil
}

// stageConvUniforms stages the uniforms both families share and applies
// them. first selects bias deposition (pass 0's centre row, or the
// single/depthwise pass itself); accums wires the uAccum<j> samplers onto
// units m..2m-1 for the multi-tile final pass.
func (s *Shallow) stageConvUniforms(u *gfx.UniformState, m int, block []float32, o0 int, first, accums bool) error {
	var uerr error
	for j := 0; j < m; j++ {
		uerr = errors.Join(uerr, u.SetInt("uInput"+strconv.Itoa(j), int32(j), true))
		if accums {
			uerr = errors.Join(uerr, u.SetInt("uAccum"+strconv.Itoa(j), int32(m+j), true))
		}
		var bias [4]float32
		copy(bias[:], s.bias[(o0+j)*4:min((o0+j)*4+4, len(s.bias))])
		uerr = errors.Join(uerr, u.SetFloatVec(fmt.Sprintf("uBias[%d]", j), false, bias[0], bias[1], bias[2], bias[3]))
	}
	uerr = errors.Join(uerr,
		u.SetFloatArray("uWeights", block, false),
		u.SetInt("uActivation", int32(s.Flags.Activation), false),
		u.SetInt("uFirstPass", boolInt(first), false),
		u.SetFloatVec("uSourceStep", false, s.b.SourceStep[0], s.b.SourceStep[1]),
	)
	if uerr != nil {
		return layer.NewError(layer.InvalidState, s.Name, uerr)
	}
	if err := u.Apply(); err != nil {
		return layer.NewError(layer.InvalidState, s.Name, err)
	}
	return nil
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func (s *Shallow) Cleanup() {
	s.CleanupFramebuffers()
	s.mesh.Delete()
	s.quad.Delete()
}

func itoa(n int) string { return strconv.Itoa(n) }

func cloneAndSet(m map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for kk, vv := range m {
		out[kk] = vv
	}
	out[k] = v
	return out
}

func decodeFloats(b param.DataBlob) []float32 {
	out := make([]float32, b.Count)
	for i := range out {
		out[i] = bytesToFloat32(b.Data[i*4 : i*4+4])
	}
	return out
}

func decodeFloatsPerTile(b param.DataBlob, outTiles int) [][]float32 {
	all := decodeFloats(b)
	per := len(all) / outTiles
	out := make([][]float32, outTiles)
	for i := range out {
		out[i] = all[i*per : (i+1)*per]
	}
	return out
}

func bytesToFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}
