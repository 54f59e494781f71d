// Package concat implements channel-axis concatenation of shallow
// tensors: a fast path that relabels texture lists when every input's
// channel count is a multiple of 4, and a slow path that consolidates
// partial tiles with one shift-specialised variant of the consolidation
// shader per shift value in use (at most four), splitting each source
// texel across two adjacent output tiles under a color mask.
package concat

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

// Port describes one concatenation input: its channel count and the
// activation it carries. Every port must agree (all the same activation,
// or all none); mixed activations are rejected at construction.
type Port struct {
	Channels   int
	Activation layer.Activation
}

// Builder configures a Concat layer.
type Builder struct {
	Name          string
	Width, Height int
	Ports         []Port
}

// Concat is the channel-axis concatenation layer.
type Concat struct {
	layer.Base
	b        Builder
	fastPath bool
	progs    map[[3]int]gfx.Program // key: (consumedTextures, shiftIn4, packedComponents)
	quad     layer.Quad
	pool     *bufpool.Pool
	outTiles int
}

// New validates the activation contract and decides fast/slow path up
// front.
func New(number int, b Builder) (*Concat, error) {
	if len(b.Ports) == 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("concat: at least one port required"))
	}
	act := b.Ports[0].Activation
	fast := true
	total := 0
	for _, p := range b.Ports {
		if p.Activation != act {
			return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("concat: mixed activations rejected at setup (port 0 has %s, found %s)", act, p.Activation))
		}
		if p.Channels%4 != 0 {
			fast = false
		}
		total += p.Channels
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: len(b.Ports), Out: 1}, layer.Flags{Activation: act})
	return &Concat{Base: base, b: b, fastPath: fast, outTiles: (total + 3) / 4}, nil
}

// OutChannels reports the concatenated output's channel count, Sigma C_i.
func (c *Concat) OutChannels() int {
	total := 0
	for _, p := range c.b.Ports {
		total += p.Channels
	}
	return total
}

func (c *Concat) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	var specs []tensor.BufferSpec
	for port, p := range c.b.Ports {
		n := (p.Channels + 3) / 4
		for t := 0; t < n; t++ {
			specs = append(specs, *tensor.NewBufferSpec(t, port, c.b.Width, c.b.Height, sized, generic, tensor.FLOAT16, tensor.ConcatSrc))
		}
	}
	return specs
}

func (c *Concat) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	specs := make([]tensor.BufferSpec, c.outTiles)
	for i := range specs {
		spec := tensor.NewBufferSpec(i, 0, c.b.Width, c.b.Height, sized, generic, tensor.FLOAT16, tensor.ConcatDst)
		// Fast path never renders: the output texture list is the
		// inputs' lists concatenated, so every output tile is
		// pass-through.
		spec = spec.WithPassThrough(c.fastPath)
		specs[i] = *spec
	}
	return specs
}

// SetupShaders compiles the slow-path consolidation shaders this layer's
// port layout actually needs. The fast path compiles nothing.
func (c *Concat) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	if c.fastPath {
		return nil
	}
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, c.Name, fmt.Errorf("concat: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("concat_consolidate.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, c.Name, fmt.Errorf("concat: snippet concat_consolidate.frag not found"))
	}
	c.progs = make(map[[3]int]gfx.Program)
	for _, key := range c.consolidationPlan() {
		p := reg
		p.Defines = cloneDefines(reg.Defines)
		if p.Defines == nil {
			p.Defines = map[string]string{}
		}
		p.Defines["NUM_LANES"] = itoa(key[0])
		p.Defines["SHIFT_IN_4"] = itoa(key[1])
		prog, err := cache.Acquire(shaderreg.Request{Preamble: p, Vertex: vertex, Fragment: fragment})
		if err != nil {
			return layer.NewError(layer.ShaderFailure, c.Name, err)
		}
		c.progs[key] = prog
	}
	if len(c.progs) > 0 {
		var any gfx.Program
		for _, p := range c.progs {
			any = p
			break
		}
		quad, err := layer.NewQuad(any)
		if err != nil {
			return layer.NewError(layer.ResourceExhaustion, c.Name, err)
		}
		c.quad = quad
	}
	return nil
}

// consolidationPlan walks the port boundaries and returns the distinct
// (consumedTextures, shiftIn4, packedComponents) keys the slow path needs.
// A port starting at output channel offset O contributes with component
// shift (4 - O%4) % 4: each of its source texels lands as the tail of one
// output tile and the head of the next, so at most two textures and one
// shift feed any single draw.
func (c *Concat) consolidationPlan() [][3]int {
	seen := map[[3]int]bool{}
	var out [][3]int
	channel := 0
	for _, p := range c.b.Ports {
		off := channel % 4
		shift := (4 - off) % 4
		consumed := 1
		if off != 0 {
			consumed = 2
		}
		key := [3]int{consumed, shift, 4}
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
		channel += p.Channels
	}
	return out
}

func (c *Concat) SetupContext(pool *bufpool.Pool) { c.pool = pool }

func (c *Concat) LoadParameters(p param.Provider) error { return nil }

// Setup binds handles. Pass-through outputs (fast path) were never
// allocated by the pool; the engine's output acquisition
// (engine.Network.acquireOutputs) has already copied each port's input
// handle into the matching output slot, so a pass-through output receives
// the input handle unchanged with no allocation.
func (c *Concat) Setup(inputs, outputs []bufpool.Handle) error {
	if !c.fastPath && len(c.progs) == 0 {
		return layer.NewError(layer.InvalidState, c.Name, fmt.Errorf("concat: SetupShaders must run before Setup on the slow path"))
	}
	c.Inputs = inputs
	c.Outputs = outputs
	c.MarkValid()
	return nil
}

func (c *Concat) Forward(sequenceNo uint64, stateToken string) error {
	if err := c.CheckSetup(); err != nil {
		return err
	}
	if c.fastPath {
		// No render: outputs already alias the input handles.
		return nil
	}
	gl.Disable(gl.BLEND)
	gl.Disable(gl.DEPTH_TEST)
	c.quad.Bind()

	// One framebuffer per output tile; cleared on first touch each call so
	// unwritten tail components read back as zero.
	cleared := make([]bool, len(c.Outputs))
	bindTile := func(k int) error {
		fb, created, err := c.EnsureFramebuffer(k, c.b.Width, c.b.Height)
		if err != nil {
			return err
		}
		if created {
			tex, err := c.pool.Texture(c.Outputs[k])
			if err != nil {
				return err
			}
			if err := fb.AttachColor(0, tex); err != nil {
				return err
			}
			if err := fb.SetDrawBuffers(1); err != nil {
				return err
			}
		}
		if err := fb.Bind(); err != nil {
			return err
		}
		if !cleared[k] {
			gl.ColorMask(true, true, true, true)
			gl.ClearColor(0, 0, 0, 0)
			gl.Clear(gl.COLOR_BUFFER_BIT)
			cleared[k] = true
		}
		return nil
	}
	// mask enables output components [lo, lo+n).
	mask := func(lo, n int) {
		gl.ColorMask(lo <= 0 && lo+n > 0, lo <= 1 && lo+n > 1, lo <= 2 && lo+n > 2, lo <= 3 && lo+n > 3)
	}
	draw := func(k int, prog gfx.Program, src gfx.Texture, lo, n int) error {
		if err := bindTile(k); err != nil {
			return err
		}
		prog.Bind()
		src.Bind(0)
		src.Bind(1)
		u := gfx.NewUniformState(prog)
		u.SetInt("uSrc0", 0, true)
		u.SetInt("uSrc1", 1, true)
		u.SetInt("uActivation", int32(c.Flags.Activation), true)
		if err := u.Apply(); err != nil {
			return err
		}
		mask(lo, n)
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
		return nil
	}

	// Each port's source texels split across two adjacent output tiles
	// when the port's starting channel offset is not texel-aligned: the
	// head of the texel finishes output tile k, the spill opens tile k+1.
	// Both draws share the shift-(4-off) shader; the color mask selects
	// which components each one writes.
	channel := 0
	inIdx := 0
	for _, port := range c.b.Ports {
		off := channel % 4
		shift := (4 - off) % 4
		consumed := 1
		if off != 0 {
			consumed = 2
		}
		prog, ok := c.progs[[3]int{consumed, shift, 4}]
		if !ok {
			return layer.NewError(layer.InvalidState, c.Name, fmt.Errorf("concat: no consolidation shader for shift %d", shift))
		}
		ptex := (port.Channels + 3) / 4
		for pt := 0; pt < ptex; pt++ {
			nc := port.Channels - 4*pt
			if nc > 4 {
				nc = 4
			}
			src, err := c.pool.Texture(c.Inputs[inIdx+pt])
			if err != nil {
				return layer.NewError(layer.InvalidState, c.Name, err)
			}
			g := channel + 4*pt
			k := g / 4
			head := 4 - off
			if head > nc {
				head = nc
			}
			if err := draw(k, prog, src, off, head); err != nil {
				return layer.NewError(layer.InvalidState, c.Name, err)
			}
			if nc > head {
				if err := draw(k+1, prog, src, 0, nc-head); err != nil {
					return layer.NewError(layer.InvalidState, c.Name, err)
				}
			}
		}
		inIdx += ptex
		channel += port.Channels
	}
	gl.ColorMask(true, true, true, true)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	return nil
}

func (c *Concat) Cleanup() {
	c.CleanupFramebuffers()
	if !c.fastPath {
		c.quad.Delete()
	}
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

func cloneDefines(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
