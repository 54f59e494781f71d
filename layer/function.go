package layer

import (
	"fmt"
	"strconv"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// Family is a set of shader programs S[1..M] where S[m] is compiled with
// NUM_LANES=m so it writes to m render targets at once, for m in
// [1, maxLanes].
type Family struct {
	programs map[int]gfx.Program
	maxLanes int
}

// CompileFamily compiles one program per lane width from 1 to maxLanes,
// each with preprocessor NUM_LANES set accordingly, via cache. maxLanes is
// capped at gfx.MaxDrawBuffers.
func CompileFamily(cache *shaderreg.Cache, preamble shaderreg.Preamble, vertex, fragment string, maxLanes int) (Family, error) {
	if maxLanes > gfx.MaxDrawBuffers {
		maxLanes = gfx.MaxDrawBuffers
	}
	if maxLanes < 1 {
		return Family{}, fmt.Errorf("layer: maxLanes must be >= 1, got %d", maxLanes)
	}
	f := Family{programs: make(map[int]gfx.Program, maxLanes), maxLanes: maxLanes}
	for m := 1; m <= maxLanes; m++ {
		p := preamble
		p.Defines = cloneDefines(preamble.Defines)
		if p.Defines == nil {
			p.Defines = make(map[string]string, 1)
		}
		p.Defines["NUM_LANES"] = strconv.Itoa(m)
		prog, err := cache.Acquire(shaderreg.Request{Preamble: p, Vertex: vertex, Fragment: fragment})
		if err != nil {
			return Family{}, err
		}
		f.programs[m] = prog
	}
	return f, nil
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

// Program returns the compiled program for lane width m, or the zero
// Program and false if m was never compiled.
func (f Family) Program(m int) (gfx.Program, bool) {
	p, ok := f.programs[m]
	return p, ok
}

// Len reports how many lane widths this family compiled; zero means the
// family is unset.
func (f Family) Len() int { return len(f.programs) }

// BatchSize picks the greedy batch width
// m = min(maxLanes, remaining), where remaining counts 4-channel output
// textures (not raw channels) still to be written. Always returns at least
// 1 when remaining > 0.
func BatchSize(remaining, maxLanes int) int {
	if remaining <= 0 {
		return 0
	}
	m := remaining
	if m > maxLanes {
		m = maxLanes
	}
	return m
}

// LoopParams describes one function-layer render loop invocation: the output textures to fill, the input textures to sample, the
// unpadded spatial extent, and whether this is a binary (two-port) op.
type LoopParams struct {
	Width, Height, Pad int
	Outputs            []bufpool.Handle
	Inputs             []bufpool.Handle
	Binary             bool
	Quad               Quad
	// BindUniforms is called once per batch, after the program for that
	// batch is bound, so the caller can set per-pass uniforms (e.g. which
	// input tile each sampler unit holds). m is the batch width and
	// inputBase/outputBase are the starting indices into Inputs/Outputs
	// this batch consumes.
	BindUniforms func(prog gfx.Program, m, inputBase, outputBase int) error
}

// RunLoop drives the batched multi-render-target loop every function
// layer shares, using f's shader family and pool to resolve texture
// handles. Framebuffers are built lazily on the first call, one per batch,
// and reused on every Forward after that; Base.CleanupFramebuffers
// releases them.
func (b *Base) RunLoop(f Family, pool *bufpool.Pool, p LoopParams) error {
	viewW := p.Width + 2*p.Pad
	viewH := p.Height + 2*p.Pad
	remaining := len(p.Outputs)
	outBase, inBase, batch := 0, 0, 0
	for remaining > 0 {
		m := BatchSize(remaining, f.maxLanes)
		prog, ok := f.Program(m)
		if !ok {
			return NewError(InvalidState, b.Name, fmt.Errorf("no compiled shader for lane width %d", m))
		}

		fb, created, err := b.EnsureFramebuffer(batch, viewW, viewH)
		if err != nil {
			return NewError(ResourceExhaustion, b.Name, err)
		}
		if created {
			for i := 0; i < m; i++ {
				tex, err := pool.Texture(p.Outputs[outBase+i])
				if err != nil {
					return NewError(InvalidState, b.Name, err)
				}
				if err := fb.AttachColor(i, tex); err != nil {
					return NewError(ResourceExhaustion, b.Name, err)
				}
			}
			if err := fb.SetDrawBuffers(m); err != nil {
				return NewError(ResourceExhaustion, b.Name, err)
			}
			if err := fb.CheckComplete(); err != nil {
				return NewError(ResourceExhaustion, b.Name, err)
			}
		}

		if err := fb.Bind(); err != nil {
			return NewError(InvalidState, b.Name, err)
		}
		gl.Disable(gl.DEPTH_TEST)
		gl.Disable(gl.STENCIL_TEST)
		gl.Disable(gl.CULL_FACE)
		gl.Disable(gl.BLEND)
		gl.ClearColor(0, 0, 0, 0)
		gl.Clear(gl.COLOR_BUFFER_BIT)

		ninputs := m
		if p.Binary {
			ninputs = 2 * m
		}
		for i := 0; i < ninputs; i++ {
			tex, err := pool.Texture(p.Inputs[inBase+i])
			if err != nil {
				return NewError(InvalidState, b.Name, err)
			}
			tex.Bind(i)
		}

		prog.Bind()
		// Sampler uniforms follow the uInput<n> naming convention across
		// the function-layer shader set; shaders with fewer declared
		// samplers than ninputs just skip the missing names.
		su := gfx.NewUniformState(prog)
		for i := 0; i < ninputs; i++ {
			if err := su.SetInt("uInput"+strconv.Itoa(i), int32(i), true); err != nil {
				return NewError(InvalidState, b.Name, err)
			}
		}
		if err := su.Apply(); err != nil {
			return NewError(InvalidState, b.Name, err)
		}
		if p.BindUniforms != nil {
			if err := p.BindUniforms(prog, m, inBase, outBase); err != nil {
				return NewError(InvalidState, b.Name, err)
			}
		}
		gl.Viewport(0, 0, int32(viewW), int32(viewH))
		p.Quad.Bind()
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)

		fb.Unbind()
		outBase += m
		inBase += ninputs
		remaining -= m
		batch++
	}
	return nil
}
