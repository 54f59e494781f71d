// Package convert implements the format-conversion layers: Deep2Shallow
// and Shallow2Deep (crossing between the two principal tensor layouts),
// RGB2BGR channel swizzle, and Cast (round+clamp emulation of an integer
// dtype on floating-point storage, since rendering to integer textures
// isn't portably supported).
package convert

import (
	"fmt"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
	"github.com/soypat/tessera/tile"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// Mode selects the pointwise conversion convert.frag.glsl applies.
type Mode int

const (
	Identity Mode = iota
	RGB2BGR
	Cast
)

// SwizzleBuilder configures a single-pass RGB2BGR/Cast layer: input and
// output share one tensor layout and tile count, only the per-texel
// formula changes.
type SwizzleBuilder struct {
	Name          string
	Width, Height int
	Channels      int
	Mode          Mode
}

// Swizzle is the shared implementation for RGB2BGR and Cast: same shallow-tensor tiling as
// layer/activation, different per-texel formula.
type Swizzle struct {
	layer.Base
	b     SwizzleBuilder
	prog  gfx.Program
	quad  layer.Quad
	pool  *bufpool.Pool
	tiles int
}

func NewSwizzle(number int, b SwizzleBuilder) (*Swizzle, error) {
	if b.Channels <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("convert: channels must be positive"))
	}
	if b.Mode == RGB2BGR && b.Channels != 3 && b.Channels != 4 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("convert: rgb2bgr requires 3 or 4 channels, got %d", b.Channels))
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	return &Swizzle{Base: base, b: b, tiles: (b.Channels + 3) / 4}, nil
}

func (s *Swizzle) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	specs := make([]tensor.BufferSpec, s.tiles)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, s.b.Width, s.b.Height, sized, generic, tensor.FLOAT16, tensor.FnSrc)
	}
	return specs
}

func (s *Swizzle) OutputSpecs() []tensor.BufferSpec { return s.InputSpecs() }

func (s *Swizzle) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, s.Name, fmt.Errorf("convert: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("convert.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, s.Name, fmt.Errorf("convert: snippet convert.frag not found"))
	}
	prog, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: fragment})
	if err != nil {
		return layer.NewError(layer.ShaderFailure, s.Name, err)
	}
	s.prog = prog
	quad, err := layer.NewQuad(prog)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, s.Name, err)
	}
	s.quad = quad
	return nil
}

func (s *Swizzle) SetupContext(pool *bufpool.Pool) { s.pool = pool }

func (s *Swizzle) LoadParameters(p param.Provider) error { return nil }

func (s *Swizzle) Setup(inputs, outputs []bufpool.Handle) error {
	if s.prog.ID() == 0 {
		return layer.NewError(layer.InvalidState, s.Name, fmt.Errorf("convert: SetupShaders/SetupContext must run before Setup"))
	}
	s.Inputs = inputs
	s.Outputs = outputs
	s.MarkValid()
	return nil
}

func (s *Swizzle) Forward(sequenceNo uint64, stateToken string) error {
	if err := s.CheckSetup(); err != nil {
		return err
	}
	for t := 0; t < s.tiles; t++ {
		outTex, err := s.pool.Texture(s.Outputs[t])
		if err != nil {
			return layer.NewError(layer.InvalidState, s.Name, err)
		}
		inTex, err := s.pool.Texture(s.Inputs[t])
		if err != nil {
			return layer.NewError(layer.InvalidState, s.Name, err)
		}
		fb, created, err := s.EnsureFramebuffer(t, s.b.Width, s.b.Height)
		if err != nil {
			return layer.NewError(layer.ResourceExhaustion, s.Name, err)
		}
		if created {
			if err := fb.AttachColor(0, outTex); err != nil {
				return layer.NewError(layer.ResourceExhaustion, s.Name, err)
			}
			if err := fb.SetDrawBuffers(1); err != nil {
				return layer.NewError(layer.ResourceExhaustion, s.Name, err)
			}
		}
		if err := fb.Bind(); err != nil {
			return layer.NewError(layer.InvalidState, s.Name, err)
		}
		gl.Disable(gl.BLEND)
		gl.Disable(gl.DEPTH_TEST)
		s.prog.Bind()
		inTex.Bind(0)
		u := gfx.NewUniformState(s.prog)
		if err := u.SetInt("uMode", int32(s.b.Mode), false); err != nil {
			return layer.NewError(layer.InvalidState, s.Name, err)
		}
		if err := u.Apply(); err != nil {
			return layer.NewError(layer.InvalidState, s.Name, err)
		}
		gl.Viewport(0, 0, int32(s.b.Width), int32(s.b.Height))
		s.quad.Bind()
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
		fb.Unbind()
	}
	return nil
}

func (s *Swizzle) Cleanup() {
	s.CleanupFramebuffers()
	s.quad.Delete()
}

// LayoutBuilder configures a Deep2Shallow or Shallow2Deep layer: both
// cross between the shallow (list of 4-channel textures) and deep (single
// tile-grid texture) layouts at the same spatial extent and channel
// count.
type LayoutBuilder struct {
	Name          string
	Width, Height int
	Channels      int
	MaxTextureDim int
	ToDeep        bool // false = Deep2Shallow, true = Shallow2Deep
}

// Layout is the Deep2Shallow / Shallow2Deep format-conversion layer:
// one draw per tile, remapping
// either the source's tile rectangle (Deep2Shallow) or the destination's
// tile rectangle (Shallow2Deep) via tileremap.vert/frag's UV and NDC
// uniforms.
type Layout struct {
	layer.Base
	b    LayoutBuilder
	grid tile.Grid
	prog gfx.Program
	quad layer.Quad
	pool *bufpool.Pool
}

func NewLayout(number int, b LayoutBuilder) (*Layout, error) {
	if b.Channels <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("convert: channels must be positive"))
	}
	if b.MaxTextureDim <= 0 {
		b.MaxTextureDim = 4096
	}
	grid, err := tile.NewGrid(b.Channels, b.Width, b.Height, b.MaxTextureDim)
	if err != nil {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, err)
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	return &Layout{Base: base, b: b, grid: grid}, nil
}

func (l *Layout) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	if l.b.ToDeep {
		specs := make([]tensor.BufferSpec, l.grid.TileCount())
		for i := range specs {
			specs[i] = *tensor.NewBufferSpec(0, 0, l.b.Width, l.b.Height, sized, generic, tensor.FLOAT16, tensor.FnSrc)
		}
		return specs
	}
	return []tensor.BufferSpec{
		*tensor.NewBufferSpec(0, 0, l.grid.TextureWidth(), l.grid.TextureHeight(), sized, generic, tensor.FLOAT16, tensor.FnSrc).WithDataOrder(tensor.Deep),
	}
}

func (l *Layout) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	if l.b.ToDeep {
		return []tensor.BufferSpec{
			*tensor.NewBufferSpec(0, 0, l.grid.TextureWidth(), l.grid.TextureHeight(), sized, generic, tensor.FLOAT16, tensor.FnDst).WithDataOrder(tensor.Deep),
		}
	}
	specs := make([]tensor.BufferSpec, l.grid.TileCount())
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, l.b.Width, l.b.Height, sized, generic, tensor.FLOAT16, tensor.FnDst)
	}
	return specs
}

func (l *Layout) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("tileremap.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, l.Name, fmt.Errorf("convert: snippet tileremap.vert not found"))
	}
	fragment, ok := src.Load("tileremap.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, l.Name, fmt.Errorf("convert: snippet tileremap.frag not found"))
	}
	prog, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: fragment})
	if err != nil {
		return layer.NewError(layer.ShaderFailure, l.Name, err)
	}
	l.prog = prog
	quad, err := layer.NewQuad(prog)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, l.Name, err)
	}
	l.quad = quad
	return nil
}

func (l *Layout) SetupContext(pool *bufpool.Pool) { l.pool = pool }

func (l *Layout) LoadParameters(p param.Provider) error { return nil }

func (l *Layout) Setup(inputs, outputs []bufpool.Handle) error {
	if l.prog.ID() == 0 {
		return layer.NewError(layer.InvalidState, l.Name, fmt.Errorf("convert: SetupShaders/SetupContext must run before Setup"))
	}
	l.Inputs = inputs
	l.Outputs = outputs
	l.MarkValid()
	return nil
}

func (l *Layout) Forward(sequenceNo uint64, stateToken string) error {
	if err := l.CheckSetup(); err != nil {
		return err
	}
	if l.b.ToDeep {
		return l.forwardShallowToDeep()
	}
	return l.forwardDeepToShallow()
}

func (l *Layout) forwardDeepToShallow() error {
	inTex, err := l.pool.Texture(l.Inputs[0])
	if err != nil {
		return layer.NewError(layer.InvalidState, l.Name, err)
	}
	tiles := l.grid.AllTiles(0)
	for k, t := range tiles {
		outTex, err := l.pool.Texture(l.Outputs[k])
		if err != nil {
			return layer.NewError(layer.InvalidState, l.Name, err)
		}
		if err := l.drawRemapped(k, inTex, outTex, l.b.Width, l.b.Height, t.UV.Min.X, t.UV.Min.Y, t.UV.Max.X-t.UV.Min.X, t.UV.Max.Y-t.UV.Min.Y, 0, 0, 1, 1); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layout) forwardShallowToDeep() error {
	outTex, err := l.pool.Texture(l.Outputs[0])
	if err != nil {
		return layer.NewError(layer.InvalidState, l.Name, err)
	}
	tiles := l.grid.AllTiles(0)
	for k, t := range tiles {
		inTex, err := l.pool.Texture(l.Inputs[k])
		if err != nil {
			return layer.NewError(layer.InvalidState, l.Name, err)
		}
		ndcMinX, ndcMinY := 0.5*(t.NDC.Min.X+1), 0.5*(t.NDC.Min.Y+1)
		ndcScaleX, ndcScaleY := 0.5*(t.NDC.Max.X-t.NDC.Min.X), 0.5*(t.NDC.Max.Y-t.NDC.Min.Y)
		if err := l.drawRemapped(k, inTex, outTex, l.grid.TextureWidth(), l.grid.TextureHeight(), 0, 0, 1, 1, ndcMinX, ndcMinY, ndcScaleX, ndcScaleY); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layout) drawRemapped(fbSlot int, inTex, outTex gfx.Texture, viewW, viewH int, uvOffX, uvOffY, uvScaleX, uvScaleY, ndcOffX, ndcOffY, ndcScaleX, ndcScaleY float32) error {
	fb, created, err := l.EnsureFramebuffer(fbSlot, viewW, viewH)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, l.Name, err)
	}
	if created {
		if err := fb.AttachColor(0, outTex); err != nil {
			return layer.NewError(layer.ResourceExhaustion, l.Name, err)
		}
		if err := fb.SetDrawBuffers(1); err != nil {
			return layer.NewError(layer.ResourceExhaustion, l.Name, err)
		}
	}
	if err := fb.Bind(); err != nil {
		return layer.NewError(layer.InvalidState, l.Name, err)
	}
	gl.Disable(gl.BLEND)
	gl.Disable(gl.DEPTH_TEST)
	l.prog.Bind()
	inTex.Bind(0)
	u := gfx.NewUniformState(l.prog)
	if err := u.SetFloatVec("uUVOffset", false, uvOffX, uvOffY); err != nil {
		return layer.NewError(layer.InvalidState, l.Name, err)
	}
	if err := u.SetFloatVec("uUVScale", false, uvScaleX, uvScaleY); err != nil {
		return layer.NewError(layer.InvalidState, l.Name, err)
	}
	if err := u.SetFloatVec("uNDCOffset", false, ndcOffX, ndcOffY); err != nil {
		return layer.NewError(layer.InvalidState, l.Name, err)
	}
	if err := u.SetFloatVec("uNDCScale", false, ndcScaleX, ndcScaleY); err != nil {
		return layer.NewError(layer.InvalidState, l.Name, err)
	}
	if err := u.Apply(); err != nil {
		return layer.NewError(layer.InvalidState, l.Name, err)
	}
	gl.Viewport(0, 0, int32(viewW), int32(viewH))
	l.quad.Bind()
	gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
	fb.Unbind()
	return nil
}

func (l *Layout) Cleanup() {
	l.CleanupFramebuffers()
	l.quad.Delete()
}
