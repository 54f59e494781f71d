// Package pool implements max/average spatial pooling and global pooling
// over shallow tensors, plus channel-axis argmax over a deep tile grid.
// Max and average pooling share one pool-size/stride/downsample
// parameterisation and differ only in the shader's reduction op.
package pool

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

// Mode selects max or average pooling, mirroring pool.frag.glsl's uMode.
type Mode int

const (
	Max Mode = iota
	Average
)

// Builder configures a pooling layer over a shallow tensor.
type Builder struct {
	Name              string
	InWidth, InHeight int
	Channels          int
	PoolSize          [2]int
	Stride            [2]int
	Mode              Mode
	Global            bool // collapse each tile to a single texel
}

// Pool applies max or average pooling, tile-by-tile, over a shallow
// tensor.
type Pool struct {
	layer.Base
	b     Builder
	prog  gfx.Program
	quad  layer.Quad
	pool  *bufpool.Pool
	tiles int
	outW  int
	outH  int
}

func New(number int, b Builder) (*Pool, error) {
	if b.Channels <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("pool: channels must be positive"))
	}
	if b.Stride[0] <= 0 || b.Stride[1] <= 0 {
		b.Stride = b.PoolSize
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	outW, outH := b.InWidth, b.InHeight
	if b.Global {
		outW, outH = 1, 1
	} else {
		outW = (b.InWidth-b.PoolSize[0])/b.Stride[0] + 1
		outH = (b.InHeight-b.PoolSize[1])/b.Stride[1] + 1
	}
	return &Pool{Base: base, b: b, tiles: (b.Channels + 3) / 4, outW: outW, outH: outH}, nil
}

func (p *Pool) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	specs := make([]tensor.BufferSpec, p.tiles)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, p.b.InWidth, p.b.InHeight, sized, generic, tensor.FLOAT16, tensor.FnSrc)
	}
	return specs
}

func (p *Pool) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	specs := make([]tensor.BufferSpec, p.tiles)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, p.outW, p.outH, sized, generic, tensor.FLOAT16, tensor.FnDst)
	}
	return specs
}

func (p *Pool) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, p.Name, fmt.Errorf("pool: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("pool.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, p.Name, fmt.Errorf("pool: snippet pool.frag not found"))
	}
	prog, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: fragment})
	if err != nil {
		return layer.NewError(layer.ShaderFailure, p.Name, err)
	}
	p.prog = prog
	quad, err := layer.NewQuad(prog)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, p.Name, err)
	}
	p.quad = quad
	return nil
}

func (p *Pool) SetupContext(pool *bufpool.Pool) { p.pool = pool }

func (p *Pool) LoadParameters(prov param.Provider) error { return nil }

func (p *Pool) Setup(inputs, outputs []bufpool.Handle) error {
	if p.prog.ID() == 0 {
		return layer.NewError(layer.InvalidState, p.Name, fmt.Errorf("pool: SetupShaders/SetupContext must run before Setup"))
	}
	p.Inputs = inputs
	p.Outputs = outputs
	p.MarkValid()
	return nil
}

func (p *Pool) Forward(sequenceNo uint64, stateToken string) error {
	if err := p.CheckSetup(); err != nil {
		return err
	}
	for t := 0; t < p.tiles; t++ {
		outTex, err := p.pool.Texture(p.Outputs[t])
		if err != nil {
			return layer.NewError(layer.InvalidState, p.Name, err)
		}
		inTex, err := p.pool.Texture(p.Inputs[t])
		if err != nil {
			return layer.NewError(layer.InvalidState, p.Name, err)
		}
		fb, created, err := p.EnsureFramebuffer(t, p.outW, p.outH)
		if err != nil {
			return layer.NewError(layer.ResourceExhaustion, p.Name, err)
		}
		if created {
			if err := fb.AttachColor(0, outTex); err != nil {
				return layer.NewError(layer.ResourceExhaustion, p.Name, err)
			}
			if err := fb.SetDrawBuffers(1); err != nil {
				return layer.NewError(layer.ResourceExhaustion, p.Name, err)
			}
		}
		if err := fb.Bind(); err != nil {
			return layer.NewError(layer.InvalidState, p.Name, err)
		}
		gl.Disable(gl.BLEND)
		gl.Disable(gl.DEPTH_TEST)
		p.prog.Bind()
		inTex.Bind(0)
		u := gfx.NewUniformState(p.prog)
		global := int32(0)
		if p.b.Global {
			global = 1
		}
		if err := setPoolUniforms(u, p.b, global); err != nil {
			return layer.NewError(layer.InvalidState, p.Name, err)
		}
		gl.Viewport(0, 0, int32(p.outW), int32(p.outH))
		p.quad.Bind()
		gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
		fb.Unbind()
	}
	return nil
}

func setPoolUniforms(u *gfx.UniformState, b Builder, global int32) error {
	if err := u.SetInt("uMode", int32(b.Mode), false); err != nil {
		return err
	}
	if err := u.SetInt("uGlobal", global, false); err != nil {
		return err
	}
	if err := u.SetFloatVec("uPoolSize", false, float32(b.PoolSize[0]), float32(b.PoolSize[1])); err != nil {
		return err
	}
	if err := u.SetFloatVec("uStride", false, float32(b.Stride[0]), float32(b.Stride[1])); err != nil {
		return err
	}
	if err := u.SetFloatVec("uInputSize", false, float32(b.InWidth), float32(b.InHeight)); err != nil {
		return err
	}
	return u.Apply()
}

func (p *Pool) Cleanup() {
	p.CleanupFramebuffers()
	p.quad.Delete()
}

// ArgMaxBuilder configures a channel-axis argmax layer over a deep tile
// grid.
type ArgMaxBuilder struct {
	Name                    string
	Width, Height, Channels int
	MaxTextureDim           int
}

// ArgMax scans every occupied tile of a deep tensor and writes the
// winning channel index (as a float, since integer render targets are not
// portably renderable) and its value into a single output texel per
// spatial location.
type ArgMax struct {
	layer.Base
	b    ArgMaxBuilder
	grid tile.Grid
	prog gfx.Program
	quad layer.Quad
	pool *bufpool.Pool
}

func NewArgMax(number int, b ArgMaxBuilder) (*ArgMax, error) {
	if b.MaxTextureDim <= 0 {
		b.MaxTextureDim = 4096
	}
	grid, err := tile.NewGrid(b.Channels, b.Width, b.Height, b.MaxTextureDim)
	if err != nil {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, err)
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	return &ArgMax{Base: base, b: b, grid: grid}, nil
}

func (a *ArgMax) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	return []tensor.BufferSpec{
		*tensor.NewBufferSpec(0, 0, a.grid.TextureWidth(), a.grid.TextureHeight(), sized, generic, tensor.FLOAT16, tensor.FnSrc).WithDataOrder(tensor.Deep),
	}
}

func (a *ArgMax) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	return []tensor.BufferSpec{
		*tensor.NewBufferSpec(0, 0, a.b.Width, a.b.Height, sized, generic, tensor.FLOAT16, tensor.FnDst),
	}
}

func (a *ArgMax) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("pool: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("argmax.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, a.Name, fmt.Errorf("pool: snippet argmax.frag not found"))
	}
	prog, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: fragment})
	if err != nil {
		return layer.NewError(layer.ShaderFailure, a.Name, err)
	}
	a.prog = prog
	quad, err := layer.NewQuad(prog)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, a.Name, err)
	}
	a.quad = quad
	return nil
}

func (a *ArgMax) SetupContext(pool *bufpool.Pool) { a.pool = pool }

func (a *ArgMax) LoadParameters(p param.Provider) error { return nil }

func (a *ArgMax) Setup(inputs, outputs []bufpool.Handle) error {
	if a.prog.ID() == 0 {
		return layer.NewError(layer.InvalidState, a.Name, fmt.Errorf("pool: SetupShaders/SetupContext must run before Setup"))
	}
	a.Inputs = inputs
	a.Outputs = outputs
	a.MarkValid()
	return nil
}

func (a *ArgMax) Forward(sequenceNo uint64, stateToken string) error {
	if err := a.CheckSetup(); err != nil {
		return err
	}
	outTex, err := a.pool.Texture(a.Outputs[0])
	if err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	inTex, err := a.pool.Texture(a.Inputs[0])
	if err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	fb, created, err := a.EnsureFramebuffer(0, a.b.Width, a.b.Height)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, a.Name, err)
	}
	if created {
		if err := fb.AttachColor(0, outTex); err != nil {
			return layer.NewError(layer.ResourceExhaustion, a.Name, err)
		}
		if err := fb.SetDrawBuffers(1); err != nil {
			return layer.NewError(layer.ResourceExhaustion, a.Name, err)
		}
	}
	if err := fb.Bind(); err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	gl.Disable(gl.BLEND)
	gl.Disable(gl.DEPTH_TEST)
	a.prog.Bind()
	inTex.Bind(0)
	u := gfx.NewUniformState(a.prog)
	if err := u.SetInt("uNumTiles", int32(a.grid.TileCount()), false); err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	if err := u.SetFloatVec("uGridSize", false, float32(a.grid.Cols), float32(a.grid.Rows)); err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	if err := u.SetFloatVec("uTileSize", false, float32(a.grid.TileWidth), float32(a.grid.TileHeight)); err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	if err := u.Apply(); err != nil {
		return layer.NewError(layer.InvalidState, a.Name, err)
	}
	gl.Viewport(0, 0, int32(a.b.Width), int32(a.b.Height))
	a.quad.Bind()
	gl.DrawElements(gl.TRIANGLES, 6, gl.UNSIGNED_INT, nil)
	fb.Unbind()
	return nil
}

func (a *ArgMax) Cleanup() {
	a.CleanupFramebuffers()
	a.quad.Delete()
}
