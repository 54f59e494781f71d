package conv

import (
	"errors"
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

// DeepBuilder configures a deep 2-D convolution layer: a
// single tile-grid texture in, a single tile-grid texture out, no
// render-target batching.
type DeepBuilder struct {
	Name                    string
	Width, Height           int
	InChannels, OutChannels int
	Kernel                  int
	MaxTextureDim           int
	Flags                   layer.Flags
}

// Deep is a deep 2-D convolution layer: weights live in one
// large weight-matrix texture plus a one-texel-per-four-output-channels
// bias texture, sampled per proxy-polygon tile rather than accumulated via
// render-target batching.
type Deep struct {
	layer.Base
	b            DeepBuilder
	inGrid       tile.Grid
	outGrid      tile.Grid
	prog         gfx.Program
	mesh         layer.Mesh
	pool         *bufpool.Pool
	weightTex    gfx.Texture
	biasTex      gfx.Texture
	hasWeightTex bool
}

func NewDeep(number int, b DeepBuilder) (*Deep, error) {
	if b.Kernel%2 == 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: even kernel size %d unsupported", b.Kernel))
	}
	inGrid, err := tile.NewGrid(b.InChannels, b.Width, b.Height, b.MaxTextureDim)
	if err != nil {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, err)
	}
	outGrid, err := tile.NewGrid(b.OutChannels, b.Width, b.Height, b.MaxTextureDim)
	if err != nil {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, err)
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, b.Flags)
	return &Deep{Base: base, b: b, inGrid: inGrid, outGrid: outGrid}, nil
}

func (d *Deep) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	return []tensor.BufferSpec{
		*tensor.NewBufferSpec(0, 0, d.inGrid.TextureWidth(), d.inGrid.TextureHeight(), sized, generic, tensor.FLOAT16, tensor.FnSrc).WithDataOrder(tensor.Deep),
	}
}

func (d *Deep) OutputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	return []tensor.BufferSpec{
		*tensor.NewBufferSpec(0, 0, d.outGrid.TextureWidth(), d.outGrid.TextureHeight(), sized, generic, tensor.FLOAT16, tensor.FnDst).WithDataOrder(tensor.Deep),
	}
}

// SetupShaders compiles the single deep-convolution program (deep
// convolution issues no render-target batching, so there is only one
// program, unlike the shallow dispatcher's per-lane family).
func (d *Deep) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("conv_deep.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, d.Name, fmt.Errorf("conv: snippet conv_deep.vert not found"))
	}
	fragment, ok := src.Load("conv_deep.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, d.Name, fmt.Errorf("conv: snippet conv_deep.frag not found"))
	}
	prog, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: fragment})
	if err != nil {
		return layer.NewError(layer.ShaderFailure, d.Name, err)
	}
	d.prog = prog
	verts, idx := (tile.ProxyGenerator{}).TileQuads(d.outGrid.AllTiles(0))
	mesh, err := layer.NewMesh(prog, verts, idx)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, d.Name, err)
	}
	d.mesh = mesh
	return nil
}

func (d *Deep) SetupContext(pool *bufpool.Pool) { d.pool = pool }

// LoadParameters uploads the weight-matrix and bias textures:
// width = k*ceil(in/4)*4, height = k*ceil(out/4), each 4x4
// in/out-channel block spanning four RGBA texels; bias has one texel per
// four output channels.
func (d *Deep) LoadParameters(p param.Provider) error {
	inTiles := d.inGrid.TileCount()
	outTiles := d.outGrid.TileCount()
	w := d.b.Kernel * inTiles * 4
	h := d.b.Kernel * outTiles
	blob, err := p.Get(d.Name, "weights", 0)
	if err != nil {
		return layer.NewError(layer.ParamMissing, d.Name, err)
	}
	if blob.Count != w*h*4 {
		return layer.NewError(layer.ParamMissing, d.Name, fmt.Errorf("conv: expected %d weight matrix values, got %d", w*h*4, blob.Count))
	}
	biasBlob, err := p.Get(d.Name, "bias", 0)
	if err != nil {
		return layer.NewError(layer.ParamMissing, d.Name, err)
	}
	if biasBlob.Count != outTiles*4 {
		return layer.NewError(layer.ParamMissing, d.Name, fmt.Errorf("conv: expected %d bias values, got %d", outTiles*4, biasBlob.Count))
	}
	tex, err := gfx.NewTextureFromImage(gfx.TextureImgConfig{
		Type: gfx.Texture2D, Width: w, Height: h,
		Format: uint32(tensor.GL_RGBA), Xtype: gl.FLOAT,
	}, blob.Data)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, d.Name, err)
	}
	d.weightTex = tex
	d.hasWeightTex = true
	biasTex, err := gfx.NewTextureFromImage(gfx.TextureImgConfig{
		Type: gfx.Texture2D, Width: outTiles, Height: 1,
		Format: uint32(tensor.GL_RGBA), Xtype: gl.FLOAT,
	}, biasBlob.Data)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, d.Name, err)
	}
	d.biasTex = biasTex
	return nil
}

func (d *Deep) Setup(inputs, outputs []bufpool.Handle) error {
	if d.prog.ID() == 0 {
		return layer.NewError(layer.InvalidState, d.Name, fmt.Errorf("conv: SetupShaders/SetupContext must run before Setup"))
	}
	d.Inputs = inputs
	d.Outputs = outputs
	d.MarkValid()
	return nil
}

func (d *Deep) Forward(sequenceNo uint64, stateToken string) error {
	if err := d.CheckSetup(); err != nil {
		return err
	}
	outTex, err := d.pool.Texture(d.Outputs[0])
	if err != nil {
		return layer.NewError(layer.InvalidState, d.Name, err)
	}
	inTex, err := d.pool.Texture(d.Inputs[0])
	if err != nil {
		return layer.NewError(layer.InvalidState, d.Name, err)
	}
	fb, created, err := d.EnsureFramebuffer(0, d.outGrid.TextureWidth(), d.outGrid.TextureHeight())
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, d.Name, err)
	}
	if created {
		if err := fb.AttachColor(0, outTex); err != nil {
			return layer.NewError(layer.ResourceExhaustion, d.Name, err)
		}
		if err := fb.SetDrawBuffers(1); err != nil {
			return layer.NewError(layer.ResourceExhaustion, d.Name, err)
		}
	}
	if err := fb.Bind(); err != nil {
		return layer.NewError(layer.InvalidState, d.Name, err)
	}
	gl.Disable(gl.BLEND)
	gl.Disable(gl.DEPTH_TEST)
	d.prog.Bind()
	inTex.Bind(0)
	d.weightTex.Bind(1)
	d.biasTex.Bind(2)
	d.mesh.Bind()

	u := gfx.NewUniformState(d.prog)
	err = errors.Join(
		u.SetInt("uInputTiles", 0, false),
		u.SetInt("uWeightMatrix", 1, false),
		u.SetInt("uBiasTexture", 2, false),
		u.SetInt("uActivation", int32(d.Flags.Activation), false),
		u.SetInt("uKernelSize", int32(d.b.Kernel), false),
		u.SetInt("uInTiles", int32(d.inGrid.TileCount()), false),
		u.SetInt("uInRows", int32(d.inGrid.Rows), false),
		u.SetIntVec("uTileSize", false, int32(d.inGrid.TileWidth), int32(d.inGrid.TileHeight)),
		u.SetIntVec("uOutGrid", false, int32(d.outGrid.Cols), int32(d.outGrid.Rows)),
	)
	if err == nil {
		err = u.Apply()
	}
	if err != nil {
		return layer.NewError(layer.InvalidState, d.Name, err)
	}

	// One indexed draw covers every output tile: tile.ProxyGenerator.TileQuads
	// packs each tile's base output channel as a per-vertex attribute, so the
	// fragment shader can recover both which tile it's in and where within
	// that tile it sits, addressing the matching input-tile texel itself.
	gl.DrawElements(gl.TRIANGLES, int32(d.mesh.IndexCount()), gl.UNSIGNED_INT, nil)
	fb.Unbind()
	return nil
}

func (d *Deep) Cleanup() {
	d.CleanupFramebuffers()
	d.mesh.Delete()
	if d.hasWeightTex {
		d.weightTex.Delete()
		d.biasTex.Delete()
		d.hasWeightTex = false
	}
}
