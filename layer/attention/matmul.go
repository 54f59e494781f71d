package attention

import (
	"fmt"
	"math"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/quant"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// matMulConst is one right-matrix-constant projection: a sequence-format input times a
// 4-bit-quantised weight matrix fixed at load time. Used for Q, K, V and
// the output projection — same shader, different weight textures.
//
// Builder.ShortThreshold, passed to ProgramFor, selects between the short
// shader (data_rows <= threshold, packs more weight fetches per draw) and
// the long shader (iterates). New defaults it to 8 whatever the precision;
// there is no separate default for lower precision. Both variants share
// one GLSL template here
// (matmul_const.frag.glsl has no row-count specialisation of its own, so
// the split is expressed purely as which precompiled program a row count
// selects — see ProgramFor).
type matMulConst struct {
	short, long gfx.Program
	weightTex   gfx.Texture
	scaleTex    gfx.Texture
	zeroTex     gfx.Texture
	rows, cols  int
	qgroup      int
	loaded      bool
}

func (m *matMulConst) compile(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return fmt.Errorf("attention: snippet quad.vert not found")
	}
	fragment, ok := src.Load("matmul_const.frag")
	if !ok {
		return fmt.Errorf("attention: snippet matmul_const.frag not found")
	}
	shortReg := reg
	shortReg.Defines = cloneDefines(reg.Defines)
	if shortReg.Defines == nil {
		shortReg.Defines = map[string]string{}
	}
	shortReg.Defines["SHORT"] = "1"
	shortProg, err := cache.Acquire(shaderreg.Request{Preamble: shortReg, Vertex: vertex, Fragment: fragment})
	if err != nil {
		return err
	}
	longProg, err := cache.Acquire(shaderreg.Request{Preamble: reg, Vertex: vertex, Fragment: fragment})
	if err != nil {
		return err
	}
	m.short, m.long = shortProg, longProg
	return nil
}

// ProgramFor picks the short or long shader variant by row count: short
// shaders pack more weight fetches per draw, long shaders iterate.
func (m *matMulConst) ProgramFor(dataRows, threshold int) gfx.Program {
	if dataRows <= threshold {
		return m.short
	}
	return m.long
}

// load uploads the weight/scale/zero companion textures from a quantised
// parameter blob: subkey carries the packed UINT4 weights,
// subkey+".scale" and subkey+".zero" carry the per-group dequantisation
// pair the provider stores alongside.
func (m *matMulConst) load(p param.Provider, layerName, subkey string, sublayer, rows, cols, qgroup int) error {
	blob, err := p.Get(layerName, subkey, sublayer)
	if err != nil {
		return err
	}
	groups := (cols + qgroup - 1) / qgroup
	nibbles := decodeUint4(blob.Data, rows*cols)
	scaleBlob, err := p.Get(layerName, subkey+".scale", sublayer)
	if err != nil {
		return err
	}
	zeroBlob, err := p.Get(layerName, subkey+".zero", sublayer)
	if err != nil {
		return err
	}
	scales := decodeFloat32LE(scaleBlob.Data, rows*groups)
	zeros := zeroBlob.Data[:rows*groups]
	packed, err := quant.Pack(rows, cols, qgroup, nibbles, scales, zeros)
	if err != nil {
		return err
	}
	wTex, err := gfx.NewTextureFromImage(gfx.TextureImgConfig{
		Type: gfx.Texture2D, Width: packed.WeightTextureWidth(), Height: packed.WeightTextureHeight(),
		Format: uint32(0x8D99), Xtype: gl.UNSIGNED_INT, // GL_RGBA_INTEGER
	}, packed.Weights)
	if err != nil {
		return err
	}
	sTex, err := gfx.NewTextureFromImage(gfx.TextureImgConfig{
		Type: gfx.Texture2D, Width: packed.ScaleTextureWidth(), Height: rows,
		Format: uint32(0x1903), Xtype: 0x140B, // GL_RED, GL_HALF_FLOAT
	}, packed.Scales)
	if err != nil {
		return err
	}
	zTex, err := gfx.NewTextureFromImage(gfx.TextureImgConfig{
		Type: gfx.Texture2D, Width: packed.ScaleTextureWidth(), Height: rows,
		Format: uint32(0x1903), Xtype: gl.UNSIGNED_BYTE,
	}, packed.Zeros)
	if err != nil {
		return err
	}
	m.weightTex, m.scaleTex, m.zeroTex = wTex, sTex, zTex
	m.rows, m.cols, m.qgroup = rows, cols, qgroup
	m.loaded = true
	return nil
}

func (m *matMulConst) cleanup() {
	if m.loaded {
		m.weightTex.Delete()
		m.scaleTex.Delete()
		m.zeroTex.Delete()
		m.loaded = false
	}
}

func cloneDefines(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// decodeUint4 unpacks UINT4-typed parameter bytes (low nibble first) into
// n raw nibble values.
func decodeUint4(data []byte, n int) []uint8 {
	out := make([]uint8, n)
	for i := 0; i < n; i++ {
		b := data[i/2]
		if i%2 == 0 {
			out[i] = b & 0xF
		} else {
			out[i] = b >> 4
		}
	}
	return out
}

func decodeFloat32LE(data []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
