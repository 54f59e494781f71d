package layer

import (
	"github.com/soypat/tessera/tile"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// Quad is the viewport-filling proxy polygon every function/convolution pass
// draws.
// Built once at Setup and reused for every pass and every batch width.
type Quad struct {
	vao gfx.VertexArray
	vbo gfx.VertexBuffer
	ibo gfx.IndexBuffer
}

// NewQuad uploads tile.ProxyGenerator's textured viewport quad and binds
// attribute 0 (position, 2 floats) and attribute 1 (texcoord, 2 floats) for
// prog. Grounded on examples/hellotriangle's VAO/VBO/attribute wiring,
// generalized past a single fixed program to whichever program a caller
// passes (the function-layer shader family recompiles this layout for every
// lane width).
func NewQuad(prog gfx.Program) (Quad, error) {
	verts := tile.ProxyGenerator{}.TexturedQuad()
	idx := make([]uint32, len(tile.QuadIndices))
	for i, v := range tile.QuadIndices {
		idx[i] = uint32(v)
	}
	vao := gfx.NewVAO()
	vbo, err := gfx.NewVertexBuffer(gfx.StaticDraw, verts)
	if err != nil {
		return Quad{}, err
	}
	ibo, err := gfx.NewIndexBuffer(idx)
	if err != nil {
		return Quad{}, err
	}
	const stride = 4 * 4 // 4 floats/vertex * 4 bytes
	err = vao.AddAttribute(vbo, gfx.AttribLayout{
		Program: prog, Type: gfx.Float32, Name: "aPos\x00",
		Packing: 2, Stride: stride, Offset: 0,
	})
	if err != nil {
		return Quad{}, err
	}
	err = vao.AddAttribute(vbo, gfx.AttribLayout{
		Program: prog, Type: gfx.Float32, Name: "aTexCoord\x00",
		Packing: 2, Stride: stride, Offset: 2 * 4,
	})
	if err != nil {
		return Quad{}, err
	}
	return Quad{vao: vao, vbo: vbo, ibo: ibo}, nil
}

// Bind binds the quad's vertex array and index buffer for drawing.
func (q Quad) Bind() {
	q.vao.Bind()
	q.ibo.Bind()
}

// Delete releases the quad's GPU buffers.
func (q Quad) Delete() {
	q.vbo.Delete()
	q.ibo.Delete()
}
