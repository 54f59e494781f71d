package layer

import "github.com/soypat/tessera/v4.6-core/gfx"

// Mesh is a variable-length, three-attribute proxy-polygon buffer for
// passes that need more than Quad's fixed (position, texcoord) pair: deep
// convolution's per-tile channel offset and shallow
// convolution's per-lane kernel-row index both ride as a
// third vertex component, packed by tile.ProxyGenerator.TileQuads and
// KernelLanes as (x, y, u, v, extra).
type Mesh struct {
	vao   gfx.VertexArray
	vbo   gfx.VertexBuffer
	ibo   gfx.IndexBuffer
	count int
}

// NewMesh uploads verts/indices and binds attribute 0 (aPos, 2 floats),
// attribute 1 (aTexCoord, 2 floats) and attribute 2 (aExtra, 1 float) for
// prog.
func NewMesh(prog gfx.Program, verts []float32, indices []uint16) (Mesh, error) {
	idx := make([]uint32, len(indices))
	for i, v := range indices {
		idx[i] = uint32(v)
	}
	vao := gfx.NewVAO()
	vbo, err := gfx.NewVertexBuffer(gfx.StaticDraw, verts)
	if err != nil {
		return Mesh{}, err
	}
	ibo, err := gfx.NewIndexBuffer(idx)
	if err != nil {
		return Mesh{}, err
	}
	const stride = 5 * 4
	attrs := []struct {
		name    string
		packing int
		offset  int
	}{
		{"aPos\x00", 2, 0},
		{"aTexCoord\x00", 2, 2 * 4},
		{"aExtra\x00", 1, 4 * 4},
	}
	for _, a := range attrs {
		err = vao.AddAttribute(vbo, gfx.AttribLayout{
			Program: prog, Type: gfx.Float32, Name: a.name,
			Packing: a.packing, Stride: stride, Offset: a.offset,
		})
		if err != nil {
			return Mesh{}, err
		}
	}
	return Mesh{vao: vao, vbo: vbo, ibo: ibo, count: len(idx)}, nil
}

// Bind binds the mesh's vertex array and index buffer for drawing.
func (m Mesh) Bind() {
	m.vao.Bind()
	m.ibo.Bind()
}

// IndexCount returns the number of indices to pass to gl.DrawElements.
func (m Mesh) IndexCount() int { return m.count }

// Delete releases the mesh's GPU buffers.
func (m Mesh) Delete() {
	m.vbo.Delete()
	m.ibo.Delete()
}
