package tile

// ProxyGenerator builds the vertex/index data for the proxy polygons
// that drive every render-pass
// dispatcher in the engine. It returns plain float32/uint16 slices; turning
// them into GPU buffers is the caller's job via gfx.NewVertexBuffer /
// gfx.NewIndexBuffer, keeping this package free of GL state.
type ProxyGenerator struct{}

// QuadIndices is the fixed two-triangle index pattern every quad below
// shares.
var QuadIndices = []uint16{0, 1, 2, 0, 2, 3}

// TexturedQuad returns a single viewport-filling quad with each vertex
// packed as (x, y, u, v): NDC position then texture coordinate.
func (ProxyGenerator) TexturedQuad() []float32 {
	return []float32{
		-1, -1, 0, 0,
		1, -1, 1, 0,
		1, 1, 1, 1,
		-1, 1, 0, 1,
	}
}

// SimpleQuad returns a viewport-filling quad with each vertex packed as
// (x, y) only, for passes that derive texture coordinates from gl_FragCoord
// or a separate per-tile uniform instead.
func (ProxyGenerator) SimpleQuad() []float32 {
	return []float32{
		-1, -1,
		1, -1,
		1, 1,
		-1, 1,
	}
}

// VerticalTexturedQuads lays out len(heights) quads stacked top to bottom,
// each occupying a horizontal strip proportional to its height out of
// fullHeight (both in pixels), e.g. one line per input token of a
// row-major sequence texture. The embedding layer does not use it; it
// draws one instanced quad per token instead.
// Returns (vertices, indices); each quad's 4 vertices are (x,y,u,v).
func (ProxyGenerator) VerticalTexturedQuads(heights []int, fullHeight int) ([]float32, []uint16) {
	verts := make([]float32, 0, len(heights)*16)
	indices := make([]uint16, 0, len(heights)*6)
	yoffset := 0
	for i, h := range heights {
		y0 := float32(yoffset) / float32(fullHeight)
		y1 := float32(yoffset+h) / float32(fullHeight)
		verts = append(verts,
			-1, 2*y0-1, 0, 0,
			1, 2*y0-1, 1, 0,
			1, 2*y1-1, 1, 1,
			-1, 2*y1-1, 0, 1,
		)
		base := uint16(i * 4)
		indices = append(indices, base, base+1, base+2, base, base+2, base+3)
		yoffset += h
	}
	return verts, indices
}

// TexturedDotMatrix lays out columns*rows point primitives evenly spread
// across NDC space, each vertex packed as (x, y, u, v). Used by proxy
// geometry that dispatches one fragment invocation per output tile/texel
// rather than per quad. Deep convolution draws its per-tile proxy
// polygons with TileQuads, not with this.
func (ProxyGenerator) TexturedDotMatrix(columns, rows int) []float32 {
	verts := make([]float32, 0, columns*rows*4)
	for y := 0; y < rows; y++ {
		for x := 0; x < columns; x++ {
			px := ndcOffset(columns) + 2*float32(x)/float32(columns)
			py := ndcOffset(rows) + 2*float32(y)/float32(rows)
			verts = append(verts, px, py, float32(x)/float32(columns), float32(y)/float32(rows))
		}
	}
	return verts
}

func ndcOffset(n int) float32 {
	if n > 1 {
		return -1
	}
	return 0
}

// KernelLanes returns k stacked, fully overlapping viewport quads, each
// vertex packed as (x, y, u, v, lane) where lane is the vertical kernel-tap
// row 0..k-1. Shallow convolution draws every lane in one
// indexed call with additive blending: the vertex shader's lane attribute
// selects which row of the kernel a lane samples and which row of the
// weight array it dots against, while the fragment shader still walks the
// k horizontal taps via texel offset, together covering the full k*k
// footprint in a single draw per input tile.
func (ProxyGenerator) KernelLanes(k int) ([]float32, []uint16) {
	verts := make([]float32, 0, k*20)
	indices := make([]uint16, 0, k*6)
	for i := 0; i < k; i++ {
		lane := float32(i)
		verts = append(verts,
			-1, -1, 0, 0, lane,
			1, -1, 1, 0, lane,
			1, 1, 1, 1, lane,
			-1, 1, 0, 1, lane,
		)
		base := uint16(i * 4)
		indices = append(indices, base, base+1, base+2, base, base+2, base+3)
	}
	return verts, indices
}

// TileQuads builds one textured quad per tile in tiles, in the fixed
// ordering the grid assigns. Each quad's 4 vertices are
// packed as (x, y, u, v, channel) — channel carried as a fifth component so
// the vertex shader can compute a per-tile weight-texture offset without a
// uniform update between draws, matching how deep convolution's proxy
// polygons pack the output tile's base offset per vertex.
func (ProxyGenerator) TileQuads(tiles []Tile) ([]float32, []uint16) {
	verts := make([]float32, 0, len(tiles)*20)
	indices := make([]uint16, 0, len(tiles)*6)
	for i, t := range tiles {
		ch := float32(t.Channel)
		verts = append(verts,
			t.NDC.Min.X, t.NDC.Min.Y, t.UV.Min.X, t.UV.Min.Y, ch,
			t.NDC.Max.X, t.NDC.Min.Y, t.UV.Max.X, t.UV.Min.Y, ch,
			t.NDC.Max.X, t.NDC.Max.Y, t.UV.Max.X, t.UV.Max.Y, ch,
			t.NDC.Min.X, t.NDC.Max.Y, t.UV.Min.X, t.UV.Max.Y, ch,
		)
		base := uint16(i * 4)
		indices = append(indices, base, base+1, base+2, base, base+2, base+3)
	}
	return verts, indices
}
