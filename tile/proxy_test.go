package tile

import "testing"

func TestTexturedQuadVertexCount(t *testing.T) {
	verts := ProxyGenerator{}.TexturedQuad()
	if len(verts) != 4*4 {
		t.Fatalf("TexturedQuad() len = %d, want 16 (4 vertices x (x,y,u,v))", len(verts))
	}
}

func TestVerticalTexturedQuadsStacking(t *testing.T) {
	verts, indices := ProxyGenerator{}.VerticalTexturedQuads([]int{2, 3, 5}, 10)
	if len(verts) != 3*16 {
		t.Fatalf("verts len = %d, want 48", len(verts))
	}
	if len(indices) != 3*6 {
		t.Fatalf("indices len = %d, want 18", len(indices))
	}
	// Stride between quads is 16 floats; the third quad's y0 (index 1) must
	// equal (2+3)/10 mapped into NDC, i.e. 2*0.5-1 = 0.
	thirdQuadY0 := verts[2*16+1]
	want := float32(2*0.5 - 1)
	if thirdQuadY0 != want {
		t.Fatalf("third quad y0 = %v, want %v", thirdQuadY0, want)
	}
}

func TestTileQuadsPacksChannelPerVertex(t *testing.T) {
	g := Grid{Rows: 2, Cols: 2, TileWidth: 8, TileHeight: 8, NumChannels: 16}
	tiles := g.AllTiles(0)
	verts, indices := ProxyGenerator{}.TileQuads(tiles)
	if len(verts) != len(tiles)*4*5 {
		t.Fatalf("verts len = %d, want %d", len(verts), len(tiles)*4*5)
	}
	if len(indices) != len(tiles)*6 {
		t.Fatalf("indices len = %d, want %d", len(indices), len(tiles)*6)
	}
	// Every vertex of tile k must carry channel k*4 as its 5th component.
	for k, tl := range tiles {
		for v := 0; v < 4; v++ {
			ch := verts[k*20+v*5+4]
			if ch != float32(tl.Channel) {
				t.Fatalf("tile %d vertex %d channel = %v, want %v", k, v, ch, tl.Channel)
			}
		}
	}
}

func TestQuadIndicesPattern(t *testing.T) {
	want := []uint16{0, 1, 2, 0, 2, 3}
	if len(QuadIndices) != len(want) {
		t.Fatalf("QuadIndices len = %d, want %d", len(QuadIndices), len(want))
	}
	for i := range want {
		if QuadIndices[i] != want[i] {
			t.Fatalf("QuadIndices[%d] = %d, want %d", i, QuadIndices[i], want[i])
		}
	}
}
