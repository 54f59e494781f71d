package conv

import (
	"testing"

	"github.com/soypat/tessera/tile"
)

func TestNewDeepBuildsMatchingGrids(t *testing.T) {
	d, err := NewDeep(1, DeepBuilder{Name: "deep", Width: 8, Height: 8, InChannels: 8, OutChannels: 12, Kernel: 3, MaxTextureDim: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if d.inGrid.TileCount() != 2 {
		t.Fatalf("inGrid tile count = %d, want 2", d.inGrid.TileCount())
	}
	if d.outGrid.TileCount() != 3 {
		t.Fatalf("outGrid tile count = %d, want 3", d.outGrid.TileCount())
	}
	// Both grids are built from the same Width/Height, so fragment-shader
	// in-tile addressing carries over regardless of row/col differences
	// between the two grids.
	if d.inGrid.TileWidth != d.outGrid.TileWidth || d.inGrid.TileHeight != d.outGrid.TileHeight {
		t.Fatalf("in/out tile size mismatch: %dx%d vs %dx%d", d.inGrid.TileWidth, d.inGrid.TileHeight, d.outGrid.TileWidth, d.outGrid.TileHeight)
	}
}

// A 1x1 deep convolution still dispatches
// through the tile grid machinery; with 4 output channels there is exactly
// one output tile and it must be addressable.
func TestNewDeep1x1SingleTile(t *testing.T) {
	d, err := NewDeep(1, DeepBuilder{Name: "deep1x1", Width: 4, Height: 4, InChannels: 4, OutChannels: 4, Kernel: 1, MaxTextureDim: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if d.outGrid.TileCount() != 1 {
		t.Fatalf("outGrid tile count = %d, want 1", d.outGrid.TileCount())
	}
	tiles := d.outGrid.AllTiles(0)
	if len(tiles) != 1 {
		t.Fatalf("AllTiles = %d tiles, want 1", len(tiles))
	}
	if tiles[0].Channel != 0 {
		t.Fatalf("tile channel = %d, want 0", tiles[0].Channel)
	}
}

// TileQuads must emit one quad per output tile, each vertex carrying that
// tile's base channel as its fifth component; the fragment shader has no
// other way to learn which output tile a fragment belongs to.
func TestDeepTileQuadsCarryDistinctChannels(t *testing.T) {
	d, err := NewDeep(1, DeepBuilder{Name: "deep", Width: 4, Height: 4, InChannels: 4, OutChannels: 20, Kernel: 3, MaxTextureDim: 4096})
	if err != nil {
		t.Fatal(err)
	}
	tiles := d.outGrid.AllTiles(0)
	if len(tiles) != 5 {
		t.Fatalf("outGrid tile count = %d, want 5", len(tiles))
	}
	verts, idx := tile.ProxyGenerator{}.TileQuads(tiles)
	if len(verts) != len(tiles)*4*5 {
		t.Fatalf("TileQuads vertex count = %d, want %d", len(verts), len(tiles)*4*5)
	}
	if len(idx) != len(tiles)*6 {
		t.Fatalf("TileQuads index count = %d, want %d", len(idx), len(tiles)*6)
	}
	channelsSeen := map[float32]bool{}
	for i := 0; i < len(verts); i += 5 {
		channelsSeen[verts[i+4]] = true
	}
	if len(channelsSeen) != len(tiles) {
		t.Fatalf("distinct per-vertex channel values = %d, want %d (one per tile)", len(channelsSeen), len(tiles))
	}
}

func TestDeepWeightMatrixDimensions(t *testing.T) {
	d, err := NewDeep(1, DeepBuilder{Name: "deep", Width: 4, Height: 4, InChannels: 8, OutChannels: 8, Kernel: 3, MaxTextureDim: 4096})
	if err != nil {
		t.Fatal(err)
	}
	inTiles := d.inGrid.TileCount()
	outTiles := d.outGrid.TileCount()
	wantW := d.b.Kernel * inTiles * 4
	wantH := d.b.Kernel * outTiles
	if wantW != 3*2*4 || wantH != 3*2 {
		t.Fatalf("weight matrix dims = %dx%d, want %dx%d", wantW, wantH, 3*2*4, 3*2)
	}
}
