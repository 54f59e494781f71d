package tile

import "testing"

// For every deep tensor with tile grid R x K, R*K >= ceil(C/4) and
// R*K - ceil(C/4) <= R-1: no more than one empty column-row of unused
// tiles.
func TestNewGridWasteBound(t *testing.T) {
	cases := []struct{ channels, tw, th, maxDim int }{
		{4, 18, 18, 2048},
		{12, 18, 18, 2048},
		{13, 18, 18, 2048},
		{100, 18, 18, 2048},
		{1, 18, 18, 2048},
		{512, 18, 18, 4096},
	}
	for _, c := range cases {
		g, err := NewGrid(c.channels, c.tw, c.th, c.maxDim)
		if err != nil {
			t.Fatalf("NewGrid(%d,...) = %v", c.channels, err)
		}
		n := (c.channels + 3) / 4
		total := g.Rows * g.Cols
		if total < n {
			t.Fatalf("channels=%d: rows*cols=%d < ceil(C/4)=%d", c.channels, total, n)
		}
		if waste := total - n; waste > g.Rows-1 {
			t.Fatalf("channels=%d: waste=%d exceeds rows-1=%d", c.channels, waste, g.Rows-1)
		}
		if g.TextureWidth() > c.maxDim || g.TextureHeight() > c.maxDim {
			t.Fatalf("channels=%d: texture %dx%d exceeds maxDim %d", c.channels, g.TextureWidth(), g.TextureHeight(), c.maxDim)
		}
	}
}

func TestNewGridRejectsNonPositiveChannels(t *testing.T) {
	if _, err := NewGrid(0, 18, 18, 2048); err == nil {
		t.Fatal("expected error for zero channels")
	}
}

func TestNewGridNoFit(t *testing.T) {
	_, err := NewGrid(4000, 64, 64, 128)
	if err != ErrNoFit {
		t.Fatalf("NewGrid() = %v, want ErrNoFit", err)
	}
}

// Tile ordering is fixed: channel 4k occupies column k/rows, row
// k mod rows.
func TestTileAtOrdering(t *testing.T) {
	g := Grid{Rows: 3, Cols: 4, TileWidth: 10, TileHeight: 10, NumChannels: 44}
	for k := 0; k < g.TileCount(); k++ {
		tl := g.TileAt(k, 0)
		wantCol := k / g.Rows
		wantRow := k % g.Rows
		gotCol := int(tl.UV.Min.X * float32(g.TextureWidth()) / float32(g.TileWidth))
		gotRow := int(tl.UV.Min.Y * float32(g.TextureHeight()) / float32(g.TileHeight))
		if gotCol != wantCol || gotRow != wantRow {
			t.Fatalf("TileAt(%d): col,row = %d,%d; want %d,%d", k, gotCol, gotRow, wantCol, wantRow)
		}
		if tl.Channel != k*4 {
			t.Fatalf("TileAt(%d).Channel = %d, want %d", k, tl.Channel, k*4)
		}
	}
}

func TestAllTilesCountMatchesGrid(t *testing.T) {
	g, err := NewGrid(37, 18, 18, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tiles := g.AllTiles(1)
	if len(tiles) != g.TileCount() {
		t.Fatalf("AllTiles() len = %d, want %d", len(tiles), g.TileCount())
	}
}
