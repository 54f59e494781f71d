// Package tile implements the deep-tensor layout's tile grid and the proxy-polygon geometry that
// drives deep convolution and transpose-convolution render passes.
//
// Tile-grid sizing and proxy-polygon vertex/texcoord generation are built
// around this module's own math/ms2 vector package for the NDC and UV
// rectangles.
package tile

import (
	"errors"

	"github.com/soypat/tessera/math/ms2"
)

// Tile is a closed record: the polygon rectangle in normalized device
// coordinates, the matching texture-space rectangle, and the channel
// index of the 4-channel slice the tile represents.
type Tile struct {
	NDC     ms2.Box // (x0,y0,x1,y1) in [-1,1] proxy-polygon coordinates
	UV      ms2.Box // (u0,v0,u1,v1) in [0,1] texture coordinates
	Channel int     // base channel index (always a multiple of 4) this tile covers
}

// Grid describes a deep tensor's tile layout: Rows x Cols tiles, each
// holding 4 channels, packed column-major into a single texture.
type Grid struct {
	Rows, Cols  int
	TileWidth   int // padded tile width in texels (width + 2*pad)
	TileHeight  int // padded tile height in texels
	NumChannels int // logical channel count the grid backs
}

// TileCount returns ceil(channels/4), the number of occupied tiles.
func (g Grid) TileCount() int {
	return (g.NumChannels + 3) / 4
}

// TextureWidth and TextureHeight report the enclosing texture's extent.
func (g Grid) TextureWidth() int  { return g.Cols * g.TileWidth }
func (g Grid) TextureHeight() int { return g.Rows * g.TileHeight }

// ErrNoFit is returned by NewGrid when no rows x cols arrangement keeps the
// texture within maxDim on a side.
var ErrNoFit = errors.New("tile: channel count does not fit within max texture dimension")

// NewGrid computes the tile grid for a deep tensor with the given channel
// count and per-tile (padded) extent, choosing rows x cols so the
// enclosing texture is as close to square as possible while respecting the
// device's maximum texture dimension.
//
// The chosen grid satisfies rows*cols >= ceil(channels/4) and
// rows*cols - ceil(channels/4) <= rows-1: at most one partially-empty
// trailing column.
func NewGrid(channels, tileWidth, tileHeight, maxDim int) (Grid, error) {
	if channels <= 0 {
		return Grid{}, errors.New("tile: channels must be positive")
	}
	n := (channels + 3) / 4
	best := Grid{}
	found := false
	var bestWaste int
	var bestSquare float64
	for rows := 1; rows <= n; rows++ {
		if rows*tileHeight > maxDim {
			break
		}
		cols := (n + rows - 1) / rows // ceil(n/rows)
		if cols*tileWidth > maxDim {
			continue
		}
		waste := rows*cols - n
		// Prefer the arrangement whose texture is closest to square; among
		// ties, prefer the one wasting fewer tiles.
		sq := squareness(rows, cols, tileWidth, tileHeight)
		if !found || sq < bestSquare || (sq == bestSquare && waste < bestWaste) {
			best = Grid{Rows: rows, Cols: cols, TileWidth: tileWidth, TileHeight: tileHeight, NumChannels: channels}
			bestWaste = waste
			bestSquare = sq
			found = true
		}
	}
	if !found {
		return Grid{}, ErrNoFit
	}
	return best, nil
}

// squareness scores how far an arrangement's enclosing texture is from
// square; lower is better.
func squareness(rows, cols, tileWidth, tileHeight int) float64 {
	w := float64(cols * tileWidth)
	h := float64(rows * tileHeight)
	if w < h {
		w, h = h, w
	}
	return w / h
}

// TileAt returns the Tile record for channel base index 4k. pad is the tensor's
// spatial padding in texels, used to shrink the UV rect so that per-tile
// padding never samples an adjacent tile.
func (g Grid) TileAt(k int, pad int) Tile {
	col := k / g.Rows
	row := k % g.Rows
	return g.tileAtColRow(col, row, k*4, pad)
}

func (g Grid) tileAtColRow(col, row, channel, pad int) Tile {
	tw := float32(g.TextureWidth())
	th := float32(g.TextureHeight())

	px := float32(pad)
	u0 := (float32(col*g.TileWidth) + px) / tw
	v0 := (float32(row*g.TileHeight) + px) / th
	u1 := (float32((col+1)*g.TileWidth) - px) / tw
	v1 := (float32((row+1)*g.TileHeight) - px) / th

	// NDC rect covers the logical (unpadded) tile content; padding texels
	// sit outside it and are reached only via fragment-shader texel offset,
	// never via an enlarged polygon.
	x0 := 2*float32(col)/float32(g.Cols) - 1 + 2*px/tw
	x1 := 2*float32(col+1)/float32(g.Cols) - 1 - 2*px/tw
	y0 := 2*float32(row)/float32(g.Rows) - 1 + 2*px/th
	y1 := 2*float32(row+1)/float32(g.Rows) - 1 - 2*px/th

	return Tile{
		NDC:     ms2.NewBox(x0, y0, x1, y1),
		UV:      ms2.NewBox(u0, v0, u1, v1),
		Channel: channel,
	}
}

// AllTiles returns every occupied tile in the grid's fixed ordering.
func (g Grid) AllTiles(pad int) []Tile {
	n := g.TileCount()
	out := make([]Tile, n)
	for k := 0; k < n; k++ {
		out[k] = g.TileAt(k, pad)
	}
	return out
}
