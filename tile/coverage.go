package tile

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Cover returns the IDs of every tile at zoom z whose rectangle intersects b,
// in row-major order. Edges round outward: a bound lying exactly on a tile
// boundary keeps the touching tile on the far side, so no edge tile is ever
// lost to floating-point rounding.
func Cover(b Bounds, z uint32) []ID {
	var ids []ID
	for _, span := range b.lonSpans() {
		minCol, minRow := tileAt(span[0], b.North, z)
		maxCol, maxRow := tileAt(span[1], b.South, z)
		for row := minRow; row <= maxRow; row++ {
			for col := minCol; col <= maxCol; col++ {
				ids = append(ids, ID{X: col, Y: row, Z: z})
			}
		}
	}
	return ids
}

// CoverRange unions Cover across [minZoom, maxZoom], ordered by zoom.
func CoverRange(b Bounds, minZoom, maxZoom uint32) []ID {
	var ids []ID
	for z := minZoom; z <= maxZoom; z++ {
		ids = append(ids, Cover(b, z)...)
	}
	return ids
}

// tileAt projects a point to the tile grid at zoom z, clamped to the valid
// column/row range.
func tileAt(lon, lat float64, z uint32) (col, row uint32) {
	frac := maptile.Fraction(orb.Point{lon, lat}, maptile.Zoom(z))
	return clampGrid(math.Floor(frac[0]), z), clampGrid(math.Floor(frac[1]), z)
}

func clampGrid(v float64, z uint32) uint32 {
	last := float64(uint64(1)<<z - 1)
	return uint32(math.Min(math.Max(v, 0), last))
}
