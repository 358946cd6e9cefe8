package spec

import (
	"math/bits"

	"github.com/eak1mov/go-tilehost/tile"
	"github.com/google/hilbert"
)

// EncodeTileID maps XYZ coordinates to the archive's linear tile code space:
// a Hilbert curve ordering within each zoom level, offset by the total number
// of tiles on all previous levels so codes grow with zoom, then position.
func EncodeTileID(tileID tile.ID) uint64 {
	h, _ := hilbert.NewHilbert(1 << tileID.Z)
	tileCode, _ := h.MapInverse(int(tileID.X), int(tileID.Y))

	tilesCount := (1<<(tileID.Z*2) - 1) / 3
	return uint64(tileCode + tilesCount)
}

// DecodeTileID is the inverse of EncodeTileID.
func DecodeTileID(tileCode uint64) tile.ID {
	z := (bits.Len64(3*tileCode+1) - 1) / 2
	tilesCount := (1<<(z*2) - 1) / 3

	h, _ := hilbert.NewHilbert(1 << z)
	x, y, _ := h.Map(int(tileCode) - tilesCount)

	return tile.ID{X: uint32(x), Y: uint32(y), Z: uint32(z)}
}
