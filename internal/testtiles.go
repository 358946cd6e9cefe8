// Package internal provides synthetic tileset fixtures shared by tests.
package internal

import (
	"fmt"
	"testing"

	"github.com/eak1mov/go-tilehost/pm"
	"github.com/eak1mov/go-tilehost/pm/spec"
	"github.com/eak1mov/go-tilehost/tile"
)

// Tileset generates deterministic tile payloads for every tile covering b in
// [minZoom, maxZoom]. Roughly every seventh tile shares an identical "ocean"
// payload so directory run-length compaction and content dedup get exercised.
func Tileset(b tile.Bounds, minZoom, maxZoom uint32) map[tile.ID][]byte {
	tiles := make(map[tile.ID][]byte)
	for _, id := range tile.CoverRange(b, minZoom, maxZoom) {
		if (id.X+id.Y)%7 == 0 {
			tiles[id] = []byte("ocean")
		} else {
			tiles[id] = fmt.Appendf(nil, "tile-%d/%d/%d", id.Z, id.X, id.Y)
		}
	}
	return tiles
}

// BuildArchive writes tiles into a new archive at filePath with a header
// describing the given bounds and zoom range.
func BuildArchive(t *testing.T, filePath string, tiles map[tile.ID][]byte, b tile.Bounds, minZoom, maxZoom uint32) {
	t.Helper()

	hm := pm.HeaderMetadata{
		TileCompression: spec.CompressionNone, // raw test payloads
		TileType:        spec.TileTypeMvt,
		MinZoom:         uint8(minZoom),
		MaxZoom:         uint8(maxZoom),
		CenterZoom:      uint8(minZoom),
	}
	hm.SetBounds(b)

	writer, err := pm.NewWriter(filePath,
		pm.WithMetadata([]byte(`{"name":"synthetic"}`)),
		pm.WithHeaderMetadata(hm),
	)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer writer.Close()

	for id, data := range tiles {
		if err := writer.WriteTile(id, data); err != nil {
			t.Fatalf("WriteTile(%v) failed: %v", id, err)
		}
	}
	if err := writer.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
}
