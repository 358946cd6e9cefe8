// Package pm provides reading and writing of single-file tile archives over
// local files and byte-range-capable HTTP sources.
package pm

import (
	"errors"

	"github.com/eak1mov/go-tilehost/pm/spec"
	"github.com/eak1mov/go-tilehost/tile"
)

var (
	// ErrTileNotFound marks a lookup for a tile absent from the archive.
	ErrTileNotFound = errors.New("tilehost: tile not found")

	// ErrSourceUnavailable marks a transient I/O failure against the archive
	// source. Callers may retry; this package never does.
	ErrSourceUnavailable = errors.New("tilehost: source unavailable")

	// ErrCorruptArchive marks structural damage beyond what the header or
	// directory codecs can describe.
	ErrCorruptArchive = errors.New("tilehost: corrupt archive")
)

// HeaderMetadata is the caller-controlled subset of the archive header.
type HeaderMetadata struct {
	TileCompression spec.Compression
	TileType        spec.TileType
	MinZoom         uint8
	MaxZoom         uint8
	MinLonE7        int32
	MinLatE7        int32
	MaxLonE7        int32
	MaxLatE7        int32
	CenterZoom      uint8
	CenterLonE7     int32
	CenterLatE7     int32
}

func (m *HeaderMetadata) CopyFromHeader(header *spec.Header) {
	m.TileCompression = header.TileCompression
	m.TileType = header.TileType
	m.MinZoom = header.MinZoom
	m.MaxZoom = header.MaxZoom
	m.MinLonE7 = header.MinLonE7
	m.MinLatE7 = header.MinLatE7
	m.MaxLonE7 = header.MaxLonE7
	m.MaxLatE7 = header.MaxLatE7
	m.CenterZoom = header.CenterZoom
	m.CenterLonE7 = header.CenterLonE7
	m.CenterLatE7 = header.CenterLatE7
}

func (m *HeaderMetadata) CopyToHeader(header *spec.Header) {
	header.TileCompression = m.TileCompression
	header.TileType = m.TileType
	header.MinZoom = m.MinZoom
	header.MaxZoom = m.MaxZoom
	header.MinLonE7 = m.MinLonE7
	header.MinLatE7 = m.MinLatE7
	header.MaxLonE7 = m.MaxLonE7
	header.MaxLatE7 = m.MaxLatE7
	header.CenterZoom = m.CenterZoom
	header.CenterLonE7 = m.CenterLonE7
	header.CenterLatE7 = m.CenterLatE7
}

// SetBounds fills the bounding box fields from geographic bounds and centers
// the default view on it.
func (m *HeaderMetadata) SetBounds(b tile.Bounds) {
	m.MinLonE7 = tile.E7(b.West)
	m.MinLatE7 = tile.E7(b.South)
	m.MaxLonE7 = tile.E7(b.East)
	m.MaxLatE7 = tile.E7(b.North)
	lon, lat := b.Center()
	m.CenterLonE7 = tile.E7(lon)
	m.CenterLatE7 = tile.E7(lat)
}

// Bounds returns the bounding box fields as geographic bounds.
func (m *HeaderMetadata) Bounds() tile.Bounds {
	return tile.BoundsFromE7(m.MinLonE7, m.MinLatE7, m.MaxLonE7, m.MaxLatE7)
}
