package pm

import (
	"context"
	"fmt"
	"sync"

	"github.com/eak1mov/go-tilehost/pm/spec"
	"github.com/eak1mov/go-tilehost/tile"
)

// Reader reads tiles from one archive source. Directory pages are cached per
// reader, keyed by their byte offset: sources are immutable once published,
// so cached pages never need invalidation. A Reader is safe for concurrent
// use; a race that decodes the same page twice wastes a round-trip but writes
// an identical value.
type Reader struct {
	source RangeSource
	header *spec.Header

	// byte offset -> []spec.Entry, read-through, last write wins
	directories sync.Map
}

// NewReader reads and validates the archive header from the given source.
// The Reader owns the source and closes it with Close.
func NewReader(ctx context.Context, source RangeSource) (*Reader, error) {
	headerData, err := source.ReadRange(ctx, 0, spec.HeaderLength)
	if err != nil {
		return nil, err
	}
	header, err := spec.DeserializeHeader(headerData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source.Name(), err)
	}

	size, err := source.Size(ctx)
	if err != nil {
		// size unknown; skip region validation
		size = -1
	}
	if err := header.Validate(size); err != nil {
		return nil, fmt.Errorf("%s: %w", source.Name(), err)
	}

	return &Reader{source: source, header: header}, nil
}

// OpenFile opens a local archive file for reading.
func OpenFile(filePath string) (*Reader, error) {
	source, err := NewFileSource(filePath)
	if err != nil {
		return nil, err
	}
	reader, err := NewReader(context.Background(), source)
	if err != nil {
		source.Close()
		return nil, err
	}
	return reader, nil
}

func (r *Reader) Close() error {
	return r.source.Close()
}

// Header returns a copy of the archive header.
func (r *Reader) Header() spec.Header {
	return *r.header
}

// Source exposes the underlying range source for bulk operations such as
// extraction.
func (r *Reader) Source() RangeSource {
	return r.source
}

// HeaderMetadata returns the caller-facing header fields.
func (r *Reader) HeaderMetadata() HeaderMetadata {
	result := HeaderMetadata{}
	result.CopyFromHeader(r.header)
	return result
}

// Bounds returns the archive's declared bounding box.
func (r *Reader) Bounds() tile.Bounds {
	return tile.BoundsFromE7(r.header.MinLonE7, r.header.MinLatE7, r.header.MaxLonE7, r.header.MaxLatE7)
}

// ReadMetadata returns the archive's metadata document, decompressed with the
// archive's internal compression.
func (r *Reader) ReadMetadata(ctx context.Context) ([]byte, error) {
	if r.header.MetadataLength == 0 {
		return make([]byte, 0), nil
	}
	data, err := r.source.ReadRange(ctx, r.header.MetadataOffset, r.header.MetadataLength)
	if err != nil {
		return nil, err
	}
	metadata, err := spec.Decompress(data, r.header.InternalCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: metadata: %w", ErrCorruptArchive, r.source.Name(), err)
	}
	return metadata, nil
}

func (r *Reader) readDirectory(ctx context.Context, dirOffset, dirLength uint64) ([]spec.Entry, error) {
	if cached, ok := r.directories.Load(dirOffset); ok {
		return cached.([]spec.Entry), nil
	}

	dirCompressed, err := r.source.ReadRange(ctx, dirOffset, dirLength)
	if err != nil {
		return nil, err
	}
	dirData, err := spec.Decompress(dirCompressed, r.header.InternalCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: directory at %d: %w", ErrCorruptArchive, r.source.Name(), dirOffset, err)
	}
	dirEntries, err := spec.DeserializeDirectory(dirData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: directory at %d: %w", ErrCorruptArchive, r.source.Name(), dirOffset, err)
	}

	r.directories.Store(dirOffset, dirEntries)
	return dirEntries, nil
}

// ReadEntry resolves a tile to its directory entry: a binary search in the
// root directory, then at most one more in the referenced leaf directory.
// The returned entry's Offset is relative to the tile data region.
func (r *Reader) ReadEntry(ctx context.Context, tileID tile.ID) (spec.Entry, bool, error) {
	tileCode := spec.EncodeTileID(tileID)

	dirOffset := r.header.RootOffset
	dirLength := r.header.RootLength
	for level := 0; level < 2; level++ {
		dirEntries, err := r.readDirectory(ctx, dirOffset, dirLength)
		if err != nil {
			return spec.Entry{}, false, err
		}
		entry, found := spec.FindEntry(dirEntries, tileCode)
		if !found {
			return spec.Entry{}, false, nil
		}
		if entry.RunLength > 0 {
			return entry, true, nil
		}
		dirOffset = r.header.LeafDirectoryOffset + entry.Offset
		dirLength = uint64(entry.Length)
	}

	// the format allows root -> leaf -> tile, nothing deeper
	return spec.Entry{}, false, fmt.Errorf("%w: %s: directory nested deeper than one leaf level",
		ErrCorruptArchive, r.source.Name())
}

// ReadLocation resolves a tile to the absolute location of its data.
func (r *Reader) ReadLocation(ctx context.Context, tileID tile.ID) (tile.Location, bool, error) {
	entry, found, err := r.ReadEntry(ctx, tileID)
	if err != nil || !found {
		return tile.Location{}, false, err
	}
	return tile.Location{
		Offset: r.header.TileDataOffset + entry.Offset,
		Length: uint64(entry.Length),
	}, true, nil
}

// ReadTile returns the raw tile bytes, still compressed per the header's tile
// compression field. A missing tile fails with ErrTileNotFound.
func (r *Reader) ReadTile(ctx context.Context, tileID tile.ID) ([]byte, error) {
	location, found, err := r.ReadLocation(ctx, tileID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s: %d/%d/%d", ErrTileNotFound, r.source.Name(), tileID.Z, tileID.X, tileID.Y)
	}
	return r.source.ReadRange(ctx, location.Offset, location.Length)
}

// VisitTileLocations calls visitor for every addressed tile in the archive,
// in tile code order.
func (r *Reader) VisitTileLocations(ctx context.Context, visitor func(tile.ID, tile.Location) error) error {
	rootEntries, err := r.readDirectory(ctx, r.header.RootOffset, r.header.RootLength)
	if err != nil {
		return err
	}
	for _, entry := range rootEntries {
		if entry.RunLength > 0 {
			if err := r.visitRun(entry, visitor); err != nil {
				return err
			}
			continue
		}
		leafEntries, err := r.readDirectory(ctx, r.header.LeafDirectoryOffset+entry.Offset, uint64(entry.Length))
		if err != nil {
			return err
		}
		for _, leafEntry := range leafEntries {
			if leafEntry.RunLength == 0 {
				return fmt.Errorf("%w: %s: leaf pointer inside leaf directory", ErrCorruptArchive, r.source.Name())
			}
			if err := r.visitRun(leafEntry, visitor); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reader) visitRun(entry spec.Entry, visitor func(tile.ID, tile.Location) error) error {
	for i := range entry.RunLength {
		tileID := spec.DecodeTileID(entry.TileCode + uint64(i))
		location := tile.Location{
			Offset: r.header.TileDataOffset + entry.Offset,
			Length: uint64(entry.Length),
		}
		if err := visitor(tileID, location); err != nil {
			return err
		}
	}
	return nil
}
