package pm

import (
	"bufio"
	"cmp"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/eak1mov/go-tilehost/pm/spec"
	"github.com/eak1mov/go-tilehost/tile"
)

// Writer builds a new archive file. Tiles may arrive in any order; Finalize
// sorts and run-length-compacts the directory. Byte-identical tile content is
// stored once regardless of how many tiles carry it.
//
// The archive is written to a temporary sibling of the target path and moved
// into place by Finalize, so a failed or abandoned write never leaves a
// partial file at the target path.
type Writer struct {
	logger   *slog.Logger
	file     *os.File
	filePath string
	tmpPath  string
	header   spec.Header
	metadata []byte

	tileWriter *bufio.Writer
	tileOffset uint64

	addressed uint64
	entries   []spec.Entry
	locations map[uint64]uint32 // content hash -> entry index
}

type writerConfig struct {
	Metadata       []byte
	HeaderMetadata HeaderMetadata
	Logger         *slog.Logger
}

type WriterOption func(*writerConfig)

// WithMetadata sets the archive's metadata document (stored with the
// archive's internal compression).
func WithMetadata(metadata []byte) WriterOption {
	return func(c *writerConfig) { c.Metadata = metadata }
}

// WithHeaderMetadata sets the caller-controlled header fields.
func WithHeaderMetadata(hm HeaderMetadata) WriterOption {
	return func(c *writerConfig) { c.HeaderMetadata = hm }
}

func WithLogger(logger *slog.Logger) WriterOption {
	return func(c *writerConfig) { c.Logger = logger }
}

// NewWriter creates a new Writer targeting filePath.
func NewWriter(filePath string, opts ...WriterOption) (w *Writer, err error) {
	config := writerConfig{
		Logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}

	tmpPath := filePath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(tmpPath)
		}
	}()

	header := spec.Header{}
	header.HeaderMagic = spec.HeaderMagicV3
	header.Clustered = true
	header.InternalCompression = spec.CompressionGzip
	config.HeaderMetadata.CopyToHeader(&header)

	// header and root directory share the first 16 KiB
	offset := uint64(spec.HeaderRootDirMaxLength)
	if _, err = file.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, err
	}

	if config.Metadata != nil {
		var compressed []byte
		compressed, err = spec.Compress(config.Metadata, header.InternalCompression)
		if err != nil {
			return nil, err
		}
		if _, err = file.Write(compressed); err != nil {
			return nil, err
		}
		header.MetadataOffset = offset
		header.MetadataLength = uint64(len(compressed))
		offset += header.MetadataLength
	}

	header.TileDataOffset = offset

	return &Writer{
		logger:     config.Logger,
		file:       file,
		filePath:   filePath,
		tmpPath:    tmpPath,
		header:     header,
		tileWriter: bufio.NewWriter(file),
		tileOffset: 0,
		locations:  make(map[uint64]uint32),
	}, nil
}

// WriteTile adds a tile. Empty tile data is skipped: absent tiles are not
// addressed by the directory.
func (w *Writer) WriteTile(tileID tile.ID, tileData []byte) error {
	if len(tileData) == 0 {
		return nil
	}
	w.addressed++

	digest := xxhash.Sum64(tileData)
	entryIdx, exists := w.locations[digest]

	if exists {
		entry := spec.Entry{
			TileCode:  spec.EncodeTileID(tileID),
			Offset:    w.entries[entryIdx].Offset,
			Length:    w.entries[entryIdx].Length,
			RunLength: 1,
		}
		w.entries = append(w.entries, entry)
		return nil
	}

	entry := spec.Entry{
		TileCode:  spec.EncodeTileID(tileID),
		Offset:    w.tileOffset,
		Length:    uint32(len(tileData)),
		RunLength: 1,
	}

	if _, err := w.tileWriter.Write(tileData); err != nil {
		return err
	}

	w.tileOffset += uint64(len(tileData))

	w.locations[digest] = uint32(len(w.entries))
	w.entries = append(w.entries, entry)

	return nil
}

// Finalize flushes tile data, builds the directories and header, and moves
// the finished archive into place. The Writer is unusable afterwards.
func (w *Writer) Finalize() error {
	if w.tileWriter == nil {
		panic("tilehost: finalize called twice")
	}

	w.logger.Debug("tilehost: flush tiles")
	if err := w.tileWriter.Flush(); err != nil {
		return err
	}
	w.header.TileDataLength = w.tileOffset
	w.tileWriter = nil

	w.logger.Debug("tilehost: sort")
	slices.SortFunc(w.entries, func(a, b spec.Entry) int {
		return cmp.Compare(a.TileCode, b.TileCode)
	})

	w.logger.Debug("tilehost: compact")
	w.entries = spec.CompactEntries(w.entries)

	w.header.AddressedTilesCount = w.addressed
	w.header.TileEntriesCount = uint64(len(w.entries))
	w.header.TileContentsCount = uint64(len(w.locations))

	w.logger.Debug("tilehost: serialize directories")
	rootBytes, leavesBytes := spec.SerializeAll(w.entries, w.header.InternalCompression)

	w.logger.Debug("tilehost: write leaves")
	leavesOffset, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(leavesBytes); err != nil {
		return err
	}
	w.header.LeafDirectoryOffset = uint64(leavesOffset)
	w.header.LeafDirectoryLength = uint64(len(leavesBytes))

	w.logger.Debug("tilehost: write root")
	if _, err := w.file.Seek(spec.RootDirOffset, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write(rootBytes); err != nil {
		return err
	}
	w.header.RootOffset = spec.RootDirOffset
	w.header.RootLength = uint64(len(rootBytes))

	w.logger.Debug("tilehost: write header")
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write(spec.SerializeHeader(&w.header)); err != nil {
		return err
	}

	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	w.logger.Debug("tilehost: rename into place", "path", w.filePath)
	return os.Rename(w.tmpPath, w.filePath)
}

// Close discards the temporary file when Finalize has not completed.
// It is safe to call after Finalize.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	os.Remove(w.tmpPath)
	w.file = nil
	return err
}
