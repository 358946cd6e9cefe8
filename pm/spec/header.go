// Package spec implements the on-disk layout of the archive format:
// fixed-size header, varint delta-encoded directories, Hilbert tile id
// ordering and the directory compression codecs.
package spec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

type Compression uint8

const (
	CompressionUnknown Compression = iota
	CompressionNone
	CompressionGzip
	CompressionBrotli
	CompressionZstd
)

// ContentEncoding returns the HTTP Content-Encoding value for tiles stored
// with this compression, and whether one applies.
func (c Compression) ContentEncoding() (string, bool) {
	switch c {
	case CompressionGzip:
		return "gzip", true
	case CompressionBrotli:
		return "br", true
	case CompressionZstd:
		return "zstd", true
	default:
		return "", false
	}
}

type TileType uint8

const (
	TileTypeUnknown TileType = iota
	TileTypeMvt
	TileTypePng
	TileTypeJpeg
	TileTypeWebp
	TileTypeAvif
)

// ContentType returns the HTTP Content-Type for this tile type, and whether
// one is known.
func (t TileType) ContentType() (string, bool) {
	switch t {
	case TileTypeMvt:
		return "application/x-protobuf", true
	case TileTypePng:
		return "image/png", true
	case TileTypeJpeg:
		return "image/jpeg", true
	case TileTypeWebp:
		return "image/webp", true
	case TileTypeAvif:
		return "image/avif", true
	default:
		return "", false
	}
}

type Header struct {
	HeaderMagic         uint64
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

const (
	headerMagic     uint64 = 0x73656C69544D50 // "PMTiles"
	headerMagicMask uint64 = 1<<56 - 1
	HeaderMagicV3   uint64 = headerMagic | (0x03 << 56)

	HeaderLength = 127

	// spec v3: root directory MUST be contained in the first 16,384 bytes (16 KiB)
	HeaderRootDirMaxLength = 16 << 10
	RootDirOffset          = HeaderLength
	RootDirMaxLength       = HeaderRootDirMaxLength - HeaderLength
)

var ErrInvalidHeader = errors.New("invalid file header")
var ErrInvalidVersion = errors.New("invalid version")

func SerializeHeader(header *Header) []byte {
	var buffer bytes.Buffer
	writer := bufio.NewWriter(&buffer)
	binary.Write(writer, binary.LittleEndian, header)
	writer.Flush()
	return buffer.Bytes()
}

func DeserializeHeader(buffer []byte) (*Header, error) {
	header := Header{}
	reader := bytes.NewReader(buffer)
	err := binary.Read(reader, binary.LittleEndian, &header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if header.HeaderMagic&headerMagicMask != headerMagic {
		return nil, ErrInvalidHeader
	}
	if header.HeaderMagic != HeaderMagicV3 {
		return nil, ErrInvalidVersion
	}
	return &header, nil
}

// Validate checks internal header consistency against the known archive size.
// A negative fileSize skips the region checks (size unknown).
func (h *Header) Validate(fileSize int64) error {
	if h.MinZoom > h.MaxZoom {
		return fmt.Errorf("%w: min zoom %d > max zoom %d", ErrInvalidHeader, h.MinZoom, h.MaxZoom)
	}
	// tile coordinates are 32-bit
	if h.MaxZoom > 31 {
		return fmt.Errorf("%w: max zoom %d exceeds 31", ErrInvalidHeader, h.MaxZoom)
	}
	if fileSize < 0 {
		return nil
	}
	regions := []struct {
		name   string
		offset uint64
		length uint64
	}{
		{"root directory", h.RootOffset, h.RootLength},
		{"metadata", h.MetadataOffset, h.MetadataLength},
		{"leaf directories", h.LeafDirectoryOffset, h.LeafDirectoryLength},
		{"tile data", h.TileDataOffset, h.TileDataLength},
	}
	for _, r := range regions {
		end := r.offset + r.length
		if end < r.offset || end > uint64(fileSize) {
			return fmt.Errorf("%w: %s region [%d, %d) exceeds file size %d",
				ErrInvalidHeader, r.name, r.offset, end, fileSize)
		}
	}
	return nil
}
