package pm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// RangeSource is a byte-range-capable archive source. Implementations must be
// safe for concurrent use.
type RangeSource interface {
	io.Closer

	// ReadRange returns exactly length bytes starting at offset.
	ReadRange(ctx context.Context, offset, length uint64) ([]byte, error)

	// Size returns the total source size in bytes.
	Size(ctx context.Context) (int64, error)

	// Name identifies the source (file path or URL) for diagnostics.
	Name() string
}

// FileSource reads ranges from a local file.
type FileSource struct {
	file *os.File
	path string
}

func NewFileSource(filePath string) (*FileSource, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, filePath, err)
	}
	return &FileSource{file: file, path: filePath}, nil
}

func (s *FileSource) ReadRange(_ context.Context, offset, length uint64) ([]byte, error) {
	buffer := make([]byte, length)
	if _, err := s.file.ReadAt(buffer, int64(offset)); err != nil {
		return nil, fmt.Errorf("%w: %s: range %d+%d: %w", ErrSourceUnavailable, s.path, offset, length, err)
	}
	return buffer, nil
}

func (s *FileSource) Size(_ context.Context) (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, s.path, err)
	}
	return info.Size(), nil
}

func (s *FileSource) Name() string { return s.path }

func (s *FileSource) Close() error { return s.file.Close() }

// HTTPSource reads ranges from a remote archive via HTTP Range requests.
// It never fetches the whole resource.
type HTTPSource struct {
	client *http.Client
	url    string
}

func NewHTTPSource(client *http.Client, url string) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client, url: url}
}

func (s *HTTPSource) ReadRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return make([]byte, 0), nil
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, s.url, err)
	}
	request.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: range %d+%d: %w", ErrSourceUnavailable, s.url, offset, length, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusPartialContent {
		// a 200 would mean the server ignored the Range header and is
		// streaming the entire archive
		return nil, fmt.Errorf("%w: %s: range %d+%d: unexpected status %s",
			ErrSourceUnavailable, s.url, offset, length, response.Status)
	}

	buffer := make([]byte, length)
	if _, err := io.ReadFull(response.Body, buffer); err != nil {
		return nil, fmt.Errorf("%w: %s: range %d+%d: %w", ErrSourceUnavailable, s.url, offset, length, err)
	}
	return buffer, nil
}

func (s *HTTPSource) Size(ctx context.Context) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, s.url, err)
	}
	request.Header.Set("Range", "bytes=0-0")

	response, err := s.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, s.url, err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)

	if response.StatusCode == http.StatusPartialContent {
		if size, ok := parseContentRangeTotal(response.Header.Get("Content-Range")); ok {
			return size, nil
		}
	}
	return 0, fmt.Errorf("%w: %s: server did not report a total size", ErrSourceUnavailable, s.url)
}

func (s *HTTPSource) Name() string { return s.url }

func (s *HTTPSource) Close() error { return nil }

// parseContentRangeTotal extracts the total size from a "bytes 0-0/N" header.
func parseContentRangeTotal(header string) (int64, bool) {
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 {
		return 0, false
	}
	size, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil || size < 0 {
		return 0, false
	}
	return size, true
}
