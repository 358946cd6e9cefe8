// Package download fetches full archives over HTTP with existence checks,
// resumable transfers and atomic placement.
package download

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrDownloadFailed marks a failed transfer. No partial file is ever visible
// at the destination path; an interrupted transfer keeps its ".download"
// temporary so a later call can resume it.
var ErrDownloadFailed = errors.New("tilehost: download failed")

const tmpSuffix = ".download"

// ProgressFunc reports received bytes out of the total reported by the
// server, or -1 when the total is unknown.
type ProgressFunc func(received, total int64)

type config struct {
	client           *http.Client
	progress         ProgressFunc
	verifyRemoteSize bool
	logger           *slog.Logger
}

type Option func(*config)

func WithClient(client *http.Client) Option {
	return func(c *config) { c.client = client }
}

func WithProgress(fn ProgressFunc) Option {
	return func(c *config) { c.progress = fn }
}

// WithRemoteSizeCheck makes an existing local file count as valid only when
// its size matches the remote Content-Length. It costs one HEAD request per
// call; without it an existing non-empty file is trusted with zero network
// access.
func WithRemoteSizeCheck() Option {
	return func(c *config) { c.verifyRemoteSize = true }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// IfNecessary returns destPath immediately when a valid file already exists
// there; otherwise it streams url to a temporary sibling and atomically moves
// it into place. A partially transferred temporary is resumed with a Range
// request when the server honors one.
func IfNecessary(ctx context.Context, url, destPath string, opts ...Option) (string, error) {
	cfg := config{
		client: http.DefaultClient,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		ok, err := existingIsValid(ctx, cfg, url, info.Size())
		if err != nil {
			return "", err
		}
		if ok {
			cfg.logger.Debug("tilehost: download skipped, file exists", "path", destPath)
			return destPath, nil
		}
	}

	if err := transfer(ctx, cfg, url, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

func existingIsValid(ctx context.Context, cfg config, url string, localSize int64) (bool, error) {
	if !cfg.verifyRemoteSize {
		return true, nil
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, errors.Wrapf(ErrDownloadFailed, "%s: %v", url, err)
	}
	response, err := cfg.client.Do(request)
	if err != nil {
		return false, errors.Wrapf(ErrDownloadFailed, "%s: %v", url, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK || response.ContentLength < 0 {
		// cannot verify; keep the local file rather than refetch blindly
		return true, nil
	}
	return response.ContentLength == localSize, nil
}

func transfer(ctx context.Context, cfg config, url, destPath string) error {
	tmpPath := destPath + tmpSuffix

	resumeFrom := int64(0)
	if info, err := os.Stat(tmpPath); err == nil {
		resumeFrom = info.Size()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(ErrDownloadFailed, "%s: %v", url, err)
	}
	if resumeFrom > 0 {
		request.Header.Set("Range", "bytes="+strconv.FormatInt(resumeFrom, 10)+"-")
	}

	response, err := cfg.client.Do(request)
	if err != nil {
		return errors.Wrapf(ErrDownloadFailed, "%s: %v", url, err)
	}
	defer response.Body.Close()

	// 416 on resume means the previous transfer already received every byte
	// and only the rename was lost. Finish the rename instead of failing, or
	// refetch from scratch when the remote size no longer matches.
	if resumeFrom > 0 && response.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		if total, ok := contentRangeTotal(response.Header.Get("Content-Range")); ok && total != resumeFrom {
			os.Remove(tmpPath)
			return transfer(ctx, cfg, url, destPath)
		}
		if err := os.Rename(tmpPath, destPath); err != nil {
			return errors.Wrapf(ErrDownloadFailed, "%s: %v", destPath, err)
		}
		cfg.logger.Info("tilehost: download complete", "url", url, "path", destPath, "bytes", resumeFrom)
		return nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	received := int64(0)
	total := response.ContentLength
	switch {
	case resumeFrom > 0 && response.StatusCode == http.StatusPartialContent:
		flags |= os.O_APPEND
		received = resumeFrom
		if total >= 0 {
			total += resumeFrom
		}
		cfg.logger.Debug("tilehost: resuming download", "url", url, "from", resumeFrom)
	case response.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
	default:
		return errors.Wrapf(ErrDownloadFailed, "%s: unexpected status %s", url, response.Status)
	}
	if total < 0 {
		total = -1
	}

	file, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		return errors.Wrapf(ErrDownloadFailed, "%s: %v", tmpPath, err)
	}

	buffer := make([]byte, 256<<10)
	for {
		n, readErr := response.Body.Read(buffer)
		if n > 0 {
			if _, err := file.Write(buffer[:n]); err != nil {
				file.Close()
				return errors.Wrapf(ErrDownloadFailed, "%s: %v", tmpPath, err)
			}
			received += int64(n)
			if cfg.progress != nil {
				cfg.progress(received, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			file.Close()
			// keep the temporary for a future resume
			return errors.Wrapf(ErrDownloadFailed, "%s: %v", url, readErr)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return errors.Wrapf(ErrDownloadFailed, "%s: %v", tmpPath, err)
	}
	if err := file.Close(); err != nil {
		return errors.Wrapf(ErrDownloadFailed, "%s: %v", tmpPath, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return errors.Wrapf(ErrDownloadFailed, "%s: %v", destPath, err)
	}
	cfg.logger.Info("tilehost: download complete", "url", url, "path", destPath, "bytes", received)
	return nil
}

// contentRangeTotal extracts the total size from a "bytes */N" header.
func contentRangeTotal(header string) (int64, bool) {
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
