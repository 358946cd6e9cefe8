package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/eak1mov/go-tilehost/pm"
	"github.com/eak1mov/go-tilehost/pm/spec"
	"github.com/pkg/errors"
)

// ErrExtractionFailed marks a failed execution. No partial archive is left at
// the destination path; the caller may re-plan and retry.
var ErrExtractionFailed = errors.New("tilehost: extraction failed")

const defaultWorkers = 4

// Summary describes a completed extraction.
type Summary struct {
	Path          string
	Tiles         int
	TileDataBytes uint64
	ArchiveBytes  int64
}

type execConfig struct {
	workers  int
	progress ProgressFunc
	logger   *slog.Logger
}

type ExecuteOption func(*execConfig)

// WithWorkers bounds fetch concurrency. The default is deliberately small to
// respect source rate limits.
func WithWorkers(n int) ExecuteOption {
	return func(c *execConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithProgress reports fetch progress as (tiles fetched, tiles total) after
// each completed range.
func WithProgress(fn ProgressFunc) ExecuteOption {
	return func(c *execConfig) { c.progress = fn }
}

func WithLogger(logger *slog.Logger) ExecuteOption {
	return func(c *execConfig) { c.logger = logger }
}

// Execute fetches the plan's byte ranges from the source with bounded
// concurrency and writes a new self-contained archive to destPath. The
// destination appears atomically on success only; on failure or cancellation
// the temporary output is discarded and outstanding fetches are aborted.
func Execute(ctx context.Context, reader *pm.Reader, plan *Plan, destPath string, opts ...ExecuteOption) (Summary, error) {
	config := execConfig{
		workers: defaultWorkers,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}

	metadata, err := reader.ReadMetadata(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: reading source metadata: %w", ErrExtractionFailed, err)
	}

	buffers, err := fetchRanges(ctx, reader.Source(), plan.ranges, config)
	if err != nil {
		return Summary{}, err
	}

	hm := pm.HeaderMetadata{
		TileCompression: plan.header.TileCompression,
		TileType:        plan.header.TileType,
		MinZoom:         plan.minZoom,
		MaxZoom:         plan.maxZoom,
		CenterZoom:      plan.minZoom,
	}
	hm.SetBounds(plan.bounds)

	writerOpts := []pm.WriterOption{
		pm.WithHeaderMetadata(hm),
		pm.WithLogger(config.logger),
	}
	if len(metadata) > 0 {
		writerOpts = append(writerOpts, pm.WithMetadata(metadata))
	}
	writer, err := pm.NewWriter(destPath, writerOpts...)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: creating %s: %w", ErrExtractionFailed, destPath, err)
	}
	defer writer.Close()

	for _, entry := range plan.entries {
		if err := ctx.Err(); err != nil {
			return Summary{}, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
		}
		tileData, err := sliceRange(plan, buffers, entry)
		if err != nil {
			return Summary{}, err
		}
		if err := writer.WriteTile(spec.DecodeTileID(entry.TileCode), tileData); err != nil {
			return Summary{}, fmt.Errorf("%w: writing tile %d: %w", ErrExtractionFailed, entry.TileCode, err)
		}
	}

	if err := writer.Finalize(); err != nil {
		return Summary{}, fmt.Errorf("%w: finalizing %s: %w", ErrExtractionFailed, destPath, err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: stat %s: %w", ErrExtractionFailed, destPath, err)
	}

	config.logger.Info("tilehost: extraction complete",
		"path", destPath, "tiles", plan.TileCount(), "bytes", info.Size())

	return Summary{
		Path:          destPath,
		Tiles:         plan.TileCount(),
		TileDataBytes: plan.tileDataLength,
		ArchiveBytes:  info.Size(),
	}, nil
}

// fetchRanges downloads all merged ranges with a bounded worker pool. Each
// range lands in its own buffer; completion order is irrelevant. The first
// failure cancels the rest.
func fetchRanges(ctx context.Context, source pm.RangeSource, ranges []Range, config execConfig) ([][]byte, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := 0
	for _, rg := range ranges {
		total += rg.Tiles
	}

	buffers := make([][]byte, len(ranges))
	semaphore := make(chan struct{}, config.workers)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	fetched := 0

	for i, rg := range ranges {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-fetchCtx.Done():
				return
			}

			data, err := source.ReadRange(fetchCtx, rg.Offset, rg.Length)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: fetching range %d+%d from %s: %w",
						ErrExtractionFailed, rg.Offset, rg.Length, source.Name(), err)
				}
				cancel()
				return
			}
			buffers[i] = data
			fetched += rg.Tiles
			if config.progress != nil {
				config.progress(fetched, total)
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	return buffers, nil
}

// sliceRange locates the merged range holding an entry's content and returns
// the corresponding bytes.
func sliceRange(plan *Plan, buffers [][]byte, entry spec.Entry) ([]byte, error) {
	offset := plan.header.TileDataOffset + entry.Offset
	idx := sort.Search(len(plan.ranges), func(i int) bool {
		return plan.ranges[i].Offset > offset
	})
	if idx == 0 {
		return nil, errors.Wrapf(ErrExtractionFailed, "tile %d at %d outside fetched ranges", entry.TileCode, offset)
	}
	rg := plan.ranges[idx-1]
	start := offset - rg.Offset
	end := start + uint64(entry.Length)
	if end > uint64(len(buffers[idx-1])) {
		return nil, errors.Wrapf(ErrExtractionFailed, "tile %d at %d+%d overruns fetched range %d+%d",
			entry.TileCode, offset, entry.Length, rg.Offset, rg.Length)
	}
	return buffers[idx-1][start:end], nil
}
