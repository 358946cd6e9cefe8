// Package extract computes and executes partial archive extractions: given a
// bounding region and zoom range, it resolves the required tiles against a
// range-request-only source, fetches the minimal set of byte ranges and
// assembles a new self-contained archive.
package extract

import (
	"context"
	"slices"
	"sort"

	"github.com/eak1mov/go-tilehost/pm"
	"github.com/eak1mov/go-tilehost/pm/spec"
	"github.com/eak1mov/go-tilehost/tile"
	"github.com/pkg/errors"
)

var (
	// ErrEmptyRegion marks bounds that do not intersect the source archive's
	// declared bounding box.
	ErrEmptyRegion = errors.New("tilehost: bounds do not intersect archive")

	// ErrInvalidZoomRange marks a requested zoom range outside the source
	// archive's min/max zoom.
	ErrInvalidZoomRange = errors.New("tilehost: zoom range outside archive")
)

// Ranges closer together than this are coalesced into one fetch: overfetching
// a few hundred bytes is cheaper than another round trip.
const mergeGapTolerance = 512

// ProgressFunc reports completed work units out of a known total.
type ProgressFunc func(done, total int)

// Range is one merged byte range to fetch from the source archive.
// Offset is absolute within the source. Tiles counts the requested tiles
// whose content lives in this range.
type Range struct {
	Offset uint64
	Length uint64
	Tiles  int
}

// Plan is the immutable result of planning an extraction. It may be reused or
// discarded without side effects; only Execute touches tile data.
type Plan struct {
	source  string
	bounds  tile.Bounds
	minZoom uint8
	maxZoom uint8
	header  spec.Header

	// one entry per requested tile, sorted by TileCode, offsets relative to
	// the source tile data region
	entries []spec.Entry
	ranges  []Range

	tileDataLength uint64
}

func (p *Plan) Source() string      { return p.source }
func (p *Plan) Bounds() tile.Bounds { return p.bounds }
func (p *Plan) MinZoom() uint8      { return p.minZoom }
func (p *Plan) MaxZoom() uint8      { return p.maxZoom }

// TileCount is the number of tiles the extraction will address.
func (p *Plan) TileCount() int { return len(p.entries) }

// RangeCount is the number of merged fetches execution will perform.
func (p *Plan) RangeCount() int { return len(p.ranges) }

// TileDataLength is the number of distinct tile data bytes to fetch,
// before range merging.
func (p *Plan) TileDataLength() uint64 { return p.tileDataLength }

// Ranges returns a copy of the merged fetch ranges.
func (p *Plan) Ranges() []Range { return slices.Clone(p.ranges) }

type planConfig struct {
	minZoom  int
	maxZoom  int
	progress ProgressFunc
}

type PlanOption func(*planConfig)

// WithZoomRange restricts the extraction to [minZoom, maxZoom]. Without it
// the plan spans the source archive's full zoom range.
func WithZoomRange(minZoom, maxZoom uint8) PlanOption {
	return func(c *planConfig) {
		c.minZoom = int(minZoom)
		c.maxZoom = int(maxZoom)
	}
}

// WithPlanProgress reports directory resolution progress as
// (tiles resolved, tiles total).
func WithPlanProgress(fn ProgressFunc) PlanOption {
	return func(c *planConfig) { c.progress = fn }
}

// NewPlan enumerates the tiles covering bounds across the zoom range, resolves
// each through the source's directories and merges the resulting byte ranges.
// Planning cost is proportional to the number of distinct tiles; no tile data
// is fetched.
func NewPlan(ctx context.Context, reader *pm.Reader, bounds tile.Bounds, opts ...PlanOption) (*Plan, error) {
	config := planConfig{minZoom: -1, maxZoom: -1}
	for _, opt := range opts {
		opt(&config)
	}

	if err := bounds.Validate(); err != nil {
		return nil, err
	}

	header := reader.Header()
	if config.minZoom < 0 {
		config.minZoom = int(header.MinZoom)
		config.maxZoom = int(header.MaxZoom)
	}
	if config.minZoom > config.maxZoom ||
		config.minZoom < int(header.MinZoom) || config.maxZoom > int(header.MaxZoom) {
		return nil, errors.Wrapf(ErrInvalidZoomRange,
			"requested %d-%d, archive %s has %d-%d",
			config.minZoom, config.maxZoom, reader.Source().Name(), header.MinZoom, header.MaxZoom)
	}
	if !bounds.Intersects(reader.Bounds()) {
		return nil, errors.Wrapf(ErrEmptyRegion, "bounds %+v, archive %s covers %+v",
			bounds, reader.Source().Name(), reader.Bounds())
	}

	required := tile.CoverRange(bounds, uint32(config.minZoom), uint32(config.maxZoom))

	plan := &Plan{
		source:  reader.Source().Name(),
		bounds:  bounds,
		minZoom: uint8(config.minZoom),
		maxZoom: uint8(config.maxZoom),
		header:  header,
	}

	type span struct {
		offset uint64
		length uint32
	}
	distinct := make(map[span]struct{})

	for i, id := range required {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, found, err := reader.ReadEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if config.progress != nil {
			config.progress(i+1, len(required))
		}
		if !found {
			continue
		}
		plan.entries = append(plan.entries, spec.Entry{
			TileCode:  spec.EncodeTileID(id),
			Offset:    entry.Offset,
			Length:    entry.Length,
			RunLength: 1,
		})
		distinct[span{entry.Offset, entry.Length}] = struct{}{}
	}

	slices.SortFunc(plan.entries, func(a, b spec.Entry) int {
		if a.TileCode < b.TileCode {
			return -1
		}
		if a.TileCode > b.TileCode {
			return 1
		}
		return 0
	})

	spans := make([]span, 0, len(distinct))
	for s := range distinct {
		plan.tileDataLength += uint64(s.length)
		spans = append(spans, s)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].offset < spans[j].offset })

	for _, s := range spans {
		offset := header.TileDataOffset + s.offset
		length := uint64(s.length)
		if n := len(plan.ranges); n > 0 {
			last := &plan.ranges[n-1]
			if offset <= last.Offset+last.Length+mergeGapTolerance {
				if end := offset + length; end > last.Offset+last.Length {
					last.Length = end - last.Offset
				}
				continue
			}
		}
		plan.ranges = append(plan.ranges, Range{Offset: offset, Length: length})
	}

	// attribute each requested tile to the merged range holding its content
	for _, entry := range plan.entries {
		offset := header.TileDataOffset + entry.Offset
		idx := sort.Search(len(plan.ranges), func(i int) bool {
			return plan.ranges[i].Offset > offset
		})
		plan.ranges[idx-1].Tiles++
	}

	return plan, nil
}
