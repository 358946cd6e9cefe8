package extract_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eak1mov/go-tilehost/extract"
	"github.com/eak1mov/go-tilehost/internal"
	"github.com/eak1mov/go-tilehost/pm"
	"github.com/eak1mov/go-tilehost/pm/spec"
	"github.com/eak1mov/go-tilehost/tile"
	"github.com/google/go-cmp/cmp"
)

var (
	sourceBounds = tile.Bounds{North: 48, South: 47, East: -122, West: -123}
	regionBounds = tile.Bounds{North: 47.7, South: 47.5, East: -122.2, West: -122.4}
)

func buildSource(t *testing.T, minZoom, maxZoom uint32) (string, map[tile.ID][]byte) {
	t.Helper()
	tiles := internal.Tileset(sourceBounds, minZoom, maxZoom)
	filePath := filepath.Join(t.TempDir(), "source.pmtiles")
	internal.BuildArchive(t, filePath, tiles, sourceBounds, minZoom, maxZoom)
	return filePath, tiles
}

func TestNewPlanErrors(t *testing.T) {
	filePath, _ := buildSource(t, 0, 4)
	reader, err := pm.OpenFile(filePath)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	disjoint := tile.Bounds{North: 10, South: 9, East: 10, West: 9}
	if _, err := extract.NewPlan(ctx, reader, disjoint); !errors.Is(err, extract.ErrEmptyRegion) {
		t.Errorf("disjoint bounds: err = %v, want ErrEmptyRegion", err)
	}
	if _, err := extract.NewPlan(ctx, reader, regionBounds, extract.WithZoomRange(2, 10)); !errors.Is(err, extract.ErrInvalidZoomRange) {
		t.Errorf("zoom beyond archive: err = %v, want ErrInvalidZoomRange", err)
	}
	if _, err := extract.NewPlan(ctx, reader, regionBounds, extract.WithZoomRange(3, 1)); !errors.Is(err, extract.ErrInvalidZoomRange) {
		t.Errorf("inverted zoom range: err = %v, want ErrInvalidZoomRange", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := extract.NewPlan(cancelled, reader, regionBounds); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context: err = %v, want context.Canceled", err)
	}
}

func TestPlanProperties(t *testing.T) {
	filePath, _ := buildSource(t, 0, 12)
	reader, err := pm.OpenFile(filePath)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer reader.Close()

	var lastDone, lastTotal int
	plan, err := extract.NewPlan(context.Background(), reader, regionBounds,
		extract.WithZoomRange(10, 12),
		extract.WithPlanProgress(func(done, total int) { lastDone, lastTotal = done, total }),
	)
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}

	wantTiles := len(tile.CoverRange(regionBounds, 10, 12))
	if plan.TileCount() != wantTiles {
		t.Errorf("TileCount = %d, want %d", plan.TileCount(), wantTiles)
	}
	if lastDone != lastTotal || lastTotal != wantTiles {
		t.Errorf("final progress = %d/%d, want %d/%d", lastDone, lastTotal, wantTiles, wantTiles)
	}
	if plan.RangeCount() > plan.TileCount() {
		t.Errorf("RangeCount %d > TileCount %d", plan.RangeCount(), plan.TileCount())
	}
	if plan.RangeCount() == 0 {
		t.Fatal("plan has no fetch ranges")
	}

	attributed := 0
	var fetchBytes uint64
	for _, rg := range plan.Ranges() {
		attributed += rg.Tiles
		fetchBytes += rg.Length
	}
	if attributed != plan.TileCount() {
		t.Errorf("ranges attribute %d tiles, want %d", attributed, plan.TileCount())
	}
	if plan.TileDataLength() == 0 || plan.TileDataLength() > fetchBytes {
		t.Errorf("TileDataLength %d outside (0, fetched %d]", plan.TileDataLength(), fetchBytes)
	}
	if plan.MinZoom() != 10 || plan.MaxZoom() != 12 {
		t.Errorf("plan zoom range %d-%d, want 10-12", plan.MinZoom(), plan.MaxZoom())
	}
}

// With no content sharing and every requested tile separated from the next by
// more than the merge tolerance, nothing can coalesce: one fetch range per
// tile.
func TestPlanSparseTilesMergeNothing(t *testing.T) {
	required := tile.CoverRange(regionBounds, 10, 10)
	if len(required) < 2 {
		t.Fatalf("fixture bounds cover only %d tiles", len(required))
	}

	hm := pm.HeaderMetadata{
		TileCompression: spec.CompressionNone,
		TileType:        spec.TileTypeMvt,
		MinZoom:         10,
		MaxZoom:         10,
	}
	hm.SetBounds(sourceBounds)

	filePath := filepath.Join(t.TempDir(), "sparse.pmtiles")
	writer, err := pm.NewWriter(filePath, pm.WithHeaderMetadata(hm))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer writer.Close()

	padding := bytes.Repeat([]byte{'x'}, 700)
	for i, id := range required {
		if err := writer.WriteTile(id, fmt.Appendf(nil, "tile-%d/%d/%d-%s", id.Z, id.X, id.Y, padding)); err != nil {
			t.Fatalf("WriteTile(%v) failed: %v", id, err)
		}
		// an unrequested tile written between every two requested ones keeps
		// their data more than mergeGapTolerance apart in the file
		filler := tile.ID{X: id.X, Y: id.Y + 20, Z: id.Z}
		if err := writer.WriteTile(filler, fmt.Appendf(nil, "filler-%d-%s", i, padding)); err != nil {
			t.Fatalf("WriteTile(%v) failed: %v", filler, err)
		}
	}
	if err := writer.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	reader, err := pm.OpenFile(filePath)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer reader.Close()

	plan, err := extract.NewPlan(context.Background(), reader, regionBounds)
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}
	if plan.TileCount() != len(required) {
		t.Errorf("TileCount = %d, want %d", plan.TileCount(), len(required))
	}
	if plan.RangeCount() != plan.TileCount() {
		t.Errorf("RangeCount = %d, want %d (one range per tile)", plan.RangeCount(), plan.TileCount())
	}
	for _, rg := range plan.Ranges() {
		if rg.Tiles != 1 {
			t.Errorf("range %d+%d holds %d tiles, want 1", rg.Offset, rg.Length, rg.Tiles)
		}
	}
}

func TestExtractRoundTrip(t *testing.T) {
	filePath, sourceTiles := buildSource(t, 0, 12)
	reader, err := pm.OpenFile(filePath)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	plan, err := extract.NewPlan(ctx, reader, regionBounds, extract.WithZoomRange(10, 12))
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}

	destPath := filepath.Join(t.TempDir(), "region.pmtiles")
	summary, err := extract.Execute(ctx, reader, plan, destPath)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if summary.Path != destPath || summary.Tiles != plan.TileCount() {
		t.Errorf("summary = %+v, want path %s and %d tiles", summary, destPath, plan.TileCount())
	}

	region, err := pm.OpenFile(destPath)
	if err != nil {
		t.Fatalf("OpenFile(region) failed: %v", err)
	}
	defer region.Close()

	header := region.Header()
	if header.MinZoom != 10 || header.MaxZoom != 12 {
		t.Errorf("region zoom range %d-%d, want 10-12", header.MinZoom, header.MaxZoom)
	}
	if diff := cmp.Diff(regionBounds, region.Bounds()); diff != "" {
		t.Errorf("region bounds mismatch (-want+got):\n%v", diff)
	}

	metadata, err := region.ReadMetadata(ctx)
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if got, want := string(metadata), `{"name":"synthetic"}`; got != want {
		t.Errorf("region metadata = %q, want %q", got, want)
	}

	for _, id := range tile.CoverRange(regionBounds, 10, 12) {
		got, err := region.ReadTile(ctx, id)
		if err != nil {
			t.Fatalf("ReadTile(%v) failed: %v", id, err)
		}
		if !cmp.Equal(got, sourceTiles[id]) {
			t.Errorf("ReadTile(%v) = %q, want %q", id, got, sourceTiles[id])
		}
	}

	// the world tile exists in the source but is outside the extracted zooms
	if _, err := region.ReadTile(ctx, tile.ID{X: 0, Y: 0, Z: 0}); !errors.Is(err, pm.ErrTileNotFound) {
		t.Errorf("ReadTile(0/0/0) = %v, want ErrTileNotFound", err)
	}
}

func TestExtractOverHTTPWithRetry(t *testing.T) {
	filePath, sourceTiles := buildSource(t, 0, 10)

	local, err := pm.OpenFile(filePath)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	tileDataOffset := local.Header().TileDataOffset
	local.Close()

	var failTileData atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end uint64
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, "range requests only", http.StatusBadRequest)
			return
		}
		if failTileData.Load() && start >= tileDataOffset {
			http.Error(w, "simulated outage", http.StatusInternalServerError)
			return
		}
		file, err := os.Open(filePath)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer file.Close()
		http.ServeContent(w, r, "source.pmtiles", time.Time{}, file)
	}))
	defer server.Close()

	ctx := context.Background()
	reader, err := pm.NewReader(ctx, pm.NewHTTPSource(server.Client(), server.URL))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	plan, err := extract.NewPlan(ctx, reader, regionBounds, extract.WithZoomRange(8, 10))
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}

	destPath := filepath.Join(t.TempDir(), "region.pmtiles")

	failTileData.Store(true)
	_, err = extract.Execute(ctx, reader, plan, destPath, extract.WithWorkers(2))
	if !errors.Is(err, extract.ErrExtractionFailed) {
		t.Fatalf("Execute during outage: err = %v, want ErrExtractionFailed", err)
	}
	// the transient cause stays inspectable through the extraction failure
	if !errors.Is(err, pm.ErrSourceUnavailable) {
		t.Fatalf("Execute during outage: err = %v, want wrapped ErrSourceUnavailable", err)
	}
	if _, err := os.Stat(destPath); !os.IsNotExist(err) {
		t.Fatalf("failed extraction left a file at %s", destPath)
	}
	if _, err := os.Stat(destPath + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("failed extraction left a temp file at %s", destPath+".tmp")
	}

	failTileData.Store(false)
	summary, err := extract.Execute(ctx, reader, plan, destPath, extract.WithWorkers(2))
	if err != nil {
		t.Fatalf("Execute retry failed: %v", err)
	}
	if summary.Tiles != plan.TileCount() {
		t.Errorf("summary.Tiles = %d, want %d", summary.Tiles, plan.TileCount())
	}

	region, err := pm.OpenFile(destPath)
	if err != nil {
		t.Fatalf("OpenFile(region) failed: %v", err)
	}
	defer region.Close()

	for _, id := range tile.CoverRange(regionBounds, 8, 10) {
		got, err := region.ReadTile(ctx, id)
		if err != nil {
			t.Fatalf("ReadTile(%v) failed: %v", id, err)
		}
		if !cmp.Equal(got, sourceTiles[id]) {
			t.Errorf("ReadTile(%v) = %q, want %q", id, got, sourceTiles[id])
		}
	}
}
