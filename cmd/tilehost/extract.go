package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"strings"

	"github.com/eak1mov/go-tilehost/extract"
	"github.com/eak1mov/go-tilehost/pm"
	"github.com/eak1mov/go-tilehost/tile"
	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
)

type extractCmd struct {
	sourcePath string
	outputPath string
	north      float64
	east       float64
	south      float64
	west       float64
	minZoom    int
	maxZoom    int
}

func (c *extractCmd) Name() string     { return "extract" }
func (c *extractCmd) Synopsis() string { return "extract a bounded region into a new archive" }
func (c *extractCmd) Usage() string {
	return "tilehost extract -i <path-or-url> -o <path> -n <lat> -e <lon> -s <lat> -w <lon> [-zmin <z> -zmax <z>]\n"
}
func (c *extractCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.sourcePath, "i", "", "Source archive path or URL")
	f.StringVar(&c.outputPath, "o", "", "Output archive path")
	f.Float64Var(&c.north, "n", 0, "North bound (degrees)")
	f.Float64Var(&c.east, "e", 0, "East bound (degrees)")
	f.Float64Var(&c.south, "s", 0, "South bound (degrees)")
	f.Float64Var(&c.west, "w", 0, "West bound (degrees)")
	f.IntVar(&c.minZoom, "zmin", -1, "Minimum zoom (default: source minimum)")
	f.IntVar(&c.maxZoom, "zmax", -1, "Maximum zoom (default: source maximum)")
}

// zoomRangeOptions turns the -zmin/-zmax flags (-1 = unset) into plan
// options. The flags are only meaningful together.
func zoomRangeOptions(minZoom, maxZoom int) ([]extract.PlanOption, error) {
	switch {
	case minZoom < 0 && maxZoom < 0:
		return nil, nil
	case minZoom < 0 || maxZoom < 0:
		return nil, errors.New("-zmin and -zmax must be given together")
	}
	return []extract.PlanOption{extract.WithZoomRange(uint8(minZoom), uint8(maxZoom))}, nil
}

func (c *extractCmd) openSource(ctx context.Context) (*pm.Reader, error) {
	if strings.HasPrefix(c.sourcePath, "http://") || strings.HasPrefix(c.sourcePath, "https://") {
		return pm.NewReader(ctx, pm.NewHTTPSource(http.DefaultClient, c.sourcePath))
	}
	return pm.OpenFile(c.sourcePath)
}

func (c *extractCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.sourcePath == "" || c.outputPath == "" {
		log.Print(c.Usage())
		return subcommands.ExitUsageError
	}

	bounds, err := tile.NewBounds(c.north, c.east, c.south, c.west)
	if err != nil {
		log.Printf("invalid bounds: %v", err)
		return subcommands.ExitUsageError
	}

	planOpts, err := zoomRangeOptions(c.minZoom, c.maxZoom)
	if err != nil {
		log.Printf("invalid zoom range: %v", err)
		return subcommands.ExitUsageError
	}

	reader, err := c.openSource(ctx)
	if err != nil {
		log.Printf("failed to open source: %v", err)
		return subcommands.ExitFailure
	}
	defer reader.Close()

	plan, err := extract.NewPlan(ctx, reader, bounds, planOpts...)
	if err != nil {
		log.Printf("planning failed: %v", err)
		return subcommands.ExitFailure
	}
	log.Printf("plan: %d tiles, %d ranges, %.2f MB tile data",
		plan.TileCount(), plan.RangeCount(), float64(plan.TileDataLength())/(1<<20))

	bar := progressbar.New(plan.TileCount())
	summary, err := extract.Execute(ctx, reader, plan, c.outputPath,
		extract.WithProgress(func(done, _ int) { bar.Set(done) }))
	if err != nil {
		log.Printf("extraction failed: %v", err)
		return subcommands.ExitFailure
	}

	log.Printf("wrote %s: %d tiles, %d bytes", summary.Path, summary.Tiles, summary.ArchiveBytes)
	return subcommands.ExitSuccess
}
