package main

import (
	"context"
	"flag"
	"log"

	"github.com/eak1mov/go-tilehost/download"
	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
)

type downloadCmd struct {
	url        string
	outputPath string
	verify     bool
}

func (c *downloadCmd) Name() string     { return "download" }
func (c *downloadCmd) Synopsis() string { return "download a full archive if not already present" }
func (c *downloadCmd) Usage() string {
	return "tilehost download -u <url> -o <path> [-verify]\n"
}
func (c *downloadCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.url, "u", "", "Archive URL")
	f.StringVar(&c.outputPath, "o", "", "Output file path")
	f.BoolVar(&c.verify, "verify", false, "Compare an existing local file's size against the remote")
}

func (c *downloadCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.url == "" || c.outputPath == "" {
		log.Print(c.Usage())
		return subcommands.ExitUsageError
	}

	var bar *progressbar.ProgressBar
	opts := []download.Option{
		download.WithProgress(func(received, total int64) {
			if bar == nil {
				bar = progressbar.DefaultBytes(total)
			}
			bar.Set64(received)
		}),
	}
	if c.verify {
		opts = append(opts, download.WithRemoteSizeCheck())
	}

	path, err := download.IfNecessary(ctx, c.url, c.outputPath, opts...)
	if err != nil {
		log.Printf("download failed: %v", err)
		return subcommands.ExitFailure
	}

	log.Printf("archive available at %s", path)
	return subcommands.ExitSuccess
}
