package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eak1mov/go-tilehost/web"
	"github.com/google/subcommands"
)

type serveCmd struct {
	storageDir string
	sourceURL  string
	addr       string
}

func (c *serveCmd) Name() string     { return "serve" }
func (c *serveCmd) Synopsis() string { return "serve tiles from local archives over HTTP" }
func (c *serveCmd) Usage() string {
	return "tilehost serve -d <storage-dir> [-s <extract-source-url> -a <addr>]\n"
}
func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.storageDir, "d", "", "Storage directory for archives")
	f.StringVar(&c.sourceURL, "s", "", "Remote archive URL used for region extracts")
	f.StringVar(&c.addr, "a", "127.0.0.1:9123", "Listen address")
}

func (c *serveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.storageDir == "" {
		log.Print(c.Usage())
		return subcommands.ExitUsageError
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	server, err := web.NewServer(c.storageDir, c.sourceURL, web.WithServerLogger(logger))
	if err != nil {
		log.Printf("failed to start: %v", err)
		return subcommands.ExitFailure
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx, c.addr); err != nil {
		log.Printf("server failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
