package web

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/eak1mov/go-tilehost/download"
	"github.com/eak1mov/go-tilehost/extract"
	"github.com/eak1mov/go-tilehost/pm"
	"github.com/eak1mov/go-tilehost/tile"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// Server is a localhost tile server backed by a collection of archive files.
// New regions arrive two ways: downloading an entire archive by URL (suitable
// for a low-resolution overview) or extracting a bounded region from the
// configured remote source (suitable for local full-resolution areas).
type Server struct {
	collection *Collection
	sourceURL  string
	client     *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	source *pm.Reader // lazily opened remote extraction source
}

type ServerOption func(*Server)

func WithHTTPClient(client *http.Client) ServerOption {
	return func(s *Server) { s.client = client }
}

func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer loads every archive under storageDir/tiles and prepares a server.
// extractSourceURL should point at a full-resolution archive suitable for
// running extracts against; it is not contacted until the first extraction.
func NewServer(storageDir, extractSourceURL string, opts ...ServerOption) (*Server, error) {
	server := &Server{
		sourceURL: extractSourceURL,
		client:    http.DefaultClient,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(server)
	}

	server.collection = NewCollection(filepath.Join(storageDir, "tiles"), server.logger)
	if err := server.collection.Load(context.Background()); err != nil {
		return nil, errors.Wrap(err, "loading tiles from storage")
	}
	return server, nil
}

func (s *Server) Collection() *Collection { return s.collection }

// Start serves HTTP on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	s.logger.Info("tilehost: server running", "addr", addr)
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router exposes the HTTP surface: tile lookup, region listing and health.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/tiles/{z}/{x}/{y}", s.handleTile).Methods(http.MethodGet)
	router.HandleFunc("/regions", s.handleRegions).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return router
}

// extractionSource opens the remote extraction source once and reuses it;
// its directory cache spans all plans against the same archive.
func (s *Server) extractionSource(ctx context.Context) (*pm.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source != nil {
		return s.source, nil
	}
	reader, err := pm.NewReader(ctx, pm.NewHTTPSource(s.client, s.sourceURL))
	if err != nil {
		return nil, errors.Wrapf(err, "opening extraction source %s", s.sourceURL)
	}
	s.source = reader
	return reader, nil
}

// PrepareExtract computes an extraction plan for bounds against the remote
// source. The plan carries size and tile-count estimates and performs no
// tile-data fetches.
func (s *Server) PrepareExtract(ctx context.Context, bounds tile.Bounds, opts ...extract.PlanOption) (*extract.Plan, error) {
	reader, err := s.extractionSource(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("tilehost: preparing extraction", "bounds", bounds)
	plan, err := extract.NewPlan(ctx, reader, bounds, opts...)
	if err != nil {
		return nil, err
	}
	s.logger.Info("tilehost: extraction planned",
		"tiles", plan.TileCount(), "ranges", plan.RangeCount(), "bytes", plan.TileDataLength())
	return plan, nil
}

// ExtractRegion executes a plan into a new uniquely-named user archive and
// registers it for serving.
func (s *Server) ExtractRegion(ctx context.Context, plan *extract.Plan, opts ...extract.ExecuteOption) (Region, error) {
	reader, err := s.extractionSource(ctx)
	if err != nil {
		return Region{}, err
	}

	destPath := s.collection.NewUserArchivePath()
	opts = append(opts, extract.WithLogger(s.logger))
	summary, err := extract.Execute(ctx, reader, plan, destPath, opts...)
	if err != nil {
		return Region{}, err
	}
	return s.collection.Add(ctx, summary.Path)
}

// RemoveExtract deletes a previously extracted user archive by file name.
func (s *Server) RemoveExtract(fileName string) error {
	return s.collection.Remove(fileName)
}

// DownloadSystemArchiveIfNecessary fetches a full archive into the system
// directory unless a valid copy already exists, then registers it.
func (s *Server) DownloadSystemArchiveIfNecessary(ctx context.Context, url, localName string, opts ...download.Option) (Region, error) {
	// Load only picks up *.pmtiles, so any other name would serve until the
	// next restart and then silently vanish
	if !strings.HasSuffix(localName, archiveExt) {
		return Region{}, errors.Errorf("system archive name %q must end in %s", localName, archiveExt)
	}

	destPath := filepath.Join(s.collection.SystemDir(), localName)
	opts = append(opts, download.WithClient(s.client), download.WithLogger(s.logger))
	path, err := download.IfNecessary(ctx, url, destPath, opts...)
	if err != nil {
		return Region{}, err
	}

	for _, region := range s.collection.Regions() {
		if region.FileName == localName {
			return region, nil
		}
	}
	return s.collection.Add(ctx, path)
}

// Close releases the collection and the remote source.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.source != nil {
		s.source.Close()
		s.source = nil
	}
	s.mu.Unlock()
	return s.collection.Close()
}
