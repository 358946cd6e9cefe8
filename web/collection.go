// Package web hosts a localhost tile server over a collection of archive
// files and exposes the engine operations (extraction, download) that grow
// the collection.
package web

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/eak1mov/go-tilehost/pm"
	"github.com/eak1mov/go-tilehost/pm/spec"
	"github.com/eak1mov/go-tilehost/tile"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const archiveExt = ".pmtiles"

// Region describes one archive in the collection.
type Region struct {
	FileName string      `json:"file_name"`
	FileSize int64       `json:"file_size"`
	Bounds   tile.Bounds `json:"bounds"`
	MinZoom  uint8       `json:"min_zoom"`
	MaxZoom  uint8       `json:"max_zoom"`
}

type archiveSource struct {
	reader *pm.Reader
	path   string
	region Region
}

// Collection is the set of archives the server answers tile queries from.
// System archives (full downloads) live under system/, user extracts under
// user/. Serving and registration may proceed concurrently; each source is a
// read-only archive reader.
type Collection struct {
	root   string
	logger *slog.Logger

	mu      sync.RWMutex
	sources []*archiveSource
}

func NewCollection(root string, logger *slog.Logger) *Collection {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collection{root: root, logger: logger}
}

func (c *Collection) SystemDir() string { return filepath.Join(c.root, "system") }
func (c *Collection) UserDir() string   { return filepath.Join(c.root, "user") }

// NewUserArchivePath returns a fresh uniquely-named path for a user extract.
func (c *Collection) NewUserArchivePath() string {
	return filepath.Join(c.UserDir(), uuid.NewString()+archiveExt)
}

// Load scans the storage directories and registers every readable archive.
// Unreadable archives are skipped with a logged error, not fatal.
func (c *Collection) Load(ctx context.Context) error {
	for _, dir := range []string{c.SystemDir(), c.UserDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), archiveExt) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if _, err := c.Add(ctx, path); err != nil {
				c.logger.Error("tilehost: skipping archive", "path", path, "error", err)
			}
		}
	}

	c.mu.RLock()
	count := len(c.sources)
	c.mu.RUnlock()
	if count == 0 {
		c.logger.Warn("tilehost: no archives found", "root", c.root)
	} else {
		c.logger.Info("tilehost: archives loaded", "count", count)
	}
	return nil
}

// Add opens an archive file and registers it for serving.
func (c *Collection) Add(_ context.Context, path string) (Region, error) {
	reader, err := pm.OpenFile(path)
	if err != nil {
		return Region{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		reader.Close()
		return Region{}, err
	}

	header := reader.Header()
	region := Region{
		FileName: filepath.Base(path),
		FileSize: info.Size(),
		Bounds:   reader.Bounds(),
		MinZoom:  header.MinZoom,
		MaxZoom:  header.MaxZoom,
	}

	c.mu.Lock()
	c.sources = append(c.sources, &archiveSource{reader: reader, path: path, region: region})
	c.mu.Unlock()

	c.logger.Info("tilehost: archive added",
		"file", region.FileName, "zoom_min", region.MinZoom, "zoom_max", region.MaxZoom)
	return region, nil
}

// Remove unregisters and deletes a user extract by file name. System archives
// and paths outside the user directory are refused.
func (c *Collection) Remove(fileName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, source := range c.sources {
		if source.region.FileName == fileName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Errorf("no archive with file name %q", fileName)
	}

	source := c.sources[idx]
	inUserDir, err := pathWithinDir(source.path, c.UserDir())
	if err != nil {
		return err
	}
	if !inUserDir {
		return errors.Errorf("refusing to remove %q: only user extracts can be removed", fileName)
	}

	source.reader.Close()
	if err := os.Remove(source.path); err != nil {
		return err
	}
	c.sources = append(c.sources[:idx], c.sources[idx+1:]...)
	c.logger.Info("tilehost: archive removed", "file", fileName)
	return nil
}

// GetTile scans the sources in registration order and returns the first hit
// together with the owning archive's header (for content-type negotiation).
// Returns pm.ErrTileNotFound when no source has the tile.
func (c *Collection) GetTile(ctx context.Context, tileID tile.ID) ([]byte, spec.Header, error) {
	c.mu.RLock()
	sources := make([]*archiveSource, len(c.sources))
	copy(sources, c.sources)
	c.mu.RUnlock()

	for _, source := range sources {
		data, err := source.reader.ReadTile(ctx, tileID)
		if errors.Is(err, pm.ErrTileNotFound) {
			continue
		}
		if err != nil {
			return nil, spec.Header{}, err
		}
		return data, source.reader.Header(), nil
	}
	return nil, spec.Header{}, errors.Wrapf(pm.ErrTileNotFound, "%d/%d/%d", tileID.Z, tileID.X, tileID.Y)
}

// Regions lists the registered archives.
func (c *Collection) Regions() []Region {
	c.mu.RLock()
	defer c.mu.RUnlock()

	regions := make([]Region, 0, len(c.sources))
	for _, source := range c.sources {
		regions = append(regions, source.region)
	}
	return regions
}

// Close releases all archive readers.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, source := range c.sources {
		if err := source.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.sources = nil
	return firstErr
}

func pathWithinDir(path, dir string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false, err
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}
