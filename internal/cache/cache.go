// Package cache materializes cloud object bytes on the local disk before
// the orchestrator consumes them. A cloud item counts as downloaded only
// when the cache holds bytes for its current ETag; anything else must go
// through StartDownload first.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kirylkaveryn/organicmaps/internal/cloud"
	"github.com/kirylkaveryn/organicmaps/internal/logging"
)

const manifestName = "manifest.json"

// entry records one materialized object.
type entry struct {
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

// download tracks one in-flight materialization.
type download struct {
	total   int64
	written atomic.Int64
}

// Cache is the download cache. Safe for concurrent use.
type Cache struct {
	dir string

	mu       sync.RWMutex
	entries  map[string]entry // file name -> materialized version
	inflight map[string]*download
}

// New opens the cache at dir, creating it if needed and loading the
// manifest of previously materialized objects. Manifest entries whose
// bytes vanished are dropped.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{
		dir:      dir,
		entries:  make(map[string]entry),
		inflight: make(map[string]*download),
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err == nil {
		var persisted map[string]entry
		if err := json.Unmarshal(data, &persisted); err == nil {
			for name, e := range persisted {
				if _, statErr := os.Stat(filepath.Join(dir, name)); statErr == nil {
					c.entries[name] = e
				}
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read cache manifest: %w", err)
	}

	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Path returns the materialized path for name when present.
func (c *Cache) Path(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.entries[name]; !ok {
		return "", false
	}
	return filepath.Join(c.dir, name), true
}

// Downloaded reports whether name is materialized at exactly etag.
func (c *Cache) Downloaded(name, etag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return ok && e.ETag == etag
}

// Fraction returns the progress of an in-flight download, and whether one
// is running.
func (c *Cache) Fraction(name string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.inflight[name]
	if !ok {
		return 0, false
	}
	if d.total <= 0 {
		return 0, true
	}
	frac := float64(d.written.Load()) / float64(d.total)
	if frac > 1 {
		frac = 1
	}
	return frac, true
}

// StartDownload materializes the object at key under name asynchronously. A
// download already running for the same name is left alone. Completion is
// observed through the next cloud monitor poll, not through a callback.
func (c *Cache) StartDownload(ctx context.Context, store cloud.Store, key, name, etag string, size int64) {
	c.mu.Lock()
	if _, running := c.inflight[name]; running {
		c.mu.Unlock()
		return
	}
	if e, ok := c.entries[name]; ok && e.ETag == etag {
		c.mu.Unlock()
		return
	}
	d := &download{total: size}
	c.inflight[name] = d
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, name)
			c.mu.Unlock()
		}()
		if err := c.fetch(ctx, store, key, name, d); err != nil {
			logging.L().Warn("download failed",
				zap.String("name", name), zap.Error(err))
		}
	}()
}

// fetch copies object bytes to a temp file and renames into place.
func (c *Cache) fetch(ctx context.Context, store cloud.Store, key, name string, d *download) error {
	body, info, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()
	d.total = info.Size

	tmp, err := os.CreateTemp(c.dir, ".download-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(io.MultiWriter(tmp, progressWriter{d}), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}

	target := filepath.Join(c.dir, name)
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	if !info.Modified.IsZero() {
		os.Chtimes(target, info.Modified, info.Modified)
	}

	c.mu.Lock()
	c.entries[name] = entry{ETag: info.ETag, Size: written}
	c.saveManifestLocked()
	c.mu.Unlock()
	return nil
}

// Remove drops the materialized bytes for name.
func (c *Cache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; !ok {
		return
	}
	os.Remove(filepath.Join(c.dir, name))
	delete(c.entries, name)
	c.saveManifestLocked()
}

// saveManifestLocked persists the entry table. Must hold mu.
func (c *Cache) saveManifestLocked() {
	data, err := json.Marshal(c.entries)
	if err != nil {
		return
	}
	tmp := filepath.Join(c.dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, filepath.Join(c.dir, manifestName))
}

type progressWriter struct {
	d *download
}

func (w progressWriter) Write(p []byte) (int, error) {
	w.d.written.Add(int64(len(p)))
	return len(p), nil
}
