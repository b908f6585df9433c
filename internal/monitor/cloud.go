package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kirylkaveryn/organicmaps/internal/cache"
	"github.com/kirylkaveryn/organicmaps/internal/cloud"
	"github.com/kirylkaveryn/organicmaps/internal/logging"
	"github.com/kirylkaveryn/organicmaps/internal/metrics"
	"github.com/kirylkaveryn/organicmaps/internal/models"
)

// Cloud polls the cloud store and reports inventory snapshots. Listing
// diffs keep no-op polls silent; download state is read from the download
// cache on every poll, so a finished download surfaces as a regular
// update.
type Cloud struct {
	store    cloud.Store
	cache    *cache.Cache
	ext      string
	interval time.Duration
	sink     CloudSink

	mu        sync.Mutex
	started   bool
	paused    bool
	gathered  bool
	last      models.CloudInventory
	forceNext bool
	cancel    context.CancelFunc

	kick chan struct{}
	wg   sync.WaitGroup
}

// NewCloud creates a cloud monitor polling store every interval.
func NewCloud(store cloud.Store, dlCache *cache.Cache, ext string, interval time.Duration, sink CloudSink) *Cloud {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Cloud{
		store:    store,
		cache:    dlCache,
		ext:      ext,
		interval: interval,
		sink:     sink,
	}
}

// Start begins polling. The first successful listing emits
// FinishedGathering; later listings emit Updated when something changed.
func (c *Cloud) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("cloud monitor already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !c.store.Available(ctx) {
		cancel()
		return fmt.Errorf("cloud replica unavailable")
	}

	c.started = true
	c.paused = false
	c.gathered = false
	c.last = nil
	c.cancel = cancel
	c.kick = make(chan struct{}, 1)

	c.wg.Add(1)
	go c.loop(ctx)
	return nil
}

// Stop cancels polling. Safe to call when not started.
func (c *Cloud) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
}

// Pause suppresses polling without tearing the loop down.
func (c *Cloud) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume re-enables polling and forces the next poll to emit even when
// nothing changed, giving the engine a re-derivation point after a gap.
func (c *Cloud) Resume() {
	c.mu.Lock()
	if !c.started || !c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = false
	c.forceNext = true
	kick := c.kick
	c.mu.Unlock()

	select {
	case kick <- struct{}{}:
	default:
	}
}

// Refresh forces a poll outside the regular cadence.
func (c *Cloud) Refresh() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	kick := c.kick
	c.mu.Unlock()

	select {
	case kick <- struct{}{}:
	default:
	}
}

// Started reports whether the monitor is running.
func (c *Cloud) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Paused reports whether updates are suppressed.
func (c *Cloud) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Available reports replica reachability.
func (c *Cloud) Available() bool {
	return c.store.Available(context.Background())
}

// ContainerURL resolves the cloud container.
func (c *Cloud) ContainerURL(ctx context.Context) (string, error) {
	return c.store.ContainerURL(ctx)
}

func (c *Cloud) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		case <-c.kick:
			c.poll(ctx)
		}
	}
}

func (c *Cloud) poll(ctx context.Context) {
	c.mu.Lock()
	if !c.started || c.paused {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	start := time.Now()
	infos, err := c.store.List(ctx)
	metrics.RecordCloudPoll(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.L().Warn("cloud poll failed", zap.Error(err))
		c.sink.CloudFailed(err)
		return
	}

	inv := c.buildInventory(infos)

	c.mu.Lock()
	if !c.started || c.paused {
		c.mu.Unlock()
		return
	}
	first := !c.gathered
	changed := c.forceNext || !inventoriesEqual(c.last, inv)
	c.gathered = true
	c.forceNext = false
	c.last = inv
	c.mu.Unlock()

	switch {
	case first:
		c.sink.CloudFinishedGathering(inv)
	case changed:
		c.sink.CloudUpdated(inv)
	}
}

// buildInventory converts a listing into an inventory keyed by file name.
// When a name exists both live and in trash, the live object wins the key:
// the replica is in the middle of a create-over-delete and the tombstone
// is stale.
func (c *Cloud) buildInventory(infos []cloud.ObjectInfo) models.CloudInventory {
	inv := models.CloudInventory{}
	for _, info := range infos {
		name := info.Name()
		if !strings.EqualFold(filepath.Ext(name), c.ext) {
			continue
		}
		if existing, ok := inv[name]; ok && !existing.InTrash {
			continue
		}

		item := models.CloudItem{
			Name:     name,
			Key:      info.Key,
			Size:     info.Size,
			Type:     info.ContentType,
			Created:  info.Modified,
			Modified: info.Modified,
			ETag:     info.ETag,
			InTrash:  info.InTrash(),
		}
		if !item.InTrash {
			item.Downloaded = c.cache.Downloaded(name, info.ETag)
			if item.Downloaded {
				if path, ok := c.cache.Path(name); ok {
					item.URL = path
				}
			} else if frac, running := c.cache.Fraction(name); running {
				item.DownloadFraction = frac
			}
		}
		inv[name] = item
	}
	return inv
}

// inventoriesEqual ignores download progress so an in-flight download does
// not emit an update per poll; the flip to downloaded still does.
func inventoriesEqual(a, b models.CloudInventory) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ai := range a {
		bi, ok := b[name]
		if !ok {
			return false
		}
		if ai.Key != bi.Key || ai.ETag != bi.ETag || ai.Size != bi.Size ||
			ai.InTrash != bi.InTrash || ai.Downloaded != bi.Downloaded ||
			!ai.Modified.Equal(bi.Modified) {
			return false
		}
	}
	return true
}
