// Package orchestrator executes the actions produced by the reconciliation
// engine against the local directory and the cloud replica. One background
// worker drains batches action by action; a failed action is surfaced and
// skipped, never aborting its siblings, because the next monitor
// observation re-derives whatever is still outstanding.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kirylkaveryn/organicmaps/internal/cache"
	"github.com/kirylkaveryn/organicmaps/internal/cloud"
	"github.com/kirylkaveryn/organicmaps/internal/conflict"
	"github.com/kirylkaveryn/organicmaps/internal/coord"
	"github.com/kirylkaveryn/organicmaps/internal/engine"
	"github.com/kirylkaveryn/organicmaps/internal/logging"
	"github.com/kirylkaveryn/organicmaps/internal/metrics"
	"github.com/kirylkaveryn/organicmaps/internal/models"
	"github.com/kirylkaveryn/organicmaps/internal/syncerr"
)

// BookmarkLoader re-reads the local directory into the application's
// in-memory model. Load must invoke done exactly once when finished.
type BookmarkLoader interface {
	Load(done func())
}

// Config wires an Orchestrator.
type Config struct {
	LocalDir string
	Device   string
	Store    cloud.Store
	Cache    *cache.Cache
	Loader   BookmarkLoader

	// OnError receives every failed action's classified error.
	OnError func(error)
	// OnInitialSyncDone persists the initial-sync flag.
	OnInitialSyncDone func()
}

// Orchestrator owns the background work queue.
type Orchestrator struct {
	cfg      Config
	coord    *coord.Coordinator
	resolver *conflict.Resolver

	queue chan []engine.Action
	done  chan struct{}
	wg    sync.WaitGroup

	mu              sync.Mutex
	inProgress      bool
	reloadBookmarks bool
}

// New creates an Orchestrator. Start must be called before Submit.
func New(cfg Config) *Orchestrator {
	coordinator := coord.New()
	return &Orchestrator{
		cfg:   cfg,
		coord: coordinator,
		resolver: &conflict.Resolver{
			Store:    cfg.Store,
			Coord:    coordinator,
			LocalDir: cfg.LocalDir,
			Device:   cfg.Device,
		},
		queue: make(chan []engine.Action, 16),
		done:  make(chan struct{}),
	}
}

// Start launches the background worker.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.run()
}

// Stop drains nothing: queued batches are abandoned, but the batch being
// executed runs to completion before the worker exits.
func (o *Orchestrator) Stop() {
	close(o.done)
	o.wg.Wait()
}

// Submit enqueues one reconcile pass's actions. An empty batch is a
// no-op. A full queue drops the batch instead of blocking the caller (a
// monitor callback): the dropped work is re-derived from observed state on
// the next update.
func (o *Orchestrator) Submit(actions []engine.Action) {
	if len(actions) == 0 {
		return
	}
	o.mu.Lock()
	o.inProgress = true
	o.mu.Unlock()

	select {
	case o.queue <- actions:
	case <-o.done:
	default:
		logging.L().Warn("work queue full, dropping batch",
			zap.Int("actions", len(actions)))
	}
}

// InProgress reports whether a batch is queued or executing.
func (o *Orchestrator) InProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inProgress
}

func (o *Orchestrator) run() {
	defer o.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-o.done:
			return
		case batch := <-o.queue:
			start := time.Now()
			for _, action := range batch {
				err := o.execute(ctx, action)
				metrics.RecordActionExecuted(action.Name(), err)
				if err != nil {
					classified := syncerr.Classify(err)
					logging.L().Warn("action failed",
						zap.String("action", action.Name()),
						zap.Error(classified))
					if o.cfg.OnError != nil {
						o.cfg.OnError(classified)
					}
				}
			}
			o.finishBatch()
			metrics.RecordBatch(time.Since(start))
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, action engine.Action) error {
	switch a := action.(type) {
	case engine.CreateLocal:
		return o.writeLocal(a.Item)
	case engine.UpdateLocal:
		return o.writeLocal(a.Item)
	case engine.RemoveLocal:
		return o.removeLocal(a.Item)
	case engine.StartDownload:
		o.cfg.Cache.StartDownload(ctx, o.cfg.Store, a.Item.Key, a.Item.Name, a.Item.ETag, a.Item.Size)
		metrics.RecordDownloadStarted()
		return nil
	case engine.CreateCloud:
		return o.writeCloud(ctx, a.Item, false)
	case engine.UpdateCloud:
		return o.writeCloud(ctx, a.Item, true)
	case engine.RemoveCloud:
		return o.removeCloud(ctx, a.Item)
	case engine.ResolveVersionConflict:
		changed, err := o.resolver.ResolveVersions(ctx, a.Item)
		if err != nil {
			return err
		}
		if changed {
			o.markReload()
			metrics.RecordConflictResolved("version")
		}
		return nil
	case engine.ResolveInitialCollision:
		if _, err := o.resolver.ResolveInitialCollision(a.Item); err != nil {
			return err
		}
		o.markReload()
		metrics.RecordConflictResolved("initial")
		return nil
	case engine.InitialSyncCompleted:
		if o.cfg.OnInitialSyncDone != nil {
			o.cfg.OnInitialSyncDone()
		}
		return nil
	case engine.ReportError:
		if o.cfg.OnError != nil {
			o.cfg.OnError(syncerr.Classify(a.Err))
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", action.Name())
	}
}

// writeLocal copies materialized cloud bytes into the local directory and
// stamps the target with the cloud item's modification date.
func (o *Orchestrator) writeLocal(item models.CloudItem) error {
	if !item.Downloaded || item.URL == "" {
		return syncerr.Newf(syncerr.KindFileUnavailable,
			"%s is not materialized", item.Name)
	}
	dst := filepath.Join(o.cfg.LocalDir, item.Name)

	err := o.coord.Coordinate([]coord.Intent{
		coord.Reading(item.URL),
		coord.Writing(dst),
	}, func() error {
		if err := copyFileAtomic(item.URL, dst); err != nil {
			return err
		}
		return os.Chtimes(dst, item.Modified, item.Modified)
	})
	if err != nil {
		return fmt.Errorf("write local %s: %w", item.Name, err)
	}

	metrics.RecordDownload(item.Size)
	o.markReload()
	return nil
}

// removeLocal deletes the local shadow of a trashed cloud item. A file
// that is already gone counts as success.
func (o *Orchestrator) removeLocal(item models.CloudItem) error {
	dst := filepath.Join(o.cfg.LocalDir, item.Name)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return nil
	}

	err := o.coord.Coordinate([]coord.Intent{coord.Writing(dst)}, func() error {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove local %s: %w", item.Name, err)
	}

	o.cfg.Cache.Remove(item.Name)
	o.markReload()
	return nil
}

// writeCloud uploads local bytes, stamping the object with the local
// item's modification date. Updates first settle any version conflict the
// replica accumulated; when one was settled the upload is skipped, because
// the winning bytes just changed under us and the next observation decides
// what is still newer.
func (o *Orchestrator) writeCloud(ctx context.Context, item models.LocalItem, update bool) error {
	if _, err := o.cfg.Store.ContainerURL(ctx); err != nil {
		return err
	}

	if update {
		changed, err := o.resolver.ResolveVersions(ctx, models.CloudItem{
			Name: item.Name,
			Key:  item.Name,
		})
		if err != nil {
			return err
		}
		if changed {
			o.markReload()
			metrics.RecordConflictResolved("version")
			return nil
		}
	}

	err := o.coord.Coordinate([]coord.Intent{coord.Reading(item.URL)}, func() error {
		f, err := os.Open(item.URL)
		if err != nil {
			return err
		}
		defer f.Close()
		return o.cfg.Store.Put(ctx, item.Name, f, item.Size, item.Modified, item.Type)
	})
	if err != nil {
		return fmt.Errorf("write cloud %s: %w", item.Name, err)
	}

	metrics.RecordUpload(item.Size)
	return nil
}

// removeCloud moves the object into the replica's trash directory. The
// trash refuses name collisions and offers no rename, so a same-named
// tombstone is purged first. A missing source counts as success.
func (o *Orchestrator) removeCloud(ctx context.Context, item models.LocalItem) error {
	key := item.Name
	trashKey := cloud.TrashKey(item.Name)

	exists, err := o.cfg.Store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if occupied, err := o.cfg.Store.Exists(ctx, trashKey); err == nil && occupied {
		if err := o.cfg.Store.Delete(ctx, trashKey); err != nil {
			return fmt.Errorf("purge trash %s: %w", item.Name, err)
		}
	}
	if err := o.cfg.Store.Copy(ctx, key, trashKey); err != nil {
		return fmt.Errorf("trash %s: %w", item.Name, err)
	}
	if err := o.cfg.Store.Delete(ctx, key); err != nil {
		return fmt.Errorf("remove trashed %s: %w", item.Name, err)
	}

	o.cfg.Cache.Remove(item.Name)
	return nil
}

func (o *Orchestrator) markReload() {
	o.mu.Lock()
	o.reloadBookmarks = true
	o.mu.Unlock()
}

// finishBatch clears the in-progress flag and, when an action of the batch
// marked a reload (a local write or removal, or a settled conflict), asks
// the bookmark loader to reload and waits on a single-permit semaphore for
// its completion callback.
func (o *Orchestrator) finishBatch() {
	o.mu.Lock()
	reload := o.reloadBookmarks
	o.reloadBookmarks = false
	o.mu.Unlock()

	if reload && o.cfg.Loader != nil {
		metrics.RecordBookmarkReload()
		permit := make(chan struct{}, 1)
		o.cfg.Loader.Load(func() { permit <- struct{}{} })
		select {
		case <-permit:
		case <-o.done:
		}
	}

	o.mu.Lock()
	if len(o.queue) == 0 {
		o.inProgress = false
	}
	o.mu.Unlock()
}

// copyFileAtomic copies src over dst with atomic-replace semantics.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".write-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
