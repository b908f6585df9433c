package monitor

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kirylkaveryn/organicmaps/internal/logging"
	"github.com/kirylkaveryn/organicmaps/internal/models"
)

// Local watches the bookmark directory through fsnotify, coalescing bursts
// of file-system notifications into one full re-scan per quiet window.
type Local struct {
	dir      string
	ext      string
	coalesce time.Duration
	sink     LocalSink

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	started bool
	paused  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLocal creates a local monitor for files with the given extension
// (e.g. ".kml") under dir.
func NewLocal(dir, ext string, coalesce time.Duration, sink LocalSink) *Local {
	if coalesce <= 0 {
		coalesce = time.Second
	}
	return &Local{
		dir:      dir,
		ext:      ext,
		coalesce: coalesce,
		sink:     sink,
	}
}

// Start performs the initial full scan, emits FinishedGathering, and
// begins watching for changes.
func (l *Local) Start() error {
	l.mu.Lock()

	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("local monitor already started")
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create bookmarks dir %s: %w", l.dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		l.mu.Unlock()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	inv, err := l.scan()
	if err != nil {
		watcher.Close()
		l.mu.Unlock()
		return err
	}

	l.watcher = watcher
	l.started = true
	l.paused = false
	l.done = make(chan struct{})

	l.wg.Add(1)
	go l.loop(watcher, l.done)
	l.mu.Unlock()

	l.sink.LocalFinishedGathering(inv)
	return nil
}

// Stop tears the watcher down. Safe to call when not started.
func (l *Local) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	close(l.done)
	l.watcher.Close()
	l.mu.Unlock()

	l.wg.Wait()
}

// Pause suppresses updates without dropping the watcher.
func (l *Local) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

// Resume re-enables updates and re-scans immediately so changes made while
// paused are observed.
func (l *Local) Resume() {
	l.mu.Lock()
	if !l.started || !l.paused {
		l.mu.Unlock()
		return
	}
	l.paused = false
	l.mu.Unlock()

	l.emitRescan()
}

// Refresh forces an immediate full re-scan.
func (l *Local) Refresh() {
	l.emitRescan()
}

func (l *Local) loop(watcher *fsnotify.Watcher, done chan struct{}) {
	defer l.wg.Done()

	// The timer is armed by relevant events and fires once the burst goes
	// quiet for a full coalesce window.
	timer := time.NewTimer(l.coalesce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-done:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !l.relevant(event) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.coalesce)

		case <-timer.C:
			l.emitRescan()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.sink.LocalFailed(err)
		}
	}
}

// relevant filters watcher noise: only create, write, remove and rename
// events on files with the monitored extension count.
func (l *Local) relevant(event fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Ext(event.Name), l.ext) {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

func (l *Local) emitRescan() {
	l.mu.Lock()
	if !l.started || l.paused {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	inv, err := l.scan()
	if err != nil {
		logging.L().Warn("local rescan failed", zap.Error(err))
		l.sink.LocalFailed(err)
		return
	}
	l.sink.LocalUpdated(inv)
}

// scan builds a complete inventory of the bookmark directory.
func (l *Local) scan() (models.LocalInventory, error) {
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", l.dir, err)
	}

	inv := models.LocalInventory{}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), l.ext) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue // removed mid-scan
		}
		inv[name] = models.LocalItem{
			Name:     name,
			URL:      filepath.Join(l.dir, name),
			Size:     info.Size(),
			Type:     contentType(l.ext),
			Created:  info.ModTime(),
			Modified: info.ModTime(),
		}
	}
	return inv, nil
}

func contentType(ext string) string {
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
