// Package coord serializes file access against other processes that share
// the bookmark directory (the application's bookmark loader, other sync
// tooling). It is the advisory-lock rendition of a platform file
// coordinator: readers take shared locks, writers exclusive ones, and every
// lock lives on a hidden sidecar file next to the target so the target
// itself is never created or truncated by coordination.
package coord

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
)

// Intent describes one coordinated url.
type Intent struct {
	Path  string
	Write bool
}

// Reading returns a read intent for path.
func Reading(path string) Intent { return Intent{Path: path} }

// Writing returns a write intent for path.
func Writing(path string) Intent { return Intent{Path: path, Write: true} }

// Coordinator acquires advisory locks for groups of file intents.
type Coordinator struct{}

// New creates a Coordinator.
func New() *Coordinator { return &Coordinator{} }

// lockPath returns the sidecar lock file for target. The sidecar is hidden
// and carries no bookmark extension, so directory monitors never report it.
func lockPath(target string) string {
	dir, base := filepath.Split(target)
	return filepath.Join(dir, "."+base+".lock")
}

// Coordinate acquires every intent's lock, runs fn, and releases the locks
// in reverse order. Intents are sorted by path before acquisition so that
// concurrent callers locking overlapping sets cannot deadlock. Duplicate
// paths collapse into one lock, upgraded to exclusive if any intent writes.
func (c *Coordinator) Coordinate(intents []Intent, fn func() error) error {
	merged := make(map[string]bool, len(intents))
	for _, in := range intents {
		merged[in.Path] = merged[in.Path] || in.Write
	}

	paths := make([]string, 0, len(merged))
	for p := range merged {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	locks := make([]*flock.Flock, 0, len(paths))
	release := func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}

	for _, p := range paths {
		lp := lockPath(p)
		if err := os.MkdirAll(filepath.Dir(lp), 0o755); err != nil {
			release()
			return fmt.Errorf("coordinate %s: %w", p, err)
		}
		fl := flock.New(lp)
		var err error
		if merged[p] {
			err = fl.Lock()
		} else {
			err = fl.RLock()
		}
		if err != nil {
			release()
			return fmt.Errorf("coordinate %s: %w", p, err)
		}
		locks = append(locks, fl)
	}
	defer release()

	return fn()
}
