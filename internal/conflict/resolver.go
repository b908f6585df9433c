package conflict

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kirylkaveryn/organicmaps/internal/cloud"
	"github.com/kirylkaveryn/organicmaps/internal/coord"
	"github.com/kirylkaveryn/organicmaps/internal/logging"
	"github.com/kirylkaveryn/organicmaps/internal/models"
)

// Resolver executes the two conflict-resolution procedures. Cloud-side
// resolution serializes through the orchestrator's action queue; local
// copies additionally take coordinated locks because the bookmark loader
// shares the directory.
type Resolver struct {
	Store    cloud.Store
	Coord    *coord.Coordinator
	LocalDir string
	Device   string
}

// ResolveVersions settles a cloud object that accumulated multiple
// unresolved versions: the currently served bytes survive under a fresh
// name, the version with the greatest modification date becomes current,
// and every superseded version is discarded. Returns whether the replica
// changed (an observer racing us to the same resolution also counts as
// changed, so callers refresh their view either way).
func (r *Resolver) ResolveVersions(ctx context.Context, item models.CloudItem) (bool, error) {
	versions, err := r.Store.Versions(ctx, item.Key)
	if err != nil {
		return false, err
	}
	if len(versions) <= 1 {
		return false, nil
	}

	latest := versions[0]
	var current cloud.Version
	for _, v := range versions {
		if v.Modified.After(latest.Modified) {
			latest = v
		}
		if v.Current {
			current = v
		}
	}

	if latest.ID == current.ID {
		// The served version already wins; just settle the history.
		for _, v := range versions {
			if v.ID == current.ID {
				continue
			}
			if err := r.Store.DiscardVersion(ctx, item.Key, v.ID); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	freshName := NextName(item.Name, r.cloudExists(ctx))
	freshKey := freshName

	// An observer may have resolved the same conflict between our listing
	// and now; a fresh name that sprang into existence means exactly that.
	if ok, err := r.Store.Exists(ctx, freshKey); err == nil && ok {
		logging.L().Info("version conflict already resolved elsewhere",
			zap.String("name", item.Name), zap.String("fresh", freshName))
		return true, nil
	}

	if err := r.Store.Copy(ctx, item.Key, freshKey); err != nil {
		return false, fmt.Errorf("preserve conflicting copy %s: %w", freshName, err)
	}
	if err := r.Store.PromoteVersion(ctx, item.Key, latest.ID); err != nil {
		return false, fmt.Errorf("promote winning version of %s: %w", item.Name, err)
	}
	for _, v := range versions {
		if err := r.Store.DiscardVersion(ctx, item.Key, v.ID); err != nil {
			return false, err
		}
	}

	logging.L().Info("resolved version conflict",
		zap.String("name", item.Name),
		zap.String("winner", latest.ID),
		zap.String("loser_saved_as", freshName))
	return true, nil
}

// ResolveInitialCollision preserves a local file's independent history by
// copying it to a device-suffixed name in the local directory, keeping the
// original's modification date. Returns the copy's path.
func (r *Resolver) ResolveInitialCollision(item models.LocalItem) (string, error) {
	freshPath := DeviceCopyName(item.URL, r.Device, func(candidate string) bool {
		_, err := os.Stat(candidate)
		return err == nil
	})

	err := r.Coord.Coordinate([]coord.Intent{
		coord.Reading(item.URL),
		coord.Writing(freshPath),
	}, func() error {
		if err := copyFile(item.URL, freshPath); err != nil {
			return err
		}
		return os.Chtimes(freshPath, item.Modified, item.Modified)
	})
	if err != nil {
		return "", fmt.Errorf("preserve local copy of %s: %w", item.Name, err)
	}

	logging.L().Info("preserved local history",
		zap.String("name", item.Name),
		zap.String("copy", filepath.Base(freshPath)))
	return freshPath, nil
}

func (r *Resolver) cloudExists(ctx context.Context) ExistsFunc {
	return func(candidate string) bool {
		ok, err := r.Store.Exists(ctx, candidate)
		return err == nil && ok
	}
}

// copyFile copies src to dst atomically via a hidden temp file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".copy-*.tmp")
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
