// Package cloud abstracts the cloud replica of the bookmark directory: a
// flat set of objects under a container, a reserved trash prefix, and
// per-object version history.
package cloud

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// TrashDir is the reserved trash directory inside the container. Deleting
// on the cloud side means moving the object under this prefix.
const TrashDir = ".Trash"

// ErrContainerNotFound is returned when the container cannot be resolved.
var ErrContainerNotFound = errors.New("cloud container not found")

// ErrObjectNotFound is returned for reads of missing objects.
var ErrObjectNotFound = errors.New("cloud object not found")

// ObjectInfo describes one object in the container.
type ObjectInfo struct {
	// Key is the object key relative to the container prefix, e.g.
	// "a.kml" or ".Trash/a.kml".
	Key         string
	Size        int64
	ContentType string
	// Modified is the content modification date: the uploader-supplied
	// mtime when present, the store's own timestamp otherwise.
	Modified time.Time
	ETag     string
}

// Name returns the file name of the object, with any trash prefix removed.
func (o ObjectInfo) Name() string {
	return path.Base(o.Key)
}

// InTrash reports whether the object lives under the trash directory.
func (o ObjectInfo) InTrash() bool {
	return IsTrashKey(o.Key)
}

// Version describes one historical version of an object.
type Version struct {
	ID       string
	Modified time.Time
	Size     int64
	// Current marks the version the container currently serves for the key.
	Current bool
}

// Store is the cloud replica. Implementations must be safe for concurrent
// use; every blocking call takes a context.
type Store interface {
	// Available reports whether the replica is reachable right now.
	Available(ctx context.Context) bool

	// ContainerURL resolves the container location, or fails with
	// ErrContainerNotFound.
	ContainerURL(ctx context.Context) (string, error)

	// List returns every object in the container, trash included.
	List(ctx context.Context) ([]ObjectInfo, error)

	// Get opens the current bytes of an object.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Put writes an object, recording modified as its content mtime.
	Put(ctx context.Context, key string, body io.Reader, size int64, modified time.Time, contentType string) error

	// Delete removes an object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error

	// Copy duplicates srcKey to dstKey, preserving the content mtime.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Versions lists the version history of key, newest first. A key with
	// a single version has no conflict.
	Versions(ctx context.Context, key string) ([]Version, error)

	// PromoteVersion makes the given historical version the current one.
	PromoteVersion(ctx context.Context, key, versionID string) error

	// DiscardVersion drops one historical version of key.
	DiscardVersion(ctx context.Context, key, versionID string) error

	// Close releases any resources held by the store.
	Close() error
}

// TrashKey returns the trash location for a file name.
func TrashKey(name string) string {
	return TrashDir + "/" + name
}

// IsTrashKey reports whether key lies under the trash directory.
func IsTrashKey(key string) bool {
	return strings.HasPrefix(key, TrashDir+"/")
}
