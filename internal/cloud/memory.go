package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"
)

// memObject is one stored object with its version history. The last entry
// of versions is the current one.
type memObject struct {
	versions []memVersion
}

type memVersion struct {
	id       string
	data     []byte
	modified time.Time
	ctype    string
}

// MemStore is an in-memory Store. It backs tests and offline development,
// and models the version semantics the engine relies on: every Put adds a
// version, and concurrent histories stay visible until discarded.
type MemStore struct {
	mu        sync.Mutex
	objects   map[string]*memObject
	nextVer   int
	available bool

	// PutErr, GetErr force the next matching call to fail (test hook).
	PutErr error
	GetErr error
}

// NewMemStore creates an empty, available in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		objects:   make(map[string]*memObject),
		available: true,
	}
}

// SetAvailable flips replica reachability.
func (m *MemStore) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
}

// Available reports replica reachability.
func (m *MemStore) Available(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// ContainerURL resolves the in-memory container.
func (m *MemStore) ContainerURL(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return "", ErrContainerNotFound
	}
	return "mem://container/", nil
}

// List returns every object, trash included, sorted by key.
func (m *MemStore) List(ctx context.Context) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return nil, ErrContainerNotFound
	}

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	infos := make([]ObjectInfo, 0, len(keys))
	for _, k := range keys {
		infos = append(infos, m.infoLocked(k))
	}
	return infos, nil
}

func (m *MemStore) infoLocked(key string) ObjectInfo {
	cur := m.objects[key].versions[len(m.objects[key].versions)-1]
	return ObjectInfo{
		Key:         key,
		Size:        int64(len(cur.data)),
		ContentType: cur.ctype,
		Modified:    cur.modified,
		ETag:        cur.id,
	}
}

// Get opens the current bytes of an object.
func (m *MemStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		err := m.GetErr
		m.GetErr = nil
		return nil, ObjectInfo{}, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	cur := obj.versions[len(obj.versions)-1]
	return io.NopCloser(bytes.NewReader(cur.data)), m.infoLocked(key), nil
}

// Put writes an object, appending a new current version.
func (m *MemStore) Put(ctx context.Context, key string, body io.Reader, size int64, modified time.Time, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		err := m.PutErr
		m.PutErr = nil
		return err
	}
	obj, ok := m.objects[key]
	if !ok {
		obj = &memObject{}
		m.objects[key] = obj
	}
	m.nextVer++
	obj.versions = append(obj.versions, memVersion{
		id:       "v" + strconv.Itoa(m.nextVer),
		data:     data,
		modified: modified,
		ctype:    contentType,
	})
	return nil
}

// Delete removes an object and its history. Missing objects are fine.
func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Copy duplicates the current version of srcKey to dstKey.
func (m *MemStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.objects[srcKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, srcKey)
	}
	cur := src.versions[len(src.versions)-1]

	dst, ok := m.objects[dstKey]
	if !ok {
		dst = &memObject{}
		m.objects[dstKey] = dst
	}
	m.nextVer++
	dst.versions = append(dst.versions, memVersion{
		id:       "v" + strconv.Itoa(m.nextVer),
		data:     append([]byte(nil), cur.data...),
		modified: cur.modified,
		ctype:    cur.ctype,
	})
	return nil
}

// Exists reports whether an object is present at key.
func (m *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Versions lists the version history of key, newest first.
func (m *MemStore) Versions(ctx context.Context, key string) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	out := make([]Version, 0, len(obj.versions))
	for i := len(obj.versions) - 1; i >= 0; i-- {
		v := obj.versions[i]
		out = append(out, Version{
			ID:       v.id,
			Modified: v.modified,
			Size:     int64(len(v.data)),
			Current:  i == len(obj.versions)-1,
		})
	}
	return out, nil
}

// PromoteVersion makes a historical version current by re-appending it.
func (m *MemStore) PromoteVersion(ctx context.Context, key, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	for _, v := range obj.versions {
		if v.id == versionID {
			m.nextVer++
			promoted := v
			promoted.id = "v" + strconv.Itoa(m.nextVer)
			obj.versions = append(obj.versions, promoted)
			return nil
		}
	}
	return fmt.Errorf("version %s of %s not found", versionID, key)
}

// DiscardVersion drops one historical version of key.
func (m *MemStore) DiscardVersion(ctx context.Context, key, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil
	}
	kept := obj.versions[:0]
	for _, v := range obj.versions {
		if v.id != versionID {
			kept = append(kept, v)
		}
	}
	obj.versions = kept
	if len(obj.versions) == 0 {
		delete(m.objects, key)
	}
	return nil
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }

// PutString is a test convenience wrapper over Put.
func (m *MemStore) PutString(key, data string, modified time.Time) error {
	return m.Put(context.Background(), key, bytes.NewReader([]byte(data)), int64(len(data)), modified, "")
}

// Data returns the current bytes of key, or nil when absent.
func (m *MemStore) Data(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil
	}
	return append([]byte(nil), obj.versions[len(obj.versions)-1].data...)
}
