package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kirylkaveryn/organicmaps/internal/cache"
	"github.com/kirylkaveryn/organicmaps/internal/cloud"
	"github.com/kirylkaveryn/organicmaps/internal/engine"
	"github.com/kirylkaveryn/organicmaps/internal/models"
)

type fakeLoader struct {
	mu    sync.Mutex
	calls int
}

func (l *fakeLoader) Load(done func()) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	go done()
}

func (l *fakeLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type errRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errRecorder) record(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *errRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type fixture struct {
	orch   *Orchestrator
	store  *cloud.MemStore
	cache  *cache.Cache
	dir    string
	loader *fakeLoader
	errs   *errRecorder
	synced chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := cloud.NewMemStore()
	dlCache, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	loader := &fakeLoader{}
	errs := &errRecorder{}
	synced := make(chan struct{}, 8)

	orch := New(Config{
		LocalDir:          dir,
		Device:            "phone",
		Store:             store,
		Cache:             dlCache,
		Loader:            loader,
		OnError:           errs.record,
		OnInitialSyncDone: func() { synced <- struct{}{} },
	})
	orch.Start()
	t.Cleanup(orch.Stop)

	return &fixture{orch: orch, store: store, cache: dlCache, dir: dir, loader: loader, errs: errs, synced: synced}
}

// waitIdle blocks until the submitted batch drained.
func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !f.orch.InProgress() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("batch did not finish")
}

func materializedItem(t *testing.T, name, content string, mod time.Time) models.CloudItem {
	t.Helper()
	src := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return models.CloudItem{
		Name:       name,
		Key:        name,
		URL:        src,
		Size:       int64(len(content)),
		Modified:   mod,
		Downloaded: true,
	}
}

func TestCreateLocalPreservesTimestamp(t *testing.T) {
	f := newFixture(t)
	mod := time.Unix(1234, 0)

	f.orch.Submit([]engine.Action{engine.CreateLocal{Item: materializedItem(t, "a.kml", "payload", mod)}})
	f.waitIdle(t)

	target := filepath.Join(f.dir, "a.kml")
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("target missing: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q, want payload", data)
	}
	info, _ := os.Stat(target)
	if !info.ModTime().Truncate(models.ModTimeResolution).Equal(mod) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), mod)
	}
	if f.errs.count() != 0 {
		t.Errorf("unexpected errors: %v", f.errs.errs)
	}
	if f.loader.count() != 1 {
		t.Errorf("bookmark reloads = %d, want 1", f.loader.count())
	}
}

func TestCreateLocalNotMaterializedFails(t *testing.T) {
	f := newFixture(t)

	f.orch.Submit([]engine.Action{engine.CreateLocal{Item: models.CloudItem{
		Name: "a.kml", Key: "a.kml", Downloaded: false,
	}}})
	f.waitIdle(t)

	if f.errs.count() != 1 {
		t.Fatalf("errors = %d, want 1", f.errs.count())
	}
	if f.loader.count() != 0 {
		t.Error("failed write must not trigger a reload")
	}
}

func TestRemoveLocalMissingFileIsSuccess(t *testing.T) {
	f := newFixture(t)

	f.orch.Submit([]engine.Action{engine.RemoveLocal{Item: models.CloudItem{
		Name: "gone.kml", Key: cloud.TrashKey("gone.kml"), InTrash: true,
	}}})
	f.waitIdle(t)

	if f.errs.count() != 0 {
		t.Errorf("unexpected errors: %v", f.errs.errs)
	}
	if f.loader.count() != 0 {
		t.Error("nothing changed locally; no reload expected")
	}
}

func TestRemoveLocalDeletesAndReloads(t *testing.T) {
	f := newFixture(t)
	target := filepath.Join(f.dir, "c.kml")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	f.orch.Submit([]engine.Action{engine.RemoveLocal{Item: models.CloudItem{
		Name: "c.kml", Key: cloud.TrashKey("c.kml"), InTrash: true,
	}}})
	f.waitIdle(t)

	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("local file still present")
	}
	if f.loader.count() != 1 {
		t.Errorf("bookmark reloads = %d, want 1", f.loader.count())
	}
}

func TestCreateCloudUploadsWithTimestamp(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.dir, "up.kml")
	if err := os.WriteFile(src, []byte("uphill"), 0o644); err != nil {
		t.Fatal(err)
	}
	mod := time.Unix(4321, 0)

	f.orch.Submit([]engine.Action{engine.CreateCloud{Item: models.LocalItem{
		Name: "up.kml", URL: src, Size: 6, Modified: mod,
	}}})
	f.waitIdle(t)

	if got := string(f.store.Data("up.kml")); got != "uphill" {
		t.Errorf("cloud content = %q, want uphill", got)
	}
	infos, err := f.store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || !infos[0].Modified.Equal(mod) {
		t.Errorf("cloud mtime = %v, want %v", infos[0].Modified, mod)
	}
}

func TestRemoveCloudMovesToTrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.PutString("d.kml", "doomed", time.Unix(10, 0)); err != nil {
		t.Fatal(err)
	}

	f.orch.Submit([]engine.Action{engine.RemoveCloud{Item: models.LocalItem{Name: "d.kml"}}})
	f.waitIdle(t)

	if ok, _ := f.store.Exists(ctx, "d.kml"); ok {
		t.Error("object still live after trashing")
	}
	if got := string(f.store.Data(cloud.TrashKey("d.kml"))); got != "doomed" {
		t.Errorf("trash content = %q, want doomed", got)
	}
}

func TestRemoveCloudPurgesTrashCollision(t *testing.T) {
	f := newFixture(t)
	if err := f.store.PutString("d.kml", "fresh", time.Unix(20, 0)); err != nil {
		t.Fatal(err)
	}
	if err := f.store.PutString(cloud.TrashKey("d.kml"), "stale tombstone", time.Unix(5, 0)); err != nil {
		t.Fatal(err)
	}

	f.orch.Submit([]engine.Action{engine.RemoveCloud{Item: models.LocalItem{Name: "d.kml"}}})
	f.waitIdle(t)

	if got := string(f.store.Data(cloud.TrashKey("d.kml"))); got != "fresh" {
		t.Errorf("trash content = %q, want the freshly trashed bytes", got)
	}
	if f.errs.count() != 0 {
		t.Errorf("unexpected errors: %v", f.errs.errs)
	}
}

func TestRemoveCloudMissingIsSuccess(t *testing.T) {
	f := newFixture(t)

	f.orch.Submit([]engine.Action{engine.RemoveCloud{Item: models.LocalItem{Name: "never.kml"}}})
	f.waitIdle(t)

	if f.errs.count() != 0 {
		t.Errorf("unexpected errors: %v", f.errs.errs)
	}
}

func TestStartDownloadMaterializes(t *testing.T) {
	f := newFixture(t)
	if err := f.store.PutString("dl.kml", "bytes", time.Unix(30, 0)); err != nil {
		t.Fatal(err)
	}
	infos, err := f.store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	etag := infos[0].ETag

	f.orch.Submit([]engine.Action{engine.StartDownload{Item: models.CloudItem{
		Name: "dl.kml", Key: "dl.kml", ETag: etag, Size: 5,
	}}})
	f.waitIdle(t)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.cache.Downloaded("dl.kml", etag) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("download never materialized")
}

func TestFailedActionDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	mod := time.Unix(99, 0)

	f.orch.Submit([]engine.Action{
		engine.CreateLocal{Item: models.CloudItem{Name: "broken.kml", Downloaded: false}},
		engine.CreateLocal{Item: materializedItem(t, "ok.kml", "fine", mod)},
	})
	f.waitIdle(t)

	if f.errs.count() != 1 {
		t.Fatalf("errors = %d, want 1", f.errs.count())
	}
	if _, err := os.Stat(filepath.Join(f.dir, "ok.kml")); err != nil {
		t.Error("sibling action aborted by earlier failure")
	}
}

func TestInitialSyncCompletedPersists(t *testing.T) {
	f := newFixture(t)

	f.orch.Submit([]engine.Action{engine.InitialSyncCompleted{}})
	f.waitIdle(t)

	select {
	case <-f.synced:
	case <-time.After(2 * time.Second):
		t.Fatal("initial-sync callback never fired")
	}
}
