package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/kirylkaveryn/organicmaps/internal/cache"
	"github.com/kirylkaveryn/organicmaps/internal/cloud"
	"github.com/kirylkaveryn/organicmaps/internal/models"
)

type cloudRecorder struct {
	gathered chan models.CloudInventory
	updated  chan models.CloudInventory
	failed   chan error
}

func newCloudRecorder() *cloudRecorder {
	return &cloudRecorder{
		gathered: make(chan models.CloudInventory, 8),
		updated:  make(chan models.CloudInventory, 8),
		failed:   make(chan error, 8),
	}
}

func (r *cloudRecorder) CloudFinishedGathering(inv models.CloudInventory) { r.gathered <- inv }
func (r *cloudRecorder) CloudUpdated(inv models.CloudInventory)           { r.updated <- inv }
func (r *cloudRecorder) CloudFailed(err error)                            { r.failed <- err }

func waitCloudInventory(t *testing.T, ch chan models.CloudInventory, what string) models.CloudInventory {
	t.Helper()
	select {
	case inv := <-ch:
		return inv
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s emission", what)
		return nil
	}
}

func newCloudFixture(t *testing.T) (*cloud.MemStore, *cache.Cache, *cloudRecorder, *Cloud) {
	t.Helper()
	store := cloud.NewMemStore()
	dlCache, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := newCloudRecorder()
	mon := NewCloud(store, dlCache, ".kml", 30*time.Millisecond, rec)
	return store, dlCache, rec, mon
}

func TestCloudGatherAndUpdate(t *testing.T) {
	store, _, rec, mon := newCloudFixture(t)
	if err := store.PutString("a.kml", "x", time.Unix(10, 0)); err != nil {
		t.Fatal(err)
	}

	if err := mon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	inv := waitCloudInventory(t, rec.gathered, "gather")
	item, ok := inv["a.kml"]
	if !ok {
		t.Fatalf("gather inventory = %v, want a.kml", inv)
	}
	if item.Downloaded {
		t.Error("nothing downloaded yet; item must report not downloaded")
	}

	if err := store.PutString("b.kml", "y", time.Unix(20, 0)); err != nil {
		t.Fatal(err)
	}
	inv = waitCloudInventory(t, rec.updated, "update")
	if _, ok := inv["b.kml"]; !ok {
		t.Fatalf("update inventory = %v, want b.kml", inv)
	}
}

func TestCloudQuietWhenNothingChanges(t *testing.T) {
	store, _, rec, mon := newCloudFixture(t)
	if err := store.PutString("a.kml", "x", time.Unix(10, 0)); err != nil {
		t.Fatal(err)
	}
	if err := mon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()
	waitCloudInventory(t, rec.gathered, "gather")

	select {
	case inv := <-rec.updated:
		t.Fatalf("unchanged replica emitted %v", inv)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloudTrashedObjectReported(t *testing.T) {
	store, _, rec, mon := newCloudFixture(t)
	if err := store.PutString(cloud.TrashKey("old.kml"), "rip", time.Unix(5, 0)); err != nil {
		t.Fatal(err)
	}
	if err := mon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	inv := waitCloudInventory(t, rec.gathered, "gather")
	item, ok := inv["old.kml"]
	if !ok {
		t.Fatalf("inventory = %v, want old.kml tombstone", inv)
	}
	if !item.InTrash {
		t.Error("tombstone not marked as trashed")
	}
}

func TestCloudLiveObjectWinsOverTombstone(t *testing.T) {
	store, _, rec, mon := newCloudFixture(t)
	if err := store.PutString("a.kml", "live", time.Unix(50, 0)); err != nil {
		t.Fatal(err)
	}
	if err := store.PutString(cloud.TrashKey("a.kml"), "dead", time.Unix(10, 0)); err != nil {
		t.Fatal(err)
	}
	if err := mon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	inv := waitCloudInventory(t, rec.gathered, "gather")
	if len(inv) != 1 {
		t.Fatalf("inventory = %v, want one entry", inv)
	}
	if inv["a.kml"].InTrash {
		t.Error("live object lost the key to its tombstone")
	}
}

func TestCloudDownloadCompletionSurfacesAsUpdate(t *testing.T) {
	store, dlCache, rec, mon := newCloudFixture(t)
	if err := store.PutString("a.kml", "bytes", time.Unix(10, 0)); err != nil {
		t.Fatal(err)
	}
	if err := mon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	inv := waitCloudInventory(t, rec.gathered, "gather")
	item := inv["a.kml"]

	dlCache.StartDownload(context.Background(), store, item.Key, item.Name, item.ETag, item.Size)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inv = waitCloudInventory(t, rec.updated, "post-download update")
		if inv["a.kml"].Downloaded {
			if inv["a.kml"].URL == "" {
				t.Error("downloaded item carries no materialized url")
			}
			return
		}
	}
	t.Fatal("download completion never surfaced")
}

func TestCloudStartFailsWhenUnavailable(t *testing.T) {
	store, _, _, mon := newCloudFixture(t)
	store.SetAvailable(false)

	if err := mon.Start(); err == nil {
		t.Fatal("Start succeeded against unavailable replica")
	}
	if mon.Started() {
		t.Error("monitor reports started after failed Start")
	}
}

func TestCloudPauseResume(t *testing.T) {
	store, _, rec, mon := newCloudFixture(t)
	if err := mon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()
	waitCloudInventory(t, rec.gathered, "gather")

	mon.Pause()
	if !mon.Paused() {
		t.Fatal("Paused() = false after Pause")
	}
	if err := store.PutString("late.kml", "z", time.Unix(99, 0)); err != nil {
		t.Fatal(err)
	}
	select {
	case inv := <-rec.updated:
		t.Fatalf("paused monitor emitted %v", inv)
	case <-time.After(200 * time.Millisecond):
	}

	mon.Resume()
	inv := waitCloudInventory(t, rec.updated, "post-resume update")
	if _, ok := inv["late.kml"]; !ok {
		t.Fatalf("resume inventory = %v, want late.kml", inv)
	}
}
