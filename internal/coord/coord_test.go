package coord

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestCoordinateRunsFn(t *testing.T) {
	c := New()
	target := filepath.Join(t.TempDir(), "a.kml")

	ran := false
	err := c.Coordinate([]Intent{Writing(target)}, func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}
	if !ran {
		t.Fatal("fn never ran")
	}
}

func TestCoordinatePropagatesError(t *testing.T) {
	c := New()
	target := filepath.Join(t.TempDir(), "a.kml")
	boom := errors.New("boom")

	err := c.Coordinate([]Intent{Writing(target)}, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestSidecarIsHidden(t *testing.T) {
	c := New()
	dir := t.TempDir()
	target := filepath.Join(dir, "a.kml")

	if err := c.Coordinate([]Intent{Writing(target)}, func() error { return nil }); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() == "a.kml" {
			t.Error("coordination must not create the target")
		}
		if e.Name()[0] != '.' {
			t.Errorf("visible artifact %q left behind", e.Name())
		}
	}
}

func TestWritersSerialize(t *testing.T) {
	c := New()
	target := filepath.Join(t.TempDir(), "a.kml")

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Coordinate([]Intent{Writing(target)}, func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside > 1 {
		t.Errorf("writers overlapped: %d inside at once", maxInside)
	}
}

func TestOverlappingSetsDoNotDeadlock(t *testing.T) {
	c := New()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.kml")
	b := filepath.Join(dir, "b.kml")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		first, second := a, b
		if i%2 == 1 {
			first, second = b, a
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Coordinate([]Intent{Reading(first), Writing(second)}, func() error {
				return nil
			})
		}()
	}
	wg.Wait() // deadlock here fails the test by timeout
}

func TestDuplicatePathsCollapse(t *testing.T) {
	c := New()
	target := filepath.Join(t.TempDir(), "a.kml")

	err := c.Coordinate([]Intent{Reading(target), Writing(target)}, func() error {
		return nil
	})
	if err != nil {
		t.Fatalf("Coordinate with duplicate paths: %v", err)
	}
}
