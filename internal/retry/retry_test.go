package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Policy{Attempts: 3, BaseWait: time.Millisecond, MaxWait: 5 * time.Millisecond}

func TestSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestRetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func() error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPermanentErrorReturnsImmediately(t *testing.T) {
	boom := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fast, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func() error {
		calls++
		return Transient(errors.New("always"))
	})
	if err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 10, BaseWait: 50 * time.Millisecond}, func() error {
		calls++
		cancel()
		return Transient(errors.New("flaky"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestTransientMarking(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("Transient(nil) must stay nil")
	}
	cause := errors.New("x")
	if !IsTransient(Transient(cause)) {
		t.Error("marked error not detected")
	}
	if IsTransient(cause) {
		t.Error("unmarked error detected as transient")
	}
	if !errors.Is(Transient(cause), cause) {
		t.Error("cause not unwrapped")
	}
}
