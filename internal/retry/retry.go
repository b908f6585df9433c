// Package retry provides bounded exponential backoff for cloud store calls.
//
// Retries are a local convenience only: the canonical recovery path for the
// sync engine is the next monitor observation, so callers keep attempt
// counts small and let persistent failures surface.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts int           // total attempts, including the first
	BaseWait time.Duration // wait before the second attempt
	MaxWait  time.Duration // cap on any single wait
}

// Default is the policy used for cloud store operations.
var Default = Policy{
	Attempts: 3,
	BaseWait: 200 * time.Millisecond,
	MaxWait:  5 * time.Second,
}

// transient marks an error as worth retrying.
type transient struct {
	err error
}

func (t transient) Error() string { return t.err.Error() }
func (t transient) Unwrap() error { return t.err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transient{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t)
}

// Do runs fn up to p.Attempts times, backing off between attempts with
// doubling waits and ±25% jitter. Only errors marked Transient are retried;
// anything else returns immediately. Context cancellation wins over waits.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	wait := p.BaseWait

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt == p.Attempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		jittered := wait + time.Duration((rand.Float64()-0.5)*0.5*float64(wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		wait *= 2
		if p.MaxWait > 0 && wait > p.MaxWait {
			wait = p.MaxWait
		}
	}
}
