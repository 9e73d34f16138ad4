// Package retry holds the pieces bots use to try a failed sign-in again,
// either right away (Inline) or later as a one-shot job (Rescheduler).
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/kvstore"
)

// Delay computes how long to wait before the given attempt (1-based).
type Delay func(attempt int) time.Duration

// Fixed waits d before every attempt.
func Fixed(d time.Duration) Delay {
	return func(int) time.Duration { return d }
}

// Linear waits base*attempt.
func Linear(base time.Duration) Delay {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base * time.Duration(attempt)
	}
}

// Jitter waits a random duration between min and max.
func Jitter(min, max time.Duration) Delay {
	return func(int) time.Duration { return chrono.RandomBetween(min, max) }
}

// Budget counts scheduled retries in the plugin's store so the count
// survives restarts.
type Budget struct {
	ns  kvstore.Namespace
	key string
	Max int
}

func NewBudget(ns kvstore.Namespace, key string, max int) Budget {
	return Budget{ns: ns, key: key, Max: max}
}

// Next consumes one retry, ok is false once Max is reached.
func (b Budget) Next(ctx context.Context) (attempt int, ok bool, err error) {
	err = kvstore.UpdateIn(ctx, b.ns, b.key, func(current int, _ bool) (int, error) {
		if current >= b.Max {
			attempt = current
			return current, nil
		}
		attempt = current + 1
		ok = true
		return attempt, nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("retry budget: %w", err)
	}
	return attempt, ok, nil
}

func (b Budget) Current(ctx context.Context) (int, error) {
	return kvstore.Value[int](ctx, b.ns, b.key)
}

func (b Budget) Reset(ctx context.Context) error {
	return b.ns.Delete(ctx, b.key)
}

// Rescheduler keeps at most one pending retry job with a given name.
type Rescheduler struct {
	cron chrono.CronAPI
	time chrono.TimeAPI
	name string

	mutex   sync.Mutex
	pending chrono.JobID
}

func NewRescheduler(cron chrono.CronAPI, time chrono.TimeAPI, name string) *Rescheduler {
	return &Rescheduler{cron: cron, time: time, name: name}
}

// Schedule replaces any pending retry with fn running after `after`, it
// returns when the job will run.
func (r *Rescheduler) Schedule(after time.Duration, fn func()) (time.Time, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.pending != "" {
		r.cron.Remove(r.pending)
		r.pending = ""
	}

	at := r.time.Now().Add(after)
	id, err := r.cron.Once(r.name, at, fn)
	if err != nil {
		return time.Time{}, err
	}
	r.pending = id
	return at, nil
}

// Cancel removes the pending retry if there is one.
func (r *Rescheduler) Cancel() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.pending != "" {
		r.cron.Remove(r.pending)
		r.pending = ""
	}
}

// Pending reports whether a retry job with this name is queued.
func (r *Rescheduler) Pending() bool {
	return chrono.HasJob(r.cron, r.name)
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying, Inline stops on it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Inline calls fn until it succeeds, returns a permanent error, or it has
// been retried `retries` times, sleeping delay(attempt) before each retry.
// onRetry, when set, is told about every failure that will be retried.
func Inline(
	ctx context.Context,
	retries int,
	delay Delay,
	fn func(ctx context.Context, attempt int) error,
	onRetry func(attempt int, err error),
) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, err)
			}
			sleepErr := chrono.Sleep(ctx, delay(attempt))
			if sleepErr != nil {
				return errors.Join(err, sleepErr)
			}
		}
		err = fn(ctx, attempt)
		if err == nil || IsPermanent(err) {
			return err
		}
	}
	return err
}
