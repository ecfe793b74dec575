// Package retry runs operations with bounded exponential backoff. Only
// errors classified as domain.ErrTransientIO are retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Deadline, when set, stops retrying once the next attempt would start
	// after it. The window close minus the expiry buffer goes here.
	Deadline time.Time
}

// Do calls fn until it succeeds, returns a non-transient error, or the policy
// is exhausted. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var zero T
	var err error
	for attempt := 1; ; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, domain.ErrTransientIO) || attempt >= attempts {
			return zero, err
		}
		if !p.Deadline.IsZero() && time.Now().Add(delay).After(p.Deadline) {
			return zero, errors.Join(err, domain.ErrWindowExpired)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, errors.Join(err, ctx.Err())
		case <-t.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
