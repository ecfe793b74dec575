package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

func TestRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, domain.Transient("fetch", errors.New("timeout"))
			}
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		func(context.Context) error {
			calls++
			return domain.Transient("submit", errors.New("503"))
		})
	assert.ErrorIs(t, err, domain.ErrTransientIO)
	assert.Equal(t, 2, calls)
}

func TestDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond},
		func(context.Context) error {
			calls++
			return domain.ErrVenueRejection
		})
	assert.ErrorIs(t, err, domain.ErrVenueRejection)
	assert.Equal(t, 1, calls)
}

func TestNoRetryPastDeadline(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Deadline:    time.Now().Add(10 * time.Millisecond),
	}, func(context.Context) error {
		calls++
		return domain.Transient("submit", errors.New("timeout"))
	})
	assert.ErrorIs(t, err, domain.ErrWindowExpired)
	assert.ErrorIs(t, err, domain.ErrTransientIO)
	assert.Equal(t, 1, calls)
}

func TestContextCancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour}, func(context.Context) error {
		return domain.Transient("fetch", errors.New("reset"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}
