package bankroll

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestReserveSettleResolve(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, nil, d("100"), quiet(), nil)
	require.NoError(t, err)

	require.NoError(t, b.Reserve(ctx, "o1", d("6.9")))
	require.NoError(t, b.Reserve(ctx, "o2", d("7.8")))
	snap := b.Snapshot()
	assert.True(t, snap.Available.Equal(d("85.3")))
	assert.True(t, snap.Reserved.Equal(d("14.7")))

	// o1 fills at a better price than reserved; o2 only half fills.
	require.NoError(t, b.Settle(ctx, "o1", "opp", d("6.75"), d("0.05")))
	require.NoError(t, b.Settle(ctx, "o2", "opp", d("3.9"), d("0")))
	snap = b.Snapshot()
	assert.True(t, snap.Reserved.IsZero())
	assert.True(t, snap.Exposure.Equal(d("10.65")))
	assert.True(t, snap.Available.Equal(d("89.3")), "available=%s", snap.Available)

	entry, err := b.Resolve(ctx, "opp", d("7.5"))
	require.NoError(t, err)
	assert.True(t, entry.Equal(d("10.65")))
	snap = b.Snapshot()
	assert.True(t, snap.Exposure.IsZero())
	assert.True(t, snap.Available.Equal(d("96.8")))
}

func TestSettleIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, nil, d("50"), quiet(), nil)
	require.NoError(t, err)

	require.NoError(t, b.Reserve(ctx, "o1", d("10")))
	require.NoError(t, b.Settle(ctx, "o1", "opp", d("10"), decimal.Zero))
	err = b.Settle(ctx, "o1", "opp", d("10"), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	assert.True(t, b.Snapshot().Exposure.Equal(d("10")))
	assert.True(t, b.Settled("o1"))

	_, err = b.Resolve(ctx, "opp", d("10"))
	require.NoError(t, err)
	_, err = b.Resolve(ctx, "opp", d("10"))
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)

	assert.ErrorIs(t, b.Reserve(ctx, "o1", d("1")), domain.ErrAlreadyExists)
}

func TestReserveRejectsOverCommit(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, nil, d("20"), quiet(), nil)
	require.NoError(t, err)

	require.NoError(t, b.Reserve(ctx, "a", d("15")))
	assert.ErrorIs(t, b.Reserve(ctx, "b", d("6")), domain.ErrInsufficientFunds)
	assert.True(t, b.Snapshot().Available.Equal(d("5")))
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, nil, d("100"), quiet(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if b.Reserve(ctx, string(rune('A'+i)), d("7")) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 14, accepted)
	assert.False(t, b.Snapshot().Available.IsNegative())
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	store := memory.NewBankrollStore()

	b, err := Open(ctx, store, d("100"), quiet(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Reserve(ctx, "o1", d("9.8")))
	require.NoError(t, b.Settle(ctx, "o1", "opp", d("9.8"), decimal.Zero))

	again, err := Open(ctx, store, d("100"), quiet(), nil)
	require.NoError(t, err)
	snap := again.Snapshot()
	assert.True(t, snap.Available.Equal(d("90.2")))
	assert.True(t, snap.Exposure.Equal(d("9.8")))
	assert.ErrorIs(t, again.Settle(ctx, "o1", "opp", d("9.8"), decimal.Zero), domain.ErrAlreadySettled)
}
