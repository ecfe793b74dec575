package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/retry"
)

type fakeSource struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int // transient failures before success
	fatal    map[string]bool
	now      time.Time
}

func (f *fakeSource) FetchQuote(_ context.Context, o domain.Outcome, closeAt time.Time) (domain.RawQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[o.ID]++
	if f.fatal[o.ID] {
		return domain.RawQuote{}, errors.New("bad token")
	}
	if f.failures[o.ID] > 0 {
		f.failures[o.ID]--
		return domain.RawQuote{}, domain.Transient("book", errors.New("timeout"))
	}
	return domain.RawQuote{
		Venue: "polymarket", OutcomeID: o.ID,
		BestBid: decimal.RequireFromString("0.45"), BestAsk: decimal.RequireFromString("0.47"),
		Timestamp: f.now, WindowClose: closeAt,
	}, nil
}

func testSet(closeAt time.Time) domain.LinkedMarketSet {
	m := domain.WindowMarket{Asset: domain.AssetBTC, ConditionID: "c", UpTokenID: "up", DownTokenID: "down"}
	return domain.NewLinkedMarketSet(domain.SetKindComplementary, closeAt.Add(-15*time.Minute), closeAt,
		m.Outcome(domain.DirectionUp), m.Outcome(domain.DirectionDown))
}

func newPoller(src *fakeSource, push *PushCache) *Poller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return NewPoller(src, push, policy, 2*time.Second, logger, func() time.Time { return src.now })
}

func TestFetchAllOutcomes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	src := &fakeSource{calls: map[string]int{}, failures: map[string]int{"down": 2}, now: now}
	closeAt := now.Add(10 * time.Minute)

	quotes, err := newPoller(src, nil).Fetch(context.Background(), testSet(closeAt))
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "c", quotes["up"].MarketID)
	assert.True(t, quotes["down"].WindowClose.Equal(closeAt))
	assert.Equal(t, 3, src.calls["down"])
	assert.Equal(t, 1, src.calls["up"])
}

func TestFetchFailsWholeSet(t *testing.T) {
	now := time.Now()
	src := &fakeSource{calls: map[string]int{}, fatal: map[string]bool{"up": true}, now: now}
	_, err := newPoller(src, nil).Fetch(context.Background(), testSet(now.Add(time.Minute)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTC_UP")
	assert.Equal(t, 1, src.calls["up"])
}

func TestFetchPrefersFreshPush(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	src := &fakeSource{calls: map[string]int{}, now: now}
	push := NewPushCache()
	push.Put(domain.RawQuote{OutcomeID: "up", BestAsk: decimal.RequireFromString("0.40"), Timestamp: now.Add(-time.Second)})
	push.Put(domain.RawQuote{OutcomeID: "down", BestAsk: decimal.RequireFromString("0.40"), Timestamp: now.Add(-5 * time.Second)})

	quotes, err := newPoller(src, push).Fetch(context.Background(), testSet(now.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, quotes["up"].BestAsk.Equal(decimal.RequireFromString("0.40")))
	assert.Equal(t, "c", quotes["up"].MarketID)
	assert.Zero(t, src.calls["up"])
	assert.Equal(t, 1, src.calls["down"], "stale push quote falls back to REST")
	assert.True(t, quotes["down"].BestAsk.Equal(decimal.RequireFromString("0.47")))
}

func TestPushCacheKeepsNewest(t *testing.T) {
	c := NewPushCache()
	t0 := time.Now()
	c.Put(domain.RawQuote{OutcomeID: "a", Timestamp: t0})
	c.Put(domain.RawQuote{OutcomeID: "a", Timestamp: t0.Add(-time.Second), Venue: "old"})
	q, ok := c.Get("a")
	require.True(t, ok)
	assert.Empty(t, q.Venue)

	c.Put(domain.RawQuote{OutcomeID: "b", Timestamp: t0})
	c.Retain([]string{"b"})
	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
}
