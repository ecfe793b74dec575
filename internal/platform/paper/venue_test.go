package paper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newVenue(cfg Config) (*Venue, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), c.now), c
}

func order(id, price, qty string) domain.Order {
	return domain.Order{ID: id, OutcomeID: "tok", Side: domain.OrderSideBuy, LimitPrice: d(price), Quantity: d(qty)}
}

func TestFillsAfterLatency(t *testing.T) {
	v, c := newVenue(Config{FillRatio: 0.5, FillLatency: time.Second, FeeRate: d("0.01")})
	ctx := context.Background()
	o := order("a", "0.46", "10")

	rep, err := v.Submit(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueStatusOpen, rep.Status)
	assert.NotEmpty(t, rep.VenueOrderID)

	rep, err = v.Query(ctx, o)
	require.NoError(t, err)
	assert.True(t, rep.FilledQty.IsZero())

	c.t = c.t.Add(time.Second)
	rep, err = v.Query(ctx, o)
	require.NoError(t, err)
	assert.True(t, rep.FilledQty.Equal(d("5")))
	assert.True(t, rep.AvgPrice.Equal(d("0.46")))
	assert.True(t, rep.Fees.Equal(d("0.023")), "fees=%s", rep.Fees)

	var polls int
	for rep.Status == domain.VenueStatusOpen && polls < 20 {
		rep, err = v.Query(ctx, o)
		require.NoError(t, err)
		polls++
	}
	assert.Equal(t, domain.VenueStatusFilled, rep.Status)
	assert.True(t, rep.FilledQty.Equal(d("10")))
}

func TestRejectsInvalidPrice(t *testing.T) {
	v, _ := newVenue(Config{})
	rep, err := v.Submit(context.Background(), order("a", "1.2", "10"))
	require.NoError(t, err)
	assert.Equal(t, domain.VenueStatusRejected, rep.Status)
	assert.Contains(t, rep.Reason, "outside (0,1)")
}

func TestRejectRateIsSeeded(t *testing.T) {
	outcomes := func() []domain.VenueStatus {
		v, _ := newVenue(Config{RejectRate: 0.5, Seed: 7})
		var out []domain.VenueStatus
		for i := 0; i < 20; i++ {
			rep, err := v.Submit(context.Background(), order(string(rune('a'+i)), "0.5", "1"))
			require.NoError(t, err)
			out = append(out, rep.Status)
		}
		return out
	}
	first, second := outcomes(), outcomes()
	assert.Equal(t, first, second)
	assert.Contains(t, first, domain.VenueStatusRejected)
	assert.Contains(t, first, domain.VenueStatusOpen)
}

func TestCancelKeepsPartialFill(t *testing.T) {
	v, _ := newVenue(Config{FillRatio: 0.3})
	ctx := context.Background()
	o := order("a", "0.5", "10")
	_, err := v.Submit(ctx, o)
	require.NoError(t, err)
	_, err = v.Query(ctx, o)
	require.NoError(t, err)

	open, err := v.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, v.Cancel(ctx, o))
	rep, err := v.Query(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueStatusCancelled, rep.Status)
	assert.True(t, rep.FilledQty.Equal(d("3")))

	open, err = v.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = v.Query(ctx, order("missing", "0.5", "1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResubmitIsIdempotent(t *testing.T) {
	v, _ := newVenue(Config{})
	ctx := context.Background()
	first, err := v.Submit(ctx, order("a", "0.5", "2"))
	require.NoError(t, err)
	again, err := v.Submit(ctx, order("a", "0.5", "2"))
	require.NoError(t, err)
	assert.Equal(t, first.VenueOrderID, again.VenueOrderID)
}
