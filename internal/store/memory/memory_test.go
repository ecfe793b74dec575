package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

func TestLedgerAppendIsUniquePerWindowAndOpportunity(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()
	closeAt := time.Date(2026, 1, 2, 10, 15, 0, 0, time.UTC)

	rec := domain.PerformanceRecord{WindowClose: closeAt, OpportunityID: "a", RealizedPnL: decimal.NewFromInt(1)}
	require.NoError(t, s.Append(ctx, rec))
	assert.ErrorIs(t, s.Append(ctx, rec), domain.ErrAlreadyExists)

	rec.OpportunityID = "b"
	require.NoError(t, s.Append(ctx, rec))

	got, err := s.Range(ctx, closeAt, closeAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Range(ctx, closeAt.Add(time.Second), closeAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOrderStoreNonTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewOrderStore()
	require.NoError(t, s.Upsert(ctx, domain.Order{ID: "1", OpportunityID: "o", State: domain.OrderStateOpen}))
	require.NoError(t, s.Upsert(ctx, domain.Order{ID: "2", OpportunityID: "o", State: domain.OrderStateFilled}))

	open, err := s.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "1", open[0].ID)

	all, err := s.ListByOpportunity(ctx, "o")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBankrollStoreCopiesState(t *testing.T) {
	ctx := context.Background()
	s := NewBankrollStore()
	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	st := domain.BankrollState{Available: decimal.NewFromInt(5), Settled: map[string]bool{"x": true}}
	require.NoError(t, s.Save(ctx, st))
	st.Settled["y"] = true

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Settled, 1)
}
