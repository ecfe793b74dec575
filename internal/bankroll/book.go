// Package bankroll owns the single lock-guarded capital balance shared by all
// linked sets.
package bankroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// Book tracks available capital, in-flight reservations and settled exposure.
//
// Lifecycle of a unit of capital:
//  1. Reserve on order submit (available -> reserved)
//  2. Settle once the order is terminal (reserved -> exposure, remainder -> available)
//  3. Resolve once the window settles (exposure -> payout credited to available)
type Book struct {
	mu     sync.Mutex
	state  domain.BankrollState
	store  domain.BankrollStore
	now    func() time.Time
	logger *slog.Logger
}

// Open loads the persisted bankroll from store, or starts from initial when
// nothing has been saved. store may be nil.
func Open(ctx context.Context, store domain.BankrollStore, initial decimal.Decimal, logger *slog.Logger, now func() time.Time) (*Book, error) {
	if now == nil {
		now = time.Now
	}
	b := &Book{
		store:  store,
		now:    now,
		logger: logger.With(slog.String("component", "bankroll")),
	}

	var st domain.BankrollState
	loaded := false
	if store != nil {
		var err error
		st, err = store.Load(ctx)
		switch {
		case err == nil:
			loaded = true
		case errors.Is(err, domain.ErrNotFound):
		default:
			return nil, fmt.Errorf("bankroll: load: %w", err)
		}
	}
	if !loaded {
		st = domain.BankrollState{Available: initial, UpdatedAt: now()}
	}
	if st.Reservations == nil {
		st.Reservations = make(map[string]decimal.Decimal)
	}
	if st.Settled == nil {
		st.Settled = make(map[string]bool)
	}
	if st.Deployed == nil {
		st.Deployed = make(map[string]decimal.Decimal)
	}
	if st.Resolved == nil {
		st.Resolved = make(map[string]bool)
	}
	b.state = st

	b.logger.InfoContext(ctx, "bankroll opened",
		slog.Bool("restored", loaded),
		slog.String("available", st.Available.String()),
		slog.String("exposure", st.Exposure.String()),
		slog.Int("reservations", len(st.Reservations)),
	)
	return b, nil
}

// Snapshot returns a read-only copy of the balances.
func (b *Book) Snapshot() domain.BankrollSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Book) snapshotLocked() domain.BankrollSnapshot {
	reserved := decimal.Zero
	for _, r := range b.state.Reservations {
		reserved = reserved.Add(r)
	}
	return domain.BankrollSnapshot{
		Available: b.state.Available,
		Reserved:  reserved,
		Exposure:  b.state.Exposure,
		UpdatedAt: b.state.UpdatedAt,
	}
}

// Reserve holds amount for an order about to be submitted.
func (b *Book) Reserve(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("bankroll: reserve %s: negative amount %s", orderID, amount)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.state.Reservations[orderID]; ok || b.state.Settled[orderID] {
		return fmt.Errorf("bankroll: reserve %s: %w", orderID, domain.ErrAlreadyExists)
	}
	if amount.GreaterThan(b.state.Available) {
		return fmt.Errorf("bankroll: reserve %s of %s with %s available: %w",
			orderID, amount, b.state.Available, domain.ErrInsufficientFunds)
	}
	b.state.Available = b.state.Available.Sub(amount)
	b.state.Reservations[orderID] = amount
	b.persistLocked(ctx)
	return nil
}

// Settle applies a terminal order's fill exactly once. deployed is the
// capital the fill moved into the position: positive for buys, negative for
// sale proceeds. The order's reservation is released in the same step.
func (b *Book) Settle(ctx context.Context, orderID, opportunityID string, deployed, fees decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Settled[orderID] {
		return fmt.Errorf("bankroll: settle %s: %w", orderID, domain.ErrAlreadySettled)
	}
	reserved := b.state.Reservations[orderID]
	delete(b.state.Reservations, orderID)
	b.state.Settled[orderID] = true

	b.state.Available = b.state.Available.Add(reserved).Sub(deployed).Sub(fees)
	b.state.Exposure = b.state.Exposure.Add(deployed)
	b.state.Deployed[opportunityID] = b.state.Deployed[opportunityID].Add(deployed)
	b.persistLocked(ctx)

	b.logger.DebugContext(ctx, "order settled into bankroll",
		slog.String("order_id", orderID),
		slog.String("opportunity_id", opportunityID),
		slog.String("released", reserved.String()),
		slog.String("deployed", deployed.String()),
		slog.String("fees", fees.String()),
	)
	return nil
}

// Resolve clears an opportunity's exposure and credits its payout, once.
// It returns the entry cost that was deployed.
func (b *Book) Resolve(ctx context.Context, opportunityID string, payout decimal.Decimal) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Resolved[opportunityID] {
		return decimal.Zero, fmt.Errorf("bankroll: resolve %s: %w", opportunityID, domain.ErrAlreadySettled)
	}
	entry := b.state.Deployed[opportunityID]
	delete(b.state.Deployed, opportunityID)
	b.state.Resolved[opportunityID] = true

	b.state.Exposure = b.state.Exposure.Sub(entry)
	b.state.Available = b.state.Available.Add(payout)
	b.persistLocked(ctx)
	return entry, nil
}

// Settled reports whether the order's fill has already been applied.
func (b *Book) Settled(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Settled[orderID]
}

// persistLocked saves the whole state. A failed save is logged; the next
// successful save carries every earlier mutation.
func (b *Book) persistLocked(ctx context.Context) {
	b.state.UpdatedAt = b.now()
	if b.store == nil {
		return
	}
	if err := b.store.Save(ctx, b.state); err != nil {
		b.logger.WarnContext(ctx, "bankroll: persist failed",
			slog.String("error", err.Error()),
		)
	}
}
