// Package ledger settles positions once their window market resolves and
// keeps the append-only performance record of every settled opportunity.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/bankroll"
	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/metrics"
)

// Positions is the view of execution state the ledger settles against.
type Positions interface {
	Positions() []domain.Position
	MarkSettled(ctx context.Context, opportunityID string) error
}

// Config holds settlement tracker settings.
type Config struct {
	PollInterval    time.Duration
	ResolutionCache time.Duration
	// SellWinners submits a SELL at ExitPrice for every winning quantity
	// held once a position resolves. Only set it for a live venue.
	SellWinners bool
	ExitPrice   decimal.Decimal
}

// Deps are the ledger's collaborators. Venue is needed only with
// SellWinners; Archiver, Alerter, Bus and Metrics are optional.
type Deps struct {
	Venue     domain.Venue
	Store     domain.LedgerStore
	Resolver  domain.MarketResolver
	Positions Positions
	Book      *bankroll.Book
	Archiver  domain.Archiver
	Alerter   domain.Alerter
	Bus       domain.SignalBus
	Metrics   *metrics.Metrics
}

// Ledger turns resolved windows into PerformanceRecords.
type Ledger struct {
	deps   Deps
	cfg    Config
	cache  *resolutionCache
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a Ledger. now may be nil to use time.Now.
func New(deps Deps, cfg Config, logger *slog.Logger, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ResolutionCache <= 0 {
		cfg.ResolutionCache = time.Minute
	}
	if !cfg.ExitPrice.IsPositive() {
		cfg.ExitPrice = decimal.RequireFromString("0.99")
	}
	return &Ledger{
		deps:     deps,
		cfg:      cfg,
		cache:    newResolutionCache(deps.Resolver, cfg.ResolutionCache, now),
		now:      now,
		logger:   logger.With(slog.String("component", "ledger")),
		inFlight: make(map[string]bool),
	}
}

// Run polls for closed windows until ctx is cancelled. Call in a goroutine.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := l.SettleDue(ctx)
			if err != nil {
				l.logger.ErrorContext(ctx, "settlement pass failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				l.logger.InfoContext(ctx, "settlement pass", slog.Int("settled", n))
			}
		}
	}
}

// SettleDue settles every open or halted position whose window has closed and
// whose markets have all resolved. It returns how many were settled.
func (l *Ledger) SettleDue(ctx context.Context) (int, error) {
	now := l.now()
	settled := 0
	var errs []error
	for _, pos := range l.deps.Positions.Positions() {
		if pos.Status != domain.PositionStatusOpen && pos.Status != domain.PositionStatusHalted {
			continue
		}
		if now.Before(pos.WindowClose) {
			continue
		}
		ok, err := l.Settle(ctx, pos)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			settled++
		}
	}
	return settled, errors.Join(errs...)
}

// Settle records the outcome of one position. It returns false without error
// when a market of the position has not resolved yet.
func (l *Ledger) Settle(ctx context.Context, pos domain.Position) (bool, error) {
	if !l.claim(pos.OpportunityID) {
		return false, nil
	}
	defer l.release(pos.OpportunityID)

	resolutions := make(map[string]domain.Resolution)
	outcomeMarket := make(map[string]string)
	for _, o := range pos.Orders {
		outcomeMarket[o.OutcomeID] = o.MarketID
		if _, ok := resolutions[o.MarketID]; ok || o.MarketID == "" {
			continue
		}
		res, err := l.cache.get(ctx, o.MarketID)
		if err != nil {
			l.logger.DebugContext(ctx, "resolution fetch failed",
				slog.String("market_id", o.MarketID),
				slog.String("error", err.Error()),
			)
			return false, nil
		}
		if !res.Closed {
			return false, nil
		}
		resolutions[o.MarketID] = res
	}

	won := func(outcomeID string) bool {
		res, ok := resolutions[outcomeMarket[outcomeID]]
		return ok && res.Won(outcomeID)
	}
	rec := Compute(pos, won, l.now())

	entry, err := l.deps.Book.Resolve(ctx, pos.OpportunityID, rec.Payout)
	switch {
	case err == nil:
		if !entry.Equal(rec.EntryCost) {
			l.logger.WarnContext(ctx, "bankroll entry cost differs from position",
				slog.String("opportunity_id", pos.OpportunityID),
				slog.String("bankroll", entry.String()),
				slog.String("position", rec.EntryCost.String()),
			)
		}
		l.sellWinners(ctx, pos, outcomeMarket, won)
	case errors.Is(err, domain.ErrAlreadySettled):
		// Resolved before a restart; the record below may still be missing.
	default:
		return false, fmt.Errorf("ledger: resolve %s: %w", pos.OpportunityID, err)
	}

	if err := l.deps.Store.Append(ctx, rec); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return false, fmt.Errorf("ledger: append %s: %w", pos.OpportunityID, err)
		}
		l.logger.DebugContext(ctx, "performance record already stored",
			slog.String("opportunity_id", pos.OpportunityID),
		)
	} else {
		l.deps.Metrics.LedgerRecord()
		l.archive(ctx, rec)
	}

	if err := l.deps.Positions.MarkSettled(ctx, pos.OpportunityID); err != nil {
		l.logger.WarnContext(ctx, "mark settled failed",
			slog.String("opportunity_id", pos.OpportunityID),
			slog.String("error", err.Error()),
		)
	}
	snap := l.deps.Book.Snapshot()
	l.deps.Metrics.Bankroll(snap.Available, snap.Exposure)

	l.logger.InfoContext(ctx, "position settled",
		slog.String("opportunity_id", rec.OpportunityID),
		slog.String("linked_set_id", rec.LinkedSetID),
		slog.Time("window_close", rec.WindowClose),
		slog.String("entry_cost", rec.EntryCost.String()),
		slog.String("payout", rec.Payout.String()),
		slog.String("fees", rec.FeesPaid.String()),
		slog.String("realized_pnl", rec.RealizedPnL.String()),
	)
	if l.deps.Alerter != nil {
		l.deps.Alerter.Alert(ctx, "ledger_settled", fmt.Sprintf("%s settled: pnl %s (payout %s, entry %s, fees %s)",
			rec.LinkedSetID, rec.RealizedPnL.StringFixed(4), rec.Payout, rec.EntryCost, rec.FeesPaid))
	}
	l.publish(ctx, rec)
	return true, nil
}

// Compute derives the performance record of a resolved position:
// realized PnL is payout minus fees minus entry cost.
func Compute(pos domain.Position, won func(outcomeID string) bool, settledAt time.Time) domain.PerformanceRecord {
	_, entry, fees := pos.Net()
	payout := pos.Payout(won)
	return domain.PerformanceRecord{
		WindowClose:    pos.WindowClose,
		OpportunityID:  pos.OpportunityID,
		LinkedSetID:    pos.LinkedSetID,
		EntryCost:      entry,
		Payout:         payout,
		FeesPaid:       fees,
		RealizedPnL:    payout.Sub(fees).Sub(entry),
		OutcomeSettled: true,
		SettledAt:      settledAt,
	}
}

// Range returns the records whose window closed in [from, to).
func (l *Ledger) Range(ctx context.Context, from, to time.Time) ([]domain.PerformanceRecord, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("ledger: range: from %s not before to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	recs, err := l.deps.Store.Range(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("ledger: range: %w", err)
	}
	return recs, nil
}

// Unrealized returns the capital still deployed in unsettled positions.
func (l *Ledger) Unrealized() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range l.deps.Positions.Positions() {
		if pos.Status == domain.PositionStatusSettled || pos.Status == domain.PositionStatusFlat {
			continue
		}
		_, deployed, _ := pos.Net()
		total = total.Add(deployed)
	}
	return total
}

// sellWinners exits every winning quantity held long. Failures are logged and
// do not block settlement; the tokens can still be redeemed on chain.
func (l *Ledger) sellWinners(ctx context.Context, pos domain.Position, outcomeMarket map[string]string, won func(string) bool) {
	if !l.cfg.SellWinners || l.deps.Venue == nil {
		return
	}
	held, _, _ := pos.Net()
	outcomes := make([]string, 0, len(held))
	for outcome := range held {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)

	for _, outcome := range outcomes {
		qty := held[outcome]
		if !qty.IsPositive() || !won(outcome) {
			continue
		}
		now := l.now()
		order := domain.Order{
			ID:            uuid.New().String(),
			OpportunityID: pos.OpportunityID,
			LinkedSetID:   pos.LinkedSetID,
			WindowClose:   pos.WindowClose,
			OutcomeID:     outcome,
			MarketID:      outcomeMarket[outcome],
			Side:          domain.OrderSideSell,
			Quantity:      qty,
			LimitPrice:    l.cfg.ExitPrice,
			State:         domain.OrderStatePending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		log := l.logger.With(
			slog.String("opportunity_id", pos.OpportunityID),
			slog.String("outcome_id", outcome),
			slog.String("quantity", qty.String()),
			slog.String("price", l.cfg.ExitPrice.String()),
		)
		vo, err := l.deps.Venue.Submit(ctx, order)
		if err == nil && vo.Status == domain.VenueStatusRejected {
			err = &domain.VenueRejectionError{OrderID: order.ID, Reason: vo.Reason}
		}
		if err != nil {
			log.WarnContext(ctx, "sell winning tokens failed", slog.String("error", err.Error()))
			continue
		}
		log.InfoContext(ctx, "sold winning tokens",
			slog.String("order_id", order.ID),
			slog.String("venue_order_id", vo.VenueOrderID),
		)
	}
}

func (l *Ledger) claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[id] {
		return false
	}
	l.inFlight[id] = true
	return true
}

func (l *Ledger) release(id string) {
	l.mu.Lock()
	delete(l.inFlight, id)
	l.mu.Unlock()
}

func (l *Ledger) archive(ctx context.Context, rec domain.PerformanceRecord) {
	if l.deps.Archiver == nil {
		return
	}
	if err := l.deps.Archiver.ArchiveRecord(ctx, rec); err != nil {
		l.logger.WarnContext(ctx, "archive record failed",
			slog.String("opportunity_id", rec.OpportunityID),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) publish(ctx context.Context, rec domain.PerformanceRecord) {
	if l.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":  "ledger_settled",
		"record": rec,
	})
	if err != nil {
		return
	}
	if err := l.deps.Bus.Publish(ctx, domain.ChannelLedger, payload); err != nil {
		l.logger.WarnContext(ctx, "publish ledger event failed", slog.String("error", err.Error()))
	}
	if err := l.deps.Bus.StreamAppend(ctx, domain.ChannelLedger, payload); err != nil {
		l.logger.WarnContext(ctx, "append ledger stream failed", slog.String("error", err.Error()))
	}
}
