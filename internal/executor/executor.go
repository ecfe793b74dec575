// Package executor drives sized opportunities through the order state
// machine: submission, fill tracking, expiry cancellation, sibling abort and
// compensating hedges.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/bankroll"
	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/metrics"
	"github.com/alanyoungcy/windowarb/internal/retry"
)

// Config holds execution settings.
type Config struct {
	// ExpiryBuffer is subtracted from the window close to get the hard
	// cancellation deadline.
	ExpiryBuffer   time.Duration
	PollInterval   time.Duration
	SubmitAttempts int
	RetryBaseDelay time.Duration
	// MaxSlippage is conceded on imbalance hedges.
	MaxSlippage  decimal.Decimal
	DrainTimeout time.Duration
	// DedupTTL bounds how long an opportunity id is remembered.
	DedupTTL time.Duration
}

// Deps are the collaborators of the Executor. Bus, Archiver, Alerter and
// Metrics are optional.
type Deps struct {
	Venue     domain.Venue
	Book      *bankroll.Book
	Orders    domain.OrderStore
	Positions domain.PositionStore
	Bus       domain.SignalBus
	Archiver  domain.Archiver
	Alerter   domain.Alerter
	Metrics   *metrics.Metrics
}

type tracked struct {
	pos domain.Position
	run *run // nil when no coordinator is active
}

// Executor owns every order and position. Each executing opportunity gets a
// coordinator goroutine that alone applies state transitions to its orders.
type Executor struct {
	deps   Deps
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	dedup  *Dedup

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	tracked  map[string]*tracked // opportunity id
	halted   map[string]string   // domain.SetKey -> reason
	draining bool
	wg       sync.WaitGroup
}

// New creates an Executor. now may be nil to use time.Now.
func New(deps Deps, cfg Config, logger *slog.Logger, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SubmitAttempts < 1 {
		cfg.SubmitAttempts = 1
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 30 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Executor{
		deps:       deps,
		cfg:        cfg,
		now:        now,
		logger:     logger.With(slog.String("component", "executor")),
		dedup:      NewDedup(cfg.DedupTTL, now),
		baseCtx:    base,
		cancelBase: cancel,
		tracked:    make(map[string]*tracked),
		halted:     make(map[string]string),
	}
}

// Run periodically garbage-collects the dedup table until ctx is cancelled,
// then drains in-flight opportunities.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
			err := e.Drain(drainCtx)
			cancel()
			return err
		case <-cleanup.C:
			e.dedup.Cleanup()
		}
	}
}

// Execute reserves capital for every sized leg and starts a coordinator that
// submits and tracks the orders. It returns once the position is registered;
// execution continues in the background.
func (e *Executor) Execute(ctx context.Context, opp domain.ArbitrageOpportunity, sized []domain.SizedOrder) (domain.Position, error) {
	if len(sized) == 0 || len(sized) != len(opp.Legs) {
		return domain.Position{}, fmt.Errorf("executor: %d sized orders for %d legs: %w", len(sized), len(opp.Legs), domain.ErrInvalidOrder)
	}
	now := e.now()
	deadline := opp.WindowClose.Add(-e.cfg.ExpiryBuffer)
	if !now.Before(deadline) {
		return domain.Position{}, fmt.Errorf("executor: opportunity %s: %w", opp.ID, domain.ErrWindowExpired)
	}

	pos := domain.Position{
		OpportunityID: opp.ID,
		LinkedSetID:   opp.LinkedSetID,
		Kind:          opp.Kind,
		WindowClose:   opp.WindowClose,
		Status:        domain.PositionStatusExecuting,
		OpenedAt:      now,
		Edge:          opp.TheoreticalEdge,
	}
	for _, so := range sized {
		if so.LegIndex < 0 || so.LegIndex >= len(opp.Legs) || !so.Quantity.IsPositive() {
			return domain.Position{}, fmt.Errorf("executor: sized leg %d: %w", so.LegIndex, domain.ErrInvalidOrder)
		}
		leg := opp.Legs[so.LegIndex]
		pos.Orders = append(pos.Orders, domain.Order{
			ID:            uuid.New().String(),
			OpportunityID: opp.ID,
			LinkedSetID:   opp.LinkedSetID,
			WindowClose:   opp.WindowClose,
			LegIndex:      so.LegIndex,
			OutcomeID:     leg.OutcomeID,
			MarketID:      leg.MarketID,
			Side:          leg.Side,
			Quantity:      so.Quantity,
			LimitPrice:    so.LimitPrice,
			HedgePrice:    leg.HedgePrice,
			State:         domain.OrderStatePending,
			Reserved:      so.Commitment,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	// Claim the exposure key before any I/O.
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return domain.Position{}, domain.ErrEngineStopped
	}
	if reason, ok := e.halted[domain.SetKey(opp.LinkedSetID)]; ok {
		e.mu.Unlock()
		return domain.Position{}, fmt.Errorf("executor: set %s (%s): %w", domain.SetKey(opp.LinkedSetID), reason, domain.ErrSetHalted)
	}
	for _, t := range e.tracked {
		if t.pos.LinkedSetID == opp.LinkedSetID && t.pos.WindowClose.Equal(opp.WindowClose) && t.pos.Status.Unresolved() {
			e.mu.Unlock()
			return domain.Position{}, fmt.Errorf("executor: %s has unresolved position %s: %w",
				opp.Key(), t.pos.OpportunityID, domain.ErrAlreadyExists)
		}
	}
	if e.dedup.IsDuplicate(opp.ID) {
		e.mu.Unlock()
		return domain.Position{}, fmt.Errorf("executor: opportunity %s: %w", opp.ID, domain.ErrAlreadyExists)
	}
	t := &tracked{pos: pos}
	e.tracked[opp.ID] = t
	e.wg.Add(1)
	e.mu.Unlock()

	for i, o := range pos.Orders {
		if err := e.deps.Book.Reserve(ctx, o.ID, o.Reserved); err != nil {
			for _, prev := range pos.Orders[:i] {
				if rerr := e.deps.Book.Settle(ctx, prev.ID, opp.ID, decimal.Zero, decimal.Zero); rerr != nil {
					e.logger.ErrorContext(ctx, "release reservation failed",
						slog.String("order_id", prev.ID),
						slog.String("opportunity_id", opp.ID),
						slog.String("reason", "reserve_rollback"),
						slog.String("error", rerr.Error()),
					)
				}
			}
			e.mu.Lock()
			delete(e.tracked, opp.ID)
			e.mu.Unlock()
			e.wg.Done()
			return domain.Position{}, fmt.Errorf("executor: reserve leg %d: %w", o.LegIndex, err)
		}
	}

	for _, o := range pos.Orders {
		if err := e.deps.Orders.Upsert(ctx, o); err != nil {
			e.logger.WarnContext(ctx, "persist order failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.persistPosition(ctx, pos)
	e.publish(ctx, domain.ChannelOrders, map[string]any{
		"event":          "position_executing",
		"opportunity_id": opp.ID,
		"linked_set_id":  opp.LinkedSetID,
		"legs":           len(pos.Orders),
	})

	r := newRun(e, pos, deadline, false)
	e.mu.Lock()
	t.run = r
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		r.drive(e.baseCtx)
	}()

	e.logger.InfoContext(ctx, "opportunity executing",
		slog.String("opportunity_id", opp.ID),
		slog.String("linked_set_id", opp.LinkedSetID),
		slog.String("direction", string(opp.Direction)),
		slog.String("quantity", sized[0].Quantity.String()),
		slog.String("edge", opp.TheoreticalEdge.String()),
		slog.Time("deadline", deadline),
	)
	return pos, nil
}

// OpenOnSet counts unresolved positions on a linked set.
func (e *Executor) OpenOnSet(setID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.tracked {
		if t.pos.LinkedSetID == setID && t.pos.Status.Unresolved() {
			n++
		}
	}
	return n
}

// Halted reports whether new submissions on the set are blocked. A halt
// covers the set in every later window until ClearHalt.
func (e *Executor) Halted(setID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.halted[domain.SetKey(setID)]
	return reason, ok
}

// Halts returns the active halts by set key.
func (e *Executor) Halts() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.halted)
}

// ClearHalt is the operator release of a halted set. Halted positions on the
// set that are not being flattened become open, so the halt is not restored
// on the next Recover; their exposure stays until the ledger settles them.
func (e *Executor) ClearHalt(ctx context.Context, setKey string) error {
	setKey = domain.SetKey(setKey)
	e.mu.Lock()
	reason, ok := e.halted[setKey]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("executor: clear halt %s: %w", setKey, domain.ErrNotFound)
	}
	delete(e.halted, setKey)
	var reopened []domain.Position
	for _, t := range e.tracked {
		if t.run == nil && t.pos.Status == domain.PositionStatusHalted && domain.SetKey(t.pos.LinkedSetID) == setKey {
			t.pos.Status = domain.PositionStatusOpen
			reopened = append(reopened, t.pos)
		}
	}
	e.mu.Unlock()

	for _, pos := range reopened {
		e.persistPosition(ctx, pos)
	}
	e.logger.WarnContext(ctx, "set halt cleared by operator",
		slog.String("set_key", setKey),
		slog.String("halt_reason", reason),
		slog.Int("positions_reopened", len(reopened)),
	)
	e.publish(ctx, domain.ChannelEngine, map[string]any{
		"event":   "set_resumed",
		"set_key": setKey,
	})
	return nil
}

// Positions returns a copy of every unresolved position, oldest first.
func (e *Executor) Positions() []domain.Position {
	e.mu.Lock()
	out := make([]domain.Position, 0, len(e.tracked))
	for _, t := range e.tracked {
		p := t.pos
		p.Orders = append([]domain.Order(nil), p.Orders...)
		out = append(out, p)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Position returns the tracked position of an opportunity.
func (e *Executor) Position(opportunityID string) (domain.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tracked[opportunityID]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	p := t.pos
	p.Orders = append([]domain.Order(nil), p.Orders...)
	return p, nil
}

// Cancel is the operator cancellation of one order.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	e.mu.Lock()
	var target *run
	for _, t := range e.tracked {
		for _, o := range t.pos.Orders {
			if o.ID != orderID {
				continue
			}
			if o.State.Terminal() {
				e.mu.Unlock()
				return fmt.Errorf("executor: cancel %s: already %s: %w", orderID, o.State, domain.ErrInvalidTransition)
			}
			target = t.run
		}
	}
	e.mu.Unlock()
	if target == nil {
		return fmt.Errorf("executor: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	err := target.send(ctx, command{kind: cmdCancel, orderID: orderID})
	if errors.Is(err, errRunDone) {
		return fmt.Errorf("executor: cancel %s: %w", orderID, domain.ErrInvalidTransition)
	}
	return err
}

// ForceFlatten cancels any open legs of the position and sells (or buys back)
// every filled quantity.
func (e *Executor) ForceFlatten(ctx context.Context, opportunityID string) error {
	for {
		e.mu.Lock()
		t, ok := e.tracked[opportunityID]
		if !ok {
			e.mu.Unlock()
			return fmt.Errorf("executor: flatten %s: %w", opportunityID, domain.ErrNotFound)
		}
		if r := t.run; r != nil {
			e.mu.Unlock()
			err := r.send(ctx, command{kind: cmdFlatten})
			if errors.Is(err, errRunDone) {
				// Finished between lookup and send; retry against the final state.
				continue
			}
			return err
		}

		pos := t.pos
		switch {
		case pos.Status != domain.PositionStatusOpen && pos.Status != domain.PositionStatusHalted:
			e.mu.Unlock()
			return fmt.Errorf("executor: flatten %s: position %s: %w", opportunityID, pos.Status, domain.ErrInvalidTransition)
		case !e.now().Before(pos.WindowClose):
			e.mu.Unlock()
			return fmt.Errorf("executor: flatten %s: %w", opportunityID, domain.ErrWindowExpired)
		case e.draining:
			e.mu.Unlock()
			return domain.ErrEngineStopped
		}
		pos.Status = domain.PositionStatusExecuting
		r := newRun(e, pos, pos.WindowClose, true)
		t.pos = pos
		t.run = r
		e.wg.Add(1)
		e.mu.Unlock()

		e.logger.WarnContext(ctx, "force flatten requested",
			slog.String("opportunity_id", opportunityID),
			slog.String("linked_set_id", pos.LinkedSetID),
		)
		go func() {
			defer e.wg.Done()
			r.drive(e.baseCtx)
		}()
		return nil
	}
}

// MarkSettled records that the ledger settled the position; its exposure
// key is released.
func (e *Executor) MarkSettled(ctx context.Context, opportunityID string) error {
	e.mu.Lock()
	t, ok := e.tracked[opportunityID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("executor: settle %s: %w", opportunityID, domain.ErrNotFound)
	}
	if t.run != nil || t.pos.Status == domain.PositionStatusExecuting {
		e.mu.Unlock()
		return fmt.Errorf("executor: settle %s: still executing: %w", opportunityID, domain.ErrInvalidTransition)
	}
	pos := t.pos
	pos.Status = domain.PositionStatusSettled
	delete(e.tracked, opportunityID)
	e.mu.Unlock()

	e.persistPosition(ctx, pos)
	return nil
}

// Drain stops new executions and waits for every coordinator to bring its
// orders to a terminal state. When ctx expires first, every open order is
// cancelled and the coordinators get one more DrainTimeout to finish.
func (e *Executor) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancelBase()
		return nil
	case <-ctx.Done():
	}

	e.mu.Lock()
	var runs []*run
	for _, t := range e.tracked {
		if t.run != nil {
			runs = append(runs, t.run)
		}
	}
	e.mu.Unlock()

	e.logger.Warn("drain deadline reached, cancelling open orders", slog.Int("executing", len(runs)))
	grace, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
	defer cancel()
	for _, r := range runs {
		_ = r.send(grace, command{kind: cmdCancelAll})
	}
	select {
	case <-done:
		e.cancelBase()
		return nil
	case <-grace.Done():
		e.cancelBase()
		<-done
		return fmt.Errorf("executor: drain: %w", ctx.Err())
	}
}

// Recover reloads unresolved positions and reconciles stored non-terminal
// orders with the venue before any new execution starts. Venue orders the
// store does not know are cancelled as orphans.
func (e *Executor) Recover(ctx context.Context) error {
	policy := retry.Policy{MaxAttempts: e.cfg.SubmitAttempts, BaseDelay: e.cfg.RetryBaseDelay}

	positions, err := e.deps.Positions.ListUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("executor: recover: list positions: %w", err)
	}
	pending, err := e.deps.Orders.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("executor: recover: list orders: %w", err)
	}
	venueOpen, err := retry.Value(ctx, policy, e.deps.Venue.OpenOrders)
	if err != nil {
		return fmt.Errorf("executor: recover: venue open orders: %w", err)
	}

	known := make(map[string]bool, len(pending))
	byVenueID := make(map[string]string, len(pending))
	for _, o := range pending {
		known[o.ID] = true
		if o.VenueOrderID != "" {
			byVenueID[o.VenueOrderID] = o.ID
		}
	}
	venueByClient := make(map[string]domain.VenueOrder, len(venueOpen))
	for _, v := range venueOpen {
		if !known[v.ClientOrderID] && v.VenueOrderID != "" {
			// Venues without client ids report only their own.
			if id, ok := byVenueID[v.VenueOrderID]; ok {
				v.ClientOrderID = id
			}
		}
		if !known[v.ClientOrderID] {
			orphan := domain.Order{ID: v.ClientOrderID, VenueOrderID: v.VenueOrderID, OutcomeID: v.OutcomeID}
			if cerr := e.deps.Venue.Cancel(ctx, orphan); cerr != nil {
				e.logger.ErrorContext(ctx, "cancel orphan venue order failed",
					slog.String("venue_order_id", v.VenueOrderID),
					slog.String("error", cerr.Error()),
				)
			} else {
				e.logger.WarnContext(ctx, "cancelled orphan venue order",
					slog.String("venue_order_id", v.VenueOrderID),
					slog.String("client_order_id", v.ClientOrderID),
				)
			}
			continue
		}
		venueByClient[v.ClientOrderID] = v
	}

	resumed := 0
	for _, pos := range positions {
		orders, err := e.deps.Orders.ListByOpportunity(ctx, pos.OpportunityID)
		if err != nil {
			return fmt.Errorf("executor: recover: orders of %s: %w", pos.OpportunityID, err)
		}
		if len(orders) > 0 {
			pos.Orders = orders
		}
		for i, o := range pos.Orders {
			if !o.State.Terminal() {
				if _, live := venueByClient[o.ID]; !live {
					pos.Orders[i] = e.closeMissing(ctx, o)
				}
			}
			if o := pos.Orders[i]; o.State.Terminal() && !e.deps.Book.Settled(o.ID) {
				if err := e.deps.Book.Settle(ctx, o.ID, o.OpportunityID, o.Deployed(), o.Fees); err != nil {
					e.logger.WarnContext(ctx, "recover settle failed",
						slog.String("order_id", o.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}

		t := &tracked{pos: pos}
		e.mu.Lock()
		e.tracked[pos.OpportunityID] = t
		if pos.Status == domain.PositionStatusHalted {
			e.halted[domain.SetKey(pos.LinkedSetID)] = "halted before restart"
		}
		if pos.Status == domain.PositionStatusExecuting {
			t.run = newRun(e, pos, pos.WindowClose.Add(-e.cfg.ExpiryBuffer), false)
			e.wg.Add(1)
			resumed++
			go func(r *run) {
				defer e.wg.Done()
				r.drive(e.baseCtx)
			}(t.run)
		}
		e.mu.Unlock()
	}

	e.logger.InfoContext(ctx, "executor recovered",
		slog.Int("positions", len(positions)),
		slog.Int("resumed", resumed),
		slog.Int("venue_open", len(venueOpen)),
	)
	return nil
}

// closeMissing settles a stored non-terminal order the venue no longer lists.
func (e *Executor) closeMissing(ctx context.Context, o domain.Order) domain.Order {
	now := e.now()
	v, err := e.deps.Venue.Query(ctx, o)
	var next domain.Order
	switch {
	case err == nil:
		next, err = advance(o, v, now)
		if err == nil && !next.State.Terminal() {
			// Venue still reports it working; leave it to the resumed coordinator.
			return next
		}
	case errors.Is(err, domain.ErrNotFound):
		next, err = cancelled(o, domain.VenueOrder{}, "not found at venue after restart", now)
	default:
		e.logger.WarnContext(ctx, "recover query failed; order left to coordinator",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return o
	}
	if err != nil {
		return o
	}
	if uerr := e.deps.Orders.Upsert(ctx, next); uerr != nil {
		e.logger.WarnContext(ctx, "persist order failed", slog.String("order_id", next.ID), slog.String("error", uerr.Error()))
	}
	return next
}

func (e *Executor) persistPosition(ctx context.Context, pos domain.Position) {
	if err := e.deps.Positions.Upsert(ctx, pos); err != nil {
		e.logger.WarnContext(ctx, "persist position failed",
			slog.String("opportunity_id", pos.OpportunityID),
			slog.String("error", err.Error()),
		)
	}
}

// syncPosition publishes the coordinator's copy of a position.
func (e *Executor) syncPosition(ctx context.Context, pos domain.Position, done bool) {
	cp := pos
	cp.Orders = append([]domain.Order(nil), pos.Orders...)
	e.mu.Lock()
	if t, ok := e.tracked[pos.OpportunityID]; ok {
		t.pos = cp
		if done {
			t.run = nil
			if pos.Status == domain.PositionStatusFlat {
				delete(e.tracked, pos.OpportunityID)
			}
		}
	}
	open := 0
	for _, t := range e.tracked {
		if t.pos.Status.Unresolved() {
			open++
		}
	}
	e.mu.Unlock()
	e.deps.Metrics.OpenPositions(open)
	e.persistPosition(ctx, cp)
}

func (e *Executor) halt(ctx context.Context, setID string, err error) {
	key := domain.SetKey(setID)
	e.mu.Lock()
	e.halted[key] = err.Error()
	e.mu.Unlock()

	e.deps.Metrics.ExposureAlert()
	e.logger.ErrorContext(ctx, "set halted on exposure inconsistency",
		slog.String("linked_set_id", setID),
		slog.String("set_key", key),
		slog.String("error", err.Error()),
	)
	e.alert(ctx, "exposure_alert", err.Error())
	e.publish(ctx, domain.ChannelEngine, map[string]any{
		"event":         "set_halted",
		"linked_set_id": setID,
		"set_key":       key,
		"reason":        err.Error(),
	})
}

func (e *Executor) alert(ctx context.Context, event, msg string) {
	if e.deps.Alerter != nil {
		e.deps.Alerter.Alert(ctx, event, msg)
	}
}

func (e *Executor) publish(ctx context.Context, channel string, payload map[string]any) {
	if e.deps.Bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := e.deps.Bus.Publish(ctx, channel, data); err != nil {
		e.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
