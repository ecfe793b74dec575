package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/retry"
)

var (
	errRunDone = errors.New("executor: coordinator finished")

	minPrice = decimal.RequireFromString("0.01")
	maxPrice = decimal.RequireFromString("0.99")
)

type eventKind int

const (
	evSubmitted eventKind = iota
	evReport
)

// event is a venue observation posted to the coordinator by a submitter or
// tracker goroutine.
type event struct {
	kind   eventKind
	idx    int
	report domain.VenueOrder
	err    error
}

type commandKind int

const (
	cmdCancel commandKind = iota
	cmdFlatten
	cmdCancelAll
)

type command struct {
	kind    commandKind
	orderID string
	reply   chan error
}

// run coordinates one opportunity. Only its drive goroutine touches pos.
type run struct {
	e        *Executor
	pos      domain.Position
	deadline time.Time
	flatten  bool

	events        chan event
	cmds          chan command
	done          chan struct{}
	trackers      map[int]context.CancelFunc
	submitting    map[int]bool
	pendingCancel map[int]string
	abortSiblings bool
	aborted       bool
	log           *slog.Logger
}

func newRun(e *Executor, pos domain.Position, deadline time.Time, flatten bool) *run {
	pos.Orders = append([]domain.Order(nil), pos.Orders...)
	return &run{
		e:             e,
		pos:           pos,
		deadline:      deadline,
		flatten:       flatten,
		events:        make(chan event, 8*(len(pos.Orders)+1)),
		cmds:          make(chan command),
		done:          make(chan struct{}),
		trackers:      make(map[int]context.CancelFunc),
		submitting:    make(map[int]bool),
		pendingCancel: make(map[int]string),
		log: e.logger.With(
			slog.String("opportunity_id", pos.OpportunityID),
			slog.String("linked_set_id", pos.LinkedSetID),
		),
	}
}

// send delivers a command and waits for its result.
func (r *run) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case r.cmds <- c:
	case <-r.done:
		return errRunDone
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) drive(ctx context.Context) {
	defer close(r.done)
	defer r.stopTrackers()

	r.phase(ctx, r.deadline, true)
	r.finish(ctx)
}

// phase drives every non-terminal order to a terminal state, cancelling
// whatever is still working at deadline.
func (r *run) phase(ctx context.Context, deadline time.Time, abortSiblings bool) {
	r.abortSiblings = abortSiblings
	r.aborted = false

	var active []int
	for i, o := range r.pos.Orders {
		if o.State.Terminal() {
			continue
		}
		active = append(active, i)
		if o.State == domain.OrderStatePending && o.VenueOrderID == "" {
			r.submit(ctx, i, deadline)
		} else {
			r.track(ctx, i)
		}
	}
	if len(active) == 0 {
		return
	}

	timer := time.NewTimer(max(deadline.Sub(r.e.now()), 0))
	defer timer.Stop()
	expired := false

	for r.working(active) {
		select {
		case ev := <-r.events:
			r.handle(ctx, ev, expired)
		case c := <-r.cmds:
			c.reply <- r.command(ctx, c)
		case <-timer.C:
			expired = true
			r.aborted = true
			r.log.WarnContext(ctx, "cancellation deadline reached", slog.Time("deadline", deadline))
			for _, i := range active {
				r.cancelOrder(ctx, i, "window expiry")
			}
		case <-ctx.Done():
			r.abandon(active)
			return
		}
	}
}

func (r *run) working(idxs []int) bool {
	for _, i := range idxs {
		if !r.pos.Orders[i].State.Terminal() {
			return true
		}
	}
	return false
}

func (r *run) submit(ctx context.Context, idx int, deadline time.Time) {
	o := r.pos.Orders[idx]
	r.submitting[idx] = true
	policy := retry.Policy{
		MaxAttempts: r.e.cfg.SubmitAttempts,
		BaseDelay:   r.e.cfg.RetryBaseDelay,
		MaxDelay:    2 * time.Second,
		Deadline:    deadline,
	}
	go func() {
		sctx, cancel := context.WithDeadline(ctx, o.WindowClose)
		defer cancel()
		v, err := retry.Value(sctx, policy, func(c context.Context) (domain.VenueOrder, error) {
			return r.e.deps.Venue.Submit(c, o)
		})
		select {
		case r.events <- event{kind: evSubmitted, idx: idx, report: v, err: err}:
		case <-r.done:
		}
	}()
}

// track starts a goroutine polling the venue for the order's state.
func (r *run) track(ctx context.Context, idx int) {
	if _, ok := r.trackers[idx]; ok {
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	r.trackers[idx] = cancel
	o := r.pos.Orders[idx]
	interval := r.e.cfg.PollInterval

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-t.C:
			}
			v, err := r.e.deps.Venue.Query(tctx, o)
			if tctx.Err() != nil {
				return
			}
			select {
			case r.events <- event{kind: evReport, idx: idx, report: v, err: err}:
			case <-tctx.Done():
				return
			}
		}
	}()
}

func (r *run) stopTracker(idx int) {
	if cancel, ok := r.trackers[idx]; ok {
		cancel()
		delete(r.trackers, idx)
	}
}

func (r *run) stopTrackers() {
	for idx := range r.trackers {
		r.stopTracker(idx)
	}
}

func (r *run) handle(ctx context.Context, ev event, expired bool) {
	o := r.pos.Orders[ev.idx]
	if ev.kind == evSubmitted {
		delete(r.submitting, ev.idx)
	}
	if o.State.Terminal() {
		return
	}

	switch ev.kind {
	case evSubmitted:
		if ev.err != nil {
			r.submitFailed(ctx, ev.idx, ev.err)
			return
		}
		r.apply(ctx, ev.idx, ev.report)
		if r.pos.Orders[ev.idx].State.Terminal() {
			return
		}
		if reason, ok := r.pendingCancel[ev.idx]; ok || expired {
			if !ok {
				reason = "window expiry"
			}
			r.cancelOrder(ctx, ev.idx, reason)
			return
		}
		r.track(ctx, ev.idx)

	case evReport:
		if ev.err != nil {
			r.log.WarnContext(ctx, "order query failed",
				slog.String("order_id", o.ID),
				slog.String("error", ev.err.Error()),
			)
			return
		}
		r.apply(ctx, ev.idx, ev.report)
	}
}

// submitFailed rejects an order whose submission did not succeed. A
// transient failure may still have reached the venue, so it is asked first.
func (r *run) submitFailed(ctx context.Context, idx int, err error) {
	o := r.pos.Orders[idx]
	if errors.Is(err, domain.ErrTransientIO) {
		if v, qerr := r.e.deps.Venue.Query(ctx, o); qerr == nil {
			r.apply(ctx, idx, v)
			if r.pos.Orders[idx].State.Terminal() {
				return
			}
			if reason, ok := r.pendingCancel[idx]; ok {
				r.cancelOrder(ctx, idx, reason)
				return
			}
			r.track(ctx, idx)
			return
		}
	}
	r.log.WarnContext(ctx, "order submission failed",
		slog.String("order_id", o.ID),
		slog.Int("leg", o.LegIndex),
		slog.String("error", err.Error()),
	)
	o.Reason = err.Error()
	next, terr := transition(o, domain.OrderStateRejected, r.e.now())
	if terr != nil {
		r.log.ErrorContext(ctx, "reject transition failed", slog.String("error", terr.Error()))
		return
	}
	r.update(ctx, idx, next)
}

func (r *run) apply(ctx context.Context, idx int, v domain.VenueOrder) {
	o := r.pos.Orders[idx]
	next, err := advance(o, v, r.e.now())
	if err != nil {
		r.log.DebugContext(ctx, "ignored venue report",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if next.State == o.State && next.FilledQty.Equal(o.FilledQty) && next.VenueOrderID == o.VenueOrderID {
		return
	}
	r.update(ctx, idx, next)
}

// cancelOrder makes a single cancel attempt, with no retry, and closes the
// order locally with whatever fill the venue reports afterwards.
func (r *run) cancelOrder(ctx context.Context, idx int, reason string) {
	o := r.pos.Orders[idx]
	if o.State.Terminal() {
		return
	}
	if r.submitting[idx] {
		r.pendingCancel[idx] = reason
		return
	}
	r.stopTracker(idx)

	var last domain.VenueOrder
	if o.VenueOrderID != "" || o.State != domain.OrderStatePending {
		if err := r.e.deps.Venue.Cancel(ctx, o); err != nil {
			r.log.ErrorContext(ctx, "cancel failed",
				slog.String("order_id", o.ID),
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
			reason = fmt.Sprintf("%s (cancel failed: %v)", reason, err)
		}
		if v, err := r.e.deps.Venue.Query(ctx, o); err == nil {
			last = v
		}
	}

	next, err := cancelled(o, last, reason, r.e.now())
	if err != nil {
		r.log.ErrorContext(ctx, "cancel transition failed", slog.String("error", err.Error()))
		return
	}
	r.update(ctx, idx, next)
}

// update stores a new version of an order and runs terminal bookkeeping the
// one time the order becomes terminal.
func (r *run) update(ctx context.Context, idx int, next domain.Order) {
	prev := r.pos.Orders[idx]
	r.pos.Orders[idx] = next
	if err := r.e.deps.Orders.Upsert(ctx, next); err != nil {
		r.log.WarnContext(ctx, "persist order failed",
			slog.String("order_id", next.ID),
			slog.String("error", err.Error()),
		)
	}
	r.e.publish(ctx, domain.ChannelOrders, map[string]any{
		"event": "order_update",
		"order": next,
	})
	r.e.syncPosition(ctx, r.pos, false)

	if prev.State.Terminal() || !next.State.Terminal() {
		return
	}
	r.terminal(ctx, idx)
}

func (r *run) terminal(ctx context.Context, idx int) {
	o := r.pos.Orders[idx]
	r.stopTracker(idx)
	delete(r.pendingCancel, idx)

	if err := r.e.deps.Book.Settle(ctx, o.ID, o.OpportunityID, o.Deployed(), o.Fees); err != nil {
		r.log.ErrorContext(ctx, "bankroll settle failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
	snap := r.e.deps.Book.Snapshot()
	r.e.deps.Metrics.Bankroll(snap.Available, snap.Exposure)
	r.e.deps.Metrics.OrderTerminal(string(o.State))

	if r.e.deps.Archiver != nil {
		if err := r.e.deps.Archiver.ArchiveOrder(ctx, o); err != nil {
			r.log.WarnContext(ctx, "archive order failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
		}
	}

	r.log.InfoContext(ctx, "order terminal",
		slog.String("order_id", o.ID),
		slog.Int("leg", o.LegIndex),
		slog.String("state", string(o.State)),
		slog.String("filled", o.FilledQty.String()),
		slog.String("quantity", o.Quantity.String()),
		slog.Bool("compensating", o.Compensating),
		slog.String("reason", o.Reason),
	)
	if o.State == domain.OrderStateFilled {
		r.e.alert(ctx, "order_filled", fmt.Sprintf("%s %s %s @ %s (opportunity %s)",
			o.Side, o.FilledQty, o.OutcomeID, o.AvgFillPrice, o.OpportunityID))
	}

	// Abort the remaining legs once any leg closes short of its quantity.
	if r.abortSiblings && !r.aborted && o.State != domain.OrderStateFilled {
		r.aborted = true
		for j := range r.pos.Orders {
			if j != idx && !r.pos.Orders[j].State.Terminal() {
				r.cancelOrder(ctx, j, fmt.Sprintf("sibling leg %d %s", o.LegIndex, o.State))
			}
		}
	}
}

func (r *run) command(ctx context.Context, c command) error {
	switch c.kind {
	case cmdCancel:
		for i, o := range r.pos.Orders {
			if o.ID != c.orderID {
				continue
			}
			if o.State.Terminal() {
				return fmt.Errorf("executor: cancel %s: already %s: %w", o.ID, o.State, domain.ErrInvalidTransition)
			}
			r.cancelOrder(ctx, i, "operator cancel")
			return nil
		}
		return fmt.Errorf("executor: cancel %s: %w", c.orderID, domain.ErrNotFound)
	case cmdFlatten:
		r.flatten = true
		fallthrough
	case cmdCancelAll:
		reason := "force flatten"
		if c.kind == cmdCancelAll {
			reason = "shutdown"
		}
		r.aborted = true
		for i := range r.pos.Orders {
			r.cancelOrder(ctx, i, reason)
		}
		return nil
	}
	return fmt.Errorf("executor: unknown command %d", c.kind)
}

// abandon closes orders locally when the executor context is gone. Cancels
// use a short detached context.
func (r *run) abandon(idxs []int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, i := range idxs {
		if r.submitting[i] {
			delete(r.submitting, i)
			o := r.pos.Orders[i]
			o.Reason = "shutdown before acknowledgement"
			if next, err := transition(o, domain.OrderStateRejected, r.e.now()); err == nil {
				r.update(ctx, i, next)
			}
			continue
		}
		r.cancelOrder(ctx, i, "shutdown")
	}
}

// finish hedges any imbalance between legs and sets the final status.
func (r *run) finish(ctx context.Context) {
	flattening := r.flatten
	hedges := r.hedgeRound(ctx)
	if r.flatten && !flattening {
		// Flatten arrived while the imbalance hedge was working.
		hedges = append(hedges, r.hedgeRound(ctx)...)
	}

	finalCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finalCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	unhedged := r.unhedged()
	for _, h := range hedges {
		r.e.deps.Metrics.Hedge(r.orderFilled(h.ID))
	}
	switch {
	case len(unhedged) > 0:
		r.pos.Status = domain.PositionStatusHalted
		err := &domain.ExposureInconsistencyError{
			LinkedSetID:   r.pos.LinkedSetID,
			OpportunityID: r.pos.OpportunityID,
			Unhedged:      unhedged,
			Err:           errors.New("compensating order did not fill"),
		}
		r.e.halt(finalCtx, r.pos.LinkedSetID, err)
	case r.pos.Filled():
		r.pos.Status = domain.PositionStatusOpen
	default:
		r.pos.Status = domain.PositionStatusFlat
	}
	r.e.syncPosition(finalCtx, r.pos, true)

	held, deployed, fees := r.pos.Net()
	r.log.InfoContext(finalCtx, "position resolved",
		slog.String("status", string(r.pos.Status)),
		slog.Int("outcomes_held", len(held)),
		slog.String("deployed", deployed.String()),
		slog.String("fees", fees.String()),
	)
}

// target returns the balanced quantity every leg should hold: the smallest
// leg fill, or zero when flattening.
func (r *run) target() decimal.Decimal {
	if r.flatten {
		return decimal.Zero
	}
	var m decimal.Decimal
	first := true
	for _, o := range r.pos.Orders {
		if o.Compensating {
			continue
		}
		if first || o.FilledQty.LessThan(m) {
			m = o.FilledQty
			first = false
		}
	}
	return m
}

// imbalance returns, per leg outcome, the signed quantity held beyond the
// balanced target, with the side of the opening order and its hedge price.
func (r *run) imbalance() map[string]domain.Order {
	held, _, _ := r.pos.Net()
	m := r.target()
	out := make(map[string]domain.Order)
	for _, o := range r.pos.Orders {
		if o.Compensating {
			continue
		}
		if _, seen := out[o.OutcomeID]; seen {
			continue
		}
		want := m
		if o.Side == domain.OrderSideSell {
			want = m.Neg()
		}
		excess := held[o.OutcomeID].Sub(want)
		if excess.IsZero() {
			continue
		}
		leg := o
		leg.FilledQty = excess
		out[o.OutcomeID] = leg
	}
	return out
}

// hedgeRound submits compensating orders for the current imbalance and
// drives them until filled or the window closes.
func (r *run) hedgeRound(ctx context.Context) []domain.Order {
	if ctx.Err() != nil {
		return nil
	}
	hedges := r.hedges()
	if len(hedges) == 0 {
		return nil
	}
	r.log.WarnContext(ctx, "hedging leg imbalance",
		slog.Int("orders", len(hedges)),
		slog.Bool("flatten", r.flatten),
	)
	r.pos.Orders = append(r.pos.Orders, hedges...)
	for _, h := range hedges {
		if err := r.e.deps.Orders.Upsert(ctx, h); err != nil {
			r.log.WarnContext(ctx, "persist order failed", slog.String("order_id", h.ID), slog.String("error", err.Error()))
		}
	}
	r.phase(ctx, r.pos.WindowClose, false)
	return hedges
}

func (r *run) hedges() []domain.Order {
	now := r.e.now()
	var out []domain.Order
	for _, leg := range r.imbalance() {
		h := domain.Order{
			ID:            uuid.New().String(),
			OpportunityID: leg.OpportunityID,
			LinkedSetID:   leg.LinkedSetID,
			WindowClose:   leg.WindowClose,
			LegIndex:      leg.LegIndex,
			OutcomeID:     leg.OutcomeID,
			MarketID:      leg.MarketID,
			Quantity:      leg.FilledQty.Abs(),
			HedgePrice:    leg.HedgePrice,
			State:         domain.OrderStatePending,
			Compensating:  true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if leg.FilledQty.IsPositive() {
			h.Side = domain.OrderSideSell
			h.LimitPrice = minPrice
			if !r.flatten && leg.HedgePrice.IsPositive() {
				h.LimitPrice = decimal.Max(leg.HedgePrice.Sub(r.e.cfg.MaxSlippage), minPrice)
			}
		} else {
			h.Side = domain.OrderSideBuy
			h.LimitPrice = maxPrice
			if !r.flatten && leg.HedgePrice.IsPositive() {
				h.LimitPrice = decimal.Min(leg.HedgePrice.Add(r.e.cfg.MaxSlippage), maxPrice)
			}
		}
		out = append(out, h)
	}
	return out
}

func (r *run) unhedged() map[string]decimal.Decimal {
	im := r.imbalance()
	if len(im) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(im))
	for outcome, leg := range im {
		out[outcome] = leg.FilledQty
	}
	return out
}

func (r *run) orderFilled(id string) bool {
	for _, o := range r.pos.Orders {
		if o.ID == id {
			return o.State == domain.OrderStateFilled
		}
	}
	return false
}
