package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// Skip reasons logged by the engine in addition to the detector's and
// sizer's own.
const (
	skipSetBusy        = "set_busy"
	skipLockHeld       = "set_locked_elsewhere"
	skipSetHalted      = "set_halted"
	skipWindowClosed   = "window_closed"
	skipFetchFailed    = "fetch_failed"
	skipStaleQuote     = "stale_quote"
	skipInvalidPrice   = "invalid_price"
	skipSellDisabled   = "sell_arb_disabled"
	skipExecuteFailed  = "execute_failed"
	skipMonitorOnly    = "monitor_only"
	skipNormalizeError = "normalize_failed"
)

// Tick rolls over if the window changed and evaluates every tracked set
// concurrently. It returns ErrEngineStopped while the engine is paused.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.Running() {
		return domain.ErrEngineStopped
	}
	started := e.now()
	e.rollover(ctx)

	sets := e.Sets()
	var wg sync.WaitGroup
	for _, set := range sets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.processSet(ctx, set)
		}()
	}
	wg.Wait()

	e.mu.Lock()
	e.ticks++
	e.lastTick = started
	e.mu.Unlock()

	e.deps.Metrics.Tick(e.now().Sub(started))
	if e.deps.Book != nil {
		snap := e.deps.Book.Snapshot()
		e.deps.Metrics.Bankroll(snap.Available, snap.Exposure)
	}
	return nil
}

// processSet runs the pipeline for one set. Overlapping ticks on the same
// set are skipped rather than queued.
func (e *Engine) processSet(ctx context.Context, set domain.LinkedMarketSet) {
	l := e.lockFor(set.ID)
	if !l.TryLock() {
		e.skip(ctx, set, skipSetBusy)
		return
	}
	defer l.Unlock()

	if e.deps.Locks != nil {
		unlock, err := e.deps.Locks.Acquire(ctx, "windowarb:set:"+set.ID, e.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				e.skip(ctx, set, skipLockHeld)
			} else {
				e.skip(ctx, set, skipLockHeld, slog.String("error", err.Error()))
			}
			return
		}
		defer unlock()
	}

	if !e.now().Before(set.WindowClose) {
		e.skip(ctx, set, skipWindowClosed)
		return
	}
	if reason, halted := e.deps.Executor.Halted(set.ID); halted {
		e.skip(ctx, set, skipSetHalted, slog.String("halt_reason", reason))
		return
	}

	raws, err := e.deps.Fetcher.Fetch(ctx, set)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.skip(ctx, set, skipFetchFailed, slog.String("error", err.Error()))
		return
	}

	quotes := make(map[string]domain.MarketQuote, len(raws))
	for id, raw := range raws {
		q, err := e.deps.Normalizer.Normalize(raw)
		if err != nil {
			reason := skipNormalizeError
			switch {
			case errors.Is(err, domain.ErrStaleQuote):
				reason = skipStaleQuote
			case errors.Is(err, domain.ErrInvalidPrice):
				reason = skipInvalidPrice
			}
			e.skip(ctx, set, reason, slog.String("outcome_id", id), slog.String("error", err.Error()))
			return
		}
		quotes[id] = q
		e.mirror(ctx, q)
	}

	res := e.deps.Detector.Detect(set, quotes)
	e.deps.Metrics.SetEvaluated()
	if len(res.Opportunities) == 0 {
		e.skip(ctx, set, string(res.Skip), slog.String("implied_cost", res.ImpliedCost.String()))
		return
	}

	for _, opp := range res.Opportunities {
		e.handleOpportunity(ctx, set, opp)
	}
}

func (e *Engine) handleOpportunity(ctx context.Context, set domain.LinkedMarketSet, opp domain.ArbitrageOpportunity) {
	e.deps.Metrics.Opportunity(string(opp.Kind), string(opp.Direction))
	e.logger.InfoContext(ctx, "opportunity detected",
		slog.String("opportunity_id", opp.ID),
		slog.String("linked_set_id", opp.LinkedSetID),
		slog.String("direction", string(opp.Direction)),
		slog.String("implied_cost", opp.ImpliedCost.String()),
		slog.String("edge", opp.TheoreticalEdge.String()),
	)
	if e.deps.Opportunities != nil {
		if err := e.deps.Opportunities.Insert(ctx, opp); err != nil {
			e.logger.WarnContext(ctx, "store opportunity failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.publishOpportunity(ctx, opp)

	if e.cfg.MonitorOnly {
		e.skip(ctx, set, skipMonitorOnly, slog.String("opportunity_id", opp.ID))
		return
	}
	if opp.Direction == domain.ArbDirectionSell && !e.cfg.SellArbEnabled {
		e.skip(ctx, set, skipSellDisabled, slog.String("opportunity_id", opp.ID))
		return
	}

	sized, reason := e.deps.Sizer.Size(opp, e.deps.Book.Snapshot(), e.deps.Executor.OpenOnSet(set.ID))
	if reason != "" {
		e.skip(ctx, set, string(reason), slog.String("opportunity_id", opp.ID))
		return
	}

	pos, err := e.deps.Executor.Execute(ctx, opp, sized)
	if err != nil {
		e.skip(ctx, set, skipExecuteFailed,
			slog.String("opportunity_id", opp.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.mu.Lock()
	e.executed++
	e.mu.Unlock()

	if e.deps.Opportunities != nil {
		if err := e.deps.Opportunities.MarkExecuted(ctx, opp.ID); err != nil {
			e.logger.WarnContext(ctx, "mark opportunity executed failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.logger.InfoContext(ctx, "opportunity executing",
		slog.String("opportunity_id", pos.OpportunityID),
		slog.Int("legs", len(pos.Orders)),
	)
}

// mirror copies a normalized quote to the shared quote cache.
func (e *Engine) mirror(ctx context.Context, q domain.MarketQuote) {
	if e.deps.Quotes == nil {
		return
	}
	if err := e.deps.Quotes.SetQuote(ctx, q); err != nil {
		e.logger.DebugContext(ctx, "quote cache write failed",
			slog.String("outcome_id", q.OutcomeID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publishOpportunity(ctx context.Context, opp domain.ArbitrageOpportunity) {
	if e.deps.Bus == nil {
		return
	}
	data, err := json.Marshal(opp)
	if err != nil {
		return
	}
	if err := e.deps.Bus.Publish(ctx, domain.ChannelOpportunities, data); err != nil {
		e.logger.WarnContext(ctx, "publish opportunity failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) skip(ctx context.Context, set domain.LinkedMarketSet, reason string, attrs ...slog.Attr) {
	if reason == "" {
		return
	}
	e.deps.Metrics.Skip(reason)
	args := []any{
		slog.String("linked_set_id", set.ID),
		slog.String("reason", reason),
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	e.logger.DebugContext(ctx, "set skipped", args...)
}
