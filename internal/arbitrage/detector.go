// Package arbitrage detects covering combinations across a linked market set.
package arbitrage

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

var one = decimal.NewFromInt(1)

// SkipReason explains why a set produced no opportunity on a tick.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipMissingQuote   SkipReason = "missing_quote"
	SkipWindowMismatch SkipReason = "window_mismatch"
	SkipUnsynchronized SkipReason = "unsynchronized_quotes"
	SkipNoLiquidity    SkipReason = "no_liquidity"
	SkipPriceFloor     SkipReason = "below_price_floor"
	SkipNoEdge         SkipReason = "no_edge"
)

// Config holds detector thresholds.
type Config struct {
	// MinEdgeMargin must be strictly exceeded by the theoretical edge.
	MinEdgeMargin decimal.Decimal
	// SyncWindow bounds the timestamp spread across contributing quotes.
	SyncWindow time.Duration
	// PriceFloor skips correlated pairs whose every ask is below it. Zero disables.
	PriceFloor decimal.Decimal
}

// Result is the outcome of one detection pass.
type Result struct {
	Opportunities []domain.ArbitrageOpportunity
	Skip          SkipReason
	ImpliedCost   decimal.Decimal // buy-side implied cost, for logging
}

// Detector evaluates linked sets. It is synchronous and holds no state.
type Detector struct {
	cfg Config
	now func() time.Time
}

// NewDetector creates a detector. now may be nil to use time.Now.
func NewDetector(cfg Config, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{cfg: cfg, now: now}
}

// Detect evaluates set against quotes keyed by outcome id. A buy-arbitrage is
// flagged iff the fee-inclusive ask sum is strictly below 1 - margin; on a
// complementary set a sell-arbitrage is flagged iff the bid sum is strictly
// above 1 + margin.
func (d *Detector) Detect(set domain.LinkedMarketSet, quotes map[string]domain.MarketQuote) Result {
	if len(set.Outcomes) < 2 {
		return Result{Skip: SkipMissingQuote}
	}

	ordered := make([]domain.MarketQuote, len(set.Outcomes))
	for i, o := range set.Outcomes {
		q, ok := quotes[o.ID]
		if !ok {
			return Result{Skip: SkipMissingQuote}
		}
		if !set.WindowClose.IsZero() && !q.WindowClose.IsZero() && !q.WindowClose.Equal(set.WindowClose) {
			return Result{Skip: SkipWindowMismatch}
		}
		ordered[i] = q
	}

	if !synchronized(ordered, d.cfg.SyncWindow) {
		return Result{Skip: SkipUnsynchronized}
	}

	askSum, bidSum := decimal.Zero, decimal.Zero
	for _, q := range ordered {
		askSum = askSum.Add(q.BestAsk)
		bidSum = bidSum.Add(q.BestBid)
	}
	res := Result{ImpliedCost: askSum}

	if opp, ok := d.buy(set, ordered, askSum); ok {
		res.Opportunities = append(res.Opportunities, opp)
	}
	if set.Kind == domain.SetKindComplementary {
		if opp, ok := d.sell(set, ordered, bidSum); ok {
			res.Opportunities = append(res.Opportunities, opp)
		}
	}
	if len(res.Opportunities) > 0 {
		return res
	}

	res.Skip = SkipNoEdge
	if !hasLiquidity(ordered, true) {
		res.Skip = SkipNoLiquidity
	} else if set.Kind == domain.SetKindCorrelated && d.belowFloor(ordered) {
		res.Skip = SkipPriceFloor
	}
	return res
}

func (d *Detector) buy(set domain.LinkedMarketSet, quotes []domain.MarketQuote, askSum decimal.Decimal) (domain.ArbitrageOpportunity, bool) {
	if !hasLiquidity(quotes, true) {
		return domain.ArbitrageOpportunity{}, false
	}
	if set.Kind == domain.SetKindCorrelated && d.belowFloor(quotes) {
		return domain.ArbitrageOpportunity{}, false
	}
	if !askSum.LessThan(one.Sub(d.cfg.MinEdgeMargin)) {
		return domain.ArbitrageOpportunity{}, false
	}

	legs := make([]domain.Leg, len(quotes))
	for i, q := range quotes {
		o := set.Outcomes[i]
		legs[i] = domain.Leg{
			OutcomeID:  o.ID,
			MarketID:   o.MarketID,
			Label:      o.Label(),
			Side:       domain.OrderSideBuy,
			LimitPrice: q.RawAsk,
			VenueSize:  q.AskSize,
			HedgePrice: q.RawBid,
			Cost:       q.BestAsk,
			MinSize:    o.MinSize,
		}
	}
	return d.opportunity(set, domain.ArbDirectionBuy, askSum, one.Sub(askSum), legs), true
}

func (d *Detector) sell(set domain.LinkedMarketSet, quotes []domain.MarketQuote, bidSum decimal.Decimal) (domain.ArbitrageOpportunity, bool) {
	if !hasLiquidity(quotes, false) {
		return domain.ArbitrageOpportunity{}, false
	}
	if !bidSum.GreaterThan(one.Add(d.cfg.MinEdgeMargin)) {
		return domain.ArbitrageOpportunity{}, false
	}

	// Capital to cover a short set is the complement of each bid.
	cover := decimal.NewFromInt(int64(len(quotes))).Sub(bidSum)
	legs := make([]domain.Leg, len(quotes))
	for i, q := range quotes {
		o := set.Outcomes[i]
		legs[i] = domain.Leg{
			OutcomeID:  o.ID,
			MarketID:   o.MarketID,
			Label:      o.Label(),
			Side:       domain.OrderSideSell,
			LimitPrice: q.RawBid,
			VenueSize:  q.BidSize,
			HedgePrice: q.RawAsk,
			Cost:       one.Sub(q.BestBid),
			MinSize:    o.MinSize,
		}
	}
	return d.opportunity(set, domain.ArbDirectionSell, cover, bidSum.Sub(one), legs), true
}

func (d *Detector) opportunity(set domain.LinkedMarketSet, dir domain.ArbDirection, cost, edge decimal.Decimal, legs []domain.Leg) domain.ArbitrageOpportunity {
	return domain.ArbitrageOpportunity{
		ID:              uuid.New().String(),
		LinkedSetID:     set.ID,
		Kind:            set.Kind,
		Direction:       dir,
		DetectedAt:      d.now(),
		WindowClose:     set.WindowClose,
		ImpliedCost:     cost,
		TheoreticalEdge: edge,
		Legs:            legs,
	}
}

// belowFloor reports whether every raw ask is under the configured floor.
func (d *Detector) belowFloor(quotes []domain.MarketQuote) bool {
	if !d.cfg.PriceFloor.IsPositive() {
		return false
	}
	for _, q := range quotes {
		if !q.RawAsk.LessThan(d.cfg.PriceFloor) {
			return false
		}
	}
	return true
}

func hasLiquidity(quotes []domain.MarketQuote, buy bool) bool {
	for _, q := range quotes {
		px, size := q.RawAsk, q.AskSize
		if !buy {
			px, size = q.RawBid, q.BidSize
		}
		if !px.IsPositive() || !size.IsPositive() {
			return false
		}
	}
	return true
}

func synchronized(quotes []domain.MarketQuote, window time.Duration) bool {
	ts := make([]time.Time, len(quotes))
	for i, q := range quotes {
		ts[i] = q.Timestamp
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	return ts[len(ts)-1].Sub(ts[0]) <= window
}
