// Package sizing converts detected opportunities into bounded leg orders.
package sizing

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// SkipReason explains why an opportunity produced no orders.
type SkipReason string

const (
	SkipNone              SkipReason = ""
	SkipLowBankroll       SkipReason = "bankroll_below_min_trade"
	SkipPositionOpen      SkipReason = "position_open_on_set"
	SkipZeroQuantity      SkipReason = "zero_quantity_after_rounding"
	SkipBelowVenueMinimum SkipReason = "below_venue_min_size"
	SkipInvalidCost       SkipReason = "non_positive_implied_cost"
)

// Config holds sizing limits.
type Config struct {
	// RiskCeiling is the absolute per-trade capital limit. Zero disables it.
	RiskCeiling decimal.Decimal
	// RiskFraction caps per-trade capital as a fraction of available bankroll. Zero disables it.
	RiskFraction decimal.Decimal
	// MinTradeAmount is the smallest available bankroll worth trading.
	MinTradeAmount decimal.Decimal
	// MaxOpenPerSet limits concurrent unresolved positions per linked set.
	MaxOpenPerSet int
	// LotSize is the venue's minimum tradable increment.
	LotSize decimal.Decimal
	// MinOrderSize is the venue's minimum order quantity, unless a leg carries its own.
	MinOrderSize decimal.Decimal
	MaxSlippage  decimal.Decimal
}

// Sizer is pure: it never mutates bankroll.
type Sizer struct {
	cfg Config
}

// New creates a Sizer.
func New(cfg Config) *Sizer {
	if !cfg.LotSize.IsPositive() {
		cfg.LotSize = decimal.NewFromInt(1)
	}
	if cfg.MaxOpenPerSet < 1 {
		cfg.MaxOpenPerSet = 1
	}
	return &Sizer{cfg: cfg}
}

// Ceiling returns the per-trade capital limit for the given bankroll.
func (s *Sizer) Ceiling(bank domain.BankrollSnapshot) decimal.Decimal {
	ceiling := bank.Available
	if s.cfg.RiskCeiling.IsPositive() {
		ceiling = decimal.Min(ceiling, s.cfg.RiskCeiling)
	}
	if s.cfg.RiskFraction.IsPositive() {
		ceiling = decimal.Min(ceiling, bank.Available.Mul(s.cfg.RiskFraction))
	}
	if ceiling.IsNegative() {
		return decimal.Zero
	}
	return ceiling
}

// Size returns one SizedOrder per leg, all with the same quantity, or a skip
// reason. openOnSet is the number of unresolved positions already held on the
// opportunity's linked set. Quantity is
// min(venue size of every leg, ceiling / implied cost) rounded down to the lot.
func (s *Sizer) Size(opp domain.ArbitrageOpportunity, bank domain.BankrollSnapshot, openOnSet int) ([]domain.SizedOrder, SkipReason) {
	if openOnSet >= s.cfg.MaxOpenPerSet {
		return nil, SkipPositionOpen
	}
	if bank.Available.LessThan(s.cfg.MinTradeAmount) || !bank.Available.IsPositive() {
		return nil, SkipLowBankroll
	}
	if !opp.ImpliedCost.IsPositive() || len(opp.Legs) == 0 {
		return nil, SkipInvalidCost
	}

	ceiling := s.Ceiling(bank)
	qty := ceiling.Div(opp.ImpliedCost)
	for _, leg := range opp.Legs {
		qty = decimal.Min(qty, leg.VenueSize)
	}
	qty = roundDown(qty, s.cfg.LotSize)
	// Div rounds at 16 places; step back a lot if that pushed us over.
	for qty.IsPositive() && qty.Mul(opp.ImpliedCost).GreaterThan(ceiling) {
		qty = qty.Sub(s.cfg.LotSize)
	}
	if !qty.IsPositive() {
		return nil, SkipZeroQuantity
	}
	for _, leg := range opp.Legs {
		minSize := s.cfg.MinOrderSize
		if leg.MinSize.IsPositive() {
			minSize = leg.MinSize
		}
		if qty.LessThan(minSize) {
			return nil, SkipBelowVenueMinimum
		}
	}

	orders := make([]domain.SizedOrder, len(opp.Legs))
	for i, leg := range opp.Legs {
		cost := leg.Cost
		if !cost.IsPositive() {
			cost = leg.LimitPrice
		}
		orders[i] = domain.SizedOrder{
			OpportunityID: opp.ID,
			LegIndex:      i,
			Quantity:      qty,
			LimitPrice:    leg.LimitPrice,
			MaxSlippage:   s.cfg.MaxSlippage,
			Commitment:    qty.Mul(cost),
		}
	}
	return orders, SkipNone
}

// Committed sums the capital held by a set of sized orders.
func Committed(orders []domain.SizedOrder) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Commitment)
	}
	return total
}

func roundDown(qty, lot decimal.Decimal) decimal.Decimal {
	return qty.Div(lot).Floor().Mul(lot)
}
