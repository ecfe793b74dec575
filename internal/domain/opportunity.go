package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ArbDirection is buy-the-set or sell-the-set.
type ArbDirection string

const (
	ArbDirectionBuy  ArbDirection = "buy"
	ArbDirectionSell ArbDirection = "sell"
)

// Leg is one candidate order of an opportunity.
type Leg struct {
	OutcomeID  string          `json:"outcome_id"`
	MarketID   string          `json:"market_id"`
	Label      string          `json:"label"`
	Side       OrderSide       `json:"side"`
	LimitPrice decimal.Decimal `json:"limit_price"` // venue price, not fee-adjusted
	VenueSize  decimal.Decimal `json:"venue_size"`
	HedgePrice decimal.Decimal `json:"hedge_price"` // opposite side of book at detection
	Cost       decimal.Decimal `json:"cost"`        // fee-inclusive capital per unit
	MinSize    decimal.Decimal `json:"min_size"`
}

// ArbitrageOpportunity is a detected covering combination on a linked set.
type ArbitrageOpportunity struct {
	ID              string          `json:"id"`
	LinkedSetID     string          `json:"linked_set_id"`
	Kind            SetKind         `json:"kind"`
	Direction       ArbDirection    `json:"direction"`
	DetectedAt      time.Time       `json:"detected_at"`
	WindowClose     time.Time       `json:"window_close"`
	ImpliedCost     decimal.Decimal `json:"implied_cost"`
	TheoreticalEdge decimal.Decimal `json:"theoretical_edge"`
	Legs            []Leg           `json:"legs"`
}

// ExposureKey identifies an opportunity's settlement slot. At most one
// unresolved position may exist per key.
type ExposureKey struct {
	LinkedSetID string
	WindowClose time.Time
}

// Key returns the exposure key of the opportunity.
func (o ArbitrageOpportunity) Key() ExposureKey {
	return ExposureKey{LinkedSetID: o.LinkedSetID, WindowClose: o.WindowClose}
}

func (k ExposureKey) String() string {
	return k.LinkedSetID + "@" + k.WindowClose.UTC().Format(time.RFC3339)
}
