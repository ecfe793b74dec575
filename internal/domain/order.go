package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	OrderStatePending         OrderState = "pending"
	OrderStateOpen            OrderState = "open"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCancelled       OrderState = "cancelled"
	OrderStateRejected        OrderState = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	}
	return false
}

// SizedOrder is the sizer's output for one leg.
type SizedOrder struct {
	OpportunityID string          `json:"opportunity_id"`
	LegIndex      int             `json:"leg_index"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	MaxSlippage   decimal.Decimal `json:"max_slippage"`
	Commitment    decimal.Decimal `json:"commitment"` // fee-inclusive capital held for the leg
}

// Order is owned by the execution state machine.
type Order struct {
	ID            string          `json:"id"` // client order id
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	OpportunityID string          `json:"opportunity_id"`
	LinkedSetID   string          `json:"linked_set_id"`
	WindowClose   time.Time       `json:"window_close"`
	LegIndex      int             `json:"leg_index"`
	OutcomeID     string          `json:"outcome_id"`
	MarketID      string          `json:"market_id"`
	Side          OrderSide       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	HedgePrice    decimal.Decimal `json:"hedge_price"` // opposite side of book at detection
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Fees          decimal.Decimal `json:"fees"`
	State         OrderState      `json:"state"`
	Reason        string          `json:"reason,omitempty"`
	Compensating  bool            `json:"compensating"`
	Reserved      decimal.Decimal `json:"reserved"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// FilledCost is the notional actually paid or received for filled quantity.
func (o Order) FilledCost() decimal.Decimal {
	return o.FilledQty.Mul(o.AvgFillPrice)
}

// Deployed is the capital the fill moved into the position, excluding fees.
// Opening orders lock capital: a buy pays its price, a short sale locks the
// complement of its price as collateral. Compensating orders close exposure
// and return the same amounts with the opposite sign.
func (o Order) Deployed() decimal.Decimal {
	perUnit := o.AvgFillPrice
	if (o.Side == OrderSideSell) != o.Compensating {
		perUnit = decimal.NewFromInt(1).Sub(o.AvgFillPrice)
	}
	amount := o.FilledQty.Mul(perUnit)
	if o.Compensating {
		return amount.Neg()
	}
	return amount
}

// VenueStatus is a venue-side order lifecycle value.
type VenueStatus string

const (
	VenueStatusOpen      VenueStatus = "open"
	VenueStatusFilled    VenueStatus = "filled"
	VenueStatusCancelled VenueStatus = "cancelled"
	VenueStatusRejected  VenueStatus = "rejected"
)

// VenueOrder is the venue's view of an order.
type VenueOrder struct {
	VenueOrderID  string
	ClientOrderID string
	OutcomeID     string
	Status        VenueStatus
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Fees          decimal.Decimal
	Reason        string
}
