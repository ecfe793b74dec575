package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks an opportunity's position through settlement. Open
// means every leg is terminal and the window awaits settlement; flat means
// nothing was filled; halted means exposure could not be hedged and needs an
// operator.
type PositionStatus string

const (
	PositionStatusExecuting PositionStatus = "executing"
	PositionStatusOpen      PositionStatus = "open"
	PositionStatusFlat      PositionStatus = "flat"
	PositionStatusHalted    PositionStatus = "halted"
	PositionStatusSettled   PositionStatus = "settled"
)

// Unresolved reports whether the position still blocks its exposure key.
func (s PositionStatus) Unresolved() bool {
	return s != PositionStatusFlat && s != PositionStatusSettled
}

// Position is the execution record of one opportunity.
type Position struct {
	OpportunityID string          `json:"opportunity_id"`
	LinkedSetID   string          `json:"linked_set_id"`
	Kind          SetKind         `json:"kind"`
	WindowClose   time.Time       `json:"window_close"`
	Status        PositionStatus  `json:"status"`
	Orders        []Order         `json:"orders"`
	OpenedAt      time.Time       `json:"opened_at"`
	Edge          decimal.Decimal `json:"edge"`
}

// Net returns the signed filled quantity held per outcome (short positions
// negative), the capital deployed and the fees across every order.
func (p Position) Net() (held map[string]decimal.Decimal, deployed, fees decimal.Decimal) {
	held = make(map[string]decimal.Decimal)
	for _, o := range p.Orders {
		fees = fees.Add(o.Fees)
		if o.FilledQty.IsZero() {
			continue
		}
		deployed = deployed.Add(o.Deployed())
		if o.Side == OrderSideBuy {
			held[o.OutcomeID] = held[o.OutcomeID].Add(o.FilledQty)
		} else {
			held[o.OutcomeID] = held[o.OutcomeID].Sub(o.FilledQty)
		}
	}
	return held, deployed, fees
}

// Payout is what the held quantities return once the window resolves: one
// per winning unit held long, one per losing unit held short (the released
// collateral).
func (p Position) Payout(won func(outcomeID string) bool) decimal.Decimal {
	held, _, _ := p.Net()
	total := decimal.Zero
	for outcome, qty := range held {
		switch {
		case qty.IsPositive() && won(outcome):
			total = total.Add(qty)
		case qty.IsNegative() && !won(outcome):
			total = total.Add(qty.Neg())
		}
	}
	return total
}

// Filled reports whether any order of the position has a fill.
func (p Position) Filled() bool {
	for _, o := range p.Orders {
		if o.FilledQty.IsPositive() {
			return true
		}
	}
	return false
}
