package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PerformanceRecord is the settled outcome of one opportunity in one window.
type PerformanceRecord struct {
	WindowClose    time.Time       `json:"window_close"`
	OpportunityID  string          `json:"opportunity_id"`
	LinkedSetID    string          `json:"linked_set_id"`
	EntryCost      decimal.Decimal `json:"entry_cost"`
	Payout         decimal.Decimal `json:"payout"`
	FeesPaid       decimal.Decimal `json:"fees_paid"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	OutcomeSettled bool            `json:"outcome_settled"`
	SettledAt      time.Time       `json:"settled_at"`
}

// BankrollSnapshot is a read-only copy of bankroll state.
type BankrollSnapshot struct {
	Available decimal.Decimal `json:"available"` // cash not reserved and not deployed
	Reserved  decimal.Decimal `json:"reserved"`  // held for in-flight orders
	Exposure  decimal.Decimal `json:"exposure"`  // filled cost awaiting settlement
	UpdatedAt time.Time       `json:"updated_at"`
}

// BankrollState is the persisted form of the bankroll, including the
// per-order and per-opportunity bookkeeping that makes adjustments idempotent.
type BankrollState struct {
	Available    decimal.Decimal            `json:"available"`
	Exposure     decimal.Decimal            `json:"exposure"`
	Reservations map[string]decimal.Decimal `json:"reservations"`
	Settled      map[string]bool            `json:"settled"`
	Deployed     map[string]decimal.Decimal `json:"deployed"` // opportunity id -> filled cost
	Resolved     map[string]bool            `json:"resolved"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}
