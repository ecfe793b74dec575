package domain

import (
	"context"
	"time"
)

// OrderStore persists orders owned by the execution state machine.
type OrderStore interface {
	Upsert(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListNonTerminal(ctx context.Context) ([]Order, error)
	ListByOpportunity(ctx context.Context, opportunityID string) ([]Order, error)
}

// PositionStore persists per-opportunity positions.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, opportunityID string) (Position, error)
	ListUnresolved(ctx context.Context) ([]Position, error)
}

// BankrollStore persists the bankroll between restarts.
type BankrollStore interface {
	Load(ctx context.Context) (BankrollState, error)
	Save(ctx context.Context, state BankrollState) error
}

// LedgerStore is the append-only store of performance records.
type LedgerStore interface {
	// Append returns ErrAlreadyExists when the (window, opportunity) record exists.
	Append(ctx context.Context, rec PerformanceRecord) error
	Range(ctx context.Context, from, to time.Time) ([]PerformanceRecord, error)
}

// OpportunityStore keeps detected opportunities for audit.
type OpportunityStore interface {
	Insert(ctx context.Context, opp ArbitrageOpportunity) error
	MarkExecuted(ctx context.Context, id string) error
	ListRecent(ctx context.Context, limit int) ([]ArbitrageOpportunity, error)
}

// AuditEntry is one operator command recorded by the command surface.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore keeps the operator audit trail.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	// List returns entries created at or after since, newest first.
	List(ctx context.Context, since time.Time, limit int) ([]AuditEntry, error)
}
