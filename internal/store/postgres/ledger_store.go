package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// LedgerStore implements domain.LedgerStore. Records are never updated.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Append inserts rec. A record for the same window and opportunity yields
// domain.ErrAlreadyExists.
func (s *LedgerStore) Append(ctx context.Context, rec domain.PerformanceRecord) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO performance_records (
			window_close, opportunity_id, linked_set_id,
			entry_cost, payout, fees_paid, realized_pnl,
			outcome_settled, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (window_close, opportunity_id) DO NOTHING`,
		rec.WindowClose, rec.OpportunityID, rec.LinkedSetID,
		rec.EntryCost, rec.Payout, rec.FeesPaid, rec.RealizedPnL,
		rec.OutcomeSettled, rec.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append performance record %s: %w", rec.OpportunityID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Range returns records whose window closed in [from, to), oldest first.
func (s *LedgerStore) Range(ctx context.Context, from, to time.Time) ([]domain.PerformanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT window_close, opportunity_id, linked_set_id,
			entry_cost, payout, fees_paid, realized_pnl,
			outcome_settled, settled_at
		FROM performance_records
		WHERE window_close >= $1 AND window_close < $2
		ORDER BY window_close, settled_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: range performance records: %w", err)
	}
	defer rows.Close()

	var out []domain.PerformanceRecord
	for rows.Next() {
		var r domain.PerformanceRecord
		if err := rows.Scan(
			&r.WindowClose, &r.OpportunityID, &r.LinkedSetID,
			&r.EntryCost, &r.Payout, &r.FeesPaid, &r.RealizedPnL,
			&r.OutcomeSettled, &r.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan performance record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: range performance records rows: %w", err)
	}
	return out, nil
}
