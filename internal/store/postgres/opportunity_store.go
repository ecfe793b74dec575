package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore backed by the given connection pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunitySelectCols = `id, linked_set_id, kind, direction, detected_at, window_close,
	implied_cost, theoretical_edge, legs`

// Insert stores a detected opportunity.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.ArbitrageOpportunity) error {
	legs, err := json.Marshal(opp.Legs)
	if err != nil {
		return fmt.Errorf("postgres: encode legs %s: %w", opp.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (
			id, linked_set_id, kind, direction, detected_at, window_close,
			implied_cost, theoretical_edge, legs
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		opp.ID, opp.LinkedSetID, string(opp.Kind), string(opp.Direction), opp.DetectedAt, opp.WindowClose,
		opp.ImpliedCost, opp.TheoreticalEdge, legs,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// MarkExecuted sets the executed flag and executed_at timestamp for a given opportunity.
func (s *OpportunityStore) MarkExecuted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE opportunities SET
			executed    = TRUE,
			executed_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark opportunity executed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns the most recent opportunities ordered by detection time.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.ArbitrageOpportunity, error) {
	query := `SELECT ` + opportunitySelectCols + ` FROM opportunities ORDER BY detected_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	defer rows.Close()

	var opps []domain.ArbitrageOpportunity
	for rows.Next() {
		var opp domain.ArbitrageOpportunity
		var kind, direction string
		var legs []byte
		if err := rows.Scan(
			&opp.ID, &opp.LinkedSetID, &kind, &direction, &opp.DetectedAt, &opp.WindowClose,
			&opp.ImpliedCost, &opp.TheoreticalEdge, &legs,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		if err := json.Unmarshal(legs, &opp.Legs); err != nil {
			return nil, fmt.Errorf("postgres: decode legs %s: %w", opp.ID, err)
		}
		opp.Kind = domain.SetKind(kind)
		opp.Direction = domain.ArbDirection(direction)
		opps = append(opps, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities rows: %w", err)
	}
	return opps, nil
}
