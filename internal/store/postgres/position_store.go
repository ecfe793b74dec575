package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. A
// position's orders are written to and read from the orders table.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `opportunity_id, linked_set_id, kind, window_close, status, opened_at, edge`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var kind, status string
	if err := row.Scan(&p.OpportunityID, &p.LinkedSetID, &kind, &p.WindowClose, &status, &p.OpenedAt, &p.Edge); err != nil {
		return domain.Position{}, err
	}
	p.Kind = domain.SetKind(kind)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// Upsert writes the position row and every order it carries in one
// transaction.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (opportunity_id, linked_set_id, kind, window_close, status, opened_at, edge, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (opportunity_id) DO UPDATE SET
			status     = EXCLUDED.status,
			updated_at = NOW()`,
		p.OpportunityID, p.LinkedSetID, string(p.Kind), p.WindowClose, string(p.Status), p.OpenedAt, p.Edge,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.OpportunityID, err)
	}

	for _, o := range p.Orders {
		if _, err := tx.Exec(ctx, upsertOrder, orderArgs(o)...); err != nil {
			return fmt.Errorf("postgres: upsert position order %s: %w", o.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit position %s: %w", p.OpportunityID, err)
	}
	return nil
}

// GetByID returns a position with its orders.
func (s *PositionStore) GetByID(ctx context.Context, opportunityID string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE opportunity_id = $1`, opportunityID)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", opportunityID, err)
	}
	orders := &OrderStore{pool: s.pool}
	if p.Orders, err = orders.ListByOpportunity(ctx, opportunityID); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// ListUnresolved returns positions that still block their exposure key,
// oldest first.
func (s *PositionStore) ListUnresolved(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionSelectCols+` FROM positions
		WHERE status NOT IN ('flat', 'settled')
		ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unresolved positions: %w", err)
	}
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list unresolved positions rows: %w", err)
	}

	// Orders are loaded after the cursor is closed so one connection is held at a time.
	orders := &OrderStore{pool: s.pool}
	for i := range positions {
		if positions[i].Orders, err = orders.ListByOpportunity(ctx, positions[i].OpportunityID); err != nil {
			return nil, err
		}
	}
	return positions, nil
}
