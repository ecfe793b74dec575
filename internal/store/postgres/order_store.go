package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// orderSelectCols lists the columns selected when reading orders, in the
// order scanOrder expects them.
const orderSelectCols = `id, venue_order_id, opportunity_id, linked_set_id, window_close,
	leg_index, outcome_id, market_id, side,
	quantity, limit_price, hedge_price, filled_qty, avg_fill_price, fees,
	state, reason, compensating, reserved, created_at, updated_at`

const upsertOrder = `
	INSERT INTO orders (
		id, venue_order_id, opportunity_id, linked_set_id, window_close,
		leg_index, outcome_id, market_id, side,
		quantity, limit_price, hedge_price, filled_qty, avg_fill_price, fees,
		state, reason, compensating, reserved, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9,
		$10, $11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21
	)
	ON CONFLICT (id) DO UPDATE SET
		venue_order_id = EXCLUDED.venue_order_id,
		filled_qty     = EXCLUDED.filled_qty,
		avg_fill_price = EXCLUDED.avg_fill_price,
		fees           = EXCLUDED.fees,
		state          = EXCLUDED.state,
		reason         = EXCLUDED.reason,
		reserved       = EXCLUDED.reserved,
		updated_at     = EXCLUDED.updated_at`

func orderArgs(o domain.Order) []any {
	return []any{
		o.ID, o.VenueOrderID, o.OpportunityID, o.LinkedSetID, o.WindowClose,
		o.LegIndex, o.OutcomeID, o.MarketID, string(o.Side),
		o.Quantity, o.LimitPrice, o.HedgePrice, o.FilledQty, o.AvgFillPrice, o.Fees,
		string(o.State), o.Reason, o.Compensating, o.Reserved, o.CreatedAt, o.UpdatedAt,
	}
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, state string
	err := row.Scan(
		&o.ID, &o.VenueOrderID, &o.OpportunityID, &o.LinkedSetID, &o.WindowClose,
		&o.LegIndex, &o.OutcomeID, &o.MarketID, &side,
		&o.Quantity, &o.LimitPrice, &o.HedgePrice, &o.FilledQty, &o.AvgFillPrice, &o.Fees,
		&state, &o.Reason, &o.Compensating, &o.Reserved, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.State = domain.OrderState(state)
	return o, nil
}

// Upsert inserts the order or updates its mutable columns. Identity columns
// (opportunity, leg, side, quantity, limit) never change after creation.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) error {
	if _, err := s.pool.Exec(ctx, upsertOrder, orderArgs(o)...); err != nil {
		return fmt.Errorf("postgres: upsert order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID returns a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListNonTerminal returns orders that have not reached a terminal state.
func (s *OrderStore) ListNonTerminal(ctx context.Context) ([]domain.Order, error) {
	return s.list(ctx, "non-terminal",
		`SELECT `+orderSelectCols+` FROM orders
		WHERE state NOT IN ('filled', 'cancelled', 'rejected')
		ORDER BY created_at, leg_index`)
}

// ListByOpportunity returns every order of an opportunity, hedges included.
func (s *OrderStore) ListByOpportunity(ctx context.Context, opportunityID string) ([]domain.Order, error) {
	return s.list(ctx, "opportunity "+opportunityID,
		`SELECT `+orderSelectCols+` FROM orders
		WHERE opportunity_id = $1
		ORDER BY created_at, leg_index`, opportunityID)
}

func (s *OrderStore) list(ctx context.Context, what, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders %s: %w", what, err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders %s rows: %w", what, err)
	}
	return out, nil
}
