package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// BankrollStore implements domain.BankrollStore using a single-row table.
type BankrollStore struct {
	pool *pgxpool.Pool
}

// NewBankrollStore creates a new BankrollStore backed by the given connection pool.
func NewBankrollStore(pool *pgxpool.Pool) *BankrollStore {
	return &BankrollStore{pool: pool}
}

// Load returns the saved bankroll, or domain.ErrNotFound on first start.
func (s *BankrollStore) Load(ctx context.Context) (domain.BankrollState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM bankroll WHERE id = 1`).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BankrollState{}, domain.ErrNotFound
		}
		return domain.BankrollState{}, fmt.Errorf("postgres: load bankroll: %w", err)
	}
	var st domain.BankrollState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.BankrollState{}, fmt.Errorf("postgres: decode bankroll: %w", err)
	}
	return st, nil
}

// Save replaces the bankroll row. Available and exposure are duplicated into
// columns for ad hoc queries.
func (s *BankrollStore) Save(ctx context.Context, st domain.BankrollState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres: encode bankroll: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bankroll (id, available, exposure, state, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			available  = EXCLUDED.available,
			exposure   = EXCLUDED.exposure,
			state      = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		st.Available, st.Exposure, raw, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save bankroll: %w", err)
	}
	return nil
}
