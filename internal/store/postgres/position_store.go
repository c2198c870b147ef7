package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// PositionStore implements domain.PositionStore on PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given client.
func NewPositionStore(c *Client) *PositionStore {
	return &PositionStore{pool: c.Pool()}
}

const positionColumns = `id, user_id, token_address, pair_address, chain, dex,
	side, entry_price, quantity, current_price, invested_amount, realized_pnl,
	entry_order_ids, exit_order_ids, stop_loss_order_id, take_profit_order_id,
	status, opened_at, closed_at`

// Create inserts a new position row.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.TokenAddress, p.PairAddress, p.Chain, nullable(p.DEX),
		string(p.Side), p.EntryPrice, p.Quantity, p.CurrentPrice, p.InvestedAmount, p.RealizedPnL,
		orEmpty(p.EntryOrderIDs), orEmpty(p.ExitOrderIDs), p.StopLossOrderID, p.TakeProfitOrderID,
		string(p.Status), p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update rewrites a position row.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	query := `
		UPDATE positions SET
			entry_price = $2, quantity = $3, current_price = $4,
			invested_amount = $5, realized_pnl = $6,
			entry_order_ids = $7, exit_order_ids = $8,
			stop_loss_order_id = $9, take_profit_order_id = $10,
			status = $11, closed_at = $12
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.EntryPrice, p.Quantity, p.CurrentPrice,
		p.InvestedAmount, p.RealizedPnL,
		orEmpty(p.EntryOrderIDs), orEmpty(p.ExitOrderIDs),
		p.StopLossOrderID, p.TakeProfitOrderID,
		string(p.Status), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID fetches a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	p, err := scanPositionFromRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByUser returns all of a user's positions, open first, newest first
// within each status.
func (s *PositionStore) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE user_id = $1
		ORDER BY status DESC, opened_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position row: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate position rows: %w", err)
	}
	return positions, nil
}

// orEmpty keeps TEXT[] columns non-NULL so scans never see a nil array.
func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func scanPositionFromRow(row pgx.Row) (domain.Position, error) {
	var (
		p          domain.Position
		dex        *string
		side       string
		status     string
	)

	err := row.Scan(
		&p.ID, &p.UserID, &p.TokenAddress, &p.PairAddress, &p.Chain, &dex,
		&side, &p.EntryPrice, &p.Quantity, &p.CurrentPrice, &p.InvestedAmount, &p.RealizedPnL,
		&p.EntryOrderIDs, &p.ExitOrderIDs, &p.StopLossOrderID, &p.TakeProfitOrderID,
		&status, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	if dex != nil {
		p.DEX = *dex
	}
	return p, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
