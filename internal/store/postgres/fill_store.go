package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// FillStore implements domain.FillStore: an append-only ledger of executed
// tranches, kept separately from the orders table so archival and reporting
// can scan fills without deserializing order JSONB.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a FillStore backed by the given client.
func NewFillStore(c *Client) *FillStore {
	return &FillStore{pool: c.Pool()}
}

// Insert appends one fill row.
func (s *FillStore) Insert(ctx context.Context, orderID string, f domain.Fill) error {
	query := `
		INSERT INTO fills (order_id, price, quantity, fee, ts, tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		orderID, f.Price, f.Quantity, f.Fee, f.Timestamp, f.TxRef,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill for order %s: %w", orderID, err)
	}
	return nil
}

// ListByOrder returns all fills for an order in execution order.
func (s *FillStore) ListByOrder(ctx context.Context, orderID string) ([]domain.Fill, error) {
	query := `
		SELECT price, quantity, fee, ts, tx_ref
		FROM fills
		WHERE order_id = $1
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		if err := rows.Scan(&f.Price, &f.Quantity, &f.Fee, &f.Timestamp, &f.TxRef); err != nil {
			return nil, fmt.Errorf("postgres: scan fill row: %w", err)
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate fill rows: %w", err)
	}
	return fills, nil
}

// ListBefore returns all fills executed before the cutoff, oldest first, for
// archival alongside their terminal orders.
func (s *FillStore) ListBefore(ctx context.Context, before time.Time) ([]domain.FillRecord, error) {
	query := `
		SELECT order_id, price, quantity, fee, ts, tx_ref
		FROM fills
		WHERE ts < $1
		ORDER BY ts`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var records []domain.FillRecord
	for rows.Next() {
		var r domain.FillRecord
		if err := rows.Scan(&r.OrderID, &r.Price, &r.Quantity, &r.Fee, &r.Timestamp, &r.TxRef); err != nil {
			return nil, fmt.Errorf("postgres: scan fill record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate fill records: %w", err)
	}
	return records, nil
}

// Compile-time interface check.
var _ domain.FillStore = (*FillStore)(nil)
