package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// OrderStore implements domain.OrderStore on PostgreSQL. Variant trigger
// parameters and the fill history are stored as JSONB so the schema does not
// change when a variant gains a field.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given client.
func NewOrderStore(c *Client) *OrderStore {
	return &OrderStore{pool: c.Pool()}
}

// orderParams is the JSONB envelope for the per-kind parameter structs. At
// most one field is non-nil, matching Order.Kind.
type orderParams struct {
	StopLoss   *domain.StopLossParams     `json:"stop_loss,omitempty"`
	TakeProfit *domain.TakeProfitParams   `json:"take_profit,omitempty"`
	StopLimit  *domain.StopLimitParams    `json:"stop_limit,omitempty"`
	Trailing   *domain.TrailingStopParams `json:"trailing,omitempty"`
	DCA        *domain.DCAParams          `json:"dca,omitempty"`
	TWAP       *domain.TWAPParams         `json:"twap,omitempty"`
	Bracket    *domain.BracketParams      `json:"bracket,omitempty"`
}

const orderColumns = `id, user_id, group_id, parent_order_id, position_id,
	kind, side, token_address, pair_address, chain, dex,
	quantity, total_filled, status, created_at, updated_at, expires_at,
	max_slippage, max_gas_price, exec_attempts, last_error, fills, params`

func marshalOrder(o domain.Order) ([]byte, []byte, error) {
	fills, err := json.Marshal(o.Fills)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal fills: %w", err)
	}
	params, err := json.Marshal(orderParams{
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
		StopLimit:  o.StopLimit,
		Trailing:   o.Trailing,
		DCA:        o.DCA,
		TWAP:       o.TWAP,
		Bracket:    o.Bracket,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal params: %w", err)
	}
	return fills, params, nil
}

// Create inserts a new order row.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	fills, params, err := marshalOrder(o)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

	_, err = s.pool.Exec(ctx, query,
		o.ID, o.UserID, nullable(o.GroupID), nullable(o.ParentOrderID), nullable(o.PositionID),
		string(o.Kind), string(o.Side), o.TokenAddress, o.PairAddress, o.Chain, nullable(o.DEX),
		o.Quantity, o.TotalFilled, string(o.Status), o.CreatedAt, o.UpdatedAt, o.ExpiresAt,
		o.MaxSlippage, o.MaxGasPrice, o.ExecAttempts, o.LastError, fills, params,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// Update rewrites an order row, including its trigger state and fills.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	fills, params, err := marshalOrder(o)
	if err != nil {
		return err
	}

	query := `
		UPDATE orders SET
			position_id = $2, quantity = $3, total_filled = $4, status = $5,
			updated_at = $6, expires_at = $7, exec_attempts = $8,
			last_error = $9, fills = $10, params = $11
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.ID, nullable(o.PositionID), o.Quantity, o.TotalFilled, string(o.Status),
		o.UpdatedAt, o.ExpiresAt, o.ExecAttempts,
		o.LastError, fills, params,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID fetches a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrderFromRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListActive returns every non-terminal order, used for restart recovery.
func (s *OrderStore) ListActive(ctx context.Context) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ('pending', 'active', 'partially_filled')
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active orders: %w", err)
	}
	defer rows.Close()

	return scanOrderRows(rows)
}

// ListByUser returns a user's orders, newest first, with optional time
// filtering and pagination.
func (s *OrderStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1`)

	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		fmt.Fprintf(&sb, " AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		fmt.Fprintf(&sb, " AND created_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	sb.WriteString(" ORDER BY created_at DESC")

	if opts.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for user %s: %w", userID, err)
	}
	defer rows.Close()

	return scanOrderRows(rows)
}

// ListTerminalBefore returns orders that reached a terminal state before the
// cutoff. The archiver feeds on this.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ('filled', 'cancelled', 'expired', 'failed')
		  AND updated_at < $1
		ORDER BY updated_at`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal orders: %w", err)
	}
	defer rows.Close()

	return scanOrderRows(rows)
}

// nullable maps empty strings to NULL for optional text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanOrderFromRow(row pgx.Row) (domain.Order, error) {
	var (
		o                             domain.Order
		groupID, parentID, positionID *string
		dex                           *string
		kind, side, status            string
		fillsRaw, paramsRaw           []byte
	)

	err := row.Scan(
		&o.ID, &o.UserID, &groupID, &parentID, &positionID,
		&kind, &side, &o.TokenAddress, &o.PairAddress, &o.Chain, &dex,
		&o.Quantity, &o.TotalFilled, &status, &o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt,
		&o.MaxSlippage, &o.MaxGasPrice, &o.ExecAttempts, &o.LastError, &fillsRaw, &paramsRaw,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Kind = domain.OrderKind(kind)
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	if groupID != nil {
		o.GroupID = *groupID
	}
	if parentID != nil {
		o.ParentOrderID = *parentID
	}
	if positionID != nil {
		o.PositionID = *positionID
	}
	if dex != nil {
		o.DEX = *dex
	}

	if len(fillsRaw) > 0 {
		if err := json.Unmarshal(fillsRaw, &o.Fills); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal fills: %w", err)
		}
	}

	var params orderParams
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &params); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	o.StopLoss = params.StopLoss
	o.TakeProfit = params.TakeProfit
	o.StopLimit = params.StopLimit
	o.Trailing = params.Trailing
	o.DCA = params.DCA
	o.TWAP = params.TWAP
	o.Bracket = params.Bracket

	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate order rows: %w", err)
	}
	return orders, nil
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
