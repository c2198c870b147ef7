package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists conditional orders, including their trigger state and
// fill history, for restart recovery and audit.
type OrderStore interface {
	Create(ctx context.Context, o Order) error
	Update(ctx context.Context, o Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListActive(ctx context.Context) ([]Order, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Order, error)
	// ListTerminalBefore returns orders that reached a terminal state before
	// the cutoff, for archival.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Order, error)
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	Update(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListByUser(ctx context.Context, userID string) ([]Position, error)
}

// FillRecord links a fill to its order for persistence.
type FillRecord struct {
	OrderID string
	Fill
}

// FillStore persists the append-only fill ledger.
type FillStore interface {
	Insert(ctx context.Context, orderID string, f Fill) error
	ListByOrder(ctx context.Context, orderID string) ([]Fill, error)
	ListBefore(ctx context.Context, before time.Time) ([]FillRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
