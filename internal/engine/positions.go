package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// Ledger is the in-memory position book. The engine is its only writer;
// reads (summaries, lookups) may come from API callers concurrently.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
	now       func() time.Time
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[string]*domain.Position),
		now:       time.Now,
	}
}

// Open creates a position from a first entry fill and returns it.
func (l *Ledger) Open(userID string, o *domain.Order, f domain.Fill) *domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	side := domain.PositionLong
	if o.Side == domain.SideSell {
		side = domain.PositionShort
	}
	p := &domain.Position{
		ID:             uuid.NewString(),
		UserID:         userID,
		TokenAddress:   o.TokenAddress,
		PairAddress:    o.PairAddress,
		Chain:          o.Chain,
		DEX:            o.DEX,
		Side:           side,
		EntryPrice:     f.Price,
		Quantity:       f.Quantity,
		CurrentPrice:   f.Price,
		InvestedAmount: f.Price * f.Quantity,
		EntryOrderIDs:  []string{o.ID},
		Status:         domain.PositionStatusOpen,
		OpenedAt:       f.Timestamp,
	}
	l.positions[p.ID] = p
	return p
}

// AddEntry quantity-weights another entry fill into an open position.
func (l *Ledger) AddEntry(positionID, orderID string, f domain.Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[positionID]
	if !ok {
		return fmt.Errorf("ledger: position %s: %w", positionID, domain.ErrNotFound)
	}
	if p.Status == domain.PositionStatusClosed {
		return fmt.Errorf("ledger: position %s closed: %w", positionID, domain.ErrOrderTerminal)
	}

	total := p.Quantity + f.Quantity
	if total > 0 {
		p.EntryPrice = (p.EntryPrice*p.Quantity + f.Price*f.Quantity) / total
	}
	p.Quantity = total
	p.InvestedAmount += f.Price * f.Quantity
	p.CurrentPrice = f.Price
	p.EntryOrderIDs = appendUnique(p.EntryOrderIDs, orderID)
	return nil
}

// Close reduces the position by quantity at price, realizing PnL for the
// closed portion. A nil quantity closes everything; a nil price uses the
// last observed market price. Reports whether the position is now closed.
func (l *Ledger) Close(positionID, orderID string, price, quantity *float64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[positionID]
	if !ok {
		return false, fmt.Errorf("ledger: position %s: %w", positionID, domain.ErrNotFound)
	}
	if p.Status == domain.PositionStatusClosed {
		return true, nil
	}

	closePrice := p.CurrentPrice
	if price != nil {
		closePrice = *price
	}
	closeQty := p.Quantity
	if quantity != nil && *quantity < closeQty {
		closeQty = *quantity
	}
	if closeQty <= 0 {
		return false, fmt.Errorf("ledger: close quantity must be positive: %w", domain.ErrValidation)
	}

	pnl := (closePrice - p.EntryPrice) * closeQty
	if p.Side == domain.PositionShort {
		pnl = -pnl
	}
	p.RealizedPnL += pnl
	p.Quantity -= closeQty
	p.CurrentPrice = closePrice
	if orderID != "" {
		p.ExitOrderIDs = appendUnique(p.ExitOrderIDs, orderID)
	}

	if p.Quantity <= quantityEpsilon {
		p.Quantity = 0
		p.Status = domain.PositionStatusClosed
		at := l.now()
		p.ClosedAt = &at
		return true, nil
	}
	return false, nil
}

// Get returns a copy of the position.
func (l *Ledger) Get(positionID string) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[positionID]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: position %s: %w", positionID, domain.ErrNotFound)
	}
	return *p, nil
}

// FindOpen returns the open position for a user on a pair, if any.
func (l *Ledger) FindOpen(userID, pairAddress string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.positions {
		if p.UserID == userID && p.PairAddress == pairAddress && p.Status == domain.PositionStatusOpen {
			return *p, true
		}
	}
	return domain.Position{}, false
}

// LinkExitOrder records the active exit order of the given kind on the
// position, at most one per kind.
func (l *Ledger) LinkExitOrder(positionID string, kind domain.OrderKind, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[positionID]
	if !ok {
		return fmt.Errorf("ledger: position %s: %w", positionID, domain.ErrNotFound)
	}
	switch kind {
	case domain.KindStopLoss, domain.KindStopLimit, domain.KindTrailingStop:
		p.StopLossOrderID = orderID
	case domain.KindTakeProfit:
		p.TakeProfitOrderID = orderID
	}
	return nil
}

// MarkPrice updates the last observed price on every open position for the
// pair, keeping unrealized PnL current.
func (l *Ledger) MarkPrice(pairAddress string, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.positions {
		if p.PairAddress == pairAddress && p.Status == domain.PositionStatusOpen {
			p.CurrentPrice = price
		}
	}
}

// Summary aggregates the user's positions.
func (l *Ledger) Summary(userID string) domain.PositionSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var s domain.PositionSummary
	for _, p := range l.positions {
		if p.UserID != userID {
			continue
		}
		s.Positions = append(s.Positions, *p)
		if p.Status == domain.PositionStatusOpen {
			s.OpenPositions++
			s.TotalInvested += p.InvestedAmount
			s.TotalCurrentValue += p.CurrentValue()
		} else {
			s.ClosedPositions++
		}
		s.TotalPnL += p.TotalPnL()
	}
	return s
}

const quantityEpsilon = 1e-9

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
