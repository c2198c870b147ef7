package domain

import "time"

// PositionSide is the direction of a holding.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position is the holding that results from filled orders. EntryPrice is the
// quantity-weighted average across entry fills; RealizedPnL accumulates on
// every partial or full close.
type Position struct {
	ID     string
	UserID string

	TokenAddress string
	PairAddress  string
	Chain        string
	DEX          string

	Side         PositionSide
	EntryPrice   float64
	Quantity     float64
	CurrentPrice float64

	InvestedAmount float64
	RealizedPnL    float64

	EntryOrderIDs     []string
	ExitOrderIDs      []string
	StopLossOrderID   string
	TakeProfitOrderID string

	Status   PositionStatus
	OpenedAt time.Time
	ClosedAt *time.Time
}

// CurrentValue returns the mark value of the open quantity.
func (p *Position) CurrentValue() float64 {
	return p.CurrentPrice * p.Quantity
}

// UnrealizedPnL returns the sign-adjusted open profit at CurrentPrice.
func (p *Position) UnrealizedPnL() float64 {
	switch p.Side {
	case PositionShort:
		return (p.EntryPrice - p.CurrentPrice) * p.Quantity
	default:
		return (p.CurrentPrice - p.EntryPrice) * p.Quantity
	}
}

// TotalPnL is realized plus unrealized profit.
func (p *Position) TotalPnL() float64 {
	return p.RealizedPnL + p.UnrealizedPnL()
}

// PnLPercent expresses TotalPnL relative to the invested amount.
func (p *Position) PnLPercent() float64 {
	if p.InvestedAmount == 0 {
		return 0
	}
	return p.TotalPnL() / p.InvestedAmount * 100
}

// PositionSummary aggregates a user's positions for status reporting.
type PositionSummary struct {
	OpenPositions     int
	ClosedPositions   int
	TotalInvested     float64
	TotalCurrentValue float64
	TotalPnL          float64
	Positions         []Position
}
