package domain

import (
	"context"
	"time"
)

// MarketSnapshot is one observation of a trading pair. Volatility is a
// fraction (0.05 = 5%); Volume and Liquidity are in quote units over the
// feed's sampling window.
type MarketSnapshot struct {
	PairAddress string
	Price       float64
	Volume      float64
	Volatility  float64
	Liquidity   float64
	Timestamp   time.Time
}

// MarketFeed supplies the latest snapshot per pair. Implementations must
// return snapshots with per-pair monotonically non-decreasing timestamps.
type MarketFeed interface {
	Snapshot(ctx context.Context, pairAddress string) (MarketSnapshot, error)
}

// ExecutionAdapter performs the actual on-chain trade. Implementations must
// treat params.IdempotencyKey as a duplicate-submission guard: a retried call
// with the same key must not produce a second fill.
type ExecutionAdapter interface {
	Execute(ctx context.Context, orderID string, params ExecutionParams) (ExecutionResult, error)
}

// RiskScorer rates a candidate trade before admission. Higher is safer; the
// engine rejects opportunities scoring below its configured floor.
type RiskScorer interface {
	Score(ctx context.Context, opp Opportunity) (float64, error)
}
