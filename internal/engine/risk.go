package engine

import (
	"context"
	"fmt"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// SnapshotRiskScorer rates opportunities from live market conditions: deep
// liquidity and low volatility score high, and the expected edge relative to
// the trade's notional adds a bounded bonus. Scores are in [0, 1].
type SnapshotRiskScorer struct {
	feed domain.MarketFeed

	// MinLiquidity is the liquidity at which the liquidity component
	// saturates. Below it the component falls off linearly.
	MinLiquidity float64

	// MaxVolatility is the volatility fraction at which the volatility
	// component reaches zero.
	MaxVolatility float64
}

// NewSnapshotRiskScorer creates a scorer with stock thresholds.
func NewSnapshotRiskScorer(feed domain.MarketFeed) *SnapshotRiskScorer {
	return &SnapshotRiskScorer{
		feed:          feed,
		MinLiquidity:  50_000,
		MaxVolatility: 0.5,
	}
}

// Score rates the opportunity. An unreachable feed scores zero with the
// error, so the caller decides whether to fail open.
func (s *SnapshotRiskScorer) Score(ctx context.Context, opp domain.Opportunity) (float64, error) {
	snap, err := s.feed.Snapshot(ctx, opp.PairAddress)
	if err != nil {
		return 0, fmt.Errorf("engine: risk score %s: %w", opp.PairAddress, err)
	}

	liquidity := 1.0
	if s.MinLiquidity > 0 && snap.Liquidity < s.MinLiquidity {
		liquidity = snap.Liquidity / s.MinLiquidity
	}

	stability := 0.0
	if s.MaxVolatility > 0 && snap.Volatility < s.MaxVolatility {
		stability = 1 - snap.Volatility/s.MaxVolatility
	}

	edge := 0.0
	if notional := snap.Price * opp.Quantity; notional > 0 && opp.ExpectedProfit > 0 {
		// A 10% expected edge saturates the component.
		edge = opp.ExpectedProfit / notional * 10
		if edge > 1 {
			edge = 1
		}
	}

	score := 0.5*liquidity + 0.3*stability + 0.2*edge
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// Compile-time interface check.
var _ domain.RiskScorer = (*SnapshotRiskScorer)(nil)
