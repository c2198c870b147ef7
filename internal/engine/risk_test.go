package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

func (f *fakeFeed) setSnapshot(snap domain.MarketSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.PairAddress] = snap
}

func TestSnapshotRiskScorer(t *testing.T) {
	feed := newFakeFeed()
	scorer := NewSnapshotRiskScorer(feed)
	ctx := context.Background()

	cases := []struct {
		name string
		snap domain.MarketSnapshot
		opp  domain.Opportunity
		want float64
	}{
		{
			name: "deep liquid calm market",
			snap: domain.MarketSnapshot{PairAddress: "0xa", Price: 1, Liquidity: 500_000, Volatility: 0},
			opp:  domain.Opportunity{PairAddress: "0xa", Quantity: 100},
			// Full liquidity and stability, no declared edge.
			want: 0.8,
		},
		{
			name: "thin illiquid market",
			snap: domain.MarketSnapshot{PairAddress: "0xb", Price: 1, Liquidity: 25_000, Volatility: 0},
			opp:  domain.Opportunity{PairAddress: "0xb", Quantity: 100},
			// Liquidity component halves: 0.5*0.5 + 0.3.
			want: 0.55,
		},
		{
			name: "volatility at ceiling",
			snap: domain.MarketSnapshot{PairAddress: "0xc", Price: 1, Liquidity: 500_000, Volatility: 0.5},
			opp:  domain.Opportunity{PairAddress: "0xc", Quantity: 100},
			want: 0.5,
		},
		{
			name: "edge saturates",
			snap: domain.MarketSnapshot{PairAddress: "0xd", Price: 2, Liquidity: 500_000, Volatility: 0},
			opp:  domain.Opportunity{PairAddress: "0xd", Quantity: 100, ExpectedProfit: 100},
			// Edge = 100/200*10 capped at 1.
			want: 1.0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.snap.Timestamp = time.Now()
			feed.setSnapshot(tc.snap)

			got, err := scorer.Score(ctx, tc.opp)
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSnapshotRiskScorerFeedError(t *testing.T) {
	scorer := NewSnapshotRiskScorer(newFakeFeed())

	score, err := scorer.Score(context.Background(), domain.Opportunity{PairAddress: "0xmissing"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if score != 0 {
		t.Errorf("score = %v, want 0 on feed error", score)
	}
}
