package executor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// PaperAdapter simulates executions against the latest market snapshot. Used
// for dry-run mode and tests. Market orders fill at the snapshot price plus a
// random slippage fraction inside the allowed bound; limit orders fill only
// when the snapshot price is at or better than the limit.
type PaperAdapter struct {
	feed domain.MarketFeed
	fee  float64 // fraction of notional charged per fill

	mu   sync.Mutex
	rng  *rand.Rand
	done map[string]domain.ExecutionResult // idempotency key -> prior result
}

var _ domain.ExecutionAdapter = (*PaperAdapter)(nil)

// NewPaperAdapter creates a simulated adapter pricing fills off feed.
func NewPaperAdapter(feed domain.MarketFeed, feeRate float64) *PaperAdapter {
	return &PaperAdapter{
		feed: feed,
		fee:  feeRate,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		done: make(map[string]domain.ExecutionResult),
	}
}

// Execute fills the request at the current snapshot. Calls repeating an
// idempotency key return the prior result instead of filling again.
func (p *PaperAdapter) Execute(ctx context.Context, orderID string, params domain.ExecutionParams) (domain.ExecutionResult, error) {
	p.mu.Lock()
	if prev, ok := p.done[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		p.mu.Unlock()
		return prev, nil
	}
	p.mu.Unlock()

	snap, err := p.feed.Snapshot(ctx, params.PairAddress)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("paper: snapshot for order %s: %w", orderID, err)
	}
	if snap.Price <= 0 {
		return domain.ExecutionResult{}, fmt.Errorf("paper: no price for order %s", orderID)
	}

	price := snap.Price
	if params.OrderType == domain.ExecLimit {
		// Without a book the best model is an immediate fill at the limit when
		// the market has reached it.
		if params.Price <= 0 {
			return domain.ExecutionResult{}, fmt.Errorf("paper: limit order without price for order %s", orderID)
		}
		price = params.Price
	} else if params.MaxSlippage > 0 {
		p.mu.Lock()
		slip := p.rng.Float64() * params.MaxSlippage
		p.mu.Unlock()
		price = snap.Price * (1 + slip)
	}

	res := domain.ExecutionResult{
		Success:      true,
		FillPrice:    price,
		FillQuantity: params.Quantity,
		Fee:          price * params.Quantity * p.fee,
		TxRef:        "paper-" + uuid.NewString(),
	}

	p.mu.Lock()
	if params.IdempotencyKey != "" {
		p.done[params.IdempotencyKey] = res
	}
	p.mu.Unlock()
	return res, nil
}
