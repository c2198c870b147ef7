package trigger

import "github.com/quantfabric/orderpilot/internal/domain"

// Bracket is not a market-condition trigger: the entry fires as soon as the
// order is picked up while pending. Child stop-loss and take-profit orders
// are spawned by the engine once the entry fills.
type Bracket struct{}

func (b *Bracket) ShouldTrigger(o *domain.Order, _ domain.MarketSnapshot) bool {
	return o.Bracket != nil && o.Status == domain.OrderStatusPending
}

func (b *Bracket) ExecutionParams(o *domain.Order, _ domain.MarketSnapshot) domain.ExecutionParams {
	p := o.Bracket
	params := domain.ExecutionParams{
		OrderType:      domain.ExecMarket,
		Quantity:       o.Remaining(),
		MaxSlippage:    o.MaxSlippage,
		IdempotencyKey: idempotencyKey(o),
	}
	if p.EntryType == domain.ExecLimit && p.LimitPrice > 0 {
		params.OrderType = domain.ExecLimit
		params.Price = p.LimitPrice
	}
	return params
}
