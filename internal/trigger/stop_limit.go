package trigger

import "github.com/quantfabric/orderpilot/internal/domain"

// StopLimit triggers like a stop-loss but executes as a limit order at
// LimitPrice. When no explicit limit was given it is derived from the stop
// price and the configured offset, on the favorable side for the exit.
type StopLimit struct{}

func (s *StopLimit) ShouldTrigger(o *domain.Order, md domain.MarketSnapshot) bool {
	p := o.StopLimit
	if p == nil {
		return false
	}
	if exitLong(o) {
		return md.Price <= p.StopPrice
	}
	return md.Price >= p.StopPrice
}

func (s *StopLimit) ExecutionParams(o *domain.Order, md domain.MarketSnapshot) domain.ExecutionParams {
	p := o.StopLimit
	limit := p.LimitPrice
	if limit == 0 {
		// Place the limit past the stop in the direction of the exit so the
		// order is marketable when the stop is hit.
		if exitLong(o) {
			limit = p.StopPrice - p.LimitOffset
		} else {
			limit = p.StopPrice + p.LimitOffset
		}
	}
	if p.AutoAdjust && md.Price > 0 {
		// Nudge a quarter of the way toward the current market to raise the
		// fill probability without giving up the whole offset.
		limit += (md.Price - limit) * 0.25
	}
	return domain.ExecutionParams{
		OrderType:      domain.ExecLimit,
		Quantity:       o.Remaining(),
		Price:          limit,
		MaxSlippage:    o.MaxSlippage,
		IdempotencyKey: idempotencyKey(o),
	}
}
