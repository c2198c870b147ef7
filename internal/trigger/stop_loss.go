package trigger

import (
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// StopLoss fires when the price crosses the stop against the position:
// at or below the stop for a long (sell order), at or above for a short.
// With trailing enabled the stop ratchets favorably as the price moves in the
// position's favor, never backward.
type StopLoss struct {
	tun Tunables
}

// ShouldTrigger updates the trailing stop (when enabled and past the
// min-profit threshold) and then tests the crossing condition.
func (s *StopLoss) ShouldTrigger(o *domain.Order, md domain.MarketSnapshot) bool {
	p := o.StopLoss
	if p == nil {
		return false
	}
	long := exitLong(o)
	price := md.Price

	if p.TrailingEnabled {
		s.trail(p, long, price, md.Timestamp)
	}

	if long {
		return price <= p.StopPrice
	}
	return price >= p.StopPrice
}

// trail moves the stop toward the price, only ever favorably: up for longs,
// down for shorts.
func (s *StopLoss) trail(p *domain.StopLossParams, long bool, price float64, _ time.Time) {
	if p.MinProfitBeforeTrail > 0 && p.EntryPrice > 0 {
		profit := (price - p.EntryPrice) / p.EntryPrice
		if !long {
			profit = -profit
		}
		if profit < p.MinProfitBeforeTrail {
			return
		}
	}

	dist := p.TrailingAmount
	if p.TrailingPct > 0 {
		dist = price * p.TrailingPct
	}
	if dist <= 0 {
		return
	}

	if long {
		if ns := price - dist; ns > p.StopPrice {
			p.StopPrice = ns
		}
	} else {
		if ns := price + dist; ns < p.StopPrice {
			p.StopPrice = ns
		}
	}
}

// ExecutionParams exits the full remaining quantity at market. An emergency
// exit widens the allowed slippage to force the fill.
func (s *StopLoss) ExecutionParams(o *domain.Order, _ domain.MarketSnapshot) domain.ExecutionParams {
	slippage := o.MaxSlippage
	urgent := false
	if o.StopLoss != nil && o.StopLoss.EmergencyExit {
		slippage *= s.tun.EmergencySlippageFactor
		if slippage > 1 {
			slippage = 1
		}
		urgent = true
	}
	return domain.ExecutionParams{
		OrderType:      domain.ExecMarket,
		Quantity:       o.Remaining(),
		MaxSlippage:    slippage,
		Urgent:         urgent,
		IdempotencyKey: idempotencyKey(o),
	}
}
