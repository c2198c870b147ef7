package trigger

import "github.com/quantfabric/orderpilot/internal/domain"

// TrailingStop tracks the best favorable price seen and keeps the stop a
// dynamic distance behind it. The distance starts from the configured base
// (percentage or absolute), widens with volatility, tightens with volume and
// with accumulated profit, and is clamped to MaxTrailingAmount. The stop only
// ever moves favorably; every adjustment is recorded for audit.
type TrailingStop struct {
	tun Tunables
}

func (t *TrailingStop) ShouldTrigger(o *domain.Order, md domain.MarketSnapshot) bool {
	p := o.Trailing
	if p == nil {
		return false
	}
	long := exitLong(o)
	price := md.Price

	if !p.Activated && !t.activated(p, long, price) {
		return false
	}
	p.Activated = true

	if p.BestPrice == 0 {
		p.BestPrice = price
	}
	if (long && price > p.BestPrice) || (!long && price < p.BestPrice) {
		p.BestPrice = price
	}

	dist := t.distance(p, long, md)
	if dist <= 0 {
		return false
	}

	newStop := p.BestPrice - dist
	if !long {
		newStop = p.BestPrice + dist
	}

	// Ratchet: only adopt a strictly more favorable stop.
	moved := p.StopPrice == 0 ||
		(long && newStop > p.StopPrice) ||
		(!long && newStop < p.StopPrice)
	if moved {
		p.StopPrice = newStop
		p.Adjustments = append(p.Adjustments, domain.TrailingAdjustment{
			Price:     price,
			StopPrice: newStop,
			Distance:  dist,
			At:        md.Timestamp,
		})
	}

	if long {
		return price <= p.StopPrice
	}
	return price >= p.StopPrice
}

// activated checks the arming gates: every configured gate must pass.
func (t *TrailingStop) activated(p *domain.TrailingStopParams, long bool, price float64) bool {
	if p.ActivationPrice > 0 {
		if long && price < p.ActivationPrice {
			return false
		}
		if !long && price > p.ActivationPrice {
			return false
		}
	}
	if p.MinProfitToActivate > 0 && p.EntryPrice > 0 {
		profit := (price - p.EntryPrice) / p.EntryPrice
		if !long {
			profit = -profit
		}
		if profit < p.MinProfitToActivate {
			return false
		}
	}
	return true
}

// distance computes the dynamic trailing distance for the current snapshot.
func (t *TrailingStop) distance(p *domain.TrailingStopParams, long bool, md domain.MarketSnapshot) float64 {
	dist := p.TrailingAmount
	if p.TrailingPct > 0 {
		dist = p.BestPrice * p.TrailingPct
	}
	if dist <= 0 {
		return 0
	}

	if p.VolatilityAdjustment && md.Volatility > 0 {
		mult := 1 + md.Volatility*t.tun.VolatilityScale
		if mult > t.tun.VolatilityCap {
			mult = t.tun.VolatilityCap
		}
		dist *= mult
	}

	if p.VolumeAdjustment && md.Liquidity > 0 && md.Volume > 0 {
		// Higher volume relative to liquidity means a tighter trail, down to
		// the configured floor.
		ratio := md.Volume / md.Liquidity
		if ratio > 1 {
			ratio = 1
		}
		dist *= 1 - (1-t.tun.VolumeFloor)*ratio
	}

	if p.AccelerationFactor > 0 && p.EntryPrice > 0 {
		profit := (p.BestPrice - p.EntryPrice) / p.EntryPrice
		if !long {
			profit = -profit
		}
		if profit > 0 {
			dist /= 1 + p.AccelerationFactor*profit
		}
	}

	if p.MaxTrailingAmount > 0 && dist > p.MaxTrailingAmount {
		dist = p.MaxTrailingAmount
	}
	return dist
}

func (t *TrailingStop) ExecutionParams(o *domain.Order, _ domain.MarketSnapshot) domain.ExecutionParams {
	return domain.ExecutionParams{
		OrderType:      domain.ExecMarket,
		Quantity:       o.Remaining(),
		MaxSlippage:    o.MaxSlippage,
		Urgent:         true,
		IdempotencyKey: idempotencyKey(o),
	}
}
