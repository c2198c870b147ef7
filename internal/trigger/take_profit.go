package trigger

import (
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// TakeProfit fires when the price crosses the target favorably: at or above
// for a long (sell order), at or below for a short. Scale-out levels close
// the position in tranches; minimum holding time and minimum absolute profit
// gate firing even when the price condition is met.
type TakeProfit struct{}

func (t *TakeProfit) ShouldTrigger(o *domain.Order, md domain.MarketSnapshot) bool {
	p := o.TakeProfit
	if p == nil {
		return false
	}
	long := exitLong(o)
	price := md.Price

	if p.MinHoldTime > 0 && md.Timestamp.Sub(o.CreatedAt) < p.MinHoldTime {
		return false
	}
	if p.MinProfitAmount > 0 && p.EntryPrice > 0 {
		profit := (price - p.EntryPrice) * o.Remaining()
		if !long {
			profit = -profit
		}
		if profit < p.MinProfitAmount {
			return false
		}
	}

	if lvl, ok := t.nextLevel(p); ok {
		if long {
			return price >= lvl.Price
		}
		return price <= lvl.Price
	}

	if long {
		return price >= p.TargetPrice
	}
	return price <= p.TargetPrice
}

// nextLevel returns the first scale-out level that has not executed yet.
func (t *TakeProfit) nextLevel(p *domain.TakeProfitParams) (domain.ScaleOutLevel, bool) {
	if p.LevelsFilled < len(p.ScaleOut) {
		return p.ScaleOut[p.LevelsFilled], true
	}
	return domain.ScaleOutLevel{}, false
}

// ExecutionParams closes the level's percentage of total quantity when
// scaling out, or the full remaining quantity otherwise. The last scale-out
// level always takes everything left.
func (t *TakeProfit) ExecutionParams(o *domain.Order, _ domain.MarketSnapshot) domain.ExecutionParams {
	p := o.TakeProfit
	qty := o.Remaining()
	if p != nil {
		if lvl, ok := t.nextLevel(p); ok {
			if p.LevelsFilled < len(p.ScaleOut)-1 {
				levelQty := o.Quantity * lvl.Percentage / 100
				if levelQty < qty {
					qty = levelQty
				}
			}
		}
	}
	return domain.ExecutionParams{
		OrderType:      domain.ExecMarket,
		Quantity:       qty,
		MaxSlippage:    o.MaxSlippage,
		IdempotencyKey: idempotencyKey(o),
	}
}

// MarkLevelFilled advances the scale-out cursor after a successful fill.
// Called by the engine when applying a take-profit fill.
func MarkLevelFilled(o *domain.Order, at time.Time) {
	if o.TakeProfit == nil {
		return
	}
	if o.TakeProfit.LevelsFilled < len(o.TakeProfit.ScaleOut) {
		o.TakeProfit.LevelsFilled++
		o.UpdatedAt = at
	}
}
