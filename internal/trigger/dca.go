package trigger

import (
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// DCA splits a total investment into equal tranches executed on an interval.
// A tranche fires only when the schedule is due, the price sits inside the
// configured band, and (after the first execution) the price has not deviated
// too far from the running average fill price. Any violated condition pushes
// the schedule forward by one interval rather than skipping the tranche.
type DCA struct {
	tun Tunables
	now func() time.Time
}

func (d *DCA) ShouldTrigger(o *domain.Order, md domain.MarketSnapshot) bool {
	p := o.DCA
	if p == nil || p.OrdersExecuted >= p.NumOrders {
		return false
	}
	now := d.now()
	if p.NextExecutionAt.IsZero() {
		p.NextExecutionAt = o.CreatedAt
	}
	if now.Before(p.NextExecutionAt) {
		return false
	}

	price := md.Price
	inBand := (p.MinPrice == 0 || price >= p.MinPrice) &&
		(p.MaxPrice == 0 || price <= p.MaxPrice)

	deviationOK := true
	if p.OrdersExecuted > 0 && p.PriceDeviationThreshold > 0 && p.AvgFillPrice > 0 {
		dev := (price - p.AvgFillPrice) / p.AvgFillPrice
		if dev < 0 {
			dev = -dev
		}
		deviationOK = dev <= p.PriceDeviationThreshold
	}

	if !inBand || !deviationOK {
		// Anchor the reschedule to the scheduled slot, not the observation
		// time, so a gap in market data does not drift the tranche grid.
		p.NextExecutionAt = p.NextExecutionAt.Add(d.interval(p, md))
		return false
	}
	return true
}

// interval returns the reschedule delay, stretched under high volatility
// when configured (at most doubled).
func (d *DCA) interval(p *domain.DCAParams, md domain.MarketSnapshot) time.Duration {
	iv := p.Interval
	if p.AdjustForVolatility && md.Volatility > 0 {
		mult := 1 + md.Volatility*d.tun.DCAVolatilityScale
		if mult > 2 {
			mult = 2
		}
		iv = time.Duration(float64(iv) * mult)
	}
	return iv
}

// ExecutionParams sizes the tranche in quote units. With trend adjustment a
// favorable price (below average for buys, above for sells) boosts the
// amount up to the configured cap, never beyond the remaining budget.
func (d *DCA) ExecutionParams(o *domain.Order, md domain.MarketSnapshot) domain.ExecutionParams {
	p := o.DCA
	amount := p.AmountPerOrder()

	if p.AdjustForTrend && p.OrdersExecuted > 0 && p.AvgFillPrice > 0 {
		dev := (p.AvgFillPrice - md.Price) / p.AvgFillPrice
		if o.Side == domain.SideSell {
			dev = -dev
		}
		if dev > 0 {
			boost := 1 + dev*d.tun.TrendBoostScale
			if boost > d.tun.TrendBoostCap {
				boost = d.tun.TrendBoostCap
			}
			amount *= boost
		}
	}

	if remaining := o.Remaining(); amount > remaining {
		amount = remaining
	}

	return domain.ExecutionParams{
		OrderType:      domain.ExecMarket,
		Quantity:       amount,
		MaxSlippage:    o.MaxSlippage,
		IdempotencyKey: idempotencyKey(o),
	}
}

// AdvanceDCA updates the running average and schedule after a tranche fill.
// Called by the engine when applying a DCA fill. Returns true when the
// strategy has executed all its tranches.
func AdvanceDCA(o *domain.Order, f domain.Fill) bool {
	p := o.DCA
	if p == nil {
		return false
	}
	// Quantity-weight the running average by quote amount spent.
	spentBefore := o.TotalFilled - f.Quantity
	if spentBefore < 0 {
		spentBefore = 0
	}
	total := spentBefore + f.Quantity
	if total > 0 {
		p.AvgFillPrice = (p.AvgFillPrice*spentBefore + f.Price*f.Quantity) / total
	}
	p.OrdersExecuted++
	p.NextExecutionAt = f.Timestamp.Add(p.Interval)
	return p.OrdersExecuted >= p.NumOrders
}
