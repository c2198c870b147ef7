package trigger

import (
	"math"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// TWAP splits a quantity into time-spaced slices. A slice is deferred, not
// skipped, while it would exceed the participation cap on observed volume or
// while the price has moved more than the impact threshold since the previous
// slice. The final slice always takes all remaining quantity.
type TWAP struct {
	now func() time.Time
}

// InitTWAP derives the slice count and first schedule at submit time.
func InitTWAP(o *domain.Order) {
	p := o.TWAP
	if p == nil || p.SliceSize <= 0 {
		return
	}
	p.TotalSlices = int(math.Ceil(o.Quantity / p.SliceSize))
	if p.TotalSlices < 1 {
		p.TotalSlices = 1
	}
	if p.NextSliceAt.IsZero() {
		p.NextSliceAt = o.CreatedAt
	}
}

func (t *TWAP) ShouldTrigger(o *domain.Order, md domain.MarketSnapshot) bool {
	p := o.TWAP
	if p == nil || p.SlicesExecuted >= p.TotalSlices {
		return false
	}
	now := t.now()
	if p.NextSliceAt.IsZero() {
		p.NextSliceAt = o.CreatedAt
	}
	if now.Before(p.NextSliceAt) {
		return false
	}

	qty := t.sliceQuantity(o)

	if p.MaxParticipationRate > 0 && md.Volume > 0 &&
		qty > p.MaxParticipationRate*md.Volume {
		t.defer_(p, now)
		return false
	}

	if p.ImpactThreshold > 0 && p.LastSlicePrice > 0 {
		impact := (md.Price - p.LastSlicePrice) / p.LastSlicePrice
		if impact < 0 {
			impact = -impact
		}
		if impact > p.ImpactThreshold {
			t.defer_(p, now)
			return false
		}
	}
	return true
}

// defer_ pushes the slice back by the minimum interval without consuming it.
func (t *TWAP) defer_(p *domain.TWAPParams, now time.Time) {
	iv := p.MinSliceInterval
	if iv <= 0 {
		iv = time.Second
	}
	p.NextSliceAt = now.Add(iv)
}

// sliceQuantity returns the size of the next slice: SliceSize normally, the
// whole remainder for the last slice.
func (t *TWAP) sliceQuantity(o *domain.Order) float64 {
	p := o.TWAP
	remaining := o.Remaining()
	if p.SlicesExecuted >= p.TotalSlices-1 || p.SliceSize >= remaining {
		return remaining
	}
	return p.SliceSize
}

func (t *TWAP) ExecutionParams(o *domain.Order, _ domain.MarketSnapshot) domain.ExecutionParams {
	return domain.ExecutionParams{
		OrderType:      domain.ExecMarket,
		Quantity:       t.sliceQuantity(o),
		MaxSlippage:    o.MaxSlippage,
		IdempotencyKey: idempotencyKey(o),
	}
}

// AdvanceTWAP records the slice fill and schedules the next one at
// max(MinSliceInterval, Duration/TotalSlices) after the fill.
func AdvanceTWAP(o *domain.Order, f domain.Fill) {
	p := o.TWAP
	if p == nil {
		return
	}
	p.SlicesExecuted++
	p.LastSlicePrice = f.Price

	iv := p.MinSliceInterval
	if p.TotalSlices > 0 {
		if spread := p.Duration / time.Duration(p.TotalSlices); spread > iv {
			iv = spread
		}
	}
	p.NextSliceAt = f.Timestamp.Add(iv)
}
