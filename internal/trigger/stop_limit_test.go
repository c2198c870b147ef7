package trigger

import (
	"testing"

	"github.com/quantfabric/orderpilot/internal/domain"
)

func stopLimitOrder(stop, limit, offset float64) *domain.Order {
	return &domain.Order{
		ID:          "ord-stl",
		Kind:        domain.KindStopLimit,
		Side:        domain.SideSell,
		Quantity:    10,
		Status:      domain.OrderStatusActive,
		MaxSlippage: 0.01,
		StopLimit: &domain.StopLimitParams{
			StopPrice:   stop,
			LimitPrice:  limit,
			LimitOffset: offset,
		},
	}
}

func TestStopLimitTriggersLikeStopLoss(t *testing.T) {
	s := &StopLimit{}
	o := stopLimitOrder(95, 94, 0)

	if s.ShouldTrigger(o, snap(96)) {
		t.Fatal("fired above the stop")
	}
	if !s.ShouldTrigger(o, snap(95)) {
		t.Fatal("did not fire at the stop")
	}

	params := s.ExecutionParams(o, snap(95))
	if params.OrderType != domain.ExecLimit {
		t.Errorf("order type = %q, want limit", params.OrderType)
	}
	if params.Price != 94 {
		t.Errorf("limit = %v, want explicit 94", params.Price)
	}
}

func TestStopLimitDerivesLimitFromOffset(t *testing.T) {
	s := &StopLimit{}
	o := stopLimitOrder(95, 0, 1)

	params := s.ExecutionParams(o, snap(94.5))
	if params.Price != 94 {
		t.Errorf("derived limit = %v, want 94 (stop - offset)", params.Price)
	}

	// For a short exit the limit sits above the stop.
	o.Side = domain.SideBuy
	o.StopLimit.StopPrice = 105
	params = s.ExecutionParams(o, snap(105.5))
	if params.Price != 106 {
		t.Errorf("derived short limit = %v, want 106 (stop + offset)", params.Price)
	}
}

func TestStopLimitAutoAdjust(t *testing.T) {
	s := &StopLimit{}
	o := stopLimitOrder(95, 94, 0)
	o.StopLimit.AutoAdjust = true

	// Market at 90: limit nudged a quarter of the way from 94 toward 90.
	params := s.ExecutionParams(o, snap(90))
	if params.Price != 93 {
		t.Errorf("adjusted limit = %v, want 93", params.Price)
	}
}
