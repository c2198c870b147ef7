package trigger

import (
	"testing"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

func takeProfitOrder(target float64) *domain.Order {
	return &domain.Order{
		ID:          "ord-tp",
		Kind:        domain.KindTakeProfit,
		Side:        domain.SideSell,
		Quantity:    100,
		Status:      domain.OrderStatusActive,
		MaxSlippage: 0.01,
		CreatedAt:   time.Now().Add(-time.Hour),
		TakeProfit:  &domain.TakeProfitParams{TargetPrice: target, EntryPrice: 100},
	}
}

func TestTakeProfitLongTrigger(t *testing.T) {
	tp := &TakeProfit{}
	o := takeProfitOrder(110)

	if tp.ShouldTrigger(o, snap(108)) {
		t.Fatal("fired below the target")
	}
	if !tp.ShouldTrigger(o, snap(110)) {
		t.Fatal("did not fire at the target")
	}

	params := tp.ExecutionParams(o, snap(110))
	if params.Quantity != 100 {
		t.Errorf("quantity = %v, want full 100", params.Quantity)
	}
}

func TestTakeProfitShortTrigger(t *testing.T) {
	tp := &TakeProfit{}
	o := takeProfitOrder(90)
	o.Side = domain.SideBuy // closes a short

	if tp.ShouldTrigger(o, snap(92)) {
		t.Fatal("short take-profit fired above the target")
	}
	if !tp.ShouldTrigger(o, snap(89)) {
		t.Fatal("short take-profit did not fire below the target")
	}
}

func TestTakeProfitMinHoldTime(t *testing.T) {
	tp := &TakeProfit{}
	o := takeProfitOrder(110)
	o.CreatedAt = time.Now()
	o.TakeProfit.MinHoldTime = time.Hour

	md := snap(115)
	if tp.ShouldTrigger(o, md) {
		t.Fatal("fired before the minimum hold time")
	}

	md.Timestamp = o.CreatedAt.Add(2 * time.Hour)
	if !tp.ShouldTrigger(o, md) {
		t.Fatal("did not fire after the hold time elapsed")
	}
}

func TestTakeProfitMinProfitAmount(t *testing.T) {
	tp := &TakeProfit{}
	o := takeProfitOrder(101)
	o.TakeProfit.MinProfitAmount = 500 // needs (price-100)*100 >= 500

	if tp.ShouldTrigger(o, snap(103)) {
		t.Fatal("fired with only 300 profit")
	}
	if !tp.ShouldTrigger(o, snap(106)) {
		t.Fatal("did not fire with 600 profit")
	}
}

func TestTakeProfitScaleOut(t *testing.T) {
	tp := &TakeProfit{}
	o := takeProfitOrder(0)
	o.TakeProfit.ScaleOut = []domain.ScaleOutLevel{
		{Price: 110, Percentage: 30},
		{Price: 120, Percentage: 30},
		{Price: 130, Percentage: 40},
	}

	// First level.
	if !tp.ShouldTrigger(o, snap(110)) {
		t.Fatal("level 1 did not fire")
	}
	params := tp.ExecutionParams(o, snap(110))
	if params.Quantity != 30 {
		t.Fatalf("level 1 quantity = %v, want 30", params.Quantity)
	}
	o.ApplyFill(domain.Fill{Price: 110, Quantity: 30, Timestamp: time.Now()})
	MarkLevelFilled(o, time.Now())

	// Level 2 must not fire until its own price is reached.
	if tp.ShouldTrigger(o, snap(112)) {
		t.Fatal("level 2 fired early")
	}
	if !tp.ShouldTrigger(o, snap(120)) {
		t.Fatal("level 2 did not fire")
	}
	o.ApplyFill(domain.Fill{Price: 120, Quantity: 30, Timestamp: time.Now()})
	MarkLevelFilled(o, time.Now())

	// Final level takes all remaining.
	if !tp.ShouldTrigger(o, snap(130)) {
		t.Fatal("level 3 did not fire")
	}
	params = tp.ExecutionParams(o, snap(130))
	if params.Quantity != 40 {
		t.Fatalf("final level quantity = %v, want remaining 40", params.Quantity)
	}
}

func TestTakeProfitIdempotencyKeyAdvancesPerTranche(t *testing.T) {
	tp := &TakeProfit{}
	o := takeProfitOrder(0)
	o.TakeProfit.ScaleOut = []domain.ScaleOutLevel{
		{Price: 110, Percentage: 50},
		{Price: 120, Percentage: 50},
	}

	k1 := tp.ExecutionParams(o, snap(110)).IdempotencyKey
	o.ApplyFill(domain.Fill{Price: 110, Quantity: 50, Timestamp: time.Now()})
	MarkLevelFilled(o, time.Now())
	k2 := tp.ExecutionParams(o, snap(120)).IdempotencyKey
	if k1 == k2 {
		t.Fatalf("tranches reused idempotency key %q", k1)
	}
}
