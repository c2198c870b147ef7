package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
	"github.com/quantfabric/orderpilot/internal/executor"
	"github.com/quantfabric/orderpilot/internal/queue"
)

const (
	testToken = "0x1111111111111111111111111111111111111111"
	testPair  = "0x2222222222222222222222222222222222222222"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFeed struct {
	mu    sync.Mutex
	snaps map[string]domain.MarketSnapshot
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{snaps: make(map[string]domain.MarketSnapshot)}
}

func (f *fakeFeed) set(pair string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[pair] = domain.MarketSnapshot{
		PairAddress: pair,
		Price:       price,
		Volume:      100000,
		Liquidity:   500000,
		Timestamp:   time.Now(),
	}
}

func (f *fakeFeed) Snapshot(_ context.Context, pair string) (domain.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[pair]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

// scriptAdapter fills every request at a fixed price, or fails with err.
type scriptAdapter struct {
	mu    sync.Mutex
	price float64
	err   error
	calls int
}

func (a *scriptAdapter) Execute(_ context.Context, _ string, params domain.ExecutionParams) (domain.ExecutionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return domain.ExecutionResult{}, a.err
	}
	price := a.price
	if params.OrderType == domain.ExecLimit {
		price = params.Price
	}
	return domain.ExecutionResult{
		Success:      true,
		FillPrice:    price,
		FillQuantity: params.Quantity,
		TxRef:        "tx",
	}, nil
}

func (a *scriptAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type harness struct {
	m       *Manager
	feed    *fakeFeed
	adapter *scriptAdapter
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	feed := newFakeFeed()
	adapter := &scriptAdapter{price: 100}
	ch := make(chan executor.Request, 32)
	q := queue.New(queue.Config{MaxSize: 10}, discardLogger())
	m := NewManager(cfg, q, feed, ch, discardLogger())

	ex := executor.New(ch, adapter, m.OnExecutionResult, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go ex.Run(ctx)
	t.Cleanup(cancel)
	return &harness{m: m, feed: feed, adapter: adapter, cancel: cancel}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func stopLossOrder(userID string, stop float64) domain.Order {
	return domain.Order{
		UserID:       userID,
		Kind:         domain.KindStopLoss,
		Side:         domain.SideSell,
		TokenAddress: testToken,
		PairAddress:  testPair,
		Chain:        "base",
		DEX:          "uniswap_v3",
		Quantity:     10,
		MaxSlippage:  0.01,
		StopLoss:     &domain.StopLossParams{StopPrice: stop, EntryPrice: 100},
	}
}

func TestStopLossLifecycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	// Open the position the stop protects.
	posID, err := h.m.OpenPosition(ctx, "u1", domain.Order{
		ID: "entry", UserID: "u1", Side: domain.SideBuy,
		TokenAddress: testToken, PairAddress: testPair, Chain: "base",
	}, domain.Fill{Price: 100, Quantity: 10, Timestamp: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	o := stopLossOrder("u1", 95)
	o.PositionID = posID
	id, err := h.m.SubmitOrder(ctx, o)
	if err != nil {
		t.Fatal(err)
	}

	// Above the stop: nothing happens.
	h.feed.set(testPair, 97)
	if err := h.m.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	got, _ := h.m.GetOrder(id)
	if got.Status != domain.OrderStatusActive {
		t.Fatalf("status at 97 = %q, want active", got.Status)
	}

	// Below the stop: fires and exits the full remaining quantity.
	h.feed.set(testPair, 94)
	h.adapter.mu.Lock()
	h.adapter.price = 94
	h.adapter.mu.Unlock()
	if err := h.m.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		o, _ := h.m.GetOrder(id)
		return o.Status == domain.OrderStatusFilled
	})

	got, _ = h.m.GetOrder(id)
	if got.TotalFilled != 10 {
		t.Errorf("filled = %v, want 10", got.TotalFilled)
	}
	pos, err := h.m.Ledger().Get(posID)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Status != domain.PositionStatusClosed {
		t.Errorf("position status = %q, want closed", pos.Status)
	}
	if pos.RealizedPnL != (94-100)*10 {
		t.Errorf("realized = %v, want -60", pos.RealizedPnL)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*domain.Order)
	}{
		{"bad token address", func(o *domain.Order) { o.TokenAddress = "nope" }},
		{"zero quantity", func(o *domain.Order) { o.Quantity = 0 }},
		{"missing user", func(o *domain.Order) { o.UserID = "" }},
		{"stop above entry for long", func(o *domain.Order) { o.StopLoss.StopPrice = 120 }},
		{"missing params", func(o *domain.Order) { o.StopLoss = nil }},
		{"slippage out of range", func(o *domain.Order) { o.MaxSlippage = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := stopLossOrder("u1", 95)
			tc.mutate(&o)
			if _, err := h.m.SubmitOrder(ctx, o); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCancelOrderIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	id, err := h.m.SubmitOrder(ctx, stopLossOrder("u1", 95))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := h.m.CancelOrder(ctx, id)
	if err != nil || !ok {
		t.Fatalf("cancel: %v %v", ok, err)
	}
	// Cancelling again is a no-op success.
	ok, err = h.m.CancelOrder(ctx, id)
	if err != nil || !ok {
		t.Fatalf("repeat cancel: %v %v", ok, err)
	}
	if _, err := h.m.CancelOrder(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown cancel err = %v, want ErrNotFound", err)
	}
}

func TestCancelledOrderNeverExecutes(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	id, _ := h.m.SubmitOrder(ctx, stopLossOrder("u1", 95))
	h.m.CancelOrder(ctx, id)

	h.feed.set(testPair, 90)
	h.m.Tick(ctx)
	time.Sleep(30 * time.Millisecond)

	if h.adapter.callCount() != 0 {
		t.Fatal("adapter called for a cancelled order")
	}
}

func TestBracketSpawnsChildren(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.feed.set(testPair, 100)

	bracketID, slID, tpID, err := h.m.CreateBracketOrder(ctx, domain.Order{
		UserID:       "u1",
		Side:         domain.SideBuy,
		TokenAddress: testToken,
		PairAddress:  testPair,
		Chain:        "base",
		DEX:          "uniswap_v3",
		Quantity:     10,
		MaxSlippage:  0.01,
		Bracket: &domain.BracketParams{
			EntryType:       domain.ExecMarket,
			StopLossPrice:   95,
			TakeProfitPrice: 110,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if slID == "" || tpID == "" {
		t.Fatal("child ids not pre-allocated")
	}

	// Entry fires on the first tick.
	h.m.Tick(ctx)
	waitFor(t, func() bool {
		o, _ := h.m.GetOrder(bracketID)
		return o.Status == domain.OrderStatusFilled
	})

	sl, err := h.m.GetOrder(slID)
	if err != nil {
		t.Fatalf("stop-loss child missing: %v", err)
	}
	tp, err := h.m.GetOrder(tpID)
	if err != nil {
		t.Fatalf("take-profit child missing: %v", err)
	}
	if sl.Side != domain.SideSell || tp.Side != domain.SideSell {
		t.Errorf("child sides = %q/%q, want inverse of entry", sl.Side, tp.Side)
	}
	if sl.ParentOrderID != bracketID || sl.GroupID == "" || sl.GroupID != tp.GroupID {
		t.Errorf("child linkage wrong: %+v", sl)
	}
	if sl.PositionID == "" || sl.PositionID != tp.PositionID {
		t.Errorf("children not linked to the entry position")
	}

	pos, err := h.m.Ledger().Get(sl.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 10 || pos.StopLossOrderID != slID || pos.TakeProfitOrderID != tpID {
		t.Errorf("position = %+v", pos)
	}

	// Price falls through the stop: the child closes the position.
	h.feed.set(testPair, 94)
	h.adapter.mu.Lock()
	h.adapter.price = 94
	h.adapter.mu.Unlock()
	h.m.Tick(ctx)
	waitFor(t, func() bool {
		p, _ := h.m.Ledger().Get(sl.PositionID)
		return p.Status == domain.PositionStatusClosed
	})
}

func TestDCATrancheFillsOncePerInterval(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.feed.set(testPair, 50)
	h.adapter.mu.Lock()
	h.adapter.price = 50
	h.adapter.mu.Unlock()

	id, err := h.m.CreateDCAStrategy(ctx, domain.Order{
		UserID:       "u1",
		Side:         domain.SideBuy,
		TokenAddress: testToken,
		PairAddress:  testPair,
		Chain:        "base",
		DEX:          "uniswap_v3",
		MaxSlippage:  0.01,
		DCA: &domain.DCAParams{
			TotalInvestment: 1000,
			NumOrders:       4,
			Interval:        time.Hour,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	h.m.Tick(ctx)
	waitFor(t, func() bool {
		o, _ := h.m.GetOrder(id)
		return o.DCA.OrdersExecuted == 1
	})
	got, _ := h.m.GetOrder(id)
	if got.TotalFilled != 250 {
		t.Errorf("spent = %v, want one 250 tranche", got.TotalFilled)
	}
	if got.Status != domain.OrderStatusPartiallyFilled {
		t.Errorf("status = %q, want partially_filled", got.Status)
	}

	// The next interval has not elapsed; another tick does nothing.
	h.m.Tick(ctx)
	time.Sleep(30 * time.Millisecond)
	got, _ = h.m.GetOrder(id)
	if got.DCA.OrdersExecuted != 1 {
		t.Errorf("executed = %d, want still 1", got.DCA.OrdersExecuted)
	}

	// The position accumulates in base units: 250 quote at price 50 = 5 base.
	pos, err := h.m.Ledger().Get(got.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 5 {
		t.Errorf("position quantity = %v, want 5", pos.Quantity)
	}
}

func TestExecutionRetriesThenFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExecRetries = 2
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.adapter.mu.Lock()
	h.adapter.err = errors.New("rpc unreachable")
	h.adapter.mu.Unlock()

	id, _ := h.m.SubmitOrder(ctx, stopLossOrder("u1", 95))
	h.feed.set(testPair, 90)

	for i := 0; i < 2; i++ {
		h.m.Tick(ctx)
		want := i + 1
		waitFor(t, func() bool {
			o, _ := h.m.GetOrder(id)
			return o.ExecAttempts == want || o.Status == domain.OrderStatusFailed
		})
	}

	got, _ := h.m.GetOrder(id)
	if got.Status != domain.OrderStatusFailed {
		t.Fatalf("status = %q, want failed after retry budget", got.Status)
	}
	if got.LastError == "" {
		t.Error("last error not recorded")
	}

	// Failed orders leave the tick set.
	calls := h.adapter.callCount()
	h.m.Tick(ctx)
	time.Sleep(30 * time.Millisecond)
	if h.adapter.callCount() != calls {
		t.Error("failed order still being executed")
	}
}

func TestPerUserConcurrencyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExecsPerUser = 1
	feed := newFakeFeed()
	ch := make(chan executor.Request, 32)
	q := queue.New(queue.Config{MaxSize: 10}, discardLogger())
	m := NewManager(cfg, q, feed, ch, discardLogger())
	// No executor running: requests stay in flight.

	ctx := context.Background()
	m.SubmitOrder(ctx, stopLossOrder("u1", 95))
	m.SubmitOrder(ctx, stopLossOrder("u1", 96))
	feed.set(testPair, 90)
	m.Tick(ctx)

	if got := len(ch); got != 1 {
		t.Fatalf("dispatched = %d, want per-user cap of 1", got)
	}
}

func TestInFlightOrderSkipped(t *testing.T) {
	feed := newFakeFeed()
	ch := make(chan executor.Request, 32)
	q := queue.New(queue.Config{MaxSize: 10}, discardLogger())
	m := NewManager(DefaultConfig(), q, feed, ch, discardLogger())

	ctx := context.Background()
	m.SubmitOrder(ctx, stopLossOrder("u1", 95))
	feed.set(testPair, 90)
	m.Tick(ctx)
	m.Tick(ctx) // still in flight, must not re-dispatch

	if got := len(ch); got != 1 {
		t.Fatalf("dispatched = %d, want in-flight order skipped", got)
	}
}

func TestOrderExpiry(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	o := stopLossOrder("u1", 95)
	expires := time.Now().Add(10 * time.Millisecond)
	o.ExpiresAt = &expires
	id, err := h.m.SubmitOrder(ctx, o)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	h.feed.set(testPair, 90)
	h.m.Tick(ctx)

	got, _ := h.m.GetOrder(id)
	if got.Status != domain.OrderStatusExpired {
		t.Fatalf("status = %q, want expired", got.Status)
	}
	if h.adapter.callCount() != 0 {
		t.Error("expired order was executed")
	}
}

func TestEmergencyStop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	id, _ := h.m.SubmitOrder(ctx, stopLossOrder("u1", 95))
	h.m.AddOpportunity(domain.Opportunity{
		TokenAddress: testToken, PairAddress: testPair, Chain: "base",
		Side: domain.SideBuy, Quantity: 1, Priority: domain.PriorityHigh,
	})

	h.m.EmergencyStop(ctx)

	if got, _ := h.m.GetOrder(id); got.Status != domain.OrderStatusCancelled {
		t.Fatalf("order status = %q, want cancelled", got.Status)
	}
	if st := h.m.QueueStatus(); st.Size != 0 {
		t.Fatalf("queue size = %d, want cleared", st.Size)
	}
	if err := h.m.Tick(ctx); !errors.Is(err, domain.ErrEngineHalted) {
		t.Fatalf("tick err = %v, want ErrEngineHalted", err)
	}
	if _, err := h.m.SubmitOrder(ctx, stopLossOrder("u1", 95)); !errors.Is(err, domain.ErrEngineHalted) {
		t.Fatalf("submit err = %v, want ErrEngineHalted", err)
	}

	h.m.Resume()
	if h.m.Halted() {
		t.Fatal("still halted after resume")
	}
	if _, err := h.m.SubmitOrder(ctx, stopLossOrder("u1", 95)); err != nil {
		t.Fatalf("submit after resume: %v", err)
	}
}

type fixedRisk struct{ score float64 }

func (r fixedRisk) Score(_ context.Context, _ domain.Opportunity) (float64, error) {
	return r.score, nil
}

func TestAdmissionConvertsOpportunity(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.feed.set(testPair, 100)
	h.m.SetRiskScorer(fixedRisk{score: 0.9})

	oppID, err := h.m.AddOpportunity(domain.Opportunity{
		TokenAddress: testToken, PairAddress: testPair, Chain: "base", DEX: "uniswap_v3",
		Side: domain.SideBuy, Quantity: 5, Priority: domain.PriorityHigh,
	})
	if err != nil || oppID == "" {
		t.Fatalf("add opportunity: %q %v", oppID, err)
	}

	h.m.Tick(ctx)

	if st := h.m.QueueStatus(); st.Size != 0 {
		t.Fatalf("queue size = %d, want consumed", st.Size)
	}
	// The admitted order is a bracket entry around the admission price.
	waitFor(t, func() bool {
		s := h.m.PositionSummary(h.m.cfg.AutotradeUserID)
		return s.OpenPositions == 1
	})
}

func TestAdmissionRiskGateRejects(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.feed.set(testPair, 100)
	h.m.SetRiskScorer(fixedRisk{score: 0.1})

	h.m.AddOpportunity(domain.Opportunity{
		TokenAddress: testToken, PairAddress: testPair, Chain: "base",
		Side: domain.SideBuy, Quantity: 5, Priority: domain.PriorityHigh,
	})
	h.m.Tick(ctx)
	time.Sleep(30 * time.Millisecond)

	if st := h.m.QueueStatus(); st.Size != 0 {
		t.Fatalf("queue size = %d, rejected opportunity must be consumed", st.Size)
	}
	if h.adapter.callCount() != 0 {
		t.Fatal("rejected opportunity reached the adapter")
	}
}

// partialFillAdapter fills a fixed fraction of each request so orders stay
// partially filled across many attempts.
type partialFillAdapter struct {
	mu    sync.Mutex
	price float64
	calls int
}

func (a *partialFillAdapter) Execute(_ context.Context, _ string, params domain.ExecutionParams) (domain.ExecutionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return domain.ExecutionResult{
		Success:      true,
		FillPrice:    a.price,
		FillQuantity: params.Quantity * 0.25,
		TxRef:        "tx",
	}, nil
}

// marshalStore serializes every persisted order, dereferencing its variant
// params the way the real store does.
type marshalStore struct{}

func (marshalStore) Create(_ context.Context, o domain.Order) error {
	_, err := json.Marshal(o)
	return err
}

func (marshalStore) Update(_ context.Context, o domain.Order) error {
	_, err := json.Marshal(o)
	return err
}

func (marshalStore) GetByID(_ context.Context, _ string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}

func (marshalStore) ListActive(_ context.Context) ([]domain.Order, error) { return nil, nil }

func (marshalStore) ListByUser(_ context.Context, _ string, _ domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}

func (marshalStore) ListTerminalBefore(_ context.Context, _ time.Time) ([]domain.Order, error) {
	return nil, nil
}

// Ticks must never observe an order whose execution result is still being
// applied, and persisted snapshots must not alias the live trigger state the
// next tick mutates. Run with -race: a trailing stop partially fills over and
// over while the store marshals each update and the tick loop keeps ratcheting
// the trailing params.
func TestTickingWhileFillsApply(t *testing.T) {
	feed := newFakeFeed()
	ch := make(chan executor.Request, 32)
	q := queue.New(queue.Config{MaxSize: 10}, discardLogger())
	m := NewManager(DefaultConfig(), q, feed, ch, discardLogger())
	m.SetStores(marshalStore{}, nil, nil, nil)

	adapter := &partialFillAdapter{price: 90}
	ex := executor.New(ch, adapter, m.OnExecutionResult, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Run(ctx)

	id, err := m.SubmitOrder(ctx, domain.Order{
		UserID:       "u1",
		Kind:         domain.KindTrailingStop,
		Side:         domain.SideSell,
		TokenAddress: testToken,
		PairAddress:  testPair,
		Chain:        "base",
		DEX:          "uniswap_v3",
		Quantity:     10,
		MaxSlippage:  0.01,
		Trailing:     &domain.TrailingStopParams{EntryPrice: 100, TrailingPct: 0.05},
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 60; i++ {
		feed.set(testPair, 90+float64(i%2))
		if err := m.Tick(ctx); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, func() bool {
		got, _ := m.GetOrder(id)
		return len(got.Fills) >= 3
	})

	got, _ := m.GetOrder(id)
	if got.Status != domain.OrderStatusPartiallyFilled {
		t.Fatalf("status = %q, want partially_filled", got.Status)
	}
	if got.TotalFilled <= 0 || got.TotalFilled >= got.Quantity {
		t.Fatalf("filled = %v, want strictly partial of %v", got.TotalFilled, got.Quantity)
	}

	// Returned copies are detached: mutating one must not leak into the engine.
	got.Trailing.StopPrice = -1
	again, _ := m.GetOrder(id)
	if again.Trailing.StopPrice == -1 {
		t.Fatal("GetOrder copy shares trigger state with the live order")
	}
}
