// Package engine runs the order state machine: the tick loop that evaluates
// conditional orders against market data, the admission path that converts
// queued opportunities into live orders, and the position ledger mutated by
// fills. The Manager is the only writer of order and position state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantfabric/orderpilot/internal/domain"
	"github.com/quantfabric/orderpilot/internal/executor"
	"github.com/quantfabric/orderpilot/internal/queue"
	"github.com/quantfabric/orderpilot/internal/trigger"
)

// Config is the engine's tick and concurrency policy.
type Config struct {
	TickInterval       time.Duration
	MaxConcurrentExecs int // global in-flight execution cap
	MaxExecsPerUser    int // per-user in-flight execution cap
	MaxExecRetries     int // failed adapter attempts before an order fails
	EvalParallelism    int // concurrent per-pair evaluation shards
	AdmitPerTick       int // opportunities converted per tick
	MinRiskScore       float64

	// Autotrade entries admitted from the queue become bracket orders owned
	// by AutotradeUserID, with stop and target set relative to the admission
	// price.
	AutotradeUserID    string
	AutotradeStopPct   float64
	AutotradeTargetPct float64
	DefaultMaxSlippage float64
}

// DefaultConfig returns the stock engine policy.
func DefaultConfig() Config {
	return Config{
		TickInterval:       2 * time.Second,
		MaxConcurrentExecs: 8,
		MaxExecsPerUser:    2,
		MaxExecRetries:     3,
		EvalParallelism:    4,
		AdmitPerTick:       4,
		MinRiskScore:       0.5,
		AutotradeUserID:    "autotrade",
		AutotradeStopPct:   0.05,
		AutotradeTargetPct: 0.10,
		DefaultMaxSlippage: 0.01,
	}
}

// Notifier delivers user-facing alerts. Satisfied by notify.Sender.
type Notifier interface {
	Send(ctx context.Context, title, message string) error
}

// Manager owns the order map and the position ledger, runs the evaluation
// tick, and applies execution results reported back by the executor.
type Manager struct {
	cfg Config
	tun trigger.Tunables

	mu       sync.Mutex
	orders   map[string]*domain.Order
	inflight map[string]string // order ID -> user ID
	perUser  map[string]int
	halted   bool

	ledger    *Ledger
	queue     *queue.Queue
	feed      domain.MarketFeed
	requestCh chan<- executor.Request

	risk       domain.RiskScorer
	rate       domain.RateLimiter
	rateLimit  int
	rateWindow time.Duration
	bus        domain.SignalBus
	orderStore domain.OrderStore
	posStore   domain.PositionStore
	fillStore  domain.FillStore
	auditStore domain.AuditStore
	notifier   Notifier

	now    func() time.Time
	logger *slog.Logger
}

// NewManager wires the engine core. Optional collaborators (stores, bus, risk
// scorer, notifier) are attached through setters before Run.
func NewManager(cfg Config, q *queue.Queue, feed domain.MarketFeed, requestCh chan<- executor.Request, logger *slog.Logger) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.EvalParallelism <= 0 {
		cfg.EvalParallelism = 1
	}
	if cfg.MaxExecRetries <= 0 {
		cfg.MaxExecRetries = 3
	}
	return &Manager{
		cfg:       cfg,
		tun:       trigger.DefaultTunables(),
		orders:    make(map[string]*domain.Order),
		inflight:  make(map[string]string),
		perUser:   make(map[string]int),
		ledger:    NewLedger(),
		queue:     q,
		feed:      feed,
		requestCh: requestCh,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "engine")),
	}
}

// SetTunables overrides the trigger heuristics. Must be called before Run.
func (m *Manager) SetTunables(tun trigger.Tunables) { m.tun = tun }

// SetRiskScorer attaches the admission risk gate.
func (m *Manager) SetRiskScorer(r domain.RiskScorer) { m.risk = r }

// SetRateLimiter throttles admission per token: at most limit conversions
// per token per window. Fails open when the limiter is unreachable.
func (m *Manager) SetRateLimiter(rl domain.RateLimiter, limit int, window time.Duration) {
	m.rate = rl
	m.rateLimit = limit
	m.rateWindow = window
}

// SetSignalBus attaches the lifecycle event bus.
func (m *Manager) SetSignalBus(b domain.SignalBus) { m.bus = b }

// SetNotifier attaches the user alert channel.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

// SetStores attaches the persistence layer. Any store may be nil; persistence
// is best-effort and never blocks state transitions.
func (m *Manager) SetStores(orders domain.OrderStore, positions domain.PositionStore, fills domain.FillStore, audit domain.AuditStore) {
	m.orderStore = orders
	m.posStore = positions
	m.fillStore = fills
	m.auditStore = audit
}

// Ledger exposes the position book for read paths.
func (m *Manager) Ledger() *Ledger { return m.ledger }

// RestoreActive reloads non-terminal orders from the store after a restart.
func (m *Manager) RestoreActive(ctx context.Context) error {
	if m.orderStore == nil {
		return nil
	}
	orders, err := m.orderStore.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore active orders: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range orders {
		o := orders[i]
		m.orders[o.ID] = &o
	}
	m.logger.Info("restored active orders", slog.Int("count", len(orders)))
	return nil
}

// Run drives the tick loop until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("engine started", slog.Duration("tick_interval", m.cfg.TickInterval))
	defer m.logger.Info("engine stopped")

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil && !errors.Is(err, domain.ErrEngineHalted) {
				m.logger.Error("tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick runs one evaluation pass: admit queued opportunities, expire overdue
// orders, then evaluate eligible orders sharded per pair so no two concurrent
// evaluations touch the same order.
func (m *Manager) Tick(ctx context.Context) error {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return domain.ErrEngineHalted
	}
	m.mu.Unlock()

	m.admit(ctx)

	byPair, expired := m.collectEligible()
	for _, o := range expired {
		m.persistOrder(ctx, o)
		m.publishOrderEvent(ctx, o, "order_expired")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.EvalParallelism)
	for pair, orders := range byPair {
		pair, orders := pair, orders
		g.Go(func() error {
			m.evaluatePair(gctx, pair, orders)
			return nil
		})
	}
	return g.Wait()
}

// collectEligible snapshots the evaluable orders grouped by pair and lazily
// expires overdue ones. Orders with an execution in flight are skipped.
func (m *Manager) collectEligible() (map[string][]*domain.Order, []domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	byPair := make(map[string][]*domain.Order)
	var expired []domain.Order
	for _, o := range m.orders {
		if o.Status.Terminal() {
			continue
		}
		if o.ExpiresAt != nil && now.After(*o.ExpiresAt) {
			o.Status = domain.OrderStatusExpired
			o.UpdatedAt = now
			expired = append(expired, o.Clone())
			m.logger.Info("order expired", slog.String("order_id", o.ID))
			continue
		}
		if _, busy := m.inflight[o.ID]; busy {
			continue
		}
		byPair[o.PairAddress] = append(byPair[o.PairAddress], o)
	}
	return byPair, expired
}

// evaluatePair fetches one snapshot and runs every order on the pair through
// its trigger. Trigger state updates (ratchets, schedules) happen here; the
// dispatch decision is re-checked under the lock.
func (m *Manager) evaluatePair(ctx context.Context, pair string, orders []*domain.Order) {
	snap, err := m.feed.Snapshot(ctx, pair)
	if err != nil {
		m.logger.Warn("snapshot unavailable, pair skipped",
			slog.String("pair", pair), slog.String("error", err.Error()))
		return
	}
	m.ledger.MarkPrice(pair, snap.Price)

	for _, o := range orders {
		ev, err := trigger.ForOrder(o, m.tun)
		if err != nil {
			m.logger.Error("no evaluator for order",
				slog.String("order_id", o.ID), slog.String("error", err.Error()))
			continue
		}
		if !ev.ShouldTrigger(o, snap) {
			continue
		}
		params := ev.ExecutionParams(o, snap)
		params.PairAddress = pair
		m.dispatch(ctx, o, params)
	}
}

// dispatch hands a triggered order to the executor, re-checking status and
// concurrency caps under the lock immediately before sending so cancellations
// and caps are always observed.
func (m *Manager) dispatch(ctx context.Context, o *domain.Order, params domain.ExecutionParams) {
	m.mu.Lock()
	if m.halted || o.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	if _, busy := m.inflight[o.ID]; busy {
		m.mu.Unlock()
		return
	}
	if m.cfg.MaxConcurrentExecs > 0 && len(m.inflight) >= m.cfg.MaxConcurrentExecs {
		m.mu.Unlock()
		m.logger.Debug("global execution cap reached, order deferred", slog.String("order_id", o.ID))
		return
	}
	if m.cfg.MaxExecsPerUser > 0 && m.perUser[o.UserID] >= m.cfg.MaxExecsPerUser {
		m.mu.Unlock()
		m.logger.Debug("per-user execution cap reached, order deferred",
			slog.String("order_id", o.ID), slog.String("user_id", o.UserID))
		return
	}
	if o.Status == domain.OrderStatusPending {
		o.Status = domain.OrderStatusActive
	}
	m.inflight[o.ID] = o.UserID
	m.perUser[o.UserID]++
	m.mu.Unlock()

	req := executor.Request{OrderID: o.ID, PairAddress: o.PairAddress, Params: params}
	select {
	case m.requestCh <- req:
		m.logger.Info("order triggered",
			slog.String("order_id", o.ID),
			slog.String("kind", string(o.Kind)),
			slog.Float64("quantity", params.Quantity))
		m.auditLog(ctx, "order_triggered", map[string]any{
			"order_id": o.ID, "kind": string(o.Kind), "quantity": params.Quantity,
		})
	default:
		m.release(o.ID)
		m.logger.Warn("executor backlog full, order deferred", slog.String("order_id", o.ID))
	}
}

// release clears an order's in-flight marker.
func (m *Manager) release(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(orderID)
}

// releaseLocked clears an order's in-flight marker. Caller holds the lock.
func (m *Manager) releaseLocked(orderID string) {
	if user, ok := m.inflight[orderID]; ok {
		delete(m.inflight, orderID)
		if m.perUser[user] > 0 {
			m.perUser[user]--
		}
	}
}

// OnExecutionResult applies an executor outcome to the order and its
// position. Wired as the executor's result callback.
//
// The in-flight marker is released only after the order mutation is fully
// applied: a tick that ran between release and application would evaluate the
// order against half-applied state.
func (m *Manager) OnExecutionResult(res executor.Result) {
	ctx := context.Background()

	m.mu.Lock()
	o, ok := m.orders[res.OrderID]
	if !ok {
		m.releaseLocked(res.OrderID)
		m.mu.Unlock()
		m.logger.Error("result for unknown order", slog.String("order_id", res.OrderID))
		return
	}

	switch {
	case res.Err != nil && errors.Is(res.Err, domain.ErrExecutionInFlight):
		// Duplicate attempt suppressed by the executor guard; nothing changed.
		m.releaseLocked(res.OrderID)
		m.mu.Unlock()
		return

	case res.Err != nil, !res.Exec.Success:
		o.ExecAttempts++
		if res.Err != nil {
			o.LastError = res.Err.Error()
		} else {
			o.LastError = "execution rejected by adapter"
		}
		o.UpdatedAt = m.now()
		failed := o.ExecAttempts >= m.cfg.MaxExecRetries
		if failed {
			o.Status = domain.OrderStatusFailed
		}
		snapshot := o.Clone()
		m.releaseLocked(res.OrderID)
		m.mu.Unlock()

		m.logger.Warn("execution attempt failed",
			slog.String("order_id", snapshot.ID),
			slog.Int("attempts", snapshot.ExecAttempts),
			slog.String("error", snapshot.LastError))
		m.persistOrder(ctx, snapshot)
		if failed {
			m.publishOrderEvent(ctx, snapshot, "order_failed")
			m.notify(ctx, "Order failed",
				fmt.Sprintf("order %s (%s) failed after %d attempts: %s",
					snapshot.ID, snapshot.Kind, snapshot.ExecAttempts, snapshot.LastError))
		}
		return
	}

	fill := domain.Fill{
		Price:     res.Exec.FillPrice,
		Quantity:  res.Exec.FillQuantity,
		Fee:       res.Exec.Fee,
		Timestamp: m.now(),
		TxRef:     res.Exec.TxRef,
	}
	wasCancelled := o.Status == domain.OrderStatusCancelled
	o.ApplyFill(fill)
	if wasCancelled {
		// The fill raced a cancellation; the money moved, so record it, but
		// the order stays out of future ticks.
		o.Status = domain.OrderStatusCancelled
		m.logger.Warn("fill applied to cancelled order", slog.String("order_id", o.ID))
	}

	switch o.Kind {
	case domain.KindTakeProfit:
		trigger.MarkLevelFilled(o, fill.Timestamp)
	case domain.KindDCA:
		trigger.AdvanceDCA(o, fill)
	case domain.KindTWAP:
		trigger.AdvanceTWAP(o, fill)
	}

	var children []*domain.Order
	if o.Kind == domain.KindBracket && o.Bracket != nil && !o.Bracket.ChildrenSpawned {
		children = m.spawnBracketChildren(o, fill)
	}
	snapshot := o.Clone()
	// Still in flight here, so ticks keep skipping the order and its children
	// until the position link below lands.
	m.mu.Unlock()

	m.applyFillToPosition(ctx, &snapshot, fill)

	m.mu.Lock()
	o.PositionID = snapshot.PositionID
	childSnaps := make([]domain.Order, 0, len(children))
	for _, c := range children {
		c.PositionID = snapshot.PositionID
		childSnaps = append(childSnaps, c.Clone())
	}
	m.releaseLocked(res.OrderID)
	m.mu.Unlock()

	m.logger.Info("fill applied",
		slog.String("order_id", snapshot.ID),
		slog.String("kind", string(snapshot.Kind)),
		slog.Float64("price", fill.Price),
		slog.Float64("quantity", fill.Quantity),
		slog.String("status", string(snapshot.Status)))

	m.persistOrder(ctx, snapshot)
	m.persistFill(ctx, snapshot.ID, fill)
	for _, c := range childSnaps {
		if snapshot.PositionID != "" {
			if err := m.ledger.LinkExitOrder(snapshot.PositionID, c.Kind, c.ID); err != nil {
				m.logger.Warn("exit order link failed", slog.String("error", err.Error()))
			}
		}
		m.persistOrderCreate(ctx, c)
		m.publishOrderEvent(ctx, c, "order_submitted")
	}
	m.publishOrderEvent(ctx, snapshot, "order_filled")
	m.auditLog(ctx, "order_filled", map[string]any{
		"order_id": snapshot.ID, "price": fill.Price, "quantity": fill.Quantity, "tx_ref": fill.TxRef,
	})
	if snapshot.Status == domain.OrderStatusFilled {
		m.notify(ctx, "Order filled",
			fmt.Sprintf("order %s (%s) filled %.6f @ %.6f", snapshot.ID, snapshot.Kind, snapshot.TotalFilled, snapshot.AvgFillPrice()))
	}
}

// spawnBracketChildren creates the stop-loss and take-profit children once
// the bracket entry has filled. Caller holds the lock.
func (m *Manager) spawnBracketChildren(parent *domain.Order, entry domain.Fill) []*domain.Order {
	p := parent.Bracket
	now := m.now()
	childSide := parent.Side.Opposite()

	sl := &domain.Order{
		ID:            p.StopLossOrderID,
		UserID:        parent.UserID,
		GroupID:       parent.GroupID,
		ParentOrderID: parent.ID,
		Kind:          domain.KindStopLoss,
		Side:          childSide,
		TokenAddress:  parent.TokenAddress,
		PairAddress:   parent.PairAddress,
		Chain:         parent.Chain,
		DEX:           parent.DEX,
		Quantity:      entry.Quantity,
		Status:        domain.OrderStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxSlippage:   parent.MaxSlippage,
		StopLoss:      &domain.StopLossParams{StopPrice: p.StopLossPrice, EntryPrice: entry.Price},
	}
	tp := &domain.Order{
		ID:            p.TakeProfitOrderID,
		UserID:        parent.UserID,
		GroupID:       parent.GroupID,
		ParentOrderID: parent.ID,
		Kind:          domain.KindTakeProfit,
		Side:          childSide,
		TokenAddress:  parent.TokenAddress,
		PairAddress:   parent.PairAddress,
		Chain:         parent.Chain,
		DEX:           parent.DEX,
		Quantity:      entry.Quantity,
		Status:        domain.OrderStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxSlippage:   parent.MaxSlippage,
		TakeProfit:    &domain.TakeProfitParams{TargetPrice: p.TakeProfitPrice, EntryPrice: entry.Price},
	}
	m.orders[sl.ID] = sl
	m.orders[tp.ID] = tp
	p.ChildrenSpawned = true

	m.logger.Info("bracket children spawned",
		slog.String("parent_id", parent.ID),
		slog.String("stop_loss_id", sl.ID),
		slog.String("take_profit_id", tp.ID))
	return []*domain.Order{sl, tp}
}

// applyFillToPosition routes a fill into the ledger: exits reduce their
// position, entries open or grow one. DCA fills are quoted in quote units and
// converted to base units at the fill price.
func (m *Manager) applyFillToPosition(ctx context.Context, o *domain.Order, f domain.Fill) {
	posFill := f
	if o.Kind == domain.KindDCA && f.Price > 0 {
		posFill.Quantity = f.Quantity / f.Price
	}

	if o.Exit() {
		if o.PositionID == "" {
			return
		}
		closed, err := m.ledger.Close(o.PositionID, o.ID, &posFill.Price, &posFill.Quantity)
		if err != nil {
			m.logger.Warn("position close failed",
				slog.String("position_id", o.PositionID), slog.String("error", err.Error()))
			return
		}
		pos, _ := m.ledger.Get(o.PositionID)
		m.persistPosition(ctx, pos)
		if closed {
			m.publishPositionEvent(ctx, pos, "position_closed")
		}
		return
	}

	wantSide := domain.PositionLong
	if o.Side == domain.SideSell {
		wantSide = domain.PositionShort
	}

	if o.PositionID != "" {
		if err := m.ledger.AddEntry(o.PositionID, o.ID, posFill); err != nil {
			m.logger.Warn("position entry failed",
				slog.String("position_id", o.PositionID), slog.String("error", err.Error()))
			return
		}
	} else if pos, ok := m.ledger.FindOpen(o.UserID, o.PairAddress); ok && pos.Side == wantSide {
		o.PositionID = pos.ID
		if err := m.ledger.AddEntry(pos.ID, o.ID, posFill); err != nil {
			m.logger.Warn("position entry failed",
				slog.String("position_id", pos.ID), slog.String("error", err.Error()))
			return
		}
	} else {
		pos := m.ledger.Open(o.UserID, o, posFill)
		o.PositionID = pos.ID
		m.persistPositionCreate(ctx, *pos)
		m.publishPositionEvent(ctx, *pos, "position_opened")
	}
	pos, err := m.ledger.Get(o.PositionID)
	if err == nil {
		m.persistPosition(ctx, pos)
	}
}

// SubmitOrder validates and admits a conditional order, returning its ID.
func (m *Manager) SubmitOrder(ctx context.Context, o domain.Order) (string, error) {
	now := m.now()
	if err := validateOrder(&o, now); err != nil {
		return "", err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Status = domain.OrderStatusActive
	switch o.Kind {
	case domain.KindBracket:
		// Bracket entries start pending; the first tick fires the entry.
		o.Status = domain.OrderStatusPending
		if o.GroupID == "" {
			o.GroupID = uuid.NewString()
		}
		if o.Bracket.StopLossOrderID == "" {
			o.Bracket.StopLossOrderID = uuid.NewString()
		}
		if o.Bracket.TakeProfitOrderID == "" {
			o.Bracket.TakeProfitOrderID = uuid.NewString()
		}
	case domain.KindDCA:
		o.Quantity = o.DCA.TotalInvestment
		if o.GroupID == "" {
			o.GroupID = uuid.NewString()
		}
	case domain.KindTWAP:
		trigger.InitTWAP(&o)
		if o.GroupID == "" {
			o.GroupID = uuid.NewString()
		}
	}

	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return "", fmt.Errorf("engine: submit order: %w", domain.ErrEngineHalted)
	}
	m.orders[o.ID] = &o
	// The next tick may evaluate o as soon as the lock drops; detach the copy
	// handed to the side channels before that.
	snapshot := o.Clone()
	m.mu.Unlock()

	if snapshot.PositionID != "" && snapshot.Exit() {
		if err := m.ledger.LinkExitOrder(snapshot.PositionID, snapshot.Kind, snapshot.ID); err != nil {
			m.logger.Warn("exit order link failed", slog.String("error", err.Error()))
		}
	}

	m.logger.Info("order submitted",
		slog.String("order_id", snapshot.ID),
		slog.String("kind", string(snapshot.Kind)),
		slog.String("user_id", snapshot.UserID),
		slog.String("pair", snapshot.PairAddress))
	m.persistOrderCreate(ctx, snapshot)
	m.publishOrderEvent(ctx, snapshot, "order_submitted")
	m.auditLog(ctx, "order_submitted", map[string]any{
		"order_id": snapshot.ID, "kind": string(snapshot.Kind), "user_id": snapshot.UserID,
	})
	return snapshot.ID, nil
}

// CancelOrder transitions an order to cancelled and removes it from future
// ticks. Idempotent: cancelling a terminal order is a no-op success.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("engine: cancel order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.Status.Terminal() {
		m.mu.Unlock()
		return true, nil
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = m.now()
	snapshot := o.Clone()
	m.mu.Unlock()

	m.logger.Info("order cancelled", slog.String("order_id", orderID))
	m.persistOrder(ctx, snapshot)
	m.publishOrderEvent(ctx, snapshot, "order_cancelled")
	m.auditLog(ctx, "order_cancelled", map[string]any{"order_id": orderID})
	return true, nil
}

// GetOrder returns a deep copy of the order, detached from engine state.
func (m *Manager) GetOrder(orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("engine: order %s: %w", orderID, domain.ErrNotFound)
	}
	return o.Clone(), nil
}

// CreateBracketOrder submits a bracket entry and returns the bracket ID with
// both pre-allocated child IDs.
func (m *Manager) CreateBracketOrder(ctx context.Context, o domain.Order) (bracketID, stopLossID, takeProfitID string, err error) {
	o.Kind = domain.KindBracket
	if o.Bracket == nil {
		return "", "", "", fmt.Errorf("engine: bracket params missing: %w", domain.ErrValidation)
	}
	id, err := m.SubmitOrder(ctx, o)
	if err != nil {
		return "", "", "", err
	}
	submitted, err := m.GetOrder(id)
	if err != nil {
		return "", "", "", err
	}
	return id, submitted.Bracket.StopLossOrderID, submitted.Bracket.TakeProfitOrderID, nil
}

// CreateDCAStrategy submits a DCA order and returns its ID.
func (m *Manager) CreateDCAStrategy(ctx context.Context, o domain.Order) (string, error) {
	o.Kind = domain.KindDCA
	if o.DCA == nil {
		return "", fmt.Errorf("engine: dca params missing: %w", domain.ErrValidation)
	}
	o.Quantity = o.DCA.TotalInvestment
	return m.SubmitOrder(ctx, o)
}

// AddOpportunity queues a candidate trade for admission.
func (m *Manager) AddOpportunity(opp domain.Opportunity) (string, error) {
	return m.queue.Add(opp)
}

// RemoveOpportunity drops a queued opportunity.
func (m *Manager) RemoveOpportunity(id string) bool { return m.queue.Remove(id) }

// ClearQueue empties the opportunity queue.
func (m *Manager) ClearQueue() int { return m.queue.Clear() }

// QueueStatus reports the queue contents.
func (m *Manager) QueueStatus() domain.QueueStatus { return m.queue.Status() }

// admit converts queued opportunities into bracket entry orders, up to the
// per-tick budget, gated by the risk scorer.
func (m *Manager) admit(ctx context.Context) {
	for i := 0; i < m.cfg.AdmitPerTick; i++ {
		opp, ok := m.queue.Pop()
		if !ok {
			return
		}
		if m.rate != nil && m.rateLimit > 0 {
			allowed, err := m.rate.Allow(ctx, "admit:"+opp.TokenAddress, m.rateLimit, m.rateWindow)
			if err != nil {
				m.logger.Warn("admission rate limiter unavailable",
					slog.String("error", err.Error()))
			} else if !allowed {
				m.logger.Info("admission rate limited, opportunity dropped",
					slog.String("opportunity_id", opp.ID),
					slog.String("token", opp.TokenAddress))
				continue
			}
		}
		if m.risk != nil {
			score, err := m.risk.Score(ctx, opp)
			if err != nil {
				m.logger.Warn("risk score unavailable, opportunity dropped",
					slog.String("opportunity_id", opp.ID), slog.String("error", err.Error()))
				continue
			}
			if score < m.cfg.MinRiskScore {
				m.logger.Info("opportunity rejected by risk gate",
					slog.String("opportunity_id", opp.ID), slog.Float64("score", score))
				m.auditLog(ctx, "opportunity_rejected", map[string]any{
					"opportunity_id": opp.ID, "score": score,
				})
				continue
			}
		}

		snap, err := m.feed.Snapshot(ctx, opp.PairAddress)
		if err != nil || snap.Price <= 0 {
			m.logger.Warn("no market price, opportunity dropped",
				slog.String("opportunity_id", opp.ID))
			continue
		}

		stop := snap.Price * (1 - m.cfg.AutotradeStopPct)
		target := snap.Price * (1 + m.cfg.AutotradeTargetPct)
		if opp.Side == domain.SideSell {
			stop = snap.Price * (1 + m.cfg.AutotradeStopPct)
			target = snap.Price * (1 - m.cfg.AutotradeTargetPct)
		}
		order := domain.Order{
			UserID:       m.cfg.AutotradeUserID,
			Kind:         domain.KindBracket,
			Side:         opp.Side,
			TokenAddress: opp.TokenAddress,
			PairAddress:  opp.PairAddress,
			Chain:        opp.Chain,
			DEX:          opp.DEX,
			Quantity:     opp.Quantity,
			MaxSlippage:  m.cfg.DefaultMaxSlippage,
			Bracket: &domain.BracketParams{
				EntryType:       domain.ExecMarket,
				StopLossPrice:   stop,
				TakeProfitPrice: target,
			},
		}
		id, err := m.SubmitOrder(ctx, order)
		if err != nil {
			m.logger.Warn("opportunity conversion failed",
				slog.String("opportunity_id", opp.ID), slog.String("error", err.Error()))
			continue
		}
		m.logger.Info("opportunity admitted",
			slog.String("opportunity_id", opp.ID),
			slog.String("order_id", id),
			slog.String("priority", opp.Priority.String()))
		m.auditLog(ctx, "opportunity_admitted", map[string]any{
			"opportunity_id": opp.ID, "order_id": id,
		})
	}
}

// EmergencyStop halts the tick loop, clears the queue, and cancels every
// non-terminal order. Individual cancellation failures are logged and do not
// abort the sweep. The engine stays halted until Resume.
func (m *Manager) EmergencyStop(ctx context.Context) {
	m.mu.Lock()
	m.halted = true
	var cancelled []domain.Order
	now := m.now()
	for _, o := range m.orders {
		if o.Status.Terminal() {
			continue
		}
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = now
		cancelled = append(cancelled, o.Clone())
	}
	m.mu.Unlock()

	cleared := m.queue.Clear()
	m.logger.Warn("emergency stop",
		slog.Int("orders_cancelled", len(cancelled)),
		slog.Int("queue_cleared", cleared))

	for _, o := range cancelled {
		m.persistOrder(ctx, o)
		m.publishOrderEvent(ctx, o, "order_cancelled")
	}
	m.auditLog(ctx, "emergency_stop", map[string]any{
		"orders_cancelled": len(cancelled), "queue_cleared": cleared,
	})
	m.notify(ctx, "Emergency stop",
		fmt.Sprintf("engine halted: %d orders cancelled, %d opportunities dropped", len(cancelled), cleared))
}

// Resume lifts an emergency halt.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.halted = false
	m.mu.Unlock()
	m.logger.Info("engine resumed")
}

// Halted reports whether the engine is refusing ticks.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// OpenPosition creates a position directly from an externally observed entry.
func (m *Manager) OpenPosition(ctx context.Context, userID string, o domain.Order, f domain.Fill) (string, error) {
	if f.Price <= 0 || f.Quantity <= 0 {
		return "", fmt.Errorf("engine: open position needs a priced fill: %w", domain.ErrValidation)
	}
	pos := m.ledger.Open(userID, &o, f)
	m.persistPositionCreate(ctx, *pos)
	m.publishPositionEvent(ctx, *pos, "position_opened")
	return pos.ID, nil
}

// ClosePosition reduces or closes a position at the given price (nil = last
// observed market price) and quantity (nil = everything).
func (m *Manager) ClosePosition(ctx context.Context, positionID string, price, quantity *float64) (bool, error) {
	closed, err := m.ledger.Close(positionID, "", price, quantity)
	if err != nil {
		return false, err
	}
	pos, getErr := m.ledger.Get(positionID)
	if getErr == nil {
		m.persistPosition(ctx, pos)
		if closed {
			m.publishPositionEvent(ctx, pos, "position_closed")
		}
	}
	return true, nil
}

// PositionSummary aggregates a user's positions.
func (m *Manager) PositionSummary(userID string) domain.PositionSummary {
	return m.ledger.Summary(userID)
}

// Side-channel helpers: persistence, events, audit, alerts. All best-effort.

func (m *Manager) persistOrderCreate(ctx context.Context, o domain.Order) {
	if m.orderStore == nil {
		return
	}
	if err := m.orderStore.Create(ctx, o); err != nil {
		m.logger.Warn("order persist failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) persistOrder(ctx context.Context, o domain.Order) {
	if m.orderStore == nil {
		return
	}
	if err := m.orderStore.Update(ctx, o); err != nil {
		m.logger.Warn("order persist failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) persistFill(ctx context.Context, orderID string, f domain.Fill) {
	if m.fillStore == nil {
		return
	}
	if err := m.fillStore.Insert(ctx, orderID, f); err != nil {
		m.logger.Warn("fill persist failed", slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
}

func (m *Manager) persistPositionCreate(ctx context.Context, p domain.Position) {
	if m.posStore == nil {
		return
	}
	if err := m.posStore.Create(ctx, p); err != nil {
		m.logger.Warn("position persist failed", slog.String("position_id", p.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) persistPosition(ctx context.Context, p domain.Position) {
	if m.posStore == nil {
		return
	}
	if err := m.posStore.Update(ctx, p); err != nil {
		m.logger.Warn("position persist failed", slog.String("position_id", p.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) publishOrderEvent(ctx context.Context, o domain.Order, event string) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":    event,
		"order_id": o.ID,
		"user_id":  o.UserID,
		"kind":     string(o.Kind),
		"status":   string(o.Status),
		"pair":     o.PairAddress,
		"at":       m.now().UTC(),
	})
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, "orders", payload); err != nil {
		m.logger.Warn("order event publish failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) publishPositionEvent(ctx context.Context, p domain.Position, event string) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":       event,
		"position_id": p.ID,
		"user_id":     p.UserID,
		"pair":        p.PairAddress,
		"quantity":    p.Quantity,
		"realized":    p.RealizedPnL,
		"at":          m.now().UTC(),
	})
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, "positions", payload); err != nil {
		m.logger.Warn("position event publish failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) auditLog(ctx context.Context, event string, detail map[string]any) {
	if m.auditStore == nil {
		return
	}
	if err := m.auditStore.Log(ctx, event, detail); err != nil {
		m.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (m *Manager) notify(ctx context.Context, title, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, title, message); err != nil {
		m.logger.Warn("notification failed", slog.String("error", err.Error()))
	}
}
