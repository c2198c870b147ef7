// Package executor runs the adapter calls for triggered orders. The engine
// owns order state; the executor only performs the on-chain call under a
// timeout, an idempotency guard, and an optional distributed lock, then hands
// the outcome back through a callback.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// Request is one execution attempt for a triggered order.
type Request struct {
	OrderID     string
	PairAddress string
	Params      domain.ExecutionParams
}

// Result is the outcome of a Request, delivered through the callback.
type Result struct {
	OrderID string
	Params  domain.ExecutionParams
	Exec    domain.ExecutionResult
	Err     error
}

// ResultFunc receives execution outcomes. Called from worker goroutines; the
// engine serializes application of results itself.
type ResultFunc func(Result)

// Executor drains execution requests from a channel through a fixed worker
// pool. Each attempt is guarded by the request's idempotency key and, when a
// lock manager is configured, by a per-order distributed lock so only one
// process instance trades a given order at a time.
type Executor struct {
	requestCh <-chan Request
	adapter   domain.ExecutionAdapter
	onResult  ResultFunc
	dedup     *Dedup
	locks     domain.LockManager

	workers     int
	callTimeout time.Duration
	lockTTL     time.Duration

	cleanupInterval time.Duration
	logger          *slog.Logger
}

// New creates an Executor reading from requestCh and reporting through
// onResult.
func New(requestCh <-chan Request, adapter domain.ExecutionAdapter, onResult ResultFunc, logger *slog.Logger) *Executor {
	return &Executor{
		requestCh:       requestCh,
		adapter:         adapter,
		onResult:        onResult,
		dedup:           NewDedup(2 * time.Minute),
		workers:         4,
		callTimeout:     30 * time.Second,
		lockTTL:         time.Minute,
		cleanupInterval: 30 * time.Second,
		logger:          logger.With(slog.String("component", "executor")),
	}
}

// SetLockManager enables the per-order distributed lock. Must be called
// before Run.
func (e *Executor) SetLockManager(lm domain.LockManager, ttl time.Duration) {
	e.locks = lm
	if ttl > 0 {
		e.lockTTL = ttl
	}
}

// SetWorkers sets the worker pool size. Must be called before Run.
func (e *Executor) SetWorkers(n int) {
	if n > 0 {
		e.workers = n
	}
}

// SetCallTimeout bounds each adapter call. Must be called before Run.
func (e *Executor) SetCallTimeout(d time.Duration) {
	if d > 0 {
		e.callTimeout = d
	}
}

// Run starts the worker pool and blocks until the context is cancelled or the
// request channel closes.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started", slog.Int("workers", e.workers))
	defer e.logger.Info("executor stopped")

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx)
		}()
	}

	cleanup := time.NewTicker(e.cleanupInterval)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-cleanup.C:
			e.dedup.Cleanup()
		}
	}
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-e.requestCh:
			if !ok {
				return
			}
			e.execute(ctx, req)
		}
	}
}

// execute runs one adapter call and reports the outcome. Every request gets
// exactly one Result, including guard rejections, so the engine can always
// release its in-flight marker.
func (e *Executor) execute(ctx context.Context, req Request) {
	log := e.logger.With(
		slog.String("order_id", req.OrderID),
		slog.String("pair", req.PairAddress),
		slog.String("order_type", string(req.Params.OrderType)),
	)

	if e.dedup.IsDuplicate(req.Params.IdempotencyKey) {
		log.Warn("duplicate execution attempt suppressed",
			slog.String("idempotency_key", req.Params.IdempotencyKey))
		e.onResult(Result{OrderID: req.OrderID, Params: req.Params,
			Err: fmt.Errorf("executor: duplicate attempt %s: %w", req.Params.IdempotencyKey, domain.ErrExecutionInFlight)})
		return
	}

	if e.locks != nil {
		release, err := e.locks.Acquire(ctx, "exec:"+req.OrderID, e.lockTTL)
		if err != nil {
			log.Warn("order lock unavailable", slog.String("error", err.Error()))
			e.onResult(Result{OrderID: req.OrderID, Params: req.Params,
				Err: fmt.Errorf("executor: lock order %s: %w", req.OrderID, err)})
			return
		}
		defer release()
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	res, err := e.adapter.Execute(callCtx, req.OrderID, req.Params)
	if err != nil {
		log.Error("execution failed", slog.String("error", err.Error()))
		e.onResult(Result{OrderID: req.OrderID, Params: req.Params, Err: err})
		return
	}

	log.Info("execution completed",
		slog.Bool("success", res.Success),
		slog.Float64("fill_price", res.FillPrice),
		slog.Float64("fill_quantity", res.FillQuantity),
		slog.String("tx_ref", res.TxRef))
	e.onResult(Result{OrderID: req.OrderID, Params: req.Params, Exec: res})
}
