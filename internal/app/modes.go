package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfabric/orderpilot/internal/domain"
	"github.com/quantfabric/orderpilot/internal/engine"
	"github.com/quantfabric/orderpilot/internal/executor"
	"github.com/quantfabric/orderpilot/internal/feed"
	"github.com/quantfabric/orderpilot/internal/ingest"
	"github.com/quantfabric/orderpilot/internal/queue"
)

// runEngine starts the full processing stack: market feed, opportunity
// queue, order manager, and execution workers. When adapter is nil the paper
// adapter is used, simulating fills from the cached feed.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, adapter domain.ExecutionAdapter) error {
	cfg := a.cfg
	g, ctx := errgroup.WithContext(ctx)

	// Market data path: WebSocket stream -> feeder -> Redis cache -> engine.
	feeder := feed.NewFeeder(deps.MarketCache, deps.SignalBus, a.logger)
	cached := feed.NewCachedFeed(deps.MarketCache, cfg.Feed.MaxSnapshotAge.Duration)

	if cfg.Feed.WSURL != "" {
		wsFeed := feed.NewWSFeed(cfg.Feed.WSURL, cfg.Feed.Pairs, feeder.Handle, a.logger)
		g.Go(func() error {
			defer wsFeed.Close()
			return wsFeed.Run(ctx)
		})
	}

	// Opportunity queue.
	q := queue.New(queue.Config{
		MaxSize:            cfg.Queue.MaxSize,
		Strategy:           queue.Strategy(cfg.Queue.Strategy),
		ConflictResolution: queue.ConflictResolution(cfg.Queue.ConflictResolution),
	}, a.logger)

	// Engine and executor share the request channel; results flow back
	// through the manager's callback.
	requestCh := make(chan executor.Request, cfg.Engine.MaxConcurrentExecs*2)

	mgr := engine.NewManager(engine.Config{
		TickInterval:       cfg.Engine.TickInterval.Duration,
		MaxConcurrentExecs: cfg.Engine.MaxConcurrentExecs,
		MaxExecsPerUser:    cfg.Engine.MaxExecsPerUser,
		MaxExecRetries:     cfg.Engine.MaxExecRetries,
		EvalParallelism:    cfg.Engine.EvalParallelism,
		AdmitPerTick:       cfg.Engine.AdmitPerTick,
		MinRiskScore:       cfg.Engine.MinRiskScore,
		AutotradeUserID:    cfg.Engine.AutotradeUserID,
		AutotradeStopPct:   cfg.Engine.AutotradeStopPct,
		AutotradeTargetPct: cfg.Engine.AutotradeTargetPct,
		DefaultMaxSlippage: cfg.Engine.DefaultMaxSlippage,
	}, q, cached, requestCh, a.logger)

	mgr.SetRiskScorer(engine.NewSnapshotRiskScorer(cached))
	mgr.SetSignalBus(deps.SignalBus)
	mgr.SetNotifier(deps.Notifier)
	mgr.SetStores(deps.OrderStore, deps.PositionStore, deps.FillStore, deps.AuditStore)
	if cfg.Engine.AdmitRateLimit > 0 {
		mgr.SetRateLimiter(deps.RateLimiter, cfg.Engine.AdmitRateLimit, cfg.Engine.AdmitRateWindow.Duration)
	}

	if err := mgr.RestoreActive(ctx); err != nil {
		a.logger.WarnContext(ctx, "restore active orders failed", slog.Any("error", err))
	}

	if adapter == nil {
		adapter = executor.NewPaperAdapter(cached, cfg.Executor.PaperFee)
		a.logger.InfoContext(ctx, "using paper execution adapter",
			slog.Float64("fee", cfg.Executor.PaperFee))
	}

	exec := executor.New(requestCh, adapter, mgr.OnExecutionResult, a.logger)
	exec.SetWorkers(cfg.Executor.Workers)
	exec.SetCallTimeout(cfg.Executor.CallTimeout.Duration)
	exec.SetLockManager(deps.LockManager, cfg.Executor.LockTTL.Duration)

	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return exec.Run(ctx) })

	// Opportunity ingest: drain the durable discovery stream into the queue.
	if deps.Stream != nil {
		reader := ingest.NewReader(deps.Stream, mgr, cfg.Engine.TickInterval.Duration, a.logger)
		g.Go(func() error { return reader.Run(ctx) })
	}

	// Cold-storage archival.
	if deps.Archiver != nil {
		retention := time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return deps.Archiver.Run(ctx, cfg.Archive.Interval.Duration, retention)
		})
	}

	return g.Wait()
}
