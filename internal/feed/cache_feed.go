package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// Feeder receives snapshots from the stream and writes them into the market
// cache for the engine to read. Per-pair timestamp ordering is enforced here:
// a snapshot older than the last accepted one for its pair is dropped, so
// cache readers always observe non-decreasing timestamps.
type Feeder struct {
	cache  domain.MarketCache
	bus    domain.SignalBus
	logger *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewFeeder creates a Feeder. bus may be nil; when set, each accepted
// snapshot is also published on the "market" channel.
func NewFeeder(cache domain.MarketCache, bus domain.SignalBus, logger *slog.Logger) *Feeder {
	return &Feeder{
		cache:    cache,
		bus:      bus,
		logger:   logger.With(slog.String("component", "feeder")),
		lastSeen: make(map[string]time.Time),
	}
}

// Handle is the SnapshotHandler wired into the WebSocket feed.
func (f *Feeder) Handle(ctx context.Context, snap domain.MarketSnapshot) {
	f.mu.Lock()
	if last, ok := f.lastSeen[snap.PairAddress]; ok && snap.Timestamp.Before(last) {
		f.mu.Unlock()
		f.logger.Debug("dropped out-of-order snapshot",
			slog.String("pair", snap.PairAddress),
			slog.Time("timestamp", snap.Timestamp))
		return
	}
	f.lastSeen[snap.PairAddress] = snap.Timestamp
	f.mu.Unlock()

	if err := f.cache.SetSnapshot(ctx, snap); err != nil {
		f.logger.Error("cache write failed",
			slog.String("pair", snap.PairAddress),
			slog.Any("error", err))
		return
	}

	if f.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"pair_address": snap.PairAddress,
			"price":        snap.Price,
			"volume":       snap.Volume,
			"timestamp":    snap.Timestamp.Format(time.RFC3339Nano),
		})
		if err == nil {
			if err := f.bus.Publish(ctx, "market", payload); err != nil {
				f.logger.Debug("market publish failed", slog.Any("error", err))
			}
		}
	}
}

// CachedFeed implements domain.MarketFeed by reading the latest snapshot per
// pair from the market cache, rejecting data older than MaxAge.
type CachedFeed struct {
	cache  domain.MarketCache
	maxAge time.Duration
	now    func() time.Time
}

// NewCachedFeed creates a CachedFeed. maxAge <= 0 disables the staleness
// check.
func NewCachedFeed(cache domain.MarketCache, maxAge time.Duration) *CachedFeed {
	return &CachedFeed{
		cache:  cache,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Snapshot returns the latest cached snapshot for the pair.
func (cf *CachedFeed) Snapshot(ctx context.Context, pairAddress string) (domain.MarketSnapshot, error) {
	snap, err := cf.cache.GetSnapshot(ctx, pairAddress)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	if cf.maxAge > 0 && cf.now().Sub(snap.Timestamp) > cf.maxAge {
		return domain.MarketSnapshot{}, fmt.Errorf("feed: snapshot for %s: %w", pairAddress, domain.ErrStaleData)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.MarketFeed = (*CachedFeed)(nil)
