package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// snapshotTTL bounds how stale a cached snapshot may get before the engine
// treats the pair as having no market data.
const snapshotTTL = 2 * time.Minute

// MarketCache implements domain.MarketCache using one Redis hash per pair.
// The feed writes each tick; the engine reads at evaluation time.
//
// Key schema:
//
//	snapshot:{pairAddress} - hash with fields price, volume, volatility,
//	                         liquidity, ts (Unix nanoseconds)
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.rdb}
}

func snapshotKey(pair string) string { return "snapshot:" + pair }

// SetSnapshot stores the latest observation for a pair with a short TTL.
func (mc *MarketCache) SetSnapshot(ctx context.Context, snap domain.MarketSnapshot) error {
	key := snapshotKey(snap.PairAddress)
	fields := map[string]interface{}{
		"price":      strconv.FormatFloat(snap.Price, 'f', -1, 64),
		"volume":     strconv.FormatFloat(snap.Volume, 'f', -1, 64),
		"volatility": strconv.FormatFloat(snap.Volatility, 'f', -1, 64),
		"liquidity":  strconv.FormatFloat(snap.Liquidity, 'f', -1, 64),
		"ts":         strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
	}

	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.PairAddress, err)
	}
	return nil
}

// GetSnapshot retrieves the latest observation for a pair. It returns
// domain.ErrNotFound when no snapshot is cached.
func (mc *MarketCache) GetSnapshot(ctx context.Context, pairAddress string) (domain.MarketSnapshot, error) {
	vals, err := mc.rdb.HGetAll(ctx, snapshotKey(pairAddress)).Result()
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", pairAddress, err)
	}
	if len(vals) == 0 {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}

	snap := domain.MarketSnapshot{PairAddress: pairAddress}
	if snap.Price, err = parseField(vals, "price", pairAddress); err != nil {
		return domain.MarketSnapshot{}, err
	}
	if snap.Volume, err = parseField(vals, "volume", pairAddress); err != nil {
		return domain.MarketSnapshot{}, err
	}
	if snap.Volatility, err = parseField(vals, "volatility", pairAddress); err != nil {
		return domain.MarketSnapshot{}, err
	}
	if snap.Liquidity, err = parseField(vals, "liquidity", pairAddress); err != nil {
		return domain.MarketSnapshot{}, err
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: parse snapshot ts %s: %w", pairAddress, err)
	}
	snap.Timestamp = time.Unix(0, tsNano)
	return snap, nil
}

func parseField(vals map[string]string, field, pair string) (float64, error) {
	s, ok := vals[field]
	if !ok {
		return 0, domain.ErrNotFound
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse snapshot %s %s: %w", field, pair, err)
	}
	return v, nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
