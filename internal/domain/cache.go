package domain

import (
	"context"
	"time"
)

// MarketCache stores the latest market snapshot per pair. The feed writes,
// the engine reads.
type MarketCache interface {
	SetSnapshot(ctx context.Context, snap MarketSnapshot) error
	GetSnapshot(ctx context.Context, pairAddress string) (MarketSnapshot, error)
}

// LockManager provides distributed mutual exclusion. Acquire returns an
// unlock function on success or ErrLockHeld when another party holds the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// StreamMessage is one entry read back from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes engine lifecycle events (order fills, position changes,
// emergency stops) to interested consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter throttles admission and outbound calls per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// BlobWriter uploads archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
