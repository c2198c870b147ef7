package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quantfabric/orderpilot/internal/domain"
)

const (
	// streamMaxLen caps durable streams via XADD MAXLEN ~. The opportunity
	// stream is consumed within a tick or two, so trimming never races a
	// reader that matters.
	streamMaxLen int64 = 10000

	// subscribeBuffer absorbs event bursts (an emergency-stop cancel sweep
	// publishes one event per order) before slow consumers start lagging.
	subscribeBuffer = 128
)

// SignalBus carries the engine's lifecycle events: ephemeral fan-out over
// Pub/Sub on the "orders", "positions", and "market" channels, and the
// durable "opportunities" stream that discovery processes append to.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.rdb}
}

// Publish sends a raw payload to a Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw payloads for one named channel. All bus
// channels are fixed names, so there is no pattern subscription. The
// subscription and the returned channel close when the context is cancelled.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := sb.rdb.Subscribe(ctx, channel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// StreamAppend appends a payload to a durable stream, trimming to the
// approximate cap.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := sb.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages appended after lastID. Use "0" for
// the beginning, "$" for only new messages. Nothing available returns an
// empty slice, not an error, so pollers can treat it as a quiet pass.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	args := &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
	}

	results, err := sb.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			data, ok := payloadBytes(msg)
			if !ok {
				continue
			}
			messages = append(messages, domain.StreamMessage{
				ID:      msg.ID,
				Payload: data,
			})
		}
	}
	return messages, nil
}

// payloadBytes extracts the "payload" field from a stream entry. Entries
// written by other tools without that field are skipped.
func payloadBytes(msg redis.XMessage) ([]byte, bool) {
	v, ok := msg.Values["payload"]
	if !ok {
		return nil, false
	}
	switch data := v.(type) {
	case string:
		return []byte(data), true
	case []byte:
		return data, true
	}
	return nil, false
}

// Compile-time interface check.
var _ domain.SignalBus = (*SignalBus)(nil)
