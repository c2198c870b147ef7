// Package feed ingests real-time pair statistics from a DEX data stream and
// serves them to the engine through the market cache.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfabric/orderpilot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// SnapshotHandler is called for each pair statistics update.
type SnapshotHandler func(ctx context.Context, snap domain.MarketSnapshot)

// wsCommand is the subscription envelope sent to the stream.
type wsCommand struct {
	Type  string   `json:"type"`
	Pairs []string `json:"pairs"`
}

// pairStatsMessage is the wire shape of one pair update. Numeric fields
// arrive as strings, matching how DEX aggregator streams serialize them.
type pairStatsMessage struct {
	Event       string `json:"event"`
	PairAddress string `json:"pair_address"`
	PriceUSD    string `json:"price_usd"`
	VolumeH1    string `json:"volume_h1"`
	LiquidityUSD string `json:"liquidity_usd"`
	HighH1      string `json:"high_h1"`
	LowH1       string `json:"low_h1"`
	Timestamp   string `json:"timestamp"`
}

// WSFeed is a WebSocket client for a DEX pair-statistics stream. It manages
// the connection lifecycle and subscriptions, converts updates into market
// snapshots, and reconnects with exponential backoff on disconnect.
type WSFeed struct {
	wsURL string
	pairs []string

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	handler SnapshotHandler
	logger  *slog.Logger
	done    chan struct{}
}

// NewWSFeed creates a feed that subscribes to the given pair addresses and
// invokes handler for every update.
func NewWSFeed(wsURL string, pairs []string, handler SnapshotHandler, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:   wsURL,
		pairs:   pairs,
		handler: handler,
		logger:  logger.With(slog.String("component", "ws_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects, subscribes, and blocks until ctx is cancelled or Close is
// called. Disconnects trigger reconnection with exponential backoff.
func (f *WSFeed) Run(ctx context.Context) error {
	if len(f.pairs) == 0 {
		f.logger.Info("no pairs to subscribe, exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting",
			slog.Duration("delay", delay),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *WSFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	if f.conn != nil {
		_ = f.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = f.conn.Close()
	}
}

// runConnection dials, subscribes, and reads until the connection drops.
func (f *WSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}

	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return nil
	}
	f.conn = conn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("feed subscribed", slog.Int("pairs", len(f.pairs)))

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
				return nil
			default:
			}
			return fmt.Errorf("feed: read: %w: %w", domain.ErrWSDisconnect, err)
		}

		f.handleMessage(ctx, raw)
	}
}

func (f *WSFeed) subscribe(conn *websocket.Conn) error {
	cmd := wsCommand{Type: "subscribe", Pairs: f.pairs}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one raw stream message and dispatches the resulting
// snapshot. Unparseable messages are dropped silently; a noisy stream must
// not take the feed down.
func (f *WSFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg pairStatsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Event != "" && msg.Event != "pair_stats" {
		return
	}

	snap, ok := snapshotFromMessage(msg)
	if !ok {
		return
	}
	if f.handler != nil {
		f.handler(ctx, snap)
	}
}

// snapshotFromMessage converts a wire message into a market snapshot.
// Volatility is derived from the hourly high-low range relative to the
// current price when the stream does not report it directly.
func snapshotFromMessage(msg pairStatsMessage) (domain.MarketSnapshot, bool) {
	pair := strings.TrimSpace(msg.PairAddress)
	if pair == "" {
		return domain.MarketSnapshot{}, false
	}

	price, err := strconv.ParseFloat(msg.PriceUSD, 64)
	if err != nil || price <= 0 {
		return domain.MarketSnapshot{}, false
	}

	snap := domain.MarketSnapshot{
		PairAddress: pair,
		Price:       price,
		Timestamp:   time.Now(),
	}

	if v, err := strconv.ParseFloat(msg.VolumeH1, 64); err == nil && v >= 0 {
		snap.Volume = v
	}
	if l, err := strconv.ParseFloat(msg.LiquidityUSD, 64); err == nil && l >= 0 {
		snap.Liquidity = l
	}

	high, errH := strconv.ParseFloat(msg.HighH1, 64)
	low, errL := strconv.ParseFloat(msg.LowH1, 64)
	if errH == nil && errL == nil && high >= low && low > 0 {
		snap.Volatility = (high - low) / price
	}

	if msg.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			snap.Timestamp = ts
		}
	}

	return snap, true
}
