// Package ingest feeds externally-discovered opportunities into the engine.
// Discovery processes (scanners, on-chain watchers) append candidates to a
// durable Redis stream; the reader here drains that stream and offers each
// candidate to the admission queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// opportunityStream is the durable stream discovery processes append to.
const opportunityStream = "opportunities"

// Stream is the durable message log the reader drains. Satisfied by the
// Redis signal bus.
type Stream interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// Sink accepts candidates for admission. Satisfied by the engine manager.
type Sink interface {
	AddOpportunity(opp domain.Opportunity) (string, error)
}

// wireOpportunity is the JSON shape appended to the stream.
type wireOpportunity struct {
	TokenAddress   string  `json:"token_address"`
	PairAddress    string  `json:"pair_address"`
	Chain          string  `json:"chain"`
	DEX            string  `json:"dex,omitempty"`
	Type           string  `json:"type"`
	Side           string  `json:"side"`
	Quantity       float64 `json:"quantity"`
	ExpectedProfit float64 `json:"expected_profit"`
	Priority       string  `json:"priority"`
	ExpiresAt      string  `json:"expires_at,omitempty"`
}

// PublishOpportunity appends a candidate to the durable stream. Discovery
// tools in the same binary use this; external processes write the same JSON
// shape directly.
func PublishOpportunity(ctx context.Context, s Stream, opp domain.Opportunity) error {
	w := wireOpportunity{
		TokenAddress:   opp.TokenAddress,
		PairAddress:    opp.PairAddress,
		Chain:          opp.Chain,
		DEX:            opp.DEX,
		Type:           opp.Type,
		Side:           string(opp.Side),
		Quantity:       opp.Quantity,
		ExpectedProfit: opp.ExpectedProfit,
		Priority:       opp.Priority.String(),
	}
	if !opp.ExpiresAt.IsZero() {
		w.ExpiresAt = opp.ExpiresAt.Format(time.RFC3339Nano)
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("ingest: marshal opportunity: %w", err)
	}
	if err := s.StreamAppend(ctx, opportunityStream, payload); err != nil {
		return fmt.Errorf("ingest: publish opportunity: %w", err)
	}
	return nil
}

// Reader drains the opportunity stream and offers each candidate to the
// sink. Queue rejections (capacity, conflicts) are expected backpressure and
// only logged.
type Reader struct {
	stream   Stream
	sink     Sink
	interval time.Duration
	lastID   string
	now      func() time.Time
	logger   *slog.Logger
}

// NewReader creates a Reader polling the stream at the given interval. Only
// messages appended after startup are consumed.
func NewReader(stream Stream, sink Sink, interval time.Duration, logger *slog.Logger) *Reader {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reader{
		stream:   stream,
		sink:     sink,
		interval: interval,
		lastID:   "$",
		now:      time.Now,
		logger:   logger.With(slog.String("component", "ingest")),
	}
}

// Run polls until the context is cancelled.
func (r *Reader) Run(ctx context.Context) error {
	r.logger.Info("opportunity ingest started", slog.Duration("interval", r.interval))
	defer r.logger.Info("opportunity ingest stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("stream read failed", slog.Any("error", err))
			}
		}
	}
}

// drain reads one batch and offers each decoded candidate to the sink.
func (r *Reader) drain(ctx context.Context) error {
	msgs, err := r.stream.StreamRead(ctx, opportunityStream, r.lastID, 64)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		r.lastID = msg.ID

		opp, err := r.decode(msg.Payload)
		if err != nil {
			r.logger.Warn("dropped malformed opportunity",
				slog.String("stream_id", msg.ID),
				slog.Any("error", err))
			continue
		}

		id, err := r.sink.AddOpportunity(opp)
		if err != nil {
			r.logger.Debug("opportunity not admitted",
				slog.String("pair", opp.PairAddress),
				slog.Any("error", err))
			continue
		}
		r.logger.Debug("opportunity queued",
			slog.String("id", id),
			slog.String("pair", opp.PairAddress),
			slog.String("priority", opp.Priority.String()))
	}
	return nil
}

func (r *Reader) decode(payload []byte) (domain.Opportunity, error) {
	var w wireOpportunity
	if err := json.Unmarshal(payload, &w); err != nil {
		return domain.Opportunity{}, err
	}
	if w.PairAddress == "" || w.TokenAddress == "" {
		return domain.Opportunity{}, errors.New("missing token or pair address")
	}
	if w.Quantity <= 0 {
		return domain.Opportunity{}, errors.New("quantity must be positive")
	}

	side := domain.Side(w.Side)
	if side != domain.SideBuy && side != domain.SideSell {
		return domain.Opportunity{}, fmt.Errorf("unknown side %q", w.Side)
	}

	opp := domain.Opportunity{
		TokenAddress:   w.TokenAddress,
		PairAddress:    w.PairAddress,
		Chain:          w.Chain,
		DEX:            w.DEX,
		Type:           w.Type,
		Side:           side,
		Quantity:       w.Quantity,
		ExpectedProfit: w.ExpectedProfit,
		Priority:       domain.ParsePriority(w.Priority),
		AddedAt:        r.now(),
	}
	if w.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.ExpiresAt)
		if err != nil {
			return domain.Opportunity{}, fmt.Errorf("bad expires_at: %w", err)
		}
		opp.ExpiresAt = ts
	}
	return opp, nil
}
