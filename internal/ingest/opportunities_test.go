package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	appended []string
	messages []domain.StreamMessage
	lastIDs  []string
}

func (s *fakeStream) StreamAppend(_ context.Context, _ string, payload []byte) error {
	s.appended = append(s.appended, string(payload))
	return nil
}

func (s *fakeStream) StreamRead(_ context.Context, _ string, lastID string, _ int) ([]domain.StreamMessage, error) {
	s.lastIDs = append(s.lastIDs, lastID)
	msgs := s.messages
	s.messages = nil
	return msgs, nil
}

type fakeSink struct {
	added []domain.Opportunity
	err   error
}

func (s *fakeSink) AddOpportunity(opp domain.Opportunity) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.added = append(s.added, opp)
	return fmt.Sprintf("opp-%d", len(s.added)), nil
}

func wirePayload(t *testing.T, w wireOpportunity) []byte {
	t.Helper()
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestDrainQueuesValidOpportunities(t *testing.T) {
	stream := &fakeStream{messages: []domain.StreamMessage{
		{ID: "1-0", Payload: wirePayload(t, wireOpportunity{
			TokenAddress: "0xtoken", PairAddress: "0xpair", Chain: "base",
			Type: "momentum", Side: "buy", Quantity: 10, ExpectedProfit: 2, Priority: "high",
		})},
		{ID: "2-0", Payload: wirePayload(t, wireOpportunity{
			TokenAddress: "0xtoken2", PairAddress: "0xpair2", Chain: "base",
			Type: "whale_follow", Side: "sell", Quantity: 3, Priority: "critical",
		})},
	}}
	sink := &fakeSink{}
	r := NewReader(stream, sink, time.Second, testLogger())

	if err := r.drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(sink.added) != 2 {
		t.Fatalf("added %d opportunities, want 2", len(sink.added))
	}
	if sink.added[0].Priority != domain.PriorityHigh {
		t.Errorf("priority = %v, want high", sink.added[0].Priority)
	}
	if sink.added[1].Side != domain.SideSell {
		t.Errorf("side = %v, want sell", sink.added[1].Side)
	}
	if sink.added[0].AddedAt.IsZero() {
		t.Error("AddedAt not stamped")
	}
}

func TestDrainAdvancesCursor(t *testing.T) {
	stream := &fakeStream{messages: []domain.StreamMessage{
		{ID: "5-1", Payload: wirePayload(t, wireOpportunity{
			TokenAddress: "0xt", PairAddress: "0xp", Side: "buy", Quantity: 1,
		})},
	}}
	r := NewReader(stream, &fakeSink{}, time.Second, testLogger())
	ctx := context.Background()

	if err := r.drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := r.drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if stream.lastIDs[0] != "$" {
		t.Errorf("first read cursor = %q, want $", stream.lastIDs[0])
	}
	if stream.lastIDs[1] != "5-1" {
		t.Errorf("second read cursor = %q, want 5-1", stream.lastIDs[1])
	}
}

func TestDrainSkipsMalformedAndContinues(t *testing.T) {
	stream := &fakeStream{messages: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte("not json")},
		{ID: "2-0", Payload: wirePayload(t, wireOpportunity{
			TokenAddress: "0xt", PairAddress: "0xp", Side: "hold", Quantity: 1,
		})},
		{ID: "3-0", Payload: wirePayload(t, wireOpportunity{
			TokenAddress: "0xt", PairAddress: "0xp", Side: "buy", Quantity: 0,
		})},
		{ID: "4-0", Payload: wirePayload(t, wireOpportunity{
			TokenAddress: "0xt", PairAddress: "0xp", Side: "buy", Quantity: 2,
		})},
	}}
	sink := &fakeSink{}
	r := NewReader(stream, sink, time.Second, testLogger())

	if err := r.drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(sink.added) != 1 {
		t.Fatalf("added %d opportunities, want 1", len(sink.added))
	}
	if r.lastID != "4-0" {
		t.Errorf("cursor = %q, want 4-0 (malformed entries must still advance it)", r.lastID)
	}
}

func TestDrainToleratesQueueRejections(t *testing.T) {
	stream := &fakeStream{messages: []domain.StreamMessage{
		{ID: "1-0", Payload: wirePayload(t, wireOpportunity{
			TokenAddress: "0xt", PairAddress: "0xp", Side: "buy", Quantity: 1,
		})},
	}}
	sink := &fakeSink{err: domain.ErrCapacity}
	r := NewReader(stream, sink, time.Second, testLogger())

	if err := r.drain(context.Background()); err != nil {
		t.Fatalf("drain returned error on queue rejection: %v", err)
	}
}

func TestPublishOpportunityRoundTrip(t *testing.T) {
	stream := &fakeStream{}
	expires := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	opp := domain.Opportunity{
		TokenAddress:   "0xtoken",
		PairAddress:    "0xpair",
		Chain:          "base",
		Type:           "momentum",
		Side:           domain.SideBuy,
		Quantity:       5,
		ExpectedProfit: 1.5,
		Priority:       domain.PriorityCritical,
		ExpiresAt:      expires,
	}
	if err := PublishOpportunity(context.Background(), stream, opp); err != nil {
		t.Fatalf("PublishOpportunity: %v", err)
	}
	if len(stream.appended) != 1 {
		t.Fatalf("appended %d payloads, want 1", len(stream.appended))
	}

	r := NewReader(stream, &fakeSink{}, time.Second, testLogger())
	decoded, err := r.decode([]byte(stream.appended[0]))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Priority != domain.PriorityCritical {
		t.Errorf("priority = %v, want critical", decoded.Priority)
	}
	if !decoded.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", decoded.ExpiresAt, expires)
	}
}
