package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDiscordSenderPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	if err := s.Send(context.Background(), "Order filled", "details"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(got["content"], "**Order filled**\n") {
		t.Errorf("content = %q, want bold title prefix", got["content"])
	}
}

func TestSendReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	err := s.Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v, want status 429 surfaced", err)
	}
}

type stubSender struct {
	name  string
	err   error
	calls int
}

func (s *stubSender) Send(_ context.Context, _, _ string) error {
	s.calls++
	return s.err
}

func (s *stubSender) Name() string { return s.name }

func TestMultiContinuesPastFailingSender(t *testing.T) {
	bad := &stubSender{name: "bad", err: errors.New("boom")}
	good := &stubSender{name: "good"}
	m := NewMulti([]Sender{bad, good}, testLogger())

	err := m.Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err = %v, want failing sender reported", err)
	}
	if good.calls != 1 {
		t.Errorf("good sender calls = %d, want 1", good.calls)
	}
}

func TestMultiNoSenders(t *testing.T) {
	m := NewMulti(nil, testLogger())
	if err := m.Send(context.Background(), "t", "m"); err != nil {
		t.Fatalf("Send with no senders: %v", err)
	}
}
