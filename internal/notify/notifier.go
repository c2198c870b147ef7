// Package notify delivers operator alerts for order lifecycle events. Alerts
// fan out to every configured channel (Telegram, Discord); one channel
// failing does not stop delivery to the others.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Sender is one notification channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel, e.g. "telegram".
	Name() string
}

// Multi fans a notification out to all configured senders. It satisfies the
// engine's Notifier interface.
type Multi struct {
	senders []Sender
	logger  *slog.Logger
}

// NewMulti creates a fan-out dispatcher over the given senders.
func NewMulti(senders []Sender, logger *slog.Logger) *Multi {
	return &Multi{
		senders: senders,
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// Send delivers the notification to every sender. Errors are collected and
// joined; a failing sender never blocks the rest.
func (m *Multi) Send(ctx context.Context, title, message string) error {
	if len(m.senders) == 0 {
		return nil
	}

	var errs []error
	for _, s := range m.senders {
		if err := s.Send(ctx, title, message); err != nil {
			m.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		m.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// sendTimeout bounds one webhook delivery. Alerts are best-effort; a slow
// channel must not back up the engine's result path.
const sendTimeout = 10 * time.Second

// postJSON delivers a JSON payload to a webhook-style endpoint and treats any
// non-2xx status as an error, with a bounded excerpt of the response body.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
