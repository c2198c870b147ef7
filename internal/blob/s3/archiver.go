package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// Narrow store views required by the archiver. The Postgres stores satisfy
// these implicitly; the archiver only needs the time-ranged queries it calls.

// OrderArchiveStore provides read access to terminal orders for archival.
type OrderArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Order, error)
}

// FillArchiveStore provides read access to historical fills for archival.
type FillArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.FillRecord, error)
}

// Archiver serializes terminal orders and their fills to JSONL and uploads
// the result to object storage, partitioned by the year-month of the cutoff.
//
// Deletion of archived rows from the primary store is intentionally not
// performed here; that is a separate step run after the archive is verified.
type Archiver struct {
	writer domain.BlobWriter
	orders OrderArchiveStore
	fills  FillArchiveStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	orders OrderArchiveStore,
	fills FillArchiveStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer: writer,
		orders: orders,
		fills:  fills,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveOrders uploads all orders that reached a terminal state before the
// cutoff to archive/orders/YYYY-MM.jsonl. Returns the number of archived
// records.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.orders.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(orders)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	path := archivePath("orders", before)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive orders upload: %w", err)
	}

	count := int64(len(orders))
	a.logger.Info("archived orders",
		slog.String("path", path),
		slog.Int64("count", count))

	if err := a.audit.Log(ctx, "archive.orders", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive orders audit log: %w", err)
	}
	return count, nil
}

// ArchiveFills uploads all fills executed before the cutoff to
// archive/fills/YYYY-MM.jsonl. Returns the number of archived records.
func (a *Archiver) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	fills, err := a.fills.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills query: %w", err)
	}
	if len(fills) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(fills)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills marshal: %w", err)
	}

	path := archivePath("fills", before)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive fills upload: %w", err)
	}

	count := int64(len(fills))
	a.logger.Info("archived fills",
		slog.String("path", path),
		slog.Int64("count", count))

	if err := a.audit.Log(ctx, "archive.fills", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive fills audit log: %w", err)
	}
	return count, nil
}

// Run archives on a fixed interval until the context is cancelled. Each pass
// uses a cutoff of now minus retention.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if _, err := a.ArchiveOrders(ctx, cutoff); err != nil {
				a.logger.Error("order archive pass failed", slog.Any("error", err))
			}
			if _, err := a.ArchiveFills(ctx, cutoff); err != nil {
				a.logger.Error("fill archive pass failed", slog.Any("error", err))
			}
		}
	}
}

// archivePath builds the object key, partitioned by year-month.
//
//	archive/orders/2025-01.jsonl
//	archive/fills/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serializes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
