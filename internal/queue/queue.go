// Package queue implements the bounded admission buffer for externally
// discovered trading opportunities. The engine pops admitted opportunities and
// converts them into live orders; until then the queue owns them exclusively.
package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// Strategy selects the dequeue ordering.
type Strategy string

const (
	// StrategyPriority pops the highest priority first, FIFO within a tier.
	StrategyPriority Strategy = "priority"
	// StrategyFIFO pops strictly in arrival order.
	StrategyFIFO Strategy = "fifo"
)

// ConflictResolution selects the behavior when an add hits a full queue.
type ConflictResolution string

const (
	// ResolveReject refuses the new opportunity.
	ResolveReject ConflictResolution = "reject"
	// ResolveReplaceLower evicts the lowest-priority queued item when the new
	// item's priority is strictly higher, otherwise rejects.
	ResolveReplaceLower ConflictResolution = "replace_lower"
)

// Config is the queue's runtime-mutable policy. Changes apply to the next
// admission decision; existing contents are never resized retroactively.
type Config struct {
	MaxSize            int
	Strategy           Strategy
	ConflictResolution ConflictResolution
}

// Queue is a bounded FIFO/priority hybrid keyed by opportunity ID. Safe for
// concurrent producers; capacity checks and eviction run under one lock.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	items  []domain.Opportunity
	now    func() time.Time
	logger *slog.Logger
}

// New returns an empty queue with the given policy.
func New(cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPriority
	}
	if cfg.ConflictResolution == "" {
		cfg.ConflictResolution = ResolveReplaceLower
	}
	return &Queue{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "opportunity_queue")),
	}
}

// Reconfigure swaps the policy. Takes effect on the next admission decision.
func (q *Queue) Reconfigure(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cfg.MaxSize > 0 {
		q.cfg.MaxSize = cfg.MaxSize
	}
	if cfg.Strategy != "" {
		q.cfg.Strategy = cfg.Strategy
	}
	if cfg.ConflictResolution != "" {
		q.cfg.ConflictResolution = cfg.ConflictResolution
	}
	q.logger.Info("queue reconfigured",
		slog.Int("max_size", q.cfg.MaxSize),
		slog.String("strategy", string(q.cfg.Strategy)),
		slog.String("conflict_resolution", string(q.cfg.ConflictResolution)))
}

// Add admits an opportunity, assigning an ID when it has none. A full queue
// applies the conflict-resolution policy; when no lower-priority victim exists
// the add fails with domain.ErrCapacity.
func (q *Queue) Add(opp domain.Opportunity) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.evictExpired(now)

	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	if opp.AddedAt.IsZero() {
		opp.AddedAt = now
	}
	if opp.Expired(now) {
		return "", fmt.Errorf("queue: opportunity %s already expired: %w", opp.ID, domain.ErrValidation)
	}
	for _, it := range q.items {
		if it.ID == opp.ID {
			return "", fmt.Errorf("queue: opportunity %s already queued: %w", opp.ID, domain.ErrQueueConflict)
		}
	}

	if len(q.items) >= q.cfg.MaxSize {
		if q.cfg.ConflictResolution != ResolveReplaceLower {
			return "", fmt.Errorf("queue: full at %d: %w", q.cfg.MaxSize, domain.ErrCapacity)
		}
		victim := q.lowestPriority()
		if victim < 0 || q.items[victim].Priority >= opp.Priority {
			return "", fmt.Errorf("queue: full at %d, no lower-priority victim: %w", q.cfg.MaxSize, domain.ErrCapacity)
		}
		evicted := q.items[victim]
		q.items = append(q.items[:victim], q.items[victim+1:]...)
		q.logger.Info("evicted lower-priority opportunity",
			slog.String("evicted_id", evicted.ID),
			slog.String("evicted_priority", evicted.Priority.String()),
			slog.String("admitted_priority", opp.Priority.String()))
	}

	q.items = append(q.items, opp)
	return opp.ID, nil
}

// Pop hands the next opportunity to the caller, transferring ownership.
// Returns false when the queue is empty.
func (q *Queue) Pop() (domain.Opportunity, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictExpired(q.now())
	if len(q.items) == 0 {
		return domain.Opportunity{}, false
	}

	idx := 0
	if q.cfg.Strategy == StrategyPriority {
		for i := 1; i < len(q.items); i++ {
			if q.items[i].Priority > q.items[idx].Priority {
				idx = i
			}
		}
	}
	opp := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return opp, true
}

// Remove drops the opportunity with the given ID. Reports whether it was
// present.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the queue and returns the number of dropped items.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Status snapshots the queue contents for reporting. The returned slice is a
// copy; callers cannot mutate queued items through it.
func (q *Queue) Status() domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpired(q.now())
	opps := make([]domain.Opportunity, len(q.items))
	copy(opps, q.items)
	return domain.QueueStatus{
		Size:          len(q.items),
		Capacity:      q.cfg.MaxSize,
		Opportunities: opps,
	}
}

// Len returns the current size after lazy expiry.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpired(q.now())
	return len(q.items)
}

// evictExpired drops entries past their deadline. Caller holds the lock.
func (q *Queue) evictExpired(now time.Time) {
	kept := q.items[:0]
	for _, it := range q.items {
		if it.Expired(now) {
			q.logger.Debug("expired opportunity evicted", slog.String("id", it.ID))
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
}

// lowestPriority returns the index of the oldest item in the lowest priority
// tier, or -1 when empty. Caller holds the lock.
func (q *Queue) lowestPriority() int {
	idx := -1
	for i, it := range q.items {
		if idx < 0 || it.Priority < q.items[idx].Priority {
			idx = i
		}
	}
	return idx
}
