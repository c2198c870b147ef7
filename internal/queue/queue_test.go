package queue

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

func testQueue(cfg Config) *Queue {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func opp(id string, prio domain.Priority) domain.Opportunity {
	return domain.Opportunity{
		ID:           id,
		TokenAddress: "0xtoken",
		PairAddress:  "0xpair",
		Chain:        "base",
		Type:         "momentum",
		Priority:     prio,
	}
}

func TestQueueAddAndPopPriorityOrder(t *testing.T) {
	q := testQueue(Config{MaxSize: 10})

	for _, o := range []domain.Opportunity{
		opp("a", domain.PriorityLow),
		opp("b", domain.PriorityCritical),
		opp("c", domain.PriorityMedium),
		opp("d", domain.PriorityCritical),
	} {
		if _, err := q.Add(o); err != nil {
			t.Fatalf("add %s: %v", o.ID, err)
		}
	}

	want := []string{"b", "d", "c", "a"} // priority desc, FIFO within a tier
	for _, id := range want {
		got, ok := q.Pop()
		if !ok || got.ID != id {
			t.Fatalf("pop = %q/%v, want %q", got.ID, ok, id)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("pop from empty queue succeeded")
	}
}

func TestQueueFIFOStrategy(t *testing.T) {
	q := testQueue(Config{MaxSize: 10, Strategy: StrategyFIFO})
	q.Add(opp("a", domain.PriorityLow))
	q.Add(opp("b", domain.PriorityCritical))

	got, _ := q.Pop()
	if got.ID != "a" {
		t.Fatalf("fifo pop = %q, want oldest", got.ID)
	}
}

func TestQueueReplaceLowerEviction(t *testing.T) {
	q := testQueue(Config{MaxSize: 2, ConflictResolution: ResolveReplaceLower})
	q.Add(opp("m1", domain.PriorityMedium))
	q.Add(opp("m2", domain.PriorityMedium))

	// A high item evicts one medium item.
	if _, err := q.Add(opp("h", domain.PriorityHigh)); err != nil {
		t.Fatalf("high add to full queue: %v", err)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("size = %d, want bounded at 2", got)
	}

	// Another medium item finds no lower-priority victim.
	_, err := q.Add(opp("m3", domain.PriorityMedium))
	if !errors.Is(err, domain.ErrCapacity) {
		t.Fatalf("equal-priority add err = %v, want ErrCapacity", err)
	}
}

func TestQueueCriticalAlwaysDisplacesLow(t *testing.T) {
	q := testQueue(Config{MaxSize: 3})
	q.Add(opp("l1", domain.PriorityLow))
	q.Add(opp("l2", domain.PriorityLow))
	q.Add(opp("l3", domain.PriorityLow))

	if _, err := q.Add(opp("crit", domain.PriorityCritical)); err != nil {
		t.Fatalf("critical add: %v", err)
	}
	st := q.Status()
	if st.Size != 3 {
		t.Fatalf("size = %d, want 3", st.Size)
	}
	lows := 0
	for _, o := range st.Opportunities {
		if o.Priority == domain.PriorityLow {
			lows++
		}
	}
	if lows != 2 {
		t.Errorf("low items after eviction = %d, want exactly one evicted", lows)
	}
}

func TestQueueRejectPolicy(t *testing.T) {
	q := testQueue(Config{MaxSize: 1, ConflictResolution: ResolveReject})
	q.Add(opp("a", domain.PriorityLow))

	_, err := q.Add(opp("b", domain.PriorityCritical))
	if !errors.Is(err, domain.ErrCapacity) {
		t.Fatalf("reject policy err = %v, want ErrCapacity", err)
	}
}

func TestQueueDuplicateID(t *testing.T) {
	q := testQueue(Config{MaxSize: 10})
	q.Add(opp("a", domain.PriorityLow))
	_, err := q.Add(opp("a", domain.PriorityHigh))
	if !errors.Is(err, domain.ErrQueueConflict) {
		t.Fatalf("duplicate add err = %v, want ErrQueueConflict", err)
	}
}

func TestQueueAssignsID(t *testing.T) {
	q := testQueue(Config{MaxSize: 10})
	id, err := q.Add(opp("", domain.PriorityLow))
	if err != nil || id == "" {
		t.Fatalf("add without id: id=%q err=%v", id, err)
	}
}

func TestQueueLazyExpiry(t *testing.T) {
	q := testQueue(Config{MaxSize: 10})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	fresh := opp("fresh", domain.PriorityLow)
	stale := opp("stale", domain.PriorityCritical)
	stale.ExpiresAt = now.Add(time.Minute)
	q.Add(fresh)
	q.Add(stale)

	now = now.Add(2 * time.Minute)
	got, ok := q.Pop()
	if !ok || got.ID != "fresh" {
		t.Fatalf("pop = %q/%v, want the unexpired item", got.ID, ok)
	}
	if q.Len() != 0 {
		t.Errorf("len = %d, want 0 after expiry sweep", q.Len())
	}
}

func TestQueueRemoveAndClear(t *testing.T) {
	q := testQueue(Config{MaxSize: 10})
	q.Add(opp("a", domain.PriorityLow))
	q.Add(opp("b", domain.PriorityLow))

	if !q.Remove("a") {
		t.Fatal("remove of present item reported false")
	}
	if q.Remove("a") {
		t.Fatal("remove of absent item reported true")
	}
	if got := q.Clear(); got != 1 {
		t.Fatalf("clear = %d, want 1", got)
	}
}

func TestQueueReconfigureAppliesToNextAdmission(t *testing.T) {
	q := testQueue(Config{MaxSize: 2})
	q.Add(opp("a", domain.PriorityLow))
	q.Add(opp("b", domain.PriorityLow))

	// Shrinking does not evict existing contents.
	q.Reconfigure(Config{MaxSize: 1})
	if got := q.Len(); got != 2 {
		t.Fatalf("len after shrink = %d, want existing contents kept", got)
	}

	// But the next admission sees the new bound and has no lower victim.
	_, err := q.Add(opp("c", domain.PriorityLow))
	if !errors.Is(err, domain.ErrCapacity) {
		t.Fatalf("add after shrink err = %v, want ErrCapacity", err)
	}

	q.Reconfigure(Config{MaxSize: 5})
	if _, err := q.Add(opp("c", domain.PriorityLow)); err != nil {
		t.Fatalf("add after grow: %v", err)
	}
}

func TestQueueScenarioFullOfMediums(t *testing.T) {
	q := testQueue(Config{MaxSize: 2})
	q.Add(opp("m1", domain.PriorityMedium))
	q.Add(opp("m2", domain.PriorityMedium))

	if _, err := q.Add(opp("h", domain.PriorityHigh)); err != nil {
		t.Fatalf("high admission: %v", err)
	}
	if _, err := q.Add(opp("m3", domain.PriorityMedium)); !errors.Is(err, domain.ErrCapacity) {
		t.Fatalf("medium admission err = %v, want rejection", err)
	}

	st := q.Status()
	if st.Size != 2 || st.Capacity != 2 {
		t.Fatalf("status = %d/%d, want 2/2", st.Size, st.Capacity)
	}
}
