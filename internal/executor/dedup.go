package executor

import (
	"sync"
	"time"
)

// Dedup suppresses repeated execution attempts carrying the same idempotency
// key within a time-to-live window. Safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // idempotency key -> last seen time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup considering a key a duplicate when it has been
// seen within ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether the key was seen within the TTL window. An
// unseen or expired key is recorded and reported as new. An empty key is
// never deduplicated.
func (d *Dedup) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if lastSeen, ok := d.seen[key]; ok && now.Sub(lastSeen) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup removes entries older than the TTL. Called periodically by the
// executor to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
