package domain

import "time"

// Priority orders opportunities in the admission queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name used on the wire and in config.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority maps a name to a Priority, defaulting to low.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Opportunity is an externally-discovered candidate trade awaiting admission.
// It is not bound to a user or order until the engine converts it.
type Opportunity struct {
	ID string

	TokenAddress string
	PairAddress  string
	Chain        string
	DEX          string

	Type           string // e.g. "momentum", "liquidity_add", "whale_follow"
	Side           Side
	Quantity       float64
	ExpectedProfit float64
	Priority       Priority

	AddedAt   time.Time
	ExpiresAt time.Time
}

// Expired reports whether the opportunity has passed its deadline at now.
// A zero ExpiresAt never expires.
func (o Opportunity) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// QueueStatus is a snapshot of the opportunity queue for status reporting.
type QueueStatus struct {
	Size          int
	Capacity      int
	Opportunities []Opportunity
}
