package model

// Priority is one of the four queue priority bands from §3/§4.H.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorityRank returns the rank used in the priorityScore formula
// (priorityRank * 10^15 + enqueuedAt_ms), lower sorts earlier.
func (p Priority) priorityRank() int64 {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

const priorityRankMultiplier int64 = 1_000_000_000_000_000

// PriorityScore computes the ordering score described in §3: lower values
// dequeue first, with ties broken by enqueuedAt (oldest first).
func PriorityScore(p Priority, enqueuedAtMs int64) int64 {
	return p.priorityRank()*priorityRankMultiplier + enqueuedAtMs
}

// QueueItem wraps a Task with queue bookkeeping (§3).
type QueueItem struct {
	Task         Task     `json:"task"`
	Priority     Priority `json:"priority"`
	EnqueuedAt   int64    `json:"enqueuedAt"`
	StartedAt    *int64   `json:"startedAt,omitempty"`
	CompletedAt  *int64   `json:"completedAt,omitempty"`
	Attempts     int      `json:"attempts"`
	MaxAttempts  int      `json:"maxAttempts"`
}

// Score returns this item's priority score for ordering.
func (q *QueueItem) Score() int64 {
	return PriorityScore(q.Priority, q.EnqueuedAt)
}
