package queue

import (
	"sync"

	"github.com/harrison/ralphy/internal/model"
)

// MemoryQueue is the synchronous, in-process backend: five maps keyed
// by task id, one per state partition.
type MemoryQueue struct {
	mu        sync.Mutex
	pending   map[string]model.QueueItem
	running   map[string]model.QueueItem
	completed map[string]model.QueueItem
	failed    map[string]model.QueueItem
	skipped   map[string]model.QueueItem
}

// NewMemoryQueue constructs an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:   make(map[string]model.QueueItem),
		running:   make(map[string]model.QueueItem),
		completed: make(map[string]model.QueueItem),
		failed:    make(map[string]model.QueueItem),
		skipped:   make(map[string]model.QueueItem),
	}
}

func (q *MemoryQueue) Enqueue(task model.Task, priority model.Priority, maxAttempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[task.ID] = model.QueueItem{
		Task:        task,
		Priority:    priority,
		EnqueuedAt:  nowMs(),
		MaxAttempts: maxAttempts,
	}
	return nil
}

// nextPendingLocked returns the id of the pending item with the
// smallest priority score, the spec's (priorityRank, enqueuedAt)
// ordering — ties are already broken by enqueuedAt inside the score.
func (q *MemoryQueue) nextPendingLocked() (string, bool) {
	var bestID string
	var bestScore int64
	found := false
	for id, item := range q.pending {
		score := item.Score()
		if !found || score < bestScore {
			bestID, bestScore, found = id, score, true
		}
	}
	return bestID, found
}

func (q *MemoryQueue) Dequeue() (*model.QueueItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.nextPendingLocked()
	if !ok {
		return nil, false, nil
	}
	item := q.pending[id]
	delete(q.pending, id)
	started := nowMs()
	item.StartedAt = &started
	q.running[id] = item
	out := item
	return &out, true, nil
}

func (q *MemoryQueue) Peek() (*model.QueueItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.nextPendingLocked()
	if !ok {
		return nil, false, nil
	}
	out := q.pending[id]
	return &out, true, nil
}

func (q *MemoryQueue) MarkRunning(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.pending[id]
	if !ok {
		return errNotFound
	}
	delete(q.pending, id)
	started := nowMs()
	item.StartedAt = &started
	q.running[id] = item
	return nil
}

func (q *MemoryQueue) MarkComplete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.running[id]
	if !ok {
		item, ok = q.pending[id]
		delete(q.pending, id)
	} else {
		delete(q.running, id)
	}
	if !ok {
		return errNotFound
	}
	completed := nowMs()
	item.CompletedAt = &completed
	q.completed[id] = item
	return nil
}

func (q *MemoryQueue) MarkFailed(id string, errMsg string) (*model.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.running[id]
	if ok {
		delete(q.running, id)
	} else {
		item, ok = q.pending[id]
		if ok {
			delete(q.pending, id)
		}
	}
	if !ok {
		return nil, errNotFound
	}

	item.Attempts++
	if item.Attempts < item.MaxAttempts {
		item.StartedAt = nil
		q.pending[id] = item
	} else {
		completed := nowMs()
		item.CompletedAt = &completed
		q.failed[id] = item
	}
	out := item
	return &out, nil
}

// MarkSkipped accepts an item from pending or running, per 4.H.
func (q *MemoryQueue) MarkSkipped(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	} else {
		item, ok = q.running[id]
		if ok {
			delete(q.running, id)
		}
	}
	if !ok {
		return errNotFound
	}
	q.skipped[id] = item
	return nil
}

func (q *MemoryQueue) ResetTask(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, partition := range []map[string]model.QueueItem{q.failed, q.skipped, q.completed, q.running} {
		if item, ok := partition[id]; ok {
			delete(partition, id)
			item.Attempts = 0
			item.StartedAt = nil
			item.CompletedAt = nil
			q.pending[id] = item
			return nil
		}
	}
	if _, ok := q.pending[id]; ok {
		return nil
	}
	return errNotFound
}

func (q *MemoryQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, partition := range q.partitionsLocked() {
		delete(partition, id)
	}
	return nil
}

func (q *MemoryQueue) partitionsLocked() []map[string]model.QueueItem {
	return []map[string]model.QueueItem{q.pending, q.running, q.completed, q.failed, q.skipped}
}

func (q *MemoryQueue) HasTask(id string) bool {
	_, ok := q.GetTask(id)
	return ok
}

func (q *MemoryQueue) GetTask(id string) (*model.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, partition := range q.partitionsLocked() {
		if item, ok := partition[id]; ok {
			out := item
			return &out, true
		}
	}
	return nil, false
}

func snapshot(m map[string]model.QueueItem) []model.QueueItem {
	out := make([]model.QueueItem, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func (q *MemoryQueue) GetPending() []model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return snapshot(q.pending)
}

func (q *MemoryQueue) GetRunning() []model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return snapshot(q.running)
}

func (q *MemoryQueue) GetCompleted() []model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return snapshot(q.completed)
}

func (q *MemoryQueue) GetFailed() []model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return snapshot(q.failed)
}

func (q *MemoryQueue) GetSkipped() []model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return snapshot(q.skipped)
}

func (q *MemoryQueue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:   len(q.pending),
		Running:   len(q.running),
		Completed: len(q.completed),
		Failed:    len(q.failed),
		Skipped:   len(q.skipped),
	}
}

func (q *MemoryQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[string]model.QueueItem)
	q.running = make(map[string]model.QueueItem)
	q.completed = make(map[string]model.QueueItem)
	q.failed = make(map[string]model.QueueItem)
	q.skipped = make(map[string]model.QueueItem)
	return nil
}

func (q *MemoryQueue) Close() error { return nil }
