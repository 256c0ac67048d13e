// Package queue implements the priority task queue (4.H): a common
// Queue interface with three interchangeable backends — in-process
// memory, a debounced JSON-snapshot file backend, and a Redis-backed
// distributed backend.
package queue

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/harrison/ralphy/internal/model"
)

// Stats summarizes the five state partitions.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Queue is the common interface implemented by every backend.
type Queue interface {
	Enqueue(task model.Task, priority model.Priority, maxAttempts int) error
	Dequeue() (*model.QueueItem, bool, error)
	Peek() (*model.QueueItem, bool, error)
	MarkRunning(id string) error
	MarkComplete(id string) error
	MarkFailed(id string, errMsg string) (*model.QueueItem, error)
	MarkSkipped(id string) error
	ResetTask(id string) error
	Remove(id string) error
	HasTask(id string) bool
	GetTask(id string) (*model.QueueItem, bool)
	GetPending() []model.QueueItem
	GetRunning() []model.QueueItem
	GetCompleted() []model.QueueItem
	GetFailed() []model.QueueItem
	GetSkipped() []model.QueueItem
	GetStats() Stats
	Clear() error
	Close() error
}

// WorkerID builds the "<pid>-<startMillis>-<random9>" identity used by
// the Redis backend to claim ephemeral locks.
func WorkerID() string {
	return fmt.Sprintf("%d-%d-%09d", os.Getpid(), time.Now().UnixMilli(), rand.Intn(1_000_000_000))
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

var errNotFound = fmt.Errorf("queue: task not found")

// ErrNotFound is returned by operations that reference a missing task id.
func ErrNotFound() error { return errNotFound }
