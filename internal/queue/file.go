package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/harrison/ralphy/internal/atomicfile"
	"github.com/harrison/ralphy/internal/jsonsafe"
	"github.com/harrison/ralphy/internal/model"
)

const (
	debounceDelay     = 100 * time.Millisecond
	periodicInterval  = 5 * time.Second
	minSaveInterval   = 1 * time.Second
)

type snapshotDoc struct {
	Pending   []model.QueueItem `json:"pending"`
	Running   []model.QueueItem `json:"running"`
	Completed []model.QueueItem `json:"completed"`
	Failed    []model.QueueItem `json:"failed"`
	Skipped   []model.QueueItem `json:"skipped"`
}

// FileQueue wraps MemoryQueue and persists a debounced JSON snapshot:
// 100ms after the last mutation, and unconditionally every 5s, subject
// to a 1s minimum save interval.
type FileQueue struct {
	mem      *MemoryQueue
	path     string

	debounceMu sync.Mutex
	debounce   *time.Timer

	saveMu   sync.Mutex
	lastSave time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// OpenFileQueue loads (or creates) a file-backed queue at path.
func OpenFileQueue(path string) (*FileQueue, error) {
	fq := &FileQueue{
		mem:    NewMemoryQueue(),
		path:   path,
		stopCh: make(chan struct{}),
	}
	if err := fq.load(); err != nil {
		return nil, err
	}
	go fq.periodicFlush()
	return fq, nil
}

func (fq *FileQueue) load() error {
	data, err := os.ReadFile(fq.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("queue: read snapshot: %w", err)
	}
	if err := jsonsafe.RejectDangerousKeys(data); err != nil {
		return err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("queue: parse snapshot: %w", err)
	}

	for _, item := range doc.Pending {
		_ = fq.mem.Enqueue(item.Task, item.Priority, item.MaxAttempts)
	}
	// Running items are restored as pending, per 4.H.
	for _, item := range doc.Running {
		_ = fq.mem.Enqueue(item.Task, item.Priority, item.MaxAttempts)
	}
	for _, item := range doc.Completed {
		_ = fq.mem.Enqueue(item.Task, item.Priority, item.MaxAttempts)
		_ = fq.mem.MarkRunning(item.Task.ID)
		_ = fq.mem.MarkComplete(item.Task.ID)
	}
	for _, item := range doc.Failed {
		_ = fq.mem.Enqueue(item.Task, item.Priority, item.MaxAttempts)
		attempts := item.Attempts
		if attempts == 0 {
			attempts = item.MaxAttempts
		}
		for i := 0; i < attempts; i++ {
			_ = fq.mem.MarkRunning(item.Task.ID)
			if _, err := fq.mem.MarkFailed(item.Task.ID, ""); err != nil {
				break
			}
		}
	}
	for _, item := range doc.Skipped {
		_ = fq.mem.Enqueue(item.Task, item.Priority, item.MaxAttempts)
		_ = fq.mem.MarkSkipped(item.Task.ID)
	}
	return nil
}

func (fq *FileQueue) periodicFlush() {
	ticker := time.NewTicker(periodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = fq.save(false)
		case <-fq.stopCh:
			return
		}
	}
}

func (fq *FileQueue) scheduleSave() {
	fq.debounceMu.Lock()
	defer fq.debounceMu.Unlock()
	if fq.debounce != nil {
		fq.debounce.Stop()
	}
	fq.debounce = time.AfterFunc(debounceDelay, func() { _ = fq.save(false) })
}

func (fq *FileQueue) save(force bool) error {
	fq.saveMu.Lock()
	defer fq.saveMu.Unlock()
	if !force && time.Since(fq.lastSave) < minSaveInterval {
		return nil
	}
	doc := snapshotDoc{
		Pending:   fq.mem.GetPending(),
		Running:   fq.mem.GetRunning(),
		Completed: fq.mem.GetCompleted(),
		Failed:    fq.mem.GetFailed(),
		Skipped:   fq.mem.GetSkipped(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshal snapshot: %w", err)
	}
	if err := atomicfile.AtomicWrite(fq.path, data); err != nil {
		return err
	}
	fq.lastSave = time.Now()
	return nil
}

func (fq *FileQueue) Enqueue(task model.Task, priority model.Priority, maxAttempts int) error {
	err := fq.mem.Enqueue(task, priority, maxAttempts)
	fq.scheduleSave()
	return err
}

func (fq *FileQueue) Dequeue() (*model.QueueItem, bool, error) {
	item, ok, err := fq.mem.Dequeue()
	fq.scheduleSave()
	return item, ok, err
}

func (fq *FileQueue) Peek() (*model.QueueItem, bool, error) { return fq.mem.Peek() }

func (fq *FileQueue) MarkRunning(id string) error {
	err := fq.mem.MarkRunning(id)
	fq.scheduleSave()
	return err
}

func (fq *FileQueue) MarkComplete(id string) error {
	err := fq.mem.MarkComplete(id)
	fq.scheduleSave()
	return err
}

func (fq *FileQueue) MarkFailed(id string, errMsg string) (*model.QueueItem, error) {
	item, err := fq.mem.MarkFailed(id, errMsg)
	fq.scheduleSave()
	return item, err
}

func (fq *FileQueue) MarkSkipped(id string) error {
	err := fq.mem.MarkSkipped(id)
	fq.scheduleSave()
	return err
}

func (fq *FileQueue) ResetTask(id string) error {
	err := fq.mem.ResetTask(id)
	fq.scheduleSave()
	return err
}

func (fq *FileQueue) Remove(id string) error {
	err := fq.mem.Remove(id)
	fq.scheduleSave()
	return err
}

func (fq *FileQueue) HasTask(id string) bool                    { return fq.mem.HasTask(id) }
func (fq *FileQueue) GetTask(id string) (*model.QueueItem, bool) { return fq.mem.GetTask(id) }
func (fq *FileQueue) GetPending() []model.QueueItem              { return fq.mem.GetPending() }
func (fq *FileQueue) GetRunning() []model.QueueItem              { return fq.mem.GetRunning() }
func (fq *FileQueue) GetCompleted() []model.QueueItem            { return fq.mem.GetCompleted() }
func (fq *FileQueue) GetFailed() []model.QueueItem               { return fq.mem.GetFailed() }
func (fq *FileQueue) GetSkipped() []model.QueueItem              { return fq.mem.GetSkipped() }
func (fq *FileQueue) GetStats() Stats                            { return fq.mem.GetStats() }

func (fq *FileQueue) Clear() error {
	err := fq.mem.Clear()
	fq.scheduleSave()
	return err
}

func (fq *FileQueue) Close() error {
	fq.stopOnce.Do(func() { close(fq.stopCh) })
	fq.debounceMu.Lock()
	if fq.debounce != nil {
		fq.debounce.Stop()
	}
	fq.debounceMu.Unlock()
	return fq.save(true)
}
