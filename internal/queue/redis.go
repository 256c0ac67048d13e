package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harrison/ralphy/internal/jsonsafe"
	"github.com/harrison/ralphy/internal/model"
)

const (
	redisLockTTL     = 90 * time.Second
	redisSweepPeriod = 60 * time.Second
	redisOpTimeout   = 5 * time.Second
)

var dequeueScript = redis.NewScript(`
local pending = KEYS[1]
local running = KEYS[2]
local lockKeyPrefix = KEYS[3]
local now = ARGV[1]
local lockTTLms = ARGV[2]
local workerID = ARGV[3]

local ids = redis.call('ZRANGE', pending, 0, 0)
if #ids == 0 then
  return nil
end
local id = ids[1]
redis.call('ZREM', pending, id)
redis.call('ZADD', running, now, id)
redis.call('SET', lockKeyPrefix .. id, workerID, 'PX', lockTTLms)
return id
`)

// RedisQueue implements Queue against a shared Redis instance: sorted
// sets per partition scored by priorityScore for pending and by
// timestamp elsewhere, a hash of serialized items, and ephemeral
// per-task lock keys that a periodic sweep reclaims.
type RedisQueue struct {
	client   *redis.Client
	prefix   string
	workerID string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRedisQueue constructs a queue keyed under prefix (e.g.
// "ralphy:queue:") against an existing client.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	rq := &RedisQueue{
		client:   client,
		prefix:   prefix,
		workerID: WorkerID(),
		stopCh:   make(chan struct{}),
	}
	go rq.sweepLoop()
	return rq
}

func (rq *RedisQueue) key(suffix string) string { return rq.prefix + suffix }

func (rq *RedisQueue) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func (rq *RedisQueue) itemsKey() string   { return rq.key("items") }
func (rq *RedisQueue) pendingKey() string { return rq.key("pending") }
func (rq *RedisQueue) runningKey() string { return rq.key("running") }
func (rq *RedisQueue) completedKey() string { return rq.key("completed") }
func (rq *RedisQueue) failedKey() string  { return rq.key("failed") }
func (rq *RedisQueue) skippedKey() string { return rq.key("skipped") }
func (rq *RedisQueue) lockKey(id string) string { return rq.key("locks:" + id) }

func (rq *RedisQueue) saveItem(ctx context.Context, item model.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: marshal item: %w", err)
	}
	return rq.client.HSet(ctx, rq.itemsKey(), item.Task.ID, data).Err()
}

func (rq *RedisQueue) loadItem(ctx context.Context, id string) (*model.QueueItem, error) {
	data, err := rq.client.HGet(ctx, rq.itemsKey(), id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: load item %s: %w", id, err)
	}
	if err := jsonsafe.RejectDangerousKeys(data); err != nil {
		return nil, err
	}
	var item model.QueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("queue: parse item %s: %w", id, err)
	}
	return &item, nil
}

func (rq *RedisQueue) Enqueue(task model.Task, priority model.Priority, maxAttempts int) error {
	ctx, cancel := rq.ctx()
	defer cancel()

	item := model.QueueItem{
		Task:        task,
		Priority:    priority,
		EnqueuedAt:  nowMs(),
		MaxAttempts: maxAttempts,
	}
	if err := rq.saveItem(ctx, item); err != nil {
		return err
	}
	return rq.client.ZAdd(ctx, rq.pendingKey(), redis.Z{Score: float64(item.Score()), Member: task.ID}).Err()
}

func (rq *RedisQueue) Dequeue() (*model.QueueItem, bool, error) {
	ctx, cancel := rq.ctx()
	defer cancel()

	res, err := dequeueScript.Run(ctx, rq.client,
		[]string{rq.pendingKey(), rq.runningKey(), rq.key("locks:")},
		nowMs(), redisLockTTL.Milliseconds(), rq.workerID,
	).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue: dequeue script: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, false, nil
	}

	item, err := rq.loadItem(ctx, id)
	if err != nil || item == nil {
		return nil, false, err
	}
	started := nowMs()
	item.StartedAt = &started
	if err := rq.saveItem(ctx, *item); err != nil {
		return nil, false, err
	}
	return item, true, nil
}

func (rq *RedisQueue) Peek() (*model.QueueItem, bool, error) {
	ctx, cancel := rq.ctx()
	defer cancel()
	ids, err := rq.client.ZRange(ctx, rq.pendingKey(), 0, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("queue: peek: %w", err)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	item, err := rq.loadItem(ctx, ids[0])
	if err != nil || item == nil {
		return nil, false, err
	}
	return item, true, nil
}

func (rq *RedisQueue) MarkRunning(id string) error {
	ctx, cancel := rq.ctx()
	defer cancel()

	item, err := rq.loadItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return errNotFound
	}
	if err := rq.client.ZRem(ctx, rq.pendingKey(), id).Err(); err != nil {
		return err
	}
	now := nowMs()
	if err := rq.client.ZAdd(ctx, rq.runningKey(), redis.Z{Score: float64(now), Member: id}).Err(); err != nil {
		return err
	}
	if err := rq.client.Set(ctx, rq.lockKey(id), rq.workerID, redisLockTTL).Err(); err != nil {
		return err
	}
	item.StartedAt = &now
	return rq.saveItem(ctx, *item)
}

func (rq *RedisQueue) MarkComplete(id string) error {
	ctx, cancel := rq.ctx()
	defer cancel()

	item, err := rq.loadItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return errNotFound
	}
	pipe := rq.client.TxPipeline()
	pipe.ZRem(ctx, rq.runningKey(), id)
	pipe.ZRem(ctx, rq.pendingKey(), id)
	now := nowMs()
	pipe.ZAdd(ctx, rq.completedKey(), redis.Z{Score: float64(now), Member: id})
	pipe.Del(ctx, rq.lockKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: mark complete: %w", err)
	}
	item.CompletedAt = &now
	return rq.saveItem(ctx, *item)
}

func (rq *RedisQueue) MarkFailed(id string, errMsg string) (*model.QueueItem, error) {
	ctx, cancel := rq.ctx()
	defer cancel()

	item, err := rq.loadItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, errNotFound
	}

	pipe := rq.client.TxPipeline()
	pipe.ZRem(ctx, rq.runningKey(), id)
	pipe.ZRem(ctx, rq.pendingKey(), id)
	pipe.Del(ctx, rq.lockKey(id))

	item.Attempts++
	if item.Attempts < item.MaxAttempts {
		item.StartedAt = nil
		pipe.ZAdd(ctx, rq.pendingKey(), redis.Z{Score: float64(item.Score()), Member: id})
	} else {
		now := nowMs()
		item.CompletedAt = &now
		pipe.ZAdd(ctx, rq.failedKey(), redis.Z{Score: float64(now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: mark failed: %w", err)
	}
	if err := rq.saveItem(ctx, *item); err != nil {
		return nil, err
	}
	return item, nil
}

// MarkSkipped removes id from both pending and running without
// checking which one currently holds it (idempotent by construction).
func (rq *RedisQueue) MarkSkipped(id string) error {
	ctx, cancel := rq.ctx()
	defer cancel()

	item, err := rq.loadItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return errNotFound
	}
	pipe := rq.client.TxPipeline()
	pipe.ZRem(ctx, rq.pendingKey(), id)
	pipe.ZRem(ctx, rq.runningKey(), id)
	pipe.ZAdd(ctx, rq.skippedKey(), redis.Z{Score: float64(nowMs()), Member: id})
	pipe.Del(ctx, rq.lockKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: mark skipped: %w", err)
	}
	return nil
}

func (rq *RedisQueue) ResetTask(id string) error {
	ctx, cancel := rq.ctx()
	defer cancel()

	item, err := rq.loadItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return errNotFound
	}
	item.Attempts = 0
	item.StartedAt = nil
	item.CompletedAt = nil

	pipe := rq.client.TxPipeline()
	for _, partition := range []string{rq.runningKey(), rq.completedKey(), rq.failedKey(), rq.skippedKey()} {
		pipe.ZRem(ctx, partition, id)
	}
	pipe.ZAdd(ctx, rq.pendingKey(), redis.Z{Score: float64(item.Score()), Member: id})
	pipe.Del(ctx, rq.lockKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: reset task: %w", err)
	}
	return rq.saveItem(ctx, *item)
}

func (rq *RedisQueue) Remove(id string) error {
	ctx, cancel := rq.ctx()
	defer cancel()

	pipe := rq.client.TxPipeline()
	for _, partition := range []string{rq.pendingKey(), rq.runningKey(), rq.completedKey(), rq.failedKey(), rq.skippedKey()} {
		pipe.ZRem(ctx, partition, id)
	}
	pipe.HDel(ctx, rq.itemsKey(), id)
	pipe.Del(ctx, rq.lockKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (rq *RedisQueue) HasTask(id string) bool {
	ctx, cancel := rq.ctx()
	defer cancel()
	n, err := rq.client.HExists(ctx, rq.itemsKey(), id).Result()
	return err == nil && n
}

func (rq *RedisQueue) GetTask(id string) (*model.QueueItem, bool) {
	ctx, cancel := rq.ctx()
	defer cancel()
	item, err := rq.loadItem(ctx, id)
	if err != nil || item == nil {
		return nil, false
	}
	return item, true
}

func (rq *RedisQueue) itemsIn(key string) []model.QueueItem {
	ctx, cancel := rq.ctx()
	defer cancel()
	ids, err := rq.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil
	}
	out := make([]model.QueueItem, 0, len(ids))
	for _, id := range ids {
		if item, err := rq.loadItem(ctx, id); err == nil && item != nil {
			out = append(out, *item)
		}
	}
	return out
}

func (rq *RedisQueue) GetPending() []model.QueueItem   { return rq.itemsIn(rq.pendingKey()) }
func (rq *RedisQueue) GetRunning() []model.QueueItem   { return rq.itemsIn(rq.runningKey()) }
func (rq *RedisQueue) GetCompleted() []model.QueueItem { return rq.itemsIn(rq.completedKey()) }
func (rq *RedisQueue) GetFailed() []model.QueueItem    { return rq.itemsIn(rq.failedKey()) }
func (rq *RedisQueue) GetSkipped() []model.QueueItem   { return rq.itemsIn(rq.skippedKey()) }

func (rq *RedisQueue) GetStats() Stats {
	ctx, cancel := rq.ctx()
	defer cancel()
	card := func(key string) int {
		n, err := rq.client.ZCard(ctx, key).Result()
		if err != nil {
			return 0
		}
		return int(n)
	}
	return Stats{
		Pending:   card(rq.pendingKey()),
		Running:   card(rq.runningKey()),
		Completed: card(rq.completedKey()),
		Failed:    card(rq.failedKey()),
		Skipped:   card(rq.skippedKey()),
	}
}

func (rq *RedisQueue) Clear() error {
	ctx, cancel := rq.ctx()
	defer cancel()
	keys := []string{
		rq.pendingKey(), rq.runningKey(), rq.completedKey(),
		rq.failedKey(), rq.skippedKey(), rq.itemsKey(),
	}
	return rq.client.Del(ctx, keys...).Err()
}

func (rq *RedisQueue) Close() error {
	rq.stopOnce.Do(func() { close(rq.stopCh) })
	return nil
}

// sweepLoop moves items whose lock TTL has expired from running back to
// pending at their original priority score, every 60s, per 4.H.
func (rq *RedisQueue) sweepLoop() {
	ticker := time.NewTicker(redisSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rq.sweepOnce()
		case <-rq.stopCh:
			return
		}
	}
}

func (rq *RedisQueue) sweepOnce() {
	ctx, cancel := rq.ctx()
	defer cancel()

	ids, err := rq.client.ZRange(ctx, rq.runningKey(), 0, -1).Result()
	if err != nil {
		return
	}
	for _, id := range ids {
		exists, err := rq.client.Exists(ctx, rq.lockKey(id)).Result()
		if err != nil || exists > 0 {
			continue
		}
		item, err := rq.loadItem(ctx, id)
		if err != nil || item == nil {
			continue
		}
		pipe := rq.client.TxPipeline()
		pipe.ZRem(ctx, rq.runningKey(), id)
		pipe.ZAdd(ctx, rq.pendingKey(), redis.Z{Score: float64(item.Score()), Member: id})
		_, _ = pipe.Exec(ctx)
	}
}
