// Package queue implements the durable broadcast queue on Redis: a
// priority-ordered ready set, a scheduled set for deferred retries, and
// an in-flight set with visibility timeouts so stalled jobs are
// redelivered to another worker.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue coordinates ready, in-flight, and scheduled broadcast jobs in Redis.
type Queue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// New builds a queue over an existing Redis client.
func New(client *redis.Client, visibility time.Duration, dlqName string) *Queue {
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	if dlqName == "" {
		dlqName = "bq:dlq"
	}
	return &Queue{
		client:        client,
		readyKey:      "bq:ready",
		inflightKey:   "bq:inflight",
		scheduledKey:  "bq:scheduled",
		jobMetaPrefix: "bq:jobmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlqName,
	}
}

func (q *Queue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// readyScore orders the ready set by priority first (lower number is more
// urgent), then enqueue time. The priority band is wide enough that
// millisecond timestamps never bleed into the next priority.
func readyScore(priority int, at time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	return float64(priority)*1e13 + float64(at.UnixMilli())
}

// Enqueue inserts a job into either the scheduled set or the ready set.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int, runAt time.Time) error {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	if runAt.After(now) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: readyScore(priority, now), Member: jobID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set for deferred execution.
func (q *Queue) Schedule(ctx context.Context, jobID string, priority int, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into the ready set. It returns how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: readyScore(q.priorityOf(ctx, id), now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *Queue) priorityOf(ctx context.Context, jobID string) int {
	v, err := q.client.HGet(ctx, q.metaKey(jobID), "priority").Result()
	if err != nil {
		return 5
	}
	p, err := strconv.Atoi(v)
	if err != nil {
		return 5
	}
	return p
}

// DequeueWithLease pops the most urgent ready job and places it into
// in-flight with a visibility deadline. Returns "" when nothing is ready.
func (q *Queue) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
// Redelivery restarts the job from its persisted counters; delivery is
// at-least-once, never exactly-once.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: readyScore(q.priorityOf(ctx, id), now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.readyKey, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *Queue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *Queue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Depths reports the waiting, in-flight, and scheduled set sizes.
func (q *Queue) Depths(ctx context.Context) (waiting, active, delayed int64, err error) {
	pipe := q.client.Pipeline()
	w := pipe.ZCard(ctx, q.readyKey)
	a := pipe.ZCard(ctx, q.inflightKey)
	d := pipe.ZCard(ctx, q.scheduledKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return w.Val(), a.Val(), d.Val(), nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('ZRANGE', KEYS[1], 0, 0)
if #job == 0 then
  return nil
end
redis.call('ZREM', KEYS[1], job[1])
redis.call('ZADD', KEYS[2], ARGV[1], job[1])
return job[1]
`)
