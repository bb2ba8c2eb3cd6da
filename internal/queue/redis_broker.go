package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// priorityScale separates priority bands in the ready-set score. Millisecond
// timestamps stay below it, so priority strictly dominates and ties fall
// back to enqueue time (FIFO).
const priorityScale = 1e13

// RedisBroker keeps a ready ZSET, a delayed ZSET, and an in-flight ZSET per
// stage queue, plus a small meta hash per job carrying priority and enqueue
// time for promotion and lease reclaim.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing Redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func readyKey(queue string) string    { return "queue:" + queue + ":ready" }
func delayedKey(queue string) string  { return "queue:" + queue + ":delayed" }
func inflightKey(queue string) string { return "queue:" + queue + ":inflight" }
func metaKey(queue, jobID string) string {
	return "queue:" + queue + ":meta:" + jobID
}

func readyScore(priority int, createdAt time.Time) float64 {
	return float64(-priority)*priorityScale + float64(createdAt.UnixMilli())
}

func (b *RedisBroker) Enqueue(ctx context.Context, queue, jobID string, priority int, createdAt, runAt time.Time) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, metaKey(queue, jobID), "priority", priority, "created_ms", createdAt.UnixMilli())
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.ZAdd(ctx, readyKey(queue), redis.Z{Score: readyScore(priority, createdAt), Member: jobID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Claim(ctx context.Context, queue string, leaseUntil time.Time) (string, error) {
	res, err := claimScript.Run(ctx, b.client,
		[]string{readyKey(queue), inflightKey(queue)},
		leaseUntil.UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return jobID, nil
}

func (b *RedisBroker) PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, delayedKey(queue), id)
		pipe.ZAdd(ctx, readyKey(queue), redis.Z{Score: b.scoreFor(ctx, queue, id), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *RedisBroker) ReclaimExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := b.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey(queue), id)
		pipe.ZAdd(ctx, readyKey(queue), redis.Z{Score: b.scoreFor(ctx, queue, id), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// scoreFor rebuilds the ready score from the job's meta hash. Missing meta
// degrades to priority 0 with the current time, which only loses FIFO
// position, never the job.
func (b *RedisBroker) scoreFor(ctx context.Context, queue, jobID string) float64 {
	vals, err := b.client.HMGet(ctx, metaKey(queue, jobID), "priority", "created_ms").Result()
	priority := 0
	createdMs := time.Now().UnixMilli()
	if err == nil && len(vals) == 2 {
		if s, ok := vals[0].(string); ok {
			if p, err := strconv.Atoi(s); err == nil {
				priority = p
			}
		}
		if s, ok := vals[1].(string); ok {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				createdMs = ms
			}
		}
	}
	return float64(-priority)*priorityScale + float64(createdMs)
}

func (b *RedisBroker) ExtendLease(ctx context.Context, queue, jobID string, until time.Time) error {
	return b.client.ZAdd(ctx, inflightKey(queue), redis.Z{
		Score:  float64(until.UnixMilli()),
		Member: jobID,
	}).Err()
}

func (b *RedisBroker) Ack(ctx context.Context, queue, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(queue), jobID)
	pipe.Del(ctx, metaKey(queue, jobID))
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Remove(ctx context.Context, queue, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, readyKey(queue), jobID)
	pipe.ZRem(ctx, delayedKey(queue), jobID)
	pipe.ZRem(ctx, inflightKey(queue), jobID)
	pipe.Del(ctx, metaKey(queue, jobID))
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) ReadyDepth(ctx context.Context, queue string) (int64, error) {
	return b.client.ZCard(ctx, readyKey(queue)).Result()
}

// claimScript pops the lowest-scored ready job (highest priority, oldest)
// and moves it into in-flight with a lease deadline in one round trip, so a
// job is never claimed by two workers.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)
