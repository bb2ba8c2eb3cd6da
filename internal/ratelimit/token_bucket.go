package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a Redis-backed token bucket shared by every worker
// process. The AI stage keeps one bucket per organization so a burst of
// analyses cannot flood the completion API; the daily spending cap still
// bounds total cost.
type TokenBucket struct {
	client *redis.Client
	burst  int
	refill float64 // tokens per second
	ttl    time.Duration
	now    func() time.Time
}

// New builds a bucket that holds up to burst tokens and refills at
// refillPerSecond. Idle buckets expire from Redis after ttl.
func New(client *redis.Client, burst int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client: client,
		burst:  burst,
		refill: refillPerSecond,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Allow takes one token from key's bucket. remaining is the balance after
// the attempt, whether or not the take succeeded. The script runs the
// refill math in Redis, so concurrent workers never double-spend a token.
func (b *TokenBucket) Allow(ctx context.Context, key string) (allowed bool, remaining float64, err error) {
	res, err := takeScript.Run(ctx, b.client, []string{key},
		b.burst, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket: %w", err)
	}
	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return false, 0, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	allowed = reply[0].(int64) == 1
	switch v := reply[1].(type) {
	case string:
		remaining, _ = strconv.ParseFloat(v, 64)
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed, remaining, nil
}

var takeScript = redis.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'balance', 'stamp_ms')
local balance = tonumber(state[1])
local stamp = tonumber(state[2])
if balance == nil then balance = burst end
if stamp == nil then stamp = now_ms end

local elapsed = math.max(0, now_ms - stamp)
balance = math.min(burst, balance + elapsed / 1000 * refill)

local allowed = 0
if balance >= 1 then
  allowed = 1
  balance = balance - 1
end

redis.call('HMSET', key, 'balance', balance, 'stamp_ms', now_ms)
if ttl_ms > 0 then redis.call('PEXPIRE', key, ttl_ms) end
return {allowed, tostring(balance)}
`)
