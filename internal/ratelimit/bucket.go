package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Admission is the outcome of one bucket draw.
type Admission struct {
	Allowed bool    `json:"allowed"`
	Tokens  float64 `json:"tokens"`
}

// AdmissionBucket caps the global broadcast-admission rate across all
// API instances with a token bucket shared through Redis. It smooths
// bursts before tenant quotas are even consulted; bucket state expires
// on its own after ttl of inactivity.
type AdmissionBucket struct {
	client *redis.Client
	burst  int
	rate   float64 // tokens per second
	ttl    time.Duration
	now    func() time.Time
}

// NewAdmissionBucket builds a bucket holding at most burst tokens,
// refilling at ratePerSecond. Non-positive burst defaults to 10,
// non-positive rate to one full bucket per second, zero ttl to an hour.
func NewAdmissionBucket(client *redis.Client, burst int, ratePerSecond float64, ttl time.Duration) *AdmissionBucket {
	if burst <= 0 {
		burst = 10
	}
	if ratePerSecond <= 0 {
		ratePerSecond = float64(burst)
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &AdmissionBucket{
		client: client,
		burst:  burst,
		rate:   ratePerSecond,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Allow draws one token for key, reporting whether it was granted and
// how many tokens remain afterwards.
func (b *AdmissionBucket) Allow(ctx context.Context, key string) (Admission, error) {
	res, err := admitScript.Run(ctx, b.client, []string{key},
		b.burst, b.rate, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Admission{}, fmt.Errorf("admission bucket %s: %w", key, err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return Admission{}, fmt.Errorf("admission bucket %s: unexpected reply %v", key, res)
	}
	granted, _ := reply[0].(int64)
	left, err := strconv.ParseFloat(fmt.Sprint(reply[1]), 64)
	if err != nil {
		return Admission{}, fmt.Errorf("admission bucket %s: bad token count: %w", key, err)
	}
	return Admission{Allowed: granted == 1, Tokens: left}, nil
}

// The level and refill timestamp live in one hash so the read-refill-
// draw sequence is atomic. The level is shipped back as a string
// because Lua-to-Redis conversion truncates floats to integers.
var admitScript = redis.NewScript(`
local burst = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'level', 'at_ms')
local level = tonumber(state[1]) or burst
local at_ms = tonumber(state[2]) or now_ms

local elapsed = now_ms - at_ms
if elapsed > 0 then
  level = math.min(burst, level + elapsed * rate / 1000)
end

local granted = 0
if level >= 1 then
  granted = 1
  level = level - 1
end

redis.call('HSET', KEYS[1], 'level', level, 'at_ms', now_ms)
redis.call('PEXPIRE', KEYS[1], ttl_ms)
return {granted, tostring(level)}
`)
