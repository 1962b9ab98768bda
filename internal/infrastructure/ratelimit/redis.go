// Package ratelimit holds rolling-window counters for the download guard.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// windowScript keeps one sorted-set member per hit, scored by its time in
// milliseconds. An empty ARGV[3] only reads the window.
var windowScript = redis.NewScript(`
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", tonumber(ARGV[1]) - window)
if ARGV[3] ~= "" then
  redis.call("ZADD", KEYS[1], ARGV[1], ARGV[3])
  redis.call("PEXPIRE", KEYS[1], window)
end
local count = redis.call("ZCARD", KEYS[1])
local ttl = 0
if count > 0 then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  ttl = tonumber(oldest[2]) + window - tonumber(ARGV[1])
end
return {count, ttl}
`)

// Redis counts in a shared store so every API replica sees the same budget.
type Redis struct {
	client redis.Scripter
	now    func() time.Time
}

func NewRedis(client redis.Scripter) *Redis {
	return &Redis{client: client, now: time.Now}
}

func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return r.run(ctx, key, window, uuid.NewString())
}

func (r *Redis) Count(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return r.run(ctx, key, window, "")
}

func (r *Redis) run(ctx context.Context, key string, window time.Duration, member string) (int64, time.Duration, error) {
	args := []any{r.now().UnixMilli(), window.Milliseconds(), member}
	res, err := windowScript.Run(ctx, r.client, []string{key}, args...).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis rate window %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("redis rate window %s: unexpected reply %v", key, res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}
