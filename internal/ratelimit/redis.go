package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript increments the window counter, sets its expiry only when the
// key has none, and returns the count with the remaining TTL in milliseconds.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisWindow is a fixed-window counter shared by every instance through
// Redis.
type RedisWindow struct {
	client redis.Scripter
	policy Policy
	clock  func() time.Time
}

func NewRedisWindow(client redis.Scripter, policy Policy) *RedisWindow {
	return &RedisWindow{client: client, policy: policy, clock: time.Now}
}

func (w *RedisWindow) Check(ctx context.Context, identifier string) (Result, error) {
	key := w.policy.windowKey(identifier, w.clock())
	vals, err := windowScript.Run(ctx, w.client, []string{key}, w.policy.Window().Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis window: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("redis window: unexpected reply length %d", len(vals))
	}
	return w.policy.windowResult(vals[0], vals[1]), nil
}
