package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisRateScript maintains a sliding window of request timestamps in
// a sorted set, atomically: drop entries older than the window, add the
// new request, return the count.
// KEYS[1] = window key (e.g. "rate:agent:123")
// ARGV[1] = window length in milliseconds
// ARGV[2] = current unix timestamp in milliseconds
// ARGV[3] = unique member for this request
var redisRateScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
redis.call("ZADD", key, now, ARGV[3])
redis.call("PEXPIRE", key, window)

return redis.call("ZCARD", key)
`)

// RedisRateTracker implements the scorer's rate window on Redis, so
// every scoring node sees the same per-agent request rate.
type RedisRateTracker struct {
	client *redis.Client
	window time.Duration
	clock  func() time.Time
}

// NewRedisRateTracker creates a tracker with the given rolling window.
func NewRedisRateTracker(addr, password string, db int, window time.Duration) *RedisRateTracker {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisRateTracker{client: rdb, window: window, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (t *RedisRateTracker) WithClock(clock func() time.Time) *RedisRateTracker {
	t.clock = clock
	return t
}

// Observe implements scoring.RateTracker.
func (t *RedisRateTracker) Observe(ctx context.Context, agentID string) (int, error) {
	now := t.clock()
	key := fmt.Sprintf("conclave:rate:%s", agentID)
	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond())

	count, err := redisRateScript.Run(ctx, t.client,
		[]string{key},
		t.window.Milliseconds(),
		now.UnixMilli(),
		member,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("rate window for %s: %w", agentID, err)
	}
	return count, nil
}

// Close releases the underlying client.
func (t *RedisRateTracker) Close() error {
	return t.client.Close()
}
