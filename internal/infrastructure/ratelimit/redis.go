package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter shared by every instance of the service.
type Limiter interface {
	// Allow counts one hit against key and returns zero when it is within the limit,
	// or the time left until the window resets.
	Allow(ctx context.Context, key string) (time.Duration, error)
	// Release returns one hit to the current window of key, if the window is still open.
	Release(ctx context.Context, key string) error
}

// fixedWindow increments the counter and starts the window on the first hit, atomically.
var fixedWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// giveBack decrements the counter without creating a key or dropping below zero.
var giveBack = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

type redisLimiter struct {
	rdb    redis.Scripter
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisLimiter allows limit hits per key in each window.
func NewRedisLimiter(rdb redis.Scripter, prefix string, limit int, window time.Duration) Limiter {
	return &redisLimiter{rdb: rdb, prefix: prefix, limit: int64(limit), window: window}
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (time.Duration, error) {
	res, err := fixedWindow.Run(ctx, l.rdb, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit")
	}
	if len(res) != 2 {
		return 0, errors.Errorf("rate limit: unexpected reply %v", res)
	}
	if res[0] <= l.limit {
		return 0, nil
	}
	wait := time.Duration(res[1]) * time.Millisecond
	if wait <= 0 {
		wait = l.window
	}
	return wait, nil
}

func (l *redisLimiter) Release(ctx context.Context, key string) error {
	if err := giveBack.Run(ctx, l.rdb, []string{l.prefix + key}).Err(); err != nil {
		return errors.Wrap(err, "release rate limit")
	}
	return nil
}

func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "connect to redis")
	}
	return rdb, nil
}

// Health pings redis and reports pool statistics.
func Health(ctx context.Context, rdb *redis.Client) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	stats := make(map[string]string)
	if err := rdb.Ping(ctx).Err(); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	pool := rdb.PoolStats()
	stats["status"] = "up"
	stats["total_conns"] = fmt.Sprint(pool.TotalConns)
	stats["idle_conns"] = fmt.Sprint(pool.IdleConns)
	stats["timeouts"] = fmt.Sprint(pool.Timeouts)
	return stats
}
