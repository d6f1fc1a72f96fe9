package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims, counts and conditionally records in one round trip.
// KEYS[1] client log; ARGV now_ms, window_ms, limit, member.
// Returns {allowed, remaining, retry_after_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// RedisLimiter keeps each client's log in a Redis sorted set.
type RedisLimiter struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
	now    func() time.Time
}

// RedisConfig holds connection settings for NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient opens a client and pings it.
func NewRedisClient(ctx context.Context, rc RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", rc.Addr, err)
	}
	return client, nil
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisClock replaces time.Now. All processes sharing a log should
// have reasonably synchronised clocks.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) { l.now = now }
}

// WithKeyPrefix namespaces the sorted-set keys. Default "visiongate:rl:".
func WithKeyPrefix(p string) RedisOption {
	return func(l *RedisLimiter) { l.prefix = p }
}

// NewRedisLimiter creates a limiter over an existing client.
func NewRedisLimiter(client redis.UniversalClient, cfg Config, opts ...RedisOption) (*RedisLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &RedisLimiter{
		client: client,
		cfg:    cfg,
		prefix: "visiongate:rl:",
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Allow implements Limiter. Redis failures are returned to the caller.
func (l *RedisLimiter) Allow(ctx context.Context, client string) (Result, error) {
	now := l.now().UnixMilli()
	windowMs := l.cfg.Window.Milliseconds()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	vals, err := slidingWindow.Run(ctx, l.client,
		[]string{l.prefix + client},
		now, windowMs, l.cfg.Limit, member,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit script: unexpected reply %v", vals)
	}

	return Result{
		Allowed:    vals[0] == 1,
		Limit:      l.cfg.Limit,
		Remaining:  int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}
