package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewRedisClient(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLimiterWindow(t *testing.T) {
	_, client := newTestRedis(t)
	clock := newClock()
	l, err := NewRedisLimiter(client, DefaultConfig(), WithRedisClock(clock.Now))
	require.NoError(t, err)

	runWindowScenario(t, l, clock)
}

func TestRedisLimiterSharedAcrossInstances(t *testing.T) {
	_, client := newTestRedis(t)
	clock := newClock()
	cfg := Config{Limit: 3, Window: time.Minute}
	a, _ := NewRedisLimiter(client, cfg, WithRedisClock(clock.Now))
	b, _ := NewRedisLimiter(client, cfg, WithRedisClock(clock.Now))
	ctx := context.Background()

	for _, l := range []*RedisLimiter{a, b, a} {
		res, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := b.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "fourth request across instances should be rejected")
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestRedisLimiterSetsExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	l, _ := NewRedisLimiter(client, Config{Limit: 5, Window: 10 * time.Second}, WithKeyPrefix("test:"))

	_, err := l.Allow(context.Background(), "c1")
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:c1"))
	assert.Equal(t, 10*time.Second, mr.TTL("test:c1"))
}

func TestRedisLimiterConcurrent(t *testing.T) {
	_, client := newTestRedis(t)
	l, _ := NewRedisLimiter(client, Config{Limit: 20, Window: time.Hour})
	ctx := context.Background()

	var (
		mu       sync.Mutex
		admitted int
		wg       sync.WaitGroup
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Allow(ctx, "shared")
			if err == nil && res.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, admitted)
}

func TestRedisLimiterBackendDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	l, _ := NewRedisLimiter(client, DefaultConfig())
	mr.Close()

	_, err = l.Allow(context.Background(), "c1")
	assert.Error(t, err)
}

func TestNewRedisClientUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisClient(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
