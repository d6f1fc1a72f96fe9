// Package ratelimit implements per-client sliding-window log limiters.
//
// A request is admitted iff fewer than Limit requests from the same client
// were admitted within the trailing Window; admission records the request
// time. MemoryLimiter is exact for a single process only. RedisLimiter
// shares its log through Redis and is exact across every process that uses
// the same instance.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Defaults match a 60 requests per minute policy.
const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// Config is the limit policy shared by every implementation.
type Config struct {
	Limit  int
	Window time.Duration
}

// DefaultConfig returns the 60/min policy.
func DefaultConfig() Config {
	return Config{Limit: DefaultLimit, Window: DefaultWindow}
}

func (c Config) validate() error {
	if c.Limit <= 0 {
		return errors.New("ratelimit: limit must be positive")
	}
	if c.Window <= 0 {
		return errors.New("ratelimit: window must be positive")
	}
	return nil
}

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when Allowed
}

// Limiter decides whether a client may proceed.
type Limiter interface {
	Allow(ctx context.Context, client string) (Result, error)
}
