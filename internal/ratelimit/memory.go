package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps a timestamp log per client in process memory.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	logs map[string][]time.Time
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithMemoryClock replaces time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config, opts ...MemoryOption) (*MemoryLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &MemoryLimiter{
		cfg:  cfg,
		now:  time.Now,
		logs: make(map[string][]time.Time),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Allow implements Limiter. It never returns an error.
func (l *MemoryLimiter) Allow(_ context.Context, client string) (Result, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.prune(l.logs[client], now)
	res := Result{Limit: l.cfg.Limit}
	if len(log) >= l.cfg.Limit {
		l.logs[client] = log
		res.RetryAfter = log[0].Add(l.cfg.Window).Sub(now)
		return res, nil
	}

	log = append(log, now)
	l.logs[client] = log
	res.Allowed = true
	res.Remaining = l.cfg.Limit - len(log)
	return res, nil
}

// prune drops timestamps that have left the window. log is ascending.
func (l *MemoryLimiter) prune(log []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	// Copy down so the backing array doesn't grow without bound.
	n := copy(log, log[i:])
	return log[:n]
}

// Sweep forgets clients with no timestamps left in the window.
func (l *MemoryLimiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for client, log := range l.logs {
		if log = l.prune(log, now); len(log) == 0 {
			delete(l.logs, client)
			removed++
		} else {
			l.logs[client] = log
		}
	}
	return removed
}

// Run sweeps idle clients every interval until ctx is cancelled.
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Clients returns the number of tracked clients.
func (l *MemoryLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logs)
}
