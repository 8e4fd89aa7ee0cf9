// Package ratelimit enforces a minimum delay between requests to the same
// network host. One Limiter instance is shared across the pipeline; state is
// per-host, so fetches against different hosts never block each other.
package ratelimit

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// Limiter tracks the last request instant per host.
type Limiter struct {
	mu     sync.Mutex
	last   map[string]time.Time
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Limiter.
func New(logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		last:   make(map[string]time.Time),
		now:    time.Now,
		logger: logger,
	}
}

// Wait blocks until at least delay has elapsed since the previous request to
// rawURL's host, then records the new request instant. Returns early with the
// context's error if ctx is cancelled during the wait.
func (l *Limiter) Wait(ctx context.Context, rawURL string, delay time.Duration) error {
	host := hostOf(rawURL)

	l.mu.Lock()
	now := l.now()
	wait := delay - now.Sub(l.last[host])
	if wait < 0 {
		wait = 0
	}
	// Reserve the slot before sleeping so a concurrent caller for the same
	// host queues behind this request instead of racing it.
	l.last[host] = now.Add(wait)
	l.mu.Unlock()

	if wait == 0 {
		return nil
	}

	l.logger.Debug("ratelimit: waiting", "host", host, "wait", wait.Round(100*time.Millisecond))

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
