// Package ratelimit is an in-process sliding-window admission gate. It damps
// abuse per client; it is not an accounting system and is not shared between
// processes.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/lkarlslund/zimageproxy/pkg/cache"
)

type Limiter struct {
	limit   int
	window  time.Duration
	windows *cache.TTLMap[string, []time.Time]
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a limiter admitting limit requests per window for each client.
// A limit <= 0 admits everything.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		limit:   limit,
		window:  window,
		windows: cache.NewTTLMap[string, []time.Time](),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.limit > 0
}

// Allow prunes the client's window, rejects when it is full and otherwise
// records the request. On rejection it reports when the oldest entry leaves
// the window.
func (l *Limiter) Allow(clientID string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	now := l.now()
	cutoff := now.Add(-l.window)
	allowed := false
	var retryAfter time.Duration
	l.windows.Update(clientID, now, func(stamps []time.Time, _ bool) ([]time.Time, time.Time) {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) >= l.limit {
			retryAfter = kept[0].Add(l.window).Sub(now)
			return kept, kept[len(kept)-1].Add(l.window)
		}
		allowed = true
		kept = append(kept, now)
		return kept, now.Add(l.window)
	})
	return allowed, retryAfter
}

// Clients reports how many client windows are currently tracked.
func (l *Limiter) Clients() int {
	if l == nil {
		return 0
	}
	return l.windows.Len()
}

// Run sweeps idle client windows until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	if !l.Enabled() {
		return
	}
	t := time.NewTicker(l.window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.windows.Sweep(l.now()); n > 0 {
				slog.Debug("rate limiter swept idle clients", "removed", n)
			}
		}
	}
}
