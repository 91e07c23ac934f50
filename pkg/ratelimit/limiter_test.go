package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiterRejectsOverLimitWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(3, time.Minute, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("10.0.0.1")
		require.True(t, ok, "request %d should pass", i+1)
		clock.Advance(time.Second)
	}
	ok, retryAfter := l.Allow("10.0.0.1")
	require.False(t, ok)
	require.Equal(t, 57*time.Second, retryAfter)

	ok, _ = l.Allow("10.0.0.2")
	require.True(t, ok, "other clients have their own window")
}

func TestLimiterAcceptsAgainAfterWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(2, time.Minute, WithClock(clock.Now))

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow("c")
		require.True(t, ok)
	}
	ok, _ := l.Allow("c")
	require.False(t, ok)

	clock.Advance(time.Minute + time.Millisecond)
	ok, _ = l.Allow("c")
	require.True(t, ok)
}

func TestLimiterRejectedRequestsDoNotExtendWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(1, 10*time.Second, WithClock(clock.Now))

	ok, _ := l.Allow("c")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		ok, _ = l.Allow("c")
		require.False(t, ok)
	}
	clock.Advance(5 * time.Second)
	ok, _ = l.Allow("c")
	require.True(t, ok)
}

func TestLimiterDisabled(t *testing.T) {
	l := New(0, time.Minute)
	require.False(t, l.Enabled())
	for i := 0; i < 100; i++ {
		ok, _ := l.Allow("c")
		require.True(t, ok)
	}
}

func TestLimiterConcurrentAllow(t *testing.T) {
	l := New(50, time.Hour)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("shared"); ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, accepted)
}

func TestLimiterSweepsIdleClients(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(5, time.Minute, WithClock(clock.Now))
	l.Allow("a")
	l.Allow("b")
	require.Equal(t, 2, l.Clients())

	clock.Advance(30 * time.Second)
	l.Allow("b")
	clock.Advance(31 * time.Second)
	require.Equal(t, 1, l.windows.Sweep(clock.Now()))
	require.Equal(t, 1, l.Clients())
}
