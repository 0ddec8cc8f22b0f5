package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestThrottleWindowProperty(t *testing.T) {
	for _, limit := range []int{1, 3, 5, 10} {
		clock := newFakeClock()
		l := New(limit, WithClock(clock))

		var stamps []time.Time
		for i := 0; i < 57; i++ {
			require.NoError(t, l.Throttle(context.Background()))
			stamps = append(stamps, clock.Now())
			// uneven spacing between calls
			clock.Advance(time.Duration(i%4) * 70 * time.Millisecond)
		}

		for i := range stamps {
			count := 0
			end := stamps[i].Add(time.Second)
			for _, s := range stamps[i:] {
				if s.Before(end) {
					count++
				}
			}
			if count > limit {
				t.Fatalf("limit=%d: window starting at call %d holds %d calls", limit, i, count)
			}
		}
	}
}

func TestThrottleWaitComputation(t *testing.T) {
	clock := newFakeClock()
	l := New(2, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, l.Throttle(ctx))
	clock.Advance(300 * time.Millisecond)
	require.NoError(t, l.Throttle(ctx))
	assert.Empty(t, clock.sleeps, "calls under the limit must not wait")

	clock.Advance(100 * time.Millisecond)
	require.NoError(t, l.Throttle(ctx))

	require.Len(t, clock.sleeps, 1)
	// 1000 - (400 - 0) + buffer
	assert.Equal(t, 600*time.Millisecond+DefaultBuffer, clock.sleeps[0])
	assert.Equal(t, 2, l.InFlight())
}

func TestThrottleDisabled(t *testing.T) {
	clock := newFakeClock()
	l := New(0, WithClock(clock))
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Throttle(context.Background()))
	}
	assert.Empty(t, clock.sleeps)

	var nilLimiter *Limiter
	assert.NoError(t, nilLimiter.Throttle(context.Background()))
}

func TestThrottleHonorsContext(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Throttle(ctx))

	cancel()
	err := l.Throttle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThrottleConcurrentRealClock(t *testing.T) {
	l := New(5, WithBuffer(5*time.Millisecond))
	ctx := context.Background()

	var (
		mu     sync.Mutex
		stamps []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Throttle(ctx); err != nil {
				t.Errorf("throttle: %v", err)
				return
			}
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, stamps, 8)
	var first, last time.Time
	for i, s := range stamps {
		if i == 0 || s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), 900*time.Millisecond)
}
