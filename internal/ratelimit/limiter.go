// Package ratelimit bounds the rate of outbound calls made over one tenant connection.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultWindow is the trailing window the call budget applies to.
	DefaultWindow = time.Second
	// DefaultBuffer is added to every computed wait so a call never lands on the window edge.
	DefaultBuffer = 10 * time.Millisecond
)

// Clock abstracts time for the limiter.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limiter keeps the timestamps of calls inside the trailing window and
// suspends callers until the window has room.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	buffer time.Duration
	clock  Clock
	calls  []time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithBuffer overrides the safety buffer.
func WithBuffer(d time.Duration) Option {
	return func(l *Limiter) { l.buffer = d }
}

// New builds a limiter allowing maxPerSecond calls in any trailing second.
// maxPerSecond <= 0 disables throttling.
func New(maxPerSecond int, opts ...Option) *Limiter {
	l := &Limiter{
		max:    maxPerSecond,
		window: DefaultWindow,
		buffer: DefaultBuffer,
		clock:  realClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.max > 0 {
		l.calls = make([]time.Time, 0, l.max)
	}
	return l
}

// Throttle returns once the call may be dispatched and records it.
func (l *Limiter) Throttle(ctx context.Context) error {
	if l == nil || l.max <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.calls = trimBefore(l.calls, now.Add(-l.window))
		if len(l.calls) < l.max {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.calls[0]) + l.buffer
		l.mu.Unlock()

		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// InFlight returns the number of calls recorded in the current window.
func (l *Limiter) InFlight() int {
	if l == nil || l.max <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = trimBefore(l.calls, l.clock.Now().Add(-l.window))
	return len(l.calls)
}

// trimBefore drops timestamps at or before cutoff; calls is ordered ascending.
func trimBefore(calls []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(calls) && !calls[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return calls
	}
	return append(calls[:0], calls[idx:]...)
}
