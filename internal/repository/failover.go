// Package repository holds the redis-backed run locks and dead-letter list,
// with in-process fallbacks.
package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"flowsync/internal/models"

	"github.com/rs/zerolog"
)

// ErrLockHeld is returned when another run owns the lock.
var ErrLockHeld = errors.New("lock is held")

const (
	defaultDeadLetterCap = 1000
	recoveryInterval     = time.Minute
)

// Lease is an acquired lock.
type Lease struct {
	Key     string
	Token   string
	release func(ctx context.Context, l *Lease) error
}

// Release frees the lock if it is still owned by this lease.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx, l)
}

// Locker hands out expiring exclusive leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// DeadLetterStore keeps retry entries that were given up on.
type DeadLetterStore interface {
	PushDeadLetter(ctx context.Context, entry models.RetryEntry) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.RetryEntry, error)
}

// failover tracks whether the primary backend is usable.
type failover struct {
	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
	logger    *zerolog.Logger
	now       func() time.Time
}

// usePrimary is true while the primary is up, and once per recoveryInterval
// while it is down so that it can be probed.
func (f *failover) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.now().Sub(f.lastCheck) > recoveryInterval {
		f.lastCheck = f.now()
		return true
	}
	return false
}

func (f *failover) fail(err error, what string) {
	if !f.isDown.Swap(true) {
		f.logger.Error().Err(err).Msgf("Primary %s failed, falling back to memory", what)
	}
	f.mu.Lock()
	f.lastCheck = f.now()
	f.mu.Unlock()
}

func (f *failover) recover(what string) {
	if f.isDown.Swap(false) {
		f.logger.Info().Msgf("Primary %s recovered", what)
	}
}

// FailoverLocker uses the primary locker and falls back on backend errors.
// A held lock is an answer, not a failure.
type FailoverLocker struct {
	primary  Locker
	fallback Locker
	state    failover
}

func NewFailoverLocker(primary, fallback Locker, logger *zerolog.Logger) *FailoverLocker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverLocker{
		primary:  primary,
		fallback: fallback,
		state:    failover{logger: logger, now: time.Now},
	}
}

func (r *FailoverLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if r.state.usePrimary() {
		lease, err := r.primary.Acquire(ctx, key, ttl)
		if err == nil || errors.Is(err, ErrLockHeld) {
			r.state.recover("lock store")
			return lease, err
		}
		r.state.fail(err, "lock store")
	}
	return r.fallback.Acquire(ctx, key, ttl)
}

// FailoverDeadLetters writes to the primary list and falls back on errors.
type FailoverDeadLetters struct {
	primary  DeadLetterStore
	fallback DeadLetterStore
	state    failover
}

func NewFailoverDeadLetters(primary, fallback DeadLetterStore, logger *zerolog.Logger) *FailoverDeadLetters {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverDeadLetters{
		primary:  primary,
		fallback: fallback,
		state:    failover{logger: logger, now: time.Now},
	}
}

func (r *FailoverDeadLetters) PushDeadLetter(ctx context.Context, entry models.RetryEntry) error {
	if r.state.usePrimary() {
		err := r.primary.PushDeadLetter(ctx, entry)
		if err == nil {
			r.state.recover("dead letter store")
			return nil
		}
		r.state.fail(err, "dead letter store")
	}
	return r.fallback.PushDeadLetter(ctx, entry)
}

// ListDeadLetters returns the primary list followed by anything buffered in memory.
func (r *FailoverDeadLetters) ListDeadLetters(ctx context.Context, limit int) ([]models.RetryEntry, error) {
	local, err := r.fallback.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	if !r.state.usePrimary() {
		return local, nil
	}
	remote, err := r.primary.ListDeadLetters(ctx, limit)
	if err != nil {
		r.state.fail(err, "dead letter store")
		return local, nil
	}
	r.state.recover("dead letter store")
	out := append(remote, local...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
