package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowsync/internal/models"

	"github.com/google/uuid"
)

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is the in-process Locker used without redis.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock), now: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.locks[key]; ok && now.Before(l.expiresAt) {
		return nil, fmt.Errorf("%s: %w", key, ErrLockHeld)
	}
	token := uuid.NewString()
	m.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return &Lease{Key: key, Token: token, release: m.release}, nil
}

func (m *MemoryLocker) release(_ context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.locks[l.Key]; ok && cur.token == l.Token {
		delete(m.locks, l.Key)
	}
	return nil
}

// MemoryDeadLetters is a capped in-process dead-letter list, newest first.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	entries []models.RetryEntry
	max     int
}

func NewMemoryDeadLetters(capacity int) *MemoryDeadLetters {
	if capacity <= 0 {
		capacity = defaultDeadLetterCap
	}
	return &MemoryDeadLetters{max: capacity}
}

func (m *MemoryDeadLetters) PushDeadLetter(_ context.Context, entry models.RetryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]models.RetryEntry{entry}, m.entries...)
	if len(m.entries) > m.max {
		m.entries = m.entries[:m.max]
	}
	return nil
}

func (m *MemoryDeadLetters) ListDeadLetters(_ context.Context, limit int) ([]models.RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	return append([]models.RetryEntry(nil), m.entries[:limit]...), nil
}
