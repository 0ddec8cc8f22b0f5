package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowsync/internal/config"
	"flowsync/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix = "flowsync:lock:"
	// DeadLetterKey is the redis list holding given-up retry entries.
	DeadLetterKey = "flowsync:deadletter"
)

// LockKey returns the run lock key of a tenant.
func LockKey(tenantID string) string {
	return lockKeyPrefix + tenantID
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// снимаем лок только если он всё ещё наш
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLockHeld)
	}
	return &Lease{Key: key, Token: token, release: r.release}, nil
}

func (r *RedisLocker) release(ctx context.Context, l *Lease) error {
	if err := releaseScript.Run(ctx, r.client, []string{l.Key}, l.Token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", l.Key, err)
	}
	return nil
}

// RedisDeadLetters keeps given-up retry entries in a capped redis list, newest first.
type RedisDeadLetters struct {
	client *redis.Client
	key    string
	max    int64
}

func NewRedisDeadLetters(client *redis.Client, capacity int) *RedisDeadLetters {
	if capacity <= 0 {
		capacity = defaultDeadLetterCap
	}
	return &RedisDeadLetters{client: client, key: DeadLetterKey, max: int64(capacity)}
}

func (r *RedisDeadLetters) PushDeadLetter(ctx context.Context, entry models.RetryEntry) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, r.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

func (r *RedisDeadLetters) ListDeadLetters(ctx context.Context, limit int) ([]models.RetryEntry, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if limit <= 0 {
		limit = int(r.max)
	}
	vals, err := r.client.LRange(ctx, r.key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]models.RetryEntry, 0, len(vals))
	for _, v := range vals {
		var e models.RetryEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
