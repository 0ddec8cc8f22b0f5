package models

import "time"

// SyncType selects the fetch scope of a run.
type SyncType string

const (
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeFull        SyncType = "full"
	SyncTypeForced      SyncType = "forced"
	SyncTypeRecovery    SyncType = "recovery"
)

// IsFullScope reports whether the run ignores the checkpoint and fetches the whole collection.
func (t SyncType) IsFullScope() bool {
	return t == SyncTypeFull || t == SyncTypeForced || t == SyncTypeRecovery
}

// Valid reports whether t is one of the known sync types.
func (t SyncType) Valid() bool {
	switch t {
	case SyncTypeIncremental, SyncTypeFull, SyncTypeForced, SyncTypeRecovery:
		return true
	}
	return false
}

// SyncStatus is the lifecycle state of a run.
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusPartial   SyncStatus = "partial"
)

// EntityType names a synchronized remote entity kind.
type EntityType string

const (
	EntityWorkflow  EntityType = "workflow"
	EntityExecution EntityType = "execution"
)

// HealthStatus classifies the result of a tenant liveness sweep.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

const (
	// DefaultBatchSize размер пачки элементов внутри одного прогона
	DefaultBatchSize = 50

	// DefaultMaxConcurrentTenants сколько тенантов синхронизируется одновременно
	DefaultMaxConcurrentTenants = 3

	// DefaultRateLimitPerSecond лимит исходящих вызовов на одно подключение
	DefaultRateLimitPerSecond = 10

	// DefaultPageSize размер страницы при листинге
	DefaultPageSize = 100

	// DefaultMaxTotal верхняя граница количества элементов за один листинг
	DefaultMaxTotal = 10000

	// DefaultMaxItemRetries после этого числа попыток элемент уходит в dead letter
	DefaultMaxItemRetries = 5

	// DefaultRetentionDays срок хранения истории выполнений
	DefaultRetentionDays = 30

	// DefaultHealthSampleSize сколько тенантов проверяется за один health check
	DefaultHealthSampleSize = 10

	// RetryBaseDelay базовая задержка очереди повторов
	RetryBaseDelay = 60 * time.Second

	// RetryMaxDelay максимальная задержка очереди повторов
	RetryMaxDelay = 3600 * time.Second

	// RecentActivityWindow окно "недавней активности" для приоритизации
	RecentActivityWindow = 24 * time.Hour
)
