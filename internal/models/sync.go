package models

import (
	"time"
)

// ActiveRun describes the run currently owning a tenant's checkpoint.
type ActiveRun struct {
	RunID     string     `json:"run_id"`
	Type      SyncType   `json:"type"`
	Status    SyncStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	Progress  int        `json:"progress"`
}

// SyncCheckpoint is the persisted sync progress of one tenant.
type SyncCheckpoint struct {
	TenantID                 string     `json:"tenant_id"`
	LastWorkflowSyncAt       *time.Time `json:"last_workflow_sync_at,omitempty"`
	LastExecutionSyncAt      *time.Time `json:"last_execution_sync_at,omitempty"`
	LastFullSyncAt           *time.Time `json:"last_full_sync_at,omitempty"`
	LastProcessedWorkflowID  string     `json:"last_processed_workflow_id,omitempty"`
	LastProcessedExecutionID string     `json:"last_processed_execution_id,omitempty"`
	TotalSyncs               int64      `json:"total_syncs"`
	SuccessfulSyncs          int64      `json:"successful_syncs"`
	FailedSyncs              int64      `json:"failed_syncs"`
	ActiveRun                *ActiveRun `json:"active_run,omitempty"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers can't mutate shared state.
func (c *SyncCheckpoint) Clone() *SyncCheckpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.LastWorkflowSyncAt = cloneTime(c.LastWorkflowSyncAt)
	out.LastExecutionSyncAt = cloneTime(c.LastExecutionSyncAt)
	out.LastFullSyncAt = cloneTime(c.LastFullSyncAt)
	if c.ActiveRun != nil {
		run := *c.ActiveRun
		out.ActiveRun = &run
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RetryEntry is a per-item failure waiting for a scheduled re-attempt.
type RetryEntry struct {
	ID          int64      `json:"id"`
	TenantID    string     `json:"tenant_id"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error"`
	NextRetryAt time.Time  `json:"next_retry_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RetryKey uniquely identifies a retry entry inside one tenant.
type RetryKey struct {
	EntityType EntityType
	EntityID   string
}

// Key returns the unique key of the entry.
func (e *RetryEntry) Key() RetryKey {
	return RetryKey{EntityType: e.EntityType, EntityID: e.EntityID}
}

// SyncError is one per-item (or aggregate) failure surfaced by a run.
type SyncError struct {
	Entity    EntityType `json:"entity"`
	EntityID  string     `json:"entity_id"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// CategoryCounters are the per-entity counters of a run.
type CategoryCounters struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
}

// Add folds other into c.
func (c *CategoryCounters) Add(other CategoryCounters) {
	c.Processed += other.Processed
	c.Created += other.Created
	c.Updated += other.Updated
	c.Failed += other.Failed
}

// SyncResult summarizes one orchestrator run.
type SyncResult struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	Type         SyncType         `json:"type"`
	Status       SyncStatus       `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
	Duration     time.Duration    `json:"duration"`
	Workflows    CategoryCounters `json:"workflows"`
	Executions   CategoryCounters `json:"executions"`
	APICalls     int              `json:"api_calls"`
	DBOperations int              `json:"db_operations"`
	Errors       []SyncError      `json:"errors,omitempty"`
}

// Counters returns the counters for an entity kind.
func (r *SyncResult) Counters(entity EntityType) *CategoryCounters {
	if entity == EntityExecution {
		return &r.Executions
	}
	return &r.Workflows
}

// TotalFailed is the number of failed items across both categories.
func (r *SyncResult) TotalFailed() int {
	return r.Workflows.Failed + r.Executions.Failed
}

// TenantOutcome is the settled result of one tenant inside a coordinator run.
type TenantOutcome struct {
	TenantID   string      `json:"tenant_id"`
	TenantName string      `json:"tenant_name"`
	Status     SyncStatus  `json:"status"`
	Result     *SyncResult `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// TenantError is a tenant-level failure captured by the coordinator.
type TenantError struct {
	TenantID string `json:"tenant_id"`
	Message  string `json:"message"`
}

// MultiTenantSyncResult aggregates one coordinator run across tenants.
type MultiTenantSyncResult struct {
	TotalTenants        int             `json:"total_tenants"`
	SuccessfulTenants   int             `json:"successful_tenants"`
	PartialTenants      int             `json:"partial_tenants"`
	FailedTenants       int             `json:"failed_tenants"`
	WorkflowsProcessed  int             `json:"workflows_processed"`
	ExecutionsProcessed int             `json:"executions_processed"`
	Tenants             []TenantOutcome `json:"tenants"`
	Errors              []TenantError   `json:"errors,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	Duration            time.Duration   `json:"duration"`
}

// Record folds a settled tenant outcome into the aggregate.
func (m *MultiTenantSyncResult) Record(outcome TenantOutcome) {
	m.Tenants = append(m.Tenants, outcome)
	switch outcome.Status {
	case SyncStatusCompleted:
		m.SuccessfulTenants++
	case SyncStatusPartial:
		m.PartialTenants++
	default:
		m.FailedTenants++
	}
	if outcome.Error != "" {
		m.Errors = append(m.Errors, TenantError{TenantID: outcome.TenantID, Message: outcome.Error})
	}
	if outcome.Result != nil {
		m.WorkflowsProcessed += outcome.Result.Workflows.Processed
		m.ExecutionsProcessed += outcome.Result.Executions.Processed
	}
}

// ProbeResult is one tenant's liveness probe outcome.
type ProbeResult struct {
	TenantID string        `json:"tenant_id"`
	OK       bool          `json:"ok"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
}

// HealthReport is the outcome of a sampled liveness sweep.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Checked   int           `json:"checked"`
	Passed    int           `json:"passed"`
	Probes    []ProbeResult `json:"probes"`
	CheckedAt time.Time     `json:"checked_at"`
	Note      string        `json:"note,omitempty"`
}

// CleanupReport is the outcome of a retention sweep.
type CleanupReport struct {
	Tenants           int       `json:"tenants"`
	ExecutionsDeleted int64     `json:"executions_deleted"`
	HistoryDeleted    int64     `json:"history_deleted"`
	Failed            []string  `json:"failed,omitempty"`
	Cutoff            time.Time `json:"cutoff"`
}
