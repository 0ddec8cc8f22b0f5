package models

import "time"

// WorkflowRow is the stored shape of a workflow.
type WorkflowRow struct {
	ID              int64
	TenantID        string
	RemoteID        string
	Name            string
	Active          bool
	Tags            string
	NodeCount       int
	RemoteCreatedAt time.Time
	RemoteUpdatedAt time.Time
	SyncedAt        time.Time
}

// WorkflowNodeRow is a stored workflow node.
type WorkflowNodeRow struct {
	NodeID      string
	Name        string
	Type        string
	TypeVersion float64
	PositionX   float64
	PositionY   float64
	Disabled    bool
	Parameters  string
}

// WorkflowConnectionRow is a stored edge of the workflow graph.
type WorkflowConnectionRow struct {
	SourceNode     string
	SourceOutput   int
	TargetNode     string
	TargetInput    int
	ConnectionType string
}

// WorkflowRecord is a workflow with all of its dependent rows.
type WorkflowRecord struct {
	Workflow    WorkflowRow
	Nodes       []WorkflowNodeRow
	Connections []WorkflowConnectionRow
}

// ExecutionRow is the stored shape of an execution.
type ExecutionRow struct {
	ID               int64
	TenantID         string
	RemoteID         string
	WorkflowRemoteID string
	Status           string
	Mode             string
	Finished         bool
	StartedAt        time.Time
	StoppedAt        *time.Time
	DurationMs       int64
	SyncedAt         time.Time
}

// ExecutionNodeResultRow is the stored per-node result of an execution.
type ExecutionNodeResultRow struct {
	NodeName        string
	Status          string
	StartedAt       time.Time
	ExecutionTimeMs int64
	ItemCount       int
	Error           string
}

// ExecutionRecord is an execution with all of its dependent rows.
type ExecutionRecord struct {
	Execution   ExecutionRow
	NodeResults []ExecutionNodeResultRow
}

// UpsertOutcome tells whether an upsert inserted or updated the parent row.
type UpsertOutcome struct {
	Created      bool
	DBOperations int
}
