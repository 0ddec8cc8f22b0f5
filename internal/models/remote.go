package models

import (
	"encoding/json"
	"time"
)

// Workflow is the validated representation of a remote workflow.
type Workflow struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Active          bool         `json:"active"`
	Tags            []string     `json:"tags,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	LastExecutionAt *time.Time   `json:"last_execution_at,omitempty"`
	Nodes           []Node       `json:"nodes,omitempty"`
	Connections     []Connection `json:"connections,omitempty"`
}

// Node is one step of a workflow graph.
type Node struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	TypeVersion float64         `json:"type_version"`
	PositionX   float64         `json:"position_x"`
	PositionY   float64         `json:"position_y"`
	Disabled    bool            `json:"disabled"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Connection is a directed edge between two workflow nodes.
type Connection struct {
	SourceNode   string `json:"source_node"`
	SourceOutput int    `json:"source_output"`
	TargetNode   string `json:"target_node"`
	TargetInput  int    `json:"target_input"`
	Type         string `json:"type"`
}

// Execution is the validated representation of a remote workflow execution.
type Execution struct {
	ID          string       `json:"id"`
	WorkflowID  string       `json:"workflow_id"`
	Status      string       `json:"status"`
	Mode        string       `json:"mode"`
	Finished    bool         `json:"finished"`
	StartedAt   time.Time    `json:"started_at"`
	StoppedAt   *time.Time   `json:"stopped_at,omitempty"`
	NodeResults []NodeResult `json:"node_results,omitempty"`
}

// ModifiedAt is the timestamp used for incremental filtering.
func (e *Execution) ModifiedAt() time.Time {
	if e.StoppedAt != nil && !e.StoppedAt.IsZero() {
		return *e.StoppedAt
	}
	return e.StartedAt
}

// NodeResult is the run data of one node inside an execution.
type NodeResult struct {
	NodeName        string    `json:"node_name"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	ItemCount       int       `json:"item_count"`
	Error           string    `json:"error,omitempty"`
}
