// Package transform maps validated remote entities onto store rows.
package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowsync/internal/models"
)

// ErrInvalidEntity is returned for entities that can't be stored.
var ErrInvalidEntity = errors.New("invalid entity")

// Transformer turns a remote entity into the rows persisted for it.
type Transformer interface {
	Workflow(tenantID string, wf *models.Workflow, syncedAt time.Time) (*models.WorkflowRecord, error)
	Execution(tenantID string, ex *models.Execution, syncedAt time.Time) (*models.ExecutionRecord, error)
}

// Default is the field-by-field mapping used by the service.
type Default struct{}

var _ Transformer = Default{}

// Workflow maps wf and its graph.
func (Default) Workflow(tenantID string, wf *models.Workflow, syncedAt time.Time) (*models.WorkflowRecord, error) {
	if wf == nil || wf.ID == "" {
		return nil, fmt.Errorf("%w: workflow without id", ErrInvalidEntity)
	}

	tags := wf.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	rec := &models.WorkflowRecord{
		Workflow: models.WorkflowRow{
			TenantID:        tenantID,
			RemoteID:        wf.ID,
			Name:            wf.Name,
			Active:          wf.Active,
			Tags:            string(tagsJSON),
			NodeCount:       len(wf.Nodes),
			RemoteCreatedAt: wf.CreatedAt.UTC(),
			RemoteUpdatedAt: wf.UpdatedAt.UTC(),
			SyncedAt:        syncedAt.UTC(),
		},
		Nodes:       make([]models.WorkflowNodeRow, 0, len(wf.Nodes)),
		Connections: make([]models.WorkflowConnectionRow, 0, len(wf.Connections)),
	}

	names := make(map[string]struct{}, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if _, dup := names[n.Name]; dup {
			return nil, fmt.Errorf("%w: workflow %s has duplicate node %q", ErrInvalidEntity, wf.ID, n.Name)
		}
		names[n.Name] = struct{}{}

		rec.Nodes = append(rec.Nodes, models.WorkflowNodeRow{
			NodeID:      n.ID,
			Name:        n.Name,
			Type:        n.Type,
			TypeVersion: n.TypeVersion,
			PositionX:   n.PositionX,
			PositionY:   n.PositionY,
			Disabled:    n.Disabled,
			Parameters:  compactJSON(n.Parameters),
		})
	}

	for _, c := range wf.Connections {
		// edges pointing at nodes outside the graph are dropped
		if _, ok := names[c.SourceNode]; !ok {
			continue
		}
		if _, ok := names[c.TargetNode]; !ok {
			continue
		}
		rec.Connections = append(rec.Connections, models.WorkflowConnectionRow{
			SourceNode:     c.SourceNode,
			SourceOutput:   c.SourceOutput,
			TargetNode:     c.TargetNode,
			TargetInput:    c.TargetInput,
			ConnectionType: c.Type,
		})
	}

	return rec, nil
}

// Execution maps ex and its per-node results.
func (Default) Execution(tenantID string, ex *models.Execution, syncedAt time.Time) (*models.ExecutionRecord, error) {
	if ex == nil || ex.ID == "" {
		return nil, fmt.Errorf("%w: execution without id", ErrInvalidEntity)
	}
	if ex.StartedAt.IsZero() {
		return nil, fmt.Errorf("%w: execution %s without start time", ErrInvalidEntity, ex.ID)
	}

	row := models.ExecutionRow{
		TenantID:         tenantID,
		RemoteID:         ex.ID,
		WorkflowRemoteID: ex.WorkflowID,
		Status:           ex.Status,
		Mode:             ex.Mode,
		Finished:         ex.Finished,
		StartedAt:        ex.StartedAt.UTC(),
		SyncedAt:         syncedAt.UTC(),
	}
	if ex.StoppedAt != nil {
		stopped := ex.StoppedAt.UTC()
		row.StoppedAt = &stopped
		if d := stopped.Sub(row.StartedAt); d > 0 {
			row.DurationMs = d.Milliseconds()
		}
	}

	rec := &models.ExecutionRecord{
		Execution:   row,
		NodeResults: make([]models.ExecutionNodeResultRow, 0, len(ex.NodeResults)),
	}
	for _, nr := range ex.NodeResults {
		rec.NodeResults = append(rec.NodeResults, models.ExecutionNodeResultRow{
			NodeName:        nr.NodeName,
			Status:          nr.Status,
			StartedAt:       nr.StartedAt.UTC(),
			ExecutionTimeMs: nr.ExecutionTimeMs,
			ItemCount:       nr.ItemCount,
			Error:           nr.Error,
		})
	}
	return rec, nil
}

func compactJSON(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "{}"
	}
	return buf.String()
}
