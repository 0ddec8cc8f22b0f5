package transform

import (
	"encoding/json"
	"testing"
	"time"

	"flowsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWorkflow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	wf := &models.Workflow{
		ID:        "wf-1",
		Name:      "Lead intake",
		Active:    true,
		Tags:      []string{"crm", "sales"},
		CreatedAt: now.Add(-48 * time.Hour),
		UpdatedAt: now.Add(-time.Hour),
		Nodes: []models.Node{
			{ID: "a", Name: "Webhook", Type: "webhook", Parameters: json.RawMessage(`{ "path" : "x" }`)},
			{ID: "b", Name: "Code", Type: "code"},
		},
		Connections: []models.Connection{
			{SourceNode: "Webhook", TargetNode: "Code", Type: "main"},
			{SourceNode: "Webhook", TargetNode: "Ghost", Type: "main"},
		},
	}

	rec, err := Default{}.Workflow("t1", wf, now)
	require.NoError(t, err)
	assert.Equal(t, "t1", rec.Workflow.TenantID)
	assert.Equal(t, "wf-1", rec.Workflow.RemoteID)
	assert.Equal(t, `["crm","sales"]`, rec.Workflow.Tags)
	assert.Equal(t, 2, rec.Workflow.NodeCount)
	assert.Equal(t, now, rec.Workflow.SyncedAt)
	require.Len(t, rec.Nodes, 2)
	assert.Equal(t, `{"path":"x"}`, rec.Nodes[0].Parameters)
	assert.Equal(t, "{}", rec.Nodes[1].Parameters)
	require.Len(t, rec.Connections, 1)
	assert.Equal(t, "Code", rec.Connections[0].TargetNode)
}

func TestDefaultWorkflowRejectsInvalid(t *testing.T) {
	_, err := Default{}.Workflow("t1", &models.Workflow{}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidEntity)

	_, err = Default{}.Workflow("t1", &models.Workflow{
		ID:    "wf",
		Nodes: []models.Node{{Name: "A"}, {Name: "A"}},
	}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidEntity)

	rec, err := Default{}.Workflow("t1", &models.Workflow{ID: "wf"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "[]", rec.Workflow.Tags)
}

func TestDefaultExecution(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	stopped := started.Add(1500 * time.Millisecond)
	ex := &models.Execution{
		ID:         "101",
		WorkflowID: "wf-1",
		Status:     "success",
		Finished:   true,
		StartedAt:  started,
		StoppedAt:  &stopped,
		NodeResults: []models.NodeResult{
			{NodeName: "Webhook", Status: "success", ItemCount: 2},
		},
	}

	rec, err := Default{}.Execution("t1", ex, started.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1500), rec.Execution.DurationMs)
	assert.Equal(t, "wf-1", rec.Execution.WorkflowRemoteID)
	require.Len(t, rec.NodeResults, 1)
	assert.Equal(t, 2, rec.NodeResults[0].ItemCount)

	_, err = Default{}.Execution("t1", &models.Execution{ID: "x"}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidEntity)
}
