package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"flowsync/internal/models"
)

// flexID accepts both string and numeric identifiers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type wireTag struct {
	ID   flexID `json:"id"`
	Name string `json:"name"`
}

type wireNode struct {
	ID          *string         `json:"id"`
	Name        *string         `json:"name"`
	Type        *string         `json:"type"`
	TypeVersion *float64        `json:"typeVersion"`
	Position    []float64       `json:"position"`
	Disabled    *bool           `json:"disabled"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireEdge struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type wireWorkflow struct {
	ID             flexID                             `json:"id"`
	Name           *string                            `json:"name"`
	Active         *bool                              `json:"active"`
	CreatedAt      *time.Time                         `json:"createdAt"`
	UpdatedAt      *time.Time                         `json:"updatedAt"`
	LastExecutedAt *time.Time                         `json:"lastExecutedAt"`
	Tags           []wireTag                          `json:"tags"`
	Nodes          []wireNode                         `json:"nodes"`
	Connections    map[string]map[string][][]wireEdge `json:"connections"`
}

func (w *wireWorkflow) toModel() (models.Workflow, error) {
	id := strings.TrimSpace(string(w.ID))
	if id == "" {
		return models.Workflow{}, fmt.Errorf("%w: workflow without id", ErrInvalidPayload)
	}

	wf := models.Workflow{
		ID:              id,
		Name:            deref(w.Name),
		Active:          w.Active != nil && *w.Active,
		LastExecutionAt: w.LastExecutedAt,
	}
	if w.CreatedAt != nil {
		wf.CreatedAt = w.CreatedAt.UTC()
	}
	wf.UpdatedAt = wf.CreatedAt
	if w.UpdatedAt != nil {
		wf.UpdatedAt = w.UpdatedAt.UTC()
	}

	for _, tag := range w.Tags {
		if name := strings.TrimSpace(tag.Name); name != "" {
			wf.Tags = append(wf.Tags, name)
		}
	}

	for i, n := range w.Nodes {
		name := strings.TrimSpace(deref(n.Name))
		if name == "" {
			return models.Workflow{}, fmt.Errorf("%w: workflow %s node %d without name", ErrInvalidPayload, id, i)
		}
		node := models.Node{
			ID:         deref(n.ID),
			Name:       name,
			Type:       deref(n.Type),
			Disabled:   n.Disabled != nil && *n.Disabled,
			Parameters: n.Parameters,
		}
		if n.TypeVersion != nil {
			node.TypeVersion = *n.TypeVersion
		}
		if len(n.Position) >= 2 {
			node.PositionX, node.PositionY = n.Position[0], n.Position[1]
		}
		wf.Nodes = append(wf.Nodes, node)
	}

	sources := make([]string, 0, len(w.Connections))
	for src := range w.Connections {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		byType := w.Connections[src]
		types := make([]string, 0, len(byType))
		for typ := range byType {
			types = append(types, typ)
		}
		sort.Strings(types)
		for _, typ := range types {
			for output, edges := range byType[typ] {
				for _, e := range edges {
					if e.Node == "" {
						continue
					}
					connType := e.Type
					if connType == "" {
						connType = typ
					}
					wf.Connections = append(wf.Connections, models.Connection{
						SourceNode:   src,
						SourceOutput: output,
						TargetNode:   e.Node,
						TargetInput:  e.Index,
						Type:         connType,
					})
				}
			}
		}
	}

	return wf, nil
}

type wireTaskError struct {
	Message string `json:"message"`
}

type wireTaskData struct {
	StartTime       int64                          `json:"startTime"`
	ExecutionTime   int64                          `json:"executionTime"`
	ExecutionStatus string                         `json:"executionStatus"`
	Data            map[string][][]json.RawMessage `json:"data"`
	Error           *wireTaskError                 `json:"error"`
}

type wireExecution struct {
	ID         flexID     `json:"id"`
	WorkflowID flexID     `json:"workflowId"`
	Status     *string    `json:"status"`
	Mode       *string    `json:"mode"`
	Finished   *bool      `json:"finished"`
	StartedAt  *time.Time `json:"startedAt"`
	StoppedAt  *time.Time `json:"stoppedAt"`
	Data       *struct {
		ResultData struct {
			RunData map[string][]wireTaskData `json:"runData"`
		} `json:"resultData"`
	} `json:"data"`
}

func (w *wireExecution) toModel() (models.Execution, error) {
	id := strings.TrimSpace(string(w.ID))
	if id == "" {
		return models.Execution{}, fmt.Errorf("%w: execution without id", ErrInvalidPayload)
	}
	if w.StartedAt == nil || w.StartedAt.IsZero() {
		return models.Execution{}, fmt.Errorf("%w: execution %s without startedAt", ErrInvalidPayload, id)
	}

	ex := models.Execution{
		ID:         id,
		WorkflowID: string(w.WorkflowID),
		Status:     deref(w.Status),
		Mode:       deref(w.Mode),
		Finished:   w.Finished != nil && *w.Finished,
		StartedAt:  w.StartedAt.UTC(),
	}
	if w.StoppedAt != nil && !w.StoppedAt.IsZero() {
		stopped := w.StoppedAt.UTC()
		ex.StoppedAt = &stopped
	}
	if ex.Status == "" {
		if ex.Finished {
			ex.Status = "success"
		} else {
			ex.Status = "unknown"
		}
	}

	if w.Data == nil {
		return ex, nil
	}
	names := make([]string, 0, len(w.Data.ResultData.RunData))
	for name := range w.Data.ResultData.RunData {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, task := range w.Data.ResultData.RunData[name] {
			res := models.NodeResult{
				NodeName:        name,
				Status:          task.ExecutionStatus,
				ExecutionTimeMs: task.ExecutionTime,
			}
			if task.StartTime > 0 {
				res.StartedAt = time.UnixMilli(task.StartTime).UTC()
			}
			for _, outputs := range task.Data {
				for _, items := range outputs {
					res.ItemCount += len(items)
				}
			}
			if task.Error != nil {
				res.Error = task.Error.Message
				if res.Status == "" {
					res.Status = "error"
				}
			}
			if res.Status == "" {
				res.Status = "success"
			}
			ex.NodeResults = append(ex.NodeResults, res)
		}
	}
	return ex, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
