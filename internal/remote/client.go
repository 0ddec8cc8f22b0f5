// Package remote talks to a tenant's workflow-automation engine over its public REST API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flowsync/internal/models"
)

const (
	apiKeyHeader   = "X-N8N-API-KEY"
	apiPrefix      = "/api/v1"
	healthPath     = "/healthz"
	maxErrorBody   = 512
	defaultTimeout = 30 * time.Second
)

// ErrInvalidPayload is returned when a response body can't be decoded into a valid entity.
var ErrInvalidPayload = errors.New("invalid remote payload")

// StatusError is a non-2xx response from the remote engine.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Throttler suspends a caller until an outbound call may be dispatched.
type Throttler interface {
	Throttle(ctx context.Context) error
}

// Client is a thin API-key authenticated client for one tenant.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    Throttler
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLimiter makes every request pass through l before dispatch.
func WithLimiter(l Throttler) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient constructs a client for baseURL authenticated with apiKey.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListOptions controls a workflow listing page.
type ListOptions struct {
	Limit  int
	Cursor string
}

// ExecutionFilter controls an execution listing page.
type ExecutionFilter struct {
	WorkflowID  string
	Status      string
	Limit       int
	Cursor      string
	IncludeData bool
}

// WorkflowPage is one page of workflows.
type WorkflowPage struct {
	Items      []models.Workflow
	NextCursor string
}

// ExecutionPage is one page of executions.
type ExecutionPage struct {
	Items      []models.Execution
	NextCursor string
}

// ListWorkflows fetches one page of workflows.
func (c *Client) ListWorkflows(ctx context.Context, opts ListOptions) (*WorkflowPage, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}

	var wrap struct {
		Data       []wireWorkflow `json:"data"`
		NextCursor *string        `json:"nextCursor"`
	}
	if err := c.doGet(ctx, "/workflows", q, &wrap); err != nil {
		return nil, err
	}

	page := &WorkflowPage{Items: make([]models.Workflow, 0, len(wrap.Data))}
	for i := range wrap.Data {
		wf, err := wrap.Data[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("list workflows: item %d: %w", i, err)
		}
		page.Items = append(page.Items, wf)
	}
	if wrap.NextCursor != nil {
		page.NextCursor = *wrap.NextCursor
	}
	return page, nil
}

// GetWorkflow fetches a workflow with its nodes and connections.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var w wireWorkflow
	if err := c.doGet(ctx, "/workflows/"+url.PathEscape(id), nil, &w); err != nil {
		return nil, err
	}
	wf, err := w.toModel()
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return &wf, nil
}

// ListExecutions fetches one page of executions.
func (c *Client) ListExecutions(ctx context.Context, f ExecutionFilter) (*ExecutionPage, error) {
	q := url.Values{}
	if f.WorkflowID != "" {
		q.Set("workflowId", f.WorkflowID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	if f.IncludeData {
		q.Set("includeData", "true")
	}

	var wrap struct {
		Data       []wireExecution `json:"data"`
		NextCursor *string         `json:"nextCursor"`
	}
	if err := c.doGet(ctx, "/executions", q, &wrap); err != nil {
		return nil, err
	}

	page := &ExecutionPage{Items: make([]models.Execution, 0, len(wrap.Data))}
	for i := range wrap.Data {
		ex, err := wrap.Data[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("list executions: item %d: %w", i, err)
		}
		page.Items = append(page.Items, ex)
	}
	if wrap.NextCursor != nil {
		page.NextCursor = *wrap.NextCursor
	}
	return page, nil
}

// GetExecution fetches an execution including its per-node run data.
func (c *Client) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	q := url.Values{}
	q.Set("includeData", "true")

	var w wireExecution
	if err := c.doGet(ctx, "/executions/"+url.PathEscape(id), q, &w); err != nil {
		return nil, err
	}
	ex, err := w.toModel()
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return &ex, nil
}

// Ping probes the engine's liveness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) doGet(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}
	endpoint := c.baseURL + apiPrefix + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Throttle(ctx)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, req.URL.Path, err)
	}
	return nil
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
}
