// Package fetcher wraps remote calls with retry, backoff and bounded pagination.
package fetcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"flowsync/internal/backoff"
	"flowsync/internal/metrics"
	"flowsync/internal/models"
	"flowsync/internal/remote"

	"github.com/rs/zerolog"
)

// API is the subset of the remote engine client the fetcher drives.
type API interface {
	ListWorkflows(ctx context.Context, opts remote.ListOptions) (*remote.WorkflowPage, error)
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListExecutions(ctx context.Context, f remote.ExecutionFilter) (*remote.ExecutionPage, error)
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	Ping(ctx context.Context) error
}

// Config tunes retries and pagination.
type Config struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	PageSize    int
	MaxTotal    int
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = models.DefaultPageSize
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = models.DefaultMaxTotal
	}
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	cfg := Config{MaxRetries: 3}
	cfg.applyDefaults()
	return cfg
}

// Fetcher executes remote calls for one tenant connection.
type Fetcher struct {
	api    API
	cfg    Config
	policy backoff.Policy
	logger *zerolog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	calls atomic.Int64
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

// WithJitter replaces the jitter source; fn returns a value in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(f *Fetcher) { f.jitter = fn }
}

// New builds a fetcher over api.
func New(api API, cfg Config, logger *zerolog.Logger, opts ...Option) *Fetcher {
	cfg.applyDefaults()
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	f := &Fetcher{
		api: api,
		cfg: cfg,
		policy: backoff.Policy{
			MaxRetries:    cfg.MaxRetries,
			InitialDelay:  cfg.BaseDelay,
			MaxDelay:      cfg.MaxDelay,
			BackoffFactor: 2,
		},
		logger: logger,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Calls returns the number of remote call attempts made so far.
func (f *Fetcher) Calls() int64 {
	return f.calls.Load()
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config {
	return f.cfg
}

// Delay is the wait before retry number attempt+1 (attempt is 0-based):
// min(base*2^attempt, maxDelay) plus up to 30% jitter.
func (f *Fetcher) Delay(attempt int) time.Duration {
	return f.policy.WithJitter(attempt+1, f.jitter)
}

// ExecuteWithRetry runs op until it succeeds, fails terminally or runs out of retries.
func (f *Fetcher) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := f.attempt(ctx, op)
		if err == nil {
			metrics.IncAPICall("ok")
			return nil
		}

		classified := classify(ctx, err)
		if classified == nil {
			metrics.IncAPICall("error")
			return err
		}
		if IsTerminal(classified) {
			metrics.IncAPICall("terminal")
			return classified
		}
		metrics.IncAPICall("transient")

		if attempt >= f.cfg.MaxRetries {
			return &ExhaustedRetriesError{Attempts: attempt + 1, Last: classified}
		}

		delay := f.Delay(attempt)
		f.logger.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("remote call failed, retrying")
		if err := f.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	f.calls.Add(1)
	callCtx, cancel := context.WithTimeout(ctx, f.cfg.CallTimeout)
	defer cancel()
	return op(callCtx)
}

// Fetch runs a value-returning call through f.ExecuteWithRetry.
func Fetch[T any](ctx context.Context, f *Fetcher, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := f.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// PageFunc fetches one page starting at cursor; an empty next cursor ends the listing.
type PageFunc[T any] func(ctx context.Context, cursor string, limit int) (items []T, next string, err error)

// ListAll pages through a collection until the cursor is exhausted or maxTotal
// items were seen. With onBatch set, pages are streamed and nothing is accumulated.
func ListAll[T any](ctx context.Context, f *Fetcher, page PageFunc[T], maxTotal int, onBatch func([]T) error) ([]T, error) {
	if maxTotal <= 0 {
		maxTotal = f.cfg.MaxTotal
	}

	var (
		all    []T
		seen   int
		cursor string
	)
	for {
		var (
			items []T
			next  string
		)
		err := f.ExecuteWithRetry(ctx, func(ctx context.Context) error {
			var err error
			items, next, err = page(ctx, cursor, f.cfg.PageSize)
			return err
		})
		if err != nil {
			return all, err
		}

		if remaining := maxTotal - seen; len(items) > remaining {
			items = items[:remaining]
		}
		seen += len(items)

		if onBatch != nil {
			if len(items) > 0 {
				if err := onBatch(items); err != nil {
					return nil, err
				}
			}
		} else {
			all = append(all, items...)
		}

		if next == "" || seen >= maxTotal || len(items) == 0 {
			if next != "" && seen >= maxTotal {
				f.logger.Debug().Int("max_total", maxTotal).Msg("listing truncated")
			}
			return all, nil
		}
		cursor = next
	}
}

// ListWorkflows lists workflow summaries, bounded by maxTotal.
func (f *Fetcher) ListWorkflows(ctx context.Context, maxTotal int, onBatch func([]models.Workflow) error) ([]models.Workflow, error) {
	return ListAll(ctx, f, func(ctx context.Context, cursor string, limit int) ([]models.Workflow, string, error) {
		p, err := f.api.ListWorkflows(ctx, remote.ListOptions{Limit: limit, Cursor: cursor})
		if err != nil {
			return nil, "", err
		}
		return p.Items, p.NextCursor, nil
	}, maxTotal, onBatch)
}

// ListExecutions lists executions matching filter, bounded by maxTotal.
func (f *Fetcher) ListExecutions(ctx context.Context, filter remote.ExecutionFilter, maxTotal int, onBatch func([]models.Execution) error) ([]models.Execution, error) {
	return ListAll(ctx, f, func(ctx context.Context, cursor string, limit int) ([]models.Execution, string, error) {
		q := filter
		q.Cursor = cursor
		q.Limit = limit
		p, err := f.api.ListExecutions(ctx, q)
		if err != nil {
			return nil, "", err
		}
		return p.Items, p.NextCursor, nil
	}, maxTotal, onBatch)
}

// GetWorkflow fetches one workflow in full.
func (f *Fetcher) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return Fetch(ctx, f, func(ctx context.Context) (*models.Workflow, error) {
		return f.api.GetWorkflow(ctx, id)
	})
}

// GetExecution fetches one execution with its run data.
func (f *Fetcher) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return Fetch(ctx, f, func(ctx context.Context) (*models.Execution, error) {
		return f.api.GetExecution(ctx, id)
	})
}

// Ping is a single liveness probe; it is never retried.
func (f *Fetcher) Ping(ctx context.Context, timeout time.Duration) error {
	f.calls.Add(1)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := f.api.Ping(ctx); err != nil {
		metrics.IncAPICall("error")
		return err
	}
	metrics.IncAPICall("ok")
	return nil
}

// IsNotFound reports whether err is a 404 from the remote engine.
func IsNotFound(err error) bool {
	var t *TerminalClientError
	return errors.As(err, &t) && t.StatusCode == 404
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
