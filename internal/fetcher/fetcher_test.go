package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"flowsync/internal/models"
	"flowsync/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func newTestFetcher(api API, cfg Config) (*Fetcher, *recordedSleeps) {
	rec := &recordedSleeps{}
	f := New(api, cfg, nil, WithSleep(rec.sleep), WithJitter(func() float64 { return 0 }))
	return f, rec
}

// pagedAPI serves numbered workflows in fixed pages and never ends the cursor
// before total is reached.
type pagedAPI struct {
	mu       sync.Mutex
	total    int
	pageSize int
	pages    int
}

func (p *pagedAPI) ListWorkflows(_ context.Context, opts remote.ListOptions) (*remote.WorkflowPage, error) {
	p.mu.Lock()
	p.pages++
	p.mu.Unlock()

	start := 0
	if opts.Cursor != "" {
		start, _ = strconv.Atoi(opts.Cursor)
	}
	page := &remote.WorkflowPage{}
	for i := start; i < start+p.pageSize && i < p.total; i++ {
		page.Items = append(page.Items, models.Workflow{ID: fmt.Sprintf("wf-%d", i)})
	}
	if start+p.pageSize < p.total {
		page.NextCursor = strconv.Itoa(start + p.pageSize)
	}
	return page, nil
}

func (p *pagedAPI) GetWorkflow(context.Context, string) (*models.Workflow, error) {
	return nil, errors.New("not implemented")
}

func (p *pagedAPI) ListExecutions(context.Context, remote.ExecutionFilter) (*remote.ExecutionPage, error) {
	return nil, errors.New("not implemented")
}

func (p *pagedAPI) GetExecution(context.Context, string) (*models.Execution, error) {
	return nil, errors.New("not implemented")
}

func (p *pagedAPI) Ping(context.Context) error { return nil }

func TestExecuteWithRetryClientErrorsInvokedOnce(t *testing.T) {
	f, rec := newTestFetcher(nil, Config{MaxRetries: 3})

	for code := 400; code < 500; code += 7 {
		calls := 0
		err := f.ExecuteWithRetry(context.Background(), func(context.Context) error {
			calls++
			return &remote.StatusError{Method: http.MethodGet, Path: "/x", StatusCode: code}
		})
		if calls != 1 {
			t.Fatalf("status %d: expected exactly one invocation, got %d", code, calls)
		}
		var terminal *TerminalClientError
		require.True(t, errors.As(err, &terminal), "status %d", code)
		assert.Equal(t, code, terminal.StatusCode)
	}
	assert.Empty(t, rec.delays)
}

func TestExecuteWithRetryRecoversFromServerErrors(t *testing.T) {
	f, rec := newTestFetcher(nil, Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second})

	calls := 0
	err := f.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &remote.StatusError{StatusCode: http.StatusBadGateway}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
	assert.Equal(t, int64(3), f.Calls())
}

func TestExecuteWithRetryExhausts(t *testing.T) {
	f, rec := newTestFetcher(nil, Config{MaxRetries: 2})

	calls := 0
	err := f.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection reset by peer")
	})

	var exhausted *ExhaustedRetriesError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.delays, 2)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestExecuteWithRetryPerCallTimeoutIsTransient(t *testing.T) {
	f, _ := newTestFetcher(nil, Config{MaxRetries: 1, CallTimeout: 20 * time.Millisecond})

	calls := 0
	err := f.ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecuteWithRetryStopsOnParentCancel(t *testing.T) {
	f, _ := newTestFetcher(nil, Config{MaxRetries: 5})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := f.ExecuteWithRetry(ctx, func(context.Context) error {
		calls++
		cancel()
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryInvalidPayloadNotRetried(t *testing.T) {
	f, _ := newTestFetcher(nil, Config{MaxRetries: 3})

	calls := 0
	err := f.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("decode: %w", remote.ErrInvalidPayload)
	})
	assert.ErrorIs(t, err, remote.ErrInvalidPayload)
	assert.Equal(t, 1, calls)
}

func TestDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 5 * time.Second

	for _, j := range []float64{0, 0.5, 0.9999} {
		jitter := j
		f := New(nil, Config{BaseDelay: base, MaxDelay: maxDelay}, nil, WithJitter(func() float64 { return jitter }))

		var prev time.Duration
		for attempt := 0; attempt < 12; attempt++ {
			d := f.Delay(attempt)
			lower := base * time.Duration(1<<attempt)
			if lower > maxDelay {
				lower = maxDelay
			}
			upper := time.Duration(float64(lower) * 1.3)
			if d < lower || d > upper {
				t.Fatalf("jitter=%v attempt=%d: delay %v outside [%v, %v]", jitter, attempt, d, lower, upper)
			}
			if d < prev {
				t.Fatalf("jitter=%v attempt=%d: delay decreased %v -> %v", jitter, attempt, prev, d)
			}
			prev = d
		}
	}
}

func TestListAllStopsAtMaxTotal(t *testing.T) {
	api := &pagedAPI{total: 1000, pageSize: 100}
	f, _ := newTestFetcher(api, Config{PageSize: 100})

	items, err := f.ListWorkflows(context.Background(), 120, nil)
	require.NoError(t, err)
	assert.Len(t, items, 120)
	assert.Equal(t, 2, api.pages)
	assert.Equal(t, "wf-119", items[119].ID)
}

func TestListAllCursorExhausted(t *testing.T) {
	api := &pagedAPI{total: 230, pageSize: 100}
	f, _ := newTestFetcher(api, Config{PageSize: 100})

	items, err := f.ListWorkflows(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Len(t, items, 230)
	assert.Equal(t, 3, api.pages)
}

func TestListAllStreamsBatches(t *testing.T) {
	api := &pagedAPI{total: 250, pageSize: 100}
	f, _ := newTestFetcher(api, Config{PageSize: 100})

	var sizes []int
	items, err := f.ListWorkflows(context.Background(), 220, func(batch []models.Workflow) error {
		sizes = append(sizes, len(batch))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, []int{100, 100, 20}, sizes)
}

func TestListAllPropagatesBatchError(t *testing.T) {
	api := &pagedAPI{total: 250, pageSize: 100}
	f, _ := newTestFetcher(api, Config{PageSize: 100})

	stop := errors.New("stop")
	_, err := f.ListWorkflows(context.Background(), 0, func([]models.Workflow) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, api.pages)
}

func TestIsNotFound(t *testing.T) {
	f, _ := newTestFetcher(nil, Config{})
	err := f.ExecuteWithRetry(context.Background(), func(context.Context) error {
		return &remote.StatusError{StatusCode: http.StatusNotFound}
	})
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(errors.New("boom")))
}
