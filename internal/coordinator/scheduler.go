package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"flowsync/internal/metrics"
)

// Schedule describes when a background job fires.
type Schedule struct {
	Interval   time.Duration
	RunOnStart bool
}

// Schedules holds the descriptors of every background job.
// A zero Interval disables the job.
type Schedules struct {
	Sync    Schedule
	Retries Schedule
	Health  Schedule
	Cleanup Schedule
}

// job is a ticker-driven task that never overlaps with itself.
type job struct {
	name     string
	schedule Schedule
	run      func(ctx context.Context) error
	running  atomic.Bool
}

// trigger runs the job unless a previous run is still in flight.
// It reports whether the job ran.
func (j *job) trigger(ctx context.Context, c *Coordinator) bool {
	if !j.running.CompareAndSwap(false, true) {
		metrics.IncSkippedTick(j.name)
		c.logger.Warn().Str("job", j.name).Msg("previous run still in progress, tick skipped")
		return false
	}
	defer j.running.Store(false)

	if err := j.run(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error().Err(err).Str("job", j.name).Msg("scheduled job failed")
	}
	return true
}

func (c *Coordinator) jobs() []*job {
	s := c.cfg.Schedules
	return []*job{
		{name: "sync", schedule: s.Sync, run: func(ctx context.Context) error {
			_, err := c.SyncAllTenants(ctx)
			return err
		}},
		{name: "retries", schedule: s.Retries, run: func(ctx context.Context) error {
			_, err := c.ProcessAllRetries(ctx)
			return err
		}},
		{name: "health", schedule: s.Health, run: func(ctx context.Context) error {
			_, err := c.HealthCheck(ctx)
			return err
		}},
		{name: "cleanup", schedule: s.Cleanup, run: func(ctx context.Context) error {
			_, err := c.RunCleanup(ctx)
			return err
		}},
	}
}

// Start runs every scheduled job on its own ticker until ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	c.logger.Info().Msg("scheduler started")
	defer c.logger.Info().Msg("scheduler stopped")

	var wg sync.WaitGroup
	for _, j := range c.jobs() {
		if j.schedule.Interval <= 0 {
			c.logger.Info().Str("job", j.name).Msg("job disabled")
			continue
		}
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			c.loop(ctx, j)
		}(j)
	}
	wg.Wait()
}

func (c *Coordinator) loop(ctx context.Context, j *job) {
	var inflight sync.WaitGroup
	defer inflight.Wait()

	fire := func() {
		if j.running.Load() {
			j.trigger(ctx, c)
			return
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			j.trigger(ctx, c)
		}()
	}

	if j.schedule.RunOnStart {
		fire()
	}

	ticker := time.NewTicker(j.schedule.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}
