package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically retires agents that have been idle for too long.
type Reaper struct {
	pool    *Pool
	maxIdle time.Duration
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewReaper schedules idle reaping on pool. schedule is a cron expression,
// a descriptor such as "@every 1m", or a plain duration.
func NewReaper(pool *Pool, schedule string, maxIdle time.Duration, logger *slog.Logger) (*Reaper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := parseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("reaper schedule: %w", err)
	}
	r := &Reaper{pool: pool, maxIdle: maxIdle, cron: cron.New(), logger: logger}
	r.cron.Schedule(sched, cron.FuncJob(r.sweep))
	return r, nil
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if ids := r.pool.ReapIdle(ctx, r.maxIdle); len(ids) > 0 {
		r.logger.Info("reaped idle agents", "count", len(ids), "agents", ids)
	}
}

// Run starts the schedule and blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.cron.Start()
	<-ctx.Done()
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return cron.Every(d), nil
}
