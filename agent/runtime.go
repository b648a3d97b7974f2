package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job is a unit of work executed on an agent's runtime goroutine. The context
// is cancelled when the agent is stopped.
type Job func(ctx context.Context)

// Runtime is the worker loop backing a single agent. Jobs run one at a time,
// in the order they were dispatched.
type Runtime struct {
	id     string
	logger *slog.Logger

	mu     sync.Mutex
	jobs   chan Job
	cancel context.CancelFunc
	done   chan struct{}
}

func newRuntime(id string, queue int, logger *slog.Logger) *Runtime {
	return &Runtime{
		id:     id,
		logger: logger,
		jobs:   make(chan Job, queue),
		done:   make(chan struct{}),
	}
}

// Start begins the runtime loop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("agent %s already running", r.id)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.loop(ctx)
	return nil
}

// Stop cancels the in-flight job, if any, and ends the loop.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the loop has exited.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Submit enqueues a job without blocking.
func (r *Runtime) Submit(j Job) error {
	select {
	case r.jobs <- j:
		return nil
	default:
		return fmt.Errorf("agent %s: %w", r.id, ErrQueueFull)
	}
}

func (r *Runtime) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.jobs:
			r.run(ctx, j)
		}
	}
}

func (r *Runtime) run(ctx context.Context, j Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("agent job panicked", "agent", r.id, "panic", rec)
		}
	}()
	j(ctx)
}
