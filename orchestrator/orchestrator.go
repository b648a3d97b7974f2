// Package orchestrator turns commands into task DAGs and drives them through
// the agent pool until every task settles.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/tool"
)

// KindCommand is the kind of the parent task created for a multi-step plan.
const KindCommand = "command"

var (
	ErrInvalidPlan      = errors.New("invalid plan")
	ErrCyclicDependency = errors.New("cyclic dependency")
	ErrNoAgentAvailable = errors.New("no agent available")
)

// Invoker executes tools on behalf of agents.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, agentID string) tool.Result
}

// Command is a natural-language request.
type Command struct {
	Text    string         `json:"command"`
	Context map[string]any `json:"context,omitempty"`
}

// Receipt acknowledges an accepted command.
type Receipt struct {
	TaskID  string      `json:"task_id"`
	Status  task.Status `json:"status"`
	Message string      `json:"message"`
}

// ChildResult is one entry of a parent task's aggregated result.
type ChildResult struct {
	TaskID string        `json:"task_id"`
	Kind   string        `json:"kind"`
	Status task.Status   `json:"status"`
	Result any           `json:"result,omitempty"`
	Error  *task.Failure `json:"error,omitempty"`
}

// Orchestrator owns the scheduling loop.
type Orchestrator struct {
	store  *task.Store
	pool   *agent.Pool
	tools  Invoker
	events comms.Source

	decomposer   Decomposer
	bindings     map[string]Binding
	logger       *slog.Logger
	tick         time.Duration
	queueTimeout time.Duration
	autoSpawn    bool
	now          func() time.Time

	passMu  sync.Mutex
	mu      sync.Mutex
	running map[string]context.CancelFunc
	trigger chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDecomposer replaces the KeywordDecomposer.
func WithDecomposer(d Decomposer) Option { return func(o *Orchestrator) { o.decomposer = d } }

// WithBindings replaces the kind-to-tool bindings.
func WithBindings(b map[string]Binding) Option { return func(o *Orchestrator) { o.bindings = b } }

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithTick sets the interval of the fallback scheduling tick.
func WithTick(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithQueueTimeout fails queued tasks that find no agent within d. Tasks can
// override it individually. Zero waits forever.
func WithQueueTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.queueTimeout = d } }

// WithAutoSpawn lets the scheduler spawn an agent when none in the pool can
// ever serve a task.
func WithAutoSpawn(on bool) Option { return func(o *Orchestrator) { o.autoSpawn = on } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an Orchestrator. Call Run to start scheduling.
func New(store *task.Store, pool *agent.Pool, tools Invoker, events comms.Source, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		pool:       pool,
		tools:      tools,
		events:     events,
		decomposer: KeywordDecomposer{},
		bindings:   DefaultBindings(),
		logger:     slog.Default(),
		tick:       time.Second,
		now:        time.Now,
		running:    make(map[string]context.CancelFunc),
		trigger:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit decomposes cmd and creates its tasks.
func (o *Orchestrator) Submit(ctx context.Context, cmd Command) (Receipt, error) {
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		return Receipt{}, fmt.Errorf("%w: command text is required", ErrInvalidPlan)
	}
	cmd.Text = text
	plan, err := o.decomposer.Decompose(ctx, cmd)
	if err != nil {
		return Receipt{}, fmt.Errorf("decompose: %w", err)
	}
	meta := map[string]any{"command": text}
	if len(cmd.Context) > 0 {
		meta["context"] = maps.Clone(cmd.Context)
	}
	root, err := o.SubmitPlan(ctx, plan, meta)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		TaskID:  root.ID,
		Status:  root.Status,
		Message: fmt.Sprintf("command accepted as %d task(s)", len(plan.Steps)),
	}, nil
}

// SubmitPlan validates p and creates its tasks. Multi-step plans get a parent
// task of kind "command" that settles once every step has; the parent is
// returned. A single-step plan returns its only task.
func (o *Orchestrator) SubmitPlan(ctx context.Context, p Plan, meta map[string]any) (*task.Task, error) {
	steps, err := resolve(p, o.bindings)
	if err != nil {
		return nil, err
	}
	order, err := topoOrder(steps)
	if err != nil {
		return nil, err
	}

	meta = maps.Clone(meta)
	if meta == nil {
		meta = map[string]any{}
	}
	if caller, ok := CallerFromContext(ctx); ok {
		meta["caller"] = caller
	}

	ids := make(map[string]string, len(steps))
	children := make([]string, len(steps))
	for i, s := range steps {
		ids[s.Key] = uuid.NewString()
		children[i] = ids[s.Key]
	}

	var parent *task.Task
	if len(steps) > 1 {
		desc := p.Description
		if desc == "" {
			desc = fmt.Sprintf("plan of %d steps", len(steps))
		}
		parent, err = o.store.Create(ctx, task.Spec{
			Kind:        KindCommand,
			Description: desc,
			Priority:    maxPriority(steps),
			Children:    children,
			Metadata:    meta,
		})
		if err != nil {
			return nil, fmt.Errorf("create parent task: %w", err)
		}
	}

	created := make([]string, 0, len(steps))
	var single *task.Task
	for _, i := range order {
		s := steps[i]
		deps := make([]string, len(s.DependsOn))
		for j, d := range s.DependsOn {
			deps[j] = ids[d]
		}
		m := maps.Clone(meta)
		m["step"] = s.Key
		spec := task.Spec{
			ID:           ids[s.Key],
			Kind:         s.Kind,
			Description:  s.Description,
			Priority:     s.Priority,
			DependsOn:    deps,
			Optional:     s.Optional,
			Tool:         s.Tool,
			Args:         s.Args,
			Capabilities: s.Capabilities,
			QueueTimeout: s.QueueTimeout,
			Metadata:     m,
		}
		if parent != nil {
			spec.ParentID = parent.ID
		}
		t, err := o.store.Create(ctx, spec)
		if err != nil {
			o.abandon(ctx, parent, created)
			return nil, fmt.Errorf("create task for step %q: %w", s.Key, err)
		}
		created = append(created, t.ID)
		single = t
	}

	o.Trigger()
	if parent != nil {
		o.logger.Info("plan submitted", "task", parent.ID, "steps", len(steps))
		return parent, nil
	}
	o.logger.Info("plan submitted", "task", single.ID, "steps", 1)
	return single, nil
}

// abandon cancels the tasks of a plan whose creation failed part way.
func (o *Orchestrator) abandon(ctx context.Context, parent *task.Task, created []string) {
	for _, id := range created {
		_, _ = o.store.Cancel(ctx, id, task.ReasonCancelled)
	}
	if parent != nil {
		_, _ = o.store.Cancel(ctx, parent.ID, task.ReasonCancelled)
	}
}

func maxPriority(steps []Step) int {
	p := steps[0].Priority
	for _, s := range steps[1:] {
		p = max(p, s.Priority)
	}
	return p
}

// Cancel cancels a task and aborts its tool invocation if one is in flight.
// Cancelling a parent cancels every unfinished child. Dependents fail with
// dependency_cancelled on the next scheduling pass.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := o.store.Cancel(ctx, id, task.ReasonCancelled)
	if err != nil {
		return nil, err
	}
	o.abort(id)
	if t.IsParent() && t.Status == task.StatusCancelled {
		for _, child := range t.Children {
			if _, err := o.store.Cancel(ctx, child, task.ReasonCancelled); err != nil && !errors.Is(err, task.ErrNotFound) {
				o.logger.Warn("cancel child failed", "task", child, "parent", id, "error", err)
			}
			o.abort(child)
		}
	}
	o.Trigger()
	return t, nil
}

// Trigger requests a scheduling pass.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run schedules until ctx is done. Passes are driven by task and agent
// events, explicit triggers and a fallback tick.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub, err := o.events.Subscribe(comms.SubscribeOptions{}, "task.*", "agent.*")
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	o.logger.Info("orchestrator started", "tick", o.tick, "auto_spawn", o.autoSpawn)
	o.schedule(ctx)
	for {
		select {
		case <-ctx.Done():
			o.abortAll()
			return nil
		case <-sub.Done():
			return nil
		case <-sub.C():
			for {
				if _, ok := sub.TryNext(); !ok {
					break
				}
			}
		case <-o.trigger:
		case <-ticker.C:
		}
		o.schedule(ctx)
	}
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

func (o *Orchestrator) abort(id string) {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) abortAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cancel := range o.running {
		cancel()
	}
}

// InFlight returns the number of tool invocations currently running.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

func (o *Orchestrator) inFlight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}
