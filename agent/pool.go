package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/task"
)

// TaskTransitioner is the slice of the task store the pool needs to fail a
// busy agent's task on forced removal.
type TaskTransitioner interface {
	Transition(ctx context.Context, id string, to task.Status, out task.Outcome) (*task.Task, error)
}

type member struct {
	info *Agent
	rt   *Runtime
}

// Pool tracks agents, their status and their runtimes. It is the only owner
// of agent records; callers receive copies.
type Pool struct {
	mu     sync.RWMutex
	agents map[string]*member

	roles  *RoleRegistry
	tasks  TaskTransitioner
	pub    comms.Publisher
	logger *slog.Logger
	max    int
	queue  int
	now    func() time.Time
	base   context.Context
	stop   context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMaxAgents caps the pool size. Zero means unbounded.
func WithMaxAgents(n int) PoolOption { return func(p *Pool) { p.max = n } }

// WithRoles replaces the default role registry.
func WithRoles(r *RoleRegistry) PoolOption { return func(p *Pool) { p.roles = r } }

// WithTasks wires the task store used for forced removal.
func WithTasks(t TaskTransitioner) PoolOption { return func(p *Pool) { p.tasks = t } }

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) PoolOption { return func(p *Pool) { p.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) PoolOption { return func(p *Pool) { p.now = now } }

// NewPool creates an empty pool publishing lifecycle events on pub.
func NewPool(pub comms.Publisher, opts ...PoolOption) *Pool {
	base, stop := context.WithCancel(context.Background())
	p := &Pool{
		agents: make(map[string]*member),
		roles:  NewRoleRegistry(),
		pub:    pub,
		logger: slog.Default(),
		queue:  1,
		now:    func() time.Time { return time.Now().UTC() },
		base:   base,
		stop:   stop,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Roles exposes the pool's role registry.
func (p *Pool) Roles() *RoleRegistry { return p.roles }

// SpawnRequest describes a new agent. Nil Capabilities selects the role
// defaults; an empty Name gets a generated display name.
type SpawnRequest struct {
	Role         Role     `json:"role" yaml:"role"`
	Name         string   `json:"name,omitempty" yaml:"name"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
}

// Spawn creates an idle agent and starts its runtime.
func (p *Pool) Spawn(_ context.Context, req SpawnRequest) (*Agent, error) {
	if req.Role == "" {
		req.Role = RoleCustom
	}
	defaults, ok := p.roles.Defaults(req.Role)
	if !ok {
		return nil, fmt.Errorf("role %q: %w", req.Role, ErrUnknownRole)
	}
	caps := req.Capabilities
	if caps == nil {
		caps = defaults
	}

	id := uuid.NewString()
	name := req.Name
	if name == "" {
		name = cases.Title(language.English).String(string(req.Role)+" agent") + " " + id[:4]
	}
	now := p.now()
	a := &Agent{
		ID:           id,
		Role:         req.Role,
		Name:         name,
		Capabilities: slices.Clone(caps),
		Status:       StatusIdle,
		CreatedAt:    now,
		LastActive:   now,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.max > 0 && len(p.agents) >= p.max {
		return nil, fmt.Errorf("spawn %s: %w (max %d)", req.Role, ErrPoolFull, p.max)
	}
	rt := newRuntime(id, p.queue, p.logger)
	if err := rt.Start(p.base); err != nil {
		return nil, err
	}
	p.agents[id] = &member{info: a, rt: rt}
	p.logger.Info("agent spawned", "agent", id, "role", req.Role, "name", name)
	snap := a.clone()
	p.pub.Publish(comms.TopicAgentSpawned, snap)
	return snap, nil
}

// Remove retires an agent. A busy agent is only removed when force is set, in
// which case its current task is failed with agent_removed first.
func (p *Pool) Remove(ctx context.Context, id string, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if m.info.Status == StatusBusy {
		if !force {
			return fmt.Errorf("agent %s running task %s: %w", id, m.info.CurrentTask, ErrAgentBusy)
		}
		if p.tasks != nil && m.info.CurrentTask != "" {
			_, err := p.tasks.Transition(ctx, m.info.CurrentTask, task.StatusFailed, task.Outcome{
				Error: &task.Failure{Kind: task.ReasonAgentRemoved, Message: "agent " + id + " removed"},
			})
			if err != nil && !errors.Is(err, task.ErrInvalidTransition) && !errors.Is(err, task.ErrNotFound) {
				return fmt.Errorf("fail task %s: %w", m.info.CurrentTask, err)
			}
		}
	}

	m.rt.Stop()
	delete(p.agents, id)
	m.info.Status = StatusUnavailable
	p.logger.Info("agent removed", "agent", id, "forced", force)
	p.pub.Publish(comms.TopicAgentRemoved, m.info.clone())
	return nil
}

// Get returns a copy of one agent.
func (p *Pool) Get(id string) (*Agent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return m.info.clone(), nil
}

// List returns every agent ordered by creation time.
func (p *Pool) List() []*Agent {
	p.mu.RLock()
	out := make([]*Agent, 0, len(p.agents))
	for _, m := range p.agents {
		out = append(out, m.info.clone())
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return byAge(out[i], out[j]) })
	return out
}

func byAge(a, b *Agent) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// FindIdle picks the idle agent holding every required capability with the
// fewest finished tasks, breaking ties by earliest creation. It returns nil
// when no agent qualifies.
func (p *Pool) FindIdle(required []string) *Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *Agent
	for _, m := range p.agents {
		a := m.info
		if a.Status != StatusIdle || !a.HasAll(required) {
			continue
		}
		if best == nil || a.Load() < best.Load() || (a.Load() == best.Load() && byAge(a, best)) {
			best = a
		}
	}
	if best == nil {
		return nil
	}
	return best.clone()
}

// Serves reports whether any agent, whatever its status, holds every required
// capability.
func (p *Pool) Serves(required []string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.agents {
		if m.info.HasAll(required) {
			return true
		}
	}
	return false
}

// Full reports whether the pool has reached its size cap.
func (p *Pool) Full() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.max > 0 && len(p.agents) >= p.max
}

// CanInvoke reports whether agentID may call the named tool.
func (p *Pool) CanInvoke(agentID, toolName string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.agents[agentID]
	return ok && slices.Contains(m.info.Capabilities, toolName)
}

// MarkBusy claims an idle agent for taskID.
func (p *Pool) MarkBusy(id, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if m.info.Status != StatusIdle {
		return fmt.Errorf("agent %s is %s: %w", id, m.info.Status, ErrNotIdle)
	}
	m.info.Status = StatusBusy
	m.info.CurrentTask = taskID
	m.info.LastActive = p.now()
	p.pub.Publish(comms.TopicAgentStatusChanged, m.info.clone())
	return nil
}

// MarkIdle releases a busy agent and records the outcome of its task.
func (p *Pool) MarkIdle(id string, outcome Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	switch outcome {
	case OutcomeCompleted:
		m.info.CompletedCount++
	case OutcomeFailed:
		m.info.FailedCount++
	}
	if m.info.Status == StatusIdle {
		return nil
	}
	m.info.Status = StatusIdle
	m.info.CurrentTask = ""
	m.info.LastActive = p.now()
	p.pub.Publish(comms.TopicAgentStatusChanged, m.info.clone())
	return nil
}

// SetAvailable toggles an idle agent between idle and unavailable. Busy
// agents cannot be made unavailable.
func (p *Pool) SetAvailable(id string, available bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	want := StatusUnavailable
	if available {
		want = StatusIdle
	}
	if m.info.Status == want {
		return nil
	}
	if m.info.Status == StatusBusy {
		return fmt.Errorf("agent %s: %w", id, ErrAgentBusy)
	}
	m.info.Status = want
	p.pub.Publish(comms.TopicAgentStatusChanged, m.info.clone())
	return nil
}

// Dispatch queues job on the agent's runtime.
func (p *Pool) Dispatch(id string, job Job) error {
	p.mu.RLock()
	m, ok := p.agents[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return m.rt.Submit(job)
}

// ReapIdle removes idle agents that have not worked for longer than maxIdle
// and returns their ids.
func (p *Pool) ReapIdle(ctx context.Context, maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := p.now().Add(-maxIdle)

	p.mu.RLock()
	var stale []string
	for id, m := range p.agents {
		if m.info.Status == StatusIdle && m.info.LastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.RUnlock()

	var reaped []string
	for _, id := range stale {
		if err := p.Remove(ctx, id, false); err != nil {
			p.logger.Debug("reap skipped", "agent", id, "error", err)
			continue
		}
		reaped = append(reaped, id)
	}
	return reaped
}

// Stats summarises the pool by status and role.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := Stats{
		Total:    len(p.agents),
		ByStatus: map[Status]int{StatusIdle: 0, StatusBusy: 0, StatusUnavailable: 0},
		ByRole:   make(map[Role]int),
	}
	for _, m := range p.agents {
		st.ByStatus[m.info.Status]++
		st.ByRole[m.info.Role]++
	}
	return st
}

// Close stops every runtime. Agents remain listed but accept no more work.
func (p *Pool) Close() {
	p.stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.agents {
		m.info.Status = StatusUnavailable
	}
}
