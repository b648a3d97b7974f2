package task

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/conductor/comms"
)

const lockStripes = 64

// Store is the authoritative task service. It enforces the lifecycle state
// machine on top of a Repository, serializes transitions per task id and
// publishes exactly one event for every successful change.
type Store struct {
	repo   Repository
	pub    comms.Publisher
	logger *slog.Logger
	now    func() time.Time
	locks  [lockStripes]sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store backed by repo that publishes on pub.
func NewStore(repo Repository, pub comms.Publisher, opts ...StoreOption) *Store {
	s := &Store{
		repo:   repo,
		pub:    pub,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// Create persists a new task. Tasks whose dependencies are not all completed,
// and parent tasks, start in waiting_on_dependency; everything else starts
// queued.
func (s *Store) Create(ctx context.Context, spec Spec) (*Task, error) {
	if spec.Kind == "" {
		return nil, errors.New("task kind is required")
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	status := StatusQueued
	for _, dep := range spec.DependsOn {
		d, err := s.repo.Get(ctx, dep)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dep, err)
		}
		if d.Status != StatusCompleted {
			status = StatusWaiting
		}
	}
	if len(spec.Children) > 0 {
		status = StatusWaiting
	}

	now := s.now()
	t := &Task{
		ID:           id,
		Kind:         spec.Kind,
		Description:  spec.Description,
		Priority:     spec.Priority,
		Status:       status,
		DependsOn:    spec.DependsOn,
		ParentID:     spec.ParentID,
		Children:     spec.Children,
		Optional:     spec.Optional,
		Tool:         spec.Tool,
		Args:         spec.Args,
		Capabilities: spec.Capabilities,
		QueueTimeout: spec.QueueTimeout,
		Metadata:     spec.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	unlock := s.lock(id)
	defer unlock()
	if err := s.repo.Insert(ctx, t); err != nil {
		return nil, err
	}
	snap := t.Clone()
	s.pub.Publish(comms.TopicTaskCreated, snap)
	return snap, nil
}

// Get retrieves a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	return s.repo.Get(ctx, id)
}

// List returns tasks matching f, highest priority first, then oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Task, error) {
	return s.repo.List(ctx, f)
}

// Stats counts tasks by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: make(map[Status]int, len(Statuses))}
	for _, status := range Statuses {
		st.ByStatus[status] = counts[status]
		st.Total += counts[status]
	}
	return st, nil
}

// Transition moves task id to the given status. Leaving a terminal state
// fails with ErrInvalidTransition, and entering running before every
// dependency has completed fails with ErrDependencyUnmet.
func (s *Store) Transition(ctx context.Context, id string, to Status, out Outcome) (*Task, error) {
	unlock := s.lock(id)
	defer unlock()

	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, t, to, out)
}

// Cancel moves a task to cancelled. Cancelling a terminal task returns the
// current record unchanged and publishes nothing.
func (s *Store) Cancel(ctx context.Context, id, reason string) (*Task, error) {
	unlock := s.lock(id)
	defer unlock()

	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, nil
	}
	if reason == "" {
		reason = ReasonCancelled
	}
	return s.apply(ctx, t, StatusCancelled, Outcome{Error: &Failure{Kind: reason}})
}

func (s *Store) apply(ctx context.Context, t *Task, to Status, out Outcome) (*Task, error) {
	from := t.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("task %s %s -> %s: %w", t.ID, from, to, ErrInvalidTransition)
	}
	if from == StatusWaiting && to == StatusCompleted && !t.IsParent() {
		return nil, fmt.Errorf("task %s %s -> %s: %w", t.ID, from, to, ErrInvalidTransition)
	}
	if to == StatusRunning {
		if err := s.checkDependencies(ctx, t); err != nil {
			return nil, err
		}
	}

	now := s.now()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusAssigned:
		t.AssignedAgent = out.Agent
	case StatusQueued:
		t.AssignedAgent = ""
	case StatusRunning:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusCompleted:
		t.Result = out.Result
		t.Error = nil
	case StatusFailed, StatusCancelled:
		t.Result = nil
		t.Error = out.Error
		if t.Error == nil {
			t.Error = &Failure{Kind: string(to)}
		}
	}
	if to.IsTerminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}

	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Debug("task transition", "task", t.ID, "from", from, "to", to)
	snap := t.Clone()
	s.pub.Publish(TopicFor(to), snap)
	return snap, nil
}

func (s *Store) checkDependencies(ctx context.Context, t *Task) error {
	for _, dep := range t.DependsOn {
		d, err := s.repo.Get(ctx, dep)
		if err != nil {
			return fmt.Errorf("dependency %s: %w", dep, err)
		}
		if d.Status != StatusCompleted {
			return fmt.Errorf("task %s waits on %s (%s): %w", t.ID, dep, d.Status, ErrDependencyUnmet)
		}
	}
	return nil
}

// TopicFor maps a status to the event topic published on entering it.
func TopicFor(s Status) string {
	switch s {
	case StatusQueued:
		return comms.TopicTaskQueued
	case StatusWaiting:
		return comms.TopicTaskWaiting
	case StatusAssigned:
		return comms.TopicTaskAssigned
	case StatusRunning:
		return comms.TopicTaskRunning
	case StatusCompleted:
		return comms.TopicTaskCompleted
	case StatusFailed:
		return comms.TopicTaskFailed
	case StatusCancelled:
		return comms.TopicTaskCancelled
	}
	return "task." + string(s)
}
