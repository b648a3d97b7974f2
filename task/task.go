// Package task defines the task model, its lifecycle state machine and the
// store that is the single source of truth for task records.
package task

import (
	"errors"
	"maps"
	"slices"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting_on_dependency"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusQueued, StatusWaiting, StatusAssigned, StatusRunning,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// Failure reasons recorded on failed or cancelled tasks.
const (
	ReasonAgentRemoved        = "agent_removed"
	ReasonDependencyFailed    = "dependency_failed"
	ReasonDependencyCancelled = "dependency_cancelled"
	ReasonNoAgentAvailable    = "no_agent_available"
	ReasonChildFailed         = "child_failed"
	ReasonCancelled           = "cancelled"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyExists     = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDependencyUnmet   = errors.New("dependency unmet")
)

// Failure is the error detail of a failed or cancelled task.
type Failure struct {
	Kind    string `json:"error_kind"`
	Message string `json:"message,omitempty"`
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Kind
	}
	return f.Kind + ": " + f.Message
}

// Task is a unit of tracked work.
type Task struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Description   string         `json:"description"`
	Priority      int            `json:"priority"`
	Status        Status         `json:"status"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	Children      []string       `json:"children,omitempty"`
	Optional      bool           `json:"optional,omitempty"`
	Tool          string         `json:"tool,omitempty"`
	Args          map[string]any `json:"args,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	QueueTimeout  time.Duration  `json:"queue_timeout,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Result        any            `json:"result,omitempty"`
	Error         *Failure       `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// IsParent reports whether t aggregates child tasks.
func (t *Task) IsParent() bool { return len(t.Children) > 0 }

// Clone returns a copy that shares no slices or maps with t.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	c.Children = slices.Clone(t.Children)
	c.Capabilities = slices.Clone(t.Capabilities)
	c.Args = maps.Clone(t.Args)
	c.Metadata = maps.Clone(t.Metadata)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Spec is the input to Store.Create. ID is optional; callers that need to
// reference a task before it exists (parent/child wiring) may preassign it.
type Spec struct {
	ID           string         `json:"id,omitempty"`
	Kind         string         `json:"kind"`
	Description  string         `json:"description"`
	Priority     int            `json:"priority"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	ParentID     string         `json:"parent_id,omitempty"`
	Children     []string       `json:"children,omitempty"`
	Optional     bool           `json:"optional,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	QueueTimeout time.Duration  `json:"queue_timeout,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Outcome carries the data attached to a transition.
type Outcome struct {
	Result any
	Error  *Failure
	// Agent is recorded when entering assigned.
	Agent string
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status        *Status `json:"status,omitempty"`
	Kind          string  `json:"kind,omitempty"`
	ParentID      string  `json:"parent_id,omitempty"`
	AssignedAgent string  `json:"assigned_agent,omitempty"`
	Limit         int     `json:"limit,omitempty"`
	Offset        int     `json:"offset,omitempty"`
}

// Stats summarises the store by status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

var edges = map[Status][]Status{
	StatusQueued:   {StatusAssigned, StatusWaiting, StatusFailed, StatusCancelled},
	StatusWaiting:  {StatusQueued, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAssigned: {StatusRunning, StatusQueued, StatusFailed, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// waiting_on_dependency -> completed is additionally restricted to parents by
// the store.
func CanTransition(from, to Status) bool {
	return slices.Contains(edges[from], to)
}
