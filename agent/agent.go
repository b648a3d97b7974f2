// Package agent manages the pool of worker agents that execute tasks.
package agent

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusUnavailable Status = "unavailable"
)

// Role identifies what kind of work an agent is spawned for.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleResearch     Role = "research"
	RoleCode         Role = "code"
	RoleData         Role = "data"
	RoleValidator    Role = "validator"
	RoleBrowser      Role = "browser"
	RoleCustom       Role = "custom"
)

// Outcome tells MarkIdle which counter the finished task should bump.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeFailed
)

var (
	ErrNotFound    = errors.New("agent not found")
	ErrAgentBusy   = errors.New("agent busy")
	ErrNotIdle     = errors.New("agent not idle")
	ErrPoolFull    = errors.New("agent pool full")
	ErrUnknownRole = errors.New("unknown role")
	ErrQueueFull   = errors.New("agent queue full")
)

// Agent is a snapshot of one pool member. Capabilities are the tool names the
// agent may invoke.
type Agent struct {
	ID             string    `json:"id"`
	Role           Role      `json:"role"`
	Name           string    `json:"name"`
	Capabilities   []string  `json:"capabilities"`
	Status         Status    `json:"status"`
	CurrentTask    string    `json:"current_task,omitempty"`
	CompletedCount int       `json:"completed_count"`
	FailedCount    int       `json:"failed_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
}

// Load is the number of tasks the agent has finished either way.
func (a *Agent) Load() int { return a.CompletedCount + a.FailedCount }

// HasAll reports whether the agent's capabilities are a superset of required.
func (a *Agent) HasAll(required []string) bool {
	for _, c := range required {
		if !slices.Contains(a.Capabilities, c) {
			return false
		}
	}
	return true
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}

// Stats summarises the pool.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	ByRole   map[Role]int   `json:"by_role"`
}

// RoleRegistry maps roles to their default tool capabilities. Custom roles
// can be added at runtime.
type RoleRegistry struct {
	mu    sync.RWMutex
	roles map[Role][]string
}

// NewRoleRegistry returns a registry preloaded with the built-in roles.
func NewRoleRegistry() *RoleRegistry {
	return &RoleRegistry{roles: map[Role][]string{
		RoleOrchestrator: nil,
		RoleResearch:     {"web_search", "web_fetch", "summarize"},
		RoleCode:         {"code_generate", "cli_exec", "file_manager"},
		RoleData:         {"file_manager", "summarize"},
		RoleValidator:    {"validate", "summarize"},
		RoleBrowser:      {"browser_navigate", "web_fetch"},
		RoleCustom:       nil,
	}}
}

// Register adds or replaces a role and its default capabilities.
func (r *RoleRegistry) Register(role Role, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role] = slices.Clone(capabilities)
}

// Defaults returns the default capabilities of role.
func (r *RoleRegistry) Defaults(role Role) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.roles[role]
	return slices.Clone(caps), ok
}

// ForCapabilities returns a role whose defaults cover required, preferring
// the role with the fewest extra capabilities.
func (r *RoleRegistry) ForCapabilities(required []string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]Role, 0, len(r.roles))
	for role := range r.roles {
		names = append(names, role)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	best, bestExtra := Role(""), -1
	for _, role := range names {
		a := Agent{Capabilities: r.roles[role]}
		if len(required) == 0 || !a.HasAll(required) {
			continue
		}
		extra := len(a.Capabilities) - len(required)
		if bestExtra < 0 || extra < bestExtra {
			best, bestExtra = role, extra
		}
	}
	return best, bestExtra >= 0
}

// Roles lists the registered roles in name order.
func (r *RoleRegistry) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.roles))
	for role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
