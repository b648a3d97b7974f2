// Package api defines the REST handlers of the conductor server and the
// service interfaces they call.
package api

import (
	"context"
	"net/http"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/broadcast"
	"github.com/GoCodeAlone/conductor/orchestrator"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/tool"
	"github.com/GoCodeAlone/conductor/webhook"
)

// Orchestrator accepts commands and plans and cancels task trees.
type Orchestrator interface {
	Submit(ctx context.Context, cmd orchestrator.Command) (orchestrator.Receipt, error)
	SubmitPlan(ctx context.Context, p orchestrator.Plan, meta map[string]any) (*task.Task, error)
	Cancel(ctx context.Context, id string) (*task.Task, error)
	InFlight() int
}

// Tasks is the read side of the task store.
type Tasks interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, f task.Filter) ([]*task.Task, error)
	Stats(ctx context.Context) (task.Stats, error)
}

// Agents manages the agent pool.
type Agents interface {
	Spawn(ctx context.Context, req agent.SpawnRequest) (*agent.Agent, error)
	Remove(ctx context.Context, id string, force bool) error
	Get(id string) (*agent.Agent, error)
	List() []*agent.Agent
	Stats() agent.Stats
}

// Tools lists and invokes registered tools.
type Tools interface {
	Descriptors() []tool.Descriptor
	Invoke(ctx context.Context, name string, args map[string]any, agentID string) tool.Result
}

// Webhooks manages webhook endpoints.
type Webhooks interface {
	Register(ctx context.Context, url string, topics []string, secret string) (webhook.Endpoint, error)
	Deregister(ctx context.Context, id string) error
	List() []webhook.Endpoint
	Get(id string) (webhook.Endpoint, error)
	Deliveries(id string) ([]webhook.Delivery, error)
}

// Events serves the live channel.
type Events interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ServeSSE(w http.ResponseWriter, r *http.Request)
	ServePoll(w http.ResponseWriter, r *http.Request)
	Connections() []broadcast.ConnInfo
	Count() int
}
