package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/broadcast"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/orchestrator"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/tool"
	"github.com/GoCodeAlone/conductor/webhook"
)

type stack struct {
	bus   *comms.Bus
	tasks *task.Store
	srv   *Server
}

// newTestServer wires the real services with an in-memory store. The
// orchestrator loop is not started, so submitted tasks stay where Create
// put them.
func newTestServer(t *testing.T, mutate func(*config.Config)) *stack {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	bus := comms.NewBus()
	store := task.NewStore(task.NewMemoryRepository(), bus)
	pool := agent.NewPool(bus, agent.WithTasks(store))
	t.Cleanup(pool.Close)
	reg := tool.NewRegistry(tool.WithPolicy(pool), tool.WithPublisher(bus))
	orch := orchestrator.New(store, pool, reg, bus)
	hooks := webhook.NewManager(bus)
	t.Cleanup(hooks.Close)
	hub := broadcast.NewHub(bus)
	t.Cleanup(hub.Close)

	srv := New(cfg, Deps{
		Orchestrator: orch,
		Tasks:        store,
		Agents:       pool,
		Tools:        reg,
		Webhooks:     hooks,
		Events:       hub,
		Bus:          bus,
	}, nil)
	return &stack{bus: bus, tasks: store, srv: srv}
}

func (s *stack) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (s *stack) task(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := s.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return tk
}
