package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/broadcast"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/internal/version"
	"github.com/GoCodeAlone/conductor/orchestrator"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/webhook"
)

const maxBody = 1 << 20

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Orchestrator Orchestrator
	Tasks        Tasks
	Agents       Agents
	Tools        Tools
	Webhooks     Webhooks
	Events       Events
	Bus          comms.Source
	Logger       *slog.Logger
	StartedAt    time.Time

	// CommandLimit wraps the command and plan intake routes. Nil means no
	// limit.
	CommandLimit func(http.Handler) http.Handler
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	limit := h.CommandLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /api/commands", limit(http.HandlerFunc(h.submitCommand)))
	mux.Handle("POST /api/plans", limit(http.HandlerFunc(h.submitPlan)))

	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/stats", h.taskStats)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.cancelTask)

	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("POST /api/agents", h.spawnAgent)
	mux.HandleFunc("GET /api/agents/stats", h.agentStats)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", h.removeAgent)

	mux.HandleFunc("GET /api/tools", h.listTools)
	mux.HandleFunc("POST /api/tools/{name}/execute", h.executeTool)

	mux.HandleFunc("GET /api/events", h.Events.ServePoll)
	mux.HandleFunc("GET /api/events/ws", h.Events.ServeWS)
	mux.HandleFunc("GET /api/events/sse", h.Events.ServeSSE)
	mux.HandleFunc("GET /api/events/connections", h.listConnections)

	mux.HandleFunc("POST /api/webhooks", h.registerWebhook)
	mux.HandleFunc("GET /api/webhooks", h.listWebhooks)
	mux.HandleFunc("GET /api/webhooks/{id}", h.getWebhook)
	mux.HandleFunc("DELETE /api/webhooks/{id}", h.deregisterWebhook)
	mux.HandleFunc("GET /api/webhooks/{id}/deliveries", h.listDeliveries)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", ErrBadRequest, err)
	}
	return nil
}

// --- Commands and plans ---

func (h *Handlers) submitCommand(w http.ResponseWriter, r *http.Request) {
	var cmd orchestrator.Command
	if err := decode(r, &cmd); err != nil {
		h.fail(w, r, err)
		return
	}
	receipt, err := h.Orchestrator.Submit(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

type planRequest struct {
	orchestrator.Plan
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *Handlers) submitPlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Orchestrator.SubmitPlan(r.Context(), req.Plan, req.Metadata)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		Kind:          q.Get("kind"),
		ParentID:      q.Get("parent_id"),
		AssignedAgent: q.Get("agent_id"),
	}
	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s))
			return
		}
		filter.Status = &st
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.fail(w, r, err)
		return
	}

	tasks, err := h.Tasks.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", ErrBadRequest, s)
	}
	return n, nil
}

func (h *Handlers) taskStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Tasks.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Orchestrator.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	agents := h.Agents.List()
	if agents == nil {
		agents = []*agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var req agent.SpawnRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.Agents.Spawn(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) agentStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Agents.Stats())
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Get(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) removeAgent(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.Agents.Remove(r.Context(), r.PathValue("id"), force); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tool handlers ---

func (h *Handlers) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Tools.Descriptors())
}

type executeRequest struct {
	Args    map[string]any `json:"args"`
	AgentID string         `json:"agent_id,omitempty"`
}

func (h *Handlers) executeTool(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	res := h.Tools.Invoke(r.Context(), r.PathValue("name"), req.Args, req.AgentID)
	writeJSON(w, statusForResult(res), res)
}

// --- Events ---

func (h *Handlers) listConnections(w http.ResponseWriter, _ *http.Request) {
	conns := h.Events.Connections()
	if conns == nil {
		conns = []broadcast.ConnInfo{}
	}
	writeJSON(w, http.StatusOK, conns)
}

// --- Webhook handlers ---

type webhookRequest struct {
	URL    string   `json:"url"`
	Topics []string `json:"topics"`
	Secret string   `json:"secret,omitempty"`
}

func (h *Handlers) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ep, err := h.Webhooks.Register(r.Context(), req.URL, req.Topics, req.Secret)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (h *Handlers) listWebhooks(w http.ResponseWriter, _ *http.Request) {
	eps := h.Webhooks.List()
	if eps == nil {
		eps = []webhook.Endpoint{}
	}
	writeJSON(w, http.StatusOK, eps)
}

func (h *Handlers) getWebhook(w http.ResponseWriter, r *http.Request) {
	ep, err := h.Webhooks.Get(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *Handlers) deregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.Webhooks.Deregister(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	ds, err := h.Webhooks.Deliveries(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ds == nil {
		ds = []webhook.Delivery{}
	}
	writeJSON(w, http.StatusOK, ds)
}

// --- Status / version ---

// Status is the body of GET /api/status.
type Status struct {
	Status       string      `json:"status"`
	Version      string      `json:"version"`
	Uptime       string      `json:"uptime"`
	Tasks        task.Stats  `json:"tasks"`
	Agents       agent.Stats `json:"agents"`
	InFlight     int         `json:"in_flight"`
	Connections  int         `json:"connections"`
	Webhooks     int         `json:"webhooks"`
	LastSequence uint64      `json:"last_sequence"`
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	ts, err := h.Tasks.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Status{
		Status:       "ok",
		Version:      version.Version,
		Uptime:       time.Since(h.StartedAt).Round(time.Second).String(),
		Tasks:        ts,
		Agents:       h.Agents.Stats(),
		InFlight:     h.Orchestrator.InFlight(),
		Connections:  h.Events.Count(),
		Webhooks:     len(h.Webhooks.List()),
		LastSequence: h.Bus.LastSequence(),
	})
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}
