package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/tool"
)

// schedule runs one pass: fail orphaned tasks, release or fail waiting tasks,
// expire queue timeouts, hand queued tasks to idle agents and settle parents.
func (o *Orchestrator) schedule(ctx context.Context) {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	tasks, err := o.store.List(ctx, task.Filter{})
	if err != nil {
		o.logger.Error("schedule: list tasks", "error", err)
		return
	}
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		if t.Status == task.StatusAssigned || t.Status == task.StatusRunning {
			o.failOrphan(ctx, t, byID)
		}
	}
	for _, t := range tasks {
		if byID[t.ID].Status == task.StatusWaiting && !t.IsParent() {
			o.resolveDependencies(ctx, t, byID)
		}
	}
	for _, t := range tasks {
		if byID[t.ID].Status == task.StatusQueued {
			o.assign(ctx, byID[t.ID], byID)
		}
	}
	for _, t := range tasks {
		if t.Status == task.StatusWaiting && t.IsParent() {
			o.settle(ctx, t, byID)
		}
	}
}

// failOrphan fails an in-flight task whose agent is no longer in the pool,
// which is the case for every such task left behind by a previous process.
func (o *Orchestrator) failOrphan(ctx context.Context, t *task.Task, byID map[string]*task.Task) {
	if o.inFlight(t.ID) {
		return
	}
	if t.AssignedAgent != "" {
		if _, err := o.pool.Get(t.AssignedAgent); err == nil {
			return
		}
	}
	failed, err := o.store.Transition(ctx, t.ID, task.StatusFailed, task.Outcome{Error: &task.Failure{
		Kind:    task.ReasonAgentRemoved,
		Message: fmt.Sprintf("agent %q is no longer in the pool", t.AssignedAgent),
	}})
	if err != nil {
		o.logger.Debug("fail orphaned task", "task", t.ID, "error", err)
		return
	}
	o.logger.Warn("failed orphaned task", "task", t.ID, "agent", t.AssignedAgent, "status", t.Status)
	o.update(byID, failed)
}

func (o *Orchestrator) update(byID map[string]*task.Task, t *task.Task) {
	if t != nil {
		byID[t.ID] = t
	}
}

// resolveDependencies queues a waiting task once every dependency completed,
// or fails it as soon as one did not.
func (o *Orchestrator) resolveDependencies(ctx context.Context, t *task.Task, byID map[string]*task.Task) {
	ready := true
	for _, id := range t.DependsOn {
		dep, ok := byID[id]
		if !ok {
			ready = false
			continue
		}
		var reason string
		switch dep.Status {
		case task.StatusCompleted:
			continue
		case task.StatusFailed:
			reason = task.ReasonDependencyFailed
		case task.StatusCancelled:
			reason = task.ReasonDependencyCancelled
		default:
			ready = false
			continue
		}
		updated, err := o.store.Transition(ctx, t.ID, task.StatusFailed, task.Outcome{
			Error: &task.Failure{Kind: reason, Message: fmt.Sprintf("dependency %s %s", dep.ID, dep.Status)},
		})
		if err != nil {
			o.logger.Debug("propagate dependency failure", "task", t.ID, "error", err)
			return
		}
		o.update(byID, updated)
		return
	}
	if !ready {
		return
	}
	updated, err := o.store.Transition(ctx, t.ID, task.StatusQueued, task.Outcome{})
	if err != nil {
		o.logger.Debug("release waiting task", "task", t.ID, "error", err)
		return
	}
	o.update(byID, updated)
}

// assign hands a queued task to an idle agent, spawning one when allowed.
func (o *Orchestrator) assign(ctx context.Context, t *task.Task, byID map[string]*task.Task) {
	if timeout := o.queueTimeoutFor(t); timeout > 0 && o.now().Sub(t.UpdatedAt) > timeout {
		updated, err := o.store.Transition(ctx, t.ID, task.StatusFailed, task.Outcome{
			Error: &task.Failure{
				Kind:    task.ReasonNoAgentAvailable,
				Message: fmt.Sprintf("%v: nothing served %s within %s", ErrNoAgentAvailable, strings.Join(t.Capabilities, ","), timeout),
			},
		})
		if err == nil {
			o.logger.Warn("task expired in queue", "task", t.ID, "capabilities", t.Capabilities)
			o.update(byID, updated)
		}
		return
	}

	a := o.pool.FindIdle(t.Capabilities)
	if a == nil {
		a = o.spawnFor(ctx, t)
		if a == nil {
			return
		}
	}
	if err := o.pool.MarkBusy(a.ID, t.ID); err != nil {
		return
	}
	assigned, err := o.store.Transition(ctx, t.ID, task.StatusAssigned, task.Outcome{Agent: a.ID})
	if err != nil {
		_ = o.pool.MarkIdle(a.ID, agent.OutcomeNone)
		o.logger.Debug("assign task", "task", t.ID, "error", err)
		return
	}
	o.update(byID, assigned)

	if err := o.pool.Dispatch(a.ID, o.job(a.ID, assigned)); err != nil {
		o.logger.Warn("dispatch failed, requeueing", "task", t.ID, "agent", a.ID, "error", err)
		if requeued, err := o.store.Transition(ctx, t.ID, task.StatusQueued, task.Outcome{}); err == nil {
			o.update(byID, requeued)
		}
		_ = o.pool.MarkIdle(a.ID, agent.OutcomeNone)
	}
}

func (o *Orchestrator) queueTimeoutFor(t *task.Task) time.Duration {
	if t.QueueTimeout > 0 {
		return t.QueueTimeout
	}
	return o.queueTimeout
}

// spawnFor spawns an agent for t when no agent in the pool could ever serve
// it and the pool has room.
func (o *Orchestrator) spawnFor(ctx context.Context, t *task.Task) *agent.Agent {
	if !o.autoSpawn || o.pool.Serves(t.Capabilities) || o.pool.Full() {
		return nil
	}
	role, ok := o.pool.Roles().ForCapabilities(t.Capabilities)
	if !ok {
		return nil
	}
	a, err := o.pool.Spawn(ctx, agent.SpawnRequest{Role: role})
	if err != nil {
		o.logger.Warn("implicit spawn failed", "task", t.ID, "role", role, "error", err)
		return nil
	}
	o.logger.Info("spawned agent for task", "task", t.ID, "agent", a.ID, "role", role)
	return a
}

// job runs on the agent's runtime: it moves the task to running, invokes the
// tool and records the outcome.
func (o *Orchestrator) job(agentID string, t *task.Task) agent.Job {
	return func(rctx context.Context) {
		storeCtx := context.WithoutCancel(rctx)
		ctx, cancel := context.WithCancel(rctx)
		defer cancel()
		o.track(t.ID, cancel)
		defer o.untrack(t.ID)
		defer o.Trigger()

		if _, err := o.store.Transition(storeCtx, t.ID, task.StatusRunning, task.Outcome{}); err != nil {
			o.logger.Debug("task not started", "task", t.ID, "agent", agentID, "error", err)
			_ = o.pool.MarkIdle(agentID, agent.OutcomeNone)
			return
		}

		args := maps.Clone(t.Args)
		if args == nil {
			args = map[string]any{}
		}
		if len(t.DependsOn) > 0 {
			args["inputs"] = o.inputs(storeCtx, t)
		}

		res := o.tools.Invoke(tool.WithTaskID(ctx, t.ID), t.Tool, args, agentID)

		to, outcome, out := task.StatusCompleted, agent.OutcomeCompleted, task.Outcome{Result: res.Data}
		if !res.OK {
			to, outcome = task.StatusFailed, agent.OutcomeFailed
			out = task.Outcome{Error: &task.Failure{Kind: res.ErrorKind, Message: res.Message}}
		}
		if _, err := o.store.Transition(storeCtx, t.ID, to, out); err != nil {
			if errors.Is(err, task.ErrInvalidTransition) {
				o.logger.Info("discarding late result", "task", t.ID, "agent", agentID, "ok", res.OK)
			} else {
				o.logger.Error("record task result", "task", t.ID, "error", err)
			}
			outcome = agent.OutcomeNone
		}
		if err := o.pool.MarkIdle(agentID, outcome); err != nil && !errors.Is(err, agent.ErrNotFound) {
			o.logger.Warn("release agent", "agent", agentID, "error", err)
		}
	}
}

// inputs collects the results of t's dependencies in declaration order.
func (o *Orchestrator) inputs(ctx context.Context, t *task.Task) []any {
	out := make([]any, 0, len(t.DependsOn))
	for _, id := range t.DependsOn {
		dep, err := o.store.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{"task_id": dep.ID, "kind": dep.Kind, "result": dep.Result})
	}
	return out
}

// settle completes or fails a parent once all of its children are terminal.
func (o *Orchestrator) settle(ctx context.Context, p *task.Task, byID map[string]*task.Task) {
	results := make([]ChildResult, 0, len(p.Children))
	var failed []string
	for _, id := range p.Children {
		c, ok := byID[id]
		if !ok || !c.Status.IsTerminal() {
			return
		}
		results = append(results, ChildResult{TaskID: c.ID, Kind: c.Kind, Status: c.Status, Result: c.Result, Error: c.Error})
		if c.Status != task.StatusCompleted && !c.Optional {
			failed = append(failed, fmt.Sprintf("%s (%s)", c.ID, c.Status))
		}
	}

	var (
		updated *task.Task
		err     error
	)
	if len(failed) > 0 {
		updated, err = o.store.Transition(ctx, p.ID, task.StatusFailed, task.Outcome{
			Error: &task.Failure{Kind: task.ReasonChildFailed, Message: "required subtasks did not complete: " + strings.Join(failed, ", ")},
		})
	} else {
		updated, err = o.store.Transition(ctx, p.ID, task.StatusCompleted, task.Outcome{Result: results})
	}
	if err != nil {
		o.logger.Debug("settle parent", "task", p.ID, "error", err)
		return
	}
	o.logger.Info("command settled", "task", p.ID, "status", updated.Status)
	o.update(byID, updated)
}
