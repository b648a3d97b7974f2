package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/tool"
)

const waitFor = 5 * time.Second

type harness struct {
	bus   *comms.Bus
	store *task.Store
	pool  *agent.Pool
	tools *tool.Registry
	orch  *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessOn(t, task.NewMemoryRepository(), nil, opts...)
}

// newHarnessOn runs an orchestrator over repo. setup runs before the
// scheduling loop starts.
func newHarnessOn(t *testing.T, repo task.Repository, setup func(h *harness), opts ...Option) *harness {
	t.Helper()
	bus := comms.NewBus(comms.WithBufferSize(4096))
	store := task.NewStore(repo, bus)
	pool := agent.NewPool(bus, agent.WithTasks(store))
	reg := tool.NewRegistry(tool.WithPolicy(pool), tool.WithPublisher(bus))
	o := New(store, pool, reg, bus, append([]Option{WithTick(20 * time.Millisecond)}, opts...)...)
	h := &harness{bus: bus, store: store, pool: pool, tools: reg, orch: o}
	if setup != nil {
		setup(h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		pool.Close()
	})
	return h
}

// eventually polls cond until it holds or waitFor elapses.
func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) spawn(t *testing.T, caps ...string) *agent.Agent {
	t.Helper()
	a, err := h.pool.Spawn(context.Background(), agent.SpawnRequest{Role: agent.RoleCustom, Capabilities: caps})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return a
}

func (h *harness) register(t *testing.T, name string, fn func(ctx context.Context, args map[string]any) (any, error), opts ...tool.RegisterOption) {
	t.Helper()
	if err := h.tools.Register(&tool.Func{ToolName: name, Fn: fn}, opts...); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
}

func (h *harness) submit(t *testing.T, p Plan) *task.Task {
	t.Helper()
	tk, err := h.orch.SubmitPlan(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}
	return tk
}

func (h *harness) await(t *testing.T, id string, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	eventually(t, func() bool {
		tk, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status == want
	}, "task %s never reached %s", id, want)
	return got
}

func (h *harness) child(t *testing.T, parent *task.Task, key string) *task.Task {
	t.Helper()
	for _, id := range parent.Children {
		c, err := h.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if c.Metadata["step"] == key {
			return c
		}
	}
	t.Fatalf("no child with step %q", key)
	return nil
}

func (h *harness) idleAgent(t *testing.T, id string) *agent.Agent {
	t.Helper()
	var got *agent.Agent
	eventually(t, func() bool {
		a, err := h.pool.Get(id)
		got = a
		return err == nil && a.Status == agent.StatusIdle
	}, "agent %s never returned to idle", id)
	return got
}

func wantFailure(t *testing.T, tk *task.Task, kind string) {
	t.Helper()
	if tk.Error == nil {
		t.Fatalf("task %s has no error, want %s", tk.ID, kind)
	}
	if tk.Error.Kind != kind {
		t.Errorf("task %s error kind = %s, want %s (%s)", tk.ID, tk.Error.Kind, kind, tk.Error.Message)
	}
}

// recorder is a tool that logs the label of every call.
type recorder struct {
	mu     sync.Mutex
	labels []string
	inputs map[string]any
}

func (r *recorder) fn(_ context.Context, args map[string]any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	label, _ := args["label"].(string)
	r.labels = append(r.labels, label)
	if r.inputs == nil {
		r.inputs = map[string]any{}
	}
	r.inputs[label] = args["inputs"]
	return label, nil
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.labels...)
}

func TestOrchestrator_DependentRunsAfterDependency(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.register(t, "record", rec.fn)
	h.spawn(t, "record")

	parent := h.submit(t, Plan{Steps: []Step{
		{Key: "a", Kind: "step", Tool: "record", Args: map[string]any{"label": "a"}},
		{Key: "b", Kind: "step", Tool: "record", Args: map[string]any{"label": "x"}, DependsOn: []string{"a"}},
	}})
	if parent.Kind != KindCommand || parent.Status != task.StatusWaiting {
		t.Fatalf("parent = %s/%s, want %s/%s", parent.Kind, parent.Status, KindCommand, task.StatusWaiting)
	}

	done := h.await(t, parent.ID, task.StatusCompleted)
	if got := rec.calls(); !slices.Equal(got, []string{"a", "x"}) {
		t.Errorf("calls = %v, want [a x]", got)
	}

	results, ok := done.Result.([]ChildResult)
	if !ok || len(results) != 2 {
		t.Fatalf("parent result = %#v", done.Result)
	}
	if results[0].Status != task.StatusCompleted {
		t.Errorf("first child status = %s", results[0].Status)
	}
	if results[1].Result != "x" {
		t.Errorf("second child result = %v, want x", results[1].Result)
	}

	a := h.child(t, done, "a")
	b := h.child(t, done, "b")
	if b.StartedAt.Before(*a.CompletedAt) {
		t.Errorf("b started at %s before a completed at %s", b.StartedAt, a.CompletedAt)
	}

	rec.mu.Lock()
	inputs, _ := rec.inputs["x"].([]any)
	rec.mu.Unlock()
	if len(inputs) != 1 {
		t.Fatalf("inputs = %v, want one", inputs)
	}
	in := inputs[0].(map[string]any)
	if in["task_id"] != a.ID || in["result"] != "a" {
		t.Errorf("input = %v, want task %s with result a", in, a.ID)
	}
}

func TestOrchestrator_IndependentTasksRunInParallel(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	var active, peak int32
	h.register(t, "block", func(ctx context.Context, _ map[string]any) (any, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&active, -1)
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	h.spawn(t, "block")
	h.spawn(t, "block")

	parent := h.submit(t, Plan{Steps: []Step{
		{Key: "1", Kind: "step", Tool: "block"},
		{Key: "2", Kind: "step", Tool: "block"},
		{Key: "3", Kind: "step", Tool: "block"},
	}})

	eventually(t, func() bool { return atomic.LoadInt32(&active) == 2 }, "two tasks never ran together")
	st, err := h.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ByStatus[task.StatusRunning] != 2 || st.ByStatus[task.StatusQueued] != 1 {
		t.Errorf("running/queued = %d/%d, want 2/1", st.ByStatus[task.StatusRunning], st.ByStatus[task.StatusQueued])
	}
	if busy := h.pool.Stats().ByStatus[agent.StatusBusy]; busy != 2 {
		t.Errorf("busy agents = %d, want 2", busy)
	}

	close(release)
	h.await(t, parent.ID, task.StatusCompleted)
	if p := atomic.LoadInt32(&peak); p != 2 {
		t.Errorf("peak concurrency = %d, want 2", p)
	}
}

func TestOrchestrator_PriorityOrder(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.register(t, "record", rec.fn)

	parent := h.submit(t, Plan{Steps: []Step{
		{Key: "low", Kind: "step", Tool: "record", Priority: 1, Args: map[string]any{"label": "low"}},
		{Key: "high", Kind: "step", Tool: "record", Priority: 9, Args: map[string]any{"label": "high"}},
		{Key: "mid", Kind: "step", Tool: "record", Priority: 5, Args: map[string]any{"label": "mid"}},
	}})

	h.spawn(t, "record")
	h.await(t, parent.ID, task.StatusCompleted)
	if got, want := rec.calls(), []string{"high", "mid", "low"}; !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestOrchestrator_ToolTimeoutFailsTaskAndFreesAgent(t *testing.T) {
	h := newHarness(t)
	h.register(t, "slow", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, tool.WithTimeout(30*time.Millisecond))
	a := h.spawn(t, "slow")

	tk := h.submit(t, Plan{Steps: []Step{{Kind: "step", Tool: "slow"}}})
	if len(tk.Children) != 0 {
		t.Fatalf("single-step plan created a parent with %d children", len(tk.Children))
	}

	failed := h.await(t, tk.ID, task.StatusFailed)
	wantFailure(t, failed, tool.KindTimeout)
	if failed.AssignedAgent != a.ID {
		t.Errorf("assigned agent = %s, want %s", failed.AssignedAgent, a.ID)
	}

	eventually(t, func() bool {
		got, err := h.pool.Get(a.ID)
		return err == nil && got.Status == agent.StatusIdle && got.FailedCount == 1
	}, "agent was not freed with one failure")
}

func TestOrchestrator_FailurePropagatesWithoutRunningDependents(t *testing.T) {
	h := newHarness(t)
	var downstream int32
	h.register(t, "boom", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("exit status 1")
	})
	h.register(t, "after", func(context.Context, map[string]any) (any, error) {
		atomic.AddInt32(&downstream, 1)
		return "ran", nil
	})
	h.spawn(t, "boom", "after")

	parent := h.submit(t, Plan{Steps: []Step{
		{Key: "a", Kind: "step", Tool: "boom"},
		{Key: "b", Kind: "step", Tool: "after", DependsOn: []string{"a"}},
		{Key: "c", Kind: "step", Tool: "after", DependsOn: []string{"b"}},
	}})

	done := h.await(t, parent.ID, task.StatusFailed)
	wantFailure(t, done, task.ReasonChildFailed)

	a := h.child(t, done, "a")
	wantFailure(t, a, tool.KindExecution)
	if a.Error.Message != "exit status 1" {
		t.Errorf("message = %q", a.Error.Message)
	}
	for _, key := range []string{"b", "c"} {
		c := h.child(t, done, key)
		if c.Status != task.StatusFailed {
			t.Errorf("%s status = %s, want failed", key, c.Status)
		}
		wantFailure(t, c, task.ReasonDependencyFailed)
		if c.StartedAt != nil {
			t.Errorf("%s started at %s", key, c.StartedAt)
		}
	}
	if n := atomic.LoadInt32(&downstream); n != 0 {
		t.Errorf("dependents ran %d times", n)
	}
}

func TestOrchestrator_OptionalChildFailureStillCompletesParent(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ok", func(context.Context, map[string]any) (any, error) { return "fine", nil })
	h.register(t, "bad", func(context.Context, map[string]any) (any, error) { return nil, errors.New("nope") })
	h.spawn(t, "ok", "bad")

	parent := h.submit(t, Plan{Steps: []Step{
		{Key: "main", Kind: "step", Tool: "ok"},
		{Key: "extra", Kind: "step", Tool: "bad", Optional: true},
	}})

	done := h.await(t, parent.ID, task.StatusCompleted)
	results, _ := done.Result.([]ChildResult)
	if len(results) != 2 {
		t.Fatalf("results = %#v", done.Result)
	}
	if results[0].Status != task.StatusCompleted || results[1].Status != task.StatusFailed {
		t.Errorf("statuses = %s/%s, want completed/failed", results[0].Status, results[1].Status)
	}
	if results[1].Error == nil || results[1].Error.Kind != tool.KindExecution {
		t.Errorf("optional child error = %+v", results[1].Error)
	}
}

func TestOrchestrator_RejectsInvalidPlans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		plan Plan
		want error
	}{
		{"cycle", Plan{Steps: []Step{
			{Key: "a", Kind: "step", Tool: "x", DependsOn: []string{"c"}},
			{Key: "b", Kind: "step", Tool: "x", DependsOn: []string{"a"}},
			{Key: "c", Kind: "step", Tool: "x", DependsOn: []string{"b"}},
		}}, ErrCyclicDependency},
		{"self dependency", Plan{Steps: []Step{{Key: "a", Kind: "step", Tool: "x", DependsOn: []string{"a"}}}}, ErrCyclicDependency},
		{"unknown dependency", Plan{Steps: []Step{{Key: "a", Kind: "step", Tool: "x", DependsOn: []string{"ghost"}}}}, ErrInvalidPlan},
		{"duplicate key", Plan{Steps: []Step{{Key: "a", Kind: "step", Tool: "x"}, {Key: "a", Kind: "step", Tool: "x"}}}, ErrInvalidPlan},
		{"unbound kind", Plan{Steps: []Step{{Key: "a", Kind: "mystery"}}}, ErrInvalidPlan},
		{"empty", Plan{}, ErrInvalidPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.orch.SubmitPlan(ctx, tt.plan, nil); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	all, err := h.store.List(ctx, task.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("rejected plans created %d tasks", len(all))
	}
}

func TestOrchestrator_CancelParentCascades(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	aborted := make(chan struct{})
	h.register(t, "hang", func(ctx context.Context, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		close(aborted)
		return nil, ctx.Err()
	})
	h.register(t, "never", func(context.Context, map[string]any) (any, error) { return "no", nil })
	a := h.spawn(t, "hang", "never")

	parent := h.submit(t, Plan{Steps: []Step{
		{Key: "a", Kind: "step", Tool: "hang"},
		{Key: "b", Kind: "step", Tool: "never", DependsOn: []string{"a"}},
	}})

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("first step never started")
	}
	cancelled, err := h.orch.Cancel(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Fatalf("parent status = %s, want cancelled", cancelled.Status)
	}

	select {
	case <-aborted:
	case <-time.After(waitFor):
		t.Fatal("in-flight tool was not aborted")
	}
	for _, key := range []string{"a", "b"} {
		c := h.await(t, h.child(t, cancelled, key).ID, task.StatusCancelled)
		wantFailure(t, c, task.ReasonCancelled)
	}

	// The aborted invocation's late result is discarded and the agent freed
	// without being credited.
	got := h.idleAgent(t, a.ID)
	if n := got.CompletedCount + got.FailedCount; n != 0 {
		t.Errorf("agent credited with %d outcomes", n)
	}

	again, err := h.orch.Cancel(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again.Status != task.StatusCancelled {
		t.Errorf("second cancel status = %s", again.Status)
	}
}

func TestOrchestrator_CancelledDependencyFailsDependents(t *testing.T) {
	h := newHarness(t)
	h.register(t, "after", func(context.Context, map[string]any) (any, error) { return "ran", nil })

	// No agent serves "wait", so the first step stays queued until cancelled.
	parent := h.submit(t, Plan{Steps: []Step{
		{Key: "a", Kind: "step", Tool: "wait"},
		{Key: "b", Kind: "step", Tool: "after", DependsOn: []string{"a"}},
	}})
	h.spawn(t, "after")

	a := h.child(t, parent, "a")
	if _, err := h.orch.Cancel(context.Background(), a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	b := h.await(t, h.child(t, parent, "b").ID, task.StatusFailed)
	wantFailure(t, b, task.ReasonDependencyCancelled)
	done := h.await(t, parent.ID, task.StatusFailed)
	wantFailure(t, done, task.ReasonChildFailed)
}

func TestOrchestrator_QueueTimeout(t *testing.T) {
	h := newHarness(t)
	tk := h.submit(t, Plan{Steps: []Step{
		{Kind: "step", Tool: "unserved", QueueTimeout: 50 * time.Millisecond},
	}})

	failed := h.await(t, tk.ID, task.StatusFailed)
	wantFailure(t, failed, task.ReasonNoAgentAvailable)
	if !strings.Contains(failed.Error.Message, ErrNoAgentAvailable.Error()) {
		t.Errorf("message = %q", failed.Error.Message)
	}
}

func TestOrchestrator_AutoSpawn(t *testing.T) {
	h := newHarness(t, WithAutoSpawn(true))
	h.pool.Roles().Register("recorder", []string{"record"})
	rec := &recorder{}
	h.register(t, "record", rec.fn)

	tk := h.submit(t, Plan{Steps: []Step{
		{Kind: "step", Tool: "record", Args: map[string]any{"label": "auto"}},
	}})

	done := h.await(t, tk.ID, task.StatusCompleted)
	agents := h.pool.List()
	if len(agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(agents))
	}
	if agents[0].Role != "recorder" {
		t.Errorf("role = %s, want recorder", agents[0].Role)
	}
	if done.AssignedAgent != agents[0].ID {
		t.Errorf("assigned agent = %s, want %s", done.AssignedAgent, agents[0].ID)
	}
}

func TestOrchestrator_SubmitRecordsCaller(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, WithDecomposer(DecomposerFunc(func(_ context.Context, cmd Command) (Plan, error) {
		return Plan{Steps: []Step{{Kind: "step", Tool: "record", Args: map[string]any{"label": cmd.Text}}}}, nil
	})))
	h.register(t, "record", rec.fn)
	h.spawn(t, "record")

	ctx := WithCaller(context.Background(), "alice")
	receipt, err := h.orch.Submit(ctx, Command{Text: "  hello  ", Context: map[string]any{"source": "voice"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.TaskID == "" {
		t.Fatal("receipt has no task id")
	}

	done := h.await(t, receipt.TaskID, task.StatusCompleted)
	if done.Metadata["caller"] != "alice" || done.Metadata["command"] != "hello" {
		t.Errorf("metadata = %v", done.Metadata)
	}
	if done.Result != "hello" {
		t.Errorf("result = %v, want hello", done.Result)
	}

	if _, err := h.orch.Submit(ctx, Command{Text: "   "}); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("blank command err = %v, want ErrInvalidPlan", err)
	}
}

func TestOrchestrator_FailsTasksInterruptedByRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "tasks.db")

	// First process: a two-step plan whose first step is running on an agent
	// that dies with the process.
	repo, err := task.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	bus := comms.NewBus()
	store := task.NewStore(repo, bus)
	firstPool := agent.NewPool(bus)
	defer firstPool.Close()
	first := New(store, firstPool, tool.NewRegistry(), bus)
	parent, err := first.SubmitPlan(ctx, Plan{Steps: []Step{
		{Key: "a", Kind: "step", Tool: "work"},
		{Key: "b", Kind: "step", Tool: "work", DependsOn: []string{"a"}},
	}}, nil)
	if err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}
	var running string
	for _, id := range parent.Children {
		c, _ := store.Get(ctx, id)
		if c.Metadata["step"] == "a" {
			running = c.ID
		}
	}
	if _, err := store.Transition(ctx, running, task.StatusAssigned, task.Outcome{Agent: "gone"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := store.Transition(ctx, running, task.StatusRunning, task.Outcome{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Second process: same database, a fresh pool with a capable idle agent.
	reopened, err := task.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	var calls int32
	h := newHarnessOn(t, reopened, func(h *harness) {
		h.register(t, "work", func(context.Context, map[string]any) (any, error) {
			atomic.AddInt32(&calls, 1)
			return "done", nil
		})
		h.spawn(t, "work")
	}, WithTick(10*time.Millisecond), WithQueueTimeout(50*time.Millisecond))

	interrupted := h.await(t, running, task.StatusFailed)
	wantFailure(t, interrupted, task.ReasonAgentRemoved)
	if !strings.Contains(interrupted.Error.Message, "gone") {
		t.Errorf("message = %q, want the lost agent id", interrupted.Error.Message)
	}
	done := h.await(t, parent.ID, task.StatusFailed)
	wantFailure(t, done, task.ReasonChildFailed)
	wantFailure(t, h.child(t, done, "b"), task.ReasonDependencyFailed)
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("work ran %d times after restart", n)
	}
}

func TestOrchestrator_KeepsTasksOfLiveAgents(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.register(t, "hold", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-release:
			return "held", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	h.spawn(t, "hold")

	tk := h.submit(t, Plan{Steps: []Step{{Kind: "step", Tool: "hold"}}})
	h.await(t, tk.ID, task.StatusRunning)
	// Several passes run while the task is in flight.
	time.Sleep(100 * time.Millisecond)
	close(release)
	h.await(t, tk.ID, task.StatusCompleted)
}
