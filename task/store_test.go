package task

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/conductor/comms"
)

func newTestStore(t *testing.T, repo Repository) (*Store, *comms.Subscription) {
	t.Helper()
	bus := comms.NewBus()
	sub, err := bus.Subscribe(comms.SubscribeOptions{QueueSize: 1000}, "task.*")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(sub.Close)
	return NewStore(repo, bus), sub
}

func newSQLiteRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	f, err := os.CreateTemp("", "conductor-task-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	_ = f.Close()
	path := f.Name()
	t.Cleanup(func() { _ = os.Remove(path) })

	repo, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func drainTopics(sub *comms.Subscription) []string {
	var topics []string
	for {
		d, ok := sub.TryNext()
		if !ok {
			return topics
		}
		topics = append(topics, d.Topic)
	}
}

// repos runs fn against both repository backends.
func repos(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryRepository()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteRepo(t)) })
}

func TestStore_CreateAndGet(t *testing.T) {
	repos(t, func(t *testing.T, repo Repository) {
		store, sub := newTestStore(t, repo)
		ctx := context.Background()

		created, err := store.Create(ctx, Spec{
			Kind:         "research",
			Description:  "find things",
			Priority:     10,
			Tool:         "web_search",
			Args:         map[string]any{"query": "go"},
			Capabilities: []string{"search"},
			Metadata:     map[string]any{"caller": "u1"},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if created.ID == "" {
			t.Fatal("Create returned empty ID")
		}
		if created.Status != StatusQueued {
			t.Errorf("Status = %q, want %q", created.Status, StatusQueued)
		}

		got, err := store.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Description != "find things" {
			t.Errorf("Description = %q, want %q", got.Description, "find things")
		}
		if got.Args["query"] != "go" {
			t.Errorf("Args[query] = %v, want go", got.Args["query"])
		}
		if got.Metadata["caller"] != "u1" {
			t.Errorf("Metadata[caller] = %v, want u1", got.Metadata["caller"])
		}
		if len(got.Capabilities) != 1 || got.Capabilities[0] != "search" {
			t.Errorf("Capabilities = %v, want [search]", got.Capabilities)
		}

		topics := drainTopics(sub)
		if len(topics) != 1 || topics[0] != comms.TopicTaskCreated {
			t.Errorf("events = %v, want [task.created]", topics)
		}
	})
}

func TestStore_GetNotFound(t *testing.T) {
	repos(t, func(t *testing.T, repo Repository) {
		store, _ := newTestStore(t, repo)
		_, err := store.Get(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_CreateWithDependencies(t *testing.T) {
	repos(t, func(t *testing.T, repo Repository) {
		store, _ := newTestStore(t, repo)
		ctx := context.Background()

		a, _ := store.Create(ctx, Spec{Kind: "research"})
		b, err := store.Create(ctx, Spec{Kind: "code", DependsOn: []string{a.ID}})
		if err != nil {
			t.Fatalf("Create b: %v", err)
		}
		if b.Status != StatusWaiting {
			t.Errorf("b.Status = %q, want %q", b.Status, StatusWaiting)
		}

		if _, err := store.Create(ctx, Spec{Kind: "code", DependsOn: []string{"nope"}}); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown dependency err = %v, want ErrNotFound", err)
		}
		if _, err := store.Create(ctx, Spec{ID: a.ID, Kind: "research"}); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate id err = %v, want ErrAlreadyExists", err)
		}
	})
}

func TestStore_TransitionLifecycle(t *testing.T) {
	repos(t, func(t *testing.T, repo Repository) {
		store, sub := newTestStore(t, repo)
		ctx := context.Background()

		tk, _ := store.Create(ctx, Spec{Kind: "research"})
		drainTopics(sub)

		tk, err := store.Transition(ctx, tk.ID, StatusAssigned, Outcome{Agent: "agent-1"})
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if tk.AssignedAgent != "agent-1" {
			t.Errorf("AssignedAgent = %q, want agent-1", tk.AssignedAgent)
		}
		tk, err = store.Transition(ctx, tk.ID, StatusRunning, Outcome{})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if tk.StartedAt == nil {
			t.Fatal("StartedAt not set on running")
		}
		tk, err = store.Transition(ctx, tk.ID, StatusCompleted, Outcome{Result: "x"})
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if tk.Result != "x" {
			t.Errorf("Result = %v, want x", tk.Result)
		}
		if tk.Error != nil {
			t.Errorf("Error = %v, want nil", tk.Error)
		}
		if tk.CompletedAt == nil {
			t.Error("CompletedAt not set on terminal transition")
		}

		want := []string{comms.TopicTaskAssigned, comms.TopicTaskRunning, comms.TopicTaskCompleted}
		got := drainTopics(sub)
		if len(got) != len(want) {
			t.Fatalf("events = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})
}

func TestStore_TerminalStatesAreFinal(t *testing.T) {
	store, sub := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()

	tk, _ := store.Create(ctx, Spec{Kind: "research"})
	if _, err := store.Transition(ctx, tk.ID, StatusFailed, Outcome{Error: &Failure{Kind: "boom"}}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	drainTopics(sub)

	for _, to := range []Status{StatusQueued, StatusRunning, StatusCompleted, StatusCancelled} {
		if _, err := store.Transition(ctx, tk.ID, to, Outcome{}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("failed -> %s err = %v, want ErrInvalidTransition", to, err)
		}
	}
	if got := drainTopics(sub); len(got) != 0 {
		t.Errorf("rejected transitions published %v", got)
	}
}

func TestStore_RejectsSkippedEdges(t *testing.T) {
	store, _ := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()

	tk, _ := store.Create(ctx, Spec{Kind: "research"})
	if _, err := store.Transition(ctx, tk.ID, StatusRunning, Outcome{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("queued -> running err = %v, want ErrInvalidTransition", err)
	}
	if _, err := store.Transition(ctx, tk.ID, StatusCompleted, Outcome{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("queued -> completed err = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_RunningRequiresCompletedDependencies(t *testing.T) {
	store, _ := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()

	a, _ := store.Create(ctx, Spec{Kind: "research"})
	b, _ := store.Create(ctx, Spec{Kind: "code", DependsOn: []string{a.ID}})

	// Force b onto the assigned edge despite the unmet dependency.
	if _, err := store.Transition(ctx, b.ID, StatusQueued, Outcome{}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.Transition(ctx, b.ID, StatusAssigned, Outcome{Agent: "ag"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err := store.Transition(ctx, b.ID, StatusRunning, Outcome{})
	if !errors.Is(err, ErrDependencyUnmet) {
		t.Fatalf("running with unmet dependency err = %v, want ErrDependencyUnmet", err)
	}
	got, _ := store.Get(ctx, b.ID)
	if got.Status != StatusAssigned || got.StartedAt != nil {
		t.Errorf("b = %s started %v, want assigned and not started", got.Status, got.StartedAt)
	}
}

func TestStore_CancelIsIdempotent(t *testing.T) {
	store, sub := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()

	tk, _ := store.Create(ctx, Spec{Kind: "research"})
	drainTopics(sub)

	first, err := store.Cancel(ctx, tk.ID, "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if first.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", first.Status)
	}
	if first.Error == nil || first.Error.Kind != ReasonCancelled {
		t.Errorf("Error = %v, want kind %q", first.Error, ReasonCancelled)
	}

	second, err := store.Cancel(ctx, tk.ID, "")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) || second.Status != first.Status {
		t.Errorf("second cancel changed the record: %+v", second)
	}
	if got := drainTopics(sub); len(got) != 1 {
		t.Errorf("events = %v, want exactly one task.cancelled", got)
	}
}

func TestStore_ParentCompletesFromWaiting(t *testing.T) {
	store, _ := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()

	parent, err := store.Create(ctx, Spec{ID: "p", Kind: "command", Children: []string{"c1"}})
	if err != nil {
		t.Fatalf("Create parent: %v", err)
	}
	if parent.Status != StatusWaiting {
		t.Errorf("parent.Status = %q, want %q", parent.Status, StatusWaiting)
	}
	if _, err := store.Transition(ctx, "p", StatusCompleted, Outcome{Result: []any{"x"}}); err != nil {
		t.Fatalf("complete parent: %v", err)
	}

	leaf, _ := store.Create(ctx, Spec{Kind: "code", DependsOn: []string{"p"}})
	if leaf.Status != StatusQueued {
		t.Errorf("leaf.Status = %q, want queued once its dependency completed", leaf.Status)
	}

	other, _ := store.Create(ctx, Spec{Kind: "code", DependsOn: []string{leaf.ID}})
	if _, err := store.Transition(ctx, other.ID, StatusCompleted, Outcome{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("non-parent waiting -> completed err = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_ListOrderingAndFilter(t *testing.T) {
	repos(t, func(t *testing.T, repo Repository) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		bus := comms.NewBus()
		store := NewStore(repo, bus, WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}))
		ctx := context.Background()

		low, _ := store.Create(ctx, Spec{Kind: "research", Priority: 1})
		high, _ := store.Create(ctx, Spec{Kind: "code", Priority: 9})
		lowLater, _ := store.Create(ctx, Spec{Kind: "research", Priority: 1})

		all, err := store.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		want := []string{high.ID, low.ID, lowLater.ID}
		if len(all) != len(want) {
			t.Fatalf("List len = %d, want %d", len(all), len(want))
		}
		for i, id := range want {
			if all[i].ID != id {
				t.Errorf("List[%d] = %s, want %s", i, all[i].ID, id)
			}
		}

		research, _ := store.List(ctx, Filter{Kind: "research"})
		if len(research) != 2 {
			t.Errorf("Kind filter len = %d, want 2", len(research))
		}

		page, _ := store.List(ctx, Filter{Limit: 1, Offset: 1})
		if len(page) != 1 || page[0].ID != low.ID {
			t.Errorf("page = %v, want [%s]", page, low.ID)
		}

		store.Cancel(ctx, low.ID, "")
		cancelled := StatusCancelled
		got, _ := store.List(ctx, Filter{Status: &cancelled})
		if len(got) != 1 || got[0].ID != low.ID {
			t.Errorf("Status filter = %v, want [%s]", got, low.ID)
		}
	})
}

func TestStore_Stats(t *testing.T) {
	repos(t, func(t *testing.T, repo Repository) {
		store, _ := newTestStore(t, repo)
		ctx := context.Background()

		a, _ := store.Create(ctx, Spec{Kind: "research"})
		store.Create(ctx, Spec{Kind: "research"})
		store.Cancel(ctx, a.ID, "")

		st, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.Total != 2 {
			t.Errorf("Total = %d, want 2", st.Total)
		}
		if st.ByStatus[StatusQueued] != 1 || st.ByStatus[StatusCancelled] != 1 {
			t.Errorf("ByStatus = %v", st.ByStatus)
		}
	})
}

func TestStore_ConcurrentCompletionsAreSerialized(t *testing.T) {
	store, sub := newTestStore(t, NewMemoryRepository())
	ctx := context.Background()

	tk, _ := store.Create(ctx, Spec{Kind: "research"})
	store.Transition(ctx, tk.ID, StatusAssigned, Outcome{Agent: "a"})
	store.Transition(ctx, tk.ID, StatusRunning, Outcome{})
	drainTopics(sub)

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Transition(ctx, tk.ID, StatusCompleted, Outcome{Result: i}); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}(i)
	}
	wg.Wait()

	if ok != 1 {
		t.Errorf("successful completions = %d, want 1", ok)
	}
	if got := drainTopics(sub); len(got) != 1 {
		t.Errorf("events = %v, want one task.completed", got)
	}
}
