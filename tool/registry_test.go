package tool

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/conductor/comms"
)

var querySchema = map[string]any{
	"type":                 "object",
	"properties":           map[string]any{"query": map[string]any{"type": "string", "minLength": 1}},
	"required":             []any{"query"},
	"additionalProperties": false,
}

func echoTool(calls *int32) *Func {
	return &Func{
		ToolName: "echo",
		Desc:     "returns its query",
		Params:   querySchema,
		Capset:   "test",
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			atomic.AddInt32(calls, 1)
			return args["query"], nil
		},
	}
}

type allowList map[string][]string

func (a allowList) CanInvoke(agentID, name string) bool {
	for _, n := range a[agentID] {
		if n == name {
			return true
		}
	}
	return false
}

func mustRegister(t *testing.T, r *Registry, tl Tool, opts ...RegisterOption) {
	t.Helper()
	if err := r.Register(tl, opts...); err != nil {
		t.Fatalf("Register(%s): %v", tl.Name(), err)
	}
}

func TestRegistry_InvokeSuccess(t *testing.T) {
	bus := comms.NewBus()
	sub, _ := bus.Subscribe(comms.SubscribeOptions{}, "tool.*")
	r := NewRegistry(WithPublisher(bus))
	var calls int32
	mustRegister(t, r, echoTool(&calls))

	res := r.Invoke(context.Background(), "echo", map[string]any{"query": "hi"}, "")
	if !res.OK || res.Data != "hi" {
		t.Fatalf("result = %+v", res)
	}
	if err := res.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	d1, _ := sub.TryNext()
	d2, _ := sub.TryNext()
	if d1.Topic != comms.TopicToolInvoked || d2.Topic != comms.TopicToolCompleted {
		t.Errorf("topics = %s, %s", d1.Topic, d2.Topic)
	}
}

func TestRegistry_SchemaViolationNeverReachesExecutor(t *testing.T) {
	r := NewRegistry()
	var calls int32
	mustRegister(t, r, echoTool(&calls))

	for name, args := range map[string]map[string]any{
		"missing":    {},
		"wrong type": {"query": 42},
		"empty":      {"query": ""},
		"extra":      {"query": "x", "other": true},
	} {
		res := r.Invoke(context.Background(), "echo", args, "")
		if res.OK || res.ErrorKind != KindInvalidArguments {
			t.Errorf("%s: ok=%v kind=%s", name, res.OK, res.ErrorKind)
		}
		if !errors.Is(res.Err(), ErrInvalidArguments) {
			t.Errorf("%s: Err() = %v", name, res.Err())
		}
	}
	if calls != 0 {
		t.Errorf("executor ran %d times", calls)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	res := NewRegistry().Invoke(context.Background(), "ghost", nil, "")
	if res.ErrorKind != KindNotFound || !errors.Is(res.Err(), ErrNotFound) {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	var calls int32
	mustRegister(t, r, echoTool(&calls))
	if err := r.Register(echoTool(&calls)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Register = %v", err)
	}
}

func TestRegistry_BadSchemaRejected(t *testing.T) {
	if err := NewRegistry().Register(&Func{ToolName: "bad", Params: map[string]any{"type": 12}}); err == nil {
		t.Error("bad schema accepted")
	}
}

func TestRegistry_PolicyForbids(t *testing.T) {
	r := NewRegistry(WithPolicy(allowList{"a1": {"echo"}}))
	var calls int32
	mustRegister(t, r, echoTool(&calls))
	args := map[string]any{"query": "x"}

	if res := r.Invoke(context.Background(), "echo", args, "a2"); res.ErrorKind != KindForbidden {
		t.Errorf("a2 kind = %s, want forbidden", res.ErrorKind)
	}
	if res := r.Invoke(context.Background(), "echo", args, "a1"); !res.OK {
		t.Errorf("a1 result = %+v", res)
	}
	// Administrative invocation bypasses the policy.
	if res := r.Invoke(context.Background(), "echo", args, ""); !res.OK {
		t.Errorf("admin result = %+v", res)
	}
}

func TestRegistry_TimeoutCancelsExecutor(t *testing.T) {
	r := NewRegistry()
	cancelled := make(chan struct{})
	mustRegister(t, r, &Func{
		ToolName: "slow",
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		},
	}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	res := r.Invoke(context.Background(), "slow", nil, "")
	if res.ErrorKind != KindTimeout || !errors.Is(res.Err(), ErrToolTimeout) {
		t.Errorf("result = %+v", res)
	}
	if d := time.Since(start); d >= 2*time.Second {
		t.Errorf("timeout took %s", d)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("executor context was not cancelled")
	}
}

func TestRegistry_TimeoutWhenExecutorIgnoresContext(t *testing.T) {
	r := NewRegistry(WithDefaultTimeout(20 * time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	mustRegister(t, r, &Func{
		ToolName: "stubborn",
		Fn: func(context.Context, map[string]any) (any, error) {
			<-release
			return "late", nil
		},
	})

	if res := r.Invoke(context.Background(), "stubborn", nil, ""); res.ErrorKind != KindTimeout {
		t.Errorf("kind = %s, want timeout", res.ErrorKind)
	}
}

func TestRegistry_CallerCancellation(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &Func{
		ToolName: "wait",
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if res := r.Invoke(ctx, "wait", nil, ""); res.ErrorKind != KindCancelled {
		t.Errorf("kind = %s, want cancelled", res.ErrorKind)
	}
}

func TestRegistry_ExecutorErrorsAndPanics(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &Func{
		ToolName: "fails",
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("exit status 1")
		},
	})
	mustRegister(t, r, &Func{
		ToolName: "kinded",
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, Errorf("blocked_command", "command %q is not allowed", "rm -rf /")
		},
	})
	mustRegister(t, r, &Func{
		ToolName: "panics",
		Fn: func(context.Context, map[string]any) (any, error) {
			panic("kaboom")
		},
	})

	res := r.Invoke(context.Background(), "fails", nil, "")
	if res.ErrorKind != KindExecution || res.Message != "exit status 1" || !errors.Is(res.Err(), ErrToolExecution) {
		t.Errorf("fails = %+v", res)
	}
	if res = r.Invoke(context.Background(), "kinded", nil, ""); res.ErrorKind != "blocked_command" {
		t.Errorf("kinded kind = %s", res.ErrorKind)
	}
	res = r.Invoke(context.Background(), "panics", nil, "")
	if res.ErrorKind != KindExecution || !strings.Contains(res.Message, "kaboom") {
		t.Errorf("panics = %+v", res)
	}
}

func TestRegistry_Descriptors(t *testing.T) {
	r := NewRegistry(WithDefaultTimeout(time.Minute))
	var calls int32
	mustRegister(t, r, echoTool(&calls), WithTimeout(time.Second))
	mustRegister(t, r, &Func{ToolName: "alpha"})

	ds := r.Descriptors()
	if len(ds) != 2 {
		t.Fatalf("descriptors = %d, want 2", len(ds))
	}
	if ds[0].Name != "alpha" || ds[0].Timeout != time.Minute {
		t.Errorf("first = %s %s", ds[0].Name, ds[0].Timeout)
	}
	if ds[1].Name != "echo" || ds[1].Timeout != time.Second {
		t.Errorf("second = %s %s", ds[1].Name, ds[1].Timeout)
	}

	if err := r.Unregister("alpha"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := r.Get("alpha"); ok {
		t.Error("alpha still registered")
	}
	if err := r.Unregister("alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Unregister = %v", err)
	}
}
