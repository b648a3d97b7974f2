package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/internal/tracing"
)

const defaultTimeout = 30 * time.Second

// Policy decides whether an agent may call a tool.
type Policy interface {
	CanInvoke(agentID, toolName string) bool
}

type entry struct {
	tool    Tool
	schema  *jsonschema.Schema
	timeout time.Duration
}

// Registry holds tools and mediates every invocation: lookup, policy,
// schema validation, timeout and result shaping.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	policy  Policy
	pub     comms.Publisher
	logger  *slog.Logger
	timeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPolicy enforces per-agent access. Invocations with an empty agent id
// bypass the policy.
func WithPolicy(p Policy) RegistryOption { return func(r *Registry) { r.policy = p } }

// WithPublisher publishes tool.invoked and tool.completed events.
func WithPublisher(p comms.Publisher) RegistryOption { return func(r *Registry) { r.pub = p } }

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption { return func(r *Registry) { r.logger = l } }

// WithDefaultTimeout sets the timeout for tools registered without one.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  slog.Default(),
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterOption tunes one registration.
type RegisterOption func(*entry)

// WithTimeout overrides the invocation timeout for a single tool.
func WithTimeout(d time.Duration) RegisterOption {
	return func(e *entry) { e.timeout = d }
}

// Register compiles the tool's schema and adds it to the registry.
func (r *Registry) Register(t Tool, opts ...RegisterOption) error {
	schema, err := compileSchema(t)
	if err != nil {
		return err
	}
	e := &entry{tool: t, schema: schema}
	for _, o := range opts {
		o(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[t.Name()]; exists {
		return fmt.Errorf("tool %q: %w", t.Name(), ErrDuplicate)
	}
	r.entries[t.Name()] = e
	return nil
}

func compileSchema(t Tool) (*jsonschema.Schema, error) {
	if t.Schema() == nil {
		return nil, nil
	}
	raw, err := json.Marshal(t.Schema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %q: %w", t.Name(), err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", t.Name(), err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	return compiled, nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("tool %q: %w", name, ErrNotFound)
	}
	delete(r.entries, name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Descriptors lists registered tools sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Descriptor{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Capability:  e.tool.Capability(),
			Schema:      e.tool.Schema(),
			Timeout:     r.timeoutFor(e),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) timeoutFor(e *entry) time.Duration {
	if e.timeout > 0 {
		return e.timeout
	}
	return r.timeout
}

// Invoke validates args and runs the named tool. It never returns an error:
// every failure, including panics and timeouts, is folded into the Result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, agentID string) Result {
	ctx, span := tracing.StartSpan(ctx, "tool.invoke",
		attribute.String("tool.name", name),
		attribute.String("agent.id", agentID),
	)
	defer span.End()

	if agentID != "" {
		ctx = WithAgentID(ctx, agentID)
	}
	start := time.Now()
	res := r.invoke(ctx, name, args, agentID)
	elapsed := time.Since(start)

	if res.OK {
		tracing.OK(span)
	} else {
		span.SetAttributes(attribute.String("tool.error_kind", res.ErrorKind))
		tracing.Fail(span, res.Message)
		r.logger.Debug("tool failed", "tool", name, "agent", agentID, "kind", res.ErrorKind, "error", res.Message)
	}
	if r.pub != nil {
		r.pub.Publish(comms.TopicToolCompleted, map[string]any{
			"tool":        name,
			"agent_id":    agentID,
			"ok":          res.OK,
			"error_kind":  res.ErrorKind,
			"duration_ms": elapsed.Milliseconds(),
		})
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, name string, args map[string]any, agentID string) Result {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Failure(KindNotFound, fmt.Sprintf("tool %q not registered", name))
	}
	if agentID != "" && r.policy != nil && !r.policy.CanInvoke(agentID, name) {
		return Failure(KindForbidden, fmt.Sprintf("agent %s may not invoke %q", agentID, name))
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validate(e.schema, args); err != nil {
		return Failure(KindInvalidArguments, err.Error())
	}

	if r.pub != nil {
		r.pub.Publish(comms.TopicToolInvoked, map[string]any{"tool": name, "agent_id": agentID})
	}
	return r.execute(ctx, e, args)
}

func validate(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	// Validate the JSON form so Go-typed arguments are checked exactly as a
	// wire payload would be.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON encodable: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

type outcome struct {
	data any
	err  error
}

func (r *Registry) execute(parent context.Context, e *entry, args map[string]any) Result {
	ctx, cancel := context.WithTimeout(parent, r.timeoutFor(e))
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		data, err := e.tool.Execute(ctx, args)
		done <- outcome{data: data, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return Success(o.data)
		}
		if ctx.Err() != nil {
			return ctxFailure(parent, r.timeoutFor(e))
		}
		var te *Error
		if errors.As(o.err, &te) {
			return Failure(te.Kind, te.Err.Error())
		}
		return Failure(KindExecution, o.err.Error())
	case <-ctx.Done():
		return ctxFailure(parent, r.timeoutFor(e))
	}
}

func ctxFailure(parent context.Context, timeout time.Duration) Result {
	if parent.Err() != nil {
		return Failure(KindCancelled, parent.Err().Error())
	}
	return Failure(KindTimeout, fmt.Sprintf("exceeded %s", timeout))
}
