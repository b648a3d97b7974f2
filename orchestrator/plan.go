package orchestrator

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Plan is an explicit task DAG. Steps reference each other by Key.
type Plan struct {
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// Step is one node of a Plan. Tool and Args may be left empty when a Binding
// exists for Kind.
type Step struct {
	Key          string         `json:"key"`
	Kind         string         `json:"kind"`
	Description  string         `json:"description"`
	Priority     int            `json:"priority"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Optional     bool           `json:"optional,omitempty"`
	QueueTimeout time.Duration  `json:"queue_timeout,omitempty"`
}

// Binding maps a task kind to the tool that executes it.
type Binding struct {
	Tool string
	// Capabilities are required in addition to the tool itself.
	Capabilities []string
	// Args builds default arguments when a step carries none.
	Args func(s Step) map[string]any
	// Explicit kinds run only with arguments the caller supplied. They are
	// never derived from step text.
	Explicit bool
}

// DefaultBindings returns the kind bindings for the built-in tools.
func DefaultBindings() map[string]Binding {
	text := func(key string) func(Step) map[string]any {
		return func(s Step) map[string]any { return map[string]any{key: s.Description} }
	}
	return map[string]Binding{
		"research": {Tool: "web_search", Args: text("query")},
		"code":     {Tool: "code_generate", Args: text("requirements")},
		"shell":    {Tool: "cli_exec", Explicit: true},
		"analysis": {Tool: "summarize", Args: text("text")},
		"validate": {Tool: "validate"},
		"browse":   {Tool: "browser_navigate", Args: text("url")},
		"fetch":    {Tool: "web_fetch", Args: text("url")},
		"file":     {Tool: "file_manager", Args: func(Step) map[string]any { return map[string]any{"operation": "list"} }},
	}
}

// resolve fills in defaults and checks keys and references. Steps without a
// key are numbered by position.
func resolve(p Plan, bindings map[string]Binding) ([]Step, error) {
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	steps := make([]Step, len(p.Steps))
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Key == "" {
			s.Key = fmt.Sprintf("step-%d", i+1)
		}
		if seen[s.Key] {
			return nil, fmt.Errorf("%w: duplicate step key %q", ErrInvalidPlan, s.Key)
		}
		seen[s.Key] = true
		if s.Kind == "" {
			return nil, fmt.Errorf("%w: step %q has no kind", ErrInvalidPlan, s.Key)
		}
		b, bound := bindings[s.Kind]
		if s.Tool == "" {
			if !bound {
				return nil, fmt.Errorf("%w: no tool bound to kind %q", ErrInvalidPlan, s.Kind)
			}
			s.Tool = b.Tool
		}
		if s.Args == nil && bound && s.Tool == b.Tool {
			if b.Explicit {
				return nil, fmt.Errorf("%w: step %q of kind %q needs explicit args", ErrInvalidPlan, s.Key, s.Kind)
			}
			if b.Args != nil {
				s.Args = b.Args(s)
			}
		}
		caps := []string{s.Tool}
		if bound && s.Tool == b.Tool {
			caps = append(caps, b.Capabilities...)
		}
		for _, c := range append(caps, s.Capabilities...) {
			if !slices.Contains(caps, c) {
				caps = append(caps, c)
			}
		}
		s.Capabilities = caps
		s.DependsOn = slices.Clone(s.DependsOn)
		steps[i] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidPlan, s.Key, dep)
			}
		}
	}
	return steps, nil
}

// topoOrder returns step indexes with every dependency before its dependents.
// A cycle is reported with its path.
func topoOrder(steps []Step) ([]int, error) {
	const (
		white = iota
		grey
		black
	)
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.Key] = i
	}
	color := make([]int, len(steps))
	order := make([]int, 0, len(steps))
	var path []string

	var visit func(i int) error
	visit = func(i int) error {
		switch color[i] {
		case grey:
			start := slices.Index(path, steps[i].Key)
			cycle := append(slices.Clone(path[start:]), steps[i].Key)
			return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))
		case black:
			return nil
		}
		color[i] = grey
		path = append(path, steps[i].Key)
		for _, dep := range steps[i].DependsOn {
			if err := visit(index[dep]); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[i] = black
		order = append(order, i)
		return nil
	}
	for i := range steps {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}
