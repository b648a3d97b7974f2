package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/GoCodeAlone/conductor/provider"
)

const plannerPrompt = `You split a user's command into a small plan of tasks for automation agents.
Reply with a single JSON object and nothing else:
{"description": string, "steps": [{"key": string, "kind": string, "description": string,
  "priority": integer 1-10, "depends_on": [step keys], "optional": boolean}]}
Use only these kinds:
%s
Keep plans short. A step may depend only on steps listed in the same plan, and
dependencies must not form a cycle. Higher priority runs first.`

// ModelDecomposer asks a language model for the plan. When the model fails
// or returns a plan that does not validate, Fallback decides instead.
type ModelDecomposer struct {
	provider provider.Provider
	bindings map[string]Binding
	fallback Decomposer
	logger   *slog.Logger
}

// NewModelDecomposer creates a ModelDecomposer. Nil bindings select
// DefaultBindings; a nil fallback selects KeywordDecomposer.
func NewModelDecomposer(p provider.Provider, bindings map[string]Binding, fallback Decomposer, logger *slog.Logger) *ModelDecomposer {
	if bindings == nil {
		bindings = DefaultBindings()
	}
	if fallback == nil {
		fallback = KeywordDecomposer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelDecomposer{provider: p, bindings: bindings, fallback: fallback, logger: logger}
}

func (d *ModelDecomposer) Decompose(ctx context.Context, cmd Command) (Plan, error) {
	plan, err := d.ask(ctx, cmd)
	if err == nil {
		return plan, nil
	}
	if ctx.Err() != nil {
		return Plan{}, ctx.Err()
	}
	d.logger.Warn("model decomposition failed, using fallback", "provider", d.provider.Name(), "error", err)
	return d.fallback.Decompose(ctx, cmd)
}

func (d *ModelDecomposer) system() string {
	kinds := make([]string, 0, len(d.bindings))
	for k, b := range d.bindings {
		if !b.Explicit {
			kinds = append(kinds, k)
		}
	}
	slices.Sort(kinds)
	var sb strings.Builder
	for _, k := range kinds {
		fmt.Fprintf(&sb, "- %s (runs %s)\n", k, d.bindings[k].Tool)
	}
	return fmt.Sprintf(plannerPrompt, strings.TrimRight(sb.String(), "\n"))
}

func (d *ModelDecomposer) ask(ctx context.Context, cmd Command) (Plan, error) {
	content := strings.TrimSpace(cmd.Text)
	if len(cmd.Context) > 0 {
		if b, err := json.Marshal(cmd.Context); err == nil {
			content += "\n\nContext: " + string(b)
		}
	}
	reply, err := d.provider.Chat(ctx, d.system(), []provider.Message{{Role: provider.RoleUser, Content: content}})
	if err != nil {
		return Plan{}, err
	}
	plan, err := parsePlan(reply)
	if err != nil {
		return Plan{}, err
	}
	// Tools, arguments and capabilities always come from the bindings.
	for i := range plan.Steps {
		plan.Steps[i].Tool = ""
		plan.Steps[i].Args = nil
		plan.Steps[i].Capabilities = nil
	}
	steps, err := resolve(plan, d.bindings)
	if err != nil {
		return Plan{}, err
	}
	if _, err := topoOrder(steps); err != nil {
		return Plan{}, err
	}
	if plan.Description == "" {
		plan.Description = strings.TrimSpace(cmd.Text)
	}
	return plan, nil
}

// parsePlan reads the first JSON object in reply. Models often wrap JSON in
// prose or code fences.
func parsePlan(reply string) (Plan, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Plan{}, errors.New("reply contains no JSON object")
	}
	var plan Plan
	if err := json.Unmarshal([]byte(reply[start:end+1]), &plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return Plan{}, fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	return plan, nil
}
