package orchestrator

import (
	"context"
	"regexp"
	"strings"
)

// Decomposer turns a natural-language command into a Plan.
type Decomposer interface {
	Decompose(ctx context.Context, cmd Command) (Plan, error)
}

// DecomposerFunc adapts a function to Decomposer.
type DecomposerFunc func(ctx context.Context, cmd Command) (Plan, error)

func (f DecomposerFunc) Decompose(ctx context.Context, cmd Command) (Plan, error) {
	return f(ctx, cmd)
}

var (
	researchPatterns = compileAll(`research`, `find.*information`, `search.*for`, `look.*up`, `what.*is`, `gather.*data`)
	codePatterns     = compileAll(`create.*code`, `write.*function`, `implement`, `generate.*api`, `build.*app`, `fix.*bug`, `refactor`)
	analysisPatterns = compileAll(`analy[sz]e`, `examine`, `review`, `summari[sz]e`, `compare`)
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// KeywordDecomposer splits commands by keyword families. Research runs first,
// code and analysis depend on the first step, and a validation step waits on
// everything else. Commands matching nothing become a single research step.
// The command text is never executed; a shell step is added only for an
// explicit context["command"].
type KeywordDecomposer struct{}

func (KeywordDecomposer) Decompose(_ context.Context, cmd Command) (Plan, error) {
	text := strings.TrimSpace(cmd.Text)
	lower := strings.ToLower(text)
	plan := Plan{Description: text}

	first := func() []string {
		if len(plan.Steps) == 0 {
			return nil
		}
		return []string{plan.Steps[0].Key}
	}

	if matchAny(researchPatterns, lower) {
		plan.Steps = append(plan.Steps, Step{
			Key:         "research",
			Kind:        "research",
			Description: "Research: " + text,
			Priority:    10,
			Args:        map[string]any{"query": text, "max_results": 10},
		})
	}
	if matchAny(codePatterns, lower) {
		plan.Steps = append(plan.Steps, Step{
			Key:         "code",
			Kind:        "code",
			Description: "Code: " + text,
			Priority:    8,
			DependsOn:   first(),
			Args:        map[string]any{"requirements": text},
		})
	}
	if matchAny(analysisPatterns, lower) {
		plan.Steps = append(plan.Steps, Step{
			Key:         "analysis",
			Kind:        "analysis",
			Description: "Analysis: " + text,
			Priority:    7,
			DependsOn:   first(),
			Args:        map[string]any{"text": text},
		})
	}

	if c, ok := cmd.Context["command"].(string); ok && strings.TrimSpace(c) != "" {
		deps := first()
		for _, s := range plan.Steps {
			if s.Kind == "code" {
				deps = []string{s.Key}
			}
		}
		plan.Steps = append(plan.Steps, Step{
			Key:         "shell",
			Kind:        "shell",
			Description: "Run: " + c,
			Priority:    8,
			DependsOn:   deps,
			Args:        map[string]any{"command": c},
		})
	}

	if len(plan.Steps) == 0 {
		plan.Steps = append(plan.Steps, Step{
			Key:         "research",
			Kind:        "research",
			Description: "General research: " + text,
			Priority:    5,
			Args:        map[string]any{"query": text},
		})
		return plan, nil
	}

	deps := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		deps[i] = s.Key
	}
	plan.Steps = append(plan.Steps, Step{
		Key:         "validate",
		Kind:        "validate",
		Description: "Validate results for: " + text,
		Priority:    5,
		DependsOn:   deps,
	})
	return plan, nil
}
