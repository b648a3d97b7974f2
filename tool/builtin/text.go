package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/GoCodeAlone/conductor/tool"
)

// KindValidationFailed marks a validate call whose inputs did not pass.
const KindValidationFailed = "validation_failed"

// Input is one upstream result handed to a dependent task under args["inputs"].
type Input struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
	Result any    `json:"result"`
}

var inputsSchema = map[string]any{
	"type": "array",
	"items": map[string]any{
		"type":       "object",
		"properties": map[string]any{"task_id": map[string]any{"type": "string"}},
	},
}

// Summarize condenses free text and upstream results into a short extract.
type Summarize struct{}

func (Summarize) Name() string       { return "summarize" }
func (Summarize) Capability() string { return "analysis" }
func (Summarize) Description() string {
	return "Condense text and upstream task results into a short summary"
}

func (Summarize) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":          map[string]any{"type": "string"},
			"max_sentences": map[string]any{"type": "integer", "minimum": 1},
			"inputs":        inputsSchema,
		},
	}
}

func (Summarize) Execute(_ context.Context, args map[string]any) (any, error) {
	limit := 5
	switch v := args["max_sentences"].(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	}

	var parts []string
	if s, _ := args["text"].(string); s != "" {
		parts = append(parts, s)
	}
	inputs := decodeInputs(args["inputs"])
	for _, in := range inputs {
		parts = appendStrings(parts, in.Result)
	}
	if len(parts) == 0 {
		return nil, tool.Errorf(tool.KindInvalidArguments, "nothing to summarize")
	}

	sentences := splitSentences(norm.NFC.String(strings.Join(parts, "\n")))
	total := len(sentences)
	if len(sentences) > limit {
		sentences = sentences[:limit]
	}
	return map[string]any{
		"summary":   strings.Join(sentences, " "),
		"sentences": total,
		"sources":   len(inputs),
	}, nil
}

// Validate checks that every upstream result is present and non-empty.
type Validate struct{}

func (Validate) Name() string        { return "validate" }
func (Validate) Capability() string  { return "validate" }
func (Validate) Description() string { return "Check that upstream task results are present and non-empty" }
func (Validate) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"inputs":        inputsSchema,
			"required_keys": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"strict":        map[string]any{"type": "boolean"},
		},
	}
}

func (Validate) Execute(_ context.Context, args map[string]any) (any, error) {
	strict := true
	if v, ok := args["strict"].(bool); ok {
		strict = v
	}
	var required []string
	switch v := args["required_keys"].(type) {
	case []string:
		required = v
	case []any:
		for _, k := range v {
			if s, ok := k.(string); ok {
				required = append(required, s)
			}
		}
	}

	inputs := decodeInputs(args["inputs"])
	var issues []string
	if len(inputs) == 0 {
		issues = append(issues, "no inputs to validate")
	}
	good := 0
	for _, in := range inputs {
		if problem := checkInput(in, required); problem != "" {
			issues = append(issues, problem)
			continue
		}
		good++
	}

	if len(issues) > 0 && strict {
		return nil, tool.Errorf(KindValidationFailed, "%s", strings.Join(issues, "; "))
	}
	score := 0.0
	if len(inputs) > 0 {
		score = float64(good) / float64(len(inputs))
	}
	if issues == nil {
		issues = []string{}
	}
	return map[string]any{
		"passed": len(issues) == 0,
		"score":  score,
		"issues": issues,
	}, nil
}

func checkInput(in Input, required []string) string {
	if isEmpty(in.Result) {
		return fmt.Sprintf("task %s produced an empty result", in.TaskID)
	}
	if len(required) == 0 {
		return ""
	}
	m, ok := in.Result.(map[string]any)
	if !ok {
		return fmt.Sprintf("task %s result is not an object", in.TaskID)
	}
	var missing []string
	for _, k := range required {
		if _, ok := m[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("task %s result is missing %s", in.TaskID, strings.Join(missing, ", "))
	}
	return ""
}

func decodeInputs(v any) []Input {
	switch in := v.(type) {
	case []Input:
		out := make([]Input, len(in))
		for i, x := range in {
			out[i] = Input{TaskID: x.TaskID, Kind: x.Kind, Result: normalize(x.Result)}
		}
		return out
	case []any:
		out := make([]Input, 0, len(in))
		for _, item := range in {
			switch x := item.(type) {
			case Input:
				out = append(out, Input{TaskID: x.TaskID, Kind: x.Kind, Result: normalize(x.Result)})
			case map[string]any:
				id, _ := x["task_id"].(string)
				kind, _ := x["kind"].(string)
				out = append(out, Input{TaskID: id, Kind: kind, Result: normalize(x["result"])})
			}
		}
		return out
	}
	return nil
}

// normalize converts typed results to their generic JSON form.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// appendStrings collects string leaves of v in a stable order.
func appendStrings(dst []string, v any) []string {
	switch x := v.(type) {
	case string:
		if s := strings.TrimSpace(x); s != "" {
			dst = append(dst, s)
		}
	case []any:
		for _, item := range x {
			dst = appendStrings(dst, item)
		}
	case []string:
		for _, item := range x {
			dst = appendStrings(dst, item)
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			dst = appendStrings(dst, x[k])
		}
	}
	return dst
}

func splitSentences(s string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			out = append(out, t)
		}
		cur.Reset()
	}
	for _, r := range s {
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
		}
	}
	flush()
	return out
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimFunc(x, unicode.IsSpace) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}
