package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/conductor/provider"
	"github.com/GoCodeAlone/conductor/tool"
)

const codeSystemPrompt = `You are a senior %s engineer. Task: %s.
Reply with one fenced code block followed by at most three short notes.`

var codeTasks = map[string]string{
	"generate": "write code that satisfies the requirements",
	"analyze":  "explain what the described code does and list its problems",
	"test":     "write tests for the described behaviour",
	"review":   "review the described change and suggest improvements",
}

// CodeGenerate turns requirements into source text. It never executes what it
// produces. Without a Generator it returns a scaffold.
type CodeGenerate struct {
	Generator provider.Provider
}

func (t *CodeGenerate) Name() string       { return "code_generate" }
func (t *CodeGenerate) Capability() string { return "code" }
func (t *CodeGenerate) Description() string {
	return "Generate, analyze, test or review code from written requirements"
}

func (t *CodeGenerate) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"requirements": map[string]any{"type": "string", "minLength": 1},
			"language":     map[string]any{"type": "string"},
			"task_type":    map[string]any{"type": "string", "enum": []any{"generate", "analyze", "test", "review"}},
			"inputs":       inputsSchema,
		},
		"required": []any{"requirements"},
	}
}

func (t *CodeGenerate) Execute(ctx context.Context, args map[string]any) (any, error) {
	requirements, _ := args["requirements"].(string)
	language, _ := args["language"].(string)
	if language == "" {
		language = "go"
	}
	taskType, _ := args["task_type"].(string)
	if taskType == "" {
		taskType = "generate"
	}

	if t.Generator == nil {
		return map[string]any{
			"code":      scaffold(language, requirements),
			"language":  language,
			"task_type": taskType,
			"generator": "template",
		}, nil
	}

	content := requirements
	if inputs := decodeInputs(args["inputs"]); len(inputs) > 0 {
		if b, err := json.Marshal(inputs); err == nil {
			content += "\n\nUpstream results: " + string(b)
		}
	}
	reply, err := t.Generator.Chat(ctx, fmt.Sprintf(codeSystemPrompt, language, codeTasks[taskType]),
		[]provider.Message{{Role: provider.RoleUser, Content: content}})
	if err != nil {
		return nil, tool.Errorf(tool.KindExecution, "%s: %v", t.Generator.Name(), err)
	}
	code, notes := splitFence(reply)
	return map[string]any{
		"code":      code,
		"notes":     notes,
		"language":  language,
		"task_type": taskType,
		"generator": t.Generator.Name(),
	}, nil
}

// splitFence returns the body of the first fenced block and the text around
// it. A reply without a fence is all code.
func splitFence(reply string) (code, notes string) {
	start := strings.Index(reply, "```")
	if start < 0 {
		return strings.TrimSpace(reply), ""
	}
	body := reply[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	end := strings.Index(body, "```")
	if end < 0 {
		return strings.TrimSpace(body), strings.TrimSpace(reply[:start])
	}
	rest := strings.TrimSpace(strings.TrimSpace(reply[:start]) + "\n" + strings.TrimSpace(body[end+3:]))
	return strings.TrimRight(body[:end], "\n"), rest
}

func scaffold(language, requirements string) string {
	req := strings.Join(strings.Fields(requirements), " ")
	switch strings.ToLower(language) {
	case "python", "py":
		return fmt.Sprintf("\"\"\"Scaffold for: %s\"\"\"\n\n\ndef process(data):\n    return {\"status\": \"processed\", \"data\": data}\n", req)
	case "go", "golang":
		return fmt.Sprintf("// Package generated is a scaffold for: %s\npackage generated\n\n// Process handles one input.\nfunc Process(input any) (any, error) {\n\treturn input, nil\n}\n", req)
	default:
		return fmt.Sprintf("// Scaffold for: %s\n", req)
	}
}
