package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/GoCodeAlone/conductor/tool"
)

// KindBlocked marks a command rejected by the blacklist.
const KindBlocked = "blocked_command"

// DefaultBlacklist holds command fragments cli_exec refuses to run.
var DefaultBlacklist = []string{
	"rm -rf /",
	"rm -rf ~",
	"mkfs",
	"dd if=",
	":(){",
	"shutdown",
	"reboot",
	"halt",
	"> /dev/sd",
	"chmod -r 777 /",
}

// ContainerExecer runs a shell command inside a sandbox.
type ContainerExecer interface {
	Exec(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
}

// CLIExec runs shell commands on the host or in a container sandbox.
type CLIExec struct {
	Workdir   string
	Sandbox   ContainerExecer
	Blacklist []string
}

func (t *CLIExec) Name() string        { return "cli_exec" }
func (t *CLIExec) Capability() string  { return "cli" }
func (t *CLIExec) Description() string { return "Execute a shell command and return its output" }
func (t *CLIExec) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "minLength": 1, "description": "Shell command to execute"},
			"workdir": map[string]any{"type": "string", "description": "Working directory override"},
		},
		"required": []any{"command"},
	}
}

func (t *CLIExec) Execute(ctx context.Context, args map[string]any) (any, error) {
	command, _ := args["command"].(string)
	if blocked := t.blocked(command); blocked != "" {
		return nil, tool.Errorf(KindBlocked, "command contains blocked pattern %q", blocked)
	}

	var (
		stdout, stderr string
		exitCode       int
		err            error
	)
	if t.Sandbox != nil {
		stdout, stderr, exitCode, err = t.Sandbox.Exec(ctx, command)
	} else {
		workdir := t.Workdir
		if wd, _ := args["workdir"].(string); wd != "" {
			workdir = wd
		}
		stdout, stderr, exitCode, err = runHost(ctx, command, workdir)
	}
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"stdout":    stdout,
		"stderr":    stderr,
		"exit_code": exitCode,
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = strings.TrimSpace(stdout)
		}
		return nil, fmt.Errorf("exit status %d: %s", exitCode, msg)
	}
	return out, nil
}

func (t *CLIExec) blocked(command string) string {
	list := t.Blacklist
	if list == nil {
		list = DefaultBlacklist
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(command)), " ")
	for _, b := range list {
		if strings.Contains(normalized, b) {
			return b
		}
	}
	return ""
}

func runHost(ctx context.Context, command, workdir string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workdir != "" {
		cmd.Dir = workdir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return "", "", -1, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return "", "", -1, fmt.Errorf("exec command: %w", err)
	}
	return stdout.String(), stderr.String(), 0, nil
}
