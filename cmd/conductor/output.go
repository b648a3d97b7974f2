package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/task"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// paint colours a status word. Padding is applied first so columns line up
// whether or not colour is enabled.
func paint(status string, width int) string {
	s := fmt.Sprintf("%-*s", width, status)
	switch status {
	case string(task.StatusCompleted), string(agent.StatusIdle), "delivered", "ok":
		return green(s)
	case string(task.StatusRunning), string(task.StatusAssigned), string(agent.StatusBusy):
		return cyan(s)
	case string(task.StatusQueued), string(task.StatusWaiting):
		return yellow(s)
	case string(task.StatusFailed), "failed_delivery", string(agent.StatusUnavailable):
		return red(s)
	case string(task.StatusCancelled):
		return faint(s)
	}
	return s
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func rule(w io.Writer, n int) {
	fmt.Fprintln(w, strings.Repeat("-", n))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
