package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/orchestrator"
	"github.com/GoCodeAlone/conductor/task"
)

func newSubmitCmd(a *app) *cobra.Command {
	var ctxPairs []string
	cmd := &cobra.Command{
		Use:   "submit <command...>",
		Short: "Submit a natural-language command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.Command{Text: strings.Join(args, " ")}
			if len(ctxPairs) > 0 {
				req.Context = map[string]any{}
				for _, kv := range ctxPairs {
					k, v, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("context %q is not key=value", kv)
					}
					req.Context[k] = v
				}
			}
			var receipt orchestrator.Receipt
			if err := a.api().post(cmd.Context(), "/api/commands", req, &receipt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s task %s %s\n", green("accepted"), bold(receipt.TaskID), paint(string(receipt.Status), 0))
			if receipt.Message != "" {
				fmt.Fprintln(cmd.OutOrStdout(), receipt.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&ctxPairs, "context", nil, "context entry as key=value (repeatable)")
	return cmd
}

func newPlanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <file|->",
		Short: "Submit an explicit task plan from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close() //nolint:errcheck
				r = f
			}
			var plan json.RawMessage
			if err := json.NewDecoder(r).Decode(&plan); err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			var t task.Task
			if err := a.api().post(cmd.Context(), "/api/plans", plan, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s parent task %s with %d children\n", green("accepted"), bold(t.ID), len(t.Children))
			return nil
		},
	}
}

func newTasksCmd(a *app) *cobra.Command {
	var (
		status, kind, parent, agentID string
		limit                         int
		asJSON                        bool
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for k, v := range map[string]string{"status": status, "kind": kind, "parent_id": parent, "agent_id": agentID} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var tasks []task.Task
			if err := a.api().get(cmd.Context(), path, &tasks); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, "no tasks")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-12s %-22s %-36s %s\n", "ID", "KIND", "STATUS", "AGENT", "DESCRIPTION")
			rule(out, 140)
			for _, t := range tasks {
				fmt.Fprintf(out, "%-36s %-12s %s %-36s %s\n",
					t.ID, truncate(t.Kind, 12), paint(string(t.Status), 22), orDash(t.AssignedAgent), truncate(t.Description, 40))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "filter by status")
	f.StringVar(&kind, "kind", "", "filter by kind")
	f.StringVar(&parent, "parent", "", "filter by parent task ID")
	f.StringVar(&agentID, "agent", "", "filter by assigned agent")
	f.IntVar(&limit, "limit", 0, "maximum number of tasks")
	f.BoolVar(&asJSON, "json", false, "print raw JSON")

	cmd.AddCommand(newTaskGetCmd(a), newTaskCancelCmd(a))
	return cmd
}

func newTaskGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := a.api().get(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0]), &t); err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), &t)
		},
	}
}

func newTaskCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task and its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := a.api().post(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0])+"/cancel", nil, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s %s\n", t.ID, paint(string(t.Status), 0))
			return nil
		},
	}
}

func printTask(w io.Writer, t *task.Task) error {
	fmt.Fprintf(w, "id:          %s\n", bold(t.ID))
	fmt.Fprintf(w, "kind:        %s\n", t.Kind)
	fmt.Fprintf(w, "status:      %s\n", paint(string(t.Status), 0))
	fmt.Fprintf(w, "priority:    %d\n", t.Priority)
	fmt.Fprintf(w, "description: %s\n", t.Description)
	if t.ParentID != "" {
		fmt.Fprintf(w, "parent:      %s\n", t.ParentID)
	}
	if len(t.Children) > 0 {
		fmt.Fprintf(w, "children:    %s\n", strings.Join(t.Children, ", "))
	}
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(w, "depends on:  %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.AssignedAgent != "" {
		fmt.Fprintf(w, "agent:       %s\n", t.AssignedAgent)
	}
	if t.Tool != "" {
		fmt.Fprintf(w, "tool:        %s\n", t.Tool)
	}
	if t.Error != nil {
		fmt.Fprintf(w, "error:       %s\n", red(t.Error.Error()))
	}
	if t.Result != nil {
		fmt.Fprintln(w, "result:")
		return printJSON(w, t.Result)
	}
	return nil
}
