package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/tool"
)

func newToolsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var tools []tool.Descriptor
			if err := a.api().get(cmd.Context(), "/api/tools", &tools); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %-12s %-8s %s\n", "NAME", "CAPABILITY", "TIMEOUT", "DESCRIPTION")
			rule(out, 100)
			for _, t := range tools {
				fmt.Fprintf(out, "%-20s %-12s %-8s %s\n", t.Name, t.Capability, t.Timeout, truncate(t.Description, 56))
			}
			return nil
		},
	}
	cmd.AddCommand(newToolExecCmd(a))
	return cmd
}

func newToolExecCmd(a *app) *cobra.Command {
	var (
		rawArgs string
		agentID string
	)
	cmd := &cobra.Command{
		Use:   "exec <name>",
		Short: "Invoke a tool directly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if rawArgs != "" {
				var toolArgs map[string]any
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
				body["args"] = toolArgs
			}
			if agentID != "" {
				body["agent_id"] = agentID
			}
			var res tool.Result
			err := a.api().post(cmd.Context(), "/api/tools/"+url.PathEscape(args[0])+"/execute", body, &res)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !res.OK {
				fmt.Fprintf(out, "%s %s: %s\n", red("failed"), res.ErrorKind, res.Message)
				return res.Err()
			}
			return printJSON(out, res.Data)
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	cmd.Flags().StringVar(&agentID, "agent", "", "invoke on behalf of this agent")
	return cmd
}
