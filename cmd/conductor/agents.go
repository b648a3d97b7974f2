package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/agent"
)

func newAgentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var agents []agent.Agent
			if err := a.api().get(cmd.Context(), "/api/agents", &agents); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(agents) == 0 {
				fmt.Fprintln(out, "no agents")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-20s %-12s %-12s %6s %6s  %s\n", "ID", "NAME", "ROLE", "STATUS", "DONE", "FAILED", "IDLE FOR")
			rule(out, 120)
			for _, ag := range agents {
				idle := "-"
				if ag.Status == agent.StatusIdle {
					idle = time.Since(ag.LastActive).Round(time.Second).String()
				}
				fmt.Fprintf(out, "%-36s %-20s %-12s %s %6d %6d  %s\n",
					ag.ID, truncate(ag.Name, 20), ag.Role, paint(string(ag.Status), 12), ag.CompletedCount, ag.FailedCount, idle)
			}
			return nil
		},
	}
	cmd.AddCommand(newAgentSpawnCmd(a), newAgentRemoveCmd(a))
	return cmd
}

func newAgentSpawnCmd(a *app) *cobra.Command {
	var (
		name string
		caps []string
	)
	cmd := &cobra.Command{
		Use:   "spawn <role>",
		Short: "Spawn an agent with the given role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := agent.SpawnRequest{Role: agent.Role(args[0]), Name: name, Capabilities: caps}
			var ag agent.Agent
			if err := a.api().post(cmd.Context(), "/api/agents", req, &ag); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "spawned %s %s (%s) capabilities: %s\n",
				ag.Role, bold(ag.ID), ag.Name, strings.Join(ag.Capabilities, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&caps, "capability", nil, "tool the agent may invoke (repeatable, replaces role defaults)")
	return cmd
}

func newAgentRemoveCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove an agent",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/agents/" + url.PathEscape(args[0])
			if force {
				path += "?force=true"
			}
			if err := a.api().delete(cmd.Context(), path, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s removed\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove even if busy, failing its current task")
	return cmd
}
