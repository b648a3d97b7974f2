package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/internal/version"
	"github.com/GoCodeAlone/conductor/server/api"
	"github.com/GoCodeAlone/conductor/task"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st api.Status
			if err := a.api().get(cmd.Context(), "/api/status", &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:      %s\n", paint(st.Status, 0))
			fmt.Fprintf(out, "version:     %s\n", st.Version)
			fmt.Fprintf(out, "uptime:      %s\n", st.Uptime)
			fmt.Fprintf(out, "tasks:       %d total, %d in flight\n", st.Tasks.Total, st.InFlight)
			for _, s := range task.Statuses {
				if n := st.Tasks.ByStatus[s]; n > 0 {
					fmt.Fprintf(out, "  %s %d\n", paint(string(s), 22), n)
				}
			}
			fmt.Fprintf(out, "agents:      %d total\n", st.Agents.Total)
			for _, s := range []agent.Status{agent.StatusIdle, agent.StatusBusy, agent.StatusUnavailable} {
				if n := st.Agents.ByStatus[s]; n > 0 {
					fmt.Fprintf(out, "  %s %d\n", paint(string(s), 22), n)
				}
			}
			fmt.Fprintf(out, "connections: %d\n", st.Connections)
			fmt.Fprintf(out, "webhooks:    %d\n", st.Webhooks)
			fmt.Fprintf(out, "last event:  %d\n", st.LastSequence)
			return nil
		},
	}
}

func newVersionCmd(a *app) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conductor %s\n", version.Get())
			if !remote {
				return nil
			}
			var v version.Info
			if err := a.api().get(cmd.Context(), "/api/version", &v); err != nil {
				return err
			}
			fmt.Fprintf(out, "server    %s\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "server-version", false, "also query the server")
	return cmd
}
