package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/internal/version"
	"github.com/GoCodeAlone/conductor/update"
)

func newUpgradeCmd() *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Replace this binary with the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u := update.New(version.Version)
			rel, err := u.Check(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rel == nil {
				fmt.Fprintf(out, "conductor %s is up to date\n", version.Version)
				return nil
			}
			if checkOnly {
				fmt.Fprintf(out, "%s is available (running %s)\n", green(rel.Version), version.Version)
				return nil
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			if err := u.Apply(cmd.Context(), rel, exe); err != nil {
				return err
			}
			fmt.Fprintf(out, "upgraded to %s\n", green(rel.Version))
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only report whether a newer release exists")
	return cmd
}
