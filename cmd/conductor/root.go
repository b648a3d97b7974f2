package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServer = "http://localhost:9090"

// app carries settings shared by every subcommand.
type app struct {
	v      *viper.Viper
	client *Client
}

// api returns a client for the configured server, built on first use.
func (a *app) api() *Client {
	if a.client == nil {
		a.client = &Client{
			BaseURL:    strings.TrimRight(a.v.GetString("server"), "/"),
			Token:      a.v.GetString("token"),
			HTTPClient: &http.Client{Timeout: a.v.GetDuration("timeout")},
		}
	}
	return a.client
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix("CONDUCTOR")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	a.v.SetDefault("server", defaultServer)
	a.v.SetDefault("timeout", 15*time.Second)

	root := &cobra.Command{
		Use:   "conductor",
		Short: "Command-line client for the conductor server",
		Long: `conductor talks to a running conductord over its REST API.

Submit commands or explicit plans, inspect tasks and agents, run tools
directly, manage webhooks and follow the live event stream.

Settings come from flags or CONDUCTOR_SERVER / CONDUCTOR_TOKEN.`,
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.String("server", defaultServer, "conductor server URL")
	flags.String("token", "", "JWT bearer token")
	flags.Duration("timeout", 15*time.Second, "request timeout")
	_ = a.v.BindPFlag("server", flags.Lookup("server"))
	_ = a.v.BindPFlag("token", flags.Lookup("token"))
	_ = a.v.BindPFlag("timeout", flags.Lookup("timeout"))

	root.AddCommand(
		newSubmitCmd(a),
		newPlanCmd(a),
		newTasksCmd(a),
		newAgentsCmd(a),
		newToolsCmd(a),
		newWebhooksCmd(a),
		newWatchCmd(a),
		newStatusCmd(a),
		newVersionCmd(a),
		newUpgradeCmd(),
	)
	return root
}
