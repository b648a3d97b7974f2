package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/webhook"
)

func newWebhooksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "List webhook endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var eps []webhook.Endpoint
			if err := a.api().get(cmd.Context(), "/api/webhooks", &eps); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(eps) == 0 {
				fmt.Fprintln(out, "no webhooks")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-6s %-24s %s\n", "ID", "SIGNED", "TOPICS", "URL")
			rule(out, 110)
			for _, ep := range eps {
				fmt.Fprintf(out, "%-36s %-6t %-24s %s\n", ep.ID, ep.Signed, truncate(strings.Join(ep.Topics, ","), 24), ep.URL)
			}
			return nil
		},
	}
	cmd.AddCommand(newWebhookAddCmd(a), newWebhookRemoveCmd(a), newWebhookDeliveriesCmd(a))
	return cmd
}

func newWebhookAddCmd(a *app) *cobra.Command {
	var (
		topics []string
		secret string
	)
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a webhook endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"url": args[0], "topics": topics}
			if secret != "" {
				req["secret"] = secret
			}
			var ep webhook.Endpoint
			if err := a.api().post(cmd.Context(), "/api/webhooks", req, &ep); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered webhook %s for %s\n", bold(ep.ID), strings.Join(ep.Topics, ","))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&topics, "topic", []string{"*"}, "topic pattern to deliver (repeatable)")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret")
	return cmd
}

func newWebhookRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Deregister a webhook endpoint",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.api().delete(cmd.Context(), "/api/webhooks/"+url.PathEscape(args[0]), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "webhook %s removed\n", args[0])
			return nil
		},
	}
}

func newWebhookDeliveriesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deliveries <id>",
		Short: "Show recent deliveries to an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ds []webhook.Delivery
			if err := a.api().get(cmd.Context(), "/api/webhooks/"+url.PathEscape(args[0])+"/deliveries", &ds); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ds) == 0 {
				fmt.Fprintln(out, "no deliveries")
				return nil
			}
			fmt.Fprintf(out, "%-8s %-24s %-16s %8s  %s\n", "SEQ", "EVENT", "STATUS", "ATTEMPTS", "LAST ERROR")
			rule(out, 90)
			for _, d := range ds {
				last := ""
				if n := len(d.Attempts); n > 0 {
					if at := d.Attempts[n-1]; at.Error != "" {
						last = at.Error
					} else if at.StatusCode != 0 {
						last = fmt.Sprintf("HTTP %d", at.StatusCode)
					}
				}
				fmt.Fprintf(out, "%-8d %-24s %s %8d  %s\n", d.EventSequence, d.Topic, paint(string(d.Status), 16), len(d.Attempts), last)
			}
			return nil
		},
	}
}
