// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/signalbus-io/signalbus/cmd/signalbus/cli"
)

func newStatusCommand() *cli.Command {
	var conn connectionFlags
	var asJSON bool
	var quiet bool

	return &cli.Command{
		Name:    "status",
		Summary: "Show daemon status and counters",
		Description: `Show the daemon's uptime and lifetime counters.

With --quiet, print nothing and exit 0 if the daemon is reachable and
the token authenticates, 1 otherwise. Useful as a liveness probe in
scripts and service health checks.`,
		Usage: "signalbus status [flags]",
		Examples: []cli.Example{
			{
				Description: "Human-readable status",
				Command:     "signalbus status",
			},
			{
				Description: "Liveness probe",
				Command:     "signalbus status --quiet && echo up",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			conn.register(flags)
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			flags.BoolVar(&quiet, "quiet", false, "no output; exit 0 if the daemon answers, 1 otherwise")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			client, err := conn.client()
			if err != nil {
				if quiet {
					return &cli.ExitError{Code: 1}
				}
				return err
			}

			ctx, cancel := requestContext()
			defer cancel()

			status, err := client.Status(ctx)
			if quiet {
				if err != nil {
					return &cli.ExitError{Code: 1}
				}
				return nil
			}
			if err != nil {
				return err
			}

			if asJSON {
				return cli.WriteJSON(status)
			}

			uptime := time.Duration(status.UptimeMillis) * time.Millisecond
			writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(writer, "started:\t%s\n", status.StartedAt)
			fmt.Fprintf(writer, "uptime:\t%s\n", uptime)
			fmt.Fprintf(writer, "subscriptions:\t%d\n", status.Subscriptions)
			fmt.Fprintf(writer, "tokens:\t%d\n", status.Tokens)
			fmt.Fprintf(writer, "history size:\t%d\n", status.HistorySize)
			fmt.Fprintf(writer, "rate limit rules:\t%d\n", status.RateLimitRules)
			fmt.Fprintf(writer, "emitted:\t%d\n", status.Emitted)
			fmt.Fprintf(writer, "delivered:\t%d\n", status.Delivered)
			fmt.Fprintf(writer, "dropped:\t%d\n", status.Dropped)
			fmt.Fprintf(writer, "denied:\t%d\n", status.Denied)
			return writer.Flush()
		},
	}
}
