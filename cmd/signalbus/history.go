// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/signalbus-io/signalbus/cmd/signalbus/cli"
)

func newHistoryCommand() *cli.Command {
	var conn connectionFlags
	var limit int
	var asJSON bool

	return &cli.Command{
		Name:    "history",
		Summary: "Query retained signals",
		Description: `Query the daemon's retained signal history with a topic pattern.

Results are most recent first. Signals leave history when their TTL
expires or when the ring buffer evicts them for newer signals; the
daemon's query limit caps results unless --limit asks for less.

When stdout is not a terminal (or with --json), each signal is printed
as one compact JSON line instead of the table.`,
		Usage: "signalbus history <pattern> [flags]",
		Examples: []cli.Example{
			{
				Description: "The last ten order signals",
				Command:     "signalbus history 'orders.**' --limit 10",
			},
			{
				Description: "Everything retained, as JSON lines",
				Command:     "signalbus history '**' --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("history", pflag.ContinueOnError)
			conn.register(flags)
			flags.IntVar(&limit, "limit", 0, "maximum results (0 uses the daemon's query limit)")
			flags.BoolVar(&asJSON, "json", false, "print each signal as one JSON line")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one pattern required")
			}

			client, err := conn.client()
			if err != nil {
				return err
			}

			ctx, cancel := requestContext()
			defer cancel()

			signals, err := client.History(ctx, args[0], limit)
			if err != nil {
				return err
			}

			if asJSON || !stdoutIsTerminal() {
				for _, sig := range signals {
					if err := printSignalJSON(sig); err != nil {
						return err
					}
				}
				return nil
			}

			if len(signals) == 0 {
				fmt.Printf("No signals found matching %s\n", args[0])
				return nil
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "TIMESTAMP\tTOPIC\tPRIORITY\tSENDER\tPAYLOAD")
			for _, sig := range signals {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
					sig.Timestamp, sig.Topic, sig.Priority, sig.Sender,
					truncatePayload(sig.Payload, 60))
			}
			return writer.Flush()
		},
	}
}
