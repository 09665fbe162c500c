// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/signalbus-io/signalbus/cmd/signalbus/cli"
	"github.com/signalbus-io/signalbus/lib/busclient"
	"github.com/signalbus-io/signalbus/lib/signal"
)

func newEmitCommand() *cli.Command {
	var conn connectionFlags
	var ttl time.Duration
	var priority string
	var asJSON bool

	return &cli.Command{
		Name:    "emit",
		Summary: "Publish a signal to a topic",
		Description: `Publish a signal to a dot-separated topic.

The optional payload argument is JSON text and is stored verbatim.
The daemon assigns the timestamp and derives the sender from the
token's identity, so neither can be forged by the caller.

A TTL bounds how long the signal is retained for history queries and
replay; listeners already connected receive it regardless. High
priority signals jump ahead of queued normal deliveries and bypass
rate-limit admission.`,
		Usage: "signalbus emit <topic> [payload-json] [flags]",
		Examples: []cli.Example{
			{
				Description: "Publish a bare signal",
				Command:     "signalbus emit cache.invalidated",
			},
			{
				Description: "Publish with a payload and a five-minute retention",
				Command:     `signalbus emit deploy.finished '{"ok": true}' --ttl 5m`,
			},
			{
				Description: "Publish an urgent signal past any rate limit",
				Command:     `signalbus emit alerts.disk.full '{"host": "db1"}' --priority high`,
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("emit", pflag.ContinueOnError)
			conn.register(flags)
			flags.DurationVar(&ttl, "ttl", 0, "retention window (e.g. 90s, 5m); 0 retains until capacity eviction")
			flags.StringVar(&priority, "priority", "normal", `delivery class: "normal" or "high"`)
			flags.BoolVar(&asJSON, "json", false, "print the recorded signal as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("topic required")
			}
			if len(args) > 2 {
				return fmt.Errorf("unexpected argument: %s", args[2])
			}

			prio, err := signal.ParsePriority(priority)
			if err != nil {
				return err
			}

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}

			client, err := conn.client()
			if err != nil {
				return err
			}

			ctx, cancel := requestContext()
			defer cancel()

			sig, err := client.Emit(ctx, args[0], payload, busclient.EmitOptions{
				TTL:      ttl,
				Priority: prio,
			})
			if err != nil {
				return err
			}

			if asJSON {
				return cli.WriteJSON(sig)
			}
			fmt.Printf("emitted %s at %s\n", sig.Topic, sig.Timestamp)
			return nil
		},
	}
}
