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

func newRateLimitCommand() *cli.Command {
	return &cli.Command{
		Name:    "ratelimit",
		Summary: "Manage emission rate limits",
		Description: `Configure and inspect sliding-window rate limits.

A rule caps how many signals matching a topic pattern are admitted
within a window, optionally restricted to one sending identity.
Setting a rule with the pattern and sender of an existing rule
replaces it. High priority signals bypass admission entirely. Both
operations require a token with the ratelimit permission.`,
		Subcommands: []*cli.Command{
			newRateLimitSetCommand(),
			newRateLimitListCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Cap metrics to 100 per minute across all senders",
				Command:     "signalbus ratelimit set 'metrics.**' --max 100 --window 1m",
			},
			{
				Description: "Cap one chatty sender specifically",
				Command:     "signalbus ratelimit set 'debug.**' --max 10 --window 30s --sender dev-shell",
			},
			{
				Description: "Show configured rules",
				Command:     "signalbus ratelimit list",
			},
		},
	}
}

func newRateLimitSetCommand() *cli.Command {
	var conn connectionFlags
	var maxCount int
	var window time.Duration
	var sender string

	return &cli.Command{
		Name:    "set",
		Summary: "Create or replace a rate-limit rule",
		Usage:   "signalbus ratelimit set <pattern> --max <n> --window <duration> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("ratelimit set", pflag.ContinueOnError)
			conn.register(flags)
			flags.IntVar(&maxCount, "max", 0, "maximum admitted signals per window (required)")
			flags.DurationVar(&window, "window", 0, "sliding window length, e.g. 30s, 1m (required)")
			flags.StringVar(&sender, "sender", "", "restrict the rule to one emitting identity")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one pattern required")
			}
			if maxCount < 1 {
				return fmt.Errorf("--max is required (at least 1)")
			}
			if window <= 0 {
				return fmt.Errorf("--window is required")
			}

			client, err := conn.client()
			if err != nil {
				return err
			}

			ctx, cancel := requestContext()
			defer cancel()

			if err := client.SetRateLimit(ctx, args[0], maxCount, window, sender); err != nil {
				return err
			}
			if sender != "" {
				fmt.Printf("rate limit set: %s max %d per %s for sender %s\n", args[0], maxCount, window, sender)
				return nil
			}
			fmt.Printf("rate limit set: %s max %d per %s\n", args[0], maxCount, window)
			return nil
		},
	}
}

func newRateLimitListCommand() *cli.Command {
	var conn connectionFlags
	var asJSON bool

	return &cli.Command{
		Name:    "list",
		Summary: "List configured rate-limit rules",
		Usage:   "signalbus ratelimit list [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("ratelimit list", pflag.ContinueOnError)
			conn.register(flags)
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			client, err := conn.client()
			if err != nil {
				return err
			}

			ctx, cancel := requestContext()
			defer cancel()

			rules, err := client.RateLimits(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				return cli.WriteJSON(rules)
			}

			if len(rules) == 0 {
				fmt.Println("No rate limit rules configured.")
				return nil
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "PATTERN\tMAX\tWINDOW\tSENDER")
			for _, rule := range rules {
				sender := rule.Sender
				if sender == "" {
					sender = "(any)"
				}
				window := time.Duration(rule.WindowMillis) * time.Millisecond
				fmt.Fprintf(writer, "%s\t%d\t%s\t%s\n", rule.Pattern, rule.MaxCount, window, sender)
			}
			return writer.Flush()
		},
	}
}
