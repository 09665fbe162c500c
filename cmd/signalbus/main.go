// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// The signalbus command is the client for the signalbusd daemon. It
// emits signals, follows live streams, queries history, and manages
// tokens and rate limits over the daemon's Unix socket.
package main

import (
	"fmt"
	"os"

	"github.com/signalbus-io/signalbus/cmd/signalbus/cli"
)

func main() {
	if err := run(); err != nil {
		// Commands that manage their own output (like status --quiet)
		// return an ExitError with the desired exit code. Don't print
		// a redundant "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return rootCommand().Execute(os.Args[1:])
}

// rootCommand builds the complete signalbus command tree.
func rootCommand() *cli.Command {
	return &cli.Command{
		Name: "signalbus",
		Description: `Signalbus: local signal broker client.

Publish signals to dot-separated topics, follow live streams with
wildcard patterns, replay retained history, and administer the
daemon's tokens and rate limits.`,
		Subcommands: []*cli.Command{
			newEmitCommand(),
			newListenCommand(),
			newHistoryCommand(),
			newTokenCommand(),
			newRateLimitCommand(),
			newStatusCommand(),
			newVersionCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Publish a deployment event with a payload",
				Command:     `signalbus emit deploy.finished '{"ok": true}'`,
			},
			{
				Description: "Follow all build signals, replaying the retained backlog first",
				Command:     "signalbus listen 'build.**' --replay",
			},
			{
				Description: "Run a hook for every matching signal",
				Command:     "signalbus listen 'alerts.*' --exec ./notify.sh",
			},
			{
				Description: "Show the last ten order signals",
				Command:     "signalbus history 'orders.**' --limit 10",
			},
			{
				Description: "Mint a write-only token for CI",
				Command:     "signalbus token create ci --permissions write",
			},
			{
				Description: "Cap metric emissions to 100 per minute",
				Command:     "signalbus ratelimit set 'metrics.**' --max 100 --window 1m",
			},
		},
	}
}
