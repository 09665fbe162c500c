// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/signalbus-io/signalbus/cmd/signalbus/cli"
	"github.com/signalbus-io/signalbus/lib/busclient"
	"github.com/signalbus-io/signalbus/lib/protocol"
)

func newListenCommand() *cli.Command {
	var conn connectionFlags
	var scope string
	var replay bool
	var replayLimit int
	var hookPath string
	var asJSON bool

	return &cli.Command{
		Name:    "listen",
		Summary: "Stream signals matching a pattern",
		Description: `Subscribe to a topic pattern and stream matching signals until
interrupted.

Patterns match dot-separated topics segment by segment: * matches one
segment, ? matches a single character, and a trailing ** matches any
remainder. --scope restricts delivery to senders matching a second
pattern. --replay delivers the retained backlog, oldest first, before
live signals.

When stdout is not a terminal (or with --json), each signal is printed
as one compact JSON line. --exec runs a command for every signal with
the topic, payload, and timestamp as arguments; hook output goes to
stderr, and a failing hook is reported without stopping the stream.`,
		Usage: "signalbus listen <pattern> [flags]",
		Examples: []cli.Example{
			{
				Description: "Follow everything under deploy",
				Command:     "signalbus listen 'deploy.**'",
			},
			{
				Description: "Catch up on missed build signals, then follow",
				Command:     "signalbus listen 'build.*' --replay",
			},
			{
				Description: "Only signals emitted by CI identities",
				Command:     "signalbus listen 'build.**' --scope 'ci.*'",
			},
			{
				Description: "Trigger a script per signal",
				Command:     "signalbus listen 'alerts.*' --exec ./notify.sh",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("listen", pflag.ContinueOnError)
			conn.register(flags)
			flags.StringVar(&scope, "scope", "", "only deliver signals whose sender matches this pattern")
			flags.BoolVar(&replay, "replay", false, "deliver the retained backlog before live signals")
			flags.IntVar(&replayLimit, "replay-limit", 0, "cap the replayed backlog (0 uses the daemon's query limit)")
			flags.StringVar(&hookPath, "exec", "", "run this command for every signal (args: topic, payload, timestamp)")
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

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stream, err := client.Listen(ctx, args[0], busclient.ListenOptions{
				Scope:       scope,
				Replay:      replay,
				ReplayLimit: replayLimit,
			})
			if err != nil {
				return err
			}
			defer stream.Close()

			lineJSON := asJSON || !stdoutIsTerminal()
			for sig := range stream.Signals() {
				if hookPath != "" {
					if err := runHook(hookPath, sig); err != nil {
						fmt.Fprintf(os.Stderr, "hook failed for %s: %v\n", sig.Topic, err)
					}
				}
				if lineJSON {
					if err := printSignalJSON(sig); err != nil {
						return err
					}
					continue
				}
				fmt.Println(formatSignalLine(sig))
			}
			return stream.Err()
		},
	}
}

// hookCommand builds the per-signal hook invocation. The signal rides
// both as positional arguments (topic, payload, timestamp) and as
// SIGNALBUS_* environment variables, so hooks can pick whichever is
// less awkward to consume.
func hookCommand(hookPath string, sig protocol.Signal) *exec.Cmd {
	command := exec.Command(hookPath, sig.Topic, sig.Payload, sig.Timestamp)
	command.Env = append(os.Environ(),
		"SIGNALBUS_TOPIC="+sig.Topic,
		"SIGNALBUS_PAYLOAD="+sig.Payload,
		"SIGNALBUS_TIMESTAMP="+sig.Timestamp,
		"SIGNALBUS_SENDER="+sig.Sender,
		"SIGNALBUS_PRIORITY="+sig.Priority,
	)
	return command
}

// runHook runs the hook synchronously. Hook output lands on stderr so
// stdout stays a clean signal stream for pipelines.
func runHook(hookPath string, sig protocol.Signal) error {
	command := hookCommand(hookPath, sig)
	command.Stdout = os.Stderr
	command.Stderr = os.Stderr
	return command.Run()
}
