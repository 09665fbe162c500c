// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "signalbus",
		Subcommands: []*Command{
			{
				Name: "version",
				Run: func(args []string) error {
					called = "version"
					return nil
				},
			},
			{
				Name: "emit",
				Run: func(args []string) error {
					called = "emit"
					return nil
				},
			},
		},
	}

	if err := root.Execute([]string{"emit"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "emit" {
		t.Errorf("dispatched to %q, want %q", called, "emit")
	}
}

func TestCommand_Execute_NestedSubcommands(t *testing.T) {
	var called string
	var receivedArgs []string

	root := &Command{
		Name: "signalbus",
		Subcommands: []*Command{
			{
				Name: "token",
				Subcommands: []*Command{
					{
						Name: "create",
						Run: func(args []string) error {
							called = "token create"
							receivedArgs = args
							return nil
						},
					},
				},
			},
		},
	}

	if err := root.Execute([]string{"token", "create", "deploy"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "token create" {
		t.Errorf("dispatched to %q, want %q", called, "token create")
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "deploy" {
		t.Errorf("args = %v, want [deploy]", receivedArgs)
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var socketPath string
	var pattern string

	command := &Command{
		Name: "listen",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("listen", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "/default.sock", "socket path")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				pattern = args[0]
			}
			return nil
		},
	}

	if err := command.Execute([]string{"--socket", "/custom.sock", "deploy.**"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if socketPath != "/custom.sock" {
		t.Errorf("socketPath = %q, want %q", socketPath, "/custom.sock")
	}
	if pattern != "deploy.**" {
		t.Errorf("pattern = %q, want %q", pattern, "deploy.**")
	}
}

func TestCommand_Execute_UnknownFlagSuggestion(t *testing.T) {
	command := &Command{
		Name: "listen",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("listen", pflag.ContinueOnError)
			flagSet.Bool("replay", false, "replay retained backlog")
			flagSet.String("socket", "/default.sock", "socket path")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}

	err := command.Execute([]string{"--reply"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "did you mean --replay") {
		t.Errorf("error = %q, want suggestion for '--replay'", errStr)
	}
	// Suggestion should be on the same line as the error, not buried.
	if !strings.Contains(errStr, "reply") {
		t.Errorf("error = %q, should mention the bad flag", errStr)
	}
	// Should include a pointer to --help.
	if !strings.Contains(errStr, "--help") {
		t.Errorf("error = %q, should point to --help", errStr)
	}
}

func TestCommand_Execute_UnknownFlagNoSuggestion(t *testing.T) {
	command := &Command{
		Name: "listen",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("listen", pflag.ContinueOnError)
			flagSet.Bool("replay", false, "replay retained backlog")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}

	err := command.Execute([]string{"--zzzzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not suggest for distant flag", err.Error())
	}
	if !strings.Contains(err.Error(), "--help") {
		t.Errorf("error = %q, should point to --help", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandSuggestion(t *testing.T) {
	root := &Command{
		Name: "signalbus",
		Subcommands: []*Command{
			{Name: "listen"},
			{Name: "history"},
			{Name: "version"},
		},
	}

	err := root.Execute([]string{"histroy"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if !strings.Contains(err.Error(), "did you mean \"history\"") {
		t.Errorf("error = %q, want suggestion for 'history'", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandNoSuggestion(t *testing.T) {
	root := &Command{
		Name: "signalbus",
		Subcommands: []*Command{
			{Name: "listen"},
			{Name: "history"},
		},
	}

	err := root.Execute([]string{"zzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not contain suggestion for distant input", err.Error())
	}
}

func TestCommand_Execute_HelpFlag(t *testing.T) {
	for _, helpArg := range []string{"-h", "--help", "help"} {
		t.Run(helpArg, func(t *testing.T) {
			root := &Command{
				Name:    "signalbus",
				Summary: "Local signal broker client",
				Subcommands: []*Command{
					{Name: "emit", Summary: "Publish a signal"},
				},
			}

			err := root.Execute([]string{helpArg})
			if err != nil {
				t.Errorf("Execute(%q) error: %v", helpArg, err)
			}
		})
	}
}

func TestCommand_Execute_NoArgsShowsHelp(t *testing.T) {
	root := &Command{
		Name: "signalbus",
		Subcommands: []*Command{
			{Name: "emit", Summary: "Publish a signal"},
		},
	}

	err := root.Execute([]string{})
	if err == nil {
		t.Fatal("Execute() = nil, want error for missing subcommand")
	}
	if !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("error = %q, want 'subcommand required'", err.Error())
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	command := &Command{
		Name:        "signalbus",
		Description: "Client for the signalbus local broker daemon.",
		Subcommands: []*Command{
			{Name: "emit", Summary: "Publish a signal to a topic"},
			{Name: "listen", Summary: "Stream signals matching a pattern"},
			{Name: "version", Summary: "Print version information"},
		},
		Examples: []Example{
			{
				Description: "Publish a deployment event",
				Command:     `signalbus emit deploy.finished '{"ok": true}'`,
			},
			{
				Description: "Follow all build signals with replay",
				Command:     "signalbus listen 'build.**' --replay",
			},
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"Client for the signalbus local broker daemon.",
		"Usage:",
		"Commands:",
		"emit",
		"Publish a signal to a topic",
		"Examples:",
		"signalbus emit deploy.finished",
		"Run 'signalbus <command> --help'",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q:\n%s", want, output)
		}
	}
}

func TestCommand_FullName(t *testing.T) {
	root := &Command{Name: "signalbus"}
	group := &Command{Name: "token", parent: root}
	leaf := &Command{Name: "create", parent: group}

	if got := leaf.fullName(); got != "signalbus token create" {
		t.Errorf("fullName() = %q, want %q", got, "signalbus token create")
	}
}
