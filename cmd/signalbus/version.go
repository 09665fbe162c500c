// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/signalbus-io/signalbus/cmd/signalbus/cli"
	"github.com/signalbus-io/signalbus/lib/version"
)

func newVersionCommand() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Usage:   "signalbus version [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if asJSON {
				return cli.WriteJSON(version.Current())
			}
			fmt.Printf("signalbus %s\n", version.Full())
			return nil
		},
	}
}
