// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/signalbus-io/signalbus/lib/protocol"
)

// stdoutIsTerminal reports whether stdout is attached to a terminal.
// Piped output switches listen and history to line-delimited JSON so
// scripts never have to parse the human layout.
func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// formatSignalLine renders one signal as a human-readable line:
// timestamp, topic, priority, sender, then the payload JSON.
func formatSignalLine(sig protocol.Signal) string {
	var b strings.Builder
	b.WriteString(sig.Timestamp)
	b.WriteString("  ")
	b.WriteString(sig.Topic)
	b.WriteString("  ")
	b.WriteString(sig.Priority)
	b.WriteString("  ")
	b.WriteString(sig.Sender)
	b.WriteString("  ")
	b.WriteString(sig.Payload)
	return b.String()
}

// printSignalJSON writes one signal as a single compact JSON line.
func printSignalJSON(sig protocol.Signal) error {
	line, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(line))
	return err
}

// truncatePayload shortens long payloads for table cells. Full payloads
// are always available via --json.
func truncatePayload(payload string, limit int) string {
	if len(payload) <= limit {
		return payload
	}
	return payload[:limit-3] + "..."
}
