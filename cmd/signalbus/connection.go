// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/spf13/pflag"

	"github.com/signalbus-io/signalbus/lib/busclient"
)

// requestTimeout bounds one-shot requests against the daemon. Listen
// streams are exempt; they run until interrupted.
const requestTimeout = 10 * time.Second

// connectionFlags holds the flags shared by every command that dials
// the daemon.
type connectionFlags struct {
	socket string
	token  string
}

func (c *connectionFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&c.socket, "socket", busclient.DefaultSocketPath(), "daemon socket path")
	flags.StringVar(&c.token, "token", "", "token secret (default: $SIGNALBUS_TOKEN, then the daemon's token file)")
}

// client resolves the token and returns a configured daemon client.
func (c *connectionFlags) client() (*busclient.Client, error) {
	secret, err := busclient.ResolveToken(c.token)
	if err != nil {
		return nil, err
	}
	return busclient.New(c.socket, secret), nil
}

// requestContext returns the bounded context used for one-shot
// requests.
func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}
