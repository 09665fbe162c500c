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

func newTokenCommand() *cli.Command {
	return &cli.Command{
		Name:    "token",
		Summary: "Manage access tokens",
		Description: `Create and revoke daemon access tokens.

Tokens carry an identity (recorded as the sender on every emitted
signal) and a permission set: read covers listen and replay, write
covers emit, history covers history queries, ratelimit covers rule
management, and admin covers token management and implies the rest.
Creating tokens requires admin; a token may also revoke tokens of its
own identity.`,
		Subcommands: []*cli.Command{
			newTokenCreateCommand(),
			newTokenRevokeCommand(),
			newTokenListCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Mint a write-only token for CI",
				Command:     "signalbus token create ci --permissions write",
			},
			{
				Description: "Mint a short-lived read token",
				Command:     "signalbus token create probe --permissions read --ttl 24h",
			},
			{
				Description: "Revoke a token by ID",
				Command:     "signalbus token revoke tok_6f2a91c4",
			},
			{
				Description: "List live tokens",
				Command:     "signalbus token list",
			},
		},
	}
}

func newTokenCreateCommand() *cli.Command {
	var conn connectionFlags
	var permissions string
	var ttl time.Duration
	var asJSON bool

	return &cli.Command{
		Name:    "create",
		Summary: "Mint a token for an identity",
		Description: `Mint a token for an identity.

The secret is printed once and never retrievable again; the daemon
stores only its hash. Permissions are a comma-separated subset of
read, write, history, ratelimit, and admin (single letters r, w, h,
l, a also work). A TTL makes the token expire; zero means it lives
until revoked.`,
		Usage: "signalbus token create <identity> [flags]",
		Examples: []cli.Example{
			{
				Description: "A token that can only emit",
				Command:     "signalbus token create deploy-bot --permissions write",
			},
			{
				Description: "A day-long read token, as JSON for provisioning scripts",
				Command:     "signalbus token create probe --permissions read --ttl 24h --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("token create", pflag.ContinueOnError)
			conn.register(flags)
			flags.StringVar(&permissions, "permissions", "read,write", "comma-separated permissions: read, write, history, ratelimit, admin")
			flags.DurationVar(&ttl, "ttl", 0, "token lifetime (e.g. 24h); 0 never expires")
			flags.BoolVar(&asJSON, "json", false, "print the token record as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one identity required")
			}

			client, err := conn.client()
			if err != nil {
				return err
			}

			ctx, cancel := requestContext()
			defer cancel()

			info, err := client.CreateToken(ctx, args[0], permissions, ttl)
			if err != nil {
				return err
			}

			if asJSON {
				return cli.WriteJSON(info)
			}

			fmt.Printf("token id:    %s\n", info.TokenID)
			fmt.Printf("identity:    %s\n", info.Identity)
			fmt.Printf("permissions: %s\n", info.Permissions)
			fmt.Printf("issued at:   %s\n", info.IssuedAt)
			if info.ExpiresAt != "" {
				fmt.Printf("expires at:  %s\n", info.ExpiresAt)
			}
			fmt.Printf("secret:      %s\n", info.Secret)
			fmt.Println()
			fmt.Println("Store the secret now; it cannot be retrieved again.")
			return nil
		},
	}
}

func newTokenListCommand() *cli.Command {
	var conn connectionFlags
	var asJSON bool

	return &cli.Command{
		Name:    "list",
		Summary: "List live tokens",
		Description: `List live tokens, oldest first. Requires admin.

Listings show IDs, identities, permissions, and expiry; secrets are
only ever shown once, at creation.`,
		Usage: "signalbus token list [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("token list", pflag.ContinueOnError)
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

			tokens, err := client.ListTokens(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				return cli.WriteJSON(tokens)
			}

			if len(tokens) == 0 {
				fmt.Println("No tokens.")
				return nil
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "TOKEN-ID\tIDENTITY\tPERMISSIONS\tISSUED\tEXPIRES")
			for _, token := range tokens {
				expires := token.ExpiresAt
				if expires == "" {
					expires = "(never)"
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", token.TokenID, token.Identity, token.Permissions, token.IssuedAt, expires)
			}
			return writer.Flush()
		},
	}
}

func newTokenRevokeCommand() *cli.Command {
	var conn connectionFlags

	return &cli.Command{
		Name:    "revoke",
		Summary: "Revoke a token by ID",
		Description: `Revoke a token by its ID.

Revocation is immediate: in-flight listen streams authenticated with
the token are detached, and subsequent requests fail.`,
		Usage: "signalbus token revoke <token-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("token revoke", pflag.ContinueOnError)
			conn.register(flags)
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one token ID required")
			}

			client, err := conn.client()
			if err != nil {
				return err
			}

			ctx, cancel := requestContext()
			defer cancel()

			if err := client.RevokeToken(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		},
	}
}
