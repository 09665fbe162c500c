// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const seedDocument = `
// Credentials for the integration rig.
{
	"tokens": [
		{
			"identity": "ci.runner",
			"permissions": "read,write",
			"secret": "sbt_fixed_ci_secret_for_tests",
		},
		{
			"identity": "dashboard",
			"permissions": "r,h",
			"ttl": "24h",
		},
	],
	"rules": [
		/* keep login storms in check */
		{
			"pattern": "user.login",
			"max_count": 5,
			"window": "60s",
		},
		{
			"pattern": "ci.**",
			"max_count": 100,
			"window": "1m",
			"sender": "ci.runner",
		},
	],
}
`

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(seedDocument))
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}

	if len(seed.Tokens) != 2 {
		t.Fatalf("tokens: got %d, want 2", len(seed.Tokens))
	}
	if seed.Tokens[0].Identity != "ci.runner" {
		t.Errorf("tokens[0].identity: got %q, want ci.runner", seed.Tokens[0].Identity)
	}
	if seed.Tokens[0].Secret != "sbt_fixed_ci_secret_for_tests" {
		t.Errorf("tokens[0].secret: got %q", seed.Tokens[0].Secret)
	}
	if seed.Tokens[1].TTL != "24h" {
		t.Errorf("tokens[1].ttl: got %q, want 24h", seed.Tokens[1].TTL)
	}

	if len(seed.Rules) != 2 {
		t.Fatalf("rules: got %d, want 2", len(seed.Rules))
	}
	if seed.Rules[0].Pattern != "user.login" || seed.Rules[0].MaxCount != 5 {
		t.Errorf("rules[0]: got %+v", seed.Rules[0])
	}
	if seed.Rules[1].Sender != "ci.runner" {
		t.Errorf("rules[1].sender: got %q, want ci.runner", seed.Rules[1].Sender)
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.jsonc")
	if err := os.WriteFile(path, []byte(seedDocument), 0o600); err != nil {
		t.Fatalf("writing seed: %v", err)
	}

	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(seed.Tokens) != 2 || len(seed.Rules) != 2 {
		t.Errorf("got %d tokens and %d rules, want 2 and 2", len(seed.Tokens), len(seed.Rules))
	}
}

func TestLoadSeedMissingFile(t *testing.T) {
	_, err := LoadSeed(filepath.Join(t.TempDir(), "absent.jsonc"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseSeedRejectsMalformedJSON(t *testing.T) {
	_, err := ParseSeed([]byte(`{"tokens": [`))
	if err == nil {
		t.Fatal("expected error for malformed document")
	}
}

func TestSeedValidate(t *testing.T) {
	tests := []struct {
		name    string
		seed    Seed
		wantErr string
	}{
		{
			name: "bad identity",
			seed: Seed{Tokens: []SeedToken{{Identity: "has spaces", Permissions: "read"}}},
			wantErr: "tokens[0].identity",
		},
		{
			name: "bad permissions",
			seed: Seed{Tokens: []SeedToken{{Identity: "ci.runner", Permissions: "read,fly"}}},
			wantErr: "tokens[0].permissions",
		},
		{
			name: "bad ttl",
			seed: Seed{Tokens: []SeedToken{{Identity: "ci.runner", Permissions: "read", TTL: "tomorrow"}}},
			wantErr: "tokens[0].ttl",
		},
		{
			name: "bad rule pattern",
			seed: Seed{Rules: []SeedRule{{Pattern: "a..b", MaxCount: 5, Window: "60s"}}},
			wantErr: "rules[0].pattern",
		},
		{
			name: "zero max count",
			seed: Seed{Rules: []SeedRule{{Pattern: "user.login", MaxCount: 0, Window: "60s"}}},
			wantErr: "rules[0].max_count",
		},
		{
			name: "missing window",
			seed: Seed{Rules: []SeedRule{{Pattern: "user.login", MaxCount: 5}}},
			wantErr: "rules[0].window",
		},
		{
			name: "bad sender",
			seed: Seed{Rules: []SeedRule{{Pattern: "user.login", MaxCount: 5, Window: "60s", Sender: "bad..sender"}}},
			wantErr: "rules[0].sender",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.seed.Validate()
			if err == nil {
				t.Fatalf("Validate: expected error mentioning %q, got nil", test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("error %q does not mention %q", err, test.wantErr)
			}
		})
	}
}
