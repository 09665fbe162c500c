// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

// setBuildVars overrides the ldflags-injected variables for one test
// and restores them on cleanup. Tests using it must not run in
// parallel.
func setBuildVars(t *testing.T, commit, dirty, buildTime, semver string) {
	t.Helper()
	origCommit, origDirty, origTime, origVersion := GitCommit, GitDirty, BuildTime, Version
	t.Cleanup(func() {
		GitCommit, GitDirty, BuildTime, Version = origCommit, origDirty, origTime, origVersion
	})
	GitCommit, GitDirty, BuildTime, Version = commit, dirty, buildTime, semver
}

func TestCurrent(t *testing.T) {
	setBuildVars(t, "abc1234", "true", "2026-03-01T09:00:00Z", "1.2.3")

	build := Current()
	if build.Version != "1.2.3" {
		t.Errorf("Version = %q, want %q", build.Version, "1.2.3")
	}
	if build.Commit != "abc1234" {
		t.Errorf("Commit = %q, want %q", build.Commit, "abc1234")
	}
	if !build.Dirty {
		t.Error("Dirty = false, want true")
	}
	if build.GoVersion == "" {
		t.Error("GoVersion is empty")
	}
	if !strings.Contains(build.Platform, "/") {
		t.Errorf("Platform = %q, want GOOS/GOARCH form", build.Platform)
	}
}

func TestInfo(t *testing.T) {
	setBuildVars(t, "abc1234", "false", "2026-03-01T09:00:00Z", "1.2.3")
	if got, want := Info(), "1.2.3 (abc1234, 2026-03-01T09:00:00Z)"; got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}

	GitDirty = "true"
	if got, want := Info(), "1.2.3 (abc1234-dirty, 2026-03-01T09:00:00Z)"; got != want {
		t.Errorf("Info() with a dirty tree = %q, want %q", got, want)
	}
}
