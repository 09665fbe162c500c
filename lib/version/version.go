// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the
// signalbus binaries.
//
// Version information is injected at build time via -ldflags, for
// example:
//
//	go build -ldflags "-X github.com/signalbus-io/signalbus/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for
	// releases.
	Version = "0.1.0-dev"
)

// Build is the structured form of the binary's version information,
// shaped for the CLI's JSON output.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Dirty     bool   `json:"dirty,omitempty"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Current returns the running binary's build information.
func Current() Build {
	return Build{
		Version:   Version,
		Commit:    GitCommit,
		Dirty:     GitDirty == "true",
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Info returns a one-line version string suitable for --version
// output.
func Info() string {
	build := Current()
	dirty := ""
	if build.Dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", build.Version, build.Commit, dirty, build.BuildTime)
}

// Full returns detailed version information including the Go version
// and target platform.
func Full() string {
	build := Current()
	return fmt.Sprintf("%s\n  go: %s\n  platform: %s", Info(), build.GoVersion, build.Platform)
}

// Short returns just the version number.
func Short() string {
	return Version
}
