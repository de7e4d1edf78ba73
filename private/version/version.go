// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package version provides the build information of a binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// Build information, overridable with ldflags.
var (
	// Version is the release version, empty for dev builds.
	Version = ""
	// CommitHash is the git commit the binary was built from.
	CommitHash = ""
	// Timestamp is the build timestamp.
	Timestamp = ""
)

// Info encapsulates the build information.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Release    bool   `json:"release"`
}

// Build returns the build information of the current binary.
func Build() Info {
	info := Info{
		Version:    Version,
		CommitHash: CommitHash,
		Timestamp:  Timestamp,
		Release:    Version != "",
	}
	if info.Version == "" {
		info.Version = "dev"
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "(devel)" && bi.Main.Version != "" {
			info.Version = bi.Main.Version
		}
	}
	return info
}

// String returns a human readable version string.
func (info Info) String() string {
	if info.CommitHash == "" {
		return info.Version
	}
	return fmt.Sprintf("%s (%s)", info.Version, info.CommitHash)
}
