// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of Counterline binaries.
package version

import "runtime/debug"

// Version is the release version, overridden at link time with
// -ldflags "-X github.com/queueworks/counterline/lib/version.Version=v1.2.3".
var Version = "dev"

// Info returns a human-readable version string: the release version
// plus the VCS revision when the binary was built from a checkout.
func Info() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	var revision, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			if setting.Value == "true" {
				modified = "-dirty"
			}
		}
	}
	if revision == "" {
		return Version
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return Version + " (" + revision + modified + ")"
}
