// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package hwinfo

import (
	"os"
	"runtime"

	"github.com/queueworks/counterline/lib/schema"
)

// Collect gathers what the standard library offers on non-Linux
// platforms. Memory and kernel release are left zero; the fields are
// informational only.
func Collect() (schema.HostInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return schema.HostInfo{}, err
	}
	return schema.HostInfo{
		Hostname: hostname,
		CPUs:     runtime.NumCPU(),
	}, nil
}
