// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/queueworks/counterline/lib/schema"
)

// Collect gathers host information. Each participant collects its own
// view: under container CPU/memory limits the numbers can differ
// between processes on the same machine.
func Collect() (schema.HostInfo, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return schema.HostInfo{}, fmt.Errorf("uname: %w", err)
	}

	var sysinfo unix.Sysinfo_t
	if err := unix.Sysinfo(&sysinfo); err != nil {
		return schema.HostInfo{}, fmt.Errorf("sysinfo: %w", err)
	}

	return schema.HostInfo{
		Hostname:         charsToString(uname.Nodename[:]),
		CPUs:             runtime.NumCPU(),
		MemoryTotalBytes: uint64(sysinfo.Totalram) * uint64(sysinfo.Unit),
		Kernel:           charsToString(uname.Release[:]),
	}, nil
}

// charsToString converts a NUL-terminated utsname field.
func charsToString(chars []byte) string {
	for i, c := range chars {
		if c == 0 {
			return string(chars[:i])
		}
	}
	return string(chars)
}
