// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds small helpers shared by Counterline binary
// entrypoints: fatal error reporting before the structured logger
// exists, and exit-status extraction for reaped subordinates.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard Counterline binary entrypoint error handler. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCode extracts the exit code from an error returned by
// exec.Cmd.Wait. Returns 0 when err is nil, the process exit code for
// a normal exit, and -1 for abnormal termination (signal) or
// non-exec errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode()
	}
	return -1
}
