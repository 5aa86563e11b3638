// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo collects basic host information for hello frames and
// snapshots: hostname, CPU count, total memory, kernel release.
package hwinfo
