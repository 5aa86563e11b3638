// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package spinlock provides a busy-wait mutual exclusion primitive for
// critical sections that complete in tens to low hundreds of cycles,
// such as the ticket issuer's allocator call. It is not a
// general-purpose mutex: holders must not block, allocate, or call
// back into the lock. Recursive acquisition deadlocks; avoid it by
// construction.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// directSpins is how many CAS attempts Lock makes before yielding the
// processor. Short enough that an uncontended lock never yields, long
// enough to ride out a holder finishing its critical section on
// another core.
const directSpins = 64

// Spinlock is a busy-wait lock. The zero value is unlocked. A Spinlock
// must not be copied after first use.
type Spinlock struct {
	state atomic.Uint32
}

// Lock acquires the lock, spinning until it is available. The
// successful compare-and-swap provides the acquire barrier.
func (l *Spinlock) Lock() {
	for spins := 0; ; spins++ {
		if l.state.CompareAndSwap(0, 1) {
			return
		}
		if spins >= directSpins {
			// Let the holder run; on a single-processor schedule a
			// pure spin would never observe the release.
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock acquires the lock without spinning. Returns false when the
// lock is held by someone else.
func (l *Spinlock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. The atomic store provides the release
// barrier. Calling Unlock on an unheld lock is a caller bug; the lock
// does not detect it.
func (l *Spinlock) Unlock() {
	l.state.Store(0)
}
