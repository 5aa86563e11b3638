// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident issues unique uint64 identifiers.
//
// Two modes exist. Monotonic allocators only count upward: an id is
// never reused for the lifetime of the run, which is what ticket ids
// require. Free-list allocators additionally accept released ids and
// hand them back out, which suits bounded in-flight ranges like
// control-bridge session ids where the live set stays small.
//
// Allocators are not synchronized. The ticket issuer guards its
// allocator with a spinlock; single-threaded owners need nothing.
package ident

import (
	"errors"
	"math"
)

// ErrRangeExhausted is returned by Allocate when the 64-bit counter
// has no values left. Fatal to the run: there is no recycling scan.
var ErrRangeExhausted = errors.New("ident: identifier range exhausted")

// ErrInvalidRelease is returned by Release for an id that was never
// issued, is already free, or when the allocator is monotonic.
// Callers must guarantee no residual references exist before
// releasing; a violation here indicates a caller bug.
var ErrInvalidRelease = errors.New("ident: invalid release")

// Allocator issues unique uint64 identifiers. The zero value is not
// usable; construct with NewMonotonic or NewFreeList.
type Allocator struct {
	next uint64

	// free is the LIFO stack of released ids. Nil in monotonic mode,
	// non-nil (possibly empty) in free-list mode.
	free []uint64

	// freeSet mirrors free for O(1) double-release detection. Nil in
	// monotonic mode.
	freeSet map[uint64]struct{}
}

// NewMonotonic returns an allocator that only counts upward. Released
// ids are never accepted; Allocate fails only on counter exhaustion.
func NewMonotonic() *Allocator {
	return &Allocator{}
}

// NewFreeList returns an allocator that reuses released ids. Allocate
// pops the most recently released id when one is available and
// advances the counter otherwise.
func NewFreeList() *Allocator {
	return &Allocator{
		free:    []uint64{},
		freeSet: make(map[uint64]struct{}),
	}
}

// Allocate returns the next unique id.
func (a *Allocator) Allocate() (uint64, error) {
	if a.freeSet != nil && len(a.free) > 0 {
		id := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		delete(a.freeSet, id)
		return id, nil
	}
	if a.next == math.MaxUint64 {
		return 0, ErrRangeExhausted
	}
	id := a.next
	a.next++
	return id, nil
}

// Release returns an id to the free list so a later Allocate may hand
// it out again. Only valid in free-list mode, for ids that were
// previously issued and are not already free.
func (a *Allocator) Release(id uint64) error {
	if a.freeSet == nil {
		return ErrInvalidRelease
	}
	if id >= a.next {
		return ErrInvalidRelease
	}
	if _, alreadyFree := a.freeSet[id]; alreadyFree {
		return ErrInvalidRelease
	}
	a.free = append(a.free, id)
	a.freeSet[id] = struct{}{}
	return nil
}

// Issued returns how many ids the counter has advanced past. Free-list
// reuse does not advance the counter, so this is the high-water mark
// of distinct ids ever handed out.
func (a *Allocator) Issued() uint64 {
	return a.next
}
