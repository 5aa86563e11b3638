// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff computes retry delay schedules for reconnect and
// respawn decisions: exponential growth from a base delay, capped at a
// maximum, with optional uniform jitter. One State instance tracks one
// failing link or process; Reset it after a successful recovery.
package backoff

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrInvalidConfig is returned by New for a non-positive base or a
// base exceeding max.
var ErrInvalidConfig = errors.New("backoff: invalid configuration")

// State tracks the retry attempt count for one subject. Not
// synchronized: a State belongs to the single goroutine making the
// retry decisions.
type State struct {
	base      time.Duration
	max       time.Duration
	jitterPct uint8
	attempt   uint32
	rng       *rand.Rand
}

// New returns a State computing min(base * 2^attempt, max) with
// ±jitterPct% uniform jitter. jitterPct above 100 is rejected: a
// jitter factor below zero is meaningless for a delay.
func New(base, max time.Duration, jitterPct uint8) (*State, error) {
	return NewSeeded(base, max, jitterPct, rand.Uint64())
}

// NewSeeded is New with a deterministic jitter source. Two states
// constructed with the same configuration and seed produce identical
// delay sequences.
func NewSeeded(base, max time.Duration, jitterPct uint8, seed uint64) (*State, error) {
	if base <= 0 {
		return nil, fmt.Errorf("%w: base %v must be positive", ErrInvalidConfig, base)
	}
	if base > max {
		return nil, fmt.Errorf("%w: base %v exceeds max %v", ErrInvalidConfig, base, max)
	}
	if jitterPct > 100 {
		return nil, fmt.Errorf("%w: jitter %d%% exceeds 100%%", ErrInvalidConfig, jitterPct)
	}
	return &State{
		base:      base,
		max:       max,
		jitterPct: jitterPct,
		rng:       rand.New(rand.NewPCG(seed, seed)),
	}, nil
}

// NextDelay returns the delay for the current attempt and advances the
// attempt counter. It never fails: once the doubling reaches the cap,
// every subsequent delay is the cap (jitter aside).
func (s *State) NextDelay() time.Duration {
	delay := s.max
	if s.attempt < 63 {
		scaled := s.base << s.attempt
		// The shift overflows silently; detect it by shifting back.
		if scaled>>s.attempt == s.base && scaled < s.max {
			delay = scaled
		}
	}
	s.attempt++

	if s.jitterPct == 0 {
		return delay
	}
	spread := (s.rng.Float64()*2 - 1) * float64(s.jitterPct) / 100
	return time.Duration(float64(delay) * (1 + spread))
}

// Reset sets the attempt counter back to zero. Call after a successful
// reconnect or respawn so the next failure starts from the base delay.
func (s *State) Reset() {
	s.attempt = 0
}

// Attempt returns how many delays have been handed out since the last
// Reset.
func (s *State) Attempt() uint32 {
	return s.attempt
}
