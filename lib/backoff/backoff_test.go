// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"errors"
	"testing"
	"time"
)

func TestScheduleWithoutJitter(t *testing.T) {
	t.Parallel()
	state, err := New(100*time.Millisecond, 1600*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		1600 * time.Millisecond,
		1600 * time.Millisecond,
	}
	for i, expected := range want {
		if got := state.NextDelay(); got != expected {
			t.Errorf("NextDelay[%d]: got %v, want %v", i, got, expected)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		base, max time.Duration
		jitterPct uint8
	}{
		{name: "zero base", base: 0, max: time.Second},
		{name: "negative base", base: -time.Second, max: time.Second},
		{name: "base exceeds max", base: 2 * time.Second, max: time.Second},
		{name: "jitter above 100", base: time.Second, max: time.Minute, jitterPct: 101},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(test.base, test.max, test.jitterPct); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("New(%v, %v, %d): got %v, want ErrInvalidConfig",
					test.base, test.max, test.jitterPct, err)
			}
		})
	}
}

func TestResetRestartsSchedule(t *testing.T) {
	t.Parallel()
	state, err := New(100*time.Millisecond, time.Minute, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	state.NextDelay()
	state.NextDelay()
	if got := state.Attempt(); got != 2 {
		t.Fatalf("Attempt: got %d, want 2", got)
	}

	state.Reset()
	if got := state.Attempt(); got != 0 {
		t.Fatalf("Attempt after Reset: got %d, want 0", got)
	}
	if got := state.NextDelay(); got != 100*time.Millisecond {
		t.Fatalf("NextDelay after Reset: got %v, want 100ms", got)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	t.Parallel()
	state, err := NewSeeded(time.Second, time.Second, 20, 42)
	if err != nil {
		t.Fatalf("NewSeeded: %v", err)
	}

	for i := 0; i < 1000; i++ {
		delay := state.NextDelay()
		if delay < 800*time.Millisecond || delay > 1200*time.Millisecond {
			t.Fatalf("NextDelay[%d]: %v outside ±20%% of 1s", i, delay)
		}
	}
}

func TestSeededSequencesAreReproducible(t *testing.T) {
	t.Parallel()
	first, err := NewSeeded(50*time.Millisecond, 10*time.Second, 50, 7)
	if err != nil {
		t.Fatalf("NewSeeded: %v", err)
	}
	second, err := NewSeeded(50*time.Millisecond, 10*time.Second, 50, 7)
	if err != nil {
		t.Fatalf("NewSeeded: %v", err)
	}

	for i := 0; i < 32; i++ {
		a, b := first.NextDelay(), second.NextDelay()
		if a != b {
			t.Fatalf("delay[%d]: %v != %v for identical seeds", i, a, b)
		}
	}
}

func TestOverflowClampsToMax(t *testing.T) {
	t.Parallel()
	state, err := New(time.Hour, 24*time.Hour, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Burn enough attempts that base << attempt overflows int64.
	for i := 0; i < 80; i++ {
		if got := state.NextDelay(); got > 24*time.Hour || got <= 0 {
			t.Fatalf("NextDelay[%d]: %v outside (0, max]", i, got)
		}
	}
}
