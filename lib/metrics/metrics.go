// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the sink interface the core emits counters
// and gauges into. The core never implements storage: binaries pick a
// sink (slog-backed by default) and external collectors can provide
// their own.
package metrics

import (
	"log/slog"
	"sync"
)

// Sink receives metric updates. Implementations must be safe for
// concurrent use and must not block: sinks are called from the
// director's control loop.
type Sink interface {
	// Count adds delta to a monotonically increasing counter.
	Count(name string, delta uint64)

	// Gauge records the current value of an instantaneous quantity.
	Gauge(name string, value float64)
}

// Nop returns a sink that discards everything.
func Nop() Sink { return nopSink{} }

type nopSink struct{}

func (nopSink) Count(string, uint64)  {}
func (nopSink) Gauge(string, float64) {}

// NewSlog returns a sink that logs every update at Debug level. Good
// enough for development runs; production front-ends attach a real
// collector.
func NewSlog(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogSink{logger: logger}
}

type slogSink struct {
	logger *slog.Logger
}

func (s *slogSink) Count(name string, delta uint64) {
	s.logger.Debug("metric", "kind", "count", "name", name, "delta", delta)
}

func (s *slogSink) Gauge(name string, value float64) {
	s.logger.Debug("metric", "kind", "gauge", "name", name, "value", value)
}

// Memory is a Sink that accumulates values in memory, for tests.
type Memory struct {
	mu     sync.Mutex
	counts map[string]uint64
	gauges map[string]float64
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		counts: make(map[string]uint64),
		gauges: make(map[string]float64),
	}
}

// Count implements Sink.
func (m *Memory) Count(name string, delta uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] += delta
}

// Gauge implements Sink.
func (m *Memory) Gauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// CountValue returns the accumulated value of a counter.
func (m *Memory) CountValue(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

// GaugeValue returns the last recorded value of a gauge.
func (m *Memory) GaugeValue(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}
