// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/queueworks/counterline/lib/schema"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))

	healthyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	startingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	crashedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	pausedStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
)

func healthStyle(health schema.Health) lipgloss.Style {
	switch health {
	case schema.HealthHealthy:
		return healthyStyle
	case schema.HealthStarting:
		return startingStyle
	case schema.HealthDegraded:
		return degradedStyle
	default:
		return crashedStyle
	}
}

// renderSnapshot formats one snapshot as a full-screen frame.
func renderSnapshot(hello schema.BridgeHello, snapshot schema.Snapshot) string {
	var b strings.Builder

	uptime := (time.Duration(snapshot.UptimeMillis) * time.Millisecond).Truncate(time.Second)
	b.WriteString(titleStyle.Render("counterline"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  run %s  up %s  director %s",
		shortRunID(snapshot.RunID), uptime, hello.DirectorVersion)))
	if snapshot.Paused {
		b.WriteString("  ")
		b.WriteString(pausedStyle.Render("PAUSED"))
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("host %s  cpus %d  sessions %d",
		hello.Host.Hostname, hello.Host.CPUs, snapshot.ControlSessions)))
	b.WriteString("\n\n")

	b.WriteString(headStyle.Render(fmt.Sprintf("%-16s %-14s %-9s %7s %9s %7s %7s",
		"NAME", "KIND", "HEALTH", "PID", "RESTARTS", "QUEUE", "DROPS")))
	b.WriteString("\n")
	for _, proc := range snapshot.Processes {
		line := fmt.Sprintf("%-16s %-14s %-9s %7d %9d %7d %7d",
			proc.Name, proc.Kind, proc.Health, proc.PID,
			proc.Restarts, proc.SendQueueDepth, proc.BackpressureDrops)
		b.WriteString(healthStyle(proc.Health).Render(line))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(headStyle.Render("TICKETS"))
	b.WriteString(fmt.Sprintf("  issued %d  dispatched %d  completed %d  failed %d\n",
		snapshot.Tickets.Issued, snapshot.Tickets.Dispatched,
		snapshot.Tickets.Completed, snapshot.Tickets.Failed))
	b.WriteString(headStyle.Render("ROUTER"))
	b.WriteString(fmt.Sprintf("   dispatched %d  unroutable %d  handler errors %d\n",
		snapshot.Router.Dispatched, snapshot.Router.Unroutable, snapshot.Router.HandlerErrors))
	return b.String()
}

// shortRunID trims a UUID to its first group for display.
func shortRunID(runID string) string {
	if i := strings.IndexByte(runID, '-'); i > 0 {
		return runID[:i]
	}
	return runID
}
