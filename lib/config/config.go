// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the simulation configuration for Counterline
// binaries.
//
// Configuration comes from a single YAML file specified by the
// COUNTERLINE_CONFIG environment variable or a --config flag. There
// are no fallbacks or automatic discovery: a run is fully described by
// one auditable file. Validation failures abort before any subordinate
// process is spawned.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" or "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for a Counterline run.
type Config struct {
	// Run shapes the simulated population.
	Run RunConfig `yaml:"run"`

	// Heartbeat governs liveness detection.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// Supervision governs restart policy.
	Supervision SupervisionConfig `yaml:"supervision"`

	// Channel governs framing and queueing on every link.
	Channel ChannelConfig `yaml:"channel"`

	// Control configures the control bridge endpoint.
	Control ControlConfig `yaml:"control"`

	// Worker configures subordinate worker behavior.
	Worker WorkerConfig `yaml:"worker"`

	// User configures subordinate user behavior.
	User UserConfig `yaml:"user"`
}

// RunConfig shapes the simulated population.
type RunConfig struct {
	// Workers is the number of worker processes to spawn.
	Workers int `yaml:"workers"`

	// Users is the number of user processes to spawn.
	Users int `yaml:"users"`

	// PauseOnStart starts the run with ticket intake paused; a control
	// client resumes it.
	PauseOnStart bool `yaml:"pause_on_start"`
}

// HeartbeatConfig governs liveness detection.
type HeartbeatConfig struct {
	// Interval is how often subordinates send heartbeats.
	Interval Duration `yaml:"interval"`

	// MissThreshold is how many consecutive missed heartbeats move a
	// subordinate from Healthy to Degraded.
	MissThreshold int `yaml:"miss_threshold"`
}

// SupervisionConfig governs restart policy.
type SupervisionConfig struct {
	// MaxRestarts is the per-subordinate restart budget. Exceeding it
	// marks the handle terminally Failed.
	MaxRestarts uint32 `yaml:"max_restarts"`

	// BackoffBase is the first respawn delay.
	BackoffBase Duration `yaml:"backoff_base"`

	// BackoffMax caps the respawn delay.
	BackoffMax Duration `yaml:"backoff_max"`

	// BackoffJitterPct is the ± jitter percentage applied to each
	// delay. 0..100.
	BackoffJitterPct uint8 `yaml:"backoff_jitter_pct"`

	// DrainTimeout is how long the director waits for a subordinate to
	// drain after a shutdown frame before killing it.
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// ChannelConfig governs framing and queueing on every link.
type ChannelConfig struct {
	// SendQueueCapacity bounds each channel's send queue.
	SendQueueCapacity int `yaml:"send_queue_capacity"`

	// MaxFrameSize bounds on-wire payload length in bytes.
	MaxFrameSize uint32 `yaml:"max_frame_size"`

	// CompressThreshold enables zstd compression for payloads of at
	// least this many bytes. Zero disables compression.
	CompressThreshold int `yaml:"compress_threshold"`
}

// ControlConfig configures the control bridge endpoint.
type ControlConfig struct {
	// SocketPath is the Unix socket the director listens on for
	// control clients.
	SocketPath string `yaml:"socket_path"`

	// MaxSessions bounds concurrently attached control clients.
	// Session ids come from a free-list allocator sized by this.
	MaxSessions int `yaml:"max_sessions"`
}

// WorkerConfig configures subordinate worker behavior.
type WorkerConfig struct {
	// ServiceTimeMin and ServiceTimeMax bound the simulated service
	// time per task, drawn uniformly.
	ServiceTimeMin Duration `yaml:"service_time_min"`
	ServiceTimeMax Duration `yaml:"service_time_max"`

	// FailureRate is the probability (0..1) that a task fails.
	FailureRate float64 `yaml:"failure_rate"`

	// DrainLimit bounds in-flight tasks finished during shutdown.
	DrainLimit uint32 `yaml:"drain_limit"`
}

// UserConfig configures subordinate user behavior.
type UserConfig struct {
	// RequestIntervalMin and RequestIntervalMax bound the pause
	// between ticket requests, drawn uniformly.
	RequestIntervalMin Duration `yaml:"request_interval_min"`
	RequestIntervalMax Duration `yaml:"request_interval_max"`
}

// Default returns the default configuration. Defaults exist so every
// field has a sensible value before the file is merged in; the file
// itself remains the source of truth.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Workers: 2,
			Users:   4,
		},
		Heartbeat: HeartbeatConfig{
			Interval:      Duration(time.Second),
			MissThreshold: 3,
		},
		Supervision: SupervisionConfig{
			MaxRestarts:      5,
			BackoffBase:      Duration(100 * time.Millisecond),
			BackoffMax:       Duration(5 * time.Second),
			BackoffJitterPct: 20,
			DrainTimeout:     Duration(5 * time.Second),
		},
		Channel: ChannelConfig{
			SendQueueCapacity: 64,
			MaxFrameSize:      1 << 20,
			CompressThreshold: 4096,
		},
		Control: ControlConfig{
			SocketPath:  "/run/counterline/control.sock",
			MaxSessions: 16,
		},
		Worker: WorkerConfig{
			ServiceTimeMin: Duration(20 * time.Millisecond),
			ServiceTimeMax: Duration(200 * time.Millisecond),
			FailureRate:    0.05,
			DrainLimit:     8,
		},
		User: UserConfig{
			RequestIntervalMin: Duration(100 * time.Millisecond),
			RequestIntervalMax: Duration(800 * time.Millisecond),
		},
	}
}

// Load loads configuration from the COUNTERLINE_CONFIG environment
// variable. Fails when the variable is unset: there are no hidden
// fallbacks.
func Load() (*Config, error) {
	path := os.Getenv("COUNTERLINE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("COUNTERLINE_CONFIG environment variable not set; " +
			"set it to the path of your counterline.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, merged over Default(), and
// validates it.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors. All violations are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Run.Workers < 1 {
		errs = append(errs, fmt.Errorf("run.workers must be at least 1, got %d", c.Run.Workers))
	}
	if c.Run.Users < 1 {
		errs = append(errs, fmt.Errorf("run.users must be at least 1, got %d", c.Run.Users))
	}
	if c.Heartbeat.Interval.Std() <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval must be positive, got %v", c.Heartbeat.Interval.Std()))
	}
	if c.Heartbeat.MissThreshold < 1 {
		errs = append(errs, fmt.Errorf("heartbeat.miss_threshold must be at least 1, got %d", c.Heartbeat.MissThreshold))
	}
	if c.Supervision.BackoffBase.Std() <= 0 {
		errs = append(errs, fmt.Errorf("supervision.backoff_base must be positive, got %v", c.Supervision.BackoffBase.Std()))
	}
	if c.Supervision.BackoffBase.Std() > c.Supervision.BackoffMax.Std() {
		errs = append(errs, fmt.Errorf("supervision.backoff_base %v exceeds backoff_max %v",
			c.Supervision.BackoffBase.Std(), c.Supervision.BackoffMax.Std()))
	}
	if c.Supervision.BackoffJitterPct > 100 {
		errs = append(errs, fmt.Errorf("supervision.backoff_jitter_pct must be 0..100, got %d", c.Supervision.BackoffJitterPct))
	}
	if c.Channel.SendQueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("channel.send_queue_capacity must be at least 1, got %d", c.Channel.SendQueueCapacity))
	}
	if c.Channel.MaxFrameSize == 0 {
		errs = append(errs, fmt.Errorf("channel.max_frame_size must be positive"))
	}
	if c.Control.SocketPath == "" {
		errs = append(errs, fmt.Errorf("control.socket_path is required"))
	}
	if c.Control.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("control.max_sessions must be at least 1, got %d", c.Control.MaxSessions))
	}
	if c.Worker.ServiceTimeMin.Std() < 0 || c.Worker.ServiceTimeMax.Std() < c.Worker.ServiceTimeMin.Std() {
		errs = append(errs, fmt.Errorf("worker service time range [%v, %v] is invalid",
			c.Worker.ServiceTimeMin.Std(), c.Worker.ServiceTimeMax.Std()))
	}
	if c.Worker.FailureRate < 0 || c.Worker.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("worker.failure_rate must be 0..1, got %g", c.Worker.FailureRate))
	}
	if c.User.RequestIntervalMin.Std() <= 0 || c.User.RequestIntervalMax.Std() < c.User.RequestIntervalMin.Std() {
		errs = append(errs, fmt.Errorf("user request interval range [%v, %v] is invalid",
			c.User.RequestIntervalMin.Std(), c.User.RequestIntervalMax.Std()))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
