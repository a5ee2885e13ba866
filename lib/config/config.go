// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the hub daemon's configuration, loaded from a single YAML
// file. There are no fallbacks or automatic discovery: the file the
// operator points at is the whole configuration, with defaults applied
// for anything unset.
type Config struct {
	// DataDir is the directory holding the SQLite database and the
	// hub's key material. Required.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	// JobsDir is a directory of declarative job definition files
	// reconciled into the store at startup. Empty disables
	// file-managed jobs.
	JobsDir string `yaml:"jobs_dir"`

	// HTTP configures the user-facing API listener.
	HTTP HTTPConfig `yaml:"http"`

	// Channel configures the agent control-channel listener.
	Channel ChannelConfig `yaml:"channel"`

	// Queue configures the task queue engine's retry behavior.
	Queue QueueConfig `yaml:"queue"`

	// Retention configures the retention tick and the global default
	// policy applied to jobs without their own.
	Retention RetentionConfig `yaml:"retention"`

	// Runs configures run-history pruning.
	Runs RunsConfig `yaml:"runs"`
}

// HTTPConfig configures the HTTP API server.
type HTTPConfig struct {
	// Listen is the TCP listen address, e.g. "127.0.0.1:8300".
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful drain on shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ChannelConfig configures the hub's agent-facing TCP listener.
type ChannelConfig struct {
	// Listen is the TCP listen address agents dial, e.g. ":8301".
	Listen string `yaml:"listen"`

	// HeartbeatInterval is how often idle agent connections are
	// pinged. A missed heartbeat marks the agent offline.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// QueueConfig configures retry/backoff behavior shared by the delete
// and cleanup task lanes. The defaults implement the documented
// backoff curve: 30s base doubling to a 1h cap, abandonment after 10
// attempts or 7 days of task age, whichever comes first.
type QueueConfig struct {
	// PollInterval is how long an idle worker sleeps before checking
	// for eligible tasks again.
	PollInterval Duration `yaml:"poll_interval"`

	// BackoffBase is the delay before the first retry.
	BackoffBase Duration `yaml:"backoff_base"`

	// BackoffMultiplier scales the delay on each subsequent retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// BackoffCap is the maximum delay between attempts.
	BackoffCap Duration `yaml:"backoff_cap"`

	// MaxAttempts is the attempts ceiling beyond which a task is
	// abandoned instead of retried.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxTaskAge is the age ceiling beyond which a task is abandoned
	// regardless of attempt count.
	MaxTaskAge Duration `yaml:"max_task_age"`

	// DispatchTimeout bounds a single cross-node execution call.
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
}

// RetentionConfig configures the retention engine.
type RetentionConfig struct {
	// TickInterval is how often the retention engine sweeps all jobs
	// with retention enabled.
	TickInterval Duration `yaml:"tick_interval"`

	// Default is the global default policy merged into jobs that have
	// retention enabled but no policy of their own. Nil means no
	// global default: only jobs with explicit policies are swept.
	Default *PolicyDefaults `yaml:"default"`
}

// PolicyDefaults mirrors the per-job retention policy fields.
type PolicyDefaults struct {
	KeepLast         int `yaml:"keep_last"`
	KeepDays         int `yaml:"keep_days"`
	MaxDeletePerTick int `yaml:"max_delete_per_tick"`
	MaxDeletePerDay  int `yaml:"max_delete_per_day"`
}

// RunsConfig configures run-history pruning.
type RunsConfig struct {
	// PruneAfter is the age past which terminal runs become
	// candidates for pruning. Runs with live artifacts are never
	// pruned regardless of age.
	PruneAfter Duration `yaml:"prune_after"`

	// PruneInterval is how often the pruner sweeps.
	PruneInterval Duration `yaml:"prune_interval"`
}

// Duration wraps time.Duration so YAML values can be written in Go
// duration syntax ("30s", "1h30m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates a configuration file, applying defaults to
// unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:8300"
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Channel.Listen == "" {
		c.Channel.Listen = ":8301"
	}
	if c.Channel.HeartbeatInterval == 0 {
		c.Channel.HeartbeatInterval = Duration(30 * time.Second)
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = Duration(5 * time.Second)
	}
	if c.Queue.BackoffBase == 0 {
		c.Queue.BackoffBase = Duration(30 * time.Second)
	}
	if c.Queue.BackoffMultiplier == 0 {
		c.Queue.BackoffMultiplier = 2
	}
	if c.Queue.BackoffCap == 0 {
		c.Queue.BackoffCap = Duration(time.Hour)
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 10
	}
	if c.Queue.MaxTaskAge == 0 {
		c.Queue.MaxTaskAge = Duration(7 * 24 * time.Hour)
	}
	if c.Queue.DispatchTimeout == 0 {
		c.Queue.DispatchTimeout = Duration(30 * time.Second)
	}
	if c.Retention.TickInterval == 0 {
		c.Retention.TickInterval = Duration(time.Hour)
	}
	if c.Runs.PruneAfter == 0 {
		c.Runs.PruneAfter = Duration(90 * 24 * time.Hour)
	}
	if c.Runs.PruneInterval == 0 {
		c.Runs.PruneInterval = Duration(24 * time.Hour)
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error; got %q", c.LogLevel)
	}
	if c.Queue.BackoffMultiplier < 1 {
		return fmt.Errorf("queue.backoff_multiplier must be >= 1, got %v", c.Queue.BackoffMultiplier)
	}
	if c.Queue.BackoffCap.Std() < c.Queue.BackoffBase.Std() {
		return fmt.Errorf("queue.backoff_cap %v is below queue.backoff_base %v", c.Queue.BackoffCap.Std(), c.Queue.BackoffBase.Std())
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if d := c.Retention.Default; d != nil {
		if d.KeepLast < 0 || d.KeepDays < 0 {
			return fmt.Errorf("retention.default keep_last and keep_days must be >= 0")
		}
		if d.MaxDeletePerTick < 1 {
			return fmt.Errorf("retention.default.max_delete_per_tick must be >= 1, got %d", d.MaxDeletePerTick)
		}
	}
	return nil
}
