// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "data_dir: /var/lib/keepsake\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Queue.BackoffBase.Std() != 30*time.Second {
		t.Errorf("BackoffBase = %v, want 30s", cfg.Queue.BackoffBase.Std())
	}
	if cfg.Queue.BackoffCap.Std() != time.Hour {
		t.Errorf("BackoffCap = %v, want 1h", cfg.Queue.BackoffCap.Std())
	}
	if cfg.Queue.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d, want 10", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.MaxTaskAge.Std() != 7*24*time.Hour {
		t.Errorf("MaxTaskAge = %v, want 168h", cfg.Queue.MaxTaskAge.Std())
	}
	if cfg.Retention.Default != nil {
		t.Errorf("Retention.Default = %+v, want nil", cfg.Retention.Default)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
data_dir: /srv/keepsake
log_level: debug
http:
  listen: "0.0.0.0:9000"
  shutdown_timeout: 5s
channel:
  listen: ":9001"
queue:
  backoff_base: 10s
  backoff_multiplier: 3
  backoff_cap: 30m
retention:
  tick_interval: 15m
  default:
    keep_last: 7
    keep_days: 30
    max_delete_per_tick: 20
    max_delete_per_day: 100
runs:
  prune_after: 720h
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Listen != "0.0.0.0:9000" {
		t.Errorf("HTTP.Listen = %q", cfg.HTTP.Listen)
	}
	if cfg.Queue.BackoffMultiplier != 3 {
		t.Errorf("BackoffMultiplier = %v, want 3", cfg.Queue.BackoffMultiplier)
	}
	if cfg.Retention.Default == nil || cfg.Retention.Default.KeepLast != 7 {
		t.Errorf("Retention.Default = %+v, want keep_last 7", cfg.Retention.Default)
	}
	if cfg.Runs.PruneAfter.Std() != 720*time.Hour {
		t.Errorf("PruneAfter = %v, want 720h", cfg.Runs.PruneAfter.Std())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing data dir", "log_level: info\n", "data_dir is required"},
		{"bad log level", "data_dir: /x\nlog_level: verbose\n", "log_level"},
		{"bad duration", "data_dir: /x\nqueue:\n  backoff_base: soon\n", "invalid duration"},
		{"multiplier below one", "data_dir: /x\nqueue:\n  backoff_multiplier: 0.5\n", "backoff_multiplier"},
		{
			"cap below base",
			"data_dir: /x\nqueue:\n  backoff_base: 1h\n  backoff_cap: 1m\n",
			"backoff_cap",
		},
		{
			"zero delete budget",
			"data_dir: /x\nretention:\n  default:\n    keep_last: 1\n    max_delete_per_tick: 0\n",
			"max_delete_per_tick",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load succeeded on missing file")
	}
}
