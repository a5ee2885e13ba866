// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the hub daemon's YAML
// configuration file.
package config
