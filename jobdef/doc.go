// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobdef loads declarative job definitions from JSONC files
// and reconciles them into the scheduler at startup. Definitions are
// matched to existing jobs by name: new names are created, known
// names updated in place. Jobs created through the API are left
// alone.
package jobdef
