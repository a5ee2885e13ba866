// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle produces and opens Keepsake backup bundles. A bundle
// is a tar archive of the source tree, zstd-compressed, then
// age-encrypted to the job's recipients. The checksum is BLAKE3 over
// the final encrypted bytes, so integrity can be verified against the
// storage target without any key material.
package bundle
