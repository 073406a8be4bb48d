// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive material:
// decrypted credential bundles, age private keys, API tokens.
//
// Buffer allocates outside the Go heap via mmap(MAP_ANONYMOUS), locks
// the pages into RAM via mlock (no swap), and excludes them from core
// dumps via madvise(MADV_DONTDUMP). Close zeros, unlocks, and unmaps.
// The garbage collector never sees the region, so it cannot copy or
// relocate the secret.
package secret
