// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile finds and removes orphaned sandbox resources:
// runtime environments and session directories that no registry row
// accounts for. Orphans accumulate when the daemon crashes between
// provisioning and recording, or when a teardown fails and the
// session row moves on without its sandbox.
//
// Scanning is read-only. Removal is separate and runs each candidate
// through a confirmation callback, so an operator can review the
// report before anything is destroyed; automation passes a callback
// that always confirms. Anything matching a registry row, whatever
// the row's status, is never touched.
package reconcile
