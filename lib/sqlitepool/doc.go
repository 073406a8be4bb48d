// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool with
// Outpost-standard pragmas. The session registry and the event journal
// share one pool over a single database file, so a journal append and
// the session-row update it belongs to can run on the same WAL.
package sqlitepool
