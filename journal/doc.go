// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal implements the per-session append-only event log:
// the single source of truth for what happened in a session and in
// what order.
//
// Every event gets a strictly increasing sequence number, assigned
// and persisted inside one SQLite transaction, so numbers are never
// skipped or reused even across daemon restarts. Append returns only
// after the write is durable; the router must not broadcast an event
// whose append has not returned.
//
// Reads are bounded below by a client-supplied watermark: ReadFrom
// yields exactly the events with seq greater than afterSeq, in
// ascending order, which is the replay primitive for reconnecting
// clients and REST history loads alike.
//
// Large payloads are transparently zstd-compressed at rest.
package journal
