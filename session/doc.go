// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the session registry: the state machine
// and metadata store for every unit of agent work.
//
// A session moves created → starting → running → stopping → stopped,
// with deleted reachable from any state as a soft terminal — the row
// and its events survive until an explicit purge, so listings can
// exclude deleted sessions while audit trails keep them.
//
// All mutating operations on one session are serialized behind a
// per-session mutex; operations on different sessions run fully in
// parallel. Activation is additionally single-flight: concurrent
// activates of the same session share one provider call and observe
// the same sandbox handle, never two sandboxes.
package session
