// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package router connects protocol clients to sessions: it dispatches
// commands, journals every session event before fan-out, and keeps
// attached clients on a gapless, duplicate-free event stream.
//
// The ordering contract is held by one per-session mutex: Publish
// appends to the journal and broadcasts under it, Attach replays the
// journal and registers the subscriber under it. A client attaching
// with a last-seen seq therefore observes exactly the persisted
// events after that seq, then the live stream, with no event lost or
// delivered twice across the replay/live boundary.
package router
