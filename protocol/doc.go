// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire format for the persistent client
// connection: a stream of CBOR-encoded frames over a Unix or TCP
// socket.
//
// Every frame carries a kind discriminator. Command frames flow
// client→daemon and carry a request id that the daemon echoes in a
// response event. Event frames flow daemon→client; journaled events
// additionally carry the per-session sequence number assigned at
// append time, which is the client's replay watermark.
//
// CBOR values are self-delimiting, so no length prefix is needed; one
// Decode call yields one frame. Unknown payload fields are ignored on
// decode, letting old daemons and new clients coexist.
package protocol
