// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for all Outpost wire
// traffic and journal payloads.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): the same logical
// value always produces identical bytes, which keeps journal payloads
// stable across re-encoding. Decoding ignores unknown fields so older
// daemons tolerate frames from newer clients.
//
// CBOR values are self-delimiting, so the persistent connection
// protocol needs no length-prefix framing: a stream Decoder reads one
// frame per Decode call.
package codec
