// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package hook provides typed pub/sub dispatch keyed by protocol
// message kind. The router runs hooks as messages flow; hooks perform
// derived-state side effects (session titles, first-message capture)
// without coupling persistence into the protocol layer.
//
// Hook failures are strictly observational: an erroring or panicking
// hook is logged and the remaining hooks still run. Nothing
// load-bearing may live in a hook.
//
// Handlers are stored type-erased; On re-establishes the static
// payload shape at the registration boundary, so individual hooks are
// written against their concrete payload type.
package hook
