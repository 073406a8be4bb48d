// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides small helpers shared by Outpost tests:
// timeout-guarded channel operations so concurrency tests fail fast
// instead of hanging.
package testutil
