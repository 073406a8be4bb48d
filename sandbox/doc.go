// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox provisions and tears down the isolated execution
// environment that runs one agent process per session.
//
// Two providers share the Provider interface: a bwrap provider that
// runs the agent in a local bubblewrap namespace, and a docker
// provider that shells out to the docker CLI. Both honor the same
// filesystem contract per session: a workspace directory (the agent's
// working tree), an agent-state directory (durable agent files), and
// a secrets directory that exists only for the sandbox's lifetime.
//
// Credentials are exposed exclusively as read-only files mounted into
// the sandbox — never via the process environment, which leaks
// through /proc and crash dumps. The secrets directory is created
// with owner-only permissions at activation and removed at teardown,
// including on error paths.
package sandbox
