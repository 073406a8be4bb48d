// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SecretsMountPath is the in-sandbox path where credential files
// appear, one file per credential, named after the uppercase
// environment variable the agent expects.
const SecretsMountPath = "/run/outpost/secrets"

// WorkspaceMountPath is the in-sandbox path of the session workspace.
const WorkspaceMountPath = "/workspace"

// StateMountPath is the in-sandbox path of the agent-state directory.
const StateMountPath = "/var/lib/outpost-agent"

// Spec describes the sandbox a session needs.
type Spec struct {
	// SessionID names the owning session. Providers label their
	// runtime resources with it so the reconciler can match handles
	// to registry rows.
	SessionID string

	// WorkspaceDir is the host path of the agent's working tree.
	WorkspaceDir string

	// StateDir is the host path of the durable agent-state directory.
	StateDir string

	// SecretsDir is the host path where credential files are written
	// for the sandbox's lifetime.
	SecretsDir string

	// Model is passed to the agent process as an argument.
	Model string
}

// Handle represents one provisioned execution environment.
type Handle struct {
	// ProviderID is the provider-specific identity: a container id
	// for docker, a pid for bwrap.
	ProviderID string

	// Provider names the provider that owns this handle.
	Provider string

	// SecretsDir is the host-side secrets directory bound into the
	// sandbox, removed at teardown.
	SecretsDir string

	// WorkspaceDir is the host-side workspace directory.
	WorkspaceDir string

	// Input carries commands to the agent (NDJSON on the agent's
	// stdin). Nil for handles rehydrated by List.
	Input io.WriteCloser

	// Output streams the agent's event output (NDJSON on the agent's
	// stdout). Nil for handles rehydrated by List.
	Output io.ReadCloser
}

// Provider provisions isolated execution environments. Implementations
// must make Deactivate idempotent: deactivating a handle whose
// environment is already gone is a no-op, not an error.
type Provider interface {
	// Name identifies the provider ("bwrap", "docker").
	Name() string

	// Activate provisions one environment for the spec and starts
	// the agent process inside it.
	Activate(ctx context.Context, spec Spec) (*Handle, error)

	// Deactivate stops and removes the environment and deletes its
	// secret files.
	Deactivate(ctx context.Context, handle *Handle) error

	// List returns the provider ids of every environment the runtime
	// currently knows, whether or not the registry does. Input for
	// the orphan reconciler.
	List(ctx context.Context) ([]string, error)
}

// EnsureSpecDirs creates the workspace and state directories for a
// spec. The secrets directory is deliberately not created here; the
// provisioner creates it with owner-only permissions at activation.
func EnsureSpecDirs(spec Spec) error {
	for _, dir := range []string{spec.WorkspaceDir, spec.StateDir} {
		if dir == "" {
			return fmt.Errorf("sandbox: spec for %s has an empty directory", spec.SessionID)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sandbox: creating %s: %w", dir, err)
		}
	}
	if spec.SecretsDir == "" {
		return fmt.Errorf("sandbox: spec for %s has an empty secrets directory", spec.SessionID)
	}
	if parent := filepath.Dir(spec.SecretsDir); parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("sandbox: creating %s: %w", parent, err)
		}
	}
	return nil
}
