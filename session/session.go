// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"time"
)

// Status is a session lifecycle state.
type Status string

const (
	// StatusCreated: row exists, no sandbox yet.
	StatusCreated Status = "created"
	// StatusStarting: sandbox provisioning in flight.
	StatusStarting Status = "starting"
	// StatusRunning: sandbox live, SandboxProviderID set.
	StatusRunning Status = "running"
	// StatusStopping: sandbox teardown in flight.
	StatusStopping Status = "stopping"
	// StatusStopped: no sandbox; activate may restart.
	StatusStopped Status = "stopped"
	// StatusDeleted: soft terminal. Row and events retained until
	// purge; excluded from default listings.
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusDeleted:
		return true
	}
	return false
}

// Live reports whether a sandbox may exist for this status. The
// at-most-one-sandbox invariant: SandboxProviderID is non-empty only
// while Live.
func (s Status) Live() bool {
	return s == StatusStarting || s == StatusRunning
}

// MarshalText implements encoding.TextMarshaler so statuses encode as
// CBOR/JSON strings.
func (s Status) MarshalText() ([]byte, error) { return []byte(s), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	status := Status(text)
	if !status.Valid() {
		return fmt.Errorf("session: unknown status %q", text)
	}
	*s = status
	return nil
}

// Session is one user-visible unit of agent work.
type Session struct {
	ID     string `cbor:"id"`
	Status Status `cbor:"status"`

	// Mode is "chat" or "code".
	Mode string `cbor:"mode"`

	// RepoID optionally links the session to a repository.
	RepoID string `cbor:"repo_id,omitempty"`

	// Name is the mutable display title.
	Name string `cbor:"name,omitempty"`

	// FirstUserMessage is the fallback title source: the first
	// prompt seen for this session.
	FirstUserMessage string `cbor:"first_user_message,omitempty"`

	// Model is the agent model selected for this session.
	Model string `cbor:"model,omitempty"`

	// SandboxProvider names the backend that owns the live sandbox.
	SandboxProvider string `cbor:"sandbox_provider,omitempty"`

	// SandboxProviderID is the opaque runtime handle (container id,
	// pid). Non-empty only while Status.Live().
	SandboxProviderID string `cbor:"sandbox_provider_id,omitempty"`

	CreatedAt time.Time `cbor:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}
