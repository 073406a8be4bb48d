// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an unknown session id, or a deleted session
// queried through a path that filters deleted rows.
var ErrNotFound = errors.New("session not found")

// ErrDeleted reports an operation on a soft-deleted session that only
// live sessions support (activate, prompt).
var ErrDeleted = errors.New("session is deleted")

// ProvisioningError reports a sandbox that failed to start. The
// session has already been reverted to stopped; the caller may retry
// with a fresh activate.
type ProvisioningError struct {
	SessionID string
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("session %s: sandbox provisioning failed: %v", e.SessionID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
