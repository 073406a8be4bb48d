// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
	"github.com/outpost-foundation/outpost/sandbox"
)

// Config holds the parameters for creating a Registry.
type Config struct {
	// Pool is the shared database pool. Required.
	Pool *sqlitepool.Pool

	// Provider provisions sandboxes. Required.
	Provider sandbox.Provider

	// SessionsDir is the root for per-session directories
	// (<SessionsDir>/<id>/{workspace,agent-state,secrets}). Required.
	SessionsDir string

	// DefaultModel is recorded on sessions created without one.
	DefaultModel string

	// Clock supplies timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Registry is the session state machine and metadata store.
type Registry struct {
	store        store
	provider     sandbox.Provider
	sessionsDir  string
	defaultModel string
	clock        clock.Clock
	logger       *slog.Logger

	// mu guards locks, handles, and activations. The per-session
	// mutexes in locks serialize all mutating operations on one
	// session; handles tracks the live sandbox per running session;
	// activations makes concurrent Activate calls single-flight.
	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	handles     map[string]*sandbox.Handle
	activations map[string]*activation
}

type activation struct {
	done   chan struct{}
	handle *sandbox.Handle
	err    error
}

// New creates a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("session: Pool is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("session: Provider is required")
	}
	if cfg.SessionsDir == "" {
		return nil, fmt.Errorf("session: SessionsDir is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Registry{
		store:        store{pool: cfg.Pool},
		provider:     cfg.Provider,
		sessionsDir:  cfg.SessionsDir,
		defaultModel: cfg.DefaultModel,
		clock:        clk,
		logger:       logger,
		locks:        make(map[string]*sync.Mutex),
		handles:      make(map[string]*sandbox.Handle),
		activations:  make(map[string]*activation),
	}, nil
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

// CreateParams holds the caller-supplied fields for a new session.
type CreateParams struct {
	Mode   string
	RepoID string
	Name   string
	Model  string
}

// Create allocates a new session in status created. No sandbox is
// provisioned until Activate.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*Session, error) {
	mode := params.Mode
	if mode == "" {
		mode = "chat"
	}
	model := params.Model
	if model == "" {
		model = r.defaultModel
	}

	now := r.clock.Now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		Status:    StatusCreated,
		Mode:      mode,
		RepoID:    params.RepoID,
		Name:      params.Name,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.insert(ctx, session); err != nil {
		return nil, err
	}
	r.logger.Info("session created", "session_id", session.ID, "mode", mode)
	return session, nil
}

// Get returns the session row, including soft-deleted rows — callers
// that want deleted sessions hidden filter on Status themselves.
// Returns ErrNotFound for an unknown id.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	return r.store.get(ctx, id)
}

// List returns sessions, excluding deleted ones unless includeDeleted
// is set.
func (r *Registry) List(ctx context.Context, includeDeleted bool) ([]*Session, error) {
	return r.store.list(ctx, includeDeleted)
}

// UpdateFields is a partial metadata mutation. Nil fields are left
// unchanged.
type UpdateFields struct {
	Name             *string
	FirstUserMessage *string
	Model            *string

	// NameIfAbsent sets the name only when no name has been set yet.
	// Used by the title-derivation hook so a lower-priority source
	// never overwrites an explicit title.
	NameIfAbsent *string
}

// Update applies a partial metadata mutation under the per-session
// lock, so concurrent updates never interleave field writes.
func (r *Registry) Update(ctx context.Context, id string, fields UpdateFields) (*Session, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := r.store.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if fields.Name != nil {
		session.Name = *fields.Name
	}
	if fields.NameIfAbsent != nil && session.Name == "" {
		session.Name = *fields.NameIfAbsent
	}
	if fields.FirstUserMessage != nil {
		session.FirstUserMessage = *fields.FirstUserMessage
	}
	if fields.Model != nil {
		session.Model = *fields.Model
	}
	session.UpdatedAt = r.clock.Now().UTC()

	if err := r.store.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Activate provisions a sandbox for the session, moving it
// created/stopped → starting → running. Idempotent: activating a
// running session returns its existing handle. Single-flight:
// concurrent activations share one provider call and all observe the
// same handle. On provisioning failure the session reverts to
// stopped and the error surfaces as a *ProvisioningError.
func (r *Registry) Activate(ctx context.Context, id string) (*sandbox.Handle, error) {
	r.mu.Lock()
	if inflight, ok := r.activations[id]; ok {
		r.mu.Unlock()
		select {
		case <-inflight.done:
			return inflight.handle, inflight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	current := &activation{done: make(chan struct{})}
	r.activations[id] = current
	r.mu.Unlock()

	current.handle, current.err = r.activate(ctx, id)

	r.mu.Lock()
	delete(r.activations, id)
	r.mu.Unlock()
	close(current.done)

	return current.handle, current.err
}

func (r *Registry) activate(ctx context.Context, id string) (*sandbox.Handle, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := r.store.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == StatusDeleted {
		return nil, fmt.Errorf("session %s: %w", id, ErrDeleted)
	}

	if session.Status == StatusRunning {
		r.mu.Lock()
		handle := r.handles[id]
		r.mu.Unlock()
		if handle != nil {
			return handle, nil
		}
		// Running in the registry but no live handle: the daemon
		// restarted under this session. Tear the stale sandbox down
		// (idempotent) and provision a fresh one.
		r.logger.Warn("running session has no live handle, reprovisioning",
			"session_id", id, "stale_provider_id", session.SandboxProviderID)
		stale := &sandbox.Handle{
			ProviderID: session.SandboxProviderID,
			Provider:   session.SandboxProvider,
			SecretsDir: r.secretsDir(id),
		}
		if err := r.provider.Deactivate(ctx, stale); err != nil {
			r.logger.Warn("stale sandbox teardown failed, leaving for reconciler",
				"session_id", id, "error", err)
		}
	}

	session.Status = StatusStarting
	session.SandboxProvider = r.provider.Name()
	session.SandboxProviderID = ""
	session.UpdatedAt = r.clock.Now().UTC()
	if err := r.store.save(ctx, session); err != nil {
		return nil, err
	}

	spec := r.specFor(session)
	handle, err := r.provisionSandbox(ctx, spec)
	if err != nil {
		session.Status = StatusStopped
		session.SandboxProviderID = ""
		session.UpdatedAt = r.clock.Now().UTC()
		if saveErr := r.store.save(ctx, session); saveErr != nil {
			r.logger.Error("failed to record provisioning failure",
				"session_id", id, "error", saveErr)
		}
		return nil, &ProvisioningError{SessionID: id, Err: err}
	}

	session.Status = StatusRunning
	session.SandboxProviderID = handle.ProviderID
	session.UpdatedAt = r.clock.Now().UTC()
	if err := r.store.save(ctx, session); err != nil {
		// The sandbox is live but the registry cannot record it.
		// Tear it down rather than leak an untracked environment.
		if teardownErr := r.provider.Deactivate(ctx, handle); teardownErr != nil {
			r.logger.Error("teardown after failed activation record",
				"session_id", id, "error", teardownErr)
		}
		return nil, err
	}

	r.mu.Lock()
	r.handles[id] = handle
	r.mu.Unlock()

	r.logger.Info("session activated",
		"session_id", id,
		"provider", handle.Provider,
		"provider_id", handle.ProviderID,
	)
	return handle, nil
}

func (r *Registry) provisionSandbox(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	if err := sandbox.EnsureSpecDirs(spec); err != nil {
		return nil, err
	}
	return r.provider.Activate(ctx, spec)
}

// Deactivate tears the session's sandbox down. The session always
// reaches stopped: teardown failure is logged and the resource left
// for the orphan reconciler, never surfaced as an operation failure.
// Deactivating a session with no sandbox is a no-op.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := r.store.get(ctx, id)
	if err != nil {
		return err
	}
	return r.deactivateLocked(ctx, session, StatusStopped)
}

// deactivateLocked runs teardown with the per-session lock held and
// leaves the session in finalStatus.
func (r *Registry) deactivateLocked(ctx context.Context, session *Session, finalStatus Status) error {
	if !session.Status.Live() && session.SandboxProviderID == "" {
		if session.Status != finalStatus {
			session.Status = finalStatus
			session.UpdatedAt = r.clock.Now().UTC()
			return r.store.save(ctx, session)
		}
		return nil
	}

	session.Status = StatusStopping
	session.UpdatedAt = r.clock.Now().UTC()
	if err := r.store.save(ctx, session); err != nil {
		return err
	}

	r.mu.Lock()
	handle := r.handles[session.ID]
	delete(r.handles, session.ID)
	r.mu.Unlock()
	if handle == nil {
		handle = &sandbox.Handle{
			ProviderID: session.SandboxProviderID,
			Provider:   session.SandboxProvider,
			SecretsDir: r.secretsDir(session.ID),
		}
	}

	if err := r.provider.Deactivate(ctx, handle); err != nil {
		r.logger.Warn("sandbox teardown failed, leaving for reconciler",
			"session_id", session.ID,
			"provider_id", handle.ProviderID,
			"error", err,
		)
	}

	// Cleared only after the teardown attempt completed.
	session.Status = finalStatus
	session.SandboxProviderID = ""
	session.UpdatedAt = r.clock.Now().UTC()
	if err := r.store.save(ctx, session); err != nil {
		return err
	}

	r.logger.Info("session deactivated", "session_id", session.ID, "status", string(finalStatus))
	return nil
}

// Delete soft-deletes the session, deactivating first if a sandbox is
// live. The row and its events remain until Purge.
func (r *Registry) Delete(ctx context.Context, id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := r.store.get(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == StatusDeleted {
		return nil
	}
	return r.deactivateLocked(ctx, session, StatusDeleted)
}

// Purge hard-deletes a soft-deleted session: its row, its events (via
// cascade), and its on-disk directories. Refuses sessions that are
// not deleted first.
func (r *Registry) Purge(ctx context.Context, id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := r.store.get(ctx, id)
	if err != nil {
		return err
	}
	if session.Status != StatusDeleted {
		return fmt.Errorf("session %s: purge requires status deleted, have %s", id, session.Status)
	}

	if err := r.store.purge(ctx, id); err != nil {
		return err
	}
	if err := os.RemoveAll(r.sessionDir(id)); err != nil {
		r.logger.Warn("failed to remove session directory",
			"session_id", id, "error", err)
	}

	r.mu.Lock()
	delete(r.locks, id)
	delete(r.handles, id)
	r.mu.Unlock()

	r.logger.Info("session purged", "session_id", id)
	return nil
}

// Handle returns the live sandbox handle for a running session, or
// nil if none.
func (r *Registry) Handle(id string) *sandbox.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[id]
}

// SessionsDir returns the root of per-session directories.
func (r *Registry) SessionsDir() string { return r.sessionsDir }

func (r *Registry) sessionDir(id string) string {
	return filepath.Join(r.sessionsDir, id)
}

func (r *Registry) secretsDir(id string) string {
	return filepath.Join(r.sessionDir(id), "secrets")
}

func (r *Registry) specFor(session *Session) sandbox.Spec {
	dir := r.sessionDir(session.ID)
	return sandbox.Spec{
		SessionID:    session.ID,
		WorkspaceDir: filepath.Join(dir, "workspace"),
		StateDir:     filepath.Join(dir, "agent-state"),
		SecretsDir:   filepath.Join(dir, "secrets"),
		Model:        session.Model,
	}
}
