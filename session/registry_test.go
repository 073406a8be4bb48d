// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"

	"github.com/outpost-foundation/outpost/journal"
	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
	"github.com/outpost-foundation/outpost/sandbox"
	"github.com/outpost-foundation/outpost/session"
)

// fakeProvider implements sandbox.Provider in memory and records
// every call for assertions.
type fakeProvider struct {
	mu             sync.Mutex
	activations    int
	deactivations  []string
	failActivate   error
	failDeactivate error
	nextID         int
	live           map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{live: make(map[string]bool)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Activate(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.activations++
	if p.failActivate != nil {
		return nil, p.failActivate
	}
	p.nextID++
	id := fmt.Sprintf("fake-%d", p.nextID)
	p.live[id] = true
	return &sandbox.Handle{
		ProviderID:   id,
		Provider:     "fake",
		SecretsDir:   spec.SecretsDir,
		WorkspaceDir: spec.WorkspaceDir,
	}, nil
}

func (p *fakeProvider) Deactivate(ctx context.Context, handle *sandbox.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deactivations = append(p.deactivations, handle.ProviderID)
	if p.failDeactivate != nil {
		return p.failDeactivate
	}
	delete(p.live, handle.ProviderID)
	return nil
}

func (p *fakeProvider) List(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for id := range p.live {
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *fakeProvider) activationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activations
}

func newTestRegistry(t *testing.T, provider sandbox.Provider) (*session.Registry, *sqlitepool.Pool) {
	t.Helper()

	dir := t.TempDir()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(dir, "test.db"),
		PoolSize: 4,
		OnConnect: func(conn *sqlite.Conn) error {
			if err := session.EnsureSchema(conn); err != nil {
				return err
			}
			return journal.EnsureSchema(conn)
		},
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	registry, err := session.New(session.Config{
		Pool:        pool,
		Provider:    provider,
		SessionsDir: filepath.Join(dir, "sessions"),
		Clock:       clock.NewFake(),
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return registry, pool
}

func TestCreateStartsWithoutSandbox(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{Mode: "code", RepoID: "repo-1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != session.StatusCreated {
		t.Errorf("Status = %s, want created", created.Status)
	}
	if created.SandboxProviderID != "" {
		t.Errorf("SandboxProviderID = %q, want empty", created.SandboxProviderID)
	}
	if provider.activationCount() != 0 {
		t.Errorf("provider activations = %d, want 0", provider.activationCount())
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := registry.Activate(ctx, created.ID)
	if err != nil {
		t.Fatalf("first Activate: %v", err)
	}
	second, err := registry.Activate(ctx, created.ID)
	if err != nil {
		t.Fatalf("second Activate: %v", err)
	}

	if first.ProviderID != second.ProviderID {
		t.Errorf("handles differ: %q vs %q", first.ProviderID, second.ProviderID)
	}
	if got := provider.activationCount(); got != 1 {
		t.Errorf("provider activations = %d, want 1", got)
	}

	loaded, err := registry.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Status != session.StatusRunning {
		t.Errorf("Status = %s, want running", loaded.Status)
	}
	if loaded.SandboxProviderID != first.ProviderID {
		t.Errorf("SandboxProviderID = %q, want %q", loaded.SandboxProviderID, first.ProviderID)
	}
}

func TestConcurrentActivationSharesOneSandbox(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const callers = 16
	handles := make([]*sandbox.Handle, callers)
	failures := make([]error, callers)
	var waitGroup sync.WaitGroup
	for index := range callers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			handles[index], failures[index] = registry.Activate(ctx, created.ID)
		}()
	}
	waitGroup.Wait()

	for index := range callers {
		if failures[index] != nil {
			t.Fatalf("caller %d: %v", index, failures[index])
		}
		if handles[index].ProviderID != handles[0].ProviderID {
			t.Errorf("caller %d observed handle %q, caller 0 observed %q",
				index, handles[index].ProviderID, handles[0].ProviderID)
		}
	}
	if got := provider.activationCount(); got != 1 {
		t.Errorf("provider activations = %d, want exactly 1", got)
	}
}

func TestProvisioningFailureRevertsToStopped(t *testing.T) {
	provider := newFakeProvider()
	provider.failActivate = errors.New("image pull failed")
	registry, _ := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = registry.Activate(ctx, created.ID)
	var provisioningErr *session.ProvisioningError
	if !errors.As(err, &provisioningErr) {
		t.Fatalf("error = %v, want *ProvisioningError", err)
	}

	loaded, err := registry.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Status != session.StatusStopped {
		t.Errorf("Status = %s, want stopped", loaded.Status)
	}
	if loaded.SandboxProviderID != "" {
		t.Errorf("SandboxProviderID = %q, want empty", loaded.SandboxProviderID)
	}

	// A fresh activate after the failure is caller-initiated retry.
	provider.failActivate = nil
	if _, err := registry.Activate(ctx, created.ID); err != nil {
		t.Fatalf("retry Activate: %v", err)
	}
}

func TestDeactivateThenActivateProducesNewHandle(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := registry.Activate(ctx, created.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := registry.Deactivate(ctx, created.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	loaded, err := registry.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Status != session.StatusStopped {
		t.Errorf("Status = %s, want stopped", loaded.Status)
	}

	second, err := registry.Activate(ctx, created.ID)
	if err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if second.ProviderID == first.ProviderID {
		t.Errorf("second handle %q should differ from first", second.ProviderID)
	}
}

func TestDeactivateWithoutSandboxIsNoOp(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := registry.Deactivate(ctx, created.ID); err != nil {
		t.Fatalf("Deactivate on created session: %v", err)
	}
	if len(provider.deactivations) != 0 {
		t.Errorf("provider deactivations = %v, want none", provider.deactivations)
	}
}

func TestTeardownFailureStillStops(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := registry.Activate(ctx, created.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	provider.failDeactivate = errors.New("runtime hung")
	if err := registry.Deactivate(ctx, created.ID); err != nil {
		t.Fatalf("Deactivate must not surface teardown failure: %v", err)
	}

	loaded, err := registry.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Status != session.StatusStopped {
		t.Errorf("Status = %s, want stopped despite teardown failure", loaded.Status)
	}
	if loaded.SandboxProviderID != "" {
		t.Errorf("SandboxProviderID = %q, want cleared", loaded.SandboxProviderID)
	}
}

func TestDeleteRunningSessionDeactivatesFirst(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handle, err := registry.Activate(ctx, created.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if err := registry.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(provider.deactivations) != 1 || provider.deactivations[0] != handle.ProviderID {
		t.Errorf("deactivations = %v, want [%s]", provider.deactivations, handle.ProviderID)
	}

	// Listing excludes the deleted session.
	listed, err := registry.List(ctx, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, s := range listed {
		if s.ID == created.ID {
			t.Error("deleted session still listed")
		}
	}

	// Get by id still returns the row, now deleted.
	loaded, err := registry.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if loaded.Status != session.StatusDeleted {
		t.Errorf("Status = %s, want deleted", loaded.Status)
	}

	// Including deleted shows it again.
	all, err := registry.List(ctx, true)
	if err != nil {
		t.Fatalf("List including deleted: %v", err)
	}
	found := false
	for _, s := range all {
		found = found || s.ID == created.ID
	}
	if !found {
		t.Error("deleted session missing from include-deleted listing")
	}
}

func TestActivateDeletedSessionFails(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := registry.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := registry.Activate(ctx, created.ID); !errors.Is(err, session.ErrDeleted) {
		t.Errorf("error = %v, want ErrDeleted", err)
	}
}

func TestGetUnknownSessionIsNotFound(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider)

	if _, err := registry.Get(context.Background(), "nope"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateNameIfAbsent(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	derived := "fix the flaky test"
	updated, err := registry.Update(ctx, created.ID, session.UpdateFields{NameIfAbsent: &derived})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != derived {
		t.Errorf("Name = %q, want %q", updated.Name, derived)
	}

	// An explicit name wins, and a later derived name must not
	// overwrite it.
	explicit := "Release prep"
	if _, err := registry.Update(ctx, created.ID, session.UpdateFields{Name: &explicit}); err != nil {
		t.Fatalf("Update explicit: %v", err)
	}
	other := "something else"
	updated, err = registry.Update(ctx, created.ID, session.UpdateFields{NameIfAbsent: &other})
	if err != nil {
		t.Fatalf("Update derived: %v", err)
	}
	if updated.Name != explicit {
		t.Errorf("Name = %q, want explicit %q preserved", updated.Name, explicit)
	}
}

func TestPurgeRemovesRowAndEvents(t *testing.T) {
	provider := newFakeProvider()
	registry, pool := newTestRegistry(t, provider)
	ctx := context.Background()

	created, err := registry.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	log, err := journal.New(journal.Config{Pool: pool})
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	if _, err := log.Append(ctx, created.ID, "prompt", []byte{0xf6}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := registry.Purge(ctx, created.ID); err == nil {
		t.Fatal("Purge must refuse a non-deleted session")
	}
	if err := registry.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := registry.Purge(ctx, created.ID); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	if _, err := registry.Get(ctx, created.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get after purge = %v, want ErrNotFound", err)
	}
	events, err := log.History(ctx, created.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events after purge = %d, want 0 (cascade)", len(events))
	}
}
