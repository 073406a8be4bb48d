// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"

	"github.com/outpost-foundation/outpost/journal"
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
	"github.com/outpost-foundation/outpost/reconcile"
	"github.com/outpost-foundation/outpost/sandbox"
	"github.com/outpost-foundation/outpost/session"
)

// memProvider is an in-memory provider whose runtime state the test
// mutates directly to simulate crashes and leftover resources.
type memProvider struct {
	mu       sync.Mutex
	nextID   int
	live     map[string]string // provider id → session id
	removed  []string
	failNext error
}

func newMemProvider() *memProvider {
	return &memProvider{live: make(map[string]string)}
}

func (p *memProvider) Name() string { return "mem" }

func (p *memProvider) Activate(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("mem-%d", p.nextID)
	p.live[id] = spec.SessionID
	return &sandbox.Handle{ProviderID: id, Provider: "mem", SecretsDir: spec.SecretsDir}, nil
}

func (p *memProvider) Deactivate(ctx context.Context, handle *sandbox.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	p.removed = append(p.removed, handle.ProviderID)
	delete(p.live, handle.ProviderID)
	return nil
}

func (p *memProvider) List(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.live))
	for id := range p.live {
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *memProvider) SessionFor(providerID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[providerID]
}

// leak injects a runtime resource the registry knows nothing about.
func (p *memProvider) leak(providerID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[providerID] = sessionID
}

func newTestSetup(t *testing.T) (*session.Registry, *memProvider, *reconcile.Reconciler) {
	t.Helper()

	dir := t.TempDir()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(dir, "test.db"),
		PoolSize: 2,
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

	provider := newMemProvider()
	sessions, err := session.New(session.Config{
		Pool:        pool,
		Provider:    provider,
		SessionsDir: filepath.Join(dir, "sessions"),
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	reconciler, err := reconcile.New(reconcile.Config{
		Sessions:  sessions,
		Providers: []sandbox.Provider{provider},
	})
	if err != nil {
		t.Fatalf("reconcile.New: %v", err)
	}
	return sessions, provider, reconciler
}

func TestScanLeavesTrackedResourcesAlone(t *testing.T) {
	sessions, _, reconciler := newTestSetup(t)
	ctx := context.Background()

	created, err := sessions.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := sessions.Activate(ctx, created.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	report, err := reconciler.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Orphans) != 0 {
		t.Fatalf("orphans = %v, want none", report.Orphans)
	}
	// The sandbox and the session directory are both tracked.
	if report.Tracked != 2 {
		t.Errorf("tracked = %d, want 2", report.Tracked)
	}
}

func TestScanFindsUntrackedSandbox(t *testing.T) {
	_, provider, reconciler := newTestSetup(t)
	ctx := context.Background()

	// A daemon crash between provisioning and recording leaves a
	// labeled sandbox with no matching row.
	provider.leak("mem-ghost", "lost-session")

	report, err := reconciler.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Orphans) != 1 {
		t.Fatalf("orphans = %v, want 1", report.Orphans)
	}
	orphan := report.Orphans[0]
	if orphan.Kind != reconcile.KindSandbox || orphan.ProviderID != "mem-ghost" {
		t.Errorf("orphan = %+v", orphan)
	}
	if orphan.SessionID != "lost-session" {
		t.Errorf("orphan attribution = %q, want lost-session", orphan.SessionID)
	}
}

func TestScanFindsStrayDirectory(t *testing.T) {
	sessions, _, reconciler := newTestSetup(t)
	ctx := context.Background()

	stray := filepath.Join(sessions.SessionsDir(), "no-such-session")
	if err := os.MkdirAll(stray, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	report, err := reconciler.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Orphans) != 1 {
		t.Fatalf("orphans = %v, want 1", report.Orphans)
	}
	if report.Orphans[0].Kind != reconcile.KindDirectory || report.Orphans[0].Path != stray {
		t.Errorf("orphan = %+v", report.Orphans[0])
	}
}

func TestDeletedSessionResourcesAreNotOrphans(t *testing.T) {
	sessions, _, reconciler := newTestSetup(t)
	ctx := context.Background()

	created, err := sessions.Create(ctx, session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := sessions.Activate(ctx, created.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := sessions.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// The soft-deleted row still owns its directory until purge.
	report, err := reconciler.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Orphans) != 0 {
		t.Fatalf("orphans = %v, want none", report.Orphans)
	}
}

func TestRemoveHonorsConfirmation(t *testing.T) {
	sessions, provider, reconciler := newTestSetup(t)
	ctx := context.Background()

	provider.leak("mem-a", "s-a")
	provider.leak("mem-b", "s-b")
	stray := filepath.Join(sessions.SessionsDir(), "stray")
	if err := os.MkdirAll(stray, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	report, err := reconciler.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Orphans) != 3 {
		t.Fatalf("orphans = %d, want 3", len(report.Orphans))
	}

	// Approve everything except mem-b.
	removed, err := reconciler.Remove(ctx, report.Orphans, func(orphan reconcile.Orphan) bool {
		return orphan.ProviderID != "mem-b"
	})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Error("stray directory survived removal")
	}

	after, err := reconciler.Scan(ctx)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(after.Orphans) != 1 || after.Orphans[0].ProviderID != "mem-b" {
		t.Errorf("after removal orphans = %v, want only mem-b", after.Orphans)
	}
}

func TestRemoveSkipsFailedTeardown(t *testing.T) {
	_, provider, reconciler := newTestSetup(t)
	ctx := context.Background()

	provider.leak("mem-stuck", "")
	provider.leak("mem-ok", "")
	provider.failNext = fmt.Errorf("runtime unavailable")

	report, err := reconciler.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	removed, err := reconciler.Remove(ctx, report.Orphans, func(reconcile.Orphan) bool { return true })
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// One teardown failed, the other proceeded.
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}
