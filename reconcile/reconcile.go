// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/outpost-foundation/outpost/sandbox"
	"github.com/outpost-foundation/outpost/session"
)

// Orphan kinds.
const (
	KindSandbox   = "sandbox"
	KindDirectory = "directory"
)

// Orphan is one resource no registry row accounts for.
type Orphan struct {
	// Kind is KindSandbox or KindDirectory.
	Kind string

	// Provider and ProviderID identify a sandbox orphan.
	Provider   string
	ProviderID string

	// Path is the directory of a directory orphan.
	Path string

	// SessionID is the owning session when the resource is still
	// attributable (a label, a pidfile, a directory name). May name a
	// session that no longer exists.
	SessionID string
}

func (o Orphan) String() string {
	switch o.Kind {
	case KindSandbox:
		return fmt.Sprintf("%s sandbox %s (session %s)", o.Provider, o.ProviderID, orUnknown(o.SessionID))
	case KindDirectory:
		return fmt.Sprintf("session directory %s", o.Path)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.ProviderID)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Report is the outcome of one scan.
type Report struct {
	Orphans []Orphan

	// Tracked counts resources that matched a registry row and were
	// left alone.
	Tracked int
}

// sessionAttributor is implemented by providers that can map a
// runtime resource back to its session.
type sessionAttributor interface {
	SessionFor(providerID string) string
}

// Config holds the parameters for creating a Reconciler.
type Config struct {
	// Sessions is the registry of record. Required.
	Sessions *session.Registry

	// Providers are the runtimes to scan. At least one is required.
	Providers []sandbox.Provider

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Reconciler diffs provider runtime state and the sessions directory
// against the registry.
type Reconciler struct {
	sessions  *session.Registry
	providers []sandbox.Provider
	logger    *slog.Logger
}

// New creates a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("reconcile: Sessions is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("reconcile: at least one provider is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		sessions:  cfg.Sessions,
		providers: cfg.Providers,
		logger:    logger,
	}, nil
}

// Scan reports every orphan without touching anything. A resource is
// tracked if its provider id matches some row's recorded sandbox id,
// or, for directories, if a row with the directory's session id
// exists — deleted rows count, since purge owns their cleanup.
func (r *Reconciler) Scan(ctx context.Context) (*Report, error) {
	rows, err := r.sessions.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("reconcile: listing sessions: %w", err)
	}

	rowIDs := make(map[string]bool, len(rows))
	trackedSandboxes := make(map[string]bool)
	for _, row := range rows {
		rowIDs[row.ID] = true
		if row.SandboxProviderID != "" {
			trackedSandboxes[row.SandboxProvider+"/"+row.SandboxProviderID] = true
		}
	}

	report := &Report{}
	for _, provider := range r.providers {
		ids, err := provider.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile: listing %s sandboxes: %w", provider.Name(), err)
		}
		for _, id := range ids {
			if trackedSandboxes[provider.Name()+"/"+id] {
				report.Tracked++
				continue
			}
			orphan := Orphan{
				Kind:       KindSandbox,
				Provider:   provider.Name(),
				ProviderID: id,
			}
			if attributor, ok := provider.(sessionAttributor); ok {
				orphan.SessionID = attributor.SessionFor(id)
			}
			report.Orphans = append(report.Orphans, orphan)
		}
	}

	entries, err := os.ReadDir(r.sessions.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, fmt.Errorf("reconcile: reading sessions dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if rowIDs[entry.Name()] {
			report.Tracked++
			continue
		}
		report.Orphans = append(report.Orphans, Orphan{
			Kind:      KindDirectory,
			Path:      filepath.Join(r.sessions.SessionsDir(), entry.Name()),
			SessionID: entry.Name(),
		})
	}
	return report, nil
}

// Remove tears down the orphans confirm approves and returns how many
// were removed. A failed removal is logged and skipped so one stuck
// resource does not block the rest.
func (r *Reconciler) Remove(ctx context.Context, orphans []Orphan, confirm func(Orphan) bool) (int, error) {
	if confirm == nil {
		return 0, fmt.Errorf("reconcile: a confirmation callback is required")
	}

	byName := make(map[string]sandbox.Provider, len(r.providers))
	for _, provider := range r.providers {
		byName[provider.Name()] = provider
	}

	removed := 0
	for _, orphan := range orphans {
		if !confirm(orphan) {
			continue
		}
		if err := r.removeOne(ctx, byName, orphan); err != nil {
			r.logger.Warn("orphan removal failed", "orphan", orphan.String(), "error", err)
			continue
		}
		r.logger.Info("orphan removed", "orphan", orphan.String())
		removed++
	}
	return removed, nil
}

func (r *Reconciler) removeOne(ctx context.Context, byName map[string]sandbox.Provider, orphan Orphan) error {
	switch orphan.Kind {
	case KindSandbox:
		provider, ok := byName[orphan.Provider]
		if !ok {
			return fmt.Errorf("no provider %q", orphan.Provider)
		}
		return provider.Deactivate(ctx, &sandbox.Handle{
			ProviderID: orphan.ProviderID,
			Provider:   orphan.Provider,
		})
	case KindDirectory:
		return os.RemoveAll(orphan.Path)
	default:
		return fmt.Errorf("unknown orphan kind %q", orphan.Kind)
	}
}
