// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"zombiezen.com/go/sqlite"

	"github.com/outpost-foundation/outpost/journal"
	"github.com/outpost-foundation/outpost/lib/config"
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
	"github.com/outpost-foundation/outpost/reconcile"
	"github.com/outpost-foundation/outpost/sandbox"
	"github.com/outpost-foundation/outpost/session"
)

// runPurge hard-deletes a soft-deleted session: its row, its journal
// (via cascade), and its on-disk directories. Direct data-directory
// access, like reconcile, since purge is an administrative operation.
func runPurge(args []string) error {
	flags := pflag.NewFlagSet("purge", pflag.ExitOnError)
	configFlag := flags.String("config", "", "path to the daemon config file (or set OUTPOST_CONFIG)")
	flags.Parse(args)

	id, err := requireSessionArg("purge", flags.Args())
	if err != nil {
		return err
	}

	configPath, err := config.Path(*configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.DatabasePath(),
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			if err := session.EnsureSchema(conn); err != nil {
				return err
			}
			return journal.EnsureSchema(conn)
		},
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	provider, err := configuredProvider(cfg)
	if err != nil {
		return err
	}
	sessions, err := session.New(session.Config{
		Pool:        pool,
		Provider:    provider,
		SessionsDir: cfg.SessionsDir(),
	})
	if err != nil {
		return err
	}

	if err := sessions.Purge(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("purged %s\n", id)
	return nil
}

// configuredProvider builds the provider the daemon config selects.
// Credentials are irrelevant here; reconciliation only tears down.
func configuredProvider(cfg *config.Config) (sandbox.Provider, error) {
	switch cfg.Sandbox.Provider {
	case "bwrap":
		return sandbox.NewBwrap(sandbox.BwrapConfig{
			BwrapPath:    cfg.Sandbox.BwrapPath,
			AgentCommand: cfg.Sandbox.AgentCommand,
			RunDir:       filepath.Join(cfg.Paths.DataDir, "run"),
		})
	case "docker":
		return sandbox.NewDocker(sandbox.DockerConfig{
			Image:        cfg.Sandbox.Image,
			AgentCommand: cfg.Sandbox.AgentCommand,
		})
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Sandbox.Provider)
	}
}

// runReconcile scans for orphaned sandbox resources and removes the
// ones the operator confirms. It works against the daemon's data
// directory and provider directly rather than over the socket, so it
// also recovers from a daemon that cannot start.
func runReconcile(args []string) error {
	flags := pflag.NewFlagSet("reconcile", pflag.ExitOnError)
	configFlag := flags.String("config", "", "path to the daemon config file (or set OUTPOST_CONFIG)")
	yes := flags.Bool("yes", false, "remove all orphans without prompting")
	dryRun := flags.Bool("dry-run", false, "report orphans without removing anything")
	flags.Parse(args)

	configPath, err := config.Path(*configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.DatabasePath(),
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			if err := session.EnsureSchema(conn); err != nil {
				return err
			}
			return journal.EnsureSchema(conn)
		},
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	provider, err := configuredProvider(cfg)
	if err != nil {
		return err
	}
	sessions, err := session.New(session.Config{
		Pool:        pool,
		Provider:    provider,
		SessionsDir: cfg.SessionsDir(),
	})
	if err != nil {
		return err
	}
	reconciler, err := reconcile.New(reconcile.Config{
		Sessions:  sessions,
		Providers: []sandbox.Provider{provider},
	})
	if err != nil {
		return err
	}

	report, err := reconciler.Scan(ctx)
	if err != nil {
		return err
	}
	if len(report.Orphans) == 0 {
		fmt.Printf("no orphans (%d tracked resources)\n", report.Tracked)
		return nil
	}

	fmt.Printf("%d orphaned resources:\n", len(report.Orphans))
	for _, orphan := range report.Orphans {
		fmt.Printf("  %s\n", orphan)
	}
	if *dryRun {
		return nil
	}

	confirm := func(orphan reconcile.Orphan) bool { return true }
	if !*yes {
		prompter := bufio.NewReader(os.Stdin)
		confirm = func(orphan reconcile.Orphan) bool {
			fmt.Printf("remove %s? [y/N] ", orphan)
			answer, err := prompter.ReadString('\n')
			if err != nil {
				return false
			}
			answer = strings.ToLower(strings.TrimSpace(answer))
			return answer == "y" || answer == "yes"
		}
	}

	removed, err := reconciler.Remove(ctx, report.Orphans, confirm)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d of %d orphans\n", removed, len(report.Orphans))
	return nil
}
