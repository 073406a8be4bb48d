// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// The outpost daemon: serves the session protocol on a Unix socket
// (and optionally TCP), owns the registry database, and supervises
// one sandbox per active session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/outpost-foundation/outpost/hook"
	"github.com/outpost-foundation/outpost/journal"
	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/config"
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
	"github.com/outpost-foundation/outpost/reconcile"
	"github.com/outpost-foundation/outpost/router"
	"github.com/outpost-foundation/outpost/sandbox"
	"github.com/outpost-foundation/outpost/session"
)

func main() {
	configFlag := flag.String("config", "", "path to the config file (or set OUTPOST_CONFIG)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(configFlag, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(configFlag *string, logger *slog.Logger) error {
	configPath, err := config.Path(*configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.DatabasePath(),
		PoolSize: 8,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			// Sessions first: the events table references it.
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

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	defaultModel := ""
	if len(cfg.Models) > 0 {
		defaultModel = cfg.Models[0]
	}
	sessions, err := session.New(session.Config{
		Pool:         pool,
		Provider:     provider,
		SessionsDir:  cfg.SessionsDir(),
		DefaultModel: defaultModel,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	log, err := journal.New(journal.Config{
		Pool:              pool,
		Logger:            logger,
		CompressThreshold: cfg.Journal.CompressThreshold,
	})
	if err != nil {
		return err
	}

	hooks := hook.NewRegistry(logger)
	session.RegisterHooks(hooks, sessions)

	r, err := router.New(router.Config{
		Sessions: sessions,
		Journal:  log,
		Hooks:    hooks,
		Models:   cfg.Models,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	reconciler, err := reconcile.New(reconcile.Config{
		Sessions:  sessions,
		Providers: []sandbox.Provider{provider},
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	// Startup scan is report-only; removal stays an operator decision
	// through the CLI.
	if report, err := reconciler.Scan(ctx); err != nil {
		logger.Warn("startup orphan scan failed", "error", err)
	} else if len(report.Orphans) > 0 {
		for _, orphan := range report.Orphans {
			logger.Warn("orphaned resource detected", "orphan", orphan.String())
		}
		logger.Warn("run 'outpost reconcile' to review and remove orphans",
			"count", len(report.Orphans))
	}

	var wg sync.WaitGroup
	listeners, err := openListeners(cfg)
	if err != nil {
		return err
	}
	for _, listener := range listeners {
		logger.Info("listening", "network", listener.Addr().Network(), "address", listener.Addr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, listener, r, logger)
		}()
	}
	// Closing the listeners unblocks the accept loops on shutdown.
	go func() {
		<-ctx.Done()
		for _, listener := range listeners {
			listener.Close()
		}
	}()

	if cfg.StatusInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			heartbeat(ctx, sessions, time.Duration(cfg.StatusInterval), clock.Real(), logger)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	deactivateAll(shutdownCtx, sessions, logger)
	return nil
}

func buildProvider(cfg *config.Config, logger *slog.Logger) (sandbox.Provider, error) {
	var provisioner *sandbox.Provisioner
	if cfg.Sandbox.Credentials != "" {
		p, err := sandbox.NewProvisioner(sandbox.ProvisionerConfig{
			HostKeyFile: cfg.Paths.HostKeyFile,
			BundlePath:  cfg.Sandbox.Credentials,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		provisioner = p
	}

	switch cfg.Sandbox.Provider {
	case "bwrap":
		return sandbox.NewBwrap(sandbox.BwrapConfig{
			BwrapPath:    cfg.Sandbox.BwrapPath,
			AgentCommand: cfg.Sandbox.AgentCommand,
			RunDir:       filepath.Join(cfg.Paths.DataDir, "run"),
			Provisioner:  provisioner,
			Logger:       logger,
		})
	case "docker":
		return sandbox.NewDocker(sandbox.DockerConfig{
			Image:        cfg.Sandbox.Image,
			AgentCommand: cfg.Sandbox.AgentCommand,
			Provisioner:  provisioner,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Sandbox.Provider)
	}
}

func openListeners(cfg *config.Config) ([]net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.Socket), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket dir: %w", err)
	}
	// A previous daemon's socket file blocks the bind.
	if err := os.Remove(cfg.Paths.Socket); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	unixListener, err := net.Listen("unix", cfg.Paths.Socket)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Paths.Socket, err)
	}
	listeners := []net.Listener{unixListener}

	if cfg.Listen.TCP != "" {
		tcpListener, err := net.Listen("tcp", cfg.Listen.TCP)
		if err != nil {
			unixListener.Close()
			return nil, fmt.Errorf("listening on %s: %w", cfg.Listen.TCP, err)
		}
		listeners = append(listeners, tcpListener)
	}
	return listeners, nil
}

func serve(ctx context.Context, listener net.Listener, r *router.Router, logger *slog.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		go r.ServeConn(ctx, conn)
	}
}

// heartbeat periodically logs how many sessions exist and how many
// are live, so an idle daemon still shows signs of life in the logs.
func heartbeat(ctx context.Context, sessions *session.Registry, interval time.Duration, clk clock.Clock, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			all, err := sessions.List(ctx, false)
			if err != nil {
				logger.Warn("heartbeat list failed", "error", err)
				continue
			}
			live := 0
			for _, s := range all {
				if s.Status.Live() {
					live++
				}
			}
			logger.Info("status", "sessions", len(all), "live", live)
		}
	}
}

// deactivateAll tears down every live sandbox on shutdown so agents
// do not outlive the daemon unsupervised.
func deactivateAll(ctx context.Context, sessions *session.Registry, logger *slog.Logger) {
	all, err := sessions.List(ctx, false)
	if err != nil {
		logger.Error("shutdown list failed", "error", err)
		return
	}
	for _, s := range all {
		if !s.Status.Live() {
			continue
		}
		if err := sessions.Deactivate(ctx, s.ID); err != nil {
			logger.Error("shutdown deactivation failed", "session_id", s.ID, "error", err)
		}
	}
}
