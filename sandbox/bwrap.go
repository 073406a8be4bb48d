// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/outpost-foundation/outpost/lib/clock"
)

// termGracePeriod is how long Deactivate waits after SIGTERM before
// escalating to SIGKILL.
const termGracePeriod = 5 * time.Second

// bwrapSearchPaths are the locations tried when no explicit bwrap
// path is configured.
var bwrapSearchPaths = []string{
	"/usr/bin/bwrap",
	"/usr/local/bin/bwrap",
	"/bin/bwrap",
}

// BwrapConfig holds the parameters for the bubblewrap provider.
type BwrapConfig struct {
	// BwrapPath is the bubblewrap executable. Empty means search the
	// standard locations.
	BwrapPath string

	// AgentCommand is the command started inside the sandbox. The
	// session's model is appended as "--model <model>" when set.
	// Required.
	AgentCommand []string

	// RunDir holds one pidfile per live sandbox, named <pid>.pid and
	// containing the session id. List reads it; the reconciler matches
	// it against the registry. Required.
	RunDir string

	// Provisioner writes credential files before launch. Nil means
	// sessions run without credentials.
	Provisioner *Provisioner

	// Clock paces the SIGTERM grace period. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Bwrap provisions sandboxes as bubblewrap-wrapped host processes:
// fresh pid/ipc/uts/user namespaces, a minimal read-only root, and
// the session directories bound in at the fixed mount paths.
type Bwrap struct {
	path        string
	command     []string
	runDir      string
	provisioner *Provisioner
	clock       clock.Clock
	logger      *slog.Logger
}

// NewBwrap creates the bubblewrap provider.
func NewBwrap(cfg BwrapConfig) (*Bwrap, error) {
	if len(cfg.AgentCommand) == 0 {
		return nil, fmt.Errorf("sandbox: AgentCommand is required")
	}
	if cfg.RunDir == "" {
		return nil, fmt.Errorf("sandbox: RunDir is required")
	}

	path := cfg.BwrapPath
	if path == "" {
		for _, candidate := range bwrapSearchPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return nil, fmt.Errorf("sandbox: bwrap not found in standard locations")
		}
	}

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: creating run dir: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bwrap{
		path:        path,
		command:     cfg.AgentCommand,
		runDir:      cfg.RunDir,
		provisioner: cfg.Provisioner,
		clock:       clk,
		logger:      logger,
	}, nil
}

// Name implements Provider.
func (b *Bwrap) Name() string { return "bwrap" }

// Activate implements Provider. The agent process survives the
// Activate context; ctx only bounds setup.
func (b *Bwrap) Activate(ctx context.Context, spec Spec) (*Handle, error) {
	var cleanupSecrets func()
	if b.provisioner != nil {
		cleanup, err := b.provisioner.Provision(spec.SecretsDir, spec.SessionID)
		if err != nil {
			return nil, err
		}
		cleanupSecrets = cleanup
	} else {
		if err := os.MkdirAll(spec.SecretsDir, 0o700); err != nil {
			return nil, fmt.Errorf("sandbox: creating secrets dir: %w", err)
		}
		cleanupSecrets = func() { os.RemoveAll(spec.SecretsDir) }
	}

	args := b.buildArgs(spec)
	cmd := exec.Command(b.path, args...)
	// The child's environment is readable through /proc/<pid>/environ,
	// so nothing sensitive goes here; --clearenv strips even this
	// inside the sandbox.
	cmd.Env = []string{"PATH=/usr/bin:/bin"}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cleanupSecrets()
		return nil, fmt.Errorf("sandbox: opening agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanupSecrets()
		return nil, fmt.Errorf("sandbox: opening agent stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cleanupSecrets()
		return nil, fmt.Errorf("sandbox: starting bwrap: %w", err)
	}
	pid := cmd.Process.Pid
	providerID := strconv.Itoa(pid)

	if err := os.WriteFile(b.pidfile(providerID), []byte(spec.SessionID+"\n"), 0o644); err != nil {
		b.killGroup(pid)
		cmd.Wait()
		cleanupSecrets()
		return nil, fmt.Errorf("sandbox: writing pidfile: %w", err)
	}

	// Reap the child when it exits so it never lingers as a zombie.
	go func() {
		err := cmd.Wait()
		b.logger.Info("sandbox process exited",
			"session_id", spec.SessionID, "pid", pid, "error", err)
	}()

	b.logger.Info("bwrap sandbox started",
		"session_id", spec.SessionID, "pid", pid, "model", spec.Model)

	return &Handle{
		ProviderID:   providerID,
		Provider:     b.Name(),
		SecretsDir:   spec.SecretsDir,
		WorkspaceDir: spec.WorkspaceDir,
		Input:        stdin,
		Output:       stdout,
	}, nil
}

// Deactivate implements Provider. Idempotent: a handle whose process
// is already gone still has its pidfile and secret files removed.
func (b *Bwrap) Deactivate(ctx context.Context, handle *Handle) error {
	defer func() {
		if handle.SecretsDir != "" {
			os.RemoveAll(handle.SecretsDir)
		}
	}()

	if handle.ProviderID == "" {
		return nil
	}
	pid, err := strconv.Atoi(handle.ProviderID)
	if err != nil {
		return fmt.Errorf("sandbox: malformed bwrap provider id %q", handle.ProviderID)
	}
	defer os.Remove(b.pidfile(handle.ProviderID))

	if !processAlive(pid) {
		return nil
	}

	// SIGTERM the whole group, then escalate after a grace period.
	unix.Kill(-pid, unix.SIGTERM)
	deadline := b.clock.After(termGracePeriod)
	ticker := b.clock.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			unix.Kill(-pid, unix.SIGKILL)
			return ctx.Err()
		case <-deadline:
			unix.Kill(-pid, unix.SIGKILL)
			return nil
		case <-ticker.C:
			if !processAlive(pid) {
				return nil
			}
		}
	}
}

// List implements Provider: every pid with a live pidfile. Pidfiles
// for dead processes are pruned as a side effect.
func (b *Bwrap) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.runDir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: reading run dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".pid") {
			continue
		}
		id := strings.TrimSuffix(name, ".pid")
		pid, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		if !processAlive(pid) {
			os.Remove(filepath.Join(b.runDir, name))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SessionFor returns the session id recorded in a live pidfile, or ""
// if unknown. The reconciler uses it to label orphan reports.
func (b *Bwrap) SessionFor(providerID string) string {
	data, err := os.ReadFile(b.pidfile(providerID))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (b *Bwrap) pidfile(providerID string) string {
	return filepath.Join(b.runDir, providerID+".pid")
}

func (b *Bwrap) killGroup(pid int) {
	unix.Kill(-pid, unix.SIGKILL)
}

func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// buildArgs assembles the bwrap command line: unshared namespaces, a
// read-only host root, and the session's three directories at their
// fixed mount paths. The secrets directory is always read-only inside
// the sandbox.
func (b *Bwrap) buildArgs(spec Spec) []string {
	args := []string{
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--unshare-cgroup",
		"--unshare-user",
		"--die-with-parent",
		"--new-session",
		"--clearenv",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}

	for _, path := range []string{"/usr", "/lib", "/lib64", "/bin", "/sbin", "/etc/ssl", "/etc/resolv.conf", "/etc/ca-certificates"} {
		if _, err := os.Stat(path); err == nil {
			args = append(args, "--ro-bind", path, path)
		}
	}

	args = append(args,
		"--bind", spec.WorkspaceDir, WorkspaceMountPath,
		"--bind", spec.StateDir, StateMountPath,
		"--ro-bind", spec.SecretsDir, SecretsMountPath,
		"--chdir", WorkspaceMountPath,
		"--setenv", "HOME", StateMountPath,
		"--setenv", "PATH", "/usr/bin:/bin",
		"--setenv", "TERM", "dumb",
		"--setenv", "OUTPOST_SESSION_ID", spec.SessionID,
		"--setenv", "OUTPOST_SECRETS_DIR", SecretsMountPath,
		"--",
	)
	args = append(args, b.command...)
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	return args
}
