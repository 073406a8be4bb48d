// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// SessionLabel is the container label carrying the owning session id.
// The reconciler matches on it to find containers this daemon created.
const SessionLabel = "outpost.session"

// DockerConfig holds the parameters for the docker provider.
type DockerConfig struct {
	// DockerPath is the docker CLI. Empty means "docker" on PATH.
	DockerPath string

	// Image is the agent container image. Required.
	Image string

	// AgentCommand overrides the image's default command. The
	// session's model is appended as "--model <model>" when set.
	AgentCommand []string

	// Provisioner writes credential files before launch. Nil means
	// sessions run without credentials.
	Provisioner *Provisioner

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Docker provisions sandboxes as containers through the docker CLI.
// One container per session, labeled with the session id so orphans
// remain attributable after a daemon crash.
type Docker struct {
	path        string
	image       string
	command     []string
	provisioner *Provisioner
	logger      *slog.Logger
}

// NewDocker creates the docker provider.
func NewDocker(cfg DockerConfig) (*Docker, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("sandbox: Image is required")
	}
	path := cfg.DockerPath
	if path == "" {
		path = "docker"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Docker{
		path:        path,
		image:       cfg.Image,
		command:     cfg.AgentCommand,
		provisioner: cfg.Provisioner,
		logger:      logger,
	}, nil
}

// Name implements Provider.
func (d *Docker) Name() string { return "docker" }

// Activate implements Provider: docker run detached, then a follower
// on the container log stream as the handle's Output.
func (d *Docker) Activate(ctx context.Context, spec Spec) (*Handle, error) {
	var cleanupSecrets func()
	if d.provisioner != nil {
		cleanup, err := d.provisioner.Provision(spec.SecretsDir, spec.SessionID)
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

	runArgs := d.buildRunArgs(spec)
	var stdout, stderr bytes.Buffer
	run := exec.CommandContext(ctx, d.path, runArgs...)
	run.Stdout = &stdout
	run.Stderr = &stderr
	if err := run.Run(); err != nil {
		cleanupSecrets()
		return nil, fmt.Errorf("sandbox: docker run: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	containerID := strings.TrimSpace(stdout.String())
	if containerID == "" {
		cleanupSecrets()
		return nil, fmt.Errorf("sandbox: docker run returned no container id")
	}

	input, output, err := d.attach(containerID)
	if err != nil {
		d.removeContainer(context.WithoutCancel(ctx), containerID)
		cleanupSecrets()
		return nil, err
	}

	d.logger.Info("docker sandbox started",
		"session_id", spec.SessionID,
		"container_id", containerID,
		"image", d.image,
	)
	return &Handle{
		ProviderID:   containerID,
		Provider:     d.Name(),
		SecretsDir:   spec.SecretsDir,
		WorkspaceDir: spec.WorkspaceDir,
		Input:        input,
		Output:       output,
	}, nil
}

func (d *Docker) buildRunArgs(spec Spec) []string {
	args := []string{
		"run", "--detach", "--interactive",
		// Run as the daemon's own identity so files written to the
		// bind-mounted workspace and state directories stay owned by
		// the invoking user, not the image default (usually root).
		"--user", strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid()),
		"--label", SessionLabel + "=" + spec.SessionID,
		"--name", "outpost-" + spec.SessionID,
		"--volume", spec.WorkspaceDir + ":" + WorkspaceMountPath,
		"--volume", spec.StateDir + ":" + StateMountPath,
		"--volume", spec.SecretsDir + ":" + SecretsMountPath + ":ro",
		"--workdir", WorkspaceMountPath,
		"--env", "OUTPOST_SESSION_ID=" + spec.SessionID,
		"--env", "OUTPOST_SECRETS_DIR=" + SecretsMountPath,
		d.image,
	}
	args = append(args, d.command...)
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	return args
}

// attach connects to the container's stdio: stdin carries commands to
// the agent, stdout carries its event stream. Closing the output side
// terminates the attach process.
func (d *Docker) attach(containerID string) (io.WriteCloser, io.ReadCloser, error) {
	attach := exec.Command(d.path, "attach", containerID)
	stdin, err := attach.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox: opening attach stdin: %w", err)
	}
	stdout, err := attach.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox: opening attach stdout: %w", err)
	}
	if err := attach.Start(); err != nil {
		return nil, nil, fmt.Errorf("sandbox: starting docker attach: %w", err)
	}
	return stdin, &processPipe{ReadCloser: stdout, cmd: attach}, nil
}

// processPipe ties a pipe to its producing process so Close also
// terminates and reaps it.
type processPipe struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (p *processPipe) Close() error {
	err := p.ReadCloser.Close()
	p.cmd.Process.Kill()
	p.cmd.Wait()
	return err
}

// Deactivate implements Provider. docker rm -f on a container that is
// already gone is treated as success.
func (d *Docker) Deactivate(ctx context.Context, handle *Handle) error {
	defer func() {
		if handle.SecretsDir != "" {
			os.RemoveAll(handle.SecretsDir)
		}
	}()
	if handle.Input != nil {
		handle.Input.Close()
	}
	if handle.Output != nil {
		handle.Output.Close()
	}
	if handle.ProviderID == "" {
		return nil
	}
	return d.removeContainer(ctx, handle.ProviderID)
}

func (d *Docker) removeContainer(ctx context.Context, containerID string) error {
	var stderr bytes.Buffer
	remove := exec.CommandContext(ctx, d.path, "rm", "--force", containerID)
	remove.Stderr = &stderr
	if err := remove.Run(); err != nil {
		if strings.Contains(stderr.String(), "No such container") {
			return nil
		}
		return fmt.Errorf("sandbox: docker rm %s: %w: %s", containerID, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// List implements Provider: every container, running or exited, that
// carries the session label.
func (d *Docker) List(ctx context.Context) ([]string, error) {
	var stdout, stderr bytes.Buffer
	ps := exec.CommandContext(ctx, d.path,
		"ps", "--all", "--quiet", "--no-trunc",
		"--filter", "label="+SessionLabel)
	ps.Stdout = &stdout
	ps.Stderr = &stderr
	if err := ps.Run(); err != nil {
		return nil, fmt.Errorf("sandbox: docker ps: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var ids []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// SessionFor returns the session label of a container, or "" if the
// container is gone or unlabeled.
func (d *Docker) SessionFor(containerID string) string {
	var stdout bytes.Buffer
	inspect := exec.Command(d.path, "inspect",
		"--format", `{{ index .Config.Labels "`+SessionLabel+`" }}`, containerID)
	inspect.Stdout = &stdout
	if err := inspect.Run(); err != nil {
		return ""
	}
	return strings.TrimSpace(stdout.String())
}
