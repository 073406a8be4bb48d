// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/outpost-foundation/outpost/lib/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outpost.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Paths.DataDir != "/var/lib/outpost" {
		t.Errorf("DataDir = %q", cfg.Paths.DataDir)
	}
	if cfg.Sandbox.Provider != "bwrap" {
		t.Errorf("Provider = %q, want bwrap", cfg.Sandbox.Provider)
	}
	if cfg.Journal.CompressThreshold != 4096 {
		t.Errorf("CompressThreshold = %d, want 4096", cfg.Journal.CompressThreshold)
	}
	if got := cfg.DatabasePath(); got != "/var/lib/outpost/outpost.db" {
		t.Errorf("DatabasePath = %q", got)
	}
}

func TestLoadFullFile(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
paths:
  data_dir: /srv/outpost
  socket: /run/outpost/daemon.sock
  host_key_file: /etc/outpost/host.key
listen:
  tcp: "127.0.0.1:7707"
sandbox:
  provider: docker
  image: outpost/agent:latest
  agent_command: ["outpost-agent", "--verbose"]
models:
  - fast
  - thorough
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.TCP != "127.0.0.1:7707" {
		t.Errorf("Listen.TCP = %q", cfg.Listen.TCP)
	}
	if cfg.Sandbox.Image != "outpost/agent:latest" {
		t.Errorf("Image = %q", cfg.Sandbox.Image)
	}
	if len(cfg.Models) != 2 || cfg.Models[0] != "fast" {
		t.Errorf("Models = %v", cfg.Models)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"unknown provider", "sandbox:\n  provider: chroot\n"},
		{"docker without image", "sandbox:\n  provider: docker\n"},
		{"relative data dir", "paths:\n  data_dir: relative/path\n"},
		{"credentials without host key", "sandbox:\n  credentials: QUJD\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.Load(writeConfig(t, tc.contents)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPathPrecedence(t *testing.T) {
	t.Setenv("OUTPOST_CONFIG", "")

	if _, err := config.Path(""); err == nil {
		t.Error("expected error with no source set")
	}

	got, err := config.Path("/tmp/flag.yaml")
	if err != nil {
		t.Fatalf("Path with flag: %v", err)
	}
	if got != "/tmp/flag.yaml" {
		t.Errorf("Path = %q", got)
	}

	t.Setenv("OUTPOST_CONFIG", "/tmp/env.yaml")
	got, err = config.Path("")
	if err != nil {
		t.Fatalf("Path with env: %v", err)
	}
	if got != "/tmp/env.yaml" {
		t.Errorf("Path = %q", got)
	}

	if _, err := config.Path("/tmp/flag.yaml"); err == nil {
		t.Error("expected error when both flag and env are set")
	}
}
