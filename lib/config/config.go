// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Paths configures directory and socket locations.
	Paths PathsConfig `yaml:"paths"`

	// Listen configures the protocol listeners.
	Listen ListenConfig `yaml:"listen"`

	// Sandbox configures the execution sandbox.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Journal configures the event journal.
	Journal JournalConfig `yaml:"journal"`

	// Models is the catalog offered to list-models. The first entry
	// is the default for new sessions.
	Models []string `yaml:"models"`

	// StatusInterval is how often the daemon logs a session-count
	// heartbeat. Unset means one minute; negative disables it.
	StatusInterval Duration `yaml:"status_interval"`
}

// Duration is a time.Duration that reads from YAML in the usual
// "30s" / "5m" string form.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// PathsConfig holds directory and socket locations.
type PathsConfig struct {
	// DataDir is the daemon state root. The registry database lives
	// at DataDir/outpost.db; per-session directories live under
	// DataDir/sessions/<id>/.
	DataDir string `yaml:"data_dir"`

	// Socket is the Unix socket serving the client protocol.
	Socket string `yaml:"socket"`

	// HostKeyFile is the age private key used to decrypt credential
	// bundles. Must be owner-readable only.
	HostKeyFile string `yaml:"host_key_file"`
}

// ListenConfig holds optional network listeners. The Unix socket in
// Paths is always served; TCP is opt-in for remote clients.
type ListenConfig struct {
	// TCP is a host:port address, empty to disable.
	TCP string `yaml:"tcp"`
}

// SandboxConfig selects and tunes the sandbox provider.
type SandboxConfig struct {
	// Provider is "bwrap" or "docker".
	Provider string `yaml:"provider"`

	// AgentCommand is the agent program started inside the sandbox,
	// with arguments.
	AgentCommand []string `yaml:"agent_command"`

	// Image is the container image for the docker provider.
	Image string `yaml:"image"`

	// BwrapPath overrides the bwrap binary location for the bwrap
	// provider. Empty means look it up on PATH.
	BwrapPath string `yaml:"bwrap_path"`

	// Credentials is the path to the age-encrypted credential bundle
	// (base64 ciphertext of a JSON name→value object), decrypted at
	// every activation and exposed to the sandbox as files. Empty
	// means sessions run without credentials.
	Credentials string `yaml:"credentials"`
}

// JournalConfig tunes the event journal.
type JournalConfig struct {
	// CompressThreshold is the payload size in bytes above which
	// journal payloads are zstd-compressed. Zero means the default
	// (4096). Negative disables compression.
	CompressThreshold int `yaml:"compress_threshold"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Path resolves the config file location: the OUTPOST_CONFIG
// environment variable, or the explicit flag value. Exactly one must
// be set.
func Path(flagValue string) (string, error) {
	envValue := os.Getenv("OUTPOST_CONFIG")
	switch {
	case flagValue != "" && envValue != "":
		return "", fmt.Errorf("config: both --config and OUTPOST_CONFIG are set; use one")
	case flagValue != "":
		return flagValue, nil
	case envValue != "":
		return envValue, nil
	}
	return "", fmt.Errorf("config: no config file specified (set --config or OUTPOST_CONFIG)")
}

func (c *Config) applyDefaults() {
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "/var/lib/outpost"
	}
	if c.Paths.Socket == "" {
		c.Paths.Socket = "/run/outpost/daemon.sock"
	}
	if c.Sandbox.Provider == "" {
		c.Sandbox.Provider = "bwrap"
	}
	if len(c.Sandbox.AgentCommand) == 0 {
		c.Sandbox.AgentCommand = []string{"outpost-agent"}
	}
	if c.Journal.CompressThreshold == 0 {
		c.Journal.CompressThreshold = 4096
	}
	if len(c.Models) == 0 {
		c.Models = []string{"default"}
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = Duration(time.Minute)
	}
}

func (c *Config) validate() error {
	switch c.Sandbox.Provider {
	case "bwrap":
	case "docker":
		if c.Sandbox.Image == "" {
			return fmt.Errorf("sandbox.image is required for the docker provider")
		}
	default:
		return fmt.Errorf("unknown sandbox.provider %q (want bwrap or docker)", c.Sandbox.Provider)
	}

	if !filepath.IsAbs(c.Paths.DataDir) {
		return fmt.Errorf("paths.data_dir must be absolute, got %q", c.Paths.DataDir)
	}
	if c.Paths.HostKeyFile != "" && !filepath.IsAbs(c.Paths.HostKeyFile) {
		return fmt.Errorf("paths.host_key_file must be absolute, got %q", c.Paths.HostKeyFile)
	}
	if c.Sandbox.Credentials != "" {
		if !filepath.IsAbs(c.Sandbox.Credentials) {
			return fmt.Errorf("sandbox.credentials must be absolute, got %q", c.Sandbox.Credentials)
		}
		if c.Paths.HostKeyFile == "" {
			return fmt.Errorf("sandbox.credentials is set but paths.host_key_file is not")
		}
	}
	return nil
}

// DatabasePath returns the registry database file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "outpost.db")
}

// SessionsDir returns the root of per-session directories.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Paths.DataDir, "sessions")
}
