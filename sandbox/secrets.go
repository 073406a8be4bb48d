// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/outpost-foundation/outpost/lib/sealed"
	"github.com/outpost-foundation/outpost/lib/secret"
)

// credentialName matches the uppercase environment-variable shape the
// bundle keys must have. The key becomes a filename inside the
// sandbox's secrets mount.
var credentialName = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ProvisionerConfig holds the parameters for a credential Provisioner.
type ProvisionerConfig struct {
	// HostKeyFile is the path to the host's age identity
	// (AGE-SECRET-KEY-1...). Required.
	HostKeyFile string

	// BundlePath is the path to the encrypted credential bundle:
	// base64 age ciphertext of a JSON object mapping credential names
	// to values. Required.
	BundlePath string

	// Logger receives audit messages. Nil means discard.
	Logger *slog.Logger
}

// Provisioner materializes the encrypted credential bundle as files
// for one sandbox activation. Credentials reach the agent only as
// owner-only files under the secrets mount, never through the process
// environment: the environment of a running process is readable
// through /proc/<pid>/environ and leaks into diagnostics.
type Provisioner struct {
	hostKeyFile string
	bundlePath  string
	logger      *slog.Logger
}

// NewProvisioner creates a Provisioner. The bundle is read and
// decrypted per activation, so bundle rotation needs no restart.
func NewProvisioner(cfg ProvisionerConfig) (*Provisioner, error) {
	if cfg.HostKeyFile == "" {
		return nil, fmt.Errorf("sandbox: HostKeyFile is required")
	}
	if cfg.BundlePath == "" {
		return nil, fmt.Errorf("sandbox: BundlePath is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provisioner{
		hostKeyFile: cfg.HostKeyFile,
		bundlePath:  cfg.BundlePath,
		logger:      logger,
	}, nil
}

// Provision decrypts the bundle and writes one file per credential
// into dir, creating it owner-only (0700, files 0400). On any failure
// everything already written is removed. The returned cleanup removes
// the directory; providers call it at deactivation.
func (p *Provisioner) Provision(dir, sessionID string) (cleanup func(), err error) {
	bundle, err := p.decryptBundle()
	if err != nil {
		return nil, err
	}
	defer bundle.Close()

	var credentials map[string]string
	if err := json.Unmarshal(bundle.Bytes(), &credentials); err != nil {
		return nil, fmt.Errorf("sandbox: parsing credential bundle: %w", err)
	}
	for name := range credentials {
		if !credentialName.MatchString(name) {
			return nil, fmt.Errorf("sandbox: invalid credential name %q", name)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: creating secrets parent: %w", err)
	}
	// A directory left over from a previous activation is stale.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("sandbox: clearing stale secrets dir: %w", err)
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sandbox: creating secrets dir: %w", err)
	}
	removeAll := func() { os.RemoveAll(dir) }

	for name, value := range credentials {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(value), 0o400); err != nil {
			removeAll()
			return nil, fmt.Errorf("sandbox: writing credential %s: %w", name, err)
		}
		p.logger.Info("credential provisioned",
			"session_id", sessionID,
			"credential", name,
			"fingerprint", fingerprint(value),
		)
	}
	return removeAll, nil
}

func (p *Provisioner) decryptBundle() (*secret.Buffer, error) {
	keyData, err := os.ReadFile(p.hostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("sandbox: reading host key: %w", err)
	}
	hostKey, err := secret.NewFromBytes([]byte(strings.TrimSpace(string(keyData))))
	if err != nil {
		return nil, fmt.Errorf("sandbox: protecting host key: %w", err)
	}
	defer hostKey.Close()

	ciphertext, err := os.ReadFile(p.bundlePath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: reading credential bundle: %w", err)
	}
	plaintext, err := sealed.Decrypt(strings.TrimSpace(string(ciphertext)), hostKey)
	if err != nil {
		return nil, fmt.Errorf("sandbox: decrypting credential bundle: %w", err)
	}
	return plaintext, nil
}

// fingerprint returns a short blake3 digest of a credential value, so
// audit logs can correlate rotations without ever carrying the value.
func fingerprint(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
