// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for Outpost credential bundles:
// generate keypairs, encrypt a bundle to one or more recipients,
// decrypt with a private key. Ciphertext is base64 so it can live in
// JSON/YAML configuration; private keys and decrypted plaintext are
// returned as secret.Buffer values (locked memory, zeroed on close).
//
// The daemon's secret provisioner decrypts bundles with the host key
// just long enough to write per-credential files into a sandbox's
// secrets directory; the plaintext never touches the Go heap outside
// the provisioning window.
package sealed
