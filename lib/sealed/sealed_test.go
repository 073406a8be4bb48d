// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package sealed_test

import (
	"bytes"
	"testing"

	"github.com/outpost-foundation/outpost/lib/sealed"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	plaintext := []byte(`{"GITHUB_TOKEN":"ghp_example","ANTHROPIC_API_KEY":"sk-ant-example"}`)
	bundle := make([]byte, len(plaintext))
	copy(bundle, plaintext)

	ciphertext, err := sealed.Encrypt(bundle, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	decrypted, err := sealed.Decrypt(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer decrypted.Close()

	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Error("decrypted plaintext does not match original")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	owner, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer owner.Close()

	stranger, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer stranger.Close()

	ciphertext, err := sealed.Encrypt([]byte("secret"), []string{owner.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := sealed.Decrypt(ciphertext, stranger.PrivateKey); err == nil {
		t.Fatal("expected decryption failure with the wrong key")
	}
}

func TestMultipleRecipients(t *testing.T) {
	first, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer first.Close()

	second, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer second.Close()

	ciphertext, err := sealed.Encrypt([]byte("shared"), []string{first.PublicKey, second.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	for name, keypair := range map[string]*sealed.Keypair{"first": first, "second": second} {
		decrypted, err := sealed.Decrypt(ciphertext, keypair.PrivateKey)
		if err != nil {
			t.Fatalf("Decrypt with %s key: %v", name, err)
		}
		if got := string(decrypted.Bytes()); got != "shared" {
			t.Errorf("%s key: plaintext = %q, want %q", name, got, "shared")
		}
		decrypted.Close()
	}
}

func TestEncryptRequiresRecipient(t *testing.T) {
	if _, err := sealed.Encrypt([]byte("x"), nil); err == nil {
		t.Fatal("expected error with no recipients")
	}
}

func TestParsePublicKey(t *testing.T) {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if err := sealed.ParsePublicKey(keypair.PublicKey); err != nil {
		t.Errorf("ParsePublicKey on a valid key: %v", err)
	}
	if err := sealed.ParsePublicKey("age1notakey"); err == nil {
		t.Error("expected error for malformed public key")
	}
}
