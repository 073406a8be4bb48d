// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package secret_test

import (
	"bytes"
	"testing"

	"github.com/outpost-foundation/outpost/lib/secret"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("hunter2")
	buffer, err := secret.NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), []byte("hunter2")) {
		t.Error("buffer does not hold the original secret")
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source[%d] = %d, want 0 (source must be zeroed)", index, value)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := secret.NewFromBytes([]byte("token"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestReadAfterClosePanics(t *testing.T) {
	buffer, err := secret.NewFromBytes([]byte("token"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic reading a closed buffer")
		}
	}()
	_ = buffer.Bytes()
}

func TestEmptySourceRejected(t *testing.T) {
	if _, err := secret.NewFromBytes(nil); err == nil {
		t.Fatal("expected error for empty source")
	}
	if _, err := secret.New(0); err == nil {
		t.Fatal("expected error for zero size")
	}
}
