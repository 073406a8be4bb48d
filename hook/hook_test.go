// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package hook_test

import (
	"context"
	"errors"
	"testing"

	"github.com/outpost-foundation/outpost/hook"
	"github.com/outpost-foundation/outpost/lib/codec"
)

type greeting struct {
	Text string `cbor:"text"`
}

func mustMarshal(t *testing.T, v any) codec.RawMessage {
	t.Helper()
	data, err := codec.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestTypedHookReceivesDecodedPayload(t *testing.T) {
	registry := hook.NewRegistry(nil)

	var got greeting
	hook.On(registry, "greet", "recorder",
		func(ctx context.Context, sessionID string, value greeting) error {
			got = value
			return nil
		})

	registry.Handle(context.Background(), "s1", "greet",
		mustMarshal(t, greeting{Text: "hello"}))

	if got.Text != "hello" {
		t.Errorf("payload text = %q, want %q", got.Text, "hello")
	}
}

func TestHooksRunInRegistrationOrder(t *testing.T) {
	registry := hook.NewRegistry(nil)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		registry.Register("evt", name,
			func(ctx context.Context, sessionID string, payload codec.RawMessage) error {
				order = append(order, name)
				return nil
			})
	}

	registry.Handle(context.Background(), "s1", "evt", nil)

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("ran %d hooks, want %d", len(order), len(want))
	}
	for index := range want {
		if order[index] != want[index] {
			t.Errorf("order[%d] = %q, want %q", index, order[index], want[index])
		}
	}
}

func TestFailingHookDoesNotBlockOthers(t *testing.T) {
	registry := hook.NewRegistry(nil)

	var after bool
	registry.Register("evt", "fails",
		func(ctx context.Context, sessionID string, payload codec.RawMessage) error {
			return errors.New("deliberate failure")
		})
	registry.Register("evt", "panics",
		func(ctx context.Context, sessionID string, payload codec.RawMessage) error {
			panic("deliberate panic")
		})
	registry.Register("evt", "survivor",
		func(ctx context.Context, sessionID string, payload codec.RawMessage) error {
			after = true
			return nil
		})

	registry.Handle(context.Background(), "s1", "evt", nil)

	if !after {
		t.Error("hook after the failing ones did not run")
	}
}

func TestUndecodablePayloadIsIsolated(t *testing.T) {
	registry := hook.NewRegistry(nil)

	var typedRan, rawRan bool
	hook.On(registry, "evt", "typed",
		func(ctx context.Context, sessionID string, value greeting) error {
			typedRan = true
			return nil
		})
	registry.Register("evt", "raw",
		func(ctx context.Context, sessionID string, payload codec.RawMessage) error {
			rawRan = true
			return nil
		})

	// A CBOR integer cannot decode into the greeting struct.
	registry.Handle(context.Background(), "s1", "evt",
		mustMarshal(t, 42))

	if typedRan {
		t.Error("typed hook ran despite undecodable payload")
	}
	if !rawRan {
		t.Error("raw hook did not run after typed hook's decode failure")
	}
}

func TestKindsAreIndependent(t *testing.T) {
	registry := hook.NewRegistry(nil)

	var calls int
	registry.Register("a", "counter",
		func(ctx context.Context, sessionID string, payload codec.RawMessage) error {
			calls++
			return nil
		})

	registry.Handle(context.Background(), "s1", "b", nil)
	if calls != 0 {
		t.Errorf("hook for kind a ran on kind b")
	}
	registry.Handle(context.Background(), "s1", "a", nil)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
