// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package hook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/outpost-foundation/outpost/lib/codec"
)

// RawFunc is a type-erased hook. Most hooks are registered through On
// instead, which decodes the payload into a concrete type first.
type RawFunc func(ctx context.Context, sessionID string, payload codec.RawMessage) error

type handler struct {
	name string
	fn   RawFunc
}

// Registry dispatches hooks by message kind. Safe for concurrent use;
// hooks for one kind run sequentially in registration order.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]handler
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[string][]handler),
	}
}

// Register adds a type-erased hook for the given kind. The name
// appears in failure logs.
func (r *Registry) Register(kind, name string, fn RawFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], handler{name: name, fn: fn})
}

// On registers a typed hook for the given kind. The raw payload is
// decoded into T before the hook runs; a payload that does not decode
// counts as a hook failure (logged, not propagated).
func On[T any](r *Registry, kind, name string, fn func(ctx context.Context, sessionID string, value T) error) {
	r.Register(kind, name, func(ctx context.Context, sessionID string, payload codec.RawMessage) error {
		var value T
		if len(payload) > 0 {
			if err := codec.Unmarshal(payload, &value); err != nil {
				return fmt.Errorf("decoding %s payload: %w", kind, err)
			}
		}
		return fn(ctx, sessionID, value)
	})
}

// Handle invokes every hook registered for the kind, in registration
// order. A hook that errors or panics is logged and does not stop the
// remaining hooks; Handle itself never fails.
func (r *Registry) Handle(ctx context.Context, sessionID, kind string, payload codec.RawMessage) {
	r.mu.RLock()
	hooks := r.handlers[kind]
	r.mu.RUnlock()

	for _, h := range hooks {
		r.runOne(ctx, sessionID, kind, h, payload)
	}
}

func (r *Registry) runOne(ctx context.Context, sessionID, kind string, h handler, payload codec.RawMessage) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("hook panicked",
				"hook", h.name,
				"kind", kind,
				"session_id", sessionID,
				"panic", recovered,
			)
		}
	}()

	if err := h.fn(ctx, sessionID, payload); err != nil {
		r.logger.Warn("hook failed",
			"hook", h.name,
			"kind", kind,
			"session_id", sessionID,
			"error", err,
		)
	}
}
