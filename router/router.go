// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/outpost-foundation/outpost/hook"
	"github.com/outpost-foundation/outpost/journal"
	"github.com/outpost-foundation/outpost/lib/codec"
	"github.com/outpost-foundation/outpost/protocol"
	"github.com/outpost-foundation/outpost/sandbox"
	"github.com/outpost-foundation/outpost/session"
)

// Config holds the parameters for creating a Router.
type Config struct {
	// Sessions is the session registry. Required.
	Sessions *session.Registry

	// Journal is the durable event log. Required.
	Journal *journal.Journal

	// Hooks run on journaled events after the append commits. Nil
	// means no hooks.
	Hooks *hook.Registry

	// Models is the catalog offered to clients. The first entry is
	// the default.
	Models []string

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Router owns the daemon side of the protocol.
type Router struct {
	sessions *session.Registry
	journal  *journal.Journal
	hooks    *hook.Registry
	models   []string
	logger   *slog.Logger

	// mu guards streams. Each stream's own mutex is the publish /
	// attach ordering barrier for that session.
	mu      sync.Mutex
	streams map[string]*stream
}

// stream is the in-memory fan-out state for one session.
type stream struct {
	mu           sync.Mutex
	subscribers  map[*client]struct{}
	agentRunning bool

	// pumpHandle is the sandbox handle the active pump is draining,
	// nil when no pump runs. Keyed to the handle, not the session: a
	// pump for a deactivated sandbox may still be winding down when
	// the next activation needs its own.
	pumpHandle *sandbox.Handle
}

// New creates a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("router: Sessions is required")
	}
	if cfg.Journal == nil {
		return nil, fmt.Errorf("router: Journal is required")
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = hook.NewRegistry(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		sessions: cfg.Sessions,
		journal:  cfg.Journal,
		hooks:    hooks,
		models:   cfg.Models,
		logger:   logger,
		streams:  make(map[string]*stream),
	}, nil
}

func (r *Router) stream(sessionID string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[sessionID]
	if !ok {
		s = &stream{subscribers: make(map[*client]struct{})}
		r.streams[sessionID] = s
	}
	return s
}

// Publish journals an event, runs its hooks, and broadcasts it to
// every attached client, in that order. The assigned seq is returned.
// The append is durable before any client sees the event, so a crash
// between append and broadcast only costs deliveries the journal can
// replay.
func (r *Router) Publish(ctx context.Context, sessionID, kind string, payload codec.RawMessage) (uint64, error) {
	s := r.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := r.journal.Append(ctx, sessionID, kind, payload)
	if err != nil {
		return 0, err
	}

	r.hooks.Handle(ctx, sessionID, kind, payload)

	frame := protocol.Frame{
		Kind:      kind,
		SessionID: sessionID,
		Seq:       seq,
		Payload:   payload,
	}
	for subscriber := range s.subscribers {
		if err := subscriber.send(frame); err != nil {
			r.logger.Warn("dropping unwritable subscriber",
				"session_id", sessionID, "error", err)
			delete(s.subscribers, subscriber)
		}
	}
	return seq, nil
}

// attach replays every journaled event after lastSeq to the client and
// registers it for live events, atomically with respect to Publish.
// The success response goes out under the same barrier so the client
// never sees a live event before the response or the replay.
func (r *Router) attach(ctx context.Context, c *client, frame protocol.Frame, lastSeq uint64) error {
	s := r.stream(frame.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.respondOK(frame, nil); err != nil {
		return err
	}

	err := r.journal.ReadFrom(ctx, frame.SessionID, lastSeq, func(event journal.Event) error {
		return c.send(protocol.Frame{
			Kind:      event.Type,
			SessionID: event.SessionID,
			Seq:       event.Seq,
			Payload:   event.Payload,
		})
	})
	if err != nil {
		return fmt.Errorf("router: replaying %s after seq %d: %w", frame.SessionID, lastSeq, err)
	}

	s.subscribers[c] = struct{}{}
	c.attached[frame.SessionID] = struct{}{}
	return nil
}

// detach removes the client from every stream it is attached to.
func (r *Router) detach(c *client) {
	for sessionID := range c.attached {
		s := r.stream(sessionID)
		s.mu.Lock()
		delete(s.subscribers, c)
		s.mu.Unlock()
	}
	c.attached = make(map[string]struct{})
}

// dropStream discards the fan-out state of a deleted session. Clients
// still attached simply stop receiving events.
func (r *Router) dropStream(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, sessionID)
}

func (r *Router) agentRunning(sessionID string) bool {
	s := r.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentRunning
}

func (r *Router) setAgentRunning(sessionID string, running bool) {
	s := r.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentRunning = running
}

// claimAgentStop clears the running flag and reports whether this
// caller observed it set, atomically. Abort and the pump race to
// journal a turn's terminal event; only the claim winner may.
func (r *Router) claimAgentStop(sessionID string) bool {
	s := r.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.agentRunning {
		return false
	}
	s.agentRunning = false
	return true
}
