// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/outpost-foundation/outpost/lib/codec"
	"github.com/outpost-foundation/outpost/protocol"
	"github.com/outpost-foundation/outpost/sandbox"
)

// agentCommand is one NDJSON line on the agent's stdin.
type agentCommand struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Model string `json:"model,omitempty"`
}

// agentEvent is one NDJSON line on the agent's stdout.
type agentEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// agentEventKinds are the event kinds an agent may emit. Anything
// else on the stream is logged and dropped rather than journaled.
var agentEventKinds = map[string]bool{
	protocol.EventAgentStart:     true,
	protocol.EventTurnStart:      true,
	protocol.EventAgentEnd:       true,
	protocol.EventMessageUpdate:  true,
	protocol.EventToolCallStart:  true,
	protocol.EventToolCallUpdate: true,
	protocol.EventToolCallEnd:    true,
	protocol.EventSessionTitle:   true,
}

// maxAgentLine bounds one agent event line. Tool outputs can be
// large; anything bigger indicates a runaway agent.
const maxAgentLine = 4 << 20

// sendToAgent writes one command line to the agent's stdin. The
// handle's write side is serialized by the per-connection command
// loop; concurrent writers would need their own lock.
func (r *Router) sendToAgent(handle *sandbox.Handle, command agentCommand) error {
	if handle.Input == nil {
		return fmt.Errorf("router: sandbox handle has no input stream")
	}
	line, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("router: encoding agent command: %w", err)
	}
	line = append(line, '\n')
	if _, err := handle.Input.Write(line); err != nil {
		return fmt.Errorf("router: writing to agent: %w", err)
	}
	return nil
}

// ensurePump starts the event pump for a session's sandbox if one is
// not already draining this handle. Idempotent across repeated
// activations of the same handle; a fresh handle always gets a fresh
// pump, even while the previous handle's pump is still winding down.
func (r *Router) ensurePump(sessionID string, handle *sandbox.Handle) {
	if handle.Output == nil {
		return
	}
	s := r.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pumpHandle == handle {
		return
	}
	s.pumpHandle = handle
	go r.pump(sessionID, handle)
}

// pump drains the agent's event stream into Publish until the stream
// ends. An agent that dies mid-turn gets a synthetic agent-end so
// attached clients always observe a terminal event.
func (r *Router) pump(sessionID string, handle *sandbox.Handle) {
	// The pump outlives whichever request activated the sandbox.
	ctx := context.Background()

	scanner := bufio.NewScanner(handle.Output)
	scanner.Buffer(make([]byte, 64*1024), maxAgentLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event agentEvent
		if err := json.Unmarshal(line, &event); err != nil {
			r.logger.Warn("unparseable agent event",
				"session_id", sessionID, "error", err)
			continue
		}
		if !agentEventKinds[event.Kind] {
			r.logger.Warn("unknown agent event kind",
				"session_id", sessionID, "kind", event.Kind)
			continue
		}

		switch event.Kind {
		case protocol.EventAgentStart:
			r.setAgentRunning(sessionID, true)
		case protocol.EventAgentEnd:
			// Exactly one terminal event per turn. If an abort claimed
			// the stop first, the agent's own trailing end is noise.
			if !r.claimAgentStop(sessionID) {
				continue
			}
		}

		payload, err := jsonToCBOR(event.Payload)
		if err != nil {
			r.logger.Warn("unconvertible agent event payload",
				"session_id", sessionID, "kind", event.Kind, "error", err)
			continue
		}
		if _, err := r.Publish(ctx, sessionID, event.Kind, payload); err != nil {
			r.logger.Error("journaling agent event failed",
				"session_id", sessionID, "kind", event.Kind, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("agent stream read failed",
			"session_id", sessionID, "error", err)
	}

	s := r.stream(sessionID)
	s.mu.Lock()
	// A pump superseded by a newer handle leaves the session state to
	// its successor.
	current := s.pumpHandle == handle
	wasRunning := false
	if current {
		s.pumpHandle = nil
		wasRunning = s.agentRunning
		s.agentRunning = false
	}
	s.mu.Unlock()

	if wasRunning {
		_, err := r.Publish(ctx, sessionID, protocol.EventAgentEnd,
			protocol.MustPayload(map[string]string{"reason": "agent-exited"}))
		if err != nil {
			r.logger.Error("journaling synthetic agent-end failed",
				"session_id", sessionID, "error", err)
		}
	}
	r.logger.Info("agent stream ended", "session_id", sessionID)
}

// jsonToCBOR re-encodes an agent's JSON payload as CBOR for the
// journal and the wire.
func jsonToCBOR(payload json.RawMessage) (codec.RawMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, err
	}
	return codec.Marshal(value)
}
