// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/outpost-foundation/outpost/lib/codec"
	"github.com/outpost-foundation/outpost/protocol"
	"github.com/outpost-foundation/outpost/session"
)

// client is one connected protocol peer.
type client struct {
	conn net.Conn

	// writeMu serializes frame writes; replay, live events, and
	// responses share the connection.
	writeMu sync.Mutex

	// attached tracks which session streams this client subscribes
	// to, for detach on close. Only touched from the serve goroutine
	// and under stream locks.
	attached map[string]struct{}

	handshaken bool
	name       string
}

func (c *client) send(frame protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, frame)
}

// respondOK sends a success response for the command frame. data may
// be nil.
func (c *client) respondOK(command protocol.Frame, data codec.RawMessage) error {
	return c.respond(command, protocol.Response{
		Command: command.Kind,
		Success: true,
		Data:    data,
	})
}

// respondErr reports a command failure. The connection stays open: a
// rejected command is a protocol-level outcome, not a transport error.
func (c *client) respondErr(command protocol.Frame, err error) error {
	return c.respond(command, protocol.Response{
		Command: command.Kind,
		Success: false,
		Error:   err.Error(),
	})
}

func (c *client) respond(command protocol.Frame, response protocol.Response) error {
	return c.send(protocol.Frame{
		Kind:      protocol.EventResponse,
		SessionID: command.SessionID,
		RequestID: command.RequestID,
		Payload:   protocol.MustPayload(response),
	})
}

// ServeConn runs the protocol loop for one connection until the peer
// disconnects or the context is canceled. Commands are handled
// sequentially per connection.
func (r *Router) ServeConn(ctx context.Context, conn net.Conn) {
	c := &client{conn: conn, attached: make(map[string]struct{})}
	defer func() {
		r.detach(c)
		conn.Close()
	}()

	// Cancellation closes the connection, which unblocks the reader.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := protocol.NewFrameReader(conn)
	for {
		frame, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				r.logger.Warn("connection read failed", "client", c.name, "error", err)
			}
			return
		}
		if err := r.handleFrame(ctx, c, frame); err != nil {
			r.logger.Warn("connection write failed", "client", c.name, "error", err)
			return
		}
	}
}

// handleFrame dispatches one command. The returned error is a
// transport failure; command failures are reported to the client and
// return nil.
func (r *Router) handleFrame(ctx context.Context, c *client, frame protocol.Frame) error {
	if !c.handshaken && frame.Kind != protocol.CommandHandshake {
		return c.respondErr(frame, fmt.Errorf("handshake required before %s", frame.Kind))
	}

	switch frame.Kind {
	case protocol.CommandHandshake:
		return r.handleHandshake(c, frame)
	case protocol.CommandCreateSession:
		return r.handleCreateSession(ctx, c, frame)
	case protocol.CommandListSessions:
		return r.handleListSessions(ctx, c, frame)
	case protocol.CommandAttachSession:
		return r.handleAttachSession(ctx, c, frame)
	case protocol.CommandDeleteSession:
		return r.handleDeleteSession(ctx, c, frame)
	case protocol.CommandPrompt:
		return r.handlePrompt(ctx, c, frame)
	case protocol.CommandAbort:
		return r.handleAbort(ctx, c, frame)
	case protocol.CommandGetState:
		return r.handleGetState(ctx, c, frame)
	case protocol.CommandGetMessages:
		return r.handleGetMessages(ctx, c, frame)
	case protocol.CommandListModels:
		return c.respondOK(frame, protocol.MustPayload(r.models))
	case protocol.CommandSetModel:
		return r.handleSetModel(ctx, c, frame)
	default:
		return c.respondErr(frame, fmt.Errorf("unknown command %q", frame.Kind))
	}
}

func (r *Router) handleHandshake(c *client, frame protocol.Frame) error {
	var handshake protocol.Handshake
	if err := codec.Unmarshal(frame.Payload, &handshake); err != nil {
		return c.respondErr(frame, fmt.Errorf("malformed handshake: %w", err))
	}
	if handshake.Version != protocol.Version {
		return c.respondErr(frame, fmt.Errorf("unsupported protocol version %d, daemon speaks %d",
			handshake.Version, protocol.Version))
	}
	c.handshaken = true
	c.name = handshake.ClientName
	r.logger.Info("client connected", "client", c.name)
	return c.respondOK(frame, protocol.MustPayload(protocol.Handshake{Version: protocol.Version}))
}

func (r *Router) handleCreateSession(ctx context.Context, c *client, frame protocol.Frame) error {
	var create protocol.CreateSession
	if err := codec.Unmarshal(frame.Payload, &create); err != nil {
		return c.respondErr(frame, fmt.Errorf("malformed create-session: %w", err))
	}
	created, err := r.sessions.Create(ctx, session.CreateParams{
		Mode:   create.Mode,
		RepoID: create.RepoID,
		Name:   create.Name,
	})
	if err != nil {
		return c.respondErr(frame, err)
	}
	return c.respondOK(frame, protocol.MustPayload(created))
}

func (r *Router) handleListSessions(ctx context.Context, c *client, frame protocol.Frame) error {
	sessions, err := r.sessions.List(ctx, false)
	if err != nil {
		return c.respondErr(frame, err)
	}
	return c.respondOK(frame, protocol.MustPayload(sessions))
}

func (r *Router) handleAttachSession(ctx context.Context, c *client, frame protocol.Frame) error {
	var attach protocol.AttachSession
	if err := codec.Unmarshal(frame.Payload, &attach); err != nil {
		return c.respondErr(frame, fmt.Errorf("malformed attach-session: %w", err))
	}
	if _, err := r.liveSession(ctx, frame.SessionID); err != nil {
		return c.respondErr(frame, err)
	}
	return r.attach(ctx, c, frame, attach.LastSeq)
}

func (r *Router) handleDeleteSession(ctx context.Context, c *client, frame protocol.Frame) error {
	if frame.SessionID == "" {
		return c.respondErr(frame, fmt.Errorf("delete-session requires a session id"))
	}
	if err := r.sessions.Delete(ctx, frame.SessionID); err != nil {
		return c.respondErr(frame, err)
	}
	r.dropStream(frame.SessionID)
	r.journal.Forget(frame.SessionID)
	return c.respondOK(frame, nil)
}

func (r *Router) handlePrompt(ctx context.Context, c *client, frame protocol.Frame) error {
	var prompt protocol.Prompt
	if err := codec.Unmarshal(frame.Payload, &prompt); err != nil {
		return c.respondErr(frame, fmt.Errorf("malformed prompt: %w", err))
	}
	if prompt.Text == "" {
		return c.respondErr(frame, fmt.Errorf("prompt text is required"))
	}
	if _, err := r.liveSession(ctx, frame.SessionID); err != nil {
		return c.respondErr(frame, err)
	}

	// First prompt on an inactive session provisions its sandbox.
	handle, err := r.sessions.Activate(ctx, frame.SessionID)
	if err != nil {
		return c.respondErr(frame, err)
	}
	r.ensurePump(frame.SessionID, handle)

	if _, err := r.Publish(ctx, frame.SessionID, protocol.CommandPrompt, frame.Payload); err != nil {
		return c.respondErr(frame, err)
	}
	if err := r.sendToAgent(handle, agentCommand{Type: "prompt", Text: prompt.Text}); err != nil {
		return c.respondErr(frame, err)
	}
	return c.respondOK(frame, nil)
}

// handleAbort stops the running turn. The daemon, not the agent, emits
// the terminal agent-end event: the stream must reach a quiescent
// state even if the agent never acknowledges the abort. A later
// agent-end from the agent itself is suppressed by the pump.
func (r *Router) handleAbort(ctx context.Context, c *client, frame protocol.Frame) error {
	if _, err := r.liveSession(ctx, frame.SessionID); err != nil {
		return c.respondErr(frame, err)
	}
	// The claim is atomic with the pump's: if the agent's own end was
	// journaled first, the abort is a no-op rather than a second
	// terminal event.
	if !r.claimAgentStop(frame.SessionID) {
		return c.respondOK(frame, nil)
	}

	if handle := r.sessions.Handle(frame.SessionID); handle != nil {
		if err := r.sendToAgent(handle, agentCommand{Type: "abort"}); err != nil {
			r.logger.Warn("abort delivery to agent failed",
				"session_id", frame.SessionID, "error", err)
		}
	}

	_, err := r.Publish(ctx, frame.SessionID, protocol.EventAgentEnd,
		protocol.MustPayload(map[string]string{"reason": "aborted"}))
	if err != nil {
		return c.respondErr(frame, err)
	}
	return c.respondOK(frame, nil)
}

func (r *Router) handleGetState(ctx context.Context, c *client, frame protocol.Frame) error {
	current, err := r.liveSession(ctx, frame.SessionID)
	if err != nil {
		return c.respondErr(frame, err)
	}
	latest, err := r.journal.LatestSeq(ctx, frame.SessionID)
	if err != nil {
		return c.respondErr(frame, err)
	}
	return c.respondOK(frame, protocol.MustPayload(protocol.SessionState{
		Status:         string(current.Status),
		Model:          current.Model,
		IsAgentRunning: r.agentRunning(frame.SessionID),
		LatestSeq:      latest,
	}))
}

func (r *Router) handleGetMessages(ctx context.Context, c *client, frame protocol.Frame) error {
	var query protocol.GetMessages
	if err := codec.Unmarshal(frame.Payload, &query); err != nil {
		return c.respondErr(frame, fmt.Errorf("malformed get-messages: %w", err))
	}
	if _, err := r.liveSession(ctx, frame.SessionID); err != nil {
		return c.respondErr(frame, err)
	}

	events, err := r.journal.History(ctx, frame.SessionID, query.AfterSeq)
	if err != nil {
		return c.respondErr(frame, err)
	}
	entries := make([]protocol.JournalEntry, len(events))
	for index, event := range events {
		entries[index] = protocol.JournalEntry{
			Seq:       event.Seq,
			Type:      event.Type,
			Payload:   event.Payload,
			Timestamp: event.Timestamp.UnixMilli(),
		}
	}
	return c.respondOK(frame, protocol.MustPayload(entries))
}

func (r *Router) handleSetModel(ctx context.Context, c *client, frame protocol.Frame) error {
	var set protocol.SetModel
	if err := codec.Unmarshal(frame.Payload, &set); err != nil {
		return c.respondErr(frame, fmt.Errorf("malformed set-model: %w", err))
	}
	if !r.knownModel(set.Model) {
		return c.respondErr(frame, fmt.Errorf("unknown model %q", set.Model))
	}
	if _, err := r.liveSession(ctx, frame.SessionID); err != nil {
		return c.respondErr(frame, err)
	}

	if _, err := r.sessions.Update(ctx, frame.SessionID, session.UpdateFields{Model: &set.Model}); err != nil {
		return c.respondErr(frame, err)
	}
	// A live agent switches models mid-session; an inactive one picks
	// the new model up at the next activation.
	if handle := r.sessions.Handle(frame.SessionID); handle != nil {
		if err := r.sendToAgent(handle, agentCommand{Type: "set-model", Model: set.Model}); err != nil {
			r.logger.Warn("model switch delivery to agent failed",
				"session_id", frame.SessionID, "error", err)
		}
	}
	return c.respondOK(frame, nil)
}

// liveSession loads a session and rejects missing or deleted ones.
func (r *Router) liveSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("a session id is required")
	}
	current, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Status == session.StatusDeleted {
		return nil, fmt.Errorf("session %s: %w", sessionID, session.ErrDeleted)
	}
	return current, nil
}

func (r *Router) knownModel(model string) bool {
	for _, known := range r.models {
		if known == model {
			return true
		}
	}
	return false
}
