// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"io"

	"github.com/outpost-foundation/outpost/lib/codec"
)

// Version is the protocol version exchanged in the handshake.
const Version = 1

// Command kinds, client→daemon.
const (
	CommandHandshake     = "handshake"
	CommandCreateSession = "create-session"
	CommandListSessions  = "list-sessions"
	CommandAttachSession = "attach-session"
	CommandDeleteSession = "delete-session"
	CommandPrompt        = "prompt"
	CommandAbort         = "abort"
	CommandGetState      = "get-state"
	CommandGetMessages   = "get-messages"
	CommandListModels    = "list-models"
	CommandSetModel      = "set-model"
)

// Event kinds, daemon→client. Journaled events carry a Seq.
const (
	EventAgentStart     = "agent-start"
	EventTurnStart      = "turn-start"
	EventAgentEnd       = "agent-end"
	EventMessageUpdate  = "message-update"
	EventToolCallStart  = "tool-call-start"
	EventToolCallUpdate = "tool-call-update"
	EventToolCallEnd    = "tool-call-end"
	EventSessionTitle   = "session-title"
	EventResponse       = "response"
)

// Frame is the envelope for every protocol message in either
// direction. Payload is kind-specific and decoded by the handler that
// knows the concrete type.
type Frame struct {
	// Kind discriminates the payload type.
	Kind string `cbor:"kind"`

	// SessionID scopes the frame to a session. Empty for
	// session-independent commands (handshake, list-sessions,
	// list-models).
	SessionID string `cbor:"session_id,omitempty"`

	// RequestID correlates a command with its response event. Set by
	// the client on commands, echoed by the daemon on the response.
	RequestID string `cbor:"request_id,omitempty"`

	// Seq is the journal sequence number. Only set on journaled
	// events delivered to clients; zero otherwise.
	Seq uint64 `cbor:"seq,omitempty"`

	// Payload is the kind-specific body.
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Response is the payload of an EventResponse frame: the generic
// envelope every request/response exchange uses. Hooks and clients
// pattern-match on the command/success/data triple.
type Response struct {
	// Command is the command kind this responds to.
	Command string `cbor:"command"`

	// Success reports whether the command was accepted.
	Success bool `cbor:"success"`

	// Error describes the failure when Success is false.
	Error string `cbor:"error,omitempty"`

	// Data carries command-specific result data.
	Data codec.RawMessage `cbor:"data,omitempty"`
}

// Handshake is the payload of CommandHandshake.
type Handshake struct {
	// Version is the client's protocol version.
	Version int `cbor:"version"`

	// ClientName identifies the client implementation for logs.
	ClientName string `cbor:"client_name,omitempty"`
}

// CreateSession is the payload of CommandCreateSession.
type CreateSession struct {
	// Mode is the session mode ("chat" or "code").
	Mode string `cbor:"mode"`

	// RepoID optionally links the session to a repository.
	RepoID string `cbor:"repo_id,omitempty"`

	// Name is an optional initial display title.
	Name string `cbor:"name,omitempty"`
}

// AttachSession is the payload of CommandAttachSession.
type AttachSession struct {
	// LastSeq is the highest sequence number the client has already
	// seen. The daemon replays every persisted event with a greater
	// seq before delivering live events.
	LastSeq uint64 `cbor:"last_seq"`
}

// Prompt is the payload of CommandPrompt: user input for the agent.
type Prompt struct {
	Text string `cbor:"text"`
}

// SetModel is the payload of CommandSetModel.
type SetModel struct {
	Model string `cbor:"model"`
}

// GetMessages is the payload of CommandGetMessages.
type GetMessages struct {
	// AfterSeq bounds the read; zero means from the beginning.
	AfterSeq uint64 `cbor:"after_seq,omitempty"`
}

// JournalEntry is one element of the CommandGetMessages response
// data: a journaled event with its assigned sequence number.
type JournalEntry struct {
	Seq       uint64           `cbor:"seq"`
	Type      string           `cbor:"type"`
	Payload   codec.RawMessage `cbor:"payload,omitempty"`
	Timestamp int64            `cbor:"timestamp"`
}

// SessionState is the response data for CommandGetState.
type SessionState struct {
	Status         string `cbor:"status"`
	Model          string `cbor:"model,omitempty"`
	IsAgentRunning bool   `cbor:"is_agent_running"`
	LatestSeq      uint64 `cbor:"latest_seq"`
}

// SessionTitle is the payload of EventSessionTitle: an explicit title
// chosen by the agent. Overrides any name derived from the first user
// message.
type SessionTitle struct {
	Title string `cbor:"title"`
}

// MessageUpdate is the payload of EventMessageUpdate: streaming
// assistant output. High frequency; consumers may coalesce.
type MessageUpdate struct {
	MessageID string `cbor:"message_id"`
	Text      string `cbor:"text"`
	Done      bool   `cbor:"done,omitempty"`
}

// ToolCall is the payload of the tool-call lifecycle events.
type ToolCall struct {
	CallID string           `cbor:"call_id"`
	Tool   string           `cbor:"tool,omitempty"`
	Input  codec.RawMessage `cbor:"input,omitempty"`
	Output codec.RawMessage `cbor:"output,omitempty"`
}

// FrameReader decodes frames from a byte stream. One Read call
// consumes exactly one CBOR value.
type FrameReader struct {
	decoder *codec.Decoder
}

// NewFrameReader wraps r in a frame decoder.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{decoder: codec.NewDecoder(r)}
}

// Read decodes the next frame. Returns io.EOF when the stream ends
// cleanly between frames.
func (fr *FrameReader) Read() (Frame, error) {
	var frame Frame
	if err := fr.decoder.Decode(&frame); err != nil {
		return Frame{}, err
	}
	if frame.Kind == "" {
		return Frame{}, fmt.Errorf("protocol: frame missing kind")
	}
	return frame, nil
}

// WriteFrame encodes one frame to w. Callers that share a writer
// across goroutines must serialize calls themselves.
func WriteFrame(w io.Writer, frame Frame) error {
	if err := codec.NewEncoder(w).Encode(frame); err != nil {
		return fmt.Errorf("protocol: writing %s frame: %w", frame.Kind, err)
	}
	return nil
}

// MustPayload marshals a payload value, panicking on failure. Only
// for payload types defined in this package, which always marshal.
func MustPayload(v any) codec.RawMessage {
	data, err := codec.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshaling %T: %v", v, err))
	}
	return data
}
