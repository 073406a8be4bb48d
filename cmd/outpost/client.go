// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/outpost-foundation/outpost/lib/codec"
	"github.com/outpost-foundation/outpost/protocol"
)

// daemonClient is one protocol connection to the daemon.
type daemonClient struct {
	conn   net.Conn
	reader *protocol.FrameReader
}

// dial connects and completes the handshake.
func dial(socket string) (*daemonClient, error) {
	network := "unix"
	if strings.Contains(socket, ":") && !strings.HasPrefix(socket, "/") {
		network = "tcp"
	}
	conn, err := net.Dial(network, socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", socket, err)
	}

	client := &daemonClient{conn: conn, reader: protocol.NewFrameReader(conn)}
	response, err := client.command(protocol.CommandHandshake, "", protocol.Handshake{
		Version:    protocol.Version,
		ClientName: "outpost-cli",
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !response.Success {
		conn.Close()
		return nil, fmt.Errorf("handshake rejected: %s", response.Error)
	}
	return client, nil
}

func (c *daemonClient) close() { c.conn.Close() }

// command sends one command frame and reads frames until its
// response arrives. Event frames arriving in between (on attached
// sessions) are discarded; streaming flows use send/next directly.
func (c *daemonClient) command(kind, sessionID string, payload any) (protocol.Response, error) {
	requestID, err := c.send(kind, sessionID, payload)
	if err != nil {
		return protocol.Response{}, err
	}
	for {
		frame, err := c.next()
		if err != nil {
			return protocol.Response{}, err
		}
		if frame.Kind != protocol.EventResponse || frame.RequestID != requestID {
			continue
		}
		var response protocol.Response
		if err := codec.Unmarshal(frame.Payload, &response); err != nil {
			return protocol.Response{}, fmt.Errorf("decoding response: %w", err)
		}
		return response, nil
	}
}

// mustCommand is command plus failure-as-error.
func (c *daemonClient) mustCommand(kind, sessionID string, payload any) (protocol.Response, error) {
	response, err := c.command(kind, sessionID, payload)
	if err != nil {
		return protocol.Response{}, err
	}
	if !response.Success {
		return protocol.Response{}, fmt.Errorf("%s: %s", kind, response.Error)
	}
	return response, nil
}

func (c *daemonClient) send(kind, sessionID string, payload any) (requestID string, err error) {
	frame := protocol.Frame{
		Kind:      kind,
		SessionID: sessionID,
		RequestID: uuid.NewString(),
	}
	if payload != nil {
		frame.Payload = protocol.MustPayload(payload)
	}
	if err := protocol.WriteFrame(c.conn, frame); err != nil {
		return "", err
	}
	return frame.RequestID, nil
}

func (c *daemonClient) next() (protocol.Frame, error) {
	return c.reader.Read()
}

func decodeData[T any](response protocol.Response) (T, error) {
	var value T
	if len(response.Data) == 0 {
		return value, nil
	}
	if err := codec.Unmarshal(response.Data, &value); err != nil {
		return value, fmt.Errorf("decoding response data: %w", err)
	}
	return value, nil
}
