// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

// Package stomp implements the gateway's STOMP frame semantics on top of
// the go-stomp frame codec: per-command validation of client frames and
// the destination naming rules (/app, /topic, /queue, /user).
package stomp

import (
	"bytes"
	"fmt"

	"github.com/go-stomp/stomp/v3/frame"
)

// Client commands the gateway accepts over the WebSocket leg. Anything
// else from a client is a protocol violation.
var clientCommands = map[string]bool{
	frame.CONNECT:     true,
	frame.STOMP:       true,
	frame.SUBSCRIBE:   true,
	frame.UNSUBSCRIBE: true,
	frame.SEND:        true,
	frame.DISCONNECT:  true,
}

// Server commands the gateway emits to clients.
var serverCommands = map[string]bool{
	frame.CONNECTED: true,
	frame.MESSAGE:   true,
	frame.RECEIPT:   true,
	frame.ERROR:     true,
}

// IsClientCommand reports whether cmd may originate from a client.
func IsClientCommand(cmd string) bool {
	return clientCommands[cmd]
}

// IsServerCommand reports whether cmd may originate from the gateway.
func IsServerCommand(cmd string) bool {
	return serverCommands[cmd]
}

// ProtocolError describes a client frame that violates the STOMP contract.
// The router converts these into ERROR frames for the offending session.
type ProtocolError struct {
	Kind    string // stable machine-readable kind, used as a metric label
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// Protocol error kinds.
const (
	ErrKindMalformed          = "malformed_frame"
	ErrKindUnknownCommand     = "unknown_command"
	ErrKindMissingDestination = "missing_destination"
	ErrKindMissingID          = "missing_id"
	ErrKindEmptyBody          = "empty_body"
)

func protocolErrorf(kind, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Decode parses a single STOMP frame from a WebSocket message payload.
// A payload holding only a heartbeat (EOL) yields (nil, nil). Anything
// that does not parse as a frame is a malformed-frame ProtocolError.
func Decode(data []byte) (*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))

	f, err := r.Read()
	if err != nil {
		return nil, protocolErrorf(ErrKindMalformed, "malformed STOMP frame: %v", err)
	}
	return f, nil
}

// Encode serializes a frame for transmission as a single WebSocket message.
func Encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// ValidateClient checks a decoded client frame against the per-command
// header requirements. The frame is otherwise left untouched.
func ValidateClient(f *frame.Frame) error {
	if !IsClientCommand(f.Command) {
		return protocolErrorf(ErrKindUnknownCommand, "unsupported command %q", f.Command)
	}

	switch f.Command {
	case frame.SEND:
		if dest := f.Header.Get(frame.Destination); dest == "" {
			return protocolErrorf(ErrKindMissingDestination, "SEND requires a destination header")
		}
	case frame.SUBSCRIBE:
		if dest := f.Header.Get(frame.Destination); dest == "" {
			return protocolErrorf(ErrKindMissingDestination, "SUBSCRIBE requires a destination header")
		}
		if id := f.Header.Get(frame.Id); id == "" {
			return protocolErrorf(ErrKindMissingID, "SUBSCRIBE requires an id header")
		}
	case frame.UNSUBSCRIBE:
		if id := f.Header.Get(frame.Id); id == "" {
			return protocolErrorf(ErrKindMissingID, "UNSUBSCRIBE requires an id header")
		}
	}

	return nil
}

// NewError builds an ERROR frame carrying a short message header and a
// longer explanation in the body, per the STOMP 1.2 convention.
func NewError(message, detail string) *frame.Frame {
	f := frame.New(frame.ERROR,
		frame.Message, message,
		frame.ContentType, "text/plain")
	if detail != "" {
		f.Body = []byte(detail)
	}
	return f
}

// NewConnected builds the CONNECTED reply for a successful client CONNECT.
// The version echoed is 1.2; heart-beat advertises what the gateway sends
// and expects, in milliseconds.
func NewConnected(sessionID string, heartbeatMillis int64) *frame.Frame {
	return frame.New(frame.CONNECTED,
		frame.Version, "1.2",
		frame.Session, sessionID,
		frame.HeartBeat, fmt.Sprintf("%d,%d", heartbeatMillis, heartbeatMillis))
}

// NewMessage builds a MESSAGE frame destined for a client session.
func NewMessage(destination, subscriptionID, messageID string, contentType string, body []byte) *frame.Frame {
	f := frame.New(frame.MESSAGE,
		frame.Destination, destination,
		frame.Subscription, subscriptionID,
		frame.MessageId, messageID)
	if contentType != "" {
		f.Header.Set(frame.ContentType, contentType)
	}
	f.Body = body
	return f
}
