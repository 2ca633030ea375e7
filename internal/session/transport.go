// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package session

import "github.com/go-stomp/stomp/v3/frame"

// Transport is the write side of a client connection. Implementations
// are not safe for concurrent writes; the session's write pump is the
// only caller. Routing code sees only this interface, so nothing
// outside this package branches on how the client is connected.
type Transport interface {
	// WriteFrame sends one STOMP frame to the client.
	WriteFrame(f *frame.Frame) error

	// Ping sends a transport-level keepalive.
	Ping() error

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// Name identifies the transport kind for logs and metrics.
	Name() string
}
