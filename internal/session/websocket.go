// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package session

import (
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/lijian0706/stompgate/internal/stomp"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// WebSocketTransport carries STOMP frames over a WebSocket connection,
// one frame per text message.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an upgraded connection. The read limit
// bounds the size of a single inbound frame.
func NewWebSocketTransport(conn *websocket.Conn, maxMessageSize int64) *WebSocketTransport {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &WebSocketTransport{conn: conn}
}

// ReadFrame blocks for the next inbound frame. Heartbeat-only messages
// yield (nil, nil); the caller skips them.
func (t *WebSocketTransport) ReadFrame() (*frame.Frame, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return stomp.Decode(data)
}

func (t *WebSocketTransport) WriteFrame(f *frame.Frame) error {
	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Ping() error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *WebSocketTransport) Close() error {
	// Best effort close frame so well-behaved clients shut down cleanly.
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *WebSocketTransport) Name() string {
	return "websocket"
}

// IsExpectedClose reports whether a read error is a normal client
// disconnect rather than something worth logging at warn level.
func IsExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
