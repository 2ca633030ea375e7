// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package session

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/lijian0706/stompgate/internal/stomp"
)

// StreamTransport is the fallback for clients that cannot open a
// WebSocket. Outbound frames stream over a held-open chunked GET
// response; the client sends inbound frames through a paired POST
// endpoint, so this transport has no read side of its own.
type StreamTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStreamTransport prepares a streaming response. It returns an error
// when the ResponseWriter cannot flush, which would leave frames stuck
// in server buffers.
func NewStreamTransport(w http.ResponseWriter) (*StreamTransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &StreamTransport{
		w:       w,
		flusher: flusher,
		closed:  make(chan struct{}),
	}, nil
}

func (t *StreamTransport) WriteFrame(f *frame.Frame) error {
	select {
	case <-t.closed:
		return fmt.Errorf("stream closed")
	default:
	}

	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// Ping writes a STOMP heartbeat (a bare EOL) to keep intermediaries
// from timing the response out.
func (t *StreamTransport) Ping() error {
	select {
	case <-t.closed:
		return fmt.Errorf("stream closed")
	default:
	}

	if _, err := t.w.Write([]byte("\n")); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// Close releases the handler goroutine holding the response open.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}

// Closed is closed when the transport shuts down. The streaming handler
// blocks on it to keep the response open for the session's lifetime.
func (t *StreamTransport) Closed() <-chan struct{} {
	return t.closed
}

func (t *StreamTransport) Name() string {
	return "streaming"
}
