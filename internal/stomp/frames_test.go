// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package stomp

import (
	"errors"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	f := frame.New(frame.SEND,
		frame.Destination, "/topic/greetings",
		frame.ContentType, "text/plain")
	f.Body = []byte("hello:li")

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.Command != frame.SEND {
		t.Errorf("command = %q, want SEND", decoded.Command)
	}
	if got := decoded.Header.Get(frame.Destination); got != "/topic/greetings" {
		t.Errorf("destination = %q", got)
	}
	if string(decoded.Body) != "hello:li" {
		t.Errorf("body = %q", decoded.Body)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	f, err := Decode([]byte("\n"))
	if err != nil {
		t.Fatalf("heartbeat should not error: %v", err)
	}
	if f != nil {
		t.Errorf("heartbeat should decode to nil frame, got %v", f)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("NOT A FRAME AT ALL"))
	if err == nil {
		t.Fatal("garbage input should fail to decode")
	}

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ProtocolError", err)
	}
	if pe.Kind != ErrKindMalformed {
		t.Errorf("kind = %q, want %q", pe.Kind, ErrKindMalformed)
	}
}

func TestValidateClient(t *testing.T) {
	tests := []struct {
		name     string
		frame    *frame.Frame
		wantKind string // "" means valid
	}{
		{"connect", frame.New(frame.CONNECT, frame.AcceptVersion, "1.2"), ""},
		{"disconnect", frame.New(frame.DISCONNECT), ""},
		{"send with destination", frame.New(frame.SEND, frame.Destination, "/app/hello"), ""},
		{"send without destination", frame.New(frame.SEND), ErrKindMissingDestination},
		{"subscribe complete", frame.New(frame.SUBSCRIBE, frame.Destination, "/topic/a", frame.Id, "sub-0"), ""},
		{"subscribe without id", frame.New(frame.SUBSCRIBE, frame.Destination, "/topic/a"), ErrKindMissingID},
		{"subscribe without destination", frame.New(frame.SUBSCRIBE, frame.Id, "sub-0"), ErrKindMissingDestination},
		{"unsubscribe without id", frame.New(frame.UNSUBSCRIBE), ErrKindMissingID},
		{"server command from client", frame.New(frame.MESSAGE, frame.Destination, "/topic/a"), ErrKindUnknownCommand},
		{"invented command", frame.New("TELEPORT"), ErrKindUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateClient(tt.frame)
			if tt.wantKind == "" {
				if err != nil {
					t.Errorf("ValidateClient() = %v, want nil", err)
				}
				return
			}

			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("error type = %T, want *ProtocolError", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", pe.Kind, tt.wantKind)
			}
		})
	}
}

func TestNewErrorFrame(t *testing.T) {
	f := NewError("bad frame", "SEND requires a destination header")
	if f.Command != frame.ERROR {
		t.Errorf("command = %q", f.Command)
	}
	if got := f.Header.Get(frame.Message); got != "bad frame" {
		t.Errorf("message header = %q", got)
	}
	if string(f.Body) != "SEND requires a destination header" {
		t.Errorf("body = %q", f.Body)
	}
}

func TestNewConnected(t *testing.T) {
	f := NewConnected("sess-1", 10000)
	if f.Command != frame.CONNECTED {
		t.Errorf("command = %q", f.Command)
	}
	if got := f.Header.Get(frame.Version); got != "1.2" {
		t.Errorf("version = %q", got)
	}
	if got := f.Header.Get(frame.HeartBeat); got != "10000,10000" {
		t.Errorf("heart-beat = %q", got)
	}
}
