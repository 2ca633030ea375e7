// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package session

import (
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSessionDeliverWritesToTransport(t *testing.T) {
	tr := &fakeTransport{}
	s := New("alice", tr, 1000, 1000)
	s.Start()
	defer s.Close(CloseReasonShutdown)

	s.Deliver(frame.New(frame.MESSAGE, frame.Destination, "/queue/greetings"))

	waitFor(t, time.Second, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.frames) == 1
	})

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.frames[0] != frame.MESSAGE {
		t.Errorf("delivered command = %q, want MESSAGE", tr.frames[0])
	}
}

func TestSessionDeliverAfterCloseIsNoop(t *testing.T) {
	tr := &fakeTransport{}
	s := New("alice", tr, 1000, 1000)
	s.Start()

	s.Close(CloseReasonClient)
	s.Deliver(frame.New(frame.MESSAGE, frame.Destination, "/queue/greetings"))

	time.Sleep(20 * time.Millisecond)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.frames) != 0 {
		t.Errorf("frames delivered after close: %v", tr.frames)
	}
}

func TestSessionSlowConsumerEvicted(t *testing.T) {
	tr := &fakeTransport{}
	// No Start(): the write pump never drains, so the queue fills.
	s := New("alice", tr, 1000, 1000)

	for i := 0; i < sendBuffer+1; i++ {
		s.Deliver(frame.New(frame.MESSAGE, frame.Destination, "/queue/greetings"))
	}

	if s.CloseReason() != CloseReasonSlowConsumer {
		t.Errorf("close reason = %q, want %q", s.CloseReason(), CloseReasonSlowConsumer)
	}
}

func TestSessionSubscriptions(t *testing.T) {
	s := newTestSession("alice")

	s.AddSubscription("sub-0", "/user/queue/greetings")
	s.AddSubscription("sub-1", "/topic/alerts")

	if id, ok := s.SubscriptionFor("/topic/alerts"); !ok || id != "sub-1" {
		t.Errorf("SubscriptionFor = (%q, %v)", id, ok)
	}
	if _, ok := s.SubscriptionFor("/queue/other"); ok {
		t.Error("found subscription for never-subscribed destination")
	}

	dest, ok := s.RemoveSubscription("sub-0")
	if !ok || dest != "/user/queue/greetings" {
		t.Errorf("RemoveSubscription = (%q, %v)", dest, ok)
	}
	if _, ok := s.RemoveSubscription("sub-0"); ok {
		t.Error("double remove succeeded")
	}

	snapshot := s.Subscriptions()
	if len(snapshot) != 1 || snapshot["sub-1"] != "/topic/alerts" {
		t.Errorf("Subscriptions() = %v", snapshot)
	}
}

func TestSessionRateLimiter(t *testing.T) {
	// 1 frame/sec with burst 2: third immediate frame must be rejected.
	s := New("alice", &fakeTransport{}, 1, 2)

	if !s.AllowInbound() || !s.AllowInbound() {
		t.Fatal("burst frames rejected")
	}
	if s.AllowInbound() {
		t.Error("frame beyond burst admitted")
	}
}

func TestSessionConnectedFlag(t *testing.T) {
	s := newTestSession("alice")

	if s.Connected() {
		t.Error("new session reports connected")
	}
	s.MarkConnected()
	if !s.Connected() {
		t.Error("MarkConnected did not stick")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	s := New("alice", tr, 1000, 1000)

	s.Close(CloseReasonClient)
	s.Close(CloseReasonIdle) // second close must not change the reason

	if s.CloseReason() != CloseReasonClient {
		t.Errorf("close reason = %q, want %q", s.CloseReason(), CloseReasonClient)
	}
}
