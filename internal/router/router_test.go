// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/lijian0706/stompgate/internal/config"
	"github.com/lijian0706/stompgate/internal/relay"
	"github.com/lijian0706/stompgate/internal/session"
	"github.com/lijian0706/stompgate/internal/stomp"
)

// fakeRelay records upstream operations.
type fakeRelay struct {
	mu          sync.Mutex
	unavailable bool
	sends       []fakeSend
	subs        map[string]int
}

type fakeSend struct {
	destination string
	body        string
	headers     map[string]string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{subs: make(map[string]int)}
}

func (f *fakeRelay) Send(destination, contentType string, body []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return relay.ErrUnavailable
	}
	f.sends = append(f.sends, fakeSend{destination: destination, body: string(body), headers: headers})
	return nil
}

func (f *fakeRelay) SendToUser(userDestination, contentType string, body []byte) error {
	return f.Send(userDestination, contentType, body, map[string]string{
		stomp.OriginalDestinationHeader: userDestination,
	})
}

func (f *fakeRelay) Subscribe(destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[destination]++
	return nil
}

func (f *fakeRelay) Unsubscribe(destination string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[destination]--
}

func (f *fakeRelay) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unavailable
}

func (f *fakeRelay) lastSend() fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[len(f.sends)-1]
}

func (f *fakeRelay) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// recordingTransport captures frames delivered to a session.
type recordingTransport struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (t *recordingTransport) WriteFrame(f *frame.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
	return nil
}

func (t *recordingTransport) Ping() error  { return nil }
func (t *recordingTransport) Close() error { return nil }
func (t *recordingTransport) Name() string { return "recording" }

func (t *recordingTransport) waitForFrame(tb *testing.T, command string) *frame.Frame {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		for _, f := range t.frames {
			if f.Command == command {
				t.mu.Unlock()
				return f
			}
		}
		t.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("no %s frame delivered", command)
	return nil
}

func (t *recordingTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

type fixture struct {
	registry *session.Registry
	relay    *fakeRelay
	router   *Router
}

func newFixture() *fixture {
	registry := session.NewRegistry()
	fr := newFakeRelay()
	cfg := config.RelayConfig{
		UserQueueSuffix:          "/queue/greetings",
		UserBroadcastDestination: "/topic/unresolved-user-destination",
		Heartbeat:                10 * time.Second,
	}
	return &fixture{
		registry: registry,
		relay:    fr,
		router:   New(registry, fr, cfg),
	}
}

// connectedSession returns a started session that has completed CONNECT.
func (fx *fixture) connectedSession(t *testing.T, principal string) (*session.Session, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	sess := session.New(principal, tr, 1000, 1000)
	sess.Start()
	fx.registry.Bind(sess)

	if err := fx.router.RouteInbound(sess, frame.New(frame.CONNECT, frame.AcceptVersion, "1.2")); err != nil {
		t.Fatalf("CONNECT failed: %v", err)
	}
	tr.waitForFrame(t, frame.CONNECTED)
	return sess, tr
}

func TestConnectHandshake(t *testing.T) {
	fx := newFixture()
	sess, tr := fx.connectedSession(t, "alice")

	if !sess.Connected() {
		t.Error("session not marked connected")
	}
	connected := tr.waitForFrame(t, frame.CONNECTED)
	if got := connected.Header.Get(frame.Version); got != "1.2" {
		t.Errorf("version = %q", got)
	}
}

func TestDoubleConnectRejected(t *testing.T) {
	fx := newFixture()
	sess, tr := fx.connectedSession(t, "alice")

	err := fx.router.RouteInbound(sess, frame.New(frame.CONNECT, frame.AcceptVersion, "1.2"))
	if err == nil {
		t.Fatal("second CONNECT accepted")
	}
	tr.waitForFrame(t, frame.ERROR)
}

func TestFrameBeforeConnectRejected(t *testing.T) {
	fx := newFixture()
	tr := &recordingTransport{}
	sess := session.New("alice", tr, 1000, 1000)
	sess.Start()
	fx.registry.Bind(sess)

	err := fx.router.RouteInbound(sess, frame.New(frame.SEND, frame.Destination, "/topic/a"))
	var pe *stomp.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
	tr.waitForFrame(t, frame.ERROR)
}

func TestSubscribeUserDestinationStaysLocal(t *testing.T) {
	fx := newFixture()
	sess, _ := fx.connectedSession(t, "alice")

	err := fx.router.RouteInbound(sess, frame.New(frame.SUBSCRIBE,
		frame.Destination, "/user/queue/greetings",
		frame.Id, "sub-0"))
	if err != nil {
		t.Fatalf("SUBSCRIBE failed: %v", err)
	}

	if got := fx.relay.subs["/user/queue/greetings"]; got != 0 {
		t.Errorf("user destination subscribed upstream %d times", got)
	}
	if id, ok := sess.SubscriptionFor("/user/queue/greetings"); !ok || id != "sub-0" {
		t.Errorf("local subscription = (%q, %v)", id, ok)
	}
}

func TestSubscribeTopicGoesUpstream(t *testing.T) {
	fx := newFixture()
	sess, _ := fx.connectedSession(t, "alice")

	err := fx.router.RouteInbound(sess, frame.New(frame.SUBSCRIBE,
		frame.Destination, "/topic/alerts",
		frame.Id, "sub-1"))
	if err != nil {
		t.Fatalf("SUBSCRIBE failed: %v", err)
	}

	if got := fx.relay.subs["/topic/alerts"]; got != 1 {
		t.Errorf("upstream subscribe count = %d, want 1", got)
	}

	err = fx.router.RouteInbound(sess, frame.New(frame.UNSUBSCRIBE, frame.Id, "sub-1"))
	if err != nil {
		t.Fatalf("UNSUBSCRIBE failed: %v", err)
	}
	if got := fx.relay.subs["/topic/alerts"]; got != 0 {
		t.Errorf("upstream subscribe count after release = %d, want 0", got)
	}
}

func TestSendAppDestinationStripsPrefix(t *testing.T) {
	fx := newFixture()
	sess, _ := fx.connectedSession(t, "alice")

	f := frame.New(frame.SEND, frame.Destination, "/app/hello")
	f.Body = []byte("alice")
	if err := fx.router.RouteInbound(sess, f); err != nil {
		t.Fatalf("SEND failed: %v", err)
	}

	sent := fx.relay.lastSend()
	if sent.destination != "/hello" {
		t.Errorf("forwarded destination = %q, want /hello", sent.destination)
	}
	if sent.headers[stomp.PrincipalHeader] != "alice" {
		t.Errorf("principal header = %q", sent.headers[stomp.PrincipalHeader])
	}
}

func TestSendBrokerDestinationPassesThrough(t *testing.T) {
	fx := newFixture()
	sess, _ := fx.connectedSession(t, "alice")

	f := frame.New(frame.SEND, frame.Destination, "/topic/greetings")
	f.Body = []byte("hi all")
	if err := fx.router.RouteInbound(sess, f); err != nil {
		t.Fatalf("SEND failed: %v", err)
	}

	sent := fx.relay.lastSend()
	if sent.destination != "/topic/greetings" {
		t.Errorf("destination = %q", sent.destination)
	}
}

func TestSendUserDestinationRewrite(t *testing.T) {
	fx := newFixture()
	sess, _ := fx.connectedSession(t, "alice")

	// Addressing another principal embeds that principal.
	f := frame.New(frame.SEND, frame.Destination, "/user/bob/queue/greetings")
	f.Body = []byte("hi bob")
	if err := fx.router.RouteInbound(sess, f); err != nil {
		t.Fatalf("SEND failed: %v", err)
	}
	if got := fx.relay.lastSend().destination; got != "/user/bob/queue/greetings" {
		t.Errorf("destination = %q", got)
	}

	// Without an embedded principal the sender addresses itself.
	f = frame.New(frame.SEND, frame.Destination, "/user/queue/greetings")
	f.Body = []byte("note to self")
	if err := fx.router.RouteInbound(sess, f); err != nil {
		t.Fatalf("SEND failed: %v", err)
	}
	if got := fx.relay.lastSend().destination; got != "/user/alice/queue/greetings" {
		t.Errorf("destination = %q, want sender's own", got)
	}
}

func TestSendWhileRelayUnavailable(t *testing.T) {
	fx := newFixture()
	sess, tr := fx.connectedSession(t, "alice")
	fx.relay.unavailable = true

	f := frame.New(frame.SEND, frame.Destination, "/topic/greetings")
	err := fx.router.RouteInbound(sess, f)
	if !errors.Is(err, relay.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}

	// The client hears about it; the session survives.
	tr.waitForFrame(t, frame.ERROR)
	if sess.CloseReason() != "" {
		t.Errorf("session closed: %q", sess.CloseReason())
	}
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
	fx := newFixture()
	sess, tr := fx.connectedSession(t, "alice")

	_ = fx.router.RouteInbound(sess, frame.New(frame.SUBSCRIBE,
		frame.Destination, "/topic/alerts", frame.Id, "sub-0"))

	err := fx.router.RouteInbound(sess, frame.New(frame.DISCONNECT, frame.Receipt, "r-1"))
	if err != nil {
		t.Fatalf("DISCONNECT failed: %v", err)
	}

	receipt := tr.waitForFrame(t, frame.RECEIPT)
	if got := receipt.Header.Get(frame.ReceiptId); got != "r-1" {
		t.Errorf("receipt-id = %q", got)
	}
	if fx.relay.subs["/topic/alerts"] != 0 {
		t.Error("upstream subscription not released on disconnect")
	}
	if fx.registry.Len() != 0 {
		t.Error("session still registered after disconnect")
	}
}

func TestRouteOutboundUserDestination(t *testing.T) {
	fx := newFixture()
	sessA1, trA1 := fx.connectedSession(t, "alice")
	sessA2, trA2 := fx.connectedSession(t, "alice")
	_, trB := fx.connectedSession(t, "bob")

	for _, s := range []*session.Session{sessA1, sessA2} {
		_ = fx.router.RouteInbound(s, frame.New(frame.SUBSCRIBE,
			frame.Destination, "/user/queue/greetings", frame.Id, "sub-0"))
	}

	header := frame.NewHeader(stomp.OriginalDestinationHeader, "/user/alice/queue/greetings")
	fx.router.RouteOutbound("/topic/unresolved-user-destination", "text/plain", header, []byte("hello:alice"))

	// Both of alice's sessions get the message with the user prefix
	// stripped from the destination; bob gets nothing.
	for _, tr := range []*recordingTransport{trA1, trA2} {
		msg := tr.waitForFrame(t, frame.MESSAGE)
		if got := msg.Header.Get(frame.Destination); got != "/queue/greetings" {
			t.Errorf("client destination = %q, want /queue/greetings", got)
		}
		if got := msg.Header.Get(frame.Subscription); got != "sub-0" {
			t.Errorf("subscription id = %q", got)
		}
		if string(msg.Body) != "hello:alice" {
			t.Errorf("body = %q", msg.Body)
		}
	}

	time.Sleep(20 * time.Millisecond)
	trB.mu.Lock()
	for _, f := range trB.frames {
		if f.Command == frame.MESSAGE {
			t.Error("message leaked to another principal")
		}
	}
	trB.mu.Unlock()
}

func TestRouteOutboundNoSessionIsNoop(t *testing.T) {
	fx := newFixture()

	header := frame.NewHeader(stomp.OriginalDestinationHeader, "/user/ghost/queue/greetings")
	// Must not panic or error; the miss is just counted.
	fx.router.RouteOutbound("/topic/unresolved-user-destination", "text/plain", header, []byte("hello:ghost"))
}

func TestRouteOutboundTopicFanOut(t *testing.T) {
	fx := newFixture()
	sess1, tr1 := fx.connectedSession(t, "alice")
	sess2, tr2 := fx.connectedSession(t, "bob")

	for _, s := range []*session.Session{sess1, sess2} {
		_ = fx.router.RouteInbound(s, frame.New(frame.SUBSCRIBE,
			frame.Destination, "/topic/alerts", frame.Id, "sub-9"))
	}

	fx.router.RouteOutbound("/topic/alerts", "text/plain", frame.NewHeader(), []byte("alert!"))

	for _, tr := range []*recordingTransport{tr1, tr2} {
		msg := tr.waitForFrame(t, frame.MESSAGE)
		if got := msg.Header.Get(frame.Destination); got != "/topic/alerts" {
			t.Errorf("destination = %q", got)
		}
	}
}

func TestSendToUserDefaultsQueue(t *testing.T) {
	fx := newFixture()

	if err := fx.router.SendToUser("li", "", []byte("hello:li")); err != nil {
		t.Fatalf("SendToUser failed: %v", err)
	}
	if got := fx.relay.lastSend().destination; got != "/user/li/queue/greetings" {
		t.Errorf("destination = %q", got)
	}
}
