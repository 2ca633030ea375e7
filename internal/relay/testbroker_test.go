// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package relay

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
)

// fakeBroker is a minimal in-process STOMP server for exercising the
// relay client: it answers CONNECT, records SUBSCRIBE/UNSUBSCRIBE/SEND
// frames, and can publish MESSAGE frames into a subscription.
type fakeBroker struct {
	t  *testing.T
	ln net.Listener

	mu          sync.Mutex
	conns       []*brokerConn
	connCount   int
	sends       []*frame.Frame
	unsubscribe []string // subscription ids
}

type brokerConn struct {
	netConn net.Conn

	mu     sync.Mutex
	writer *frame.Writer
	subs   map[string]string // destination -> subscription id
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	b := &fakeBroker{t: t, ln: ln}
	go b.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return b
}

func (b *fakeBroker) addr() string {
	return b.ln.Addr().String()
}

func (b *fakeBroker) port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

func (b *fakeBroker) acceptLoop() {
	for {
		netConn, err := b.ln.Accept()
		if err != nil {
			return
		}

		bc := &brokerConn{
			netConn: netConn,
			writer:  frame.NewWriter(netConn),
			subs:    make(map[string]string),
		}
		b.mu.Lock()
		b.conns = append(b.conns, bc)
		b.connCount++
		b.mu.Unlock()

		go b.serveConn(bc)
	}
}

func (b *fakeBroker) serveConn(bc *brokerConn) {
	reader := frame.NewReader(bc.netConn)
	for {
		f, err := reader.Read()
		if err != nil {
			_ = bc.netConn.Close()
			return
		}
		if f == nil { // heartbeat
			continue
		}

		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			bc.write(frame.New(frame.CONNECTED,
				frame.Version, "1.2",
				frame.HeartBeat, "0,0"))

		case frame.SUBSCRIBE:
			bc.mu.Lock()
			bc.subs[f.Header.Get(frame.Destination)] = f.Header.Get(frame.Id)
			bc.mu.Unlock()

		case frame.UNSUBSCRIBE:
			b.mu.Lock()
			b.unsubscribe = append(b.unsubscribe, f.Header.Get(frame.Id))
			b.mu.Unlock()

		case frame.SEND:
			b.mu.Lock()
			b.sends = append(b.sends, f)
			b.mu.Unlock()
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				bc.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}

		case frame.DISCONNECT:
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				bc.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
			_ = bc.netConn.Close()
			return
		}
	}
}

func (bc *brokerConn) write(f *frame.Frame) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	_ = bc.writer.Write(f)
}

// latestConn returns the most recent connection.
func (b *fakeBroker) latestConn() *brokerConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// subscriptionID returns the current connection's subscription id for a
// destination, or "".
func (b *fakeBroker) subscriptionID(destination string) string {
	bc := b.latestConn()
	if bc == nil {
		return ""
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.subs[destination]
}

// publish sends a MESSAGE frame into the current connection's
// subscription for destination.
func (b *fakeBroker) publish(destination string, headers map[string]string, body []byte) bool {
	bc := b.latestConn()
	if bc == nil {
		return false
	}
	bc.mu.Lock()
	subID, ok := bc.subs[destination]
	bc.mu.Unlock()
	if !ok {
		return false
	}

	f := frame.New(frame.MESSAGE,
		frame.Destination, destination,
		frame.Subscription, subID,
		frame.MessageId, "msg-"+strconv.Itoa(len(body)),
		frame.ContentLength, strconv.Itoa(len(body)))
	for k, v := range headers {
		f.Header.Set(k, v)
	}
	f.Body = body
	bc.write(f)
	return true
}

// dropConnections severs every live connection, simulating broker
// failure.
func (b *fakeBroker) dropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, bc := range conns {
		_ = bc.netConn.Close()
	}
}

func (b *fakeBroker) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sends)
}

func (b *fakeBroker) lastSend() *frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sends) == 0 {
		return nil
	}
	return b.sends[len(b.sends)-1]
}

func (b *fakeBroker) connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connCount
}

func (b *fakeBroker) unsubscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.unsubscribe...)
}
