// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

// Package session tracks connected clients. A Session owns one client
// connection through a Transport; the Registry maps principals to their
// live sessions so user-destined messages can fan out to every device a
// principal has open.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lijian0706/stompgate/internal/logging"
	"github.com/lijian0706/stompgate/internal/metrics"
)

const (
	// sendBuffer is the per-session outbound queue. A client that cannot
	// drain this many frames is a slow consumer and gets disconnected.
	sendBuffer = 256

	pingPeriod = 54 * time.Second
)

// Close reasons, used as the metrics eviction label.
const (
	CloseReasonClient        = "client"
	CloseReasonIdle          = "idle"
	CloseReasonProtocolError = "protocol_error"
	CloseReasonSlowConsumer  = "slow_consumer"
	CloseReasonShutdown      = "shutdown"
)

// Session is one authenticated client connection. All outbound frames
// pass through a single write pump so the transport never sees
// concurrent writes; inbound frames are processed in arrival order by
// the transport's single read loop.
type Session struct {
	ID        string
	Principal string

	transport Transport
	send      chan *frame.Frame
	limiter   *rate.Limiter

	createdAt  time.Time
	lastActive atomic.Int64 // unix nanos

	mu            sync.RWMutex
	subscriptions map[string]string // subscription id -> destination
	connected     bool              // STOMP-level CONNECT completed

	started       atomic.Bool
	released      atomic.Bool
	closeOnce     sync.Once
	transportOnce sync.Once
	closeReason   string
	done          chan struct{}
}

// New creates a session for principal over the given transport. The
// rate limiter bounds inbound frames per second with the given burst.
func New(principal string, transport Transport, inboundRate float64, inboundBurst int) *Session {
	return NewWithID(uuid.New().String(), principal, transport, inboundRate, inboundBurst)
}

// NewWithID creates a session with a caller-chosen ID. The streaming
// handshake needs the ID in response headers before the transport
// exists, so it generates the ID up front.
func NewWithID(id, principal string, transport Transport, inboundRate float64, inboundBurst int) *Session {
	s := &Session{
		ID:            id,
		Principal:     principal,
		transport:     transport,
		send:          make(chan *frame.Frame, sendBuffer),
		limiter:       rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		createdAt:     time.Now(),
		subscriptions: make(map[string]string),
		done:          make(chan struct{}),
	}
	s.Touch()
	return s
}

// Start launches the write pump. It must be called exactly once.
func (s *Session) Start() {
	s.started.Store(true)
	go s.writePump()
}

// Touch records activity, resetting the idle clock.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the most recent inbound activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Age returns how long the session has been open.
func (s *Session) Age() time.Duration {
	return time.Since(s.createdAt)
}

// AllowInbound reports whether the session's rate limiter admits one
// more inbound frame.
func (s *Session) AllowInbound() bool {
	return s.limiter.Allow()
}

// MarkConnected records that the STOMP-level CONNECT handshake finished.
func (s *Session) MarkConnected() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
}

// Connected reports whether the STOMP handshake has completed.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// AddSubscription records a client subscription.
func (s *Session) AddSubscription(id, destination string) {
	s.mu.Lock()
	s.subscriptions[id] = destination
	s.mu.Unlock()
}

// RemoveSubscription drops a client subscription and returns its
// destination. The second return is false for an unknown id.
func (s *Session) RemoveSubscription(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest, ok := s.subscriptions[id]
	if ok {
		delete(s.subscriptions, id)
	}
	return dest, ok
}

// SubscriptionFor returns the client's subscription id for destination.
func (s *Session) SubscriptionFor(destination string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, dest := range s.subscriptions {
		if dest == destination {
			return id, true
		}
	}
	return "", false
}

// Subscriptions returns a snapshot of the subscription map.
func (s *Session) Subscriptions() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]string, len(s.subscriptions))
	for id, dest := range s.subscriptions {
		snapshot[id] = dest
	}
	return snapshot
}

// Deliver queues a frame for the client. It never blocks: a full queue
// means the client is not draining and the session is closed as a slow
// consumer. Delivery after close is a silent no-op.
func (s *Session) Deliver(f *frame.Frame) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.send <- f:
	default:
		logging.Warn().
			Str("session_id", s.ID).
			Str("principal", s.Principal).
			Msg("session send queue full, disconnecting slow consumer")
		metrics.RecordSessionEvicted(CloseReasonSlowConsumer)
		s.Close(CloseReasonSlowConsumer)
	}
}

// Close shuts the session down once. The write pump drains frames
// already queued (a DISCONNECT receipt, a final ERROR) and then closes
// the transport; the principal's other sessions are unaffected.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.done)
		if !s.started.Load() {
			// No pump to hand the transport to.
			s.closeTransport()
		}
		metrics.RecordSessionClosed(s.Age())
		logging.Info().
			Str("session_id", s.ID).
			Str("principal", s.Principal).
			Str("reason", reason).
			Dur("lifetime", s.Age()).
			Msg("session closed")
	})
}

// ReleaseOnce reports whether the caller is the first to release this
// session's upstream subscription references. A DISCONNECT frame and
// the connection handler's cleanup both release; only one may decrement
// the relay's refcounts.
func (s *Session) ReleaseOnce() bool {
	return s.released.CompareAndSwap(false, true)
}

// Done is closed when the session has been shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason returns why the session was closed, or "" while open.
func (s *Session) CloseReason() string {
	select {
	case <-s.done:
		return s.closeReason
	default:
		return ""
	}
}

func (s *Session) closeTransport() {
	s.transportOnce.Do(func() {
		if err := s.transport.Close(); err != nil {
			logging.Debug().Err(err).Str("session_id", s.ID).Msg("transport close")
		}
	})
}

// writePump drains the send queue to the transport. A write failure
// closes the session; the transport is never written concurrently, and
// the pump owns closing it.
func (s *Session) writePump() {
	defer s.closeTransport()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.send:
			if err := s.transport.WriteFrame(f); err != nil {
				logging.Debug().Err(err).Str("session_id", s.ID).Msg("frame write failed")
				s.Close(CloseReasonClient)
				return
			}
			metrics.RecordFrame("outbound", f.Command)

		case <-ticker.C:
			if err := s.transport.Ping(); err != nil {
				s.Close(CloseReasonClient)
				return
			}

		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush writes frames that were queued before close, such as the
// DISCONNECT receipt. Each write stays bounded by the transport's write
// deadline; the first failure abandons the rest.
func (s *Session) flush() {
	for {
		select {
		case f := <-s.send:
			if err := s.transport.WriteFrame(f); err != nil {
				return
			}
			metrics.RecordFrame("outbound", f.Command)
		default:
			return
		}
	}
}
