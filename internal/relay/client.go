// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

// Package relay maintains the gateway's single upstream STOMP connection
// to the message broker. All client traffic multiplexes over this one
// connection; when it drops, the relay reconnects with backoff and
// re-establishes every subscription before accepting traffic again.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lijian0706/stompgate/internal/config"
	"github.com/lijian0706/stompgate/internal/logging"
	"github.com/lijian0706/stompgate/internal/metrics"
	gatewaystomp "github.com/lijian0706/stompgate/internal/stomp"
)

// State describes the relay connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrUnavailable is returned by Send when no broker connection is ready
// and the configured policy does not allow waiting (or the wait timed
// out). Callers translate it into 503 or an ERROR frame; it is never a
// silent drop.
var ErrUnavailable = errors.New("broker relay unavailable")

// MessageHandler receives MESSAGE frames arriving from the broker. It is
// called from dispatch goroutines, never from the connection read loop.
type MessageHandler func(destination, contentType string, header *frame.Header, body []byte)

type sendRequest struct {
	destination string
	contentType string
	body        []byte
	headers     map[string]string
	result      chan error
}

// upstreamSub is a refcounted broker subscription. Several client
// sessions subscribing to the same /topic destination share one.
// active means the subscription exists on the current connection.
type upstreamSub struct {
	refs   int
	active bool
	sub    *stomp.Subscription
	stop   chan struct{} // closed on voluntary unsubscribe
}

// liveConn holds what Subscribe needs to establish a subscription on
// the connection currently serving traffic.
type liveConn struct {
	conn *stomp.Conn
	ctx  context.Context
	lost chan<- error
}

// Client owns the upstream broker connection. Start it with Serve (it
// is shaped for suture supervision); Send and Subscribe may be called
// from any goroutine.
type Client struct {
	cfg     config.RelayConfig
	handler MessageHandler
	breaker *gobreaker.CircuitBreaker[any]

	state atomic.Int32
	ready atomic.Bool

	sendCh chan *sendRequest

	mu      sync.Mutex
	subs    map[string]*upstreamSub // destination -> refcount
	live    *liveConn               // nil while disconnected
	readyCh chan struct{}           // closed when ready; replaced when not
}

// NewClient creates a relay client. The handler receives every MESSAGE
// frame from broker subscriptions, including the user broadcast topic.
func NewClient(cfg config.RelayConfig, handler MessageHandler) *Client {
	c := &Client{
		cfg:     cfg,
		handler: handler,
		sendCh:  make(chan *sendRequest, 64),
		subs:    make(map[string]*upstreamSub),
		readyCh: make(chan struct{}),
	}
	c.breaker = newSendBreaker()
	return c
}

func newSendBreaker() *gobreaker.CircuitBreaker[any] {
	settings := gobreaker.Settings{
		Name:        "relay-send",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.Set(float64(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("relay circuit breaker state change")
		},
	}
	return gobreaker.NewCircuitBreaker[any](settings)
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Ready reports whether the connection is up with all subscriptions
// re-established. Send fails (or blocks, per policy) while not ready.
func (c *Client) Ready() bool {
	return c.ready.Load()
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetRelayState(int(s))
}

func (c *Client) setReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ready == c.ready.Load() {
		return
	}
	c.ready.Store(ready)
	if ready {
		close(c.readyCh)
	} else {
		c.readyCh = make(chan struct{})
	}
}

// readyChan returns the channel that is closed once the relay is ready.
func (c *Client) readyChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyCh
}

// Serve runs the connect/serve/reconnect loop until ctx is canceled.
// It implements the suture Service contract.
func (c *Client) Serve(ctx context.Context) error {
	backoff := &Backoff{Initial: c.cfg.ReconnectInitial, Max: c.cfg.ReconnectMax}

	for {
		c.setState(StateConnecting)

		conn, err := c.connect()
		if err != nil {
			logging.Warn().Err(err).
				Str("broker", c.cfg.Addr()).
				Int("attempt", backoff.Attempt()).
				Msg("broker connect failed")
			c.setState(StateReconnecting)
			metrics.RelayReconnects.Inc()
			if err := sleepCtx(ctx, backoff.Next()); err != nil {
				c.setState(StateDisconnected)
				return err
			}
			continue
		}

		backoff.Reset()
		err = c.runSession(ctx, conn)
		c.setReady(false)

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		logging.Warn().Err(err).Str("broker", c.cfg.Addr()).Msg("broker connection lost")
		c.setState(StateReconnecting)
		metrics.RelayReconnects.Inc()
		if err := sleepCtx(ctx, backoff.Next()); err != nil {
			c.setState(StateDisconnected)
			return err
		}
	}
}

// connect dials the broker and completes the STOMP handshake with the
// system credentials.
func (c *Client) connect() (*stomp.Conn, error) {
	netConn, err := net.DialTimeout("tcp", c.cfg.Addr(), c.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	conn, err := stomp.Connect(netConn,
		stomp.ConnOpt.Login(c.cfg.SystemLogin, c.cfg.SystemPasscode),
		stomp.ConnOpt.Host(c.cfg.VirtualHost),
		stomp.ConnOpt.HeartBeat(c.cfg.Heartbeat, c.cfg.Heartbeat),
	)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("stomp handshake: %w", err)
	}
	return conn, nil
}

// runSession drives one live connection: re-establishes subscriptions,
// then serves sends until the connection breaks or ctx is canceled.
func (c *Client) runSession(ctx context.Context, conn *stomp.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Connection loss from any subscription drain surfaces here.
	lost := make(chan error, 1)

	// Re-establish every subscription before reporting ready. The user
	// broadcast subscription always exists: it is how sendToUser traffic
	// reaches this gateway instance. Holding the lock keeps a concurrent
	// Subscribe from racing the replay.
	c.mu.Lock()
	c.live = &liveConn{conn: conn, ctx: sessionCtx, lost: lost}
	_, _, err := c.openSubscription(sessionCtx, conn, c.cfg.UserBroadcastDestination, lost)
	if err == nil {
		for dest, sub := range c.subs {
			sub.active = false
			if sub.refs > 0 {
				if sub.sub, sub.stop, err = c.openSubscription(sessionCtx, conn, dest, lost); err != nil {
					break
				}
				sub.active = true
			}
		}
	}
	if err != nil {
		c.live = nil
		c.mu.Unlock()
		_ = conn.Disconnect()
		return err
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.live = nil
		for _, sub := range c.subs {
			sub.active = false
		}
		c.mu.Unlock()
	}()

	c.setState(StateConnected)
	c.setReady(true)
	logging.Info().
		Str("broker", c.cfg.Addr()).
		Str("vhost", c.cfg.VirtualHost).
		Msg("broker relay connected")

	// Single writer: all outgoing frames for this connection pass
	// through here in order.
	for {
		select {
		case <-ctx.Done():
			_ = conn.Disconnect()
			return ctx.Err()

		case err := <-lost:
			_ = conn.Disconnect()
			return err

		case req := <-c.sendCh:
			err := c.physicalSend(conn, req)
			req.result <- err
			if err != nil && isConnectionError(err) {
				_ = conn.Disconnect()
				return err
			}
		}
	}
}

// openSubscription subscribes upstream and starts a drain goroutine
// feeding the message handler. Closing the returned stop channel ends
// the drain quietly; a subscription channel closing for any other
// reason is reported as connection loss.
func (c *Client) openSubscription(ctx context.Context, conn *stomp.Conn, destination string, lost chan<- error) (*stomp.Subscription, chan struct{}, error) {
	sub, err := conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to %s: %w", destination, err)
	}
	metrics.RelaySubscriptions.Inc()
	stop := make(chan struct{})

	go func() {
		defer metrics.RelaySubscriptions.Dec()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-sub.C:
				if !ok || msg == nil {
					// A voluntary unsubscribe also closes sub.C; only an
					// unexpected close counts as connection loss.
					select {
					case <-stop:
						return
					default:
					}
					select {
					case lost <- fmt.Errorf("subscription %s closed", destination):
					default:
					}
					return
				}
				if msg.Err != nil {
					select {
					case lost <- msg.Err:
					default:
					}
					return
				}
				c.handler(msg.Destination, msg.ContentType, msg.Header, msg.Body)
			}
		}
	}()

	return sub, stop, nil
}

func (c *Client) physicalSend(conn *stomp.Conn, req *sendRequest) error {
	opts := make([]func(*frame.Frame) error, 0, len(req.headers))
	for k, v := range req.headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, conn.Send(req.destination, req.contentType, req.body, opts...)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordRelaySendFailure("breaker_open")
		} else {
			metrics.RecordRelaySendFailure("write_error")
		}
		return fmt.Errorf("sending to %s: %w", req.destination, err)
	}
	return nil
}

// Send forwards one frame to the broker. Ordering is preserved per
// connection. While the relay is not ready the behavior follows the
// configured policy: fail_fast returns ErrUnavailable immediately,
// block waits up to the send timeout for readiness.
func (c *Client) Send(destination, contentType string, body []byte, headers map[string]string) error {
	if !c.ready.Load() {
		if c.cfg.SendPolicy == config.SendPolicyFailFast {
			metrics.RecordRelaySendFailure("disconnected")
			return ErrUnavailable
		}
		select {
		case <-c.readyChan():
		case <-time.After(c.cfg.SendTimeout):
			metrics.RecordRelaySendFailure("timeout")
			return fmt.Errorf("%w: wait for connection timed out", ErrUnavailable)
		}
	}

	req := &sendRequest{
		destination: destination,
		contentType: contentType,
		body:        body,
		headers:     headers,
		result:      make(chan error, 1),
	}

	timeout := c.cfg.SendTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendCh <- req:
	case <-timer.C:
		metrics.RecordRelaySendFailure("timeout")
		return fmt.Errorf("%w: send queue full", ErrUnavailable)
	}

	select {
	case err := <-req.result:
		return err
	case <-timer.C:
		metrics.RecordRelaySendFailure("timeout")
		return fmt.Errorf("%w: send not acknowledged", ErrUnavailable)
	}
}

// SendToUser publishes a message for a principal's user destination.
// The frame goes to the shared broadcast topic with the client-visible
// destination in a header, so whichever gateway instance holds the
// principal's sessions can route it.
func (c *Client) SendToUser(userDestination, contentType string, body []byte) error {
	return c.Send(c.cfg.UserBroadcastDestination, contentType, body, map[string]string{
		gatewaystomp.OriginalDestinationHeader: userDestination,
	})
}

// Subscribe adds a reference to an upstream subscription, establishing
// it on the live connection when this is the first reference. The
// reference survives reconnects: every registered destination is
// replayed before the relay reports ready again.
func (c *Client) Subscribe(destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.subs[destination]
	if !ok {
		s = &upstreamSub{}
		c.subs[destination] = s
	}
	s.refs++

	if s.active || c.live == nil {
		return nil
	}
	sub, stop, err := c.openSubscription(c.live.ctx, c.live.conn, destination, c.live.lost)
	if err != nil {
		// Keep the reference: the reconnect cycle will retry it.
		logging.Warn().Err(err).Str("destination", destination).Msg("upstream subscribe failed")
		return err
	}
	s.sub, s.stop, s.active = sub, stop, true
	return nil
}

// Unsubscribe drops a reference; the upstream subscription is released
// when no session references it.
func (c *Client) Unsubscribe(destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.subs[destination]
	if !ok {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	delete(c.subs, destination)

	if s.active && s.sub != nil {
		close(s.stop)
		if err := s.sub.Unsubscribe(); err != nil {
			logging.Debug().Err(err).Str("destination", destination).Msg("upstream unsubscribe")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isConnectionError reports whether a send failure means the connection
// itself is gone, as opposed to a breaker rejection.
func isConnectionError(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, stomp.ErrAlreadyClosed) || errors.Is(err, stomp.ErrClosedUnexpectedly)
}
