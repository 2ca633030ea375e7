// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

// Package router moves STOMP frames between client sessions and the
// broker relay. Inbound frames are validated and dispatched per
// command; outbound broker messages are resolved to principals and
// fanned out to their sessions. A frame error affects only the
// offending session, never its principal's other sessions.
package router

import (
	"errors"
	"fmt"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"

	"github.com/lijian0706/stompgate/internal/config"
	"github.com/lijian0706/stompgate/internal/logging"
	"github.com/lijian0706/stompgate/internal/metrics"
	"github.com/lijian0706/stompgate/internal/relay"
	"github.com/lijian0706/stompgate/internal/session"
	"github.com/lijian0706/stompgate/internal/stomp"
)

// Relay is the upstream surface the router needs. *relay.Client
// implements it; tests substitute a fake.
type Relay interface {
	Send(destination, contentType string, body []byte, headers map[string]string) error
	SendToUser(userDestination, contentType string, body []byte) error
	Subscribe(destination string) error
	Unsubscribe(destination string)
	Ready() bool
}

// Router routes frames between sessions and the broker.
type Router struct {
	registry *session.Registry
	relay    Relay
	cfg      config.RelayConfig
}

// New creates a router over the given registry and relay.
func New(registry *session.Registry, upstream Relay, cfg config.RelayConfig) *Router {
	return &Router{
		registry: registry,
		relay:    upstream,
		cfg:      cfg,
	}
}

// RouteInbound handles one client frame. Protocol violations produce an
// ERROR frame for the offending session and a *stomp.ProtocolError
// return; the caller decides whether the session survives (a violation
// before the STOMP handshake completes is fatal).
func (r *Router) RouteInbound(sess *session.Session, f *frame.Frame) error {
	sess.Touch()
	metrics.RecordFrame("inbound", f.Command)

	if err := stomp.ValidateClient(f); err != nil {
		return r.protocolError(sess, err)
	}

	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		return r.handleConnect(sess, f)
	case frame.SUBSCRIBE:
		return r.handleSubscribe(sess, f)
	case frame.UNSUBSCRIBE:
		return r.handleUnsubscribe(sess, f)
	case frame.SEND:
		return r.handleSend(sess, f)
	case frame.DISCONNECT:
		return r.handleDisconnect(sess, f)
	default:
		// ValidateClient admits only the commands above.
		return r.protocolError(sess, &stomp.ProtocolError{
			Kind:    stomp.ErrKindUnknownCommand,
			Message: fmt.Sprintf("unsupported command %q", f.Command),
		})
	}
}

func (r *Router) handleConnect(sess *session.Session, f *frame.Frame) error {
	if sess.Connected() {
		return r.protocolError(sess, &stomp.ProtocolError{
			Kind:    stomp.ErrKindMalformed,
			Message: "session already connected",
		})
	}

	sess.MarkConnected()
	sess.Deliver(stomp.NewConnected(sess.ID, r.cfg.Heartbeat.Milliseconds()))
	logging.Debug().
		Str("session_id", sess.ID).
		Str("principal", sess.Principal).
		Str("accept_version", f.Header.Get(frame.AcceptVersion)).
		Msg("stomp session connected")
	return nil
}

func (r *Router) handleSubscribe(sess *session.Session, f *frame.Frame) error {
	if err := r.requireConnected(sess); err != nil {
		return err
	}

	dest := f.Header.Get(frame.Destination)
	id := f.Header.Get(frame.Id)
	sess.AddSubscription(id, dest)

	switch {
	case stomp.IsUserDestination(dest):
		// Per-principal destinations are served locally off the shared
		// broadcast subscription; nothing to establish upstream.
	case stomp.IsBrokerDestination(dest):
		if err := r.relay.Subscribe(dest); err != nil {
			// The reference is registered; the relay replays it once the
			// broker is back. The client keeps its subscription.
			logging.Warn().Err(err).
				Str("session_id", sess.ID).
				Str("destination", dest).
				Msg("upstream subscribe deferred")
		}
	}

	logging.Debug().
		Str("session_id", sess.ID).
		Str("destination", dest).
		Str("subscription_id", id).
		Msg("subscription added")
	return nil
}

func (r *Router) handleUnsubscribe(sess *session.Session, f *frame.Frame) error {
	if err := r.requireConnected(sess); err != nil {
		return err
	}

	id := f.Header.Get(frame.Id)
	dest, ok := sess.RemoveSubscription(id)
	if !ok {
		return r.protocolError(sess, &stomp.ProtocolError{
			Kind:    stomp.ErrKindMissingID,
			Message: fmt.Sprintf("unknown subscription id %q", id),
		})
	}

	if stomp.IsBrokerDestination(dest) {
		r.relay.Unsubscribe(dest)
	}
	return nil
}

func (r *Router) handleSend(sess *session.Session, f *frame.Frame) error {
	if err := r.requireConnected(sess); err != nil {
		return err
	}

	dest := f.Header.Get(frame.Destination)
	contentType := f.Header.Get(frame.ContentType)

	var err error
	switch {
	case stomp.IsAppDestination(dest):
		stripped, ok := stomp.StripAppPrefix(dest)
		if !ok {
			return r.protocolError(sess, &stomp.ProtocolError{
				Kind:    stomp.ErrKindMissingDestination,
				Message: fmt.Sprintf("destination %q has no path after the app prefix", dest),
			})
		}
		err = r.relay.Send(stripped, contentType, f.Body, map[string]string{
			stomp.PrincipalHeader: sess.Principal,
		})

	case stomp.IsUserDestination(dest):
		principal, suffix, ok := stomp.ParseUserDestination(dest)
		if !ok {
			return r.protocolError(sess, &stomp.ProtocolError{
				Kind:    stomp.ErrKindMissingDestination,
				Message: fmt.Sprintf("malformed user destination %q", dest),
			})
		}
		if principal == "" {
			// No target embedded: the sender addresses itself.
			principal = sess.Principal
		}
		err = r.relay.SendToUser(stomp.UserDestination(principal, suffix), contentType, f.Body)

	case stomp.IsBrokerDestination(dest):
		err = r.relay.Send(dest, contentType, f.Body, nil)

	default:
		return r.protocolError(sess, &stomp.ProtocolError{
			Kind:    stomp.ErrKindMissingDestination,
			Message: fmt.Sprintf("unroutable destination %q", dest),
		})
	}

	if err != nil {
		if errors.Is(err, relay.ErrUnavailable) {
			sess.Deliver(stomp.NewError("broker unavailable", "the message broker is not reachable, try again later"))
			return err
		}
		sess.Deliver(stomp.NewError("send failed", "the message could not be forwarded"))
		return err
	}
	return nil
}

func (r *Router) handleDisconnect(sess *session.Session, f *frame.Frame) error {
	if receipt := f.Header.Get(frame.Receipt); receipt != "" {
		sess.Deliver(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
	}

	r.ReleaseSession(sess)
	sess.Close(session.CloseReasonClient)
	return nil
}

// ReleaseSession drops a session's upstream subscription references and
// removes it from the registry. Both the DISCONNECT path and the
// connection handler's cleanup call it; the session guarantees the
// refcounts drop once.
func (r *Router) ReleaseSession(sess *session.Session) {
	if !sess.ReleaseOnce() {
		return
	}
	for _, dest := range sess.Subscriptions() {
		if stomp.IsBrokerDestination(dest) {
			r.relay.Unsubscribe(dest)
		}
	}
	r.registry.Unbind(sess)
}

// requireConnected rejects frames sent before the CONNECT handshake.
func (r *Router) requireConnected(sess *session.Session) error {
	if sess.Connected() {
		return nil
	}
	return r.protocolError(sess, &stomp.ProtocolError{
		Kind:    stomp.ErrKindMalformed,
		Message: "frame received before CONNECT",
	})
}

// protocolError reports a violation to the offending session only.
func (r *Router) protocolError(sess *session.Session, err error) error {
	var pe *stomp.ProtocolError
	if errors.As(err, &pe) {
		metrics.RecordProtocolError(pe.Kind)
		sess.Deliver(stomp.NewError("protocol violation", pe.Message))
	}
	return err
}

// RouteOutbound delivers a broker message to client sessions. Its shape
// matches relay.MessageHandler.
func (r *Router) RouteOutbound(destination, contentType string, header *frame.Header, body []byte) {
	userDest := destination
	if orig := header.Get(stomp.OriginalDestinationHeader); orig != "" {
		userDest = orig
	}

	if stomp.IsUserDestination(userDest) {
		r.deliverToUser(userDest, contentType, body)
		return
	}
	r.fanOut(destination, contentType, body)
}

// deliverToUser resolves the principal from a user destination and
// delivers to every one of its sessions. No live session is a delivery
// miss: logged and counted, nothing else.
func (r *Router) deliverToUser(userDest, contentType string, body []byte) {
	principal, suffix, ok := stomp.ParseUserDestination(userDest)
	if !ok || principal == "" {
		logging.Warn().Str("destination", userDest).Msg("unresolvable user destination")
		metrics.RecordDeliveryMiss()
		return
	}

	// Clients subscribe to the principal-relative form; the delivered
	// MESSAGE carries just the suffix, the user prefix stripped.
	subscribeDest := stomp.UserPrefix + suffix

	sessions := r.registry.SessionsFor(principal)
	if len(sessions) == 0 {
		logging.Debug().
			Str("principal", principal).
			Str("destination", subscribeDest).
			Msg("no session for user destination")
		metrics.RecordDeliveryMiss()
		return
	}

	delivered := false
	for _, sess := range sessions {
		subID, ok := sess.SubscriptionFor(subscribeDest)
		if !ok {
			// The session exists but never subscribed; skip it quietly.
			continue
		}
		sess.Deliver(stomp.NewMessage(suffix, subID, uuid.New().String(), contentType, body))
		delivered = true
	}
	if delivered {
		metrics.RecordDelivery()
	} else {
		metrics.RecordDeliveryMiss()
	}
}

// fanOut delivers a plain broker message to every session subscribed to
// its destination.
func (r *Router) fanOut(destination, contentType string, body []byte) {
	delivered := false
	for _, sess := range r.registry.All() {
		subID, ok := sess.SubscriptionFor(destination)
		if !ok {
			continue
		}
		sess.Deliver(stomp.NewMessage(destination, subID, uuid.New().String(), contentType, body))
		delivered = true
	}
	if delivered {
		metrics.RecordDelivery()
	}
}

// SendToUser injects a message for a principal from the HTTP trigger
// side. An empty destination falls back to the configured user queue.
func (r *Router) SendToUser(principal, destination string, body []byte) error {
	if destination == "" {
		destination = r.cfg.UserQueueSuffix
	}
	return r.relay.SendToUser(stomp.UserDestination(principal, destination), "text/plain", body)
}
