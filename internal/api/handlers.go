// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lijian0706/stompgate/internal/auth"
	"github.com/lijian0706/stompgate/internal/config"
	"github.com/lijian0706/stompgate/internal/logging"
	"github.com/lijian0706/stompgate/internal/metrics"
	"github.com/lijian0706/stompgate/internal/relay"
	"github.com/lijian0706/stompgate/internal/router"
	"github.com/lijian0706/stompgate/internal/session"
	"github.com/lijian0706/stompgate/internal/stomp"
	"github.com/lijian0706/stompgate/internal/validation"
)

// SessionIDHeader carries the streaming session ID so the client can
// address its inbound POSTs.
const SessionIDHeader = "X-Session-Id"

// RelayStatus exposes the relay connection state for health reporting.
type RelayStatus interface {
	State() relay.State
	Ready() bool
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	cfg      *config.Config
	resolver auth.PrincipalResolver
	registry *session.Registry
	frames   *router.Router
	relay    RelayStatus
}

// NewHandler creates the handler set.
func NewHandler(cfg *config.Config, resolver auth.PrincipalResolver, registry *session.Registry, frames *router.Router, relayStatus RelayStatus) *Handler {
	return &Handler{
		cfg:      cfg,
		resolver: resolver,
		registry: registry,
		frames:   frames,
		relay:    relayStatus,
	}
}

// getUpgrader creates a WebSocket upgrader with origin checking and a
// handshake timeout against slow clients.
func (h *Handler) getUpgrader() websocket.Upgrader {
	timeout := h.cfg.Auth.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: timeout,
	}
}

// checkWebSocketOrigin validates WebSocket connection origins.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Non-browser clients omit Origin; browsers always send it. Only an
	// origin that is present and not allowed gets rejected.
	if origin == "" {
		return true
	}

	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

// resolvePrincipal runs principal resolution before any upgrade. A
// failure writes the 401 itself and returns false.
func (h *Handler) resolvePrincipal(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, err := h.resolver.Resolve(r)
	if err != nil {
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			logging.Debug().Str("reason", authErr.Reason).Msg("handshake rejected")
		}
		if basic, ok := h.resolver.(*auth.BasicResolver); ok {
			w.Header().Set("WWW-Authenticate", basic.WWWAuthenticate())
		}
		NewResponseWriter(w, r).Unauthorized("authentication required")
		return "", false
	}
	return principal, true
}

// WebSocket handles GET /ws: principal resolution, the WebSocket
// upgrade, and the session's read loop. The handler returns when the
// client disconnects or the session closes.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.resolvePrincipal(w, r)
	if !ok {
		return
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade wrote the HTTP error already.
		logging.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	transport := session.NewWebSocketTransport(conn, h.cfg.Session.MaxMessageSize)
	sess := session.New(principal, transport, h.cfg.Session.InboundRate, h.cfg.Session.InboundBurst)
	sess.Start()
	h.registry.Bind(sess)

	h.readLoop(sess, transport)
}

// readLoop drains inbound frames until the connection or session ends.
func (h *Handler) readLoop(sess *session.Session, transport *session.WebSocketTransport) {
	defer h.frames.ReleaseSession(sess)

	for {
		f, err := transport.ReadFrame()
		if err != nil {
			if session.IsExpectedClose(err) || sess.CloseReason() != "" {
				logging.Debug().Str("session_id", sess.ID).Msg("client disconnected")
			} else {
				logging.Warn().Err(err).Str("session_id", sess.ID).Msg("read failed")
			}
			return
		}
		if f == nil {
			// Heartbeat.
			sess.Touch()
			continue
		}

		if !sess.AllowInbound() {
			metrics.RecordProtocolError("rate_limited")
			sess.Deliver(stomp.NewError("rate limit exceeded", "too many frames, slow down"))
			sess.Close(session.CloseReasonProtocolError)
			return
		}

		if err := h.frames.RouteInbound(sess, f); err != nil {
			// Before CONNECT nothing is negotiated, so a violation ends
			// the session. After CONNECT the ERROR frame already went
			// out and the session carries on.
			if !sess.Connected() {
				sess.Close(session.CloseReasonProtocolError)
				return
			}
		}

		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

// Stream handles GET /ws/stream, the fallback for clients that cannot
// open a WebSocket. The response is held open and carries outbound
// frames; inbound frames arrive through StreamSend.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.resolvePrincipal(w, r)
	if !ok {
		return
	}

	sessionID := uuid.New().String()
	w.Header().Set(SessionIDHeader, sessionID)

	transport, err := session.NewStreamTransport(w)
	if err != nil {
		NewResponseWriter(w, r).InternalError("streaming not supported")
		return
	}

	sess := session.NewWithID(sessionID, principal, transport, h.cfg.Session.InboundRate, h.cfg.Session.InboundBurst)
	sess.Start()
	h.registry.Bind(sess)

	defer h.frames.ReleaseSession(sess)

	// Hold the response open until the session ends or the client goes
	// away.
	select {
	case <-transport.Closed():
	case <-sess.Done():
	case <-r.Context().Done():
		sess.Close(session.CloseReasonClient)
	}

	// The write pump closes the transport after its final flush. The
	// ResponseWriter must not be written once this handler returns, so
	// wait for that close before unwinding.
	<-transport.Closed()
}

// StreamSend handles POST /ws/send/{session}: the inbound half of the
// streaming transport. The body is a single STOMP frame.
func (h *Handler) StreamSend(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	sess, ok := h.registry.Get(chi.URLParam(r, "session"))
	if !ok {
		rw.NotFound("unknown session")
		return
	}

	principal, ok := h.resolvePrincipal(w, r)
	if !ok {
		return
	}
	if principal != sess.Principal {
		rw.Unauthorized("session belongs to another principal")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.Session.MaxMessageSize))
	if err != nil {
		rw.BadRequest("frame too large or unreadable")
		return
	}

	f, err := stomp.Decode(body)
	if err != nil {
		metrics.RecordProtocolError("malformed_frame")
		rw.BadRequest("malformed frame")
		return
	}
	if f == nil {
		// Heartbeat keeps the session alive.
		sess.Touch()
		rw.Accepted(nil)
		return
	}

	if !sess.AllowInbound() {
		metrics.RecordProtocolError("rate_limited")
		rw.Error(http.StatusTooManyRequests, ErrCodeTooManyRequests, "rate limit exceeded")
		return
	}

	if err := h.frames.RouteInbound(sess, f); err != nil {
		if !sess.Connected() {
			sess.Close(session.CloseReasonProtocolError)
		}
		rw.BadRequest("frame rejected")
		return
	}

	rw.Accepted(nil)
}

// PushRequest is the body of the push trigger endpoint.
type PushRequest struct {
	// Username names the target principal.
	Username string `json:"username" validate:"required,min=1,max=255"`

	// Destination optionally overrides the per-user destination suffix,
	// e.g. "/queue/alerts". Empty selects the configured default.
	Destination string `json:"destination,omitempty" validate:"omitempty,stompdest"`

	// Message is the payload delivered to the user's sessions.
	Message string `json:"message" validate:"required"`
}

// Push handles POST /api/v1/push: server-initiated delivery to all of
// a user's sessions, on this node and every other gateway node via the
// broker.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req PushRequest
	if err := decodeJSONBody(r, &req); err != nil {
		metrics.RecordPushRequest("bad_request")
		rw.BadRequest("invalid JSON body")
		return
	}

	if verr := validation.ValidateStruct(&req); verr != nil {
		metrics.RecordPushRequest("invalid")
		apiErr := verr.ToAPIError()
		rw.ValidationError(apiErr.Message, apiErr.Details)
		return
	}

	err := h.frames.SendToUser(req.Username, req.Destination, []byte(req.Message))
	if err != nil {
		if errors.Is(err, relay.ErrUnavailable) {
			metrics.RecordPushRequest("relay_unavailable")
			rw.ServiceUnavailable("broker relay unavailable")
			return
		}
		metrics.RecordPushRequest("error")
		logging.Error().Err(err).Msg("push send failed")
		rw.InternalError("message could not be queued")
		return
	}

	metrics.RecordPushRequest("accepted")
	rw.Accepted(map[string]string{"username": req.Username})
}

// TestGreeting handles GET /test?username=x, a convenience trigger that
// pushes a canned greeting to the named user's default queue.
func (h *Handler) TestGreeting(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	username := r.URL.Query().Get("username")
	if username == "" {
		rw.BadRequest("username query parameter is required")
		return
	}

	err := h.frames.SendToUser(username, "", []byte("hello:"+username))
	if err != nil {
		if errors.Is(err, relay.ErrUnavailable) {
			metrics.RecordPushRequest("relay_unavailable")
			rw.ServiceUnavailable("broker relay unavailable")
			return
		}
		metrics.RecordPushRequest("error")
		rw.InternalError("greeting could not be queued")
		return
	}

	metrics.RecordPushRequest("accepted")
	rw.Accepted(map[string]string{"username": username})
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "alive"})
}

// HealthReady reports readiness: the relay connection state and the
// session count. The gateway stays ready while the relay reconnects;
// sends just fail per the configured policy.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"status":      "ready",
		"relay_state": h.relay.State().String(),
		"relay_ready": h.relay.Ready(),
		"sessions":    h.registry.Len(),
	})
}

// sanitizeLogValue strips control characters that would allow log
// injection from attacker-controlled values.
func sanitizeLogValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
