// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus Metrics Integration for Production Observability
// This package provides instrumentation for:
// - Client session lifecycle and frame throughput
// - Broker relay connection state and reconnects
// - User-destination delivery outcomes
// - Push trigger endpoint results
// - API endpoint latency and throughput

var (
	// Session Metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_sessions",
			Help: "Current number of connected client sessions",
		},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_sessions_total",
			Help: "Total number of client sessions by transport",
		},
		[]string{"transport"}, // "websocket", "streaming"
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_session_duration_seconds",
			Help:    "Duration of client sessions in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		},
	)

	SessionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_sessions_evicted_total",
			Help: "Total number of sessions closed by the gateway",
		},
		[]string{"reason"}, // "idle", "protocol_error", "slow_consumer", "shutdown"
	)

	// Frame Metrics
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stomp_frames_total",
			Help: "Total number of STOMP frames by direction and command",
		},
		[]string{"direction", "command"}, // direction: "inbound", "outbound"
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_protocol_errors_total",
			Help: "Total number of STOMP protocol violations from clients",
		},
		[]string{"kind"},
	)

	InboundRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_inbound_rate_limited_total",
			Help: "Total number of inbound frames dropped by the per-session rate limiter",
		},
	)

	// Relay Metrics
	RelayState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_relay_state",
			Help: "Broker relay connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		},
	)

	RelayReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_relay_reconnects_total",
			Help: "Total number of broker relay reconnect attempts",
		},
	)

	RelaySendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_relay_send_failures_total",
			Help: "Total number of frames that could not be forwarded to the broker",
		},
		[]string{"reason"}, // "disconnected", "timeout", "write_error", "breaker_open"
	)

	RelaySubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_relay_subscriptions",
			Help: "Current number of active broker subscriptions held by the relay",
		},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_relay_circuit_breaker_state",
			Help: "Relay circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Delivery Metrics
	DeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_user_deliveries_total",
			Help: "Total number of MESSAGE frames delivered to user sessions",
		},
	)

	DeliveryMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_user_delivery_misses_total",
			Help: "Total number of user-destined messages with no connected session",
		},
	)

	// Push Trigger Metrics
	PushRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_push_requests_total",
			Help: "Total number of push trigger requests by outcome",
		},
		[]string{"outcome"}, // "accepted", "invalid", "unavailable"
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_api_active_requests",
			Help: "Current number of in-flight API requests",
		},
	)
)

// RecordSessionOpened increments the session gauges for a new session.
func RecordSessionOpened(transport string) {
	ActiveSessions.Inc()
	SessionsTotal.WithLabelValues(transport).Inc()
}

// RecordSessionClosed records a session ending after the given lifetime.
func RecordSessionClosed(lifetime time.Duration) {
	ActiveSessions.Dec()
	SessionDuration.Observe(lifetime.Seconds())
}

// RecordSessionEvicted records a session closed by the gateway rather than
// the client.
func RecordSessionEvicted(reason string) {
	SessionsEvicted.WithLabelValues(reason).Inc()
}

// RecordFrame records a STOMP frame crossing the gateway. Direction is
// "inbound" (client to broker) or "outbound" (broker to client).
func RecordFrame(direction, command string) {
	FramesTotal.WithLabelValues(direction, command).Inc()
}

// RecordProtocolError records a client protocol violation.
func RecordProtocolError(kind string) {
	ProtocolErrors.WithLabelValues(kind).Inc()
}

// SetRelayState updates the relay state gauge.
func SetRelayState(state int) {
	RelayState.Set(float64(state))
}

// RecordRelaySendFailure records a frame that could not reach the broker.
func RecordRelaySendFailure(reason string) {
	RelaySendFailures.WithLabelValues(reason).Inc()
}

// RecordDelivery records a successful delivery to at least one session.
func RecordDelivery() {
	DeliveriesTotal.Inc()
}

// RecordDeliveryMiss records a user-destined message that found no session.
func RecordDeliveryMiss() {
	DeliveryMisses.Inc()
}

// RecordPushRequest records a push trigger outcome.
func RecordPushRequest(outcome string) {
	PushRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordAPIRequest records metrics for an API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	APIRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the active request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
