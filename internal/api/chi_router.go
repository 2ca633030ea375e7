// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lijian0706/stompgate/internal/config"
	"github.com/lijian0706/stompgate/internal/middleware"
)

// chiMiddleware adapts http.HandlerFunc middleware to Chi's
// func(http.Handler) http.Handler so it works with r.Use().
func chiMiddleware(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}

// Setup configures all HTTP routes.
//
// The handshake endpoints are mounted outside the metrics middleware:
// PrometheusMetrics wraps the ResponseWriter, which would hide the
// http.Hijacker the WebSocket upgrade needs and the http.Flusher the
// streaming transport needs.
func Setup(h *Handler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order.
	r.Use(chiMiddleware(middleware.RequestID))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{SessionIDHeader, "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// ========================
	// Handshake Endpoints
	// ========================
	// Long-lived connections; no per-request rate limiting or metrics
	// wrapping here. Frames are metered per session instead.
	r.Get("/ws", h.WebSocket)
	r.Get("/ws/stream", h.Stream)
	r.Post("/ws/send/{session}", h.StreamSend)

	// ========================
	// Push Trigger Endpoints
	// ========================
	// Rate limited per client IP to keep a misbehaving caller from
	// flooding every user's queues.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(triggerRateLimit(cfg), triggerRateWindow(cfg)))
		r.Use(chiMiddleware(middleware.PrometheusMetrics))

		r.Post("/api/v1/push", h.Push)
		r.Get("/test", h.TestGreeting)
	})

	// ========================
	// Health Endpoints
	// ========================
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(chiMiddleware(middleware.PrometheusMetrics))
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})
	// Short alias for load balancer probes.
	r.Get("/healthz", h.HealthReady)

	// ========================
	// Observability
	// ========================
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func triggerRateLimit(cfg *config.Config) int {
	if cfg.Security.TriggerRateLimit > 0 {
		return cfg.Security.TriggerRateLimit
	}
	return 60
}

func triggerRateWindow(cfg *config.Config) time.Duration {
	if cfg.Security.TriggerRateWindow > 0 {
		return cfg.Security.TriggerRateWindow
	}
	return time.Minute
}
