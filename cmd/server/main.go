// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

// Package main is the entry point for the stompgate server.
//
// Stompgate terminates WebSocket connections from browser clients,
// speaks STOMP with them, and relays their traffic over a single shared
// connection to a message broker (RabbitMQ, ActiveMQ, or anything else
// with a STOMP listener). Frames addressed to /user destinations are
// rewritten per principal so server code can message "a user" without
// knowing which gateway node holds their sessions.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: environment variables and optional YAML (Koanf v2)
//  2. Principal resolver: header, jwt, basic, or fixed mode
//  3. Session registry: principal -> live sessions
//  4. Broker relay client: the shared upstream STOMP connection
//  5. Frame router: client frames in, broker messages out
//  6. HTTP surface: /ws, /ws/stream, push trigger, health, metrics
//  7. Supervisor tree: relay client, session janitor, HTTP server
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, config file (CONFIG_PATH),
// built-in defaults.
//
// Minimal broker setup:
//
//	export STOMP_SERVER=rabbitmq.internal
//	export STOMP_PORT=61613
//	export STOMP_USERNAME=gateway
//	export STOMP_PASSWORD=secret
//	./stompgate
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM: the HTTP
// server drains in-flight requests, every client session is closed, and
// the relay disconnects from the broker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/lijian0706/stompgate/internal/api"
	"github.com/lijian0706/stompgate/internal/auth"
	"github.com/lijian0706/stompgate/internal/config"
	"github.com/lijian0706/stompgate/internal/logging"
	"github.com/lijian0706/stompgate/internal/relay"
	"github.com/lijian0706/stompgate/internal/router"
	"github.com/lijian0706/stompgate/internal/session"
	"github.com/lijian0706/stompgate/internal/supervisor"
	"github.com/lijian0706/stompgate/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("broker", cfg.Relay.Addr()).
		Str("auth_mode", cfg.Auth.Mode).
		Str("send_policy", string(cfg.Relay.SendPolicy)).
		Msg("Starting stompgate")

	resolver, err := auth.NewResolver(cfg.Auth)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build principal resolver")
	}

	registry := session.NewRegistry()

	// The relay and the router reference each other: the relay hands
	// broker messages to the router, the router hands client sends to
	// the relay. The relay is built first with a late-bound handler;
	// nothing flows until the supervisor starts it, by which time the
	// router exists.
	var frameRouter *router.Router
	relayClient := relay.NewClient(cfg.Relay, func(destination, contentType string, header *frame.Header, body []byte) {
		frameRouter.RouteOutbound(destination, contentType, header, body)
	})
	frameRouter = router.New(registry, relayClient, cfg.Relay)

	handler := api.NewHandler(cfg, resolver, registry, frameRouter, relayClient)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Setup(handler, cfg),
		ReadHeaderTimeout: cfg.Auth.HandshakeTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddRelayService(services.NewRelayService(relayClient))
	tree.AddRelayService(services.NewJanitorService(registry, cfg.Session.IdleTimeout))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, cfg.Server.ShutdownTimeout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("listen", cfg.Server.Addr()).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	// The HTTP server has drained; sessions still holding WebSocket or
	// stream connections get closed now.
	registry.CloseAll()

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Gateway stopped gracefully")
}
