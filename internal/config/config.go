// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

// Package config loads and validates stompgate configuration.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, optional YAML config file,
// built-in defaults. See koanf.go for the environment variable map.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Relay    RelayConfig    `koanf:"relay"`
	Auth     AuthConfig     `koanf:"auth"`
	Session  SessionConfig  `koanf:"session"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// SendPolicy selects how relay sends behave while the upstream connection
// is down or reconnecting.
type SendPolicy string

const (
	// SendPolicyFailFast makes sends fail immediately with a relay
	// unavailable error while the connection is down.
	SendPolicyFailFast SendPolicy = "fail_fast"

	// SendPolicyBlock makes sends wait up to SendTimeout for the
	// connection to come back before failing.
	SendPolicyBlock SendPolicy = "block"
)

// RelayConfig holds the upstream STOMP broker relay settings.
//
// SystemLogin/SystemPasscode authenticate the shared broker connection.
// When not set explicitly they default to ClientLogin/ClientPasscode, so
// the legacy STOMP_USERNAME/STOMP_PASSWORD variables configure a single
// credential pair that serves both roles. All four are secrets and are
// never logged.
type RelayConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	ClientLogin    string `koanf:"client_login"`
	ClientPasscode string `koanf:"client_passcode"`
	SystemLogin    string `koanf:"system_login"`
	SystemPasscode string `koanf:"system_passcode"`
	VirtualHost    string `koanf:"virtual_host"`

	// UserQueueSuffix is the default per-user destination the push trigger
	// targets when the request does not name one.
	UserQueueSuffix string `koanf:"user_queue_suffix"`

	// UserBroadcastDestination is the broker topic all gateway nodes
	// subscribe to for user-destined frames.
	UserBroadcastDestination string `koanf:"user_broadcast_destination"`

	SendPolicy       SendPolicy    `koanf:"send_policy"`
	SendTimeout      time.Duration `koanf:"send_timeout"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout"`
	ReconnectInitial time.Duration `koanf:"reconnect_initial"`
	ReconnectMax     time.Duration `koanf:"reconnect_max"`
	Heartbeat        time.Duration `koanf:"heartbeat"`
}

// Addr returns the broker address in host:port form.
func (r RelayConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// AuthConfig holds principal resolution settings for the handshake.
type AuthConfig struct {
	// Mode selects the principal resolver: header, jwt, basic, fixed.
	Mode string `koanf:"mode"`

	// FixedPrincipal is the identity assigned to every session in fixed
	// mode. Intended for testing and single-user deployments.
	FixedPrincipal string `koanf:"fixed_principal"`

	// PrincipalHeader is the trusted header carrying the identity in
	// header mode (set by an upstream gateway).
	PrincipalHeader string `koanf:"principal_header"`

	// JWTSecret signs/verifies bearer tokens in jwt mode.
	JWTSecret string `koanf:"jwt_secret"`

	// BasicUsername and BasicPasscodeHash (bcrypt) check credentials in
	// basic mode.
	BasicUsername     string `koanf:"basic_username"`
	BasicPasscodeHash string `koanf:"basic_passcode_hash"`

	// HandshakeTimeout bounds principal resolution and the transport
	// upgrade.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// SessionConfig holds per-session limits.
type SessionConfig struct {
	// IdleTimeout closes sessions with no inbound activity. Zero disables
	// the janitor.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// MaxMessageSize bounds a single inbound WebSocket message in bytes.
	MaxMessageSize int64 `koanf:"max_message_size"`

	// InboundRate and InboundBurst bound per-session inbound frame rate.
	InboundRate  float64 `koanf:"inbound_rate"`
	InboundBurst int     `koanf:"inbound_burst"`
}

// SecurityConfig holds HTTP-surface protections.
type SecurityConfig struct {
	CORSOrigins       []string      `koanf:"cors_origins"`
	TriggerRateLimit  int           `koanf:"trigger_rate_limit"`
	TriggerRateWindow time.Duration `koanf:"trigger_rate_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// applyCredentialDefaults fills the system credentials from the client
// pair when they were not set explicitly. Load calls this before
// validation so the broker dial sees the same credentials a legacy
// single-pair deployment configured.
func (r *RelayConfig) applyCredentialDefaults() {
	if r.SystemLogin == "" {
		r.SystemLogin = r.ClientLogin
	}
	if r.SystemPasscode == "" {
		r.SystemPasscode = r.ClientPasscode
	}
}

// Validate checks the configuration for values that would prevent startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Relay.Host == "" {
		return fmt.Errorf("relay.host is required")
	}
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port %d out of range", c.Relay.Port)
	}
	if c.Relay.SendPolicy != SendPolicyFailFast && c.Relay.SendPolicy != SendPolicyBlock {
		return fmt.Errorf("relay.send_policy must be %q or %q, got %q",
			SendPolicyFailFast, SendPolicyBlock, c.Relay.SendPolicy)
	}
	if c.Relay.SendPolicy == SendPolicyBlock && c.Relay.SendTimeout <= 0 {
		return fmt.Errorf("relay.send_timeout must be positive with send_policy=block")
	}
	if c.Relay.ReconnectInitial <= 0 || c.Relay.ReconnectMax < c.Relay.ReconnectInitial {
		return fmt.Errorf("relay reconnect backoff bounds invalid: initial=%s max=%s",
			c.Relay.ReconnectInitial, c.Relay.ReconnectMax)
	}

	switch c.Auth.Mode {
	case "fixed":
		if c.Auth.FixedPrincipal == "" {
			return fmt.Errorf("auth.fixed_principal is required with auth.mode=fixed")
		}
	case "header":
		if c.Auth.PrincipalHeader == "" {
			return fmt.Errorf("auth.principal_header is required with auth.mode=header")
		}
	case "jwt":
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
	case "basic":
		if c.Auth.BasicUsername == "" || c.Auth.BasicPasscodeHash == "" {
			return fmt.Errorf("auth.basic_username and auth.basic_passcode_hash are required with auth.mode=basic")
		}
	default:
		return fmt.Errorf("auth.mode must be one of header, jwt, basic, fixed; got %q", c.Auth.Mode)
	}

	if c.Session.MaxMessageSize <= 0 {
		return fmt.Errorf("session.max_message_size must be positive")
	}

	return nil
}
