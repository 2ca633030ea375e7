// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/stompgate/config.yaml",
	"/etc/stompgate/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			Host:           "",
			Port:           61613,
			ClientLogin:    "guest",
			ClientPasscode: "guest",
			// System credentials default to the client pair; see
			// applyCredentialDefaults.
			SystemLogin:              "",
			SystemPasscode:           "",
			VirtualHost:              "/",
			UserQueueSuffix:          "/queue/greetings",
			UserBroadcastDestination: "/topic/unresolved-user-destination",
			SendPolicy:               SendPolicyFailFast,
			SendTimeout:              5 * time.Second,
			ConnectTimeout:           10 * time.Second,
			ReconnectInitial:         500 * time.Millisecond,
			ReconnectMax:             30 * time.Second,
			Heartbeat:                10 * time.Second,
		},
		Auth: AuthConfig{
			Mode:             "header",
			PrincipalHeader:  "X-Forwarded-User",
			HandshakeTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:    5 * time.Minute,
			MaxMessageSize: 512 * 1024, // 512 KB
			InboundRate:    100,
			InboundBurst:   200,
		},
		Security: SecurityConfig{
			CORSOrigins:       []string{"*"},
			TriggerRateLimit:  100,
			TriggerRateWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if present)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.Relay.applyCredentialDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices when
// they arrive as strings from environment variables.
var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// The STOMP_* names are kept for parity with the original deployment's
// stomp.* property prefix.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_host":        "server.host",
		"http_port":        "server.port",
		"shutdown_timeout": "server.shutdown_timeout",

		// Relay mappings (STOMP_SERVER/PORT/USERNAME/PASSWORD retained
		// from the legacy property names)
		"stomp_server":            "relay.host",
		"stomp_port":              "relay.port",
		"stomp_username":          "relay.client_login",
		"stomp_password":          "relay.client_passcode",
		"relay_host":              "relay.host",
		"relay_port":              "relay.port",
		"relay_client_login":      "relay.client_login",
		"relay_client_passcode":   "relay.client_passcode",
		"relay_system_login":      "relay.system_login",
		"relay_system_passcode":   "relay.system_passcode",
		"relay_virtual_host":      "relay.virtual_host",
		"relay_user_queue_suffix": "relay.user_queue_suffix",
		"relay_user_broadcast":    "relay.user_broadcast_destination",
		"relay_send_policy":       "relay.send_policy",
		"relay_send_timeout":      "relay.send_timeout",
		"relay_connect_timeout":   "relay.connect_timeout",
		"relay_reconnect_initial": "relay.reconnect_initial",
		"relay_reconnect_max":     "relay.reconnect_max",
		"relay_heartbeat":         "relay.heartbeat",

		// Auth mappings
		"auth_mode":             "auth.mode",
		"auth_fixed_principal":  "auth.fixed_principal",
		"auth_principal_header": "auth.principal_header",
		"jwt_secret":            "auth.jwt_secret",
		"basic_username":        "auth.basic_username",
		"basic_passcode_hash":   "auth.basic_passcode_hash",
		"handshake_timeout":     "auth.handshake_timeout",

		// Session mappings
		"session_idle_timeout":     "session.idle_timeout",
		"session_max_message_size": "session.max_message_size",
		"session_inbound_rate":     "session.inbound_rate",
		"session_inbound_burst":    "session.inbound_burst",

		// Security mappings
		"cors_origins":        "security.cors_origins",
		"trigger_rate_limit":  "security.trigger_rate_limit",
		"trigger_rate_window": "security.trigger_rate_window",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unmapped keys are skipped so random environment variables do not
	// pollute the config.
	return ""
}
