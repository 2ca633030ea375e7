// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

// Package auth resolves the principal identity of an HTTP request before
// the WebSocket upgrade. Resolution always happens pre-upgrade: a request
// with no resolvable principal is rejected with 401 and no session is
// ever created for it.
package auth

import (
	"fmt"
	"net/http"

	"github.com/lijian0706/stompgate/internal/config"
)

// AuthError reports a request that carries no resolvable identity.
// Callers translate it into a 401 response. The reason is safe to log;
// it never contains credential material.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

func authErrorf(format string, args ...interface{}) *AuthError {
	return &AuthError{Reason: fmt.Sprintf(format, args...)}
}

// PrincipalResolver extracts the authenticated principal from a request.
// Implementations must not log credential material.
type PrincipalResolver interface {
	// Resolve returns the principal name for the request, or *AuthError
	// when the request carries no valid identity.
	Resolve(r *http.Request) (string, error)
}

// NewResolver builds the resolver selected by the auth configuration.
func NewResolver(cfg config.AuthConfig) (PrincipalResolver, error) {
	switch cfg.Mode {
	case "header":
		return NewHeaderResolver(cfg.PrincipalHeader), nil
	case "jwt":
		return NewJWTResolver(cfg.JWTSecret)
	case "basic":
		return NewBasicResolver(cfg.BasicUsername, cfg.BasicPasscodeHash)
	case "fixed":
		return NewFixedResolver(cfg.FixedPrincipal)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// HeaderResolver trusts an identity header set by an upstream proxy.
// It must only be used behind a proxy that strips the header from
// client-supplied requests.
type HeaderResolver struct {
	header string
}

// NewHeaderResolver returns a resolver reading the given header.
func NewHeaderResolver(header string) *HeaderResolver {
	return &HeaderResolver{header: header}
}

func (h *HeaderResolver) Resolve(r *http.Request) (string, error) {
	principal := r.Header.Get(h.header)
	if principal == "" {
		return "", authErrorf("missing %s header", h.header)
	}
	return principal, nil
}

// FixedResolver assigns every request the same principal. Intended for
// development and single-user deployments.
type FixedResolver struct {
	principal string
}

// NewFixedResolver returns a resolver that always yields principal.
func NewFixedResolver(principal string) (*FixedResolver, error) {
	if principal == "" {
		return nil, fmt.Errorf("fixed principal is required")
	}
	return &FixedResolver{principal: principal}, nil
}

func (f *FixedResolver) Resolve(_ *http.Request) (string, error) {
	return f.principal, nil
}
