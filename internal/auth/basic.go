// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// BasicResolver authenticates requests with HTTP Basic credentials
// against a single configured user. The passcode is configured as a
// bcrypt hash, never in the clear.
type BasicResolver struct {
	username     string
	passcodeHash []byte
}

// NewBasicResolver creates a resolver for the given username and bcrypt
// passcode hash. The hash is validated up front so a mistyped config
// fails at startup rather than on the first login.
func NewBasicResolver(username, passcodeHash string) (*BasicResolver, error) {
	if username == "" {
		return nil, fmt.Errorf("basic auth username is required")
	}
	if _, err := bcrypt.Cost([]byte(passcodeHash)); err != nil {
		return nil, fmt.Errorf("basic auth passcode hash is not a valid bcrypt hash: %w", err)
	}

	return &BasicResolver{
		username:     username,
		passcodeHash: []byte(passcodeHash),
	}, nil
}

func (b *BasicResolver) Resolve(r *http.Request) (string, error) {
	username, passcode, ok := r.BasicAuth()
	if !ok {
		return "", authErrorf("missing basic auth credentials")
	}

	// Both comparisons run unconditionally so a wrong username takes
	// the same time as a wrong passcode.
	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(b.username)) == 1
	passcodeMatch := bcrypt.CompareHashAndPassword(b.passcodeHash, []byte(passcode)) == nil

	if !usernameMatch || !passcodeMatch {
		return "", authErrorf("invalid credentials")
	}

	return username, nil
}

// WWWAuthenticate returns the challenge header value for 401 responses.
func (b *BasicResolver) WWWAuthenticate() string {
	return `Basic realm="stompgate", charset="UTF-8"`
}
