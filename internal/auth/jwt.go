// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the principal identity inside a gateway token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTResolver authenticates requests bearing an HS256-signed JWT, either
// in the Authorization header ("Bearer <token>") or, for browser
// WebSocket clients that cannot set headers, in an access_token query
// parameter.
//
// The secret is stored as []byte and must be at least 32 characters.
// Tokens with any signing algorithm other than HMAC are rejected to
// prevent algorithm confusion attacks.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver validating tokens against secret.
func NewJWTResolver(secret string) (*JWTResolver, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}
	return &JWTResolver{secret: []byte(secret)}, nil
}

func (j *JWTResolver) Resolve(r *http.Request) (string, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		return "", authErrorf("missing bearer token")
	}

	claims, err := j.validate(tokenString)
	if err != nil {
		return "", authErrorf("invalid token")
	}

	principal := claims.Username
	if principal == "" {
		principal = claims.Subject
	}
	if principal == "" {
		return "", authErrorf("token carries no principal")
	}
	return principal, nil
}

// validate parses and verifies the token. The error detail is kept out
// of resolver responses so token contents never reach clients or logs.
func (j *JWTResolver) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// bearerToken extracts the token from the Authorization header or the
// access_token query parameter, preferring the header.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}
