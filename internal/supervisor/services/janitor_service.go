// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package services

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
)

// SessionJanitor matches the registry's idle-reaping loop.
type SessionJanitor interface {
	RunJanitor(ctx context.Context, idleTimeout time.Duration) error
}

// JanitorService supervises the session registry's idle sweep. With a
// zero timeout the janitor is disabled and the service parks itself so
// suture does not restart-loop it.
type JanitorService struct {
	registry    SessionJanitor
	idleTimeout time.Duration
}

// NewJanitorService wraps the registry janitor as a supervised service.
func NewJanitorService(registry SessionJanitor, idleTimeout time.Duration) *JanitorService {
	return &JanitorService{registry: registry, idleTimeout: idleTimeout}
}

// Serve implements suture.Service.
func (s *JanitorService) Serve(ctx context.Context) error {
	if s.idleTimeout <= 0 {
		<-ctx.Done()
		return suture.ErrDoNotRestart
	}
	return s.registry.RunJanitor(ctx, s.idleTimeout)
}

func (s *JanitorService) String() string {
	return "session-janitor"
}
