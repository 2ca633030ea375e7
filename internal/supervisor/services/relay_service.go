// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package services

import (
	"context"
)

// RelayRunner matches the relay client's Serve loop.
type RelayRunner interface {
	Serve(ctx context.Context) error
}

// RelayService supervises the broker relay client. The client already
// reconnects internally; supervision covers the cases where the loop
// itself gives up or panics.
type RelayService struct {
	client RelayRunner
}

// NewRelayService wraps the relay client as a supervised service.
func NewRelayService(client RelayRunner) *RelayService {
	return &RelayService{client: client}
}

// Serve implements suture.Service.
func (s *RelayService) Serve(ctx context.Context) error {
	return s.client.Serve(ctx)
}

func (s *RelayService) String() string {
	return "broker-relay"
}
