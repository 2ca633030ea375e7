// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package session

import (
	"context"
	"sync"
	"time"

	"github.com/lijian0706/stompgate/internal/logging"
	"github.com/lijian0706/stompgate/internal/metrics"
)

// Registry maps principals to their live sessions. One principal may
// hold several sessions (multiple tabs, multiple devices); delivering
// to a principal means delivering to every session in its bucket.
type Registry struct {
	mu          sync.RWMutex
	byPrincipal map[string]map[*Session]struct{}
	byID        map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPrincipal: make(map[string]map[*Session]struct{}),
		byID:        make(map[string]*Session),
	}
}

// Bind registers a session under its principal.
func (r *Registry) Bind(s *Session) {
	r.mu.Lock()
	bucket, ok := r.byPrincipal[s.Principal]
	if !ok {
		bucket = make(map[*Session]struct{})
		r.byPrincipal[s.Principal] = bucket
	}
	bucket[s] = struct{}{}
	r.byID[s.ID] = s
	total := len(r.byID)
	r.mu.Unlock()

	metrics.RecordSessionOpened(s.transport.Name())
	logging.Info().
		Str("session_id", s.ID).
		Str("principal", s.Principal).
		Str("transport", s.transport.Name()).
		Int("total_sessions", total).
		Msg("session bound")
}

// Unbind removes a session. Empty principal buckets are deleted so the
// registry does not leak entries for principals that have gone away.
func (r *Registry) Unbind(s *Session) {
	r.mu.Lock()
	if bucket, ok := r.byPrincipal[s.Principal]; ok {
		delete(bucket, s)
		if len(bucket) == 0 {
			delete(r.byPrincipal, s.Principal)
		}
	}
	delete(r.byID, s.ID)
	total := len(r.byID)
	r.mu.Unlock()

	logging.Info().
		Str("session_id", s.ID).
		Str("principal", s.Principal).
		Int("total_sessions", total).
		Msg("session unbound")
}

// SessionsFor returns a snapshot of the principal's live sessions.
// The slice is safe to iterate while sessions connect and disconnect.
func (r *Registry) SessionsFor(principal string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.byPrincipal[principal]
	if len(bucket) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(bucket))
	for s := range bucket {
		sessions = append(sessions, s)
	}
	return sessions
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	return sessions
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CloseAll closes every session and empties the registry. Used during
// shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.All() {
		s.Close(CloseReasonShutdown)
		r.Unbind(s)
	}
}

// RunJanitor closes sessions idle past idleTimeout until ctx is
// canceled. It checks at a quarter of the timeout, so a session is
// reaped at most 1.25x the configured timeout after its last activity.
func (r *Registry) RunJanitor(ctx context.Context, idleTimeout time.Duration) error {
	interval := idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reapIdle(idleTimeout)
		}
	}
}

func (r *Registry) reapIdle(idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout)
	for _, s := range r.All() {
		if s.LastActive().Before(cutoff) {
			logging.Info().
				Str("session_id", s.ID).
				Str("principal", s.Principal).
				Time("last_active", s.LastActive()).
				Msg("closing idle session")
			metrics.RecordSessionEvicted(CloseReasonIdle)
			s.Close(CloseReasonIdle)
			r.Unbind(s)
		}
	}
}
