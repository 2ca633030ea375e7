// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package relay

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential doubling from Initial
// up to Max, with up to 25% random jitter so a fleet of gateways does
// not reconnect to a recovering broker in lockstep.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// Next returns the delay for the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	b.attempt++

	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	d += jitter
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Reset restarts the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
