// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package stomp

import "strings"

// Destination prefixes. /app destinations are handled by the gateway and
// have the prefix stripped before relaying; /topic and /queue pass through
// to the broker; /user destinations are rewritten per principal.
const (
	AppPrefix   = "/app"
	TopicPrefix = "/topic"
	QueuePrefix = "/queue"
	UserPrefix  = "/user"
)

// OriginalDestinationHeader carries the client-visible user destination on
// frames the relay publishes to the shared user broadcast topic, so the
// receiving gateway instance can resolve the target principal.
const OriginalDestinationHeader = "x-original-destination"

// PrincipalHeader tags frames forwarded from /app destinations with the
// sending session's principal.
const PrincipalHeader = "x-principal"

// IsAppDestination reports whether dest is addressed to the gateway itself.
func IsAppDestination(dest string) bool {
	return hasPathPrefix(dest, AppPrefix)
}

// IsUserDestination reports whether dest is a per-principal destination.
func IsUserDestination(dest string) bool {
	return hasPathPrefix(dest, UserPrefix)
}

// IsBrokerDestination reports whether dest passes through to the broker
// unchanged.
func IsBrokerDestination(dest string) bool {
	return hasPathPrefix(dest, TopicPrefix) || hasPathPrefix(dest, QueuePrefix)
}

// StripAppPrefix removes the /app prefix from dest. The second return is
// false when dest is not an /app destination.
func StripAppPrefix(dest string) (string, bool) {
	if !IsAppDestination(dest) {
		return dest, false
	}
	rest := dest[len(AppPrefix):]
	if rest == "" {
		return "", false
	}
	return rest, true
}

// ParseUserDestination splits a /user destination into principal and the
// principal-relative suffix: "/user/alice/queue/greetings" yields
// ("alice", "/queue/greetings"). The suffix form "/user/queue/greetings"
// (no embedded principal, as sent by a subscribing client) yields
// ("", "/queue/greetings").
func ParseUserDestination(dest string) (principal, suffix string, ok bool) {
	if !IsUserDestination(dest) {
		return "", "", false
	}
	rest := dest[len(UserPrefix):]
	if rest == "" || rest == "/" {
		return "", "", false
	}

	// rest is "/segment..." here
	seg := rest[1:]
	slash := strings.IndexByte(seg, '/')
	if slash < 0 {
		return "", "", false
	}

	head, tail := seg[:slash], seg[slash:]
	if head == "queue" || head == "topic" {
		// Client-side subscription form: no principal embedded.
		return "", rest, true
	}
	return head, tail, true
}

// UserDestination builds the canonical per-principal destination:
// UserDestination("alice", "/queue/greetings") yields
// "/user/alice/queue/greetings". The suffix must be slash-rooted.
func UserDestination(principal, suffix string) string {
	return UserPrefix + "/" + principal + suffix
}

// hasPathPrefix reports whether dest equals prefix or begins with
// prefix + "/". This avoids matching "/topical" against "/topic".
func hasPathPrefix(dest, prefix string) bool {
	if !strings.HasPrefix(dest, prefix) {
		return false
	}
	return len(dest) == len(prefix) || dest[len(prefix)] == '/'
}
