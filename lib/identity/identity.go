/*
 * Gatewarden
 * Copyright (C) 2025  Gatewarden, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package identity resolves the caller of a request into a stable identity
// key by walking a configured waterfall of extraction steps.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gatewarden/gatewarden/lib/defaults"
)

// Kind classifies how an identity was derived.
type Kind string

const (
	// KindToken identities come from a bearer token subject.
	KindToken Kind = "token"
	// KindSession identities come from a session cookie.
	KindSession Kind = "session"
	// KindIP identities come from a hashed client address.
	KindIP Kind = "ip"
	// KindAnonymous is the terminal fallback when no step produced a value.
	KindAnonymous Kind = "anonymous"
)

// Waterfall step names recognized in the identityOrder config list.
const (
	StepTokenSub      = "token-sub"
	StepSessionCookie = "session-cookie"
	StepIP            = "ip"
)

// SessionCookieName is the cookie consulted by the session step.
const SessionCookieName = "sessionId"

// Identity is the resolved caller of a request.
type Identity struct {
	Kind  Kind
	Value string
}

// Anonymous is the identity of a request no step could attribute.
func Anonymous() Identity {
	return Identity{Kind: KindAnonymous}
}

// Key returns the identity's counter key segment, `<kind>:<value>`, or the
// bare kind for anonymous identities.
func (i Identity) Key() string {
	if i.Kind == KindAnonymous {
		return string(KindAnonymous)
	}
	return string(i.Kind) + ":" + i.Value
}

// Redacted returns only the identity kind, safe for logs and headers. The
// full key never leaves the process through either.
func (i Identity) Redacted() string {
	return string(i.Kind)
}

// NormalizeIP canonicalizes a textual client address: lowercase, IPv6
// loopback mapped to its IPv4 form, IPv4-mapped IPv6 prefix stripped.
func NormalizeIP(ip string) string {
	ip = strings.ToLower(strings.TrimSpace(ip))
	if ip == "::1" {
		return "127.0.0.1"
	}
	return strings.TrimPrefix(ip, "::ffff:")
}

// HashIP returns the privacy-preserving identity value for a client
// address: the first defaults.IdentityHashLen hex characters of the
// SHA-256 digest of the normalized address.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(NormalizeIP(ip)))
	return hex.EncodeToString(sum[:])[:defaults.IdentityHashLen]
}

// FromIP builds an ip-kind identity for a raw client address.
func FromIP(ip string) Identity {
	return Identity{Kind: KindIP, Value: HashIP(ip)}
}
