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

package identity

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatewarden/gatewarden"
	logutils "github.com/gatewarden/gatewarden/lib/utils/log"
)

var log = logutils.NewPackageLogger(gatewarden.ComponentKey, gatewarden.ComponentIdentity)

// ResolveParams carry the config slice the waterfall needs. Callers hand in
// the values from the current merged snapshot.
type ResolveParams struct {
	// Order lists the steps to walk, first match wins. Unknown step names
	// are skipped.
	Order []string
	// JWTSecret verifies bearer token signatures when set. When empty the
	// token payload is decoded without verification, which is only
	// acceptable in development setups.
	JWTSecret string
}

// Resolve walks the waterfall and returns exactly one identity. A failure
// inside one step falls through to the next, never errors out; when every
// step comes up empty the anonymous identity is returned.
func Resolve(r *http.Request, params ResolveParams) Identity {
	for _, step := range params.Order {
		switch step {
		case StepTokenSub:
			if sub, ok := tokenSubject(r, params.JWTSecret); ok {
				return Identity{Kind: KindToken, Value: sub}
			}
		case StepSessionCookie:
			if session, ok := sessionID(r); ok {
				return Identity{Kind: KindSession, Value: session}
			}
		case StepIP:
			if ip, ok := ClientIP(r); ok {
				return FromIP(ip)
			}
		default:
			log.WarnContext(r.Context(), "Skipping unknown identity step", "step", step)
		}
	}
	return Anonymous()
}

// hmacMethods limits token verification to the HMAC family; the shared
// secret config cannot verify anything else.
var hmacMethods = []string{"HS256", "HS384", "HS512"}

// tokenSubject extracts the sub claim from an Authorization bearer token.
// With a secret configured the signature and standard claims must verify;
// otherwise the payload is decoded as-is.
func tokenSubject(r *http.Request, secret string) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	raw := strings.TrimSpace(auth[len(prefix):])

	var claims jwt.MapClaims
	if secret != "" {
		parser := jwt.NewParser(jwt.WithValidMethods(hmacMethods))
		token, err := parser.Parse(raw, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return "", false
		}
		claims, _ = token.Claims.(jwt.MapClaims)
	} else {
		token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
		if err != nil {
			return "", false
		}
		claims, _ = token.Claims.(jwt.MapClaims)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

// sessionID extracts the first non-empty session cookie value.
func sessionID(r *http.Request) (string, bool) {
	for _, cookie := range r.Cookies() {
		if cookie.Name == SessionCookieName && cookie.Value != "" {
			return cookie.Value, true
		}
	}
	return "", false
}

// proxyHeaders are consulted in order before the transport peer address.
var proxyHeaders = []string{"X-Forwarded-For", "X-Real-Ip", "Cf-Connecting-Ip"}

// ClientIP extracts the client address of a request: the leftmost
// X-Forwarded-For entry, then X-Real-IP, then CF-Connecting-IP, then the
// transport peer with any port stripped.
func ClientIP(r *http.Request) (string, bool) {
	for _, header := range proxyHeaders {
		value := strings.TrimSpace(r.Header.Get(header))
		if value == "" {
			continue
		}
		if comma := strings.IndexByte(value, ','); comma >= 0 {
			value = strings.TrimSpace(value[:comma])
		}
		if value != "" {
			return value, true
		}
	}
	if r.RemoteAddr == "" {
		return "", false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// Peer addresses without a port are used verbatim.
		host = r.RemoteAddr
	}
	if host == "" {
		return "", false
	}
	return host, true
}
