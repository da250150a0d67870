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

package service

import (
	"fmt"
	"net/url"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gatewarden/gatewarden/lib/challenge"
	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/defaults"
)

// Store backend kinds.
const (
	// StoreRedis backs counters with a Redis server. The production mode.
	StoreRedis = "redis"
	// StoreMemory keeps counters in process memory. Single-instance only;
	// meant for development and tests.
	StoreMemory = "memory"
)

// Config holds everything the gatewarden process needs to start. The tool
// populates it from flags and environment variables.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string

	// StoreKind selects the counter store backend, redis or memory.
	StoreKind string

	// RedisURL is the redis:// or rediss:// connection string. Leaving it
	// empty with the redis backend selected puts the gate into the
	// misconfigured state: gated requests are refused with 503 while the
	// admin surface and health probe keep serving.
	RedisURL string

	// RedisToken overrides the password embedded in RedisURL when set.
	RedisToken string

	// BaselinePath points at the JSON baseline configuration file.
	// Optional; without it the environment-derived defaults are the only
	// layer under the overlay.
	BaselinePath string

	// UpstreamURL is the origin gated requests are proxied to after they
	// clear the gate. Optional; without it cleared requests receive 502.
	UpstreamURL string

	// VerifierURL overrides the challenge verifier endpoint. Optional.
	VerifierURL string

	// VerifierSecretKey is the server-side challenge verifier secret.
	// Verification reports misconfigured while challenges are enabled and
	// the secret is empty.
	VerifierSecretKey string

	// VerifierSiteKey is the public site key handed to clients rendering
	// the challenge widget.
	VerifierSiteKey string

	// ChallengeEnabled turns the challenge flow on.
	ChallengeEnabled bool

	// ChallengeBypassAuthenticated exempts token and session identities
	// from challenges.
	ChallengeBypassAuthenticated bool

	// ChallengeRequiredForIP requires ip-kind identities to pass a
	// challenge before their requests are metered.
	ChallengeRequiredForIP bool

	// VerificationTTLSeconds is how long a successful verification is
	// remembered. Zero keeps the built-in default.
	VerificationTTLSeconds int

	// BaseURL is the externally visible base URL of this deployment.
	// Recorded for operator visibility; the verification cache is shared
	// through the store so nothing is dispatched to it.
	BaseURL string

	// Verifier overrides the outbound verifier client. Tests use it; when
	// nil an HTTP verifier for VerifierURL is constructed.
	Verifier challenge.Verifier

	// Clock is the time source for every component. Tests use it.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf(":%d", defaults.HTTPListenPort)
	}
	switch c.StoreKind {
	case "":
		c.StoreKind = StoreRedis
	case StoreRedis, StoreMemory:
	default:
		return trace.BadParameter("unsupported store kind %q, expected %q or %q", c.StoreKind, StoreRedis, StoreMemory)
	}
	for name, raw := range map[string]string{
		"upstream URL": c.UpstreamURL,
		"verifier URL": c.VerifierURL,
		"base URL":     c.BaseURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return trace.BadParameter("invalid %s %q", name, raw)
		}
	}
	if c.VerificationTTLSeconds < 0 {
		return trace.BadParameter("verification TTL must not be negative")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// envDefaults translates the environment-derived settings into the bottom
// configuration layer. The baseline file and the overlay override it leaf
// by leaf.
func (c *Config) envDefaults() config.Document {
	doc := config.Document{
		Challenge: &config.ChallengeSection{
			Enabled:             &c.ChallengeEnabled,
			BypassAuthenticated: &c.ChallengeBypassAuthenticated,
			RequiredForIP:       &c.ChallengeRequiredForIP,
		},
	}
	if c.VerificationTTLSeconds > 0 {
		doc.Challenge.VerificationTTLSeconds = &c.VerificationTTLSeconds
	}
	if c.VerifierSiteKey != "" {
		doc.Challenge.SiteKey = &c.VerifierSiteKey
	}
	return doc
}
