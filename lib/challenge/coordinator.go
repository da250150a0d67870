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

package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewarden/gatewarden"
	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/counter"
	"github.com/gatewarden/gatewarden/lib/defaults"
	"github.com/gatewarden/gatewarden/lib/identity"
	"github.com/gatewarden/gatewarden/lib/utils"
	logutils "github.com/gatewarden/gatewarden/lib/utils/log"
)

var log = logutils.NewPackageLogger(gatewarden.ComponentKey, gatewarden.ComponentChallenge)

// State is the challenge standing of an identity, emitted on gated
// responses as X-Challenge-Status.
type State string

const (
	// StateVerified means a required challenge was passed and is cached.
	StateVerified State = "verified"
	// StateNotRequired means no challenge applies to the identity.
	StateNotRequired State = "not-required"
	// StateRequired means a challenge is outstanding.
	StateRequired State = "required"
)

// FailureKind classifies why a verification attempt did not succeed.
type FailureKind string

const (
	KindDisabled            FailureKind = "disabled"
	KindRateLimited         FailureKind = "rate-limited"
	KindDuplicate           FailureKind = "duplicate"
	KindInvalidRequest      FailureKind = "invalid-request"
	KindVerifierFailed      FailureKind = "verifier-failed"
	KindVerifierUnavailable FailureKind = "verifier-unavailable"
	KindMisconfigured       FailureKind = "misconfigured"
	KindInternal            FailureKind = "internal"
)

// StatusCode maps the failure kind to the client-facing HTTP status.
func (k FailureKind) StatusCode() int {
	switch k {
	case KindDisabled, KindMisconfigured:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDuplicate:
		return http.StatusConflict
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindVerifierFailed:
		return http.StatusForbidden
	case KindVerifierUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

const (
	// subLimitKeyPrefix throttles verification attempts per identity.
	subLimitKeyPrefix = "turnstile:rl:"
	// usedKeyPrefix tracks token reuse for replay protection.
	usedKeyPrefix = "turnstile:used:"
)

func subLimitKey(identityKey string, minuteEpoch int64) string {
	return fmt.Sprintf("%s%s:minute:%d", subLimitKeyPrefix, identityKey, minuteEpoch)
}

func usedTokenKey(token string) string {
	digest := sha256.Sum256([]byte(token))
	return usedKeyPrefix + hex.EncodeToString(digest[:])[:defaults.IdentityHashLen]
}

var verificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: gatewarden.MetricNamespace,
		Name:      "challenge_verifications_total",
		Help:      "Challenge verification attempts by result",
	},
	[]string{"result"},
)

// Required reports whether the identity must pass a challenge under the
// given configuration. Only address-derived identities can be challenged;
// authenticated kinds are bypassed when the config says so.
func Required(id identity.Identity, cfg config.ChallengeConfig) bool {
	if !cfg.Enabled {
		return false
	}
	if (id.Kind == identity.KindToken || id.Kind == identity.KindSession) && cfg.BypassAuthenticated {
		return false
	}
	if id.Kind == identity.KindIP && cfg.RequiredForIP {
		return true
	}
	return false
}

// VerifyRequest is a client's attempt to pass a challenge.
type VerifyRequest struct {
	// Token is the widget-produced challenge token.
	Token string
	// Action is the optional widget action tag.
	Action string
	// Identity is the resolved identity the verification will be cached
	// under.
	Identity identity.Identity
	// RemoteIP is forwarded to the verifier when known.
	RemoteIP string
}

// VerifyResult is the outcome of a verification attempt. Kind and Message
// are set when Success is false.
type VerifyResult struct {
	Success     bool
	Kind        FailureKind
	ErrorCodes  []string
	Message     string
	ChallengeTS string
	Hostname    string
	Action      string
	Cdata       string
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Store backs the sub-limit and replay counters. Required.
	Store counter.Store
	// Cache records successful verifications. Required.
	Cache *Cache
	// Verifier validates tokens. Required.
	Verifier Verifier
	// SecretKey is the server-side verifier secret. Verification reports
	// misconfigured while it is empty.
	SecretKey string
	// Clock drives the sub-limit buckets and replay timing.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CoordinatorConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Verifier == nil {
		return trace.BadParameter("missing parameter Verifier")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Coordinator runs the verification handshake: throttle, replay guard,
// external verifier, then the per-identity verification cache.
type Coordinator struct {
	cfg CoordinatorConfig
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(verificationsTotal); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Coordinator{cfg: cfg}, nil
}

// SecretConfigured reports whether a verifier secret is present, for the
// health probe.
func (c *Coordinator) SecretConfigured() bool {
	return c.cfg.SecretKey != ""
}

// State folds the requirement decision and the cache lookup into the
// header value for a gated response.
func (c *Coordinator) State(ctx context.Context, id identity.Identity, cfg config.ChallengeConfig) State {
	if !Required(id, cfg) {
		return StateNotRequired
	}
	if c.cfg.Cache.IsVerified(ctx, id.Key()) {
		return StateVerified
	}
	return StateRequired
}

// Verify runs one verification attempt end to end. All failures come back
// as a structured result; nothing is cached unless the verifier accepted
// the token.
func (c *Coordinator) Verify(ctx context.Context, req VerifyRequest, cfg config.ChallengeConfig) *VerifyResult {
	result := c.verify(ctx, req, cfg)
	if result.Success {
		verificationsTotal.WithLabelValues("success").Inc()
	} else {
		verificationsTotal.WithLabelValues(string(result.Kind)).Inc()
	}
	return result
}

func (c *Coordinator) verify(ctx context.Context, req VerifyRequest, cfg config.ChallengeConfig) *VerifyResult {
	if !cfg.Enabled {
		return failure(KindDisabled, "challenges are disabled")
	}
	if c.cfg.SecretKey == "" {
		return failure(KindMisconfigured, "challenge verification is not configured")
	}
	if req.Token == "" {
		return failure(KindInvalidRequest, "missing challenge token")
	}

	if limited := c.underSubLimit(ctx, req.Identity); limited != nil {
		return limited
	}
	if duplicate := c.replayGuard(ctx, req.Token); duplicate != nil {
		return duplicate
	}

	resp, err := c.cfg.Verifier.Verify(ctx, VerifierRequest{
		Secret:   c.cfg.SecretKey,
		Token:    req.Token,
		RemoteIP: req.RemoteIP,
		Action:   req.Action,
	})
	if err != nil {
		log.WarnContext(ctx, "Verifier call failed", "identity", req.Identity.Redacted(), "error", err)
		return failure(KindVerifierUnavailable, "verifier is unreachable, try again")
	}
	if !resp.Success {
		result := failure(KindVerifierFailed, "challenge verification failed")
		result.ErrorCodes = resp.ErrorCodes
		return result
	}

	if err := c.cfg.Cache.MarkVerified(ctx, req.Identity.Key(), cfg.VerificationTTL); err != nil {
		log.ErrorContext(ctx, "Failed to cache verification", "identity", req.Identity.Redacted(), "error", err)
		return failure(KindInternal, "failed to record verification")
	}
	return &VerifyResult{
		Success:     true,
		ChallengeTS: resp.ChallengeTS,
		Hostname:    resp.Hostname,
		Action:      resp.Action,
		Cdata:       resp.Cdata,
	}
}

// underSubLimit enforces the per-identity verification throttle. A store
// failure skips the guard rather than blocking all verification.
func (c *Coordinator) underSubLimit(ctx context.Context, id identity.Identity) *VerifyResult {
	now := c.cfg.Clock.Now()
	key := subLimitKey(id.Key(), now.Unix()/60)
	count, err := c.cfg.Store.IncrWithTTL(ctx, key, config.WindowMinute.TTL(now))
	if err != nil {
		log.DebugContext(ctx, "Verification sub-limit unavailable, skipping", "error", err)
		return nil
	}
	if count > defaults.ChallengeSubLimitPerMinute {
		return failure(KindRateLimited, "too many verification attempts, slow down")
	}
	return nil
}

// replayGuard rejects token reuse outside the short retry grace window.
// The grace absorbs client double-submits without allowing indefinite
// replay; like the sub-limit it skips on store failure.
func (c *Coordinator) replayGuard(ctx context.Context, token string) *VerifyResult {
	key := usedTokenKey(token)
	uses, err := c.cfg.Store.Incr(ctx, key)
	if err != nil {
		log.DebugContext(ctx, "Replay guard unavailable, skipping", "error", err)
		return nil
	}
	if uses == 1 {
		if err := c.cfg.Store.Expire(ctx, key, defaults.UsedTokenRecordTTL); err != nil {
			log.DebugContext(ctx, "Failed to expire used token record", "error", err)
		}
		return nil
	}

	elapsed := time.Duration(0)
	ttl, err := c.cfg.Store.TTL(ctx, key)
	switch {
	case trace.IsNotFound(err):
		// Record expired between the increment and the lookup.
	case err != nil:
		log.DebugContext(ctx, "Replay guard unavailable, skipping", "error", err)
		return nil
	case ttl == counter.NoExpiry:
		// A concurrent first use has not set the expiry yet.
		if err := c.cfg.Store.Expire(ctx, key, defaults.UsedTokenRecordTTL); err != nil {
			log.DebugContext(ctx, "Failed to expire used token record", "error", err)
		}
	default:
		elapsed = defaults.UsedTokenRecordTTL - ttl
	}

	if uses > defaults.UsedTokenMaxUses || elapsed > defaults.UsedTokenGraceWindow {
		return failure(KindDuplicate, "challenge token already used")
	}
	return nil
}

func failure(kind FailureKind, message string) *VerifyResult {
	return &VerifyResult{Kind: kind, Message: message}
}
