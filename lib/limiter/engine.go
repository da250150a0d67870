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

package limiter

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewarden/gatewarden"
	"github.com/gatewarden/gatewarden/lib/challenge"
	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/counter"
	"github.com/gatewarden/gatewarden/lib/identity"
	"github.com/gatewarden/gatewarden/lib/utils"
	logutils "github.com/gatewarden/gatewarden/lib/utils/log"
)

var log = logutils.NewPackageLogger(gatewarden.ComponentKey, gatewarden.ComponentGate)

// State is the terminal outcome of a gate check.
type State string

const (
	// StateAllowed means every configured window had room.
	StateAllowed State = "allowed"
	// StateBypassed means the gate is switched off.
	StateBypassed State = "bypassed"
	// StateOutOfScope means the path is not gated.
	StateOutOfScope State = "out-of-scope"
	// StateIPBlocked means an admin block rule matched the address.
	StateIPBlocked State = "ip-blocked"
	// StateChallengeDenied means a required challenge is outstanding.
	StateChallengeDenied State = "challenge-denied"
	// StateLimited means a window's limit was exceeded.
	StateLimited State = "limited"
	// StateDegradedOpen means the store was unreachable and the request
	// passed unmetered.
	StateDegradedOpen State = "degraded-open"
	// StateMisconfigured means the store has no usable configuration.
	StateMisconfigured State = "misconfigured"
)

// Pseudo-window names reported on non-counter denials.
const (
	windowChallenge = "challenge"
	windowIPBlock   = "ip-block"
)

// X-RateLimit-Bypass header values.
const (
	BypassDisabled   = "disabled"
	BypassOutOfScope = "out-of-scope"
)

// X-RateLimit-Error header values.
const (
	StoreErrorUnavailable   = "backend-unavailable"
	StoreErrorMisconfigured = "backend-misconfigured"
)

var (
	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: gatewarden.MetricNamespace,
			Name:      "gate_decisions_total",
			Help:      "Gate decisions by terminal state",
		},
		[]string{"state"},
	)
	gateExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: gatewarden.MetricNamespace,
			Name:      "gate_window_exceeded_total",
			Help:      "Denials by the window whose limit was hit",
		},
		[]string{"window"},
	)
	gateDegradedOpen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: gatewarden.MetricNamespace,
			Name:      "gate_degraded_open_total",
			Help:      "Requests allowed unmetered because the store was unreachable",
		},
	)
	gateCheckSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: gatewarden.MetricNamespace,
			Name:      "gate_check_seconds",
			Help:      "Latency of full gate checks",
			// lowest bucket of 0.5ms with factor 2, topping out past the
			// store deadline
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 13),
		},
	)
)

// Decision is the outcome of gating one request, with everything the
// response headers need.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// State is the terminal state the check reached.
	State State
	// StatusCode is the HTTP status for denials.
	StatusCode int
	// Limit is the limit of the reported window.
	Limit int
	// Remaining is how many requests are left in the reported window.
	Remaining int
	// ResetTime is when the reported window's bucket rolls.
	ResetTime time.Time
	// RetryAfter is how long a denied caller should wait.
	RetryAfter time.Duration
	// Window names the window the decision reports: a counter window, or
	// ip-block / challenge on those denials.
	Window string
	// IdentityKind is the resolved identity's kind. Values are never
	// carried here.
	IdentityKind identity.Kind
	// ChallengeState is the X-Challenge-Status value, empty when
	// challenges are not configured.
	ChallengeState challenge.State
	// BypassReason is set when the gate did not run at all.
	BypassReason string
	// StoreError is set when the store degraded or is misconfigured.
	StoreError string
}

// WriteHeaders emits the decision onto a response.
func (d Decision) WriteHeaders(h http.Header) {
	if d.BypassReason != "" {
		h.Set("X-RateLimit-Bypass", d.BypassReason)
		return
	}
	if d.IdentityKind != "" {
		h.Set("X-RateLimit-Identity", string(d.IdentityKind))
	}
	if d.ChallengeState != "" {
		h.Set("X-Challenge-Status", string(d.ChallengeState))
	}
	if d.StoreError != "" {
		h.Set("X-RateLimit-Error", d.StoreError)
	}
	if d.Window != "" {
		h.Set("X-RateLimit-Window", d.Window)
	}
	if d.Window != "" && d.Window != windowChallenge {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if !d.ResetTime.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
	}
	if !d.Allowed && d.RetryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(int64((d.RetryAfter+time.Second-1)/time.Second), 10))
	}
}

// message is the denial body text. Counter values and identities stay out
// of it.
func (d Decision) message() string {
	switch d.State {
	case StateLimited:
		return "rate limit exceeded, try again later"
	case StateChallengeDenied:
		return "challenge verification required"
	case StateIPBlocked:
		return "access restricted"
	case StateMisconfigured:
		return "rate limiting backend is not configured"
	}
	return "request denied"
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Store holds the counters. Required.
	Store counter.Store
	// Provider publishes the merged configuration. Required.
	Provider *config.Provider
	// Coordinator answers challenge standing. Required.
	Coordinator *challenge.Coordinator
	// Clock drives bucket math.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Provider == nil {
		return trace.BadParameter("missing parameter Provider")
	}
	if c.Coordinator == nil {
		return trace.BadParameter("missing parameter Coordinator")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine gates requests: scope, identity, admin rules, challenge standing,
// then the counter windows, in that order.
type Engine struct {
	cfg EngineConfig
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(gateDecisions, gateExceeded, gateDegradedOpen, gateCheckSeconds); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// Check gates one request.
func (e *Engine) Check(ctx context.Context, r *http.Request) Decision {
	start := e.cfg.Clock.Now()
	d := e.check(ctx, r)
	gateCheckSeconds.Observe(e.cfg.Clock.Since(start).Seconds())
	gateDecisions.WithLabelValues(string(d.State)).Inc()
	if d.State == StateLimited {
		gateExceeded.WithLabelValues(d.Window).Inc()
	}
	return d
}

func (e *Engine) check(ctx context.Context, r *http.Request) Decision {
	snap := e.cfg.Provider.Current(ctx)
	if !snap.RateLimitingEnabled {
		return Decision{Allowed: true, State: StateBypassed, BypassReason: BypassDisabled}
	}
	if !snap.InScope(r.URL.Path) {
		return Decision{Allowed: true, State: StateOutOfScope, BypassReason: BypassOutOfScope}
	}

	id := identity.Resolve(r, identity.ResolveParams{
		Order:     snap.IdentityOrder,
		JWTSecret: snap.JWTSecret,
	})
	now := e.cfg.Clock.Now()
	d := Decision{IdentityKind: id.Kind}

	if id.Kind == identity.KindIP {
		if rule, ok := snap.MatchIPRule(id.Value, now); ok && rule.Kind == config.RuleKindBlock {
			d.State = StateIPBlocked
			d.StatusCode = http.StatusUnavailableForLegalReasons
			d.Window = windowIPBlock
			return d
		}
	}

	if snap.Challenge.Enabled {
		d.ChallengeState = e.cfg.Coordinator.State(ctx, id, snap.Challenge)
		if d.ChallengeState == challenge.StateRequired {
			d.State = StateChallengeDenied
			d.StatusCode = http.StatusForbidden
			d.Window = windowChallenge
			return d
		}
	}

	set, scope := effectiveSet(snap, id, r, now)
	windows, limits := configuredWindows(set)
	if len(windows) == 0 {
		d.Allowed = true
		d.State = StateAllowed
		return d
	}

	// A zero limit blocks the window outright; nothing to count.
	for i, w := range windows {
		if limits[i] == 0 {
			return e.denied(d, w, 0, now)
		}
	}

	ops := make([]counter.IncrOp, 0, len(windows))
	for _, w := range windows {
		ops = append(ops, counter.IncrOp{
			Key: CounterKey(w, w.BucketStart(now).Unix(), id.Key(), scope),
			TTL: w.TTL(now),
		})
	}
	counts, err := e.cfg.Store.IncrBatch(ctx, ops)
	if err != nil {
		if counter.IsMisconfigured(err) {
			d.State = StateMisconfigured
			d.StatusCode = http.StatusServiceUnavailable
			d.StoreError = StoreErrorMisconfigured
			return d
		}
		log.WarnContext(ctx, "Counter store unavailable, failing open",
			"identity", id.Redacted(), "error", err)
		gateDegradedOpen.Inc()
		d.Allowed = true
		d.State = StateDegradedOpen
		d.StoreError = StoreErrorUnavailable
		// Best effort: report the narrowest window untouched.
		d.Window = string(windows[0])
		d.Limit = limits[0]
		d.Remaining = limits[0]
		return d
	}

	for i, w := range windows {
		if counts[i] > int64(limits[i]) {
			return e.denied(d, w, limits[i], now)
		}
	}

	// All windows passed; report the narrowest one.
	w, limit, count := windows[0], limits[0], counts[0]
	d.Allowed = true
	d.State = StateAllowed
	d.Window = string(w)
	d.Limit = limit
	d.Remaining = limit - int(count)
	d.ResetTime = w.BucketEnd(now)
	return d
}

func (e *Engine) denied(d Decision, w config.Window, limit int, now time.Time) Decision {
	d.State = StateLimited
	d.StatusCode = http.StatusTooManyRequests
	d.Window = string(w)
	d.Limit = limit
	d.Remaining = 0
	d.ResetTime = w.BucketEnd(now)
	d.RetryAfter = w.TTL(now)
	return d
}

// effectiveSet picks the limit set for a request: an IP custom-limit rule
// wins, then an agent-specific set, then the narrowest matching route set,
// then the global set. Route and agent sets meter under their own scope.
func effectiveSet(snap *config.Config, id identity.Identity, r *http.Request, now time.Time) (config.LimitSet, Scope) {
	if id.Kind == identity.KindIP {
		if rule, ok := snap.MatchIPRule(id.Value, now); ok && rule.Kind == config.RuleKindCustomLimit && rule.Limits != nil {
			return *rule.Limits, GlobalScope
		}
	}
	if len(snap.AgentLimits) > 0 {
		if agent := agentID(r); agent != "" {
			if set, ok := snap.AgentSet(agent); ok {
				return set, Scope{Agent: agent}
			}
		}
	}
	if pattern, set, ok := snap.MatchRoute(r.URL.Path); ok {
		return set, Scope{Route: pattern}
	}
	return snap.Global, GlobalScope
}

// configuredWindows lists the windows the set limits, in evaluation order.
func configuredWindows(set config.LimitSet) ([]config.Window, []int) {
	var windows []config.Window
	var limits []int
	for _, w := range config.Windows {
		if limit, ok := set.Limit(w); ok {
			windows = append(windows, w)
			limits = append(limits, limit)
		}
	}
	return windows, limits
}
