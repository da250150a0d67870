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

// Package config layers the gate's configuration: a JSON file baseline under
// a store-backed overlay document, merged leaf-wins and published as an
// immutable snapshot.
package config

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/lib/defaults"
	"github.com/gatewarden/gatewarden/lib/identity"
)

// OverlayKey is the counter store key holding the overlay document.
const OverlayKey = "admin:rate-limit-config"

// Store key prefixes for admin-managed rule documents.
const (
	IPRuleKeyPrefix     = "ip:rule:"
	AgentLimitKeyPrefix = "agent:limits:"
)

// LimitSet caps requests per window. A nil field means the window is not
// limited; an explicit zero blocks all requests in that window.
type LimitSet struct {
	Minute *int `json:"minute,omitempty"`
	Hour   *int `json:"hour,omitempty"`
	Day    *int `json:"day,omitempty"`
	Month  *int `json:"month,omitempty"`
}

// Int is a convenience for building LimitSet literals.
func Int(v int) *int { return &v }

// Limit returns the cap for w and whether one is configured.
func (s LimitSet) Limit(w Window) (int, bool) {
	var p *int
	switch w {
	case WindowMinute:
		p = s.Minute
	case WindowHour:
		p = s.Hour
	case WindowDay:
		p = s.Day
	case WindowMonth:
		p = s.Month
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// IsEmpty reports whether no window is limited.
func (s LimitSet) IsEmpty() bool {
	return s.Minute == nil && s.Hour == nil && s.Day == nil && s.Month == nil
}

// Narrowest returns the first configured window in evaluation order.
func (s LimitSet) Narrowest() (Window, bool) {
	for _, w := range Windows {
		if _, ok := s.Limit(w); ok {
			return w, true
		}
	}
	return "", false
}

// Validate rejects negative limits.
func (s LimitSet) Validate() error {
	for _, w := range Windows {
		if v, ok := s.Limit(w); ok && v < 0 {
			return trace.BadParameter("limit for window %q must be a non-negative integer, got %d", w, v)
		}
	}
	return nil
}

// merge returns s with over's configured leaves taking precedence.
func (s LimitSet) merge(over LimitSet) LimitSet {
	out := s
	if over.Minute != nil {
		out.Minute = over.Minute
	}
	if over.Hour != nil {
		out.Hour = over.Hour
	}
	if over.Day != nil {
		out.Day = over.Day
	}
	if over.Month != nil {
		out.Month = over.Month
	}
	return out
}

// LimitsSection groups limit sets in a config document.
type LimitsSection struct {
	Global LimitSet `json:"global,omitempty"`
}

// ChallengeSection carries challenge settings in a config document. The
// service seeds it from the environment; file and overlay may override.
type ChallengeSection struct {
	Enabled                *bool   `json:"enabled,omitempty"`
	BypassAuthenticated    *bool   `json:"bypassAuthenticated,omitempty"`
	RequiredForIP          *bool   `json:"requiredForIp,omitempty"`
	VerificationTTLSeconds *int    `json:"verificationTtlSeconds,omitempty"`
	SiteKey                *string `json:"siteKey,omitempty"`
}

// Document is the JSON schema shared by the baseline file and the overlay.
// Pointer leaves distinguish "absent" from explicit zero values so merging
// can be leaf-wins.
type Document struct {
	IdentityOrder       []string            `json:"identityOrder,omitempty"`
	JWTSecret           *string             `json:"jwtSecret,omitempty"`
	Limits              *LimitsSection      `json:"limits,omitempty"`
	Routes              map[string]LimitSet `json:"routes,omitempty"`
	RoutesInScope       []string            `json:"routesInScope,omitempty"`
	RateLimitingEnabled *bool               `json:"rateLimitingEnabled,omitempty"`
	Challenge           *ChallengeSection   `json:"challenge,omitempty"`
}

// Validate rejects documents a merge must never accept: unknown window
// names are impossible by construction, so this reduces to limit sign
// checks everywhere a limit can appear.
func (d Document) Validate() error {
	if d.Limits != nil {
		if err := d.Limits.Global.Validate(); err != nil {
			return trace.Wrap(err)
		}
	}
	for pattern, set := range d.Routes {
		if pattern == "" {
			return trace.BadParameter("route pattern must not be empty")
		}
		if err := set.Validate(); err != nil {
			return trace.Wrap(err, "route %q", pattern)
		}
	}
	if d.Challenge != nil && d.Challenge.VerificationTTLSeconds != nil && *d.Challenge.VerificationTTLSeconds < 0 {
		return trace.BadParameter("challenge.verificationTtlSeconds must be a non-negative integer")
	}
	return nil
}

// Merge layers over on top of d, leaf keys winning, and returns the result.
// Arrays replace wholesale; maps merge per entry.
func (d Document) Merge(over Document) Document {
	out := d
	if over.IdentityOrder != nil {
		out.IdentityOrder = over.IdentityOrder
	}
	if over.JWTSecret != nil {
		out.JWTSecret = over.JWTSecret
	}
	if over.Limits != nil {
		merged := LimitsSection{}
		if d.Limits != nil {
			merged.Global = d.Limits.Global
		}
		merged.Global = merged.Global.merge(over.Limits.Global)
		out.Limits = &merged
	}
	if over.Routes != nil {
		routes := make(map[string]LimitSet, len(d.Routes)+len(over.Routes))
		for pattern, set := range d.Routes {
			routes[pattern] = set
		}
		for pattern, set := range over.Routes {
			routes[pattern] = routes[pattern].merge(set)
		}
		out.Routes = routes
	}
	if over.RoutesInScope != nil {
		out.RoutesInScope = over.RoutesInScope
	}
	if over.RateLimitingEnabled != nil {
		out.RateLimitingEnabled = over.RateLimitingEnabled
	}
	if over.Challenge != nil {
		merged := ChallengeSection{}
		if d.Challenge != nil {
			merged = *d.Challenge
		}
		if over.Challenge.Enabled != nil {
			merged.Enabled = over.Challenge.Enabled
		}
		if over.Challenge.BypassAuthenticated != nil {
			merged.BypassAuthenticated = over.Challenge.BypassAuthenticated
		}
		if over.Challenge.RequiredForIP != nil {
			merged.RequiredForIP = over.Challenge.RequiredForIP
		}
		if over.Challenge.VerificationTTLSeconds != nil {
			merged.VerificationTTLSeconds = over.Challenge.VerificationTTLSeconds
		}
		if over.Challenge.SiteKey != nil {
			merged.SiteKey = over.Challenge.SiteKey
		}
		out.Challenge = &merged
	}
	return out
}

// ParseDocument parses a canonical config document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, trace.BadParameter("malformed config document: %v", err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, trace.Wrap(err)
	}
	return doc, nil
}

// ParseOverlay parses an overlay document, accepting both the canonical
// schema and the flattened form the admin UI posts, where the limits block
// carries window names directly instead of nesting them under "global".
func ParseOverlay(data []byte) (Document, error) {
	var probe struct {
		Limits map[string]json.RawMessage `json:"limits"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Document{}, trace.BadParameter("malformed overlay document: %v", err)
	}

	flattened := false
	for key := range probe.Limits {
		if Window(key).Valid() {
			flattened = true
			break
		}
	}
	if !flattened {
		return ParseDocument(data)
	}

	// Rewrap the flat limits block under global and reparse.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, trace.BadParameter("malformed overlay document: %v", err)
	}
	global, err := json.Marshal(map[string]json.RawMessage{"global": raw["limits"]})
	if err != nil {
		return Document{}, trace.Wrap(err)
	}
	raw["limits"] = global
	canonical, err := json.Marshal(raw)
	if err != nil {
		return Document{}, trace.Wrap(err)
	}
	return ParseDocument(canonical)
}

// ChallengeConfig is the resolved challenge configuration.
type ChallengeConfig struct {
	Enabled             bool
	BypassAuthenticated bool
	RequiredForIP       bool
	VerificationTTL     time.Duration
	SiteKey             string
}

// Config is an immutable resolved snapshot of the merged configuration plus
// the admin-managed rule documents loaded alongside it. Consumers must not
// mutate it.
type Config struct {
	IdentityOrder       []string
	JWTSecret           string
	Global              LimitSet
	Routes              map[string]LimitSet
	RoutesInScope       []string
	RateLimitingEnabled bool
	Challenge           ChallengeConfig

	// IPRules is keyed by the hashed identity value of the rule's address.
	IPRules map[string]IPRule
	// AgentLimits is keyed by agent identifier.
	AgentLimits map[string]LimitSet

	// OverlayPresent reports whether an overlay document existed at the
	// last refresh.
	OverlayPresent bool
	// RefreshedAt is when this snapshot was assembled.
	RefreshedAt time.Time
}

// DefaultIdentityOrder is applied when no layer configures one.
var DefaultIdentityOrder = []string{
	identity.StepTokenSub,
	identity.StepSessionCookie,
	identity.StepIP,
}

// Resolve turns a merged document into a usable snapshot, applying
// defaults for absent leaves.
func Resolve(doc Document) *Config {
	cfg := &Config{
		IdentityOrder:       DefaultIdentityOrder,
		RateLimitingEnabled: true,
		Challenge: ChallengeConfig{
			BypassAuthenticated: true,
			VerificationTTL:     defaults.VerificationTTL,
		},
	}
	if doc.IdentityOrder != nil {
		cfg.IdentityOrder = slices.Clone(doc.IdentityOrder)
	}
	if doc.JWTSecret != nil {
		cfg.JWTSecret = *doc.JWTSecret
	}
	if doc.Limits != nil {
		cfg.Global = doc.Limits.Global
	}
	if doc.Routes != nil {
		cfg.Routes = make(map[string]LimitSet, len(doc.Routes))
		for pattern, set := range doc.Routes {
			cfg.Routes[pattern] = set
		}
	}
	cfg.RoutesInScope = slices.Clone(doc.RoutesInScope)
	if doc.RateLimitingEnabled != nil {
		cfg.RateLimitingEnabled = *doc.RateLimitingEnabled
	}
	if doc.Challenge != nil {
		if doc.Challenge.Enabled != nil {
			cfg.Challenge.Enabled = *doc.Challenge.Enabled
		}
		if doc.Challenge.BypassAuthenticated != nil {
			cfg.Challenge.BypassAuthenticated = *doc.Challenge.BypassAuthenticated
		}
		if doc.Challenge.RequiredForIP != nil {
			cfg.Challenge.RequiredForIP = *doc.Challenge.RequiredForIP
		}
		if doc.Challenge.VerificationTTLSeconds != nil {
			cfg.Challenge.VerificationTTL = time.Duration(*doc.Challenge.VerificationTTLSeconds) * time.Second
		}
		if doc.Challenge.SiteKey != nil {
			cfg.Challenge.SiteKey = *doc.Challenge.SiteKey
		}
	}
	return cfg
}

// InScope reports whether path is subject to gating. An empty scope list
// gates nothing.
func (c *Config) InScope(path string) bool {
	for _, prefix := range c.RoutesInScope {
		if prefix != "" && len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// MatchRoute finds the narrowest route-specific limit set for path.
// Patterns match as prefixes, with an optional trailing wildcard; the
// longest pattern wins.
func (c *Config) MatchRoute(path string) (string, LimitSet, bool) {
	var (
		bestPattern string
		bestSet     LimitSet
		found       bool
	)
	for pattern, set := range c.Routes {
		prefix := pattern
		if len(prefix) > 0 && prefix[len(prefix)-1] == '*' {
			prefix = prefix[:len(prefix)-1]
		}
		if len(path) < len(prefix) || path[:len(prefix)] != prefix {
			continue
		}
		if !found || len(pattern) > len(bestPattern) {
			bestPattern, bestSet, found = pattern, set, true
		}
	}
	return bestPattern, bestSet, found
}

// MatchIPRule returns the unexpired rule covering the hashed ip identity
// value, if any.
func (c *Config) MatchIPRule(hashedValue string, now time.Time) (IPRule, bool) {
	rule, ok := c.IPRules[hashedValue]
	if !ok || rule.Expired(now) {
		return IPRule{}, false
	}
	return rule, true
}

// AgentSet returns the limit set configured for agentID, if any.
func (c *Config) AgentSet(agentID string) (LimitSet, bool) {
	set, ok := c.AgentLimits[agentID]
	return set, ok
}
