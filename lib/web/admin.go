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

package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/counter"
	"github.com/gatewarden/gatewarden/lib/httplib"
)

// maxOverlaySize bounds the overlay document an admin may post.
const maxOverlaySize = 256 * 1024

type configResponse struct {
	IdentityOrder       []string                   `json:"identityOrder"`
	JWTSecretSet        bool                       `json:"jwtSecretSet"`
	RateLimitingEnabled bool                       `json:"rateLimitingEnabled"`
	Global              config.LimitSet            `json:"global"`
	Routes              map[string]config.LimitSet `json:"routes,omitempty"`
	RoutesInScope       []string                   `json:"routesInScope"`
	Challenge           challengeConfigResponse    `json:"challenge"`
	IPRuleCount         int                        `json:"ipRuleCount"`
	AgentLimitCount     int                        `json:"agentLimitCount"`
	OverlayPresent      bool                       `json:"overlayPresent"`
	RefreshedAt         time.Time                  `json:"refreshedAt"`
}

type challengeConfigResponse struct {
	Enabled                bool   `json:"enabled"`
	BypassAuthenticated    bool   `json:"bypassAuthenticated"`
	RequiredForIP          bool   `json:"requiredForIp"`
	VerificationTTLSeconds int    `json:"verificationTtlSeconds"`
	SiteKey                string `json:"siteKey,omitempty"`
}

func newConfigResponse(snap *config.Config) configResponse {
	return configResponse{
		IdentityOrder:       snap.IdentityOrder,
		JWTSecretSet:        snap.JWTSecret != "",
		RateLimitingEnabled: snap.RateLimitingEnabled,
		Global:              snap.Global,
		Routes:              snap.Routes,
		RoutesInScope:       snap.RoutesInScope,
		Challenge: challengeConfigResponse{
			Enabled:                snap.Challenge.Enabled,
			BypassAuthenticated:    snap.Challenge.BypassAuthenticated,
			RequiredForIP:          snap.Challenge.RequiredForIP,
			VerificationTTLSeconds: int(snap.Challenge.VerificationTTL / time.Second),
			SiteKey:                snap.Challenge.SiteKey,
		},
		IPRuleCount:     len(snap.IPRules),
		AgentLimitCount: len(snap.AgentLimits),
		OverlayPresent:  snap.OverlayPresent,
		RefreshedAt:     snap.RefreshedAt,
	}
}

// getConfig returns the merged snapshot with secrets reduced to presence
// flags.
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return newConfigResponse(h.cfg.Provider.Current(r.Context())), nil
}

type overlayResponse struct {
	Present  bool            `json:"present"`
	Document json.RawMessage `json:"document,omitempty"`
}

// getOverlay returns the raw overlay document as stored.
func (h *Handler) getOverlay(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	raw, err := h.cfg.Store.Get(r.Context(), config.OverlayKey)
	if err != nil {
		if trace.IsNotFound(err) {
			return overlayResponse{}, nil
		}
		return nil, trace.Wrap(err)
	}
	return overlayResponse{Present: true, Document: json.RawMessage(raw)}, nil
}

// putOverlay validates and stores a new overlay document, then forces a
// refresh so the change is visible without waiting out the throttle. The
// UI-flavored flat form is normalized to the canonical schema before the
// write.
func (h *Handler) putOverlay(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxOverlaySize))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	doc, err := config.ParseOverlay(body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.Set(r.Context(), config.OverlayKey, string(canonical), 0); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Provider.ForceRefresh(r.Context()); err != nil {
		log.WarnContext(r.Context(), "Overlay stored but refresh failed", "error", err)
	}
	return overlayResponse{Present: true, Document: canonical}, nil
}

type ipRulesResponse struct {
	Rules []config.IPRule `json:"rules"`
}

// listIPRules returns the admin IP rules from the current snapshot.
func (h *Handler) listIPRules(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	snap := h.cfg.Provider.Current(r.Context())
	rules := make([]config.IPRule, 0, len(snap.IPRules))
	for _, rule := range snap.IPRules {
		rules = append(rules, rule)
	}
	slices.SortFunc(rules, func(a, b config.IPRule) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.IP, b.IP)
	})
	return ipRulesResponse{Rules: rules}, nil
}

type createIPRuleRequest struct {
	IP        string           `json:"ip"`
	Kind      string           `json:"kind"`
	Limits    *config.LimitSet `json:"limits,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
}

// createIPRule stores a block or custom limit rule keyed by the raw
// address and forces a refresh.
func (h *Handler) createIPRule(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req createIPRuleRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	rule := config.IPRule{
		ID:        uuid.NewString(),
		IP:        req.IP,
		Kind:      req.Kind,
		Limits:    req.Limits,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: h.cfg.Clock.Now().UTC(),
	}
	if err := rule.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	// An expiring rule also expires its storage key so stale documents do
	// not pile up.
	var ttl time.Duration
	if rule.ExpiresAt != nil {
		ttl = rule.ExpiresAt.Sub(h.cfg.Clock.Now())
		if ttl <= 0 {
			return nil, trace.BadParameter("rule expiry %v is in the past", rule.ExpiresAt)
		}
	}
	if err := counter.SetJSON(r.Context(), h.cfg.Store, config.IPRuleKeyPrefix+rule.IP, rule, ttl); err != nil {
		return nil, trace.Wrap(err)
	}
	h.refresh(r.Context())
	return rule, nil
}

// deleteIPRule removes the rule for the raw address in the path.
func (h *Handler) deleteIPRule(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	ip := p.ByName("ip")
	n, err := h.cfg.Store.Delete(r.Context(), config.IPRuleKeyPrefix+ip)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if n == 0 {
		return nil, trace.NotFound("no rule for %q", ip)
	}
	h.refresh(r.Context())
	return ok(), nil
}

type agentLimitsResponse struct {
	Agents map[string]config.LimitSet `json:"agents"`
}

// listAgentLimits returns the agent limit sets from the current snapshot.
func (h *Handler) listAgentLimits(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	snap := h.cfg.Provider.Current(r.Context())
	agents := snap.AgentLimits
	if agents == nil {
		agents = map[string]config.LimitSet{}
	}
	return agentLimitsResponse{Agents: agents}, nil
}

// putAgentLimit stores the limit set for one agent and forces a refresh.
func (h *Handler) putAgentLimit(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	agent := p.ByName("agent")
	var set config.LimitSet
	if err := httplib.ReadJSON(r, &set); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := set.Validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	if set.IsEmpty() {
		return nil, trace.BadParameter("at least one window limit is required")
	}
	if err := counter.SetJSON(r.Context(), h.cfg.Store, config.AgentLimitKeyPrefix+agent, set, 0); err != nil {
		return nil, trace.Wrap(err)
	}
	h.refresh(r.Context())
	return set, nil
}

// deleteAgentLimit removes the limit set for one agent.
func (h *Handler) deleteAgentLimit(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	agent := p.ByName("agent")
	n, err := h.cfg.Store.Delete(r.Context(), config.AgentLimitKeyPrefix+agent)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if n == 0 {
		return nil, trace.NotFound("no limits for agent %q", agent)
	}
	h.refresh(r.Context())
	return ok(), nil
}

type exportResponse struct {
	ID         string                     `json:"id"`
	ExportedAt time.Time                  `json:"exportedAt"`
	Config     configResponse             `json:"config"`
	IPRules    []config.IPRule            `json:"ipRules"`
	Agents     map[string]config.LimitSet `json:"agents"`
	Identities []identityUsage            `json:"identities"`
}

// export assembles an ID-stamped snapshot of the whole admin state for
// operator handoff.
func (h *Handler) export(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	snap := h.cfg.Provider.Current(r.Context())
	usage, err := h.collectUsage(r.Context(), snap)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	rules := make([]config.IPRule, 0, len(snap.IPRules))
	for _, rule := range snap.IPRules {
		rules = append(rules, rule)
	}
	slices.SortFunc(rules, func(a, b config.IPRule) int {
		return strings.Compare(a.IP, b.IP)
	})
	agents := snap.AgentLimits
	if agents == nil {
		agents = map[string]config.LimitSet{}
	}

	return exportResponse{
		ID:         uuid.NewString(),
		ExportedAt: h.cfg.Clock.Now().UTC(),
		Config:     newConfigResponse(snap),
		IPRules:    rules,
		Agents:     agents,
		Identities: usage,
	}, nil
}

// refresh pushes a forced provider refresh after an admin write; a failed
// refresh only delays visibility until the next throttle slot, so it is
// logged rather than failing the write.
func (h *Handler) refresh(ctx context.Context) {
	if err := h.cfg.Provider.ForceRefresh(ctx); err != nil {
		log.WarnContext(ctx, "Forced refresh after admin write failed", "error", err)
	}
}
