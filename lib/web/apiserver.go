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

// Package web implements the client verification endpoint, the admin
// surface for limits and rules, and the health and metrics probes.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatewarden/gatewarden"
	"github.com/gatewarden/gatewarden/lib/challenge"
	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/counter"
	"github.com/gatewarden/gatewarden/lib/httplib"
	"github.com/gatewarden/gatewarden/lib/identity"
	logutils "github.com/gatewarden/gatewarden/lib/utils/log"
)

var log = logutils.NewPackageLogger(gatewarden.ComponentKey, gatewarden.ComponentWeb)

// healthPingTimeout bounds the store ping issued by the health probe.
const healthPingTimeout = 2 * time.Second

// Config configures the web handler.
type Config struct {
	// Store is the counter store behind the admin surface. Required.
	Store counter.Store
	// Provider publishes the merged configuration. Required.
	Provider *config.Provider
	// Coordinator runs challenge verifications. Required.
	Coordinator *challenge.Coordinator
	// Clock stamps rules and drives bucket math.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
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

// Handler serves the web API.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler returns a new web API handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	h.POST("/webapi/challenge/verify", httplib.MakeHandler(h.challengeVerify))
	h.GET("/webapi/health", httplib.MakeHandler(h.health))

	h.GET("/webapi/admin/ratelimits/config", httplib.MakeHandler(h.getConfig))
	h.GET("/webapi/admin/ratelimits/overlay", httplib.MakeHandler(h.getOverlay))
	h.PUT("/webapi/admin/ratelimits/overlay", httplib.MakeHandler(h.putOverlay))
	h.GET("/webapi/admin/ratelimits/identities", httplib.MakeHandler(h.listIdentities))
	h.DELETE("/webapi/admin/ratelimits/identities/:identity", httplib.MakeHandler(h.resetIdentity))
	h.GET("/webapi/admin/ratelimits/iprules", httplib.MakeHandler(h.listIPRules))
	h.POST("/webapi/admin/ratelimits/iprules", httplib.MakeHandler(h.createIPRule))
	h.DELETE("/webapi/admin/ratelimits/iprules/:ip", httplib.MakeHandler(h.deleteIPRule))
	h.GET("/webapi/admin/ratelimits/agents", httplib.MakeHandler(h.listAgentLimits))
	h.PUT("/webapi/admin/ratelimits/agents/:agent", httplib.MakeHandler(h.putAgentLimit))
	h.DELETE("/webapi/admin/ratelimits/agents/:agent", httplib.MakeHandler(h.deleteAgentLimit))
	h.GET("/webapi/admin/ratelimits/export", httplib.MakeHandler(h.export))

	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return h, nil
}

type verifyChallengeRequest struct {
	Token  string `json:"token"`
	Action string `json:"action,omitempty"`
}

type verifyChallengeResponse struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challengeTs,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	Action      string   `json:"action,omitempty"`
	Cdata       string   `json:"cdata,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	ErrorCodes  []string `json:"errorCodes,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// challengeVerify accepts a challenge token from the client, runs the full
// verification handshake and reports the outcome. Failures map to the
// status code of their kind.
func (h *Handler) challengeVerify(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req verifyChallengeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	snap := h.cfg.Provider.Current(r.Context())
	id := identity.Resolve(r, identity.ResolveParams{
		Order:     snap.IdentityOrder,
		JWTSecret: snap.JWTSecret,
	})
	remoteIP, _ := identity.ClientIP(r)

	result := h.cfg.Coordinator.Verify(r.Context(), challenge.VerifyRequest{
		Token:    req.Token,
		Action:   req.Action,
		Identity: id,
		RemoteIP: remoteIP,
	}, snap.Challenge)

	if !result.Success {
		httplib.ReplyJSON(w, result.Kind.StatusCode(), verifyChallengeResponse{
			Kind:       string(result.Kind),
			ErrorCodes: result.ErrorCodes,
			Message:    result.Message,
		})
		return nil, nil
	}
	return verifyChallengeResponse{
		Success:     true,
		ChallengeTS: result.ChallengeTS,
		Hostname:    result.Hostname,
		Action:      result.Action,
		Cdata:       result.Cdata,
	}, nil
}

type healthResponse struct {
	Status    string          `json:"status"`
	Store     storeHealth     `json:"store"`
	Challenge challengeHealth `json:"challenge"`
	Overlay   overlayHealth   `json:"overlay"`
}

type storeHealth struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

type challengeHealth struct {
	Enabled          bool `json:"enabled"`
	SecretConfigured bool `json:"secretConfigured"`
}

type overlayHealth struct {
	Present     bool      `json:"present"`
	RefreshedAt time.Time `json:"refreshedAt"`
	AgeSeconds  int64     `json:"ageSeconds"`
}

// health reports store reachability, challenge configuration presence and
// the age of the published snapshot.
func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	if err := h.cfg.Store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Store.Error = err.Error()
	} else {
		resp.Store.Reachable = true
	}

	snap := h.cfg.Provider.Current(r.Context())
	resp.Challenge = challengeHealth{
		Enabled:          snap.Challenge.Enabled,
		SecretConfigured: h.cfg.Coordinator.SecretConfigured(),
	}
	if snap.Challenge.Enabled && !resp.Challenge.SecretConfigured {
		resp.Status = "degraded"
	}
	resp.Overlay = overlayHealth{
		Present:     snap.OverlayPresent,
		RefreshedAt: snap.RefreshedAt,
		AgeSeconds:  int64(h.cfg.Clock.Since(snap.RefreshedAt) / time.Second),
	}
	return resp, nil
}

func message(msg string) any {
	return map[string]any{"message": msg}
}

func ok() any {
	return message("ok")
}
