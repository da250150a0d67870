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
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/counter"
	"github.com/gatewarden/gatewarden/lib/identity"
	"github.com/gatewarden/gatewarden/lib/limiter"
)

// Identity listing pagination bounds.
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Identity status filter values.
const (
	statusLimited = "limited"
	statusActive  = "active"
)

// resetWindows are the buckets cleared by an identity reset. The month
// bucket is left alone so a reset cannot erase long-horizon accounting.
var resetWindows = []config.Window{config.WindowMinute, config.WindowHour, config.WindowDay}

type identityUsage struct {
	IdentityKey string           `json:"identityKey"`
	Kind        string           `json:"kind"`
	Counts      map[string]int64 `json:"counts"`
	Limits      map[string]int   `json:"limits,omitempty"`
	Status      string           `json:"status"`
}

// collectUsage scans the live counter keys and folds them into one entry
// per identity. Scope-qualified buckets are summed into their identity's
// window total, and counts are clamped to the effective limit so a bucket
// that absorbed denials does not read as over 100% usage.
func (h *Handler) collectUsage(ctx context.Context, snap *config.Config) ([]identityUsage, error) {
	keys, err := h.cfg.Store.Keys(ctx, limiter.CounterKeyPrefix+"*")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := h.cfg.Clock.Now()

	counts := make(map[string]map[config.Window]int64)
	for _, raw := range keys {
		key, err := limiter.ParseKey(raw)
		if err != nil {
			continue
		}
		if key.BucketStart != key.Window.BucketStart(now).Unix() {
			// A stale bucket waiting out its TTL.
			continue
		}
		n, err := counter.GetInt(ctx, h.cfg.Store, raw)
		if err != nil {
			// Expired between the scan and the read.
			continue
		}
		perWindow, ok := counts[key.IdentityKey]
		if !ok {
			perWindow = make(map[config.Window]int64)
			counts[key.IdentityKey] = perWindow
		}
		perWindow[key.Window] += n
	}

	usage := make([]identityUsage, 0, len(counts))
	for identityKey, perWindow := range counts {
		entry := identityUsage{
			IdentityKey: identityKey,
			Kind:        identityKind(identityKey),
			Counts:      make(map[string]int64, len(perWindow)),
			Status:      statusActive,
		}
		set := effectiveAdminSet(snap, entry.Kind, identityKey, now)
		for w, n := range perWindow {
			if limit, ok := set.Limit(w); ok {
				if entry.Limits == nil {
					entry.Limits = make(map[string]int)
				}
				entry.Limits[string(w)] = limit
				n = min(n, int64(limit))
				if n >= int64(limit) {
					entry.Status = statusLimited
				}
			}
			entry.Counts[string(w)] = n
		}
		usage = append(usage, entry)
	}
	return usage, nil
}

// effectiveAdminSet is the limit set usage is presented against: a custom
// limit rule for ip identities, the global set for everything else. Route
// and agent overrides are per-request and have no single per-identity
// answer.
func effectiveAdminSet(snap *config.Config, kind, identityKey string, now time.Time) config.LimitSet {
	if kind == string(identity.KindIP) {
		value := strings.TrimPrefix(identityKey, kind+":")
		if rule, ok := snap.MatchIPRule(value, now); ok && rule.Kind == config.RuleKindCustomLimit && rule.Limits != nil {
			return *rule.Limits
		}
	}
	return snap.Global
}

func identityKind(identityKey string) string {
	kind, _, found := strings.Cut(identityKey, ":")
	if !found {
		return string(identity.KindAnonymous)
	}
	return kind
}

type identitiesResponse struct {
	Items    []identityUsage `json:"items"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
	Total    int             `json:"total"`
}

// listIdentities reports the identities holding live counters, filtered,
// sorted and paginated for the admin UI.
func (h *Handler) listIdentities(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	snap := h.cfg.Provider.Current(r.Context())
	usage, err := h.collectUsage(r.Context(), snap)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	q := r.URL.Query()
	if kind := q.Get("kind"); kind != "" {
		usage = slices.DeleteFunc(usage, func(u identityUsage) bool { return u.Kind != kind })
	}
	switch status := q.Get("status"); status {
	case "":
	case statusLimited, statusActive:
		usage = slices.DeleteFunc(usage, func(u identityUsage) bool { return u.Status != status })
	default:
		return nil, trace.BadParameter("unsupported status filter %q", status)
	}

	switch sort := q.Get("sort"); sort {
	case "", "usage":
		slices.SortFunc(usage, func(a, b identityUsage) int {
			if c := int(totalUsage(b) - totalUsage(a)); c != 0 {
				return c
			}
			return strings.Compare(a.IdentityKey, b.IdentityKey)
		})
	case "identity":
		slices.SortFunc(usage, func(a, b identityUsage) int {
			return strings.Compare(a.IdentityKey, b.IdentityKey)
		})
	default:
		return nil, trace.BadParameter("unsupported sort %q", sort)
	}

	page, err := positiveQueryInt(q.Get("page"), 1)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pageSize, err := positiveQueryInt(q.Get("pageSize"), defaultPageSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pageSize = min(pageSize, maxPageSize)

	total := len(usage)
	start := min((page-1)*pageSize, total)
	end := min(start+pageSize, total)

	return identitiesResponse{
		Items:    usage[start:end],
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	}, nil
}

func totalUsage(u identityUsage) int64 {
	var total int64
	for _, n := range u.Counts {
		total += n
	}
	return total
}

func positiveQueryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, trace.BadParameter("expected a positive integer, got %q", raw)
	}
	return n, nil
}

type resetIdentityResponse struct {
	Deleted int64 `json:"deleted"`
}

// resetIdentity deletes the identity's current minute, hour and day
// buckets in every scope, restoring full allowance immediately.
func (h *Handler) resetIdentity(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	identityKey := p.ByName("identity")
	if identityKey == "" {
		return nil, trace.BadParameter("missing identity")
	}

	keys, err := h.cfg.Store.Keys(r.Context(), limiter.CounterKeyPrefix+"*")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := h.cfg.Clock.Now()

	var doomed []string
	for _, raw := range keys {
		key, err := limiter.ParseKey(raw)
		if err != nil || key.IdentityKey != identityKey {
			continue
		}
		if !slices.Contains(resetWindows, key.Window) {
			continue
		}
		if key.BucketStart != key.Window.BucketStart(now).Unix() {
			continue
		}
		doomed = append(doomed, raw)
	}
	if len(doomed) == 0 {
		return resetIdentityResponse{}, nil
	}

	deleted, err := h.cfg.Store.Delete(r.Context(), doomed...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Reset rate limit counters",
		"identity", identityKind(identityKey), "keys", len(doomed))
	return resetIdentityResponse{Deleted: deleted}, nil
}
