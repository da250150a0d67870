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

package config

import (
	"time"

	"github.com/gravitational/trace"
)

// IP rule kinds.
const (
	// RuleKindBlock forbids all access from the address.
	RuleKindBlock = "block"
	// RuleKindCustomLimit replaces the effective limit set for the address.
	RuleKindCustomLimit = "custom_limit"
)

// IPRule is an admin-managed per-address rule, stored as JSON under
// ip:rule:<ip>.
type IPRule struct {
	// ID is assigned on creation.
	ID string `json:"id,omitempty"`
	// IP is the literal client address the rule covers.
	IP string `json:"ip"`
	// Kind is block or custom_limit.
	Kind string `json:"kind"`
	// Limits replaces the effective limit set for custom_limit rules.
	Limits *LimitSet `json:"limits,omitempty"`
	// Reason is operator-facing documentation.
	Reason string `json:"reason,omitempty"`
	// ExpiresAt makes the rule self-retiring; nil rules last until deleted.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// CreatedAt is when the rule was written.
	CreatedAt time.Time `json:"createdAt"`
	// CreatedBy records the operator.
	CreatedBy string `json:"createdBy,omitempty"`
}

// CheckAndSetDefaults validates the rule.
func (r *IPRule) CheckAndSetDefaults() error {
	if r.IP == "" {
		return trace.BadParameter("missing parameter ip")
	}
	switch r.Kind {
	case RuleKindBlock:
	case RuleKindCustomLimit:
		if r.Limits == nil || r.Limits.IsEmpty() {
			return trace.BadParameter("custom_limit rule for %q needs at least one limit", r.IP)
		}
		if err := r.Limits.Validate(); err != nil {
			return trace.Wrap(err)
		}
	default:
		return trace.BadParameter("unsupported ip rule kind %q", r.Kind)
	}
	return nil
}

// Expired reports whether the rule is past its expiry. Expired rules are
// ignored by the gate and reaped by the store TTL.
func (r IPRule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}
