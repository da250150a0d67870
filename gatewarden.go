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

// Package gatewarden holds constants shared across the gatewarden request
// gate: component names used for logging and the metric namespace.
package gatewarden

import "strings"

// Version is the semantic version of the gatewarden build. Overridden at
// link time by the release pipeline.
var Version = "0.1.0"

const (
	// ComponentKey is the log field that carries a component name.
	ComponentKey = "component"

	// ComponentGate is the rate limit decision engine.
	ComponentGate = "gate"

	// ComponentCounter is the Redis-backed counter store.
	ComponentCounter = "counter"

	// ComponentIdentity is the identity resolution waterfall.
	ComponentIdentity = "identity"

	// ComponentChallenge is the challenge coordinator and verification cache.
	ComponentChallenge = "challenge"

	// ComponentConfig is the layered configuration provider.
	ComponentConfig = "config"

	// ComponentWeb is the admin and verification HTTP API.
	ComponentWeb = "web"

	// ComponentServer is the top-level service wiring.
	ComponentServer = "server"
)

// Component generates a component name joining all parts, used when a
// subsystem wants a scoped logger, e.g. Component(ComponentWeb, "admin").
func Component(components ...string) string {
	return strings.Join(components, ":")
}

const (
	// MetricNamespace defines the prometheus metric namespace for all
	// gatewarden metrics.
	MetricNamespace = "gatewarden"
)
