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
	"fmt"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/lib/config"
)

// CounterKeyPrefix is the keyspace holding all rate counters.
const CounterKeyPrefix = "rate:"

const (
	routeQualifier = ":route="
	agentQualifier = ":agent="
)

// Scope names which limit set a counter belongs to. Global and IP
// custom-limit counters share the bare identity meters; route and agent
// overrides meter separately so an override bucket cannot be consumed by
// unrelated traffic.
type Scope struct {
	// Route is the matched route pattern for route-scoped counters.
	Route string
	// Agent is the agent identifier for agent-scoped counters.
	Agent string
}

// GlobalScope is the unqualified scope.
var GlobalScope = Scope{}

func (s Scope) qualifier() string {
	switch {
	case s.Route != "":
		return routeQualifier + s.Route
	case s.Agent != "":
		return agentQualifier + s.Agent
	}
	return ""
}

// String renders the scope for logs and the admin listing.
func (s Scope) String() string {
	switch {
	case s.Route != "":
		return "route=" + s.Route
	case s.Agent != "":
		return "agent=" + s.Agent
	}
	return "global"
}

// CounterKey builds the storage key for one identity's bucket in one
// window: rate:<window>:<bucket_start>:<identity_key> plus the scope
// qualifier for route and agent scoped counters.
func CounterKey(w config.Window, bucketStart int64, identityKey string, scope Scope) string {
	return fmt.Sprintf("%s%s:%d:%s%s", CounterKeyPrefix, w, bucketStart, identityKey, scope.qualifier())
}

// Key is a parsed counter key.
type Key struct {
	Window      config.Window
	BucketStart int64
	IdentityKey string
	Scope       Scope
}

// ParseKey splits a storage key back into its parts. Used by the admin
// listing when grouping counters by identity.
func ParseKey(key string) (Key, error) {
	rest, ok := strings.CutPrefix(key, CounterKeyPrefix)
	if !ok {
		return Key{}, trace.BadParameter("not a counter key: %q", key)
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return Key{}, trace.BadParameter("malformed counter key: %q", key)
	}
	w := config.Window(parts[0])
	if !w.Valid() {
		return Key{}, trace.BadParameter("unknown window in counter key: %q", key)
	}
	start, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Key{}, trace.BadParameter("malformed bucket start in counter key: %q", key)
	}

	identityKey := parts[2]
	var scope Scope
	if i := strings.LastIndex(identityKey, routeQualifier); i >= 0 {
		scope.Route = identityKey[i+len(routeQualifier):]
		identityKey = identityKey[:i]
	} else if i := strings.LastIndex(identityKey, agentQualifier); i >= 0 {
		scope.Agent = identityKey[i+len(agentQualifier):]
		identityKey = identityKey[:i]
	}
	if identityKey == "" {
		return Key{}, trace.BadParameter("missing identity in counter key: %q", key)
	}
	return Key{
		Window:      w,
		BucketStart: start,
		IdentityKey: identityKey,
		Scope:       scope,
	}, nil
}
