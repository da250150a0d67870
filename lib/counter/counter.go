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

// Package counter implements the shared counter store behind the rate limit
// engine, the challenge coordinator and the admin surface. The production
// implementation speaks to Redis; a memory implementation backs tests and
// single-process deployments.
package counter

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gravitational/trace"
)

// NoExpiry is returned by TTL for keys that exist without an expiration.
const NoExpiry = time.Duration(-1)

// ErrMisconfigured is returned by a store that was wired without a working
// backend configuration. Callers translate it into a misconfiguration
// response rather than a transient outage.
var ErrMisconfigured = errors.New("counter store is not configured")

// IsMisconfigured returns true if the error originates from a store without
// a backend configuration.
func IsMisconfigured(err error) bool {
	return errors.Is(err, ErrMisconfigured)
}

// IncrOp is a single increment inside a batched pipeline. A positive TTL is
// applied to the key in the same pipeline as the increment.
type IncrOp struct {
	Key string
	TTL time.Duration
}

// Store is the minimal key/value and counter surface the gate needs. All
// operations are bounded by the implementation's per-op deadline regardless
// of the caller's context.
type Store interface {
	// Incr increments the integer value at key by one and returns the new
	// value, creating the key at 1 if missing.
	Incr(ctx context.Context, key string) (int64, error)

	// IncrWithTTL increments key and applies ttl in a single pipeline.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrBatch executes all increments in one pipeline, each increment
	// paired with its expiry, and returns the post-increment values in
	// order.
	IncrBatch(ctx context.Context, ops []IncrOp) ([]int64, error)

	// Get returns the value at key or trace.NotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A positive ttl bounds the key's lifetime; a
	// zero ttl persists it.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the given keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire bounds the lifetime of an existing key, trace.NotFound when
	// the key is missing.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key, NoExpiry for persistent
	// keys, or trace.NotFound for missing ones.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Keys returns all keys matching the glob pattern. Administrative use
	// only, never on the request path.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// GetInt reads the integer value at key.
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("key %q holds a non-integer value %q", key, raw)
	}
	return n, nil
}

// GetJSON reads and unmarshals the JSON document at key into out.
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return trace.BadParameter("key %q holds malformed JSON: %v", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.Set(ctx, key, string(raw), ttl))
}

// Misconfigured returns a Store whose every operation fails with
// ErrMisconfigured. The service wires it when no backend is configured so
// the gate degrades deterministically while the rest of the process runs.
func Misconfigured() Store {
	return misconfiguredStore{}
}

type misconfiguredStore struct{}

func (misconfiguredStore) err() error { return trace.Wrap(ErrMisconfigured) }

func (s misconfiguredStore) Incr(context.Context, string) (int64, error) { return 0, s.err() }
func (s misconfiguredStore) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, s.err()
}
func (s misconfiguredStore) IncrBatch(context.Context, []IncrOp) ([]int64, error) {
	return nil, s.err()
}
func (s misconfiguredStore) Get(context.Context, string) (string, error) { return "", s.err() }
func (s misconfiguredStore) Set(context.Context, string, string, time.Duration) error {
	return s.err()
}
func (s misconfiguredStore) Delete(context.Context, ...string) (int64, error) { return 0, s.err() }
func (s misconfiguredStore) Exists(context.Context, string) (bool, error)     { return false, s.err() }
func (s misconfiguredStore) Expire(context.Context, string, time.Duration) error {
	return s.err()
}
func (s misconfiguredStore) TTL(context.Context, string) (time.Duration, error) {
	return 0, s.err()
}
func (s misconfiguredStore) Keys(context.Context, string) ([]string, error) { return nil, s.err() }
func (s misconfiguredStore) Ping(context.Context) error                     { return s.err() }
func (s misconfiguredStore) Close() error                                   { return nil }
