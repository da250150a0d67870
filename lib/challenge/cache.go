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
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gatewarden/gatewarden"
	"github.com/gatewarden/gatewarden/lib/counter"
	"github.com/gatewarden/gatewarden/lib/defaults"
	logutils "github.com/gatewarden/gatewarden/lib/utils/log"
)

var cacheLog = logutils.NewPackageLogger(gatewarden.ComponentKey, gatewarden.Component(gatewarden.ComponentChallenge, "cache"))

// verifiedKeyPrefix holds verification records, one per identity key.
const verifiedKeyPrefix = "turnstile:verified:"

func verifiedKey(identityKey string) string {
	return verifiedKeyPrefix + identityKey
}

// verificationRecord is the stored proof that an identity passed a
// challenge.
type verificationRecord struct {
	IdentityKey string    `json:"identityKey"`
	VerifiedAt  time.Time `json:"verifiedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Store is the fleet-wide authoritative record store. Required.
	Store counter.Store
	// Clock drives expiry checks and the local sweep.
	Clock clockwork.Clock
	// SweepInterval is how often expired local entries are purged.
	SweepInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CacheConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.LocalVerificationSweepInterval
	}
	return nil
}

// Cache answers "has this identity passed a challenge". The store is
// authoritative so all instances agree; a process-local mirror covers
// store outages for identities this instance has seen verify recently.
type Cache struct {
	cfg CacheConfig

	mu    sync.Mutex
	local map[string]time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewCache creates the cache and starts the local sweep.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Cache{
		cfg:   cfg,
		local: make(map[string]time.Time),
		done:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c, nil
}

// Close stops the local sweep.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// IsVerified reports whether the identity holds an unexpired verification.
// A store failure falls back to the local mirror; a miss there means not
// verified. The check never errors and never assumes verification.
func (c *Cache) IsVerified(ctx context.Context, identityKey string) bool {
	var record verificationRecord
	err := counter.GetJSON(ctx, c.cfg.Store, verifiedKey(identityKey), &record)
	switch {
	case err == nil:
		return c.cfg.Clock.Now().Before(record.ExpiresAt)
	case trace.IsNotFound(err):
		return false
	}
	cacheLog.DebugContext(ctx, "Verification read failed, falling back to local cache", "error", err)
	return c.localVerified(identityKey)
}

// RemainingTTL returns how long the identity's verification remains valid,
// or zero when it is not verified.
func (c *Cache) RemainingTTL(ctx context.Context, identityKey string) time.Duration {
	var record verificationRecord
	err := counter.GetJSON(ctx, c.cfg.Store, verifiedKey(identityKey), &record)
	switch {
	case err == nil:
		if remaining := record.ExpiresAt.Sub(c.cfg.Clock.Now()); remaining > 0 {
			return remaining
		}
		return 0
	case trace.IsNotFound(err):
		return 0
	}
	c.mu.Lock()
	deadline, ok := c.local[identityKey]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	if remaining := deadline.Sub(c.cfg.Clock.Now()); remaining > 0 {
		return remaining
	}
	return 0
}

// MarkVerified records a successful challenge for the identity. The store
// write carries the TTL; the local mirror covers this instance if the
// store write fails or the store goes away later.
func (c *Cache) MarkVerified(ctx context.Context, identityKey string, ttl time.Duration) error {
	now := c.cfg.Clock.Now()
	record := verificationRecord{
		IdentityKey: identityKey,
		VerifiedAt:  now,
		ExpiresAt:   now.Add(ttl),
	}

	c.mu.Lock()
	c.local[identityKey] = record.ExpiresAt
	c.mu.Unlock()

	if err := counter.SetJSON(ctx, c.cfg.Store, verifiedKey(identityKey), record, ttl); err != nil {
		kind, _, _ := strings.Cut(identityKey, ":")
		cacheLog.WarnContext(ctx, "Failed to store verification record, keeping local copy only",
			"identity", kind, "error", err)
	}
	return nil
}

// Clear drops the identity's verification everywhere.
func (c *Cache) Clear(ctx context.Context, identityKey string) error {
	c.mu.Lock()
	delete(c.local, identityKey)
	c.mu.Unlock()

	if _, err := c.cfg.Store.Delete(ctx, verifiedKey(identityKey)); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// localVerified consults the process-local mirror, expiring on read.
func (c *Cache) localVerified(identityKey string) bool {
	now := c.cfg.Clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := c.local[identityKey]
	if !ok {
		return false
	}
	if !now.Before(deadline) {
		delete(c.local, identityKey)
		return false
	}
	return true
}

// sweepLoop purges expired local entries so the mirror cannot grow without
// bound between fallback reads.
func (c *Cache) sweepLoop() {
	ticker := c.cfg.Clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.cfg.Clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, deadline := range c.local {
		if !now.Before(deadline) {
			delete(c.local, key)
		}
	}
}
