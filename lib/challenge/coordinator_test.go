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
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/counter"
	"github.com/gatewarden/gatewarden/lib/identity"
)

type fakeVerifier struct {
	calls   int
	lastReq VerifierRequest
	resp    *VerifierResponse
	err     error
}

func (f *fakeVerifier) Verify(ctx context.Context, req VerifierRequest) (*VerifierResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func acceptingVerifier() *fakeVerifier {
	return &fakeVerifier{resp: &VerifierResponse{
		Success:     true,
		ChallengeTS: "2025-06-01T12:00:00Z",
		Hostname:    "gate.example.com",
	}}
}

type coordinatorHarness struct {
	clock       *clockwork.FakeClock
	store       counter.Store
	cache       *Cache
	verifier    *fakeVerifier
	coordinator *Coordinator
}

func newCoordinatorHarness(t *testing.T, verifier *fakeVerifier, secret string) *coordinatorHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := counter.NewMemoryStore(clock)
	cache := newTestCache(t, store, clock)
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store:     store,
		Cache:     cache,
		Verifier:  verifier,
		SecretKey: secret,
		Clock:     clock,
	})
	require.NoError(t, err)
	return &coordinatorHarness{
		clock:       clock,
		store:       store,
		cache:       cache,
		verifier:    verifier,
		coordinator: coordinator,
	}
}

func challengeConfig() config.ChallengeConfig {
	return config.ChallengeConfig{
		Enabled:             true,
		BypassAuthenticated: true,
		RequiredForIP:       true,
		VerificationTTL:     time.Hour,
	}
}

func TestRequired(t *testing.T) {
	ipID := identity.FromIP("203.0.113.9")
	tokenID := identity.Identity{Kind: identity.KindToken, Value: "user-1"}
	sessionID := identity.Identity{Kind: identity.KindSession, Value: "s-1"}
	anonID := identity.Anonymous()

	tests := []struct {
		name string
		id   identity.Identity
		cfg  config.ChallengeConfig
		want bool
	}{
		{name: "disabled", id: ipID, cfg: config.ChallengeConfig{RequiredForIP: true}, want: false},
		{name: "ip required", id: ipID, cfg: challengeConfig(), want: true},
		{name: "ip not required", id: ipID, cfg: config.ChallengeConfig{Enabled: true}, want: false},
		{name: "token bypassed", id: tokenID, cfg: challengeConfig(), want: false},
		{name: "session bypassed", id: sessionID, cfg: challengeConfig(), want: false},
		{
			name: "token without bypass",
			id:   tokenID,
			cfg:  config.ChallengeConfig{Enabled: true, RequiredForIP: true},
			want: false,
		},
		{name: "anonymous", id: anonID, cfg: challengeConfig(), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Required(tt.id, tt.cfg))
		})
	}
}

func TestVerifySuccess(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, acceptingVerifier(), "secret-key")
	id := identity.FromIP("203.0.113.9")

	result := h.coordinator.Verify(ctx, VerifyRequest{
		Token:    "tok-1",
		Action:   "login",
		Identity: id,
		RemoteIP: "203.0.113.9",
	}, challengeConfig())

	require.True(t, result.Success)
	require.Equal(t, "2025-06-01T12:00:00Z", result.ChallengeTS)
	require.Equal(t, "gate.example.com", result.Hostname)

	// The verifier saw the secret, the token and the client address.
	require.Equal(t, "secret-key", h.verifier.lastReq.Secret)
	require.Equal(t, "tok-1", h.verifier.lastReq.Token)
	require.Equal(t, "203.0.113.9", h.verifier.lastReq.RemoteIP)
	require.Equal(t, "login", h.verifier.lastReq.Action)

	// Verification is cached under the identity, not the token.
	require.True(t, h.cache.IsVerified(ctx, id.Key()))
	require.Equal(t, StateVerified, h.coordinator.State(ctx, id, challengeConfig()))
}

func TestVerifyPreconditions(t *testing.T) {
	ctx := context.Background()
	id := identity.FromIP("203.0.113.9")

	t.Run("disabled", func(t *testing.T) {
		h := newCoordinatorHarness(t, acceptingVerifier(), "secret-key")
		cfg := challengeConfig()
		cfg.Enabled = false
		result := h.coordinator.Verify(ctx, VerifyRequest{Token: "tok", Identity: id}, cfg)
		require.False(t, result.Success)
		require.Equal(t, KindDisabled, result.Kind)
		require.Zero(t, h.verifier.calls)
	})

	t.Run("missing secret", func(t *testing.T) {
		h := newCoordinatorHarness(t, acceptingVerifier(), "")
		result := h.coordinator.Verify(ctx, VerifyRequest{Token: "tok", Identity: id}, challengeConfig())
		require.False(t, result.Success)
		require.Equal(t, KindMisconfigured, result.Kind)
		require.Zero(t, h.verifier.calls)
	})

	t.Run("missing token", func(t *testing.T) {
		h := newCoordinatorHarness(t, acceptingVerifier(), "secret-key")
		result := h.coordinator.Verify(ctx, VerifyRequest{Identity: id}, challengeConfig())
		require.False(t, result.Success)
		require.Equal(t, KindInvalidRequest, result.Kind)
		require.Zero(t, h.verifier.calls)
	})
}

func TestVerifySubLimit(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, acceptingVerifier(), "secret-key")
	id := identity.FromIP("203.0.113.9")

	// Distinct tokens so only the throttle is in play.
	for i := 1; i <= 5; i++ {
		result := h.coordinator.Verify(ctx, VerifyRequest{
			Token:    fmt.Sprintf("tok-%d", i),
			Identity: id,
		}, challengeConfig())
		require.True(t, result.Success, "attempt %d", i)
	}

	result := h.coordinator.Verify(ctx, VerifyRequest{Token: "tok-6", Identity: id}, challengeConfig())
	require.False(t, result.Success)
	require.Equal(t, KindRateLimited, result.Kind)
	require.Equal(t, 5, h.verifier.calls)

	// A fresh minute bucket clears the throttle.
	h.clock.Advance(time.Minute)
	result = h.coordinator.Verify(ctx, VerifyRequest{Token: "tok-7", Identity: id}, challengeConfig())
	require.True(t, result.Success)
}

func TestVerifyReplayMaxUses(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, acceptingVerifier(), "secret-key")
	id := identity.FromIP("203.0.113.9")

	// Three rapid submits of the same token are absorbed as client
	// retries; the fourth is a replay.
	for i := 1; i <= 3; i++ {
		result := h.coordinator.Verify(ctx, VerifyRequest{Token: "tok-same", Identity: id}, challengeConfig())
		require.True(t, result.Success, "use %d", i)
	}

	result := h.coordinator.Verify(ctx, VerifyRequest{Token: "tok-same", Identity: id}, challengeConfig())
	require.False(t, result.Success)
	require.Equal(t, KindDuplicate, result.Kind)
}

func TestVerifyReplayOutsideGrace(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, acceptingVerifier(), "secret-key")
	id := identity.FromIP("203.0.113.9")

	result := h.coordinator.Verify(ctx, VerifyRequest{Token: "tok-old", Identity: id}, challengeConfig())
	require.True(t, result.Success)

	// A second use is within the allowed count but past the grace window.
	h.clock.Advance(31 * time.Second)
	result = h.coordinator.Verify(ctx, VerifyRequest{Token: "tok-old", Identity: id}, challengeConfig())
	require.False(t, result.Success)
	require.Equal(t, KindDuplicate, result.Kind)
}

func TestVerifyVerifierRejection(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{resp: &VerifierResponse{
		Success:    false,
		ErrorCodes: []string{"invalid-input-response"},
	}}
	h := newCoordinatorHarness(t, verifier, "secret-key")
	id := identity.FromIP("203.0.113.9")

	result := h.coordinator.Verify(ctx, VerifyRequest{Token: "tok-bad", Identity: id}, challengeConfig())
	require.False(t, result.Success)
	require.Equal(t, KindVerifierFailed, result.Kind)
	require.Equal(t, []string{"invalid-input-response"}, result.ErrorCodes)

	// Nothing is cached on rejection.
	require.False(t, h.cache.IsVerified(ctx, id.Key()))
}

func TestVerifyVerifierUnavailable(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{err: trace.ConnectionProblem(nil, "timeout")}
	h := newCoordinatorHarness(t, verifier, "secret-key")
	id := identity.FromIP("203.0.113.9")

	result := h.coordinator.Verify(ctx, VerifyRequest{Token: "tok", Identity: id}, challengeConfig())
	require.False(t, result.Success)
	require.Equal(t, KindVerifierUnavailable, result.Kind)
	require.False(t, h.cache.IsVerified(ctx, id.Key()))
}

func TestVerifyDuringStoreOutage(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := &outageStore{Store: counter.NewMemoryStore(clock)}
	cache := newTestCache(t, store, clock)
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store:     store,
		Cache:     cache,
		Verifier:  acceptingVerifier(),
		SecretKey: "secret-key",
		Clock:     clock,
	})
	require.NoError(t, err)
	id := identity.FromIP("203.0.113.9")

	store.down.Store(true)

	// The throttle and replay guards degrade rather than blocking all
	// verification; the result lands in the local cache.
	result := coordinator.Verify(ctx, VerifyRequest{Token: "tok", Identity: id}, challengeConfig())
	require.True(t, result.Success)
	require.True(t, cache.IsVerified(ctx, id.Key()))
}

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t, acceptingVerifier(), "secret-key")
	cfg := challengeConfig()

	tokenID := identity.Identity{Kind: identity.KindToken, Value: "user-1"}
	require.Equal(t, StateNotRequired, h.coordinator.State(ctx, tokenID, cfg))

	ipID := identity.FromIP("198.51.100.1")
	require.Equal(t, StateRequired, h.coordinator.State(ctx, ipID, cfg))

	require.NoError(t, h.cache.MarkVerified(ctx, ipID.Key(), time.Hour))
	require.Equal(t, StateVerified, h.coordinator.State(ctx, ipID, cfg))

	h.clock.Advance(time.Hour + time.Second)
	require.Equal(t, StateRequired, h.coordinator.State(ctx, ipID, cfg))
}

func TestFailureKindStatusCodes(t *testing.T) {
	require.Equal(t, http.StatusServiceUnavailable, KindDisabled.StatusCode())
	require.Equal(t, http.StatusTooManyRequests, KindRateLimited.StatusCode())
	require.Equal(t, http.StatusConflict, KindDuplicate.StatusCode())
	require.Equal(t, http.StatusBadRequest, KindInvalidRequest.StatusCode())
	require.Equal(t, http.StatusForbidden, KindVerifierFailed.StatusCode())
	require.Equal(t, http.StatusBadGateway, KindVerifierUnavailable.StatusCode())
	require.Equal(t, http.StatusServiceUnavailable, KindMisconfigured.StatusCode())
	require.Equal(t, http.StatusInternalServerError, KindInternal.StatusCode())
}
