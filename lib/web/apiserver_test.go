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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/lib/challenge"
	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/counter"
)

type stubVerifier struct{}

func (stubVerifier) Verify(ctx context.Context, req challenge.VerifierRequest) (*challenge.VerifierResponse, error) {
	return &challenge.VerifierResponse{Success: true, Hostname: "gatewarden.test"}, nil
}

type webHarness struct {
	clock    *clockwork.FakeClock
	store    *counter.MemoryStore
	provider *config.Provider
	coord    *challenge.Coordinator
	handler  *Handler
}

func newWebHarness(t *testing.T, defaults config.Document, secret string) *webHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := counter.NewMemoryStore(clock)

	provider, err := config.NewProvider(config.ProviderConfig{
		Store:    store,
		Defaults: defaults,
		Clock:    clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	cache, err := challenge.NewCache(challenge.CacheConfig{Store: store, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	coord, err := challenge.NewCoordinator(challenge.CoordinatorConfig{
		Store:     store,
		Cache:     cache,
		Verifier:  stubVerifier{},
		SecretKey: secret,
		Clock:     clock,
	})
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Store:       store,
		Provider:    provider,
		Coordinator: coord,
		Clock:       clock,
	})
	require.NoError(t, err)

	return &webHarness{
		clock:    clock,
		store:    store,
		provider: provider,
		coord:    coord,
		handler:  handler,
	}
}

func webDefaults() config.Document {
	enabled := true
	return config.Document{
		Limits:        &config.LimitsSection{Global: config.LimitSet{Minute: config.Int(3)}},
		RoutesInScope: []string{"/api"},
		Challenge:     &config.ChallengeSection{Enabled: &enabled},
	}
}

func (h *webHarness) do(method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, r)
	return rec
}

func TestChallengeVerifyEndpoint(t *testing.T) {
	h := newWebHarness(t, webDefaults(), "test-secret")

	rec := h.do(http.MethodPost, "/webapi/challenge/verify", `{"token": "tok-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp verifyChallengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, "gatewarden.test", resp.Hostname)

	// The requesting identity is now verified.
	rec = h.do(http.MethodGet, "/webapi/admin/ratelimits/identities", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChallengeVerifyFailures(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		h := newWebHarness(t, webDefaults(), "test-secret")
		rec := h.do(http.MethodPost, "/webapi/challenge/verify", `{}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp verifyChallengeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.False(t, resp.Success)
		require.Equal(t, string(challenge.KindInvalidRequest), resp.Kind)
	})

	t.Run("disabled", func(t *testing.T) {
		doc := webDefaults()
		doc.Challenge = nil
		h := newWebHarness(t, doc, "test-secret")
		rec := h.do(http.MethodPost, "/webapi/challenge/verify", `{"token": "tok-1"}`)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("missing secret", func(t *testing.T) {
		h := newWebHarness(t, webDefaults(), "")
		rec := h.do(http.MethodPost, "/webapi/challenge/verify", `{"token": "tok-1"}`)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp verifyChallengeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, string(challenge.KindMisconfigured), resp.Kind)
	})

	t.Run("malformed body", func(t *testing.T) {
		h := newWebHarness(t, webDefaults(), "test-secret")
		rec := h.do(http.MethodPost, "/webapi/challenge/verify", `{"token":`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		h := newWebHarness(t, webDefaults(), "test-secret")
		rec := h.do(http.MethodGet, "/webapi/health", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "ok", resp.Status)
		require.True(t, resp.Store.Reachable)
		require.True(t, resp.Challenge.Enabled)
		require.True(t, resp.Challenge.SecretConfigured)
		require.False(t, resp.Overlay.Present)
	})

	t.Run("missing challenge secret degrades", func(t *testing.T) {
		h := newWebHarness(t, webDefaults(), "")
		rec := h.do(http.MethodGet, "/webapi/health", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "degraded", resp.Status)
		require.False(t, resp.Challenge.SecretConfigured)
	})

	t.Run("unreachable store degrades", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store := counter.Misconfigured()
		provider, err := config.NewProvider(config.ProviderConfig{
			Store: store, Defaults: webDefaults(), Clock: clock,
		})
		require.NoError(t, err)
		t.Cleanup(func() { provider.Close() })

		cache, err := challenge.NewCache(challenge.CacheConfig{Store: store, Clock: clock})
		require.NoError(t, err)
		t.Cleanup(func() { cache.Close() })

		coord, err := challenge.NewCoordinator(challenge.CoordinatorConfig{
			Store: store, Cache: cache, Verifier: stubVerifier{}, SecretKey: "s", Clock: clock,
		})
		require.NoError(t, err)

		handler, err := NewHandler(Config{Store: store, Provider: provider, Coordinator: coord, Clock: clock})
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webapi/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "degraded", resp.Status)
		require.False(t, resp.Store.Reachable)
		require.NotEmpty(t, resp.Store.Error)
	})
}

func TestGetConfigRedactsSecrets(t *testing.T) {
	doc := webDefaults()
	secret := "super-secret-signing-key"
	doc.JWTSecret = &secret
	h := newWebHarness(t, doc, "test-secret")

	rec := h.do(http.MethodGet, "/webapi/admin/ratelimits/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), secret)

	var resp configResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.JWTSecretSet)
	require.True(t, resp.RateLimitingEnabled)
	require.Equal(t, 3, *resp.Global.Minute)
	require.Equal(t, []string{"/api"}, resp.RoutesInScope)
}
