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

package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// writeBaseline drops a baseline config file into a test dir.
func writeBaseline(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatewarden.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

// newTestService builds a memory-backed service around the given baseline.
func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.StoreKind == "" {
		cfg.StoreKind = StoreMemory
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClock()
	}
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func get(t *testing.T, h http.Handler, path, ip string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if ip != "" {
		r.Header.Set("X-Forwarded-For", ip)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestServiceGatesRequests(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	s := newTestService(t, Config{
		BaselinePath: writeBaseline(t, `{"limits": {"global": {"minute": 2}}, "routesInScope": ["/api"]}`),
		UpstreamURL:  upstream.URL,
	})
	h := s.Handler()

	// Two allowed requests reach the upstream with gate headers attached.
	rec := get(t, h, "/api/data", "203.0.113.5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "upstream:/api/data", rec.Body.String())
	require.Equal(t, "ip", rec.Header().Get("X-RateLimit-Identity"))
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = get(t, h, "/api/data", "203.0.113.5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// The third is denied before the upstream.
	rec = get(t, h, "/api/data", "203.0.113.5")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "minute", rec.Header().Get("X-RateLimit-Window"))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.JSONEq(t, `{"message": "rate limit exceeded, try again later"}`, rec.Body.String())

	// Out of scope traffic is proxied unmetered.
	rec = get(t, h, "/healthz", "203.0.113.5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "upstream:/healthz", rec.Body.String())
	require.Equal(t, "out-of-scope", rec.Header().Get("X-RateLimit-Bypass"))
}

func TestServiceAPIBypassesGate(t *testing.T) {
	s := newTestService(t, Config{
		BaselinePath: writeBaseline(t, `{"limits": {"global": {"minute": 0}}, "routesInScope": ["/"]}`),
	})
	h := s.Handler()

	// Everything is in scope with a zero limit, yet the API still serves.
	rec := get(t, h, "/api/data", "203.0.113.5")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = get(t, h, "/webapi/health", "203.0.113.5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)

	rec = get(t, h, "/metrics", "203.0.113.5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "gatewarden_gate_degraded_open_total")
}

func TestServiceNoUpstream(t *testing.T) {
	s := newTestService(t, Config{
		BaselinePath: writeBaseline(t, `{"limits": {"global": {"minute": 2}}, "routesInScope": ["/api"]}`),
	})

	rec := get(t, s.Handler(), "/api/data", "203.0.113.5")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	// The gate still ran and metered the request.
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestServiceMisconfiguredStore(t *testing.T) {
	s := newTestService(t, Config{
		StoreKind:    StoreRedis,
		BaselinePath: writeBaseline(t, `{"limits": {"global": {"minute": 2}}, "routesInScope": ["/api"]}`),
	})
	h := s.Handler()

	rec := get(t, h, "/api/data", "203.0.113.5")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "backend-misconfigured", rec.Header().Get("X-RateLimit-Error"))

	// Health keeps serving and reports the degraded store.
	rec = get(t, h, "/webapi/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestServiceRejectsMalformedBaseline(t *testing.T) {
	_, err := New(context.Background(), Config{
		StoreKind:    StoreMemory,
		BaselinePath: writeBaseline(t, `{"limits": `),
	})
	require.Error(t, err)
}

func TestServiceRejectsBadRedisURL(t *testing.T) {
	_, err := New(context.Background(), Config{
		StoreKind: StoreRedis,
		RedisURL:  "not-a-url",
	})
	require.Error(t, err)
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, StoreRedis, cfg.StoreKind)

	require.Error(t, (&Config{StoreKind: "etcd"}).CheckAndSetDefaults())
	require.Error(t, (&Config{UpstreamURL: "://nope"}).CheckAndSetDefaults())
	require.Error(t, (&Config{BaseURL: "nope"}).CheckAndSetDefaults())
	require.Error(t, (&Config{VerificationTTLSeconds: -1}).CheckAndSetDefaults())
}

func TestServiceRunShutsDown(t *testing.T) {
	s := newTestService(t, Config{
		ListenAddr: "127.0.0.1:0",
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
