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

// Package service assembles the gatewarden process: counter store,
// configuration provider, challenge coordinator, rate limit engine, the
// web API and the upstream proxy, with one HTTP server in front.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gatewarden/gatewarden"
	"github.com/gatewarden/gatewarden/lib/challenge"
	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/counter"
	"github.com/gatewarden/gatewarden/lib/defaults"
	"github.com/gatewarden/gatewarden/lib/limiter"
	logutils "github.com/gatewarden/gatewarden/lib/utils/log"
	"github.com/gatewarden/gatewarden/lib/web"
)

var log = logutils.NewPackageLogger(gatewarden.ComponentKey, gatewarden.ComponentServer)

// Service is a running gatewarden instance.
type Service struct {
	cfg Config

	store       counter.Store
	provider    *config.Provider
	cache       *challenge.Cache
	coordinator *challenge.Coordinator
	engine      *limiter.Engine

	root       http.Handler
	httpServer *http.Server
}

// New wires all components. A missing Redis URL does not fail construction:
// the gate runs against a misconfigured store sentinel and refuses gated
// requests while the admin surface and health probe keep working. A
// malformed baseline file does fail construction.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	provider, err := config.NewProvider(config.ProviderConfig{
		Store:        store,
		BaselinePath: cfg.BaselinePath,
		Defaults:     cfg.envDefaults(),
		Clock:        cfg.Clock,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	if provider.Current(ctx).JWTSecret == "" {
		log.WarnContext(ctx, "No JWT secret is configured, token subjects are decoded without signature verification. Do not run production this way.")
	}

	verifier := cfg.Verifier
	if verifier == nil {
		verifier, err = challenge.NewHTTPVerifier(challenge.HTTPVerifierConfig{URL: cfg.VerifierURL})
		if err != nil {
			provider.Close()
			store.Close()
			return nil, trace.Wrap(err)
		}
	}
	cache, err := challenge.NewCache(challenge.CacheConfig{
		Store: store,
		Clock: cfg.Clock,
	})
	if err != nil {
		provider.Close()
		store.Close()
		return nil, trace.Wrap(err)
	}
	coordinator, err := challenge.NewCoordinator(challenge.CoordinatorConfig{
		Store:     store,
		Cache:     cache,
		Verifier:  verifier,
		SecretKey: cfg.VerifierSecretKey,
		Clock:     cfg.Clock,
	})
	if err != nil {
		cache.Close()
		provider.Close()
		store.Close()
		return nil, trace.Wrap(err)
	}

	engine, err := limiter.NewEngine(limiter.EngineConfig{
		Store:       store,
		Provider:    provider,
		Coordinator: coordinator,
		Clock:       cfg.Clock,
	})
	if err != nil {
		cache.Close()
		provider.Close()
		store.Close()
		return nil, trace.Wrap(err)
	}
	webHandler, err := web.NewHandler(web.Config{
		Store:       store,
		Provider:    provider,
		Coordinator: coordinator,
		Clock:       cfg.Clock,
	})
	if err != nil {
		cache.Close()
		provider.Close()
		store.Close()
		return nil, trace.Wrap(err)
	}

	root := &rootHandler{
		web:   webHandler,
		gated: engine.Wrap(newUpstream(cfg)),
	}
	s := &Service{
		cfg:         cfg,
		store:       store,
		provider:    provider,
		cache:       cache,
		coordinator: coordinator,
		engine:      engine,
		root:        root,
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           root,
			ReadHeaderTimeout: defaults.ReadHeaderTimeout,
		},
	}
	return s, nil
}

// newStore builds the counter store for the configured backend, wrapped in
// the metrics reporter.
func newStore(ctx context.Context, cfg Config) (counter.Store, error) {
	var store counter.Store
	switch cfg.StoreKind {
	case StoreMemory:
		store = counter.NewMemoryStore(cfg.Clock)
	case StoreRedis:
		if cfg.RedisURL == "" {
			log.ErrorContext(ctx, "No Redis URL is configured, gated requests will be refused until the counter store is configured.")
			store = counter.Misconfigured()
			break
		}
		redisStore, err := counter.NewRedisStore(counter.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisToken,
			Clock:    cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		store = redisStore
	}
	reporter, err := counter.NewReporter(counter.ReporterConfig{
		Store: store,
		Clock: cfg.Clock,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	return reporter, nil
}

// newUpstream returns the handler requests reach after clearing the gate: a
// reverse proxy to the configured origin, or a terminal 502 when no origin
// is configured.
func newUpstream(cfg Config) http.Handler {
	if cfg.UpstreamURL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no upstream configured", http.StatusBadGateway)
		})
	}
	// Validated in CheckAndSetDefaults.
	u, _ := url.Parse(cfg.UpstreamURL)
	return &httputil.ReverseProxy{
		Director: func(outReq *http.Request) {
			outReq.URL.Scheme = u.Scheme
			outReq.URL.Host = u.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WarnContext(r.Context(), "Failed to proxy request to the upstream.", "error", err, "method", r.Method, "path", r.URL.Path)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
}

// rootHandler splits traffic between the gatewarden API and the gated
// upstream. The API is reachable regardless of gate state so operators can
// fix a misbehaving configuration through it.
type rootHandler struct {
	web   http.Handler
	gated http.Handler
}

func (h *rootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" || strings.HasPrefix(r.URL.Path, "/webapi/") {
		h.web.ServeHTTP(w, r)
		return
	}
	h.gated.ServeHTTP(w, r)
}

// Handler exposes the root handler. Tests drive the full stack through it
// without binding a listener.
func (s *Service) Handler() http.Handler {
	return s.root
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "Gatewarden is listening.",
		"addr", lis.Addr().String(),
		"store", s.cfg.StoreKind,
		"upstream", s.cfg.UpstreamURL,
		"base_url", s.cfg.BaseURL,
		"version", gatewarden.Version,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		return trace.Wrap(s.httpServer.Shutdown(shutdownCtx))
	})
	return trace.Wrap(g.Wait())
}

// Close releases every component. Safe after a finished Run.
func (s *Service) Close() error {
	return trace.NewAggregate(
		s.provider.Close(),
		s.cache.Close(),
		s.store.Close(),
	)
}
