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

package counter

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewarden/gatewarden"
	"github.com/gatewarden/gatewarden/lib/utils"
)

var (
	storeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: gatewarden.MetricNamespace,
			Name:      "store_requests_total",
			Help:      "Counter store operations by operation name",
		},
		[]string{"op"},
	)
	storeRequestsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: gatewarden.MetricNamespace,
			Name:      "store_requests_failed_total",
			Help:      "Failed counter store operations by operation name",
		},
		[]string{"op"},
	)
	storeLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: gatewarden.MetricNamespace,
			Name:      "store_op_seconds",
			Help:      "Latency of counter store operations",
			// lowest bucket of 1ms with factor 2, highest bucket start
			// of 1ms * 2^11 == 2.048s, past the per-op deadline
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

// ReporterConfig configures the metrics wrapper around a Store.
type ReporterConfig struct {
	// Store is the wrapped store. Required.
	Store Store
	// Clock measures operation latency. Defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ReporterConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Reporter wraps a Store and reports operation counts and latencies.
type Reporter struct {
	cfg ReporterConfig
}

// NewReporter returns a metrics reporting wrapper around cfg.Store.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(storeRequests, storeRequestsFailed, storeLatencies); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reporter{cfg: cfg}, nil
}

// observe records one operation. Missing keys are not failures.
func (r *Reporter) observe(op string, start time.Time, err error) {
	storeLatencies.Observe(r.cfg.Clock.Since(start).Seconds())
	storeRequests.WithLabelValues(op).Inc()
	if err != nil && !trace.IsNotFound(err) {
		storeRequestsFailed.WithLabelValues(op).Inc()
	}
}

func (r *Reporter) Incr(ctx context.Context, key string) (int64, error) {
	start := r.cfg.Clock.Now()
	n, err := r.cfg.Store.Incr(ctx, key)
	r.observe("incr", start, err)
	return n, err
}

func (r *Reporter) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	start := r.cfg.Clock.Now()
	n, err := r.cfg.Store.IncrWithTTL(ctx, key, ttl)
	r.observe("incr", start, err)
	return n, err
}

func (r *Reporter) IncrBatch(ctx context.Context, ops []IncrOp) ([]int64, error) {
	start := r.cfg.Clock.Now()
	counts, err := r.cfg.Store.IncrBatch(ctx, ops)
	r.observe("incr_batch", start, err)
	return counts, err
}

func (r *Reporter) Get(ctx context.Context, key string) (string, error) {
	start := r.cfg.Clock.Now()
	val, err := r.cfg.Store.Get(ctx, key)
	r.observe("get", start, err)
	return val, err
}

func (r *Reporter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := r.cfg.Clock.Now()
	err := r.cfg.Store.Set(ctx, key, value, ttl)
	r.observe("set", start, err)
	return err
}

func (r *Reporter) Delete(ctx context.Context, keys ...string) (int64, error) {
	start := r.cfg.Clock.Now()
	n, err := r.cfg.Store.Delete(ctx, keys...)
	r.observe("delete", start, err)
	return n, err
}

func (r *Reporter) Exists(ctx context.Context, key string) (bool, error) {
	start := r.cfg.Clock.Now()
	ok, err := r.cfg.Store.Exists(ctx, key)
	r.observe("exists", start, err)
	return ok, err
}

func (r *Reporter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	start := r.cfg.Clock.Now()
	err := r.cfg.Store.Expire(ctx, key, ttl)
	r.observe("expire", start, err)
	return err
}

func (r *Reporter) TTL(ctx context.Context, key string) (time.Duration, error) {
	start := r.cfg.Clock.Now()
	d, err := r.cfg.Store.TTL(ctx, key)
	r.observe("ttl", start, err)
	return d, err
}

func (r *Reporter) Keys(ctx context.Context, pattern string) ([]string, error) {
	start := r.cfg.Clock.Now()
	keys, err := r.cfg.Store.Keys(ctx, pattern)
	r.observe("keys", start, err)
	return keys, err
}

func (r *Reporter) Ping(ctx context.Context) error {
	start := r.cfg.Clock.Now()
	err := r.cfg.Store.Ping(ctx)
	r.observe("ping", start, err)
	return err
}

func (r *Reporter) Close() error {
	return r.cfg.Store.Close()
}
