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
	"errors"
	"io"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/gatewarden/gatewarden/lib/defaults"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection string. Required.
	URL string
	// Password overrides any password embedded in URL when set.
	Password string
	// Clock paces retries. Defaults to the real clock.
	Clock clockwork.Clock
	// OpTimeout bounds each operation including retries of a single
	// attempt. Defaults to defaults.StoreOpTimeout.
	OpTimeout time.Duration
	// RetryAttempts is the number of attempts per operation. Defaults to
	// defaults.StoreRetryAttempts.
	RetryAttempts int
	// RetryBaseDelay is the first retry backoff step, doubled after each
	// attempt. Defaults to defaults.StoreRetryBaseDelay.
	RetryBaseDelay time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RedisConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = defaults.StoreOpTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.StoreRetryAttempts
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = defaults.StoreRetryBaseDelay
	}
	return nil
}

// RedisStore implements Store on a single Redis endpoint.
type RedisStore struct {
	cfg    RedisConfig
	client redis.UniversalClient
}

// NewRedisStore connects a store to the Redis endpoint in cfg.URL.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, trace.BadParameter("invalid store URL: %v", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	return &RedisStore{
		cfg:    cfg,
		client: redis.NewClient(opts),
	}, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.client.Incr(ctx, key).Result()
		return err
	})
	return n, trace.Wrap(err)
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	counts, err := s.IncrBatch(ctx, []IncrOp{{Key: key, TTL: ttl}})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return counts[0], nil
}

func (s *RedisStore) IncrBatch(ctx context.Context, ops []IncrOp) ([]int64, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	counts := make([]int64, len(ops))
	err := s.withRetry(ctx, func(ctx context.Context) error {
		incrs := make([]*redis.IntCmd, len(ops))
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, op := range ops {
				incrs[i] = pipe.Incr(ctx, op.Key)
				if op.TTL > 0 {
					pipe.Expire(ctx, op.Key, op.TTL)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i, cmd := range incrs {
			counts[i] = cmd.Val()
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return counts, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		val, err = s.client.Get(ctx, key).Result()
		return err
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return trace.Wrap(s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	}))
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.client.Del(ctx, keys...).Result()
		return err
	})
	return n, trace.Wrap(err)
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.client.Exists(ctx, key).Result()
		return err
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	return n > 0, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var ok bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.client.Expire(ctx, key, ttl).Result()
		return err
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.NotFound("key %q is not found", key)
	}
	return nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		d, err = s.client.TTL(ctx, key).Result()
		return err
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	// go-redis surfaces the server's -2 (missing) and -1 (no expiry)
	// replies as bare negative durations.
	switch d {
	case time.Duration(-2):
		return 0, trace.NotFound("key %q is not found", key)
	case time.Duration(-1):
		return NoExpiry, nil
	}
	return d, nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		keys, err = s.client.Keys(ctx, pattern).Result()
		return err
	})
	return keys, trace.Wrap(err)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return trace.Wrap(s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	}))
}

func (s *RedisStore) Close() error {
	return trace.Wrap(s.client.Close())
}

// withRetry runs fn with the per-op deadline applied, retrying transient
// failures with doubling backoff. Non-transient errors, including missing
// keys, return immediately.
func (s *RedisStore) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := s.cfg.RetryBaseDelay
	var err error
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return trace.ConnectionProblem(ctx.Err(), "counter store operation aborted")
			case <-s.cfg.Clock.After(delay):
			}
			delay *= 2
		}
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		err = fn(opCtx)
		cancel()
		if err == nil || !isRetryable(err) {
			return convertError(err)
		}
	}
	return trace.ConnectionProblem(err, "counter store unavailable after %d attempts", s.cfg.RetryAttempts)
}

func isRetryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, redis.Nil),
		errors.Is(err, context.Canceled):
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return trace.NotFound("key is not found")
	default:
		return trace.Wrap(err)
	}
}
