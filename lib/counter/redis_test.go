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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	store, err := NewRedisStore(RedisConfig{
		URL: "redis://" + srv.Addr(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store, srv
}

func TestRedisStoreConfig(t *testing.T) {
	t.Parallel()

	_, err := NewRedisStore(RedisConfig{})
	require.True(t, trace.IsBadParameter(err))

	_, err = NewRedisStore(RedisConfig{URL: "http://not-redis"})
	require.True(t, trace.IsBadParameter(err))
}

func TestRedisStoreIncrWithTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, srv := newTestRedisStore(t)

	n, err := store.IncrWithTTL(ctx, "rate:minute:100:ip:abc", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = store.IncrWithTTL(ctx, "rate:minute:100:ip:abc", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	ttl, err := store.TTL(ctx, "rate:minute:100:ip:abc")
	require.NoError(t, err)
	require.Equal(t, time.Minute, ttl)

	// The bucket vanishes once its TTL elapses.
	srv.FastForward(61 * time.Second)
	_, err = store.Get(ctx, "rate:minute:100:ip:abc")
	require.True(t, trace.IsNotFound(err))
}

func TestRedisStoreIncrBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, srv := newTestRedisStore(t)

	counts, err := store.IncrBatch(ctx, []IncrOp{
		{Key: "w:minute", TTL: time.Minute},
		{Key: "w:hour", TTL: time.Hour},
		{Key: "w:day", TTL: 24 * time.Hour},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 1, 1}, counts)

	counts, err = store.IncrBatch(ctx, []IncrOp{
		{Key: "w:minute", TTL: time.Minute},
		{Key: "w:hour", TTL: time.Hour},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 2}, counts)

	require.True(t, srv.Exists("w:day"))
	srv.FastForward(25 * time.Hour)
	require.False(t, srv.Exists("w:day"))
}

func TestRedisStoreGetSetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	require.NoError(t, store.Set(ctx, "admin:rate-limit-config", `{"limits":{}}`, 0))

	val, err := store.Get(ctx, "admin:rate-limit-config")
	require.NoError(t, err)
	require.Equal(t, `{"limits":{}}`, val)

	ttl, err := store.TTL(ctx, "admin:rate-limit-config")
	require.NoError(t, err)
	require.Equal(t, NoExpiry, ttl)

	ok, err := store.Exists(ctx, "admin:rate-limit-config")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := store.Delete(ctx, "admin:rate-limit-config", "missing")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "admin:rate-limit-config")
	require.True(t, trace.IsNotFound(err))

	_, err = store.TTL(ctx, "missing")
	require.True(t, trace.IsNotFound(err))
}

func TestRedisStoreExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, srv := newTestRedisStore(t)

	err := store.Expire(ctx, "missing", time.Minute)
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, store.Set(ctx, "turnstile:used:abcd", "1", 0))
	require.NoError(t, store.Expire(ctx, "turnstile:used:abcd", 10*time.Minute))

	ttl, err := store.TTL(ctx, "turnstile:used:abcd")
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, ttl)

	srv.FastForward(10*time.Minute + time.Second)
	_, err = store.Get(ctx, "turnstile:used:abcd")
	require.True(t, trace.IsNotFound(err))
}

func TestRedisStoreKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	require.NoError(t, store.Set(ctx, "rate:minute:100:token:a", "1", 0))
	require.NoError(t, store.Set(ctx, "rate:hour:100:token:a", "2", 0))
	require.NoError(t, store.Set(ctx, "agent:limits:coach", "{}", 0))

	keys, err := store.Keys(ctx, "rate:*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"rate:minute:100:token:a", "rate:hour:100:token:a"}, keys)
}

func TestRedisStoreUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := miniredis.RunT(t)
	store, err := NewRedisStore(RedisConfig{
		URL:            "redis://" + srv.Addr(),
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// Stop the server so every attempt fails at the dial.
	srv.Close()

	_, err = store.Incr(ctx, "c")
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))
}
