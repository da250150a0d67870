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

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreIncr(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock)

	n, err := s.Incr(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	got, err := GetInt(ctx, s, "c")
	require.NoError(t, err)
	require.Equal(t, int64(2), got)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock)

	n, err := s.IncrWithTTL(ctx, "bucket", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ttl, err := s.TTL(ctx, "bucket")
	require.NoError(t, err)
	require.Equal(t, time.Minute, ttl)

	clock.Advance(30 * time.Second)
	ttl, err = s.TTL(ctx, "bucket")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, ttl)

	clock.Advance(31 * time.Second)
	_, err = s.TTL(ctx, "bucket")
	require.True(t, trace.IsNotFound(err))

	// A fresh increment starts the bucket over.
	n, err = s.IncrWithTTL(ctx, "bucket", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestMemoryStoreTTLNoExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClock())

	require.NoError(t, s.Set(ctx, "persistent", "v", 0))
	ttl, err := s.TTL(ctx, "persistent")
	require.NoError(t, err)
	require.Equal(t, NoExpiry, ttl)
}

func TestMemoryStoreExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock)

	err := s.Expire(ctx, "missing", time.Minute)
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	require.NoError(t, s.Expire(ctx, "k", 30*time.Second))

	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, ttl)

	clock.Advance(31 * time.Second)
	_, err = s.Get(ctx, "k")
	require.True(t, trace.IsNotFound(err))
}

func TestMemoryStoreIncrBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClock())

	counts, err := s.IncrBatch(ctx, []IncrOp{
		{Key: "a", TTL: time.Minute},
		{Key: "b", TTL: time.Hour},
		{Key: "a", TTL: time.Minute},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 1, 2}, counts)
}

func TestMemoryStoreKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClock())

	require.NoError(t, s.Set(ctx, "rate:minute:100:ip:abc", "1", 0))
	require.NoError(t, s.Set(ctx, "rate:hour:100:ip:abc", "1", 0))
	require.NoError(t, s.Set(ctx, "rate:minute:100:ip:abc:route=/api/expensive", "1", 0))
	require.NoError(t, s.Set(ctx, "ip:rule:1.2.3.4", "{}", 0))

	// Redis glob semantics: `*` crosses slashes in route qualifiers.
	keys, err := s.Keys(ctx, "rate:*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"rate:minute:100:ip:abc",
		"rate:hour:100:ip:abc",
		"rate:minute:100:ip:abc:route=/api/expensive",
	}, keys)

	keys, err = s.Keys(ctx, "rate:minute:*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"rate:minute:100:ip:abc",
		"rate:minute:100:ip:abc:route=/api/expensive",
	}, keys)

	keys, err = s.Keys(ctx, "ip:rule:*")
	require.NoError(t, err)
	require.Equal(t, []string{"ip:rule:1.2.3.4"}, keys)
}

func TestMemoryStoreDeleteExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClock())

	require.NoError(t, s.Set(ctx, "a", "1", 0))
	require.NoError(t, s.Set(ctx, "b", "2", 0))

	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.Delete(ctx, "a", "b", "missing")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	ok, err = s.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(ctx, "a")
	require.True(t, trace.IsNotFound(err))
}

func TestStoreJSONRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClock())

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, SetJSON(ctx, s, "doc", doc{Name: "x", Count: 3}, 0))

	var out doc
	require.NoError(t, GetJSON(ctx, s, "doc", &out))
	require.Equal(t, doc{Name: "x", Count: 3}, out)

	require.NoError(t, s.Set(ctx, "junk", "{not json", 0))
	require.True(t, trace.IsBadParameter(GetJSON(ctx, s, "junk", &out)))
}

func TestMisconfiguredStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := Misconfigured()

	_, err := s.Incr(ctx, "c")
	require.True(t, IsMisconfigured(err))

	_, err = s.Get(ctx, "c")
	require.True(t, IsMisconfigured(err))

	require.True(t, IsMisconfigured(s.Ping(ctx)))
	require.NoError(t, s.Close())
}
