// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	_, err := c.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 30*time.Second))

	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	c.now = func() time.Time { return base.Add(31 * time.Second) }
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCacheZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))

	c.now = func() time.Time { return base.Add(365 * 24 * time.Hour) }
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := NewRedisCache(client)

	_, err := c.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k2", []byte("v2"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k2"))
	_, err = c.Get(ctx, "k2")
	assert.ErrorIs(t, err, ErrMiss)
}
