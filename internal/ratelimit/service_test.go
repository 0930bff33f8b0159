package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tsukimori/mangahive/internal/scrape"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestAllowExactlyLimitPerWindow(t *testing.T) {
	t.Parallel()

	svc, mr := newTestService(t)
	ctx := context.Background()
	const limit = 5

	for i := 0; i < limit; i++ {
		ok, err := svc.Allow(ctx, "asuracomic.net", limit)
		require.NoError(t, err)
		require.True(t, ok, "call %d should be allowed", i+1)
	}
	for i := 0; i < 3; i++ {
		ok, err := svc.Allow(ctx, "asuracomic.net", limit)
		require.NoError(t, err)
		require.False(t, ok)
	}

	// Window expiry resets the counter.
	mr.FastForward(Window + time.Second)
	ok, err := svc.Allow(ctx, "asuracomic.net", limit)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllowIsPerDomain(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	ok, err := svc.Allow(ctx, "a.example", 1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = svc.Allow(ctx, "a.example", 1)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.Allow(ctx, "b.example", 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemaining(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	n, err := svc.Remaining(ctx, "mgeko.cc", 10)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	for i := 0; i < 4; i++ {
		_, err = svc.Allow(ctx, "mgeko.cc", 10)
		require.NoError(t, err)
	}
	n, err = svc.Remaining(ctx, "mgeko.cc", 10)
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

func TestLockExclusivityAndTTL(t *testing.T) {
	t.Parallel()

	svc, mr := newTestService(t)
	ctx := context.Background()

	ok, err := svc.AcquireLock(ctx, "scheduler", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.AcquireLock(ctx, "scheduler", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	// TTL expiry makes the lock crash-safe.
	mr.FastForward(31 * time.Second)
	ok, err = svc.AcquireLock(ctx, "scheduler", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.ReleaseLock(ctx, "scheduler"))
	// Release is idempotent.
	require.NoError(t, svc.ReleaseLock(ctx, "scheduler"))

	ok, err = svc.AcquireLock(ctx, "scheduler", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCookieRoundTrip(t *testing.T) {
	t.Parallel()

	svc, mr := newTestService(t)
	ctx := context.Background()

	cookies := []scrape.Cookie{
		{Name: "cf_clearance", Value: "abc123"},
		{Name: "session", Value: "xyz"},
	}
	require.NoError(t, svc.StoreCookies(ctx, "asuracomic.net", cookies, 2*time.Hour))

	got, err := svc.Cookies(ctx, "asuracomic.net")
	require.NoError(t, err)
	require.Equal(t, cookies, got)

	mr.FastForward(3 * time.Hour)
	got, err = svc.Cookies(ctx, "asuracomic.net")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestURLDedup(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	seen, err := svc.IsURLScraped(ctx, "https://mgeko.cc/manga/x")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, svc.MarkURLScraped(ctx, "https://mgeko.cc/manga/x", 24*time.Hour))

	seen, err = svc.IsURLScraped(ctx, "https://mgeko.cc/manga/x")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestStoreUnavailablePropagates(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	svc := New(rdb)
	mr.Close()

	_, err := svc.Allow(context.Background(), "a.example", 5)
	require.ErrorIs(t, err, scrape.ErrStoreUnavailable)
}
