package dedupe_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/romshark/cdcrelay/internal/dedupe"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSeenMark(t *testing.T) {
	mr, client := setupTestRedis(t)
	d := dedupe.New(client, "cdcrelay:applied", time.Minute)
	ctx := t.Context()

	seen, err := d.Seen(ctx, "partner:1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, d.Mark(ctx, "partner:1"))
	require.True(t, mr.Exists("cdcrelay:applied:partner:1"))

	seen, err = d.Seen(ctx, "partner:1")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = d.Seen(ctx, "partner:2")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	d := dedupe.New(client, "p", time.Minute)
	ctx := t.Context()

	require.NoError(t, d.Mark(ctx, "x"))
	require.Equal(t, time.Minute, mr.TTL("p:x"))

	mr.FastForward(61 * time.Second)
	seen, err := d.Seen(ctx, "x")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestDefaultTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	d := dedupe.New(client, "p", 0)
	require.NoError(t, d.Mark(t.Context(), "x"))
	require.Equal(t, dedupe.DefaultTTL, mr.TTL("p:x"))
}

func TestUnavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	d := dedupe.New(client, "p", time.Minute)
	mr.Close()

	_, err := d.Seen(t.Context(), "x")
	require.Error(t, err)
	require.Error(t, d.Mark(t.Context(), "x"))
	require.Error(t, d.Ping(t.Context()))
}
