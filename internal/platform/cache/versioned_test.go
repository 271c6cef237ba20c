package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Value int `json:"value"`
}

func newTestCache(t *testing.T) *Versioned {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewVersioned(client, "test", time.Minute)
}

func TestVersionedFetchAndBump(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return payload{Value: calls}, nil
	}

	key, err := c.BuildKey(ctx, "stock", "1")
	require.NoError(t, err)
	require.Equal(t, "stock:1:1", key)

	var got payload
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, 1, got.Value)
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, 1, got.Value)
	require.Equal(t, 1, calls)

	require.NoError(t, c.Bump(ctx))
	key, err = c.BuildKey(ctx, "stock", "1")
	require.NoError(t, err)
	require.Equal(t, "stock:1:2", key)
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, 2, got.Value)
}

func TestVersionedNilClientFallsThrough(t *testing.T) {
	ctx := context.Background()
	var c *Versioned

	key, err := c.BuildKey(ctx, "a", "b")
	require.NoError(t, err)
	require.Equal(t, "a:b", key)

	var got payload
	require.NoError(t, c.FetchJSON(ctx, key, &got, func(context.Context) (any, error) {
		return payload{Value: 7}, nil
	}))
	require.Equal(t, 7, got.Value)
	require.NoError(t, c.Bump(ctx))

	boom := errors.New("boom")
	err = c.FetchJSON(ctx, key, &got, func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
}
