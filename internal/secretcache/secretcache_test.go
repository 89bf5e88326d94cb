package secretcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(rdb, log), mr
}

func TestPutGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "guardian:privatekey:e1:g1", "secret-material", time.Minute))

	v, ok, err := c.Get(ctx, "guardian:privatekey:e1:g1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret-material", v)
}

func TestGetMissReturnsFalseNotError(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteAndExists(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "k", "v", time.Minute))

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))

	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutRejectsNonPositiveTTL(t *testing.T) {
	c, _ := newTestCache(t)
	err := c.Put(context.Background(), "k", "v", 0)
	require.Error(t, err)
}
