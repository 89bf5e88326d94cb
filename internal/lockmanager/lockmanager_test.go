package lockmanager

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*RedisManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(rdb, log), mr
}

func TestAcquireBlocksSecondHolder(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	token, err := m.TryAcquire(ctx, "lock:tally:e1", time.Minute, Metadata{Holder: "job-1", OperationType: "TALLY"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = m.TryAcquire(ctx, "lock:tally:e1", time.Minute, Metadata{Holder: "job-2", OperationType: "TALLY"})
	require.ErrorIs(t, err, ErrLocked)
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	token, err := m.TryAcquire(ctx, "lock:combine:e1", time.Minute, Metadata{Holder: "job-1"})
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "lock:combine:e1", "wrong-token"))

	meta, err := m.GetMetadata(ctx, "lock:combine:e1")
	require.NoError(t, err)
	require.NotNil(t, meta, "lock should still be held after a mismatched release")

	require.NoError(t, m.Release(ctx, "lock:combine:e1", token))

	meta, err = m.GetMetadata(ctx, "lock:combine:e1")
	require.NoError(t, err)
	require.Nil(t, meta)
}

func TestAcquireAfterExpiry(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	_, err := m.TryAcquire(ctx, "lock:decryption:e1:g1", time.Second, Metadata{Holder: "job-1"})
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	token2, err := m.TryAcquire(ctx, "lock:decryption:e1:g1", time.Minute, Metadata{Holder: "job-2"})
	require.NoError(t, err)
	require.NotEmpty(t, token2)
}

func TestGetMetadataOnFreeLockIsNil(t *testing.T) {
	m, _ := newTestManager(t)
	meta, err := m.GetMetadata(context.Background(), "lock:tally:unknown")
	require.NoError(t, err)
	require.Nil(t, meta)
}
