package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/s3-encryption-gateway/internal/model"
)

func newTestBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	b := New(rdb, log, time.Minute)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestPublishReceiveAck(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"chunkId": "c1"})
	require.NoError(t, b.Publish(ctx, QueueTally, Message{
		ChunkID: "c1", JobID: "j1", TaskType: model.OperationTally, Payload: payload,
	}))

	msg, err := b.Receive(ctx, QueueTally, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "c1", msg.ChunkID)

	require.NoError(t, b.Ack(ctx, QueueTally, msg.DeliveryID))

	n, err := b.rdb.HLen(ctx, b.inflightKey(QueueTally)).Result()
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestReceiveEmptyQueueTimesOut(t *testing.T) {
	b, _ := newTestBus(t)
	msg, err := b.Receive(context.Background(), QueueCombine, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestNackRequeuesWithIncrementedAttempt(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, QueuePartialDecrypt, Message{ChunkID: "c2", JobID: "j1", TaskType: model.OperationPartialDecrypt}))
	msg, err := b.Receive(ctx, QueuePartialDecrypt, time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, msg.Attempt)

	require.NoError(t, b.Nack(ctx, QueuePartialDecrypt, msg.DeliveryID))

	redelivered, err := b.Receive(ctx, QueuePartialDecrypt, time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, 1, redelivered.Attempt)
}

func TestJanitorRequeuesExpiredInFlightMessage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	b := New(rdb, log, 10*time.Millisecond)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, QueueCompensatedDecrypt, Message{ChunkID: "c3", JobID: "j1"}))
	msg, err := b.Receive(ctx, QueueCompensatedDecrypt, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.Eventually(t, func() bool {
		redelivered, err := b.Receive(ctx, QueueCompensatedDecrypt, 20*time.Millisecond)
		return err == nil && redelivered != nil && redelivered.Attempt == 1
	}, 2*time.Second, 50*time.Millisecond)
}
