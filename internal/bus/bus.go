// Package bus implements the four durable task queues from spec.md §6
// (tally, partial_decrypt, compensated_decrypt, combine) on top of
// Redis lists. Consumption is prefetch=1: a worker holds at most one
// message in flight per call to Receive. Redelivery is at-least-once —
// a message moved to the in-flight set is only removed once Ack is
// called; a janitor goroutine requeues anything whose visibility
// timeout has lapsed.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/s3-encryption-gateway/internal/model"
)

// Queue names, one per spec.md §4.1 task type.
const (
	QueueTally               = "tally"
	QueuePartialDecrypt      = "partial_decrypt"
	QueueCompensatedDecrypt  = "compensated_decrypt"
	QueueCombine             = "combine"
)

// DefaultVisibilityTimeout bounds how long a Receive'd message can stay
// unacknowledged before the janitor requeues it.
const DefaultVisibilityTimeout = 2 * time.Minute

// Message is one unit of work handed to a worker.
type Message struct {
	DeliveryID string          `json:"deliveryId"`
	ChunkID    string          `json:"chunkId"`
	JobID      string          `json:"jobId"`
	TaskType   model.OperationType `json:"taskType"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
}

// Bus is the Message Bus contract.
type Bus interface {
	Publish(ctx context.Context, queue string, msg Message) error
	Receive(ctx context.Context, queue string, timeout time.Duration) (*Message, error)
	Ack(ctx context.Context, queue string, deliveryID string) error
	Nack(ctx context.Context, queue string, deliveryID string) error
	Close() error
}

// RedisBus implements Bus with one Redis list per queue ("bus:<queue>")
// plus one "bus:<queue>:inflight" hash per queue of deliveryID ->
// (message, deadline), polled by a background janitor.
type RedisBus struct {
	rdb               *redis.Client
	log               *logrus.Logger
	visibilityTimeout time.Duration
	stop              chan struct{}
}

// New starts a RedisBus and its janitor goroutine.
func New(rdb *redis.Client, log *logrus.Logger, visibilityTimeout time.Duration) *RedisBus {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	b := &RedisBus{rdb: rdb, log: log, visibilityTimeout: visibilityTimeout, stop: make(chan struct{})}
	go b.janitor()
	return b
}

func (b *RedisBus) inflightKey(queue string) string { return "bus:" + queue + ":inflight" }
func (b *RedisBus) listKey(queue string) string     { return "bus:" + queue }

type inflightEntry struct {
	Queue    string    `json:"queue"`
	Message  Message   `json:"message"`
	Deadline time.Time `json:"deadline"`
}

// Publish pushes msg onto the tail of queue, assigning a DeliveryID if
// one is not already set (fresh publishes leave it blank; redeliveries
// keep their original ID).
func (b *RedisBus) Publish(ctx context.Context, queue string, msg Message) error {
	if msg.DeliveryID == "" {
		msg.DeliveryID = uuid.NewString()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal message: %w", err)
	}
	if err := b.rdb.RPush(ctx, b.listKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", queue, err)
	}
	return nil
}

// Receive blocks up to timeout for one message from queue (prefetch=1)
// and records it as in-flight until Ack/Nack or the visibility timeout
// fires.
func (b *RedisBus) Receive(ctx context.Context, queue string, timeout time.Duration) (*Message, error) {
	res, err := b.rdb.BLPop(ctx, timeout, b.listKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: receive %s: %w", queue, err)
	}
	// res[0] is the key name, res[1] the popped value.
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("bus: unmarshal message from %s: %w", queue, err)
	}

	entry := inflightEntry{Queue: queue, Message: msg, Deadline: time.Now().Add(b.visibilityTimeout)}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal inflight entry: %w", err)
	}
	if err := b.rdb.HSet(ctx, b.inflightKey(queue), msg.DeliveryID, raw).Err(); err != nil {
		return nil, fmt.Errorf("bus: record inflight %s: %w", queue, err)
	}
	return &msg, nil
}

// Ack removes deliveryID from the in-flight set once its handler
// completed successfully.
func (b *RedisBus) Ack(ctx context.Context, queue string, deliveryID string) error {
	if err := b.rdb.HDel(ctx, b.inflightKey(queue), deliveryID).Err(); err != nil {
		return fmt.Errorf("bus: ack %s/%s: %w", queue, deliveryID, err)
	}
	return nil
}

// Nack requeues deliveryID immediately rather than waiting for the
// janitor, for handlers that recognize a transient failure synchronously.
func (b *RedisBus) Nack(ctx context.Context, queue string, deliveryID string) error {
	raw, err := b.rdb.HGet(ctx, b.inflightKey(queue), deliveryID).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bus: nack %s/%s: %w", queue, deliveryID, err)
	}
	var entry inflightEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return fmt.Errorf("bus: unmarshal inflight entry %s/%s: %w", queue, deliveryID, err)
	}
	entry.Message.Attempt++
	if err := b.Publish(ctx, queue, entry.Message); err != nil {
		return err
	}
	return b.rdb.HDel(ctx, b.inflightKey(queue), deliveryID).Err()
}

// janitor scans every queue's in-flight hash every tick (5s, or the
// visibility timeout when that is shorter) and requeues anything past
// its visibility deadline, giving at-least-once delivery when a worker
// crashes mid-handler.
func (b *RedisBus) janitor() {
	interval := 5 * time.Second
	if b.visibilityTimeout < interval {
		interval = b.visibilityTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	queues := []string{QueueTally, QueuePartialDecrypt, QueueCompensatedDecrypt, QueueCombine}

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			for _, q := range queues {
				b.sweepQueue(ctx, q)
			}
		}
	}
}

func (b *RedisBus) sweepQueue(ctx context.Context, queue string) {
	entries, err := b.rdb.HGetAll(ctx, b.inflightKey(queue)).Result()
	if err != nil {
		if b.log != nil {
			b.log.WithError(err).WithField("queue", queue).Warn("bus: janitor sweep failed")
		}
		return
	}
	now := time.Now()
	for deliveryID, raw := range entries {
		var entry inflightEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if now.Before(entry.Deadline) {
			continue
		}
		entry.Message.Attempt++
		if err := b.Publish(ctx, queue, entry.Message); err != nil {
			if b.log != nil {
				b.log.WithError(err).WithField("queue", queue).Warn("bus: janitor requeue failed")
			}
			continue
		}
		b.rdb.HDel(ctx, b.inflightKey(queue), deliveryID)
		if b.log != nil {
			b.log.WithFields(logrus.Fields{"queue": queue, "deliveryId": deliveryID}).
				Warn("bus: requeued message past visibility timeout")
		}
	}
}

// Close stops the janitor goroutine.
func (b *RedisBus) Close() error {
	close(b.stop)
	return nil
}
