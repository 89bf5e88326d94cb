// Package lockmanager provides named, TTL'd mutual exclusion over
// Redis so only one in-flight job can hold the tally/decryption/combine
// lock for a given election at a time (spec.md §6).
package lockmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrLocked is returned by TryAcquire when the named lock is already held.
var ErrLocked = fmt.Errorf("lockmanager: already locked")

// Metadata describes who holds a lock, recorded alongside it so a
// conflicting request can report something more useful than "locked".
type Metadata struct {
	Holder        string    `json:"holder"`
	OperationType string    `json:"operationType"`
	AcquiredAt    time.Time `json:"acquiredAt"`
}

// Manager is the Lock Manager contract.
type Manager interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration, meta Metadata) (token string, err error)
	Release(ctx context.Context, key, token string) error
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
}

// releaseScript performs a compare-and-delete: only the holder that
// presents the matching token can release the lock, so a slow caller
// racing past its own TTL can never release a lock someone else now
// holds.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("DEL", KEYS[2])
	return 1
end
return 0
`

// RedisManager is the production Manager.
type RedisManager struct {
	rdb    *redis.Client
	log    *logrus.Logger
	prefix string
	script *redis.Script
}

// New wraps rdb as a Manager.
func New(rdb *redis.Client, log *logrus.Logger) *RedisManager {
	return &RedisManager{rdb: rdb, log: log, prefix: "lock:", script: redis.NewScript(releaseScript)}
}

func (m *RedisManager) lockKey(key string) string { return m.prefix + key }
func (m *RedisManager) metaKey(key string) string { return m.prefix + key + ":meta" }

// TryAcquire attempts to acquire key, failing immediately with ErrLocked
// if another holder already has it — admission control is the caller's
// job (spec.md's orchestrator returns LOCKED rather than queuing).
func (m *RedisManager) TryAcquire(ctx context.Context, key string, ttl time.Duration, meta Metadata) (string, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, m.lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("lockmanager: acquire %s: %w", key, err)
	}
	if !ok {
		return "", ErrLocked
	}

	meta.AcquiredAt = meta.AcquiredAt.UTC()
	if meta.AcquiredAt.IsZero() {
		meta.AcquiredAt = time.Now().UTC()
	}
	b, err := json.Marshal(meta)
	if err != nil {
		_ = m.rdb.Del(ctx, m.lockKey(key)).Err()
		return "", fmt.Errorf("lockmanager: marshal metadata: %w", err)
	}
	if err := m.rdb.Set(ctx, m.metaKey(key), b, ttl).Err(); err != nil {
		_ = m.rdb.Del(ctx, m.lockKey(key)).Err()
		return "", fmt.Errorf("lockmanager: write metadata %s: %w", key, err)
	}
	return token, nil
}

// Release frees key only if token matches the current holder.
func (m *RedisManager) Release(ctx context.Context, key, token string) error {
	res, err := m.script.Run(ctx, m.rdb, []string{m.lockKey(key), m.metaKey(key)}, token).Int()
	if err != nil {
		return fmt.Errorf("lockmanager: release %s: %w", key, err)
	}
	if res == 0 {
		m.log.WithField("key", key).Warn("lockmanager: release no-op, token mismatch or already expired")
	}
	return nil
}

// GetMetadata returns who currently holds key, or nil if it is free.
func (m *RedisManager) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	b, err := m.rdb.Get(ctx, m.metaKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lockmanager: get metadata %s: %w", key, err)
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("lockmanager: unmarshal metadata %s: %w", key, err)
	}
	return &meta, nil
}
