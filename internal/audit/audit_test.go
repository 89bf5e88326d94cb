package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kenneth/s3-encryption-gateway/internal/model"
)

type memWriter struct {
	mu      sync.Mutex
	entries []model.WorkerLog
}

func (w *memWriter) WriteEvent(entry model.WorkerLog) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entry)
	return nil
}

func TestLoggerRecordsAndForwards(t *testing.T) {
	w := &memWriter{}
	l := NewLogger(10, w)

	l.Record(context.Background(), model.WorkerLog{ChunkID: "c1", Phase: model.PhaseTally, Status: model.ChunkCompleted})
	l.Record(context.Background(), model.WorkerLog{ChunkID: "c2", Phase: model.PhaseTally, Status: model.ChunkFailed, Error: "boom"})

	require.Len(t, l.Events(), 2)
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.entries, 2)
	require.Equal(t, "boom", w.entries[1].Error)
}

func TestLoggerTrimsToMaxEvents(t *testing.T) {
	l := NewLogger(2, &memWriter{})
	for i := 0; i < 5; i++ {
		l.Record(context.Background(), model.WorkerLog{ChunkID: "c"})
	}
	require.Len(t, l.Events(), 2)
}

func TestBatchSinkFlushesAtSize(t *testing.T) {
	w := &memWriter{}
	bs := NewBatchSink(w, 2, 0, 0, 0)
	defer bs.Close()

	require.NoError(t, bs.WriteEvent(model.WorkerLog{ChunkID: "c1"}))
	require.NoError(t, bs.WriteEvent(model.WorkerLog{ChunkID: "c2"}))

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.entries) == 2
	}, time.Second, 10*time.Millisecond)
}
