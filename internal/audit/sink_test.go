package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/s3-encryption-gateway/internal/model"
	"github.com/kenneth/s3-encryption-gateway/internal/s3"
)

// mockWriter is a thread-safe EventWriter test double.
type mockWriter struct {
	mu     sync.Mutex
	events []model.WorkerLog
}

func (w *mockWriter) WriteEvent(entry model.WorkerLog) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, entry)
	return nil
}

func (w *mockWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestBatchSinkFlushesOnIntervalAndSize(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 5, 50*time.Millisecond, 0, 0)
	defer sink.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.WriteEvent(model.WorkerLog{ChunkID: fmt.Sprintf("c%d", i)}))
	}
	assert.Equal(t, 0, mock.len())

	require.Eventually(t, func() bool { return mock.len() == 3 }, time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.WriteEvent(model.WorkerLog{ChunkID: fmt.Sprintf("batch-%d", i)}))
	}
	require.Eventually(t, func() bool { return mock.len() == 8 }, time.Second, 10*time.Millisecond)
}

func TestHTTPSinkPostsBatch(t *testing.T) {
	var captured []model.WorkerLog
	var mu sync.Mutex

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var entries []model.WorkerLog
		require.NoError(t, json.Unmarshal(body, &entries))
		mu.Lock()
		captured = append(captured, entries...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, map[string]string{"X-Test": "true"})
	require.NoError(t, sink.WriteEvent(model.WorkerLog{ChunkID: "http-1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 1)
	assert.Equal(t, "http-1", captured[0].ChunkID)
}

func TestHTTPSinkReturnsErrorOnServerFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, nil)
	assert.Error(t, sink.WriteEvent(model.WorkerLog{ChunkID: "fail"}))
}

func TestFileSinkAppendsNDJSON(t *testing.T) {
	f, err := os.CreateTemp("", "worker-log-*.ndjson")
	require.NoError(t, err)
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	sink := NewFileSink(path)
	require.NoError(t, sink.WriteEvent(model.WorkerLog{ChunkID: "file-1"}))
	require.NoError(t, sink.WriteEvent(model.WorkerLog{ChunkID: "file-2"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(content), []byte("\n"))
	require.Len(t, lines, 2)
	var second model.WorkerLog
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "file-2", second.ChunkID)
}

// fakeS3Client is a minimal s3.Client double that records PutObject calls.
type fakeS3Client struct {
	mu      sync.Mutex
	bucket  string
	key     string
	payload []byte
}

func (f *fakeS3Client) PutObject(_ context.Context, bucket, key string, reader io.Reader, _ map[string]string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bucket, f.key, f.payload = bucket, key, data
	return nil
}

func (f *fakeS3Client) GetObject(context.Context, string, string) (io.ReadCloser, map[string]string, error) {
	return nil, nil, fmt.Errorf("not implemented")
}
func (f *fakeS3Client) DeleteObject(context.Context, string, string) error { return nil }
func (f *fakeS3Client) HeadObject(context.Context, string, string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeS3Client) ListObjects(context.Context, string, string, s3.ListOptions) ([]s3.ObjectInfo, error) {
	return nil, nil
}

func TestS3SinkWritesOneObjectPerBatch(t *testing.T) {
	client := &fakeS3Client{}
	sink := NewS3Sink(client, "audit-bucket", "worker-logs")

	require.NoError(t, sink.WriteEvent(model.WorkerLog{ChunkID: "s3-1", Phase: model.PhaseCombine}))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, "audit-bucket", client.bucket)
	assert.Contains(t, client.key, "worker-logs/")

	var entries []model.WorkerLog
	require.NoError(t, json.Unmarshal(client.payload, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "s3-1", entries[0].ChunkID)
}
