package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/kenneth/s3-encryption-gateway/internal/model"
	"github.com/kenneth/s3-encryption-gateway/internal/s3"
)

// BatchSink wraps an EventWriter and flushes on a size or time trigger,
// with bounded retry-with-backoff on write failure.
type BatchSink struct {
	wrapped       EventWriter
	buffer        []model.WorkerLog
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	closeChan     chan struct{}
	wg            sync.WaitGroup
	retryCount    int
	retryBackoff  time.Duration
}

// NewBatchSink starts a BatchSink's background flush loop.
func NewBatchSink(wrapped EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]model.WorkerLog, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		closeChan:     make(chan struct{}),
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *BatchSink) WriteEvent(entry model.WorkerLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, entry)
	if len(s.buffer) >= s.bufferSize {
		events := s.drainBufferLocked()
		go s.writeWithRetry(events)
	}
	return nil
}

func (s *BatchSink) Close() error {
	close(s.closeChan)
	s.wg.Wait()
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			events := s.drainBufferLocked()
			s.mu.Unlock()
			if len(events) > 0 {
				s.writeWithRetry(events)
			}
		case <-s.closeChan:
			s.mu.Lock()
			events := s.drainBufferLocked()
			s.mu.Unlock()
			if len(events) > 0 {
				s.writeWithRetry(events)
			}
			return
		}
	}
}

func (s *BatchSink) drainBufferLocked() []model.WorkerLog {
	if len(s.buffer) == 0 {
		return nil
	}
	events := make([]model.WorkerLog, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) writeWithRetry(events []model.WorkerLog) error {
	if len(events) == 0 {
		return nil
	}
	var err error
	for i := 0; i <= s.retryCount; i++ {
		err = nil
		if bw, ok := s.wrapped.(BatchWriter); ok {
			err = bw.WriteBatch(events)
		} else {
			for _, e := range events {
				if werr := s.wrapped.WriteEvent(e); werr != nil {
					err = werr
				}
			}
		}
		if err == nil {
			return nil
		}
		if i < s.retryCount {
			time.Sleep(s.retryBackoff * time.Duration(1<<uint(i)))
		}
	}
	fmt.Fprintf(os.Stderr, "audit: failed to flush %d entries after %d retries: %v\n", len(events), s.retryCount, err)
	return err
}

// HTTPSink forwards entries to an external collector.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

func NewHTTPSink(endpoint string, headers map[string]string) *HTTPSink {
	return &HTTPSink{endpoint: endpoint, client: &http.Client{Timeout: 10 * time.Second}, headers: headers}
}

func (s *HTTPSink) WriteEvent(entry model.WorkerLog) error {
	return s.WriteBatch([]model.WorkerLog{entry})
}

func (s *HTTPSink) WriteBatch(entries []model.WorkerLog) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit: http sink returned status %s", resp.Status)
	}
	return nil
}

// FileSink appends newline-delimited JSON to a local file.
type FileSink struct {
	path string
	mu   sync.Mutex
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) WriteEvent(entry model.WorkerLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	_, err = f.WriteString("\n")
	return err
}

// S3Sink archives worker-log entries to object storage, one object per
// batch, for durable long-term audit retention beyond the in-memory
// trail. It reuses the gateway's own bounded S3 client rather than a
// second HTTP stack.
type S3Sink struct {
	client s3.Client
	bucket string
	prefix string
}

// NewS3Sink wires client against bucket; keys are "<prefix>/<unix-nano>.json".
func NewS3Sink(client s3.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Sink) WriteEvent(entry model.WorkerLog) error {
	return s.WriteBatch([]model.WorkerLog{entry})
}

func (s *S3Sink) WriteBatch(entries []model.WorkerLog) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("audit: marshal batch: %w", err)
	}
	key := fmt.Sprintf("%s/%d.json", s.prefix, time.Now().UnixNano())
	return s.client.PutObject(context.Background(), s.bucket, key, bytes.NewReader(data), map[string]string{
		"content-type": "application/json",
	})
}

func (s *S3Sink) Close() error { return nil }
