// Package scheduler implements the fair round-robin chunk dispatcher:
// a single background loop that advances one chunk of one active
// TaskInstance per tick, in cyclic cursor order, and the completion-hook
// table that lets a job's last chunk trigger the next phase without the
// phase services depending on each other directly.
//
// Modeled on the registry-plus-ticker shape used for control-plane
// schedulers elsewhere in the corpus: a concurrent map of live work
// guarded by one mutex, advanced by a single goroutine on a fixed tick.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/s3-encryption-gateway/internal/bus"
	"github.com/kenneth/s3-encryption-gateway/internal/model"
	"github.com/kenneth/s3-encryption-gateway/internal/store"
)

// DefaultTick is the background loop's cadence (spec default 100 ms).
const DefaultTick = 100 * time.Millisecond

// RetryConfig parameterizes the chunk failure-retry policy. Normally
// sourced from config.Config's hot-reloadable retry_max_attempts /
// retry_backoff_base / retry_backoff_factor keys.
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMult float64
}

// DefaultRetryConfig mirrors model.MaxRetries and model.RetryBackoff's
// built-in constants (5s base, factor 2), used when a caller has no
// config.Config to source the retry policy from.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: model.MaxRetries, BackoffBase: 5 * time.Second, BackoffMult: 2}
}

// backoff returns the delay before retry attempt n (0-indexed): t_n =
// BackoffBase * BackoffMult^n, per spec.md §9.
func (r RetryConfig) backoff(attempt int) time.Duration {
	d := float64(r.BackoffBase)
	for i := 0; i < attempt; i++ {
		d *= r.BackoffMult
	}
	return time.Duration(d)
}

// chunkRef is the scheduler's in-memory mirror of a Chunk: an id and a
// payload, never a managed entity. Mutating it never touches the Store
// directly; ReportStateChange does that explicitly.
type chunkRef struct {
	ChunkID     string
	ChunkNumber int
	State       model.ChunkState
	RetryCount  int
	NotBefore   time.Time
	Payload     json.RawMessage
}

// TaskInstance is the scheduler's handle for one job's live chunks.
type TaskInstance struct {
	TaskInstanceID string // == JobID
	JobID          string
	ElectionID     string
	TaskType       model.OperationType
	Queue          string
	RegisteredAt   time.Time

	chunks []*chunkRef
}

// NewTaskInstance builds a TaskInstance from the chunks created for a
// job, in chunkNumber order.
func NewTaskInstance(jobID, electionID string, taskType model.OperationType, queue string, chunks []*model.Chunk) *TaskInstance {
	refs := make([]*chunkRef, len(chunks))
	for i, c := range chunks {
		refs[i] = &chunkRef{
			ChunkID:     c.ChunkID,
			ChunkNumber: c.ChunkNumber,
			State:       c.State,
			RetryCount:  c.RetryCount,
			NotBefore:   c.NotBefore,
			Payload:     mustMarshalPayload(c),
		}
	}
	return &TaskInstance{
		TaskInstanceID: jobID,
		JobID:          jobID,
		ElectionID:     electionID,
		TaskType:       taskType,
		Queue:          queue,
		RegisteredAt:   time.Now(),
		chunks:         refs,
	}
}

func mustMarshalPayload(c *model.Chunk) json.RawMessage {
	b, err := json.Marshal(c.Payload)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// eligible reports whether ti has any chunk ready to publish.
func (ti *TaskInstance) eligible(now time.Time) bool {
	for _, c := range ti.chunks {
		if c.State == model.ChunkPending && !now.Before(c.NotBefore) {
			return true
		}
	}
	return false
}

// nextPending returns the lowest-chunkNumber PENDING-and-due chunk.
func (ti *TaskInstance) nextPending(now time.Time) *chunkRef {
	var best *chunkRef
	for _, c := range ti.chunks {
		if c.State != model.ChunkPending || now.Before(c.NotBefore) {
			continue
		}
		if best == nil || c.ChunkNumber < best.ChunkNumber {
			best = c
		}
	}
	return best
}

func (ti *TaskInstance) terminal() bool {
	for _, c := range ti.chunks {
		if c.State != model.ChunkCompleted && c.State != model.ChunkFailed {
			return false
		}
	}
	return true
}

// ProgressSnapshot is the scheduler's authoritative view of one job's
// in-flight state (faster than the Store, per spec.md §6).
type ProgressSnapshot struct {
	TaskInstanceID string
	ElectionID     string
	TaskType       model.OperationType
	TotalChunks    int
	Pending        int
	Queued         int
	Processing     int
	Completed      int
	Failed         int
}

func (ti *TaskInstance) snapshot() ProgressSnapshot {
	s := ProgressSnapshot{
		TaskInstanceID: ti.TaskInstanceID,
		ElectionID:     ti.ElectionID,
		TaskType:       ti.TaskType,
		TotalChunks:    len(ti.chunks),
	}
	for _, c := range ti.chunks {
		switch c.State {
		case model.ChunkPending:
			s.Pending++
		case model.ChunkQueued:
			s.Queued++
		case model.ChunkProcessing:
			s.Processing++
		case model.ChunkCompleted:
			s.Completed++
		case model.ChunkFailed:
			s.Failed++
		}
	}
	return s
}

// Scheduler is the single in-process round-robin dispatcher described
// in spec.md §4.2.
type Scheduler struct {
	mu         sync.RWMutex
	order      []string // taskInstanceIDs, insertion order; cursor walks this
	instances  map[string]*TaskInstance
	chunkIndex map[string]string // chunkID -> taskInstanceID
	cursor     int

	hooksMu sync.Mutex
	hooks   map[string]func()

	tick  time.Duration
	st    store.Store
	bus   bus.Bus
	log   *logrus.Logger
	stopC chan struct{}
	wg    sync.WaitGroup

	retryMu sync.RWMutex
	retry   RetryConfig
}

// New builds a Scheduler. Call Start to begin the background loop. A
// zero-value RetryConfig falls back to DefaultRetryConfig.
func New(st store.Store, b bus.Bus, tick time.Duration, log *logrus.Logger, retry RetryConfig) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if retry.MaxAttempts <= 0 || retry.BackoffBase <= 0 || retry.BackoffMult <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Scheduler{
		instances:  make(map[string]*TaskInstance),
		chunkIndex: make(map[string]string),
		hooks:      make(map[string]func()),
		tick:       tick,
		st:         st,
		bus:        b,
		log:        log,
		stopC:      make(chan struct{}),
		retry:      retry,
	}
}

// SetRetryConfig updates the retry policy in place, letting callers
// honor config.Loader's hot-reload of retry_max_attempts / retry_backoff_base
// / retry_backoff_factor without restarting the scheduler.
func (s *Scheduler) SetRetryConfig(retry RetryConfig) {
	if retry.MaxAttempts <= 0 || retry.BackoffBase <= 0 || retry.BackoffMult <= 0 {
		retry = DefaultRetryConfig()
	}
	s.retryMu.Lock()
	s.retry = retry
	s.retryMu.Unlock()
}

func (s *Scheduler) retryConfig() RetryConfig {
	s.retryMu.RLock()
	defer s.retryMu.RUnlock()
	return s.retry
}

// Register adds a TaskInstance to the active set. O(1), safe from any
// goroutine.
func (s *Scheduler) Register(ti *TaskInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[ti.TaskInstanceID]; !exists {
		s.order = append(s.order, ti.TaskInstanceID)
	}
	s.instances[ti.TaskInstanceID] = ti
	for _, c := range ti.chunks {
		s.chunkIndex[c.ChunkID] = ti.TaskInstanceID
	}
}

// RegisterCompletionHook arranges for hook to run exactly once, the
// first time taskInstanceID's chunks are all terminal. If the instance
// is already terminal (or unknown, e.g. a zero-chunk job), hook runs
// synchronously.
func (s *Scheduler) RegisterCompletionHook(taskInstanceID string, hook func()) {
	s.mu.RLock()
	ti, ok := s.instances[taskInstanceID]
	s.mu.RUnlock()

	if !ok || ti.terminal() {
		hook()
		return
	}
	s.hooksMu.Lock()
	s.hooks[taskInstanceID] = hook
	s.hooksMu.Unlock()
}

func (s *Scheduler) fireHookLocked(taskInstanceID string) {
	s.hooksMu.Lock()
	hook, ok := s.hooks[taskInstanceID]
	if ok {
		delete(s.hooks, taskInstanceID)
	}
	s.hooksMu.Unlock()
	if ok {
		hook()
	}
}

// ReportStateChange is called by workers after each queue transition.
// class classifies the failure (ignored for non-FAILED states) per
// spec.md §4.6/§7: only ErrorClass.Retryable() classes re-enter PENDING
// after backoff; non-retryable classes (INVALID_INPUT, LOCKED,
// CREDENTIALS_EXPIRED, PERMANENT_CWS_4xx) and chunks that have already
// exhausted the retry ceiling fail the chunk/job immediately.
func (s *Scheduler) ReportStateChange(ctx context.Context, chunkID string, newState model.ChunkState, class model.ErrorClass, errMsg string) {
	s.mu.Lock()
	tiID, ok := s.chunkIndex[chunkID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ti := s.instances[tiID]
	var ref *chunkRef
	for _, c := range ti.chunks {
		if c.ChunkID == chunkID {
			ref = c
			break
		}
	}
	if ref == nil {
		s.mu.Unlock()
		return
	}

	switch newState {
	case model.ChunkFailed:
		retry := s.retryConfig()
		permanent := !class.Retryable() || ref.RetryCount >= retry.MaxAttempts
		if !permanent {
			ref.NotBefore = time.Now().Add(retry.backoff(ref.RetryCount))
			ref.RetryCount++
			ref.State = model.ChunkPending
			s.mu.Unlock()
			if s.st != nil {
				_ = s.st.ScheduleRetry(ctx, chunkID, ref.NotBefore)
			}
			return
		}
		ref.State = model.ChunkFailed
		if s.st != nil {
			_ = s.st.UpdateChunkState(ctx, chunkID, model.ChunkFailed, errMsg)
			_, _ = s.st.UpdateJobProgress(ctx, ti.JobID, 0, 1)
		}
	case model.ChunkCompleted:
		ref.State = model.ChunkCompleted
		if s.st != nil {
			_ = s.st.UpdateChunkState(ctx, chunkID, model.ChunkCompleted, "")
			_, _ = s.st.UpdateJobProgress(ctx, ti.JobID, 1, 0)
		}
	default:
		ref.State = newState
		if s.st != nil {
			_ = s.st.UpdateChunkState(ctx, chunkID, newState, errMsg)
		}
	}

	done := ti.terminal()
	if done {
		delete(s.instances, tiID)
		delete(s.chunkIndex, chunkID)
		for i, id := range s.order {
			if id == tiID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				if s.cursor > i {
					s.cursor--
				}
				break
			}
		}
	}
	s.mu.Unlock()

	if done {
		s.fireHookLocked(tiID)
	}
}

// Progress returns the scheduler's current view of one TaskInstance.
func (s *Scheduler) Progress(taskInstanceID string) (ProgressSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ti, ok := s.instances[taskInstanceID]
	if !ok {
		return ProgressSnapshot{}, false
	}
	return ti.snapshot(), true
}

// ProgressByElection returns snapshots for every active instance of electionID.
func (s *Scheduler) ProgressByElection(electionID string) []ProgressSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ProgressSnapshot
	for _, ti := range s.instances {
		if ti.ElectionID == electionID {
			out = append(out, ti.snapshot())
		}
	}
	return out
}

// Start launches the background dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop ends the background loop and waits for it to exit. In-flight
// chunks are left to finish; their worker acks (or the bus janitor)
// settle their final state.
func (s *Scheduler) Stop() {
	close(s.stopC)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopC:
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

// tickOnce publishes at most one chunk, from the next eligible instance
// in cursor order, then advances the cursor — this is what bounds
// unfairness to |A| ticks between publishes for any one instance.
func (s *Scheduler) tickOnce(ctx context.Context) {
	s.mu.Lock()
	n := len(s.order)
	if n == 0 {
		s.mu.Unlock()
		return
	}
	now := time.Now()

	var chosen *TaskInstance
	var chosenRef *chunkRef
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		ti := s.instances[s.order[idx]]
		if ti == nil || !ti.eligible(now) {
			continue
		}
		ref := ti.nextPending(now)
		if ref == nil {
			continue
		}
		chosen = ti
		chosenRef = ref
		s.cursor = (idx + 1) % n
		break
	}
	if chosen == nil {
		s.cursor = (s.cursor + 1) % n
		s.mu.Unlock()
		return
	}
	chosenRef.State = model.ChunkQueued
	queue := chosen.Queue
	msg := bus.Message{
		ChunkID:  chosenRef.ChunkID,
		JobID:    chosen.JobID,
		TaskType: chosen.TaskType,
		Payload:  chosenRef.Payload,
		Attempt:  chosenRef.RetryCount,
	}
	s.mu.Unlock()

	if err := s.bus.Publish(ctx, queue, msg); err != nil {
		// Publish failed: leave PENDING, next tick retries (spec.md §4.2
		// failure semantics for a scheduler-side publish error).
		s.mu.Lock()
		chosenRef.State = model.ChunkPending
		s.mu.Unlock()
		if s.log != nil {
			s.log.WithError(err).WithField("chunkId", chosenRef.ChunkID).Warn("scheduler: publish failed, chunk remains pending")
		}
		return
	}
	if s.st != nil {
		_ = s.st.UpdateChunkState(ctx, chosenRef.ChunkID, model.ChunkQueued, "")
	}
}
