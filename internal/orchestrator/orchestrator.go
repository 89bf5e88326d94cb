// Package orchestrator is the thin glue described in spec.md §2: it
// validates requests, acquires the right lock, plans chunks, registers
// a TaskInstance with the scheduler, and returns a job id for polling.
//
// Orchestrator does not contain cryptographic logic — it only wires the
// planner, store, lock manager, secret cache, bus and scheduler
// together, and holds the completion-hook bookkeeping that chains
// PARTIAL_DECRYPT into COMPENSATED_DECRYPT without those two phases
// depending on each other (spec.md §9).
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/s3-encryption-gateway/internal/bus"
	"github.com/kenneth/s3-encryption-gateway/internal/lockmanager"
	"github.com/kenneth/s3-encryption-gateway/internal/model"
	"github.com/kenneth/s3-encryption-gateway/internal/planner"
	"github.com/kenneth/s3-encryption-gateway/internal/scheduler"
	"github.com/kenneth/s3-encryption-gateway/internal/secretcache"
	"github.com/kenneth/s3-encryption-gateway/internal/store"
)

// LockResult is returned by the initiation methods instead of an error
// when a lock is already held — the API layer turns this into an
// informational 200, per spec.md §4.5.
type LockResult struct {
	JobID  string
	Holder *lockmanager.Metadata
}

// Config configures an Orchestrator: its injected collaborators plus
// the Now and Logger hooks, in a dependency-injected Config{Now, Logger, ...} shape.
type Config struct {
	Store     store.Store
	Locks     lockmanager.Manager
	Secrets   secretcache.Cache
	Scheduler *scheduler.Scheduler
	Bus       bus.Bus

	ChunkSize int
	SecretTTL time.Duration
	LockTTL   time.Duration

	Now    func() time.Time
	Logger *logrus.Logger
}

// electionState is the orchestrator's small amount of process-local
// bookkeeping that the scheduler's chunk registry deliberately doesn't
// carry: which guardians have finished decrypting, and which tally job
// produced the election_center rows a decryption phase reads from.
type electionState struct {
	mu            sync.Mutex
	tallyJobID    string
	chunkIDs      []string // election_center ids, one per tally chunk, in chunkNumber order
	doneGuardians map[string]bool
}

// Orchestrator wires the control-plane subsystems together.
type Orchestrator struct {
	store     store.Store
	locks     lockmanager.Manager
	secrets   secretcache.Cache
	scheduler *scheduler.Scheduler
	bus       bus.Bus

	chunkSize int
	secretTTL time.Duration
	lockTTL   time.Duration

	now func() time.Time
	log *logrus.Logger

	mu        sync.Mutex
	elections map[string]*electionState
}

// New builds an Orchestrator from cfg, applying the same defaults the
// spec's configuration section names.
func New(cfg Config) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = planner.DefaultChunkSize
	}
	if cfg.SecretTTL <= 0 {
		cfg.SecretTTL = 60 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{
		store:     cfg.Store,
		locks:     cfg.Locks,
		secrets:   cfg.Secrets,
		scheduler: cfg.Scheduler,
		bus:       cfg.Bus,
		chunkSize: cfg.ChunkSize,
		secretTTL: cfg.SecretTTL,
		lockTTL:   cfg.LockTTL,
		now:       cfg.Now,
		log:       log.WithField("component", "orchestrator").Logger,
		elections: make(map[string]*electionState),
	}
}

func (o *Orchestrator) electionStateFor(electionID string) *electionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	es, ok := o.elections[electionID]
	if !ok {
		es = &electionState{doneGuardians: make(map[string]bool)}
		o.elections[electionID] = es
	}
	return es
}

// CreateTally plans and registers a TALLY job for electionID.
func (o *Orchestrator) CreateTally(ctx context.Context, electionID, createdBy, jointPublicKey string, itemIDs []string) (*LockResult, error) {
	if electionID == "" || len(itemIDs) == 0 {
		return nil, model.Classify(model.ErrInvalidInput, fmt.Errorf("orchestrator: electionId and itemIds are required"))
	}

	lockKey := model.LockTallyKey(electionID)
	token, err := o.locks.TryAcquire(ctx, lockKey, o.lockTTL, lockmanager.Metadata{Holder: createdBy, OperationType: string(model.OperationTally)})
	if err == lockmanager.ErrLocked {
		meta, merr := o.locks.GetMetadata(ctx, lockKey)
		if merr != nil {
			return nil, model.Classify(model.ErrInternal, merr)
		}
		return &LockResult{Holder: meta}, nil
	}
	if err != nil {
		return nil, model.Classify(model.ErrInternal, err)
	}

	sizes := planner.Plan(len(itemIDs), o.chunkSize)
	assignment := planner.Assign(itemIDs, sizes, electionID, string(model.OperationTally))

	job := &model.Job{ElectionID: electionID, OperationType: model.OperationTally, Status: model.JobQueued, TotalChunks: len(sizes), CreatedBy: createdBy}
	if err := o.store.CreateJob(ctx, job); err != nil {
		_ = o.locks.Release(ctx, lockKey, token)
		return nil, model.Classify(model.ErrTransientStore, err)
	}

	chunks := make([]*model.Chunk, len(sizes))
	for i := range sizes {
		chunks[i] = &model.Chunk{
			JobID: job.JobID, TaskType: model.OperationTally, ChunkNumber: i, State: model.ChunkPending,
			ItemIDs: assignment[i],
			Payload: map[string]any{
				"electionId": electionID, "jointPublicKey": jointPublicKey, "itemIds": assignment[i], "chunkNumber": i,
			},
		}
	}
	if err := o.store.CreateChunks(ctx, chunks); err != nil {
		_ = o.locks.Release(ctx, lockKey, token)
		return nil, model.Classify(model.ErrTransientStore, err)
	}

	es := o.electionStateFor(electionID)
	es.mu.Lock()
	es.tallyJobID = job.JobID
	es.chunkIDs = make([]string, len(chunks))
	for i, c := range chunks {
		es.chunkIDs[i] = c.ChunkID
	}
	es.mu.Unlock()

	ti := scheduler.NewTaskInstance(job.JobID, electionID, model.OperationTally, bus.QueueTally, chunks)
	o.scheduler.Register(ti)
	o.scheduler.RegisterCompletionHook(job.JobID, func() {
		o.log.WithField("jobId", job.JobID).Info("orchestrator: tally complete, releasing lock")
		_ = o.locks.Release(context.Background(), lockKey, token)
	})

	return &LockResult{JobID: job.JobID}, nil
}

// InitiatePartialDecryption puts the guardian's already-decrypted
// private key and polynomial material in the Secret Cache and plans a
// PARTIAL_DECRYPT TaskInstance over the election's existing tally
// chunks. allGuardianIDs is the full guardian roster so the completion
// hook can compute which guardians still need compensating for.
func (o *Orchestrator) InitiatePartialDecryption(ctx context.Context, electionID, guardianID, createdBy, privateKey, polynomial string, allGuardianIDs []string) (*LockResult, error) {
	if electionID == "" || guardianID == "" || privateKey == "" || polynomial == "" {
		return nil, model.Classify(model.ErrInvalidInput, fmt.Errorf("orchestrator: electionId, guardianId and decrypted material are required"))
	}

	es := o.electionStateFor(electionID)
	es.mu.Lock()
	tallyChunkIDs := append([]string(nil), es.chunkIDs...)
	es.mu.Unlock()
	if len(tallyChunkIDs) == 0 {
		return nil, model.Classify(model.ErrInvalidInput, fmt.Errorf("orchestrator: no tally chunks found for election %s", electionID))
	}

	lockKey := model.LockDecryptionKey(electionID, guardianID)
	token, err := o.locks.TryAcquire(ctx, lockKey, o.lockTTL, lockmanager.Metadata{Holder: createdBy, OperationType: string(model.OperationPartialDecrypt)})
	if err == lockmanager.ErrLocked {
		meta, merr := o.locks.GetMetadata(ctx, lockKey)
		if merr != nil {
			return nil, model.Classify(model.ErrInternal, merr)
		}
		return &LockResult{Holder: meta}, nil
	}
	if err != nil {
		return nil, model.Classify(model.ErrInternal, err)
	}

	if err := o.secrets.Put(ctx, model.SecretPrivateKeyKey(electionID, guardianID), privateKey, o.secretTTL); err != nil {
		_ = o.locks.Release(ctx, lockKey, token)
		return nil, model.Classify(model.ErrTransientStore, err)
	}
	if err := o.secrets.Put(ctx, model.SecretPolynomialKey(electionID, guardianID), polynomial, o.secretTTL); err != nil {
		_ = o.locks.Release(ctx, lockKey, token)
		return nil, model.Classify(model.ErrTransientStore, err)
	}

	job := &model.Job{ElectionID: electionID, OperationType: model.OperationPartialDecrypt, Status: model.JobQueued, TotalChunks: len(tallyChunkIDs), CreatedBy: createdBy, GuardianID: guardianID}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, model.Classify(model.ErrTransientStore, err)
	}

	chunks := make([]*model.Chunk, len(tallyChunkIDs))
	for i, ecID := range tallyChunkIDs {
		chunks[i] = &model.Chunk{
			JobID: job.JobID, TaskType: model.OperationPartialDecrypt, ChunkNumber: i, State: model.ChunkPending,
			Payload: map[string]any{"electionId": electionID, "guardianId": guardianID, "electionCenterId": ecID},
		}
	}
	if err := o.store.CreateChunks(ctx, chunks); err != nil {
		return nil, model.Classify(model.ErrTransientStore, err)
	}

	ti := scheduler.NewTaskInstance(job.JobID, electionID, model.OperationPartialDecrypt, bus.QueuePartialDecrypt, chunks)
	o.scheduler.Register(ti)
	o.scheduler.RegisterCompletionHook(job.JobID, func() {
		o.onPartialDecryptDone(context.Background(), electionID, guardianID, createdBy, allGuardianIDs, tallyChunkIDs, lockKey, token)
	})

	return &LockResult{JobID: job.JobID}, nil
}

// onPartialDecryptDone implements the chained-completion rule: if other
// guardians haven't finished yet, register a COMPENSATED_DECRYPT
// TaskInstance covering them; otherwise this guardian is fully done.
func (o *Orchestrator) onPartialDecryptDone(ctx context.Context, electionID, guardianID, createdBy string, allGuardianIDs, tallyChunkIDs []string, lockKey, token string) {
	es := o.electionStateFor(electionID)
	es.mu.Lock()
	es.doneGuardians[guardianID] = true
	var absent []string
	for _, g := range allGuardianIDs {
		if g != guardianID && !es.doneGuardians[g] {
			absent = append(absent, g)
		}
	}
	es.mu.Unlock()

	if len(absent) == 0 {
		o.finishGuardianDecryption(ctx, electionID, guardianID, lockKey, token)
		return
	}

	job := &model.Job{ElectionID: electionID, OperationType: model.OperationCompensatedDecrypt, Status: model.JobQueued, TotalChunks: len(tallyChunkIDs) * len(absent), CreatedBy: createdBy, GuardianID: guardianID}
	if err := o.store.CreateJob(ctx, job); err != nil {
		o.log.WithError(err).Error("orchestrator: failed to create compensated-decryption job")
		return
	}

	chunks := make([]*model.Chunk, 0, len(tallyChunkIDs)*len(absent))
	for _, missing := range absent {
		for i, ecID := range tallyChunkIDs {
			chunks = append(chunks, &model.Chunk{
				JobID: job.JobID, TaskType: model.OperationCompensatedDecrypt, ChunkNumber: len(chunks), State: model.ChunkPending,
				Payload: map[string]any{
					"electionId": electionID, "compensatingGuardianId": guardianID, "missingGuardianId": missing, "electionCenterId": ecID, "tallyChunk": i,
				},
			})
		}
	}
	if err := o.store.CreateChunks(ctx, chunks); err != nil {
		o.log.WithError(err).Error("orchestrator: failed to create compensated-decryption chunks")
		return
	}

	ti := scheduler.NewTaskInstance(job.JobID, electionID, model.OperationCompensatedDecrypt, bus.QueueCompensatedDecrypt, chunks)
	o.scheduler.Register(ti)
	o.scheduler.RegisterCompletionHook(job.JobID, func() {
		o.finishGuardianDecryption(context.Background(), electionID, guardianID, lockKey, token)
	})
}

// finishGuardianDecryption clears this guardian's Secret Cache entries
// and releases its decryption lock, per spec.md §4.3's last-chunk rule.
func (o *Orchestrator) finishGuardianDecryption(ctx context.Context, electionID, guardianID, lockKey, token string) {
	_ = o.secrets.Delete(ctx, model.SecretPrivateKeyKey(electionID, guardianID))
	_ = o.secrets.Delete(ctx, model.SecretPolynomialKey(electionID, guardianID))
	_ = o.locks.Release(ctx, lockKey, token)
	o.log.WithFields(logrus.Fields{"electionId": electionID, "guardianId": guardianID}).Info("orchestrator: guardian decryption done, secret cache cleared")
}

// CreateCombine plans a COMBINE job over the election's tally chunks,
// merging whatever partial and compensated shares have been persisted
// for each. Callers are responsible for only invoking this once every
// guardian has reached "decryption done" (spec.md §4.3).
func (o *Orchestrator) CreateCombine(ctx context.Context, electionID, createdBy string) (*LockResult, error) {
	es := o.electionStateFor(electionID)
	es.mu.Lock()
	tallyChunkIDs := append([]string(nil), es.chunkIDs...)
	es.mu.Unlock()
	if len(tallyChunkIDs) == 0 {
		return nil, model.Classify(model.ErrInvalidInput, fmt.Errorf("orchestrator: no tally chunks found for election %s", electionID))
	}

	lockKey := model.LockCombineKey(electionID)
	token, err := o.locks.TryAcquire(ctx, lockKey, o.lockTTL, lockmanager.Metadata{Holder: createdBy, OperationType: string(model.OperationCombine)})
	if err == lockmanager.ErrLocked {
		meta, merr := o.locks.GetMetadata(ctx, lockKey)
		if merr != nil {
			return nil, model.Classify(model.ErrInternal, merr)
		}
		return &LockResult{Holder: meta}, nil
	}
	if err != nil {
		return nil, model.Classify(model.ErrInternal, err)
	}

	job := &model.Job{ElectionID: electionID, OperationType: model.OperationCombine, Status: model.JobQueued, TotalChunks: len(tallyChunkIDs), CreatedBy: createdBy}
	if err := o.store.CreateJob(ctx, job); err != nil {
		_ = o.locks.Release(ctx, lockKey, token)
		return nil, model.Classify(model.ErrTransientStore, err)
	}

	chunks := make([]*model.Chunk, len(tallyChunkIDs))
	for i, ecID := range tallyChunkIDs {
		chunks[i] = &model.Chunk{
			JobID: job.JobID, TaskType: model.OperationCombine, ChunkNumber: i, State: model.ChunkPending,
			Payload: map[string]any{"electionId": electionID, "electionCenterId": ecID},
		}
	}
	if err := o.store.CreateChunks(ctx, chunks); err != nil {
		_ = o.locks.Release(ctx, lockKey, token)
		return nil, model.Classify(model.ErrTransientStore, err)
	}

	ti := scheduler.NewTaskInstance(job.JobID, electionID, model.OperationCombine, bus.QueueCombine, chunks)
	o.scheduler.Register(ti)
	o.scheduler.RegisterCompletionHook(job.JobID, func() {
		_ = o.locks.Release(context.Background(), lockKey, token)
	})

	return &LockResult{JobID: job.JobID}, nil
}

// ProgressView is the public answer to a progress poll.
type ProgressView struct {
	JobID           string
	Status          model.JobStatus
	TotalChunks     int
	ProcessedChunks int
	FailedChunks    int
	ErrorMessage    string
}

// Progress answers a progress poll, preferring the scheduler's
// in-memory view (faster, and authoritative for in-flight state) and
// falling back to the Store for terminal jobs the scheduler has
// already forgotten (spec.md §6).
func (o *Orchestrator) Progress(ctx context.Context, jobID string) (*ProgressView, error) {
	if snap, ok := o.scheduler.Progress(jobID); ok {
		return &ProgressView{
			JobID: jobID, Status: model.JobInProgress, TotalChunks: snap.TotalChunks,
			ProcessedChunks: snap.Completed, FailedChunks: snap.Failed,
		}, nil
	}
	j, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, model.Classify(model.ErrInvalidInput, err)
	}
	return &ProgressView{
		JobID: j.JobID, Status: j.Status, TotalChunks: j.TotalChunks,
		ProcessedChunks: j.ProcessedChunks, FailedChunks: j.FailedChunks, ErrorMessage: j.ErrorMessage,
	}, nil
}
