// Package store defines the persistence contract for jobs, chunks and
// worker audit logs, per the logical schema in spec.md §6, and provides
// an in-process reference implementation.
//
// The interface is intentionally narrow and projection-oriented: chunk
// handlers load only the fields they need (spec.md §4.3 step 2), never
// a fully hydrated entity graph, so that no single handler call can
// balloon process memory.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/s3-encryption-gateway/internal/model"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = fmt.Errorf("store: not found")

// TallyItem is the minimal projection a TALLY chunk handler needs.
type TallyItem struct {
	ItemID     string
	CipherText string
}

// ElectionCenterRow is the persisted form of a TALLY chunk.
type ElectionCenterRow struct {
	ElectionCenterID string
	ElectionID       string
	ChunkNumber      int
	EncryptedTally   string
	ElectionResult   string
}

// DecryptionRow is one guardian's partial decryption share for a chunk.
type DecryptionRow struct {
	ID                  string
	ElectionCenterID    string
	GuardianID          string
	PartialDecryptedTally string
	TallyShare          string
}

// CompensatedDecryptionRow is one compensated-decryption share for a chunk.
type CompensatedDecryptionRow struct {
	ID                       string
	ElectionCenterID         string
	CompensatingGuardianSeq  string
	MissingGuardianSeq       string
	CompensatedTallyShare    string
	CompensatedBallotShare   string
}

// Store is the persistence contract. Every method that crosses a chunk
// boundary opens and closes its own transaction in the concrete
// implementation; no method here holds a transaction open across a CWS
// call (that invariant lives in the caller, per spec.md §5).
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	UpdateJobProgress(ctx context.Context, jobID string, processedDelta, failedDelta int) (*model.Job, error)
	SetJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error

	CreateChunks(ctx context.Context, chunks []*model.Chunk) error
	GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error)
	ListChunks(ctx context.Context, jobID string) ([]*model.Chunk, error)
	UpdateChunkState(ctx context.Context, chunkID string, state model.ChunkState, lastErr string) error
	ScheduleRetry(ctx context.Context, chunkID string, notBefore time.Time) error

	// Projection loads: only what a handler needs for one chunk.
	LoadTallyItems(ctx context.Context, electionID string, itemIDs []string) ([]TallyItem, error)

	SaveElectionCenter(ctx context.Context, row ElectionCenterRow, ballots []string) error
	GetElectionCenter(ctx context.Context, electionCenterID string) (*ElectionCenterRow, error)

	SaveDecryption(ctx context.Context, row DecryptionRow) error
	ListDecryptions(ctx context.Context, electionCenterID string) ([]DecryptionRow, error)

	SaveCompensatedDecryption(ctx context.Context, row CompensatedDecryptionRow) error
	ListCompensatedDecryptions(ctx context.Context, electionCenterID string) ([]CompensatedDecryptionRow, error)

	AppendWorkerLog(ctx context.Context, entry model.WorkerLog) error
}

// memStore is an in-process reference Store, guarded by a single
// RWMutex — modeled on the teacher's interface-then-concrete-struct
// pattern in internal/s3/client.go.
type memStore struct {
	mu sync.RWMutex

	jobs   map[string]*model.Job
	chunks map[string]*model.Chunk

	tallyItems map[string]map[string]string // electionID -> itemID -> ciphertext

	electionCenters map[string]ElectionCenterRow
	ballots         map[string][]string // electionCenterID -> ciphertexts
	decryptions     map[string]DecryptionRow
	compensated     map[string]CompensatedDecryptionRow
	workerLogs      []model.WorkerLog
}

// NewMemStore creates an empty in-process Store.
func NewMemStore() Store {
	return &memStore{
		jobs:            make(map[string]*model.Job),
		chunks:          make(map[string]*model.Chunk),
		tallyItems:      make(map[string]map[string]string),
		electionCenters: make(map[string]ElectionCenterRow),
		ballots:         make(map[string][]string),
		decryptions:     make(map[string]DecryptionRow),
		compensated:     make(map[string]CompensatedDecryptionRow),
	}
}

// SeedTallyItems registers ciphertexts for an election so LoadTallyItems
// can project them per chunk. Intended for orchestrator/test setup.
func SeedTallyItems(s Store, electionID string, items map[string]string) {
	ms, ok := s.(*memStore)
	if !ok {
		return
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.tallyItems[electionID] == nil {
		ms.tallyItems[electionID] = make(map[string]string)
	}
	for id, ct := range items {
		ms.tallyItems[electionID][id] = ct
	}
}

func (s *memStore) CreateJob(ctx context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	cp := *j
	s.jobs[j.JobID] = &cp
	return nil
}

func (s *memStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) UpdateJobProgress(ctx context.Context, jobID string, processedDelta, failedDelta int) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	j.ProcessedChunks += processedDelta
	j.FailedChunks += failedDelta
	if j.Status == model.JobQueued {
		j.Status = model.JobInProgress
		j.StartedAt = time.Now()
	}
	if j.ProcessedChunks+j.FailedChunks >= j.TotalChunks && j.TotalChunks > 0 {
		if j.FailedChunks > 0 {
			j.Status = model.JobFailed
		} else {
			j.Status = model.JobCompleted
		}
		j.CompletedAt = time.Now()
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) SetJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	if errMsg != "" {
		j.ErrorMessage = errMsg
	}
	if status == model.JobCompleted || status == model.JobFailed || status == model.JobCancelled {
		j.CompletedAt = time.Now()
	}
	return nil
}

func (s *memStore) CreateChunks(ctx context.Context, chunks []*model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if c.ChunkID == "" {
			c.ChunkID = uuid.NewString()
		}
		cp := *c
		s.chunks[c.ChunkID] = &cp
	}
	return nil
}

func (s *memStore) GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListChunks(ctx context.Context, jobID string) ([]*model.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Chunk
	for _, c := range s.chunks {
		if c.JobID == jobID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) UpdateChunkState(ctx context.Context, chunkID string, state model.ChunkState, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return ErrNotFound
	}
	c.State = state
	if lastErr != "" {
		c.LastError = lastErr
	}
	if state == model.ChunkFailed {
		c.RetryCount++
	}
	return nil
}

func (s *memStore) ScheduleRetry(ctx context.Context, chunkID string, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return ErrNotFound
	}
	c.State = model.ChunkPending
	c.NotBefore = notBefore
	return nil
}

func (s *memStore) LoadTallyItems(ctx context.Context, electionID string, itemIDs []string) ([]TallyItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.tallyItems[electionID]
	out := make([]TallyItem, 0, len(itemIDs))
	for _, id := range itemIDs {
		out = append(out, TallyItem{ItemID: id, CipherText: byID[id]})
	}
	return out, nil
}

func (s *memStore) SaveElectionCenter(ctx context.Context, row ElectionCenterRow, ballots []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ElectionCenterID == "" {
		row.ElectionCenterID = uuid.NewString()
	}
	s.electionCenters[row.ElectionCenterID] = row
	s.ballots[row.ElectionCenterID] = ballots
	return nil
}

func (s *memStore) GetElectionCenter(ctx context.Context, electionCenterID string) (*ElectionCenterRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.electionCenters[electionCenterID]
	if !ok {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (s *memStore) ListDecryptions(ctx context.Context, electionCenterID string) ([]DecryptionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DecryptionRow
	for _, row := range s.decryptions {
		if row.ElectionCenterID == electionCenterID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) ListCompensatedDecryptions(ctx context.Context, electionCenterID string) ([]CompensatedDecryptionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CompensatedDecryptionRow
	for _, row := range s.compensated {
		if row.ElectionCenterID == electionCenterID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) SaveDecryption(ctx context.Context, row DecryptionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	s.decryptions[row.ID] = row
	return nil
}

func (s *memStore) SaveCompensatedDecryption(ctx context.Context, row CompensatedDecryptionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	s.compensated[row.ID] = row
	return nil
}

func (s *memStore) AppendWorkerLog(ctx context.Context, entry model.WorkerLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerLogs = append(s.workerLogs, entry)
	return nil
}
