// Package model holds the shared domain types for the election tally
// control plane: jobs, chunks, task instances, worker logs and the
// error taxonomy used to classify failures across subsystems.
package model

import (
	"fmt"
	"time"
)

// OperationType identifies one of the four cryptographic job families.
type OperationType string

const (
	OperationTally                OperationType = "TALLY"
	OperationPartialDecrypt       OperationType = "PARTIAL_DECRYPT"
	OperationCompensatedDecrypt   OperationType = "COMPENSATED_DECRYPT"
	OperationCombine              OperationType = "COMBINE"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// ChunkState is the lifecycle state of a single Chunk.
type ChunkState string

const (
	ChunkPending    ChunkState = "PENDING"
	ChunkQueued     ChunkState = "QUEUED"
	ChunkProcessing ChunkState = "PROCESSING"
	ChunkCompleted  ChunkState = "COMPLETED"
	ChunkFailed     ChunkState = "FAILED"
)

// MaxRetries is the retry ceiling before a Chunk is permanently failed.
const MaxRetries = 3

// RetryBackoff returns the backoff duration before retry attempt n
// (0-indexed), per spec.md §9: t_n = 5 * 2^n seconds.
func RetryBackoff(attempt int) time.Duration {
	return time.Duration(5<<uint(attempt)) * time.Second
}

// Job is one user-initiated cryptographic operation.
type Job struct {
	JobID          string
	ElectionID     string
	OperationType  OperationType
	Status         JobStatus
	TotalChunks    int
	ProcessedChunks int
	FailedChunks   int
	CreatedBy      string
	StartedAt      time.Time
	CompletedAt    time.Time
	ErrorMessage   string
	Metadata       map[string]any

	// GuardianID is set for PARTIAL_DECRYPT / COMPENSATED_DECRYPT jobs.
	GuardianID string
}

// Done reports whether the job has reached a terminal state.
func (j *Job) Done() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Chunk is one unit of work: a slice of items to run through the CWS.
type Chunk struct {
	ChunkID      string
	JobID        string
	TaskType     OperationType
	ChunkNumber  int
	State        ChunkState
	RetryCount   int
	LastError    string
	ItemIDs      []string
	Payload      map[string]any
	NotBefore    time.Time // backoff gate; zero value means immediately eligible
}

// Eligible reports whether the chunk is PENDING and past its backoff gate.
func (c *Chunk) Eligible(now time.Time) bool {
	return c.State == ChunkPending && (c.NotBefore.IsZero() || !now.Before(c.NotBefore))
}

// WorkerLogPhase mirrors OperationType for the audit trail.
type WorkerLogPhase string

const (
	PhaseTally       WorkerLogPhase = "TALLY"
	PhasePartial     WorkerLogPhase = "PARTIAL"
	PhaseCompensated WorkerLogPhase = "COMPENSATED"
	PhaseCombine     WorkerLogPhase = "COMBINE"
)

// WorkerLog is one audit row for a single chunk-processing attempt.
type WorkerLog struct {
	ElectionID string
	RefID      string // electionCenterId / guardianId / compensated pair id, phase-dependent
	Phase      WorkerLogPhase
	ChunkID    string
	JobID      string
	StartTime  time.Time
	EndTime    time.Time
	Status     ChunkState
	Error      string
}

// ErrorClass is the taxonomy from spec.md §7.
type ErrorClass string

const (
	ErrInvalidInput       ErrorClass = "INVALID_INPUT"
	ErrLocked             ErrorClass = "LOCKED"
	ErrCredentialsExpired ErrorClass = "CREDENTIALS_EXPIRED"
	ErrTransientBus       ErrorClass = "TRANSIENT_BUS"
	ErrTransientCWS       ErrorClass = "TRANSIENT_CWS"
	ErrTransientStore     ErrorClass = "TRANSIENT_STORE"
	ErrPermanentCWS4xx    ErrorClass = "PERMANENT_CWS_4xx"
	ErrInternal           ErrorClass = "INTERNAL"
)

// Retryable reports whether chunks failing with this class are eligible
// for the scheduler's backoff-and-retry path.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrTransientBus, ErrTransientCWS, ErrTransientStore, ErrInternal:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps an underlying error with its taxonomy class.
// It implements Unwrap so callers can still errors.Is/As through it.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with the given class. A nil err returns nil.
func Classify(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf extracts the ErrorClass from err, defaulting to ErrInternal
// when err was not produced via Classify.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if ok := asClassifiedError(err, &ce); ok {
		return ce.Class
	}
	return ErrInternal
}

func asClassifiedError(err error, target **ClassifiedError) bool {
	for err != nil {
		if ce, ok := err.(*ClassifiedError); ok {
			*target = ce
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
