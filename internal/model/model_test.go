package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryBackoffDoublesEachAttempt(t *testing.T) {
	assert.Equal(t, 5*time.Second, RetryBackoff(0))
	assert.Equal(t, 10*time.Second, RetryBackoff(1))
	assert.Equal(t, 20*time.Second, RetryBackoff(2))
	assert.Equal(t, 40*time.Second, RetryBackoff(3))
}

func TestClassifyNilErrReturnsNil(t *testing.T) {
	assert.NoError(t, Classify(ErrTransientCWS, nil))
}

func TestClassifyWrapsAndUnwraps(t *testing.T) {
	base := errors.New("connection refused")
	err := Classify(ErrTransientCWS, base)

	assert.ErrorIs(t, err, base)
	assert.Equal(t, ErrTransientCWS, ClassOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestClassOfDefaultsToInternalForUnclassifiedError(t *testing.T) {
	assert.Equal(t, ErrInternal, ClassOf(errors.New("unrelated failure")))
}

func TestClassOfSeesThroughWrappedStdlibErrors(t *testing.T) {
	classified := Classify(ErrPermanentCWS4xx, errors.New("bad request"))
	wrapped := fmt.Errorf("tally: %w", classified)

	assert.Equal(t, ErrPermanentCWS4xx, ClassOf(wrapped))
}

func TestRetryableClasses(t *testing.T) {
	retryable := []ErrorClass{ErrTransientBus, ErrTransientCWS, ErrTransientStore, ErrInternal}
	for _, c := range retryable {
		assert.True(t, c.Retryable(), "%s should be retryable", c)
	}

	notRetryable := []ErrorClass{ErrInvalidInput, ErrLocked, ErrCredentialsExpired, ErrPermanentCWS4xx}
	for _, c := range notRetryable {
		assert.False(t, c.Retryable(), "%s should not be retryable", c)
	}
}

func TestJobDone(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCancelled} {
		j := &Job{Status: s}
		assert.True(t, j.Done(), "%s should be done", s)
	}
	for _, s := range []JobStatus{JobQueued, JobInProgress} {
		j := &Job{Status: s}
		assert.False(t, j.Done(), "%s should not be done", s)
	}
}

func TestChunkEligible(t *testing.T) {
	now := time.Now()

	assert.True(t, (&Chunk{State: ChunkPending}).Eligible(now))
	assert.False(t, (&Chunk{State: ChunkProcessing}).Eligible(now))

	notYet := &Chunk{State: ChunkPending, NotBefore: now.Add(time.Minute)}
	assert.False(t, notYet.Eligible(now))

	pastGate := &Chunk{State: ChunkPending, NotBefore: now.Add(-time.Minute)}
	assert.True(t, pastGate.Eligible(now))
}
