package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/s3-encryption-gateway/internal/bus"
	"github.com/kenneth/s3-encryption-gateway/internal/lockmanager"
	"github.com/kenneth/s3-encryption-gateway/internal/model"
	"github.com/kenneth/s3-encryption-gateway/internal/scheduler"
	"github.com/kenneth/s3-encryption-gateway/internal/secretcache"
	"github.com/kenneth/s3-encryption-gateway/internal/store"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewMemStore()
	b := bus.New(rdb, log, bus.DefaultVisibilityTimeout)
	sch := scheduler.New(st, b, 10*time.Millisecond, log, scheduler.DefaultRetryConfig())
	sch.Start(context.Background())
	t.Cleanup(sch.Stop)

	return New(Config{
		Store:     st,
		Locks:     lockmanager.New(rdb, log),
		Secrets:   secretcache.New(rdb, log),
		Scheduler: sch,
		Bus:       b,
		ChunkSize: 64,
		SecretTTL: time.Minute,
		LockTTL:   time.Minute,
		Logger:    log,
	})
}

func TestCreateTallyRegistersJobAndLock(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := o.CreateTally(ctx, "e1", "alice", "jpk", []string{"b1", "b2", "b3"})
	require.NoError(t, err)
	require.Nil(t, res.Holder)
	require.NotEmpty(t, res.JobID)

	// A second concurrent attempt on the same election is locked, not an error.
	res2, err := o.CreateTally(ctx, "e1", "bob", "jpk", []string{"b4"})
	require.NoError(t, err)
	require.NotNil(t, res2.Holder)
	require.Equal(t, "alice", res2.Holder.Holder)
}

func TestCreateTallyCompletionReleasesLock(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := o.CreateTally(ctx, "e2", "alice", "jpk", []string{"b1"})
	require.NoError(t, err)

	// Drive the single chunk to completion directly through the scheduler,
	// the way a worker would after a successful CWS call.
	chunks, err := o.store.ListChunks(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	o.scheduler.ReportStateChange(ctx, chunks[0].ChunkID, model.ChunkCompleted, model.ErrInternal, "")

	require.Eventually(t, func() bool {
		meta, err := o.locks.GetMetadata(ctx, model.LockTallyKey("e2"))
		return err == nil && meta == nil
	}, time.Second, 5*time.Millisecond)
}

func TestInitiatePartialDecryptionRequiresTallyChunks(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.InitiatePartialDecryption(ctx, "unknown-election", "g1", "alice", "pk", "poly", []string{"g1", "g2"})
	require.Error(t, err)
	require.Equal(t, model.ErrInvalidInput, model.ClassOf(err))
}

func TestPartialDecryptionChainsToCompensatedWhenGuardiansMissing(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	tallyRes, err := o.CreateTally(ctx, "e3", "alice", "jpk", []string{"b1"})
	require.NoError(t, err)
	tallyChunks, err := o.store.ListChunks(ctx, tallyRes.JobID)
	require.NoError(t, err)
	o.scheduler.ReportStateChange(ctx, tallyChunks[0].ChunkID, model.ChunkCompleted, model.ErrInternal, "")

	res, err := o.InitiatePartialDecryption(ctx, "e3", "g1", "alice", "pk", "poly", []string{"g1", "g2", "g3"})
	require.NoError(t, err)
	require.Nil(t, res.Holder)

	partialChunks, err := o.store.ListChunks(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, partialChunks, 1)
	o.scheduler.ReportStateChange(ctx, partialChunks[0].ChunkID, model.ChunkCompleted, model.ErrInternal, "")

	// g2 and g3 haven't decrypted yet, so a COMPENSATED_DECRYPT job should
	// now exist covering both of them, and the decryption lock should
	// still be held (released only once compensation also completes).
	var compensated []scheduler.ProgressSnapshot
	for _, snap := range o.scheduler.ProgressByElection("e3") {
		if snap.TaskType == model.OperationCompensatedDecrypt {
			compensated = append(compensated, snap)
		}
	}
	require.Len(t, compensated, 1)
	require.Equal(t, 2, compensated[0].TotalChunks, "one chunk per tally chunk per absent guardian (g2, g3)")

	require.Eventually(t, func() bool {
		meta, err := o.locks.GetMetadata(ctx, model.LockDecryptionKey("e3", "g1"))
		return err == nil && meta != nil
	}, time.Second, 5*time.Millisecond)
}

func TestCreateCombineRequiresTallyChunks(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.CreateCombine(ctx, "unknown-election", "alice")
	require.Error(t, err)
	require.Equal(t, model.ErrInvalidInput, model.ClassOf(err))
}

func TestProgressFallsBackToStoreAfterCompletion(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := o.CreateTally(ctx, "e4", "alice", "jpk", []string{"b1"})
	require.NoError(t, err)
	chunks, err := o.store.ListChunks(ctx, res.JobID)
	require.NoError(t, err)
	o.scheduler.ReportStateChange(ctx, chunks[0].ChunkID, model.ChunkCompleted, model.ErrInternal, "")

	require.Eventually(t, func() bool {
		pv, err := o.Progress(ctx, res.JobID)
		return err == nil && pv.Status == model.JobCompleted
	}, time.Second, 5*time.Millisecond)
}
