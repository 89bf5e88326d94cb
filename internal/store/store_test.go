package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenneth/s3-encryption-gateway/internal/model"
)

func TestJobProgressTransitionsToCompleted(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, &model.Job{JobID: "j1", TotalChunks: 2, Status: model.JobQueued}))

	j, err := s.UpdateJobProgress(ctx, "j1", 1, 0)
	require.NoError(t, err)
	require.Equal(t, model.JobInProgress, j.Status)
	require.Equal(t, 1, j.ProcessedChunks)

	j, err = s.UpdateJobProgress(ctx, "j1", 1, 0)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, j.Status)
	require.False(t, j.CompletedAt.IsZero())
}

func TestJobProgressTransitionsToFailedWhenAnyChunkFails(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &model.Job{JobID: "j1", TotalChunks: 2}))

	_, err := s.UpdateJobProgress(ctx, "j1", 1, 1)
	require.NoError(t, err)

	j, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, j.Status)
}

func TestChunkRetryResetsToPending(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.CreateChunks(ctx, []*model.Chunk{{ChunkID: "c1", JobID: "j1", State: model.ChunkProcessing}}))

	require.NoError(t, s.UpdateChunkState(ctx, "c1", model.ChunkFailed, "transient"))
	c, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, c.RetryCount)

	require.NoError(t, s.ScheduleRetry(ctx, "c1", c.NotBefore))
	c, err = s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, model.ChunkPending, c.State)
}

func TestElectionCenterAndShareProjections(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.SaveElectionCenter(ctx, ElectionCenterRow{
		ElectionCenterID: "ec1", ElectionID: "e1", EncryptedTally: "enc",
	}, []string{"b1", "b2"}))

	row, err := s.GetElectionCenter(ctx, "ec1")
	require.NoError(t, err)
	require.Equal(t, "enc", row.EncryptedTally)

	require.NoError(t, s.SaveDecryption(ctx, DecryptionRow{ElectionCenterID: "ec1", GuardianID: "g1"}))
	decs, err := s.ListDecryptions(ctx, "ec1")
	require.NoError(t, err)
	require.Len(t, decs, 1)

	_, err = s.GetElectionCenter(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadTallyItemsProjection(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	SeedTallyItems(s, "e1", map[string]string{"b1": "ct1", "b2": "ct2"})

	items, err := s.LoadTallyItems(ctx, "e1", []string{"b1", "b2"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "ct1", items[0].CipherText)
}
