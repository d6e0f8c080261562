package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/chatdistill/internal/model"
	"github.com/xxxsen/chatdistill/internal/objstore"
)

func TestCursorRoundTripAndDefaults(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	s := New(store)

	st, err := s.LoadCursor(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(0), st.ByteOffset)
	require.Nil(t, st.FirstPendingAt)
	require.Equal(t, "alice", st.UserID)

	pending := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st.ByteOffset = 42
	st.FirstPendingAt = &pending
	require.NoError(t, s.SaveCursor(ctx, st))

	got, err := s.LoadCursor(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(42), got.ByteOffset)
	require.True(t, pending.Equal(*got.FirstPendingAt))
	require.Equal(t, model.CursorSchemaV1, got.SchemaVersion)
}

func TestCorruptRecordsResetToDefaults(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	s := New(store)
	require.NoError(t, store.Write(ctx, model.CursorKey("alice"), []byte("{not json")))
	require.NoError(t, store.Write(ctx, model.BatchKey("alice"), []byte("[]")))

	cur, err := s.LoadCursor(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(0), cur.ByteOffset)

	batch, err := s.LoadBatch(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, model.BatchStatusNone, batch.Status)
	require.False(t, batch.Active())

	require.NoError(t, store.Write(ctx, model.CursorKey("bob"), []byte(`{"byte_offset":-5}`)))
	cur, err = s.LoadCursor(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(0), cur.ByteOffset)
}

func TestBatchSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	s := New(objstore.NewMemoryStore())

	require.NoError(t, s.SaveBatch(ctx, &model.BatchJobState{
		UserID:                  "alice",
		Status:                  model.BatchStatusInProgress,
		JobID:                   "batch_1",
		OffsetStart:             10,
		PlannedAdvanceBytes:     300,
		CandidateInteractionIDs: []string{"a", "b"},
		SubmittedInteractionIDs: []string{"b"},
	}))
	got, err := s.LoadBatch(ctx, "alice")
	require.NoError(t, err)
	require.True(t, got.Active())
	require.Equal(t, "batch_1", got.JobID)
	require.Equal(t, int64(300), got.PlannedAdvanceBytes)
	require.Equal(t, []string{"b"}, got.SubmittedInteractionIDs)

	require.NoError(t, s.ClearBatch(ctx, "alice"))
	got, err = s.LoadBatch(ctx, "alice")
	require.NoError(t, err)
	require.False(t, got.Active())
	require.Equal(t, model.BatchStatusNone, got.Status)
}

func TestActiveBatchWithoutJobIDIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	s := New(store)
	require.NoError(t, store.Write(ctx, model.BatchKey("alice"), []byte(`{"status":"in_progress"}`)))
	got, err := s.LoadBatch(ctx, "alice")
	require.NoError(t, err)
	require.False(t, got.Active())
}
