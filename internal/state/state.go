package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/chatdistill/internal/model"
	"github.com/xxxsen/chatdistill/internal/objstore"
	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

// Store persists the per-user cursor and batch job records. Unreadable
// records load as their zero state rather than failing the caller.
type Store struct {
	store objstore.Store
	now   func() time.Time
}

func New(store objstore.Store) *Store {
	return &Store{store: store, now: time.Now}
}

func (s *Store) LoadCursor(ctx context.Context, userID string) (*model.CursorState, error) {
	st := &model.CursorState{}
	ok, err := s.load(ctx, model.CursorKey(userID), st)
	if err != nil {
		return nil, err
	}
	if !ok || st.ByteOffset < 0 {
		if ok {
			logutil.GetLogger(ctx).Warn("negative cursor offset, resetting",
				zap.String("user_id", userID), zap.Int64("offset", st.ByteOffset))
		}
		st = &model.CursorState{}
	}
	st.SchemaVersion = model.CursorSchemaV1
	st.UserID = userID
	return st, nil
}

func (s *Store) SaveCursor(ctx context.Context, st *model.CursorState) error {
	st.SchemaVersion = model.CursorSchemaV1
	st.UpdatedAt = s.now().UTC()
	return s.save(ctx, model.CursorKey(st.UserID), st)
}

// LoadBatch returns the user's batch job record, with status none when no
// job is tracked.
func (s *Store) LoadBatch(ctx context.Context, userID string) (*model.BatchJobState, error) {
	st := &model.BatchJobState{}
	ok, err := s.load(ctx, model.BatchKey(userID), st)
	if err != nil {
		return nil, err
	}
	if !ok {
		st = &model.BatchJobState{}
	}
	st.Status = model.ParseBatchStatus(string(st.Status))
	if st.Status.Active() && st.JobID == "" {
		logutil.GetLogger(ctx).Warn("active batch state without job id, discarding", zap.String("user_id", userID))
		st = &model.BatchJobState{Status: model.BatchStatusNone}
	}
	st.SchemaVersion = model.BatchJobSchemaV1
	st.UserID = userID
	return st, nil
}

func (s *Store) SaveBatch(ctx context.Context, st *model.BatchJobState) error {
	st.SchemaVersion = model.BatchJobSchemaV1
	st.UpdatedAt = s.now().UTC()
	return s.save(ctx, model.BatchKey(st.UserID), st)
}

// ClearBatch resets the user's batch record to status none.
func (s *Store) ClearBatch(ctx context.Context, userID string) error {
	return s.SaveBatch(ctx, &model.BatchJobState{UserID: userID, Status: model.BatchStatusNone})
}

func (s *Store) load(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, err := s.store.Read(ctx, key, 0, -1)
	if err != nil {
		if appErr.IsNotFound(err) {
			return false, nil
		}
		return false, appErr.Transient(fmt.Errorf("read %s: %w", key, err))
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		logutil.GetLogger(ctx).Warn("state record corrupt, using defaults",
			zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.store.Write(ctx, key, data); err != nil {
		return appErr.Transient(fmt.Errorf("write %s: %w", key, err))
	}
	return nil
}
