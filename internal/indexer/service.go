package indexer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/chatdistill/internal/ai"
	"github.com/xxxsen/chatdistill/internal/artifact"
	"github.com/xxxsen/chatdistill/internal/config"
	"github.com/xxxsen/chatdistill/internal/model"
	"github.com/xxxsen/chatdistill/internal/objstore"
	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
	"github.com/xxxsen/chatdistill/internal/policy"
	"github.com/xxxsen/chatdistill/internal/queue"
	"github.com/xxxsen/chatdistill/internal/state"
)

// Extractor is the completion surface the indexer drives.
type Extractor interface {
	Extract(ctx context.Context, records []*model.QueueRecord) (map[string]*model.SemanticArtifact, error)
	SupportsBatch() bool
	Submit(ctx context.Context, userID string, records []*model.QueueRecord) (*ai.BatchJob, string, error)
	Poll(ctx context.Context, jobID string) (*ai.BatchJob, error)
	FetchResults(ctx context.Context, job *ai.BatchJob, customID string) (map[string]*model.SemanticArtifact, error)
}

type Options struct {
	Mode         string
	Thresholds   policy.Thresholds
	UserIDs      []string
	AutoDiscover bool
}

// Overrides replace configured thresholds for one run; zero keeps the default.
type Overrides struct {
	TargetTokens   int `json:"target_tokens"`
	HardMinTokens  int `json:"hard_min_tokens"`
	MaxWaitSeconds int `json:"max_wait_seconds"`
	MaxItemsPerRun int `json:"max_items_per_run"`
}

type RunOptions struct {
	Force     bool
	DryRun    bool
	Overrides Overrides
}

// Service runs the read, decide, execute and advance cycle per user.
type Service struct {
	store     objstore.Store
	queue     *queue.Queue
	states    *state.Store
	sink      *artifact.Sink
	extractor Extractor
	opts      Options
	locks     *userLocks
	sync      *syncExecutor
	batch     *batchExecutor
	now       func() time.Time
}

func New(store objstore.Store, q *queue.Queue, states *state.Store, sink *artifact.Sink, extractor Extractor, opts Options) *Service {
	if opts.Mode == "" {
		opts.Mode = config.ModeSync
	}
	s := &Service{
		store:     store,
		queue:     q,
		states:    states,
		sink:      sink,
		extractor: extractor,
		opts:      opts,
		locks:     newUserLocks(),
		now:       time.Now,
	}
	s.sync = &syncExecutor{svc: s}
	s.batch = &batchExecutor{svc: s}
	return s
}

func (s *Service) Mode() string {
	return s.opts.Mode
}

// Users returns the users a periodic tick should visit.
func (s *Service) Users(ctx context.Context) ([]string, error) {
	if !s.opts.AutoDiscover {
		return append([]string(nil), s.opts.UserIDs...), nil
	}
	keys, err := s.store.List(ctx, model.UsersPrefix)
	if err != nil {
		return nil, appErr.Transient(fmt.Errorf("list users: %w", err))
	}
	seen := make(map[string]struct{})
	users := make([]string, 0)
	for _, key := range keys {
		user, ok := model.UserFromQueueKey(key)
		if !ok {
			continue
		}
		if _, dup := seen[user]; dup {
			continue
		}
		seen[user] = struct{}{}
		users = append(users, user)
	}
	sort.Strings(users)
	return users, nil
}

// Run performs one indexing pass for a user. Overlapping runs for the same
// user fail with ErrBusy.
func (s *Service) Run(ctx context.Context, userID string, opts RunOptions) (*Result, error) {
	if err := model.ValidateSegment("user id", userID); err != nil {
		return nil, err
	}
	release, ok := s.locks.TryLock(userID)
	if !ok {
		return nil, fmt.Errorf("indexer run for %s: %w", userID, appErr.ErrBusy)
	}
	defer release()

	res := &Result{UserID: userID, Mode: s.opts.Mode}
	if err := s.run(ctx, userID, opts, res); err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, userID string, opts RunOptions, res *Result) error {
	logger := s.logger(ctx, userID)
	cursor, err := s.states.LoadCursor(ctx, userID)
	if err != nil {
		return err
	}
	res.ByteOffset = cursor.ByteOffset

	job, err := s.states.LoadBatch(ctx, userID)
	if err != nil {
		return err
	}
	if job.Active() {
		res.JobID = job.JobID
		res.JobStatus = string(job.Status)
		if opts.DryRun {
			res.Status = StatusDryRun
			res.Phase = PhaseBatchWaiting
			return nil
		}
		if !s.extractor.SupportsBatch() {
			return appErr.Fatal(fmt.Errorf("batch %s in flight: %w", job.JobID, appErr.ErrBatchActive))
		}
		return s.batch.Resume(ctx, userID, cursor, job, res)
	}

	th := s.thresholds(opts.Overrides)
	res.TargetTokens = th.TargetTokens
	res.HardMinTokens = th.HardMinTokens
	res.MaxWaitSeconds = int64(th.MaxWait / time.Second)

	win, err := s.queue.Scan(ctx, userID, cursor.ByteOffset)
	if err != nil {
		return err
	}
	dirty := false
	if win.Reset {
		cursor.FirstPendingAt = nil
		dirty = true
	}
	if win.Offset != cursor.ByteOffset {
		cursor.ByteOffset = win.Offset
		dirty = true
	}
	res.ByteOffset = win.Offset
	res.QueueSize = win.Total
	res.Reset = win.Reset
	res.Resynced = win.Resynced

	if !win.Pending() {
		res.Status = StatusIdle
		if cursor.FirstPendingAt != nil {
			cursor.FirstPendingAt = nil
			dirty = true
		}
		if dirty && !opts.DryRun {
			return s.states.SaveCursor(ctx, cursor)
		}
		return nil
	}
	if len(win.Entries) == 0 {
		// Nothing complete past the cursor; never advance over it.
		res.Status = StatusIdle
		if win.Halted {
			res.Phase = PhaseUnparseable
			logger.Warn("queue line past cursor is unparseable", zap.Int64("offset", win.Offset))
		}
		return nil
	}

	plan := policy.Collect(ctx, win.Entries, th, func(ctx context.Context, id string) bool {
		return s.sink.Exists(ctx, userID, id)
	})
	now := s.now().UTC()
	if cursor.FirstPendingAt == nil {
		cursor.FirstPendingAt = &now
	}
	elapsed := now.Sub(*cursor.FirstPendingAt)
	sendable := plan.Sendable()
	res.Candidates = len(plan.Candidates)
	res.BatchItems = len(sendable)
	res.TokenSum = plan.TokenSum
	res.ElapsedSeconds = int64(elapsed / time.Second)

	if !policy.ShouldRun(plan.TokenSum, elapsed, th, opts.Force) {
		res.Status = StatusWaiting
		if opts.DryRun {
			return nil
		}
		return s.states.SaveCursor(ctx, cursor)
	}
	if opts.DryRun {
		res.Status = StatusDryRun
		return nil
	}
	if err := s.states.SaveCursor(ctx, cursor); err != nil {
		return err
	}
	if len(sendable) == 0 {
		res.Skipped = plan.SkippedCount()
		res.Status = StatusOK
		res.Phase = PhaseSkippedOnly
		return s.advance(ctx, cursor, win.Offset, plan.Span(), res)
	}
	exec := s.executor()
	return exec.Execute(ctx, &runInput{userID: userID, cursor: cursor, offset: win.Offset, plan: plan}, res)
}

func (s *Service) logger(ctx context.Context, userID string) *zap.Logger {
	return logutil.GetLogger(ctx).With(zap.String("user_id", userID), zap.String("mode", s.opts.Mode))
}

func (s *Service) executor() Executor {
	if s.opts.Mode == config.ModeBatch {
		return s.batch
	}
	return s.sync
}

// advance moves the cursor advanced bytes past base and clears the pending
// clock.
func (s *Service) advance(ctx context.Context, cursor *model.CursorState, base, advanced int64, res *Result) error {
	res.AdvancedBytes = advanced
	if advanced <= 0 {
		return nil
	}
	cursor.ByteOffset = base + advanced
	cursor.FirstPendingAt = nil
	if err := s.states.SaveCursor(ctx, cursor); err != nil {
		return err
	}
	res.ByteOffset = cursor.ByteOffset
	return nil
}

func (s *Service) thresholds(o Overrides) policy.Thresholds {
	th := s.opts.Thresholds
	if o.TargetTokens > 0 {
		th.TargetTokens = o.TargetTokens
	}
	if o.HardMinTokens > 0 {
		th.HardMinTokens = o.HardMinTokens
	}
	if o.MaxWaitSeconds > 0 {
		th.MaxWait = time.Duration(o.MaxWaitSeconds) * time.Second
	}
	if o.MaxItemsPerRun > 0 {
		th.MaxItems = o.MaxItemsPerRun
	}
	return th
}

// State is a read-only snapshot of a user's indexing position.
type State struct {
	UserID    string               `json:"user_id"`
	Mode      string               `json:"mode"`
	Cursor    *model.CursorState   `json:"cursor"`
	Batch     *model.BatchJobState `json:"batch"`
	QueueSize int64                `json:"queue_size_bytes"`
	Pending   int64                `json:"pending_bytes"`
}

func (s *Service) State(ctx context.Context, userID string) (*State, error) {
	if err := model.ValidateSegment("user id", userID); err != nil {
		return nil, err
	}
	cursor, err := s.states.LoadCursor(ctx, userID)
	if err != nil {
		return nil, err
	}
	job, err := s.states.LoadBatch(ctx, userID)
	if err != nil {
		return nil, err
	}
	size, err := s.queue.Size(ctx, userID)
	if err != nil {
		return nil, err
	}
	pending := size - cursor.ByteOffset
	if pending < 0 {
		pending = 0
	}
	return &State{
		UserID:    userID,
		Mode:      s.opts.Mode,
		Cursor:    cursor,
		Batch:     job,
		QueueSize: size,
		Pending:   pending,
	}, nil
}
