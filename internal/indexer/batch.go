package indexer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xxxsen/chatdistill/internal/ai"
	"github.com/xxxsen/chatdistill/internal/model"
	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
	"github.com/xxxsen/chatdistill/internal/policy"
	"github.com/xxxsen/chatdistill/internal/queue"
)

type batchExecutor struct {
	svc *Service
}

// Execute submits the plan as one batch job and records the exact span it
// covers. The cursor does not move until the job is ingested.
func (e *batchExecutor) Execute(ctx context.Context, in *runInput, res *Result) error {
	logger := e.svc.logger(ctx, in.userID)
	current, err := e.svc.states.LoadBatch(ctx, in.userID)
	if err != nil {
		return err
	}
	if current.Active() {
		return appErr.Fatal(fmt.Errorf("batch %s in flight: %w", current.JobID, appErr.ErrBatchActive))
	}
	job, customID, err := e.svc.extractor.Submit(ctx, in.userID, sendableRecords(in.plan))
	if err != nil {
		logger.Error("submit batch failed", zap.Error(err))
		return err
	}
	status := model.ParseBatchStatus(job.Status)
	if !status.Active() {
		status = model.BatchStatusSubmitted
	}
	now := e.svc.now().UTC()
	st := &model.BatchJobState{
		UserID:                  in.userID,
		Status:                  status,
		JobID:                   job.ID,
		InputFileID:             job.InputFileID,
		CustomID:                customID,
		RequestedAt:             &now,
		OffsetStart:             in.offset,
		PlannedAdvanceBytes:     in.plan.Span(),
		CandidateInteractionIDs: in.plan.CandidateIDs(),
		SubmittedInteractionIDs: in.plan.SendableIDs(),
	}
	if err := e.svc.states.SaveBatch(ctx, st); err != nil {
		logger.Error("persist submitted batch failed, job is orphaned", zap.String("batch_id", job.ID), zap.Error(err))
		return err
	}
	logger.Info("batch submitted",
		zap.String("batch_id", job.ID),
		zap.Int64("offset_start", st.OffsetStart),
		zap.Int64("planned_advance_bytes", st.PlannedAdvanceBytes),
		zap.Int("submitted", len(st.SubmittedInteractionIDs)))
	res.Status = StatusOK
	res.Phase = PhaseBatchSubmitted
	res.JobID = job.ID
	res.JobStatus = string(status)
	return nil
}

// Resume polls an in-flight job and ingests it once completed.
func (e *batchExecutor) Resume(ctx context.Context, userID string, cursor *model.CursorState, st *model.BatchJobState, res *Result) error {
	logger := e.svc.logger(ctx, userID).With(zap.String("batch_id", st.JobID))
	job, err := e.svc.extractor.Poll(ctx, st.JobID)
	if err != nil {
		logger.Error("poll batch failed", zap.Error(err))
		return err
	}
	// An empty polled status says nothing new; keep the recorded one.
	status := st.Status
	if strings.TrimSpace(job.Status) != "" {
		status = model.ParseBatchStatus(job.Status)
	}
	if job.ErrorFileID != "" {
		res.JobErrorFileID = job.ErrorFileID
		logger.Warn("batch reported per-request errors", zap.String("error_file_id", job.ErrorFileID), zap.String("status", string(status)))
	}
	now := e.svc.now().UTC()
	st.LastPolledAt = &now
	res.JobStatus = string(status)
	switch {
	case status.Active():
		st.Status = status
		res.Status = StatusWaiting
		res.Phase = PhaseBatchWaiting
		return e.svc.states.SaveBatch(ctx, st)
	case status.Failed():
		logger.Warn("batch ended without output, span will be resubmitted", zap.String("status", string(status)))
		res.Status = StatusOK
		res.Phase = PhaseBatchFailed
		return e.svc.states.ClearBatch(ctx, userID)
	}
	outputs, err := e.svc.extractor.FetchResults(ctx, job, st.CustomID)
	if err != nil {
		if appErr.IsTransient(err) {
			logger.Error("fetch batch output failed, will retry", zap.Error(err))
			return err
		}
		logger.Error("batch output unusable, clearing job", zap.Error(err))
		if cerr := e.svc.states.ClearBatch(ctx, userID); cerr != nil {
			return cerr
		}
		return err
	}
	return e.ingest(ctx, userID, cursor, st, outputs, res)
}

// ingest applies a completed job to the span recorded at submission.
func (e *batchExecutor) ingest(ctx context.Context, userID string, cursor *model.CursorState, st *model.BatchJobState, outputs map[string]*model.SemanticArtifact, res *Result) error {
	logger := e.svc.logger(ctx, userID).With(zap.String("batch_id", st.JobID))
	res.Phase = PhaseBatchIngested
	res.Status = StatusOK
	spanEnd := st.OffsetStart + st.PlannedAdvanceBytes
	switch {
	case cursor.ByteOffset == st.OffsetStart:
	case cursor.ByteOffset > st.OffsetStart && cursor.ByteOffset <= spanEnd:
		logger.Info("batch span already ingested, clearing job", zap.Int64("byte_offset", cursor.ByteOffset))
		return e.svc.states.ClearBatch(ctx, userID)
	default:
		if err := e.svc.states.ClearBatch(ctx, userID); err != nil {
			return err
		}
		return appErr.Fatal(fmt.Errorf("cursor %d outside batch span [%d,%d)", cursor.ByteOffset, st.OffsetStart, spanEnd))
	}

	data, err := e.svc.queue.ReadRange(ctx, userID, st.OffsetStart, st.PlannedAdvanceBytes)
	if err != nil {
		if appErr.IsFatal(err) {
			logger.Error("batch span no longer in queue, clearing job", zap.Error(err))
			if cerr := e.svc.states.ClearBatch(ctx, userID); cerr != nil {
				return cerr
			}
		}
		return err
	}
	entries, halted := queue.ParseLines(queue.SplitLines(data))
	if halted {
		logger.Warn("unparseable line inside batch span", zap.Int("parsed", len(entries)))
	}
	candidates := e.rederive(ctx, userID, entries)
	res.Candidates = len(candidates)
	submitted := make(map[string]struct{}, len(st.SubmittedInteractionIDs))
	for _, id := range st.SubmittedInteractionIDs {
		submitted[id] = struct{}{}
	}
	res.BatchItems = len(submitted)

	advanced := e.svc.walk(ctx, userID, candidates, outputs, submitted, res)
	if err := e.svc.advance(ctx, cursor, st.OffsetStart, advanced, res); err != nil {
		return err
	}
	if err := e.svc.states.ClearBatch(ctx, userID); err != nil {
		return err
	}
	logger.Info("batch ingested",
		zap.Int("indexed", res.Indexed),
		zap.Int("skipped", res.Skipped),
		zap.Int("missing", res.Missing),
		zap.Int64("advanced_bytes", advanced))
	return nil
}

// rederive rebuilds the candidate list of a span without collection limits.
func (e *batchExecutor) rederive(ctx context.Context, userID string, entries []queue.Entry) []policy.Candidate {
	out := make([]policy.Candidate, 0, len(entries))
	for _, entry := range entries {
		c := policy.Candidate{Entry: entry, InteractionID: strings.TrimSpace(entry.Record.InteractionID)}
		switch {
		case c.InteractionID == "":
			c.Void = true
		case e.svc.sink.Exists(ctx, userID, c.InteractionID):
			c.Skip = true
		}
		out = append(out, c)
	}
	return out
}

var _ Executor = (*batchExecutor)(nil)
var _ Executor = (*syncExecutor)(nil)
var _ Extractor = (*ai.Extractor)(nil)
