package indexer

import (
	"context"

	"go.uber.org/zap"

	"github.com/xxxsen/chatdistill/internal/model"
	"github.com/xxxsen/chatdistill/internal/policy"
)

// Executor turns a decided plan into artifacts and cursor movement.
type Executor interface {
	Execute(ctx context.Context, in *runInput, res *Result) error
}

type runInput struct {
	userID string
	cursor *model.CursorState
	// offset is the cursor position the plan's spans are relative to.
	offset int64
	plan   *policy.Plan
}

func sendableRecords(plan *policy.Plan) []*model.QueueRecord {
	sendable := plan.Sendable()
	out := make([]*model.QueueRecord, 0, len(sendable))
	for _, c := range sendable {
		out = append(out, c.Record)
	}
	return out
}

type syncExecutor struct {
	svc *Service
}

// Execute makes one completion call and advances over the longest prefix
// of candidates that were either skipped or written.
func (e *syncExecutor) Execute(ctx context.Context, in *runInput, res *Result) error {
	logger := e.svc.logger(ctx, in.userID)
	outputs, err := e.svc.extractor.Extract(ctx, sendableRecords(in.plan))
	if err != nil {
		logger.Error("indexer call failed", zap.Error(err))
		return err
	}
	advanced := e.svc.walk(ctx, in.userID, in.plan.Candidates, outputs, nil, res)
	res.Status = StatusOK
	res.Phase = PhaseSyncDone
	return e.svc.advance(ctx, in.cursor, in.offset, advanced, res)
}

// walk writes outputs for candidates in order and returns how many bytes,
// relative to the candidates' base, may be advanced. Already indexed records
// are never rewritten. It stops at the first missing output, failed write,
// or, when submitted is set, at a record that was neither submitted nor
// already indexed.
func (s *Service) walk(ctx context.Context, userID string, candidates []policy.Candidate, outputs map[string]*model.SemanticArtifact, submitted map[string]struct{}, res *Result) int64 {
	logger := s.logger(ctx, userID)
	var advanced int64
	for _, c := range candidates {
		if c.Void || c.Skip {
			advanced = c.End
			res.Skipped++
			continue
		}
		if submitted != nil {
			if _, ok := submitted[c.InteractionID]; !ok {
				logger.Error("record in batch span was never submitted, stopping",
					zap.String("interaction_id", c.InteractionID))
				break
			}
		}
		out, ok := outputs[c.InteractionID]
		if !ok {
			res.Missing++
			logger.Warn("no output for interaction, stopping", zap.String("interaction_id", c.InteractionID))
			break
		}
		out.InteractionID = c.InteractionID
		wr, err := s.sink.Write(ctx, userID, out)
		if err != nil {
			logger.Error("write semantic artifact failed", zap.String("interaction_id", c.InteractionID), zap.Error(err))
			break
		}
		if wr.RoutedToReview {
			res.Routed++
		}
		res.Indexed++
		advanced = c.End
	}
	return advanced
}
