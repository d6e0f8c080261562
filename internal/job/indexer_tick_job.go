package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/chatdistill/internal/indexer"
)

// Runner is the part of the indexer a tick drives.
type Runner interface {
	Mode() string
	Users(ctx context.Context) ([]string, error)
	Run(ctx context.Context, userID string, opts indexer.RunOptions) (*indexer.Result, error)
}

// IndexerTickJob runs one indexing pass for every configured user. A failing
// user is logged and the tick moves on.
type IndexerTickJob struct {
	runner Runner
}

func NewIndexerTickJob(runner Runner) *IndexerTickJob {
	return &IndexerTickJob{runner: runner}
}

func (j *IndexerTickJob) Name() string {
	return "indexer_tick"
}

func (j *IndexerTickJob) Run(ctx context.Context) error {
	if j.runner == nil {
		return nil
	}
	_, err := j.RunAll(ctx)
	return err
}

// RunAll returns the per-user results in visiting order. Only a failure to
// enumerate users is returned as an error.
func (j *IndexerTickJob) RunAll(ctx context.Context) ([]*indexer.Result, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("job", j.Name()), zap.String("mode", j.runner.Mode()))
	users, err := j.runner.Users(ctx)
	if err != nil {
		logger.Error("resolve users failed", zap.Error(err))
		return nil, err
	}
	results := make([]*indexer.Result, 0, len(users))
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := j.runner.Run(ctx, user, indexer.RunOptions{})
		if res == nil {
			res = &indexer.Result{UserID: user, Mode: j.runner.Mode(), Status: indexer.StatusError}
			if err != nil {
				res.Error = err.Error()
			}
		}
		results = append(results, res)
		fields := []zap.Field{
			zap.String("user_id", res.UserID),
			zap.String("status", res.Status),
			zap.String("phase", res.Phase),
			zap.Int64("byte_offset", res.ByteOffset),
			zap.Int64("advanced_bytes", res.AdvancedBytes),
			zap.Int("indexed", res.Indexed),
			zap.Int("skipped_existing", res.Skipped),
			zap.Int("missing_outputs", res.Missing),
			zap.Int("routed_for_review", res.Routed),
			zap.Int("tokens_sum", res.TokenSum),
		}
		if res.JobID != "" {
			fields = append(fields, zap.String("batch_id", res.JobID), zap.String("batch_status", res.JobStatus))
		}
		if err != nil {
			logger.Error("indexer tick user failed", append(fields, zap.Error(err))...)
			continue
		}
		logger.Info("indexer tick user done", fields...)
	}
	return results, nil
}
