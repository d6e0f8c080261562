package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

const user = "alice"

// fakeModel answers every item in the input unless told to drop it.
type fakeModel struct {
	mu       sync.Mutex
	calls    int
	seen     [][]string
	drop     map[string]bool
	category string
	err      error
}

func (f *fakeModel) answer(input string) (string, error) {
	var payload struct {
		Items []model.QueueRecord `json:"items"`
	}
	if err := json.Unmarshal([]byte(input), &payload); err != nil {
		return "", err
	}
	ids := make([]string, 0, len(payload.Items))
	items := make([]map[string]interface{}, 0, len(payload.Items))
	for _, rec := range payload.Items {
		ids = append(ids, rec.InteractionID)
		if f.drop[rec.InteractionID] {
			continue
		}
		category := f.category
		if category == "" {
			category = "ML"
		}
		items = append(items, map[string]interface{}{
			"interaction_id": rec.InteractionID,
			"category":       category,
			"confidence":     0.9,
			"tags":           []string{"t"},
			"summary":        "summary of " + rec.InteractionID,
		})
	}
	f.seen = append(f.seen, ids)
	out, err := json.Marshal(map[string]interface{}{"items": items})
	return string(out), err
}

func (f *fakeModel) Complete(ctx context.Context, req *ai.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.answer(req.Input)
}

type fakeBatch struct {
	model     *fakeModel
	submitted []*ai.BatchRequest
	status    string
	output    []byte
	dlErr     error
	errorFile string
}

func (f *fakeBatch) SubmitBatch(ctx context.Context, m string, req *ai.BatchRequest) (*ai.BatchJob, error) {
	f.submitted = append(f.submitted, req)
	f.status = "validating"
	f.output = nil
	return &ai.BatchJob{ID: fmt.Sprintf("batch_%d", len(f.submitted)), Status: "validating", InputFileID: "file_in"}, nil
}

func (f *fakeBatch) RetrieveBatch(ctx context.Context, jobID string) (*ai.BatchJob, error) {
	job := &ai.BatchJob{ID: jobID, Status: f.status, ErrorFileID: f.errorFile}
	if f.status == "completed" {
		job.OutputFileID = "file_out"
	}
	return job, nil
}

func (f *fakeBatch) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if f.dlErr != nil {
		return nil, f.dlErr
	}
	if f.output != nil {
		return f.output, nil
	}
	last := f.submitted[len(f.submitted)-1]
	content, err := f.model.answer(last.Completion.Input)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(map[string]interface{}{
		"custom_id": last.CustomID,
		"response": map[string]interface{}{
			"status_code": 200,
			"body": map[string]interface{}{
				"choices": []interface{}{map[string]interface{}{"message": map[string]interface{}{"content": content}}},
			},
		},
	})
	return append(line, '\n'), err
}

type harness struct {
	store  *objstore.MemoryStore
	queue  *queue.Queue
	states *state.Store
	sink   *artifact.Sink
	model  *fakeModel
	batch  *fakeBatch
	svc    *Service
	now    time.Time
}

func newHarness(t *testing.T, mode string) *harness {
	t.Helper()
	h := &harness{
		store: objstore.NewMemoryStore(),
		model: &fakeModel{drop: map[string]bool{}},
		now:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.batch = &fakeBatch{model: h.model}
	h.queue = queue.New(h.store, queue.Limits{})
	h.states = state.New(h.store)
	h.sink = artifact.NewSink(h.store, nil, artifact.Options{
		AllowedCategories: []string{"PE", "UI", "ML", "LO", "PS", "TM", "SYS", "GEN", "ID"},
		LowConfidence:     0.6,
	})
	ex := ai.NewExtractor(h.model, h.batch, "test-model", ai.ExtractorConfig{})
	h.svc = New(h.store, h.queue, h.states, h.sink, ex, Options{
		Mode: mode,
		Thresholds: policy.Thresholds{
			TargetTokens:  1000,
			HardMinTokens: 600,
			MaxWait:       300 * time.Second,
			MaxItems:      25,
		},
		UserIDs: []string{user},
	})
	h.svc.now = func() time.Time { return h.now }
	return h
}

// add appends a record whose estimated token count is exactly tokens.
func (h *harness) add(t *testing.T, id string, tokens int) {
	t.Helper()
	_, err := h.queue.Append(context.Background(), user, &model.Interaction{
		InteractionID: id,
		UserMessage:   strings.Repeat("x", tokens*4),
	})
	require.NoError(t, err)
}

func (h *harness) size(t *testing.T) int64 {
	t.Helper()
	n, err := h.queue.Size(context.Background(), user)
	require.NoError(t, err)
	return n
}

func (h *harness) cursor(t *testing.T) *model.CursorState {
	t.Helper()
	st, err := h.states.LoadCursor(context.Background(), user)
	require.NoError(t, err)
	return st
}

func (h *harness) lineEnds(t *testing.T) []int64 {
	t.Helper()
	w, err := h.queue.Scan(context.Background(), user, 0)
	require.NoError(t, err)
	ends := make([]int64, 0, len(w.Entries))
	for _, e := range w.Entries {
		ends = append(ends, e.End)
	}
	return ends
}

func (h *harness) run(t *testing.T, opts RunOptions) *Result {
	t.Helper()
	res, err := h.svc.Run(context.Background(), user, opts)
	require.NoError(t, err)
	return res
}

func TestRunIdleOnEmptyQueue(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	res := h.run(t, RunOptions{})
	require.Equal(t, StatusIdle, res.Status)
	require.Equal(t, 0, h.model.calls)
}

func TestRunTargetReached(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 1000)

	res := h.run(t, RunOptions{})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, PhaseSyncDone, res.Phase)
	require.Equal(t, 1, res.Indexed)
	require.Equal(t, h.size(t), res.AdvancedBytes)

	cur := h.cursor(t)
	require.Equal(t, h.size(t), cur.ByteOffset)
	require.Nil(t, cur.FirstPendingAt)
	require.True(t, h.sink.Exists(context.Background(), user, "i1"))
}

func TestRunHardMinAfterWait(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 650)
	start := h.now

	res := h.run(t, RunOptions{})
	require.Equal(t, StatusWaiting, res.Status)
	require.Equal(t, 650, res.TokenSum)
	cur := h.cursor(t)
	require.NotNil(t, cur.FirstPendingAt)
	require.True(t, start.Equal(*cur.FirstPendingAt))
	require.Equal(t, int64(0), cur.ByteOffset)

	h.now = start.Add(299 * time.Second)
	res = h.run(t, RunOptions{})
	require.Equal(t, StatusWaiting, res.Status)
	require.Equal(t, int64(299), res.ElapsedSeconds)
	require.True(t, start.Equal(*h.cursor(t).FirstPendingAt))

	h.now = start.Add(300 * time.Second)
	res = h.run(t, RunOptions{})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, 1, res.Indexed)
	require.Nil(t, h.cursor(t).FirstPendingAt)
}

func TestRunBelowHardMinKeepsWaiting(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 100)
	h.run(t, RunOptions{})
	h.now = h.now.Add(24 * time.Hour)
	res := h.run(t, RunOptions{})
	require.Equal(t, StatusWaiting, res.Status)
	require.Equal(t, 0, h.model.calls)
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 10)
	h.add(t, "i2", 10)

	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, 2, res.Indexed)
	res = h.run(t, RunOptions{Force: true})
	require.Equal(t, StatusIdle, res.Status)
	require.Equal(t, 1, h.model.calls)
}

func TestRunPartialOutputAdvancesPrefix(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 10)
	h.add(t, "i2", 10)
	h.add(t, "i3", 10)
	ends := h.lineEnds(t)
	h.model.drop["i3"] = true

	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, 2, res.Indexed)
	require.Equal(t, 1, res.Missing)
	require.Equal(t, ends[1], h.cursor(t).ByteOffset)

	delete(h.model.drop, "i3")
	res = h.run(t, RunOptions{Force: true})
	require.Equal(t, 1, res.Indexed)
	require.Equal(t, []string{"i3"}, h.model.seen[1])
	require.Equal(t, ends[2], h.cursor(t).ByteOffset)
}

func TestRunMissingMiddleStopsWalk(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 10)
	h.add(t, "i2", 10)
	h.add(t, "i3", 10)
	ends := h.lineEnds(t)
	h.model.drop["i2"] = true

	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, 1, res.Indexed)
	require.Equal(t, 1, res.Missing)
	require.Equal(t, ends[0], h.cursor(t).ByteOffset)
	require.False(t, h.sink.Exists(context.Background(), user, "i3"))
}

func TestRunCursorIsMonotonic(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	var last int64
	for i := 0; i < 6; i++ {
		h.add(t, fmt.Sprintf("i%d", i), 10)
		if i%2 == 0 {
			h.model.drop[fmt.Sprintf("i%d", i)] = true
		}
		h.run(t, RunOptions{Force: true})
		delete(h.model.drop, fmt.Sprintf("i%d", i))
		off := h.cursor(t).ByteOffset
		require.GreaterOrEqual(t, off, last)
		last = off
	}
	h.run(t, RunOptions{Force: true})
	require.Equal(t, h.size(t), h.cursor(t).ByteOffset)
}

func TestRunSkipsExistingArtifacts(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 10)
	h.add(t, "i2", 10)
	_, err := h.sink.Write(context.Background(), user, &model.SemanticArtifact{InteractionID: "i1", Category: "PE", Confidence: 1})
	require.NoError(t, err)

	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Indexed)
	require.Equal(t, []string{"i2"}, h.model.seen[0])
	require.Equal(t, h.size(t), h.cursor(t).ByteOffset)
}

func TestRunSkippedOnlyAdvancesWithoutCall(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 10)
	_, err := h.sink.Write(context.Background(), user, &model.SemanticArtifact{InteractionID: "i1", Category: "PE", Confidence: 1})
	require.NoError(t, err)

	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, PhaseSkippedOnly, res.Phase)
	require.Equal(t, 0, h.model.calls)
	require.Equal(t, h.size(t), h.cursor(t).ByteOffset)
}

func TestRunAdvancesOverVoidRecords(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	ctx := context.Background()
	void, err := queue.EncodeLine(&model.QueueRecord{UserID: user, UserMessage: "no id"})
	require.NoError(t, err)
	require.NoError(t, objstore.AppendLine(ctx, h.store, model.QueueKey(user), void))
	h.add(t, "i1", 10)

	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, 1, res.Indexed)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, []string{"i1"}, h.model.seen[0])
	require.Equal(t, h.size(t), h.cursor(t).ByteOffset)
}

func TestRunResyncMatchesAlignedRun(t *testing.T) {
	ctx := context.Background()
	build := func(offset func(ends []int64) int64) (*harness, *Result) {
		h := newHarness(t, config.ModeSync)
		h.add(t, "i1", 10)
		h.add(t, "i2", 10)
		h.add(t, "i3", 10)
		require.NoError(t, h.states.SaveCursor(ctx, &model.CursorState{UserID: user, ByteOffset: offset(h.lineEnds(t))}))
		return h, h.run(t, RunOptions{Force: true})
	}
	aligned, alignedRes := build(func(ends []int64) int64 { return ends[0] })
	drifted, driftedRes := build(func(ends []int64) int64 { return ends[0] + 9 })

	require.Equal(t, alignedRes.Indexed, driftedRes.Indexed)
	require.Equal(t, aligned.model.seen, drifted.model.seen)
	require.Equal(t, []string{"i2", "i3"}, drifted.model.seen[0])
	require.Equal(t, aligned.cursor(t).ByteOffset, drifted.cursor(t).ByteOffset)
	require.False(t, alignedRes.Resynced)
	require.True(t, driftedRes.Resynced)
}

func TestRunResetsOffsetPastQueueEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 10)
	pending := h.now.Add(-time.Hour)
	require.NoError(t, h.states.SaveCursor(ctx, &model.CursorState{UserID: user, ByteOffset: 1 << 20, FirstPendingAt: &pending}))

	res := h.run(t, RunOptions{})
	require.Equal(t, StatusWaiting, res.Status)
	require.True(t, res.Reset)
	cur := h.cursor(t)
	require.Equal(t, int64(0), cur.ByteOffset)
	require.True(t, h.now.Equal(*cur.FirstPendingAt))
}

func TestRunNeverAdvancesPastUnparseableLine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeSync)
	require.NoError(t, objstore.AppendLine(ctx, h.store, model.QueueKey(user), []byte("garbage\n")))
	h.add(t, "i1", 2000)

	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, StatusIdle, res.Status)
	require.Equal(t, PhaseUnparseable, res.Phase)
	require.Equal(t, 0, h.model.calls)
	_, err := h.store.Stat(ctx, model.CursorKey(user))
	require.True(t, appErr.IsNotFound(err))
}

func TestRunDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 10)

	res := h.run(t, RunOptions{DryRun: true})
	require.Equal(t, StatusWaiting, res.Status)
	res = h.run(t, RunOptions{DryRun: true, Force: true})
	require.Equal(t, StatusDryRun, res.Status)
	require.Equal(t, 1, res.BatchItems)
	require.Equal(t, 0, h.model.calls)
	_, err := h.store.Stat(ctx, model.CursorKey(user))
	require.True(t, appErr.IsNotFound(err))
}

func TestRunExtractionFailureKeepsCursor(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 1000)
	h.model.err = errors.New("upstream down")

	res, err := h.svc.Run(context.Background(), user, RunOptions{})
	require.Error(t, err)
	require.True(t, appErr.IsTransient(err))
	require.Equal(t, StatusError, res.Status)
	cur := h.cursor(t)
	require.Equal(t, int64(0), cur.ByteOffset)
	require.NotNil(t, cur.FirstPendingAt)
}

func TestRunRoutesLowQualityArtifacts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeSync)
	h.model.category = "BOGUS"
	h.add(t, "i1", 10)

	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, 1, res.Routed)
	info, err := h.store.Stat(ctx, model.PortfolioKey(user))
	require.NoError(t, err)
	require.Greater(t, info.Size, int64(0))
}

func TestRunRejectsOverlap(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	release, ok := h.svc.locks.TryLock(user)
	require.True(t, ok)
	_, err := h.svc.Run(context.Background(), user, RunOptions{})
	require.ErrorIs(t, err, appErr.ErrBusy)
	release()

	other, ok := h.svc.locks.TryLock("bob")
	require.True(t, ok)
	other()
	_, err = h.svc.Run(context.Background(), user, RunOptions{})
	require.NoError(t, err)
}

func TestRunOverridesThresholds(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 50)
	res := h.run(t, RunOptions{Overrides: Overrides{TargetTokens: 50, HardMinTokens: 10}})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, 50, res.TargetTokens)
}

func TestBatchSubmitPollIngest(t *testing.T) {
	h := newHarness(t, config.ModeBatch)
	h.add(t, "i1", 10)
	h.add(t, "i2", 10)
	spanEnd := h.size(t)

	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, PhaseBatchSubmitted, res.Phase)
	require.Equal(t, "batch_1", res.JobID)
	job, err := h.states.LoadBatch(context.Background(), user)
	require.NoError(t, err)
	require.True(t, job.Active())
	require.Equal(t, int64(0), job.OffsetStart)
	require.Equal(t, spanEnd, job.PlannedAdvanceBytes)
	require.Equal(t, []string{"i1", "i2"}, job.SubmittedInteractionIDs)
	require.True(t, strings.HasPrefix(job.CustomID, "idx:alice:"))
	require.Equal(t, int64(0), h.cursor(t).ByteOffset)

	h.add(t, "i3", 10)
	h.batch.status = "in_progress"
	res = h.run(t, RunOptions{Force: true})
	require.Equal(t, StatusWaiting, res.Status)
	require.Equal(t, PhaseBatchWaiting, res.Phase)
	require.Len(t, h.batch.submitted, 1)

	h.batch.status = "completed"
	res = h.run(t, RunOptions{Force: true})
	require.Equal(t, PhaseBatchIngested, res.Phase)
	require.Equal(t, 2, res.Indexed)
	require.Equal(t, spanEnd, h.cursor(t).ByteOffset)
	job, err = h.states.LoadBatch(context.Background(), user)
	require.NoError(t, err)
	require.False(t, job.Active())

	res = h.run(t, RunOptions{Force: true})
	require.Equal(t, PhaseBatchSubmitted, res.Phase)
	require.Len(t, h.batch.submitted, 2)
	job, err = h.states.LoadBatch(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, spanEnd, job.OffsetStart)
	require.Equal(t, []string{"i3"}, job.SubmittedInteractionIDs)
}

func TestBatchRefusesSecondSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeBatch)
	h.add(t, "i1", 10)
	h.run(t, RunOptions{Force: true})

	plan := &policy.Plan{Candidates: []policy.Candidate{{InteractionID: "i1", Entry: queue.Entry{Record: &model.QueueRecord{InteractionID: "i1"}}}}}
	err := h.svc.batch.Execute(ctx, &runInput{userID: user, cursor: h.cursor(t), plan: plan}, &Result{})
	require.ErrorIs(t, err, appErr.ErrBatchActive)
	require.Len(t, h.batch.submitted, 1)
}

func TestBatchTerminalFailureResubmitsSpan(t *testing.T) {
	h := newHarness(t, config.ModeBatch)
	h.add(t, "i1", 10)
	h.run(t, RunOptions{Force: true})

	h.batch.status = "expired"
	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, PhaseBatchFailed, res.Phase)
	require.Equal(t, int64(0), h.cursor(t).ByteOffset)
	job, err := h.states.LoadBatch(context.Background(), user)
	require.NoError(t, err)
	require.False(t, job.Active())

	res = h.run(t, RunOptions{Force: true})
	require.Equal(t, PhaseBatchSubmitted, res.Phase)
	require.Len(t, h.batch.submitted, 2)
	require.Equal(t, h.batch.submitted[0].Completion.Input, h.batch.submitted[1].Completion.Input)
}

func TestBatchPartialOutput(t *testing.T) {
	h := newHarness(t, config.ModeBatch)
	h.add(t, "i1", 10)
	h.add(t, "i2", 10)
	h.add(t, "i3", 10)
	ends := h.lineEnds(t)
	h.run(t, RunOptions{Force: true})

	h.model.drop["i2"] = true
	h.batch.status = "completed"
	res := h.run(t, RunOptions{Force: true})
	require.Equal(t, 1, res.Indexed)
	require.Equal(t, 1, res.Missing)
	require.Equal(t, ends[0], h.cursor(t).ByteOffset)
	job, err := h.states.LoadBatch(context.Background(), user)
	require.NoError(t, err)
	require.False(t, job.Active())
}

func manifestLines(t *testing.T, h *harness, id string) int {
	t.Helper()
	info, err := h.store.Stat(context.Background(), model.ManifestKey(user))
	require.NoError(t, err)
	data, err := h.store.Read(context.Background(), model.ManifestKey(user), 0, info.Size)
	require.NoError(t, err)
	n := 0
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var entry model.SemanticIndexEntry
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry.InteractionID == id {
			n++
		}
	}
	return n
}

func TestBatchIngestSkipsRecordsIndexedSinceSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeBatch)
	h.add(t, "i1", 10)
	h.add(t, "i2", 10)
	h.run(t, RunOptions{Force: true})

	// A previous ingest wrote i1 but never saved the cursor.
	_, err := h.sink.Write(ctx, user, &model.SemanticArtifact{InteractionID: "i1", Category: "PE", Confidence: 1, Summary: "first write"})
	require.NoError(t, err)

	h.batch.status = "completed"
	res := h.run(t, RunOptions{})
	require.Equal(t, PhaseBatchIngested, res.Phase)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Indexed)
	require.Equal(t, h.size(t), h.cursor(t).ByteOffset)
	require.Equal(t, 1, manifestLines(t, h, "i1"))
	require.Equal(t, 1, manifestLines(t, h, "i2"))

	data, err := h.store.Read(ctx, model.ArtifactKey(user, "i1"), 0, -1)
	require.NoError(t, err)
	var art model.SemanticArtifact
	require.NoError(t, json.Unmarshal(data, &art))
	require.Equal(t, "first write", art.Summary)
}

func TestBatchIngestStopsAtUnsubmittedRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeBatch)
	h.add(t, "i1", 10)
	h.add(t, "i2", 10)
	h.add(t, "i3", 10)
	ends := h.lineEnds(t)
	h.run(t, RunOptions{Force: true})

	job, err := h.states.LoadBatch(ctx, user)
	require.NoError(t, err)
	job.SubmittedInteractionIDs = []string{"i1", "i3"}
	require.NoError(t, h.states.SaveBatch(ctx, job))

	h.batch.status = "completed"
	res := h.run(t, RunOptions{})
	require.Equal(t, PhaseBatchIngested, res.Phase)
	require.Equal(t, 1, res.Indexed)
	require.Equal(t, ends[0], h.cursor(t).ByteOffset)
	require.False(t, h.sink.Exists(ctx, user, "i3"))
	job, err = h.states.LoadBatch(ctx, user)
	require.NoError(t, err)
	require.False(t, job.Active())
}

func TestBatchEmptyPolledStatusKeepsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeBatch)
	h.add(t, "i1", 10)
	h.run(t, RunOptions{Force: true})

	h.batch.status = ""
	res := h.run(t, RunOptions{})
	require.Equal(t, StatusWaiting, res.Status)
	require.Equal(t, PhaseBatchWaiting, res.Phase)
	require.Equal(t, string(model.BatchStatusValidating), res.JobStatus)
	job, err := h.states.LoadBatch(ctx, user)
	require.NoError(t, err)
	require.True(t, job.Active())
	require.Equal(t, model.BatchStatusValidating, job.Status)
	require.NotNil(t, job.LastPolledAt)
}

func TestBatchReportsErrorFile(t *testing.T) {
	h := newHarness(t, config.ModeBatch)
	h.add(t, "i1", 10)
	h.run(t, RunOptions{Force: true})

	h.batch.status = "completed"
	h.batch.errorFile = "file_err"
	res := h.run(t, RunOptions{})
	require.Equal(t, PhaseBatchIngested, res.Phase)
	require.Equal(t, "file_err", res.JobErrorFileID)
	require.Equal(t, 1, res.Indexed)
}

func TestBatchFetchFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeBatch)
	h.add(t, "i1", 10)
	h.run(t, RunOptions{Force: true})
	h.batch.status = "completed"

	h.batch.dlErr = errors.New("network")
	_, err := h.svc.Run(ctx, user, RunOptions{})
	require.True(t, appErr.IsTransient(err))
	job, err := h.states.LoadBatch(ctx, user)
	require.NoError(t, err)
	require.True(t, job.Active())

	h.batch.dlErr = nil
	h.batch.output = []byte("{broken\n")
	_, err = h.svc.Run(ctx, user, RunOptions{})
	require.True(t, appErr.IsFatal(err))
	job, err = h.states.LoadBatch(ctx, user)
	require.NoError(t, err)
	require.False(t, job.Active())
	require.Equal(t, int64(0), h.cursor(t).ByteOffset)
}

func TestBatchIngestAfterCursorAlreadyAdvanced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeBatch)
	h.add(t, "i1", 10)
	h.run(t, RunOptions{Force: true})
	cur := h.cursor(t)
	cur.ByteOffset = h.size(t)
	require.NoError(t, h.states.SaveCursor(ctx, cur))

	h.batch.status = "completed"
	res := h.run(t, RunOptions{})
	require.Equal(t, PhaseBatchIngested, res.Phase)
	require.Equal(t, 0, res.Indexed)
	job, err := h.states.LoadBatch(ctx, user)
	require.NoError(t, err)
	require.False(t, job.Active())
}

func TestUsersDiscovery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.ModeSync)
	users, err := h.svc.Users(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{user}, users)

	h.svc.opts.AutoDiscover = true
	for _, u := range []string{"carol", "bob"} {
		_, err := h.queue.Append(ctx, u, &model.Interaction{InteractionID: "x"})
		require.NoError(t, err)
	}
	require.NoError(t, h.store.Write(ctx, model.CursorKey("dave"), []byte("{}")))
	users, err = h.svc.Users(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, users)
}

func TestState(t *testing.T) {
	h := newHarness(t, config.ModeSync)
	h.add(t, "i1", 10)
	st, err := h.svc.State(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, h.size(t), st.QueueSize)
	require.Equal(t, h.size(t), st.Pending)
	require.Equal(t, model.BatchStatusNone, st.Batch.Status)

	_, err = h.svc.State(context.Background(), "../x")
	require.Error(t, err)
}
