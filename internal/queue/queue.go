package queue

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/chatdistill/internal/model"
	"github.com/xxxsen/chatdistill/internal/objstore"
	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

const ResyncLookback = 8192

// Entry is a parsed queue line.
type Entry struct {
	Line
	Record *model.QueueRecord
}

// Window is the unprocessed part of a queue as seen from a cursor offset.
// Entry spans are relative to Offset.
type Window struct {
	Offset    int64
	Total     int64
	Entries   []Entry
	Halted    bool
	Reset     bool
	Resynced  bool
	Remaining int64
}

// Pending reports whether bytes remain past the offset.
func (w *Window) Pending() bool {
	return w.Remaining > 0
}

type Queue struct {
	store  objstore.Store
	limits Limits
	now    func() time.Time
}

func New(store objstore.Store, limits Limits) *Queue {
	return &Queue{store: store, limits: limits, now: time.Now}
}

// Append sanitizes one interaction and appends it to the user's queue.
func (q *Queue) Append(ctx context.Context, userID string, in *model.Interaction) (*model.QueueRecord, error) {
	rec, err := BuildRecord(in, userID, q.limits, q.now())
	if err != nil {
		return nil, err
	}
	line, err := EncodeLine(rec)
	if err != nil {
		return nil, fmt.Errorf("encode queue record: %w", err)
	}
	if err := objstore.AppendLine(ctx, q.store, model.QueueKey(userID), line); err != nil {
		return nil, appErr.Transient(err)
	}
	return rec, nil
}

// Size returns the queue length in bytes, zero when it has never been written.
func (q *Queue) Size(ctx context.Context, userID string) (int64, error) {
	info, err := q.store.Stat(ctx, model.QueueKey(userID))
	if err != nil {
		if appErr.IsNotFound(err) {
			return 0, nil
		}
		return 0, appErr.Transient(err)
	}
	return info.Size, nil
}

// ReadRange returns exactly the bytes [offset, offset+length) or fails.
func (q *Queue) ReadRange(ctx context.Context, userID string, offset, length int64) ([]byte, error) {
	data, err := q.store.Read(ctx, model.QueueKey(userID), offset, length)
	if err != nil {
		if appErr.IsNotFound(err) {
			return nil, appErr.Fatal(fmt.Errorf("queue missing for range %d+%d: %w", offset, length, err))
		}
		return nil, appErr.Transient(err)
	}
	if int64(len(data)) != length {
		return nil, appErr.Fatal(fmt.Errorf("queue shorter than recorded span %d+%d, got %d bytes", offset, length, len(data)))
	}
	return data, nil
}

// Scan reads everything past offset and parses it, correcting offsets that
// are out of range or not on a line boundary. Parsing stops at the first
// unparseable line.
func (q *Queue) Scan(ctx context.Context, userID string, offset int64) (*Window, error) {
	total, err := q.Size(ctx, userID)
	if err != nil {
		return nil, err
	}
	w := &Window{Offset: offset, Total: total}
	if offset < 0 || offset > total {
		logutil.GetLogger(ctx).Warn("queue offset beyond queue size, resetting",
			zap.String("user_id", userID), zap.Int64("offset", offset), zap.Int64("total", total))
		w.Offset = 0
		w.Reset = true
	}
	if w.Offset == total {
		return w, nil
	}
	data, err := q.tail(ctx, userID, w.Offset)
	if err != nil {
		return nil, err
	}
	w.Total = w.Offset + int64(len(data))
	w.Remaining = int64(len(data))
	w.Entries, w.Halted = ParseLines(SplitLines(data))
	if w.Offset == 0 || len(w.Entries) > 0 {
		return w, nil
	}
	aligned, err := q.lineStart(ctx, userID, w.Offset)
	if err != nil {
		return nil, err
	}
	if aligned == w.Offset {
		return w, nil
	}
	logutil.GetLogger(ctx).Warn("queue offset not on a record boundary, resyncing",
		zap.String("user_id", userID), zap.Int64("offset", w.Offset), zap.Int64("aligned", aligned))
	data, err = q.tail(ctx, userID, aligned)
	if err != nil {
		return nil, err
	}
	w.Offset = aligned
	w.Resynced = true
	w.Total = aligned + int64(len(data))
	w.Remaining = int64(len(data))
	w.Entries, w.Halted = ParseLines(SplitLines(data))
	return w, nil
}

func (q *Queue) tail(ctx context.Context, userID string, offset int64) ([]byte, error) {
	data, err := q.store.Read(ctx, model.QueueKey(userID), offset, -1)
	if err != nil {
		return nil, appErr.Transient(err)
	}
	return data, nil
}

// lineStart finds the position just after the last newline before offset,
// looking back at most ResyncLookback bytes. Zero when none is found.
func (q *Queue) lineStart(ctx context.Context, userID string, offset int64) (int64, error) {
	from := offset - ResyncLookback
	if from < 0 {
		from = 0
	}
	data, err := q.store.Read(ctx, model.QueueKey(userID), from, offset-from)
	if err != nil {
		return 0, appErr.Transient(err)
	}
	idx := bytes.LastIndexByte(data, '\n')
	if idx < 0 {
		return 0, nil
	}
	return from + int64(idx) + 1, nil
}

// ParseLines decodes lines in order. halted is set when a line fails to
// decode; the entries returned are those before it.
func ParseLines(lines []Line) ([]Entry, bool) {
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		rec, err := DecodeRecord(line.Text)
		if err != nil {
			return entries, true
		}
		entries = append(entries, Entry{Line: line, Record: rec})
	}
	return entries, false
}
