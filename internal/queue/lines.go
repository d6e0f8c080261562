package queue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xxxsen/chatdistill/internal/model"
)

// Line is one complete queue record within a chunk. Start and End are byte
// positions relative to the chunk; blank lines preceding a record are folded
// into its span so advancing to End never lands mid-record.
type Line struct {
	Start int64
	End   int64
	Text  []byte
}

func (l Line) Size() int64 {
	return l.End - l.Start
}

// SplitLines returns the complete lines of chunk. A trailing fragment without
// a newline is kept only when it already holds a whole JSON value.
func SplitLines(chunk []byte) []Line {
	var lines []Line
	var start, pos int64
	size := int64(len(chunk))
	for pos < size {
		idx := bytes.IndexByte(chunk[pos:], '\n')
		if idx < 0 {
			tail := bytes.TrimSpace(chunk[pos:])
			if len(tail) > 0 && json.Valid(tail) {
				lines = append(lines, Line{Start: start, End: size, Text: tail})
			}
			break
		}
		end := pos + int64(idx) + 1
		text := bytes.TrimSpace(chunk[pos:end])
		pos = end
		if len(text) == 0 {
			continue
		}
		lines = append(lines, Line{Start: start, End: end, Text: text})
		start = end
	}
	return lines
}

// DecodeRecord parses one queue line.
func DecodeRecord(text []byte) (*model.QueueRecord, error) {
	if len(text) == 0 || text[0] != '{' {
		return nil, fmt.Errorf("queue line is not a json object")
	}
	var rec model.QueueRecord
	if err := json.Unmarshal(text, &rec); err != nil {
		return nil, fmt.Errorf("decode queue line: %w", err)
	}
	return &rec, nil
}
