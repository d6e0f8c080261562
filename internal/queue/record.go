package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/chatdistill/internal/model"
)

const (
	DefaultMaxTools = 25
	ellipsis        = "…"
)

// Limits caps the text copied from a raw interaction into its queue record.
type Limits struct {
	MaxUserChars      int
	MaxAssistantChars int
	MaxTools          int
}

var toolNameKeys = []string{"name", "tool_name", "function", "operationId"}

// BuildRecord sanitizes a raw interaction into a queue record. It never
// calls out; token estimates come from the truncated text alone.
func BuildRecord(in *model.Interaction, userID string, limits Limits, now time.Time) (*model.QueueRecord, error) {
	if in == nil {
		return nil, fmt.Errorf("interaction is required")
	}
	if err := model.ValidateSegment("user id", userID); err != nil {
		return nil, err
	}
	interactionID := strings.TrimSpace(in.InteractionID)
	if interactionID == "" {
		interactionID = NewInteractionID(now)
	}
	if err := model.ValidateSegment("interaction id", interactionID); err != nil {
		return nil, err
	}
	timestamp := strings.TrimSpace(in.Timestamp)
	if timestamp == "" {
		timestamp = model.FormatTime(now)
	}
	var threadID *string
	if v := strings.TrimSpace(in.ThreadID); v != "" {
		threadID = &v
	}
	userMsg := Truncate(in.UserMessage, limits.MaxUserChars)
	assistantMsg := Truncate(in.AssistantResponse, limits.MaxAssistantChars)
	maxTools := limits.MaxTools
	if maxTools <= 0 {
		maxTools = DefaultMaxTools
	}
	low, high := EstimateTokens(userMsg + assistantMsg)
	return &model.QueueRecord{
		SchemaVersion:     model.QueueSchemaV1,
		InteractionID:     interactionID,
		Timestamp:         timestamp,
		UserID:            userID,
		ThreadID:          threadID,
		Language:          "mixed",
		UserMessage:       userMsg,
		AssistantResponse: assistantMsg,
		ToolsUsed:         ExtractToolNames(in.ToolCalls, maxTools),
		EstimatedTokens:   low,
		EstimatedTokensHi: high,
	}, nil
}

// NewInteractionID derives a sortable id from a timestamp.
func NewInteractionID(now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("INT_%s_%06d", now.Format("20060102_150405"), now.Nanosecond()/1000)
}

// Truncate caps text at maxChars characters, marking the cut with an
// ellipsis. A non-positive cap disables truncation.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars-1]) + ellipsis
}

// EstimateTokens returns ceil(n/4) and ceil(n/3) for a text of n characters.
func EstimateTokens(text string) (int, int) {
	n := len([]rune(text))
	return (n + 3) / 4, (n + 2) / 3
}

// ExtractToolNames collects tool names in first-seen order without
// duplicates, capped at maxItems.
func ExtractToolNames(calls []map[string]interface{}, maxItems int) []string {
	names := make([]string, 0)
	seen := make(map[string]struct{})
	for _, call := range calls {
		if maxItems > 0 && len(names) >= maxItems {
			break
		}
		name := toolName(call)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func toolName(call map[string]interface{}) string {
	for _, key := range toolNameKeys {
		v, ok := call[key]
		if !ok || v == nil {
			continue
		}
		var name string
		switch tv := v.(type) {
		case string:
			name = tv
		case map[string]interface{}:
			// {"function": {"name": "..."}} as emitted by chat completion tool calls.
			if inner, ok := tv["name"].(string); ok {
				name = inner
			}
		default:
			name = fmt.Sprint(tv)
		}
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	return ""
}

// EncodeLine renders a record as one canonical queue line, newline included.
func EncodeLine(rec *model.QueueRecord) ([]byte, error) {
	if rec.ToolsUsed == nil {
		rec.ToolsUsed = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
