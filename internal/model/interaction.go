package model

import "time"

const QueueSchemaV1 = "chatdistill.queue.v1"

// Interaction is the raw exchange produced by the conversational front end.
type Interaction struct {
	InteractionID     string                   `json:"interaction_id"`
	Timestamp         string                   `json:"timestamp"`
	ThreadID          string                   `json:"thread_id"`
	UserMessage       string                   `json:"user_message"`
	AssistantResponse string                   `json:"assistant_response"`
	ToolCalls         []map[string]interface{} `json:"tool_calls"`
	Metadata          map[string]interface{}   `json:"metadata"`
}

// QueueRecord is one line of the append-only queue. Fields are declared in
// key order so the encoded line is canonical.
type QueueRecord struct {
	AssistantResponse string   `json:"assistant_response"`
	EstimatedTokens   int      `json:"estimated_tokens"`
	EstimatedTokensHi int      `json:"estimated_tokens_hi"`
	InteractionID     string   `json:"interaction_id"`
	Language          string   `json:"language"`
	SchemaVersion     string   `json:"schema_version"`
	ThreadID          *string  `json:"thread_id"`
	Timestamp         string   `json:"timestamp_utc"`
	ToolsUsed         []string `json:"tools_used"`
	UserID            string   `json:"user_id"`
	UserMessage       string   `json:"user_message"`
}

// FormatTime renders t the way every persisted timestamp is written.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
