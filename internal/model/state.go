package model

import "time"

const (
	CursorSchemaV1   = "chatdistill.state.v1"
	BatchJobSchemaV1 = "chatdistill.batch_state.v1"
)

// CursorState marks how far into the queue a user has been durably processed.
type CursorState struct {
	SchemaVersion  string     `json:"schema_version"`
	UserID         string     `json:"user_id"`
	ByteOffset     int64      `json:"byte_offset"`
	FirstPendingAt *time.Time `json:"first_pending_at_utc"`
	UpdatedAt      time.Time  `json:"updated_at_utc"`
}

type BatchStatus string

const (
	BatchStatusNone       BatchStatus = "none"
	BatchStatusSubmitted  BatchStatus = "submitted"
	BatchStatusQueued     BatchStatus = "queued"
	BatchStatusValidating BatchStatus = "validating"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusFinalizing BatchStatus = "finalizing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusExpired    BatchStatus = "expired"
	BatchStatusCanceled   BatchStatus = "canceled"
)

// ParseBatchStatus maps a provider status string onto the job state machine.
// Unknown non-empty values are treated as still in progress.
func ParseBatchStatus(raw string) BatchStatus {
	switch s := BatchStatus(raw); s {
	case "":
		return BatchStatusNone
	case BatchStatusNone, BatchStatusSubmitted, BatchStatusQueued, BatchStatusValidating,
		BatchStatusInProgress, BatchStatusFinalizing, BatchStatusCompleted,
		BatchStatusFailed, BatchStatusExpired, BatchStatusCanceled:
		return s
	case "cancelled", "cancelling":
		return BatchStatusCanceled
	default:
		return BatchStatusInProgress
	}
}

func (s BatchStatus) Active() bool {
	switch s {
	case BatchStatusSubmitted, BatchStatusQueued, BatchStatusValidating, BatchStatusInProgress, BatchStatusFinalizing:
		return true
	}
	return false
}

// Failed reports the terminal states that leave the span unadvanced.
func (s BatchStatus) Failed() bool {
	return s == BatchStatusFailed || s == BatchStatusExpired || s == BatchStatusCanceled
}

type BatchJobState struct {
	SchemaVersion           string      `json:"schema_version"`
	UserID                  string      `json:"user_id"`
	Status                  BatchStatus `json:"status"`
	JobID                   string      `json:"batch_id"`
	InputFileID             string      `json:"input_file_id,omitempty"`
	CustomID                string      `json:"custom_id,omitempty"`
	RequestedAt             *time.Time  `json:"requested_at_utc,omitempty"`
	LastPolledAt            *time.Time  `json:"last_polled_at_utc,omitempty"`
	OffsetStart             int64       `json:"offset_start"`
	PlannedAdvanceBytes     int64       `json:"planned_advance_bytes"`
	CandidateInteractionIDs []string    `json:"candidate_interaction_ids"`
	SubmittedInteractionIDs []string    `json:"submitted_interaction_ids"`
	UpdatedAt               time.Time   `json:"updated_at_utc"`
}

// Active reports whether the state describes an in-flight job.
func (b *BatchJobState) Active() bool {
	return b != nil && b.JobID != "" && b.Status.Active()
}
