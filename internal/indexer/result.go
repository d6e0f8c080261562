package indexer

const (
	StatusIdle    = "idle"
	StatusWaiting = "waiting"
	StatusOK      = "ok"
	StatusDryRun  = "dry_run"
	StatusError   = "error"
)

const (
	PhaseBatchSubmitted = "batch_submitted"
	PhaseBatchWaiting   = "batch_waiting"
	PhaseBatchFailed    = "batch_failed"
	PhaseBatchIngested  = "batch_ingested"
	PhaseSyncDone       = "sync_done"
	PhaseSkippedOnly    = "skipped_only"
	PhaseUnparseable    = "unparseable"
)

// Result is the outcome of one run for one user.
type Result struct {
	UserID         string `json:"user_id"`
	Mode           string `json:"mode"`
	Status         string `json:"status"`
	Phase          string `json:"phase,omitempty"`
	ByteOffset     int64  `json:"byte_offset"`
	QueueSize      int64  `json:"queue_size_bytes"`
	Candidates     int    `json:"candidate_items"`
	BatchItems     int    `json:"batch_items"`
	TokenSum       int    `json:"tokens_sum"`
	TargetTokens   int    `json:"target_tokens"`
	HardMinTokens  int    `json:"hard_min_tokens"`
	MaxWaitSeconds int64  `json:"max_wait_seconds"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	Indexed        int    `json:"indexed"`
	Skipped        int    `json:"skipped_existing"`
	Missing        int    `json:"missing_outputs"`
	Routed         int    `json:"routed_for_review"`
	AdvancedBytes  int64  `json:"advanced_bytes"`
	Reset          bool   `json:"offset_reset,omitempty"`
	Resynced       bool   `json:"offset_resynced,omitempty"`
	JobID          string `json:"batch_id,omitempty"`
	JobStatus      string `json:"batch_status,omitempty"`
	JobErrorFileID string `json:"batch_error_file_id,omitempty"`
	Error          string `json:"error,omitempty"`
}
