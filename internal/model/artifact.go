package model

const (
	SemanticSchemaV1      = "chatdistill.semantic.v1"
	SemanticIndexSchemaV1 = "chatdistill.semantic_index.v1"
	UncategorizedSchemaV1 = "chatdistill.uncategorized.v1"
)

const (
	SignalLow    = "low"
	SignalMedium = "medium"
	SignalHigh   = "high"
)

const (
	ReasonMissingCategory = "missing_category"
	ReasonInvalidCategory = "invalid_category"
	ReasonLowConfidence   = "low_confidence"
)

// SemanticArtifact is the distilled view of one interaction.
type SemanticArtifact struct {
	SchemaVersion string   `json:"schema_version"`
	InteractionID string   `json:"interaction_id"`
	UserID        string   `json:"user_id"`
	Timestamp     string   `json:"timestamp_utc"`
	Category      string   `json:"category"`
	Confidence    float64  `json:"confidence"`
	SignalLevel   string   `json:"signal_level"`
	Tags          []string `json:"tags"`
	Summary       string   `json:"summary"`
}

// SignalLevelFor buckets a confidence score.
func SignalLevelFor(confidence float64) string {
	switch {
	case confidence >= 0.85:
		return SignalHigh
	case confidence >= 0.65:
		return SignalMedium
	default:
		return SignalLow
	}
}

func ValidSignalLevel(level string) bool {
	return level == SignalLow || level == SignalMedium || level == SignalHigh
}

type SemanticIndexEntry struct {
	SchemaVersion    string   `json:"schema_version"`
	Timestamp        string   `json:"timestamp_utc"`
	UserID           string   `json:"user_id"`
	InteractionID    string   `json:"interaction_id"`
	Category         string   `json:"category"`
	SignalLevel      string   `json:"signal_level"`
	Confidence       float64  `json:"confidence"`
	Tags             []string `json:"tags"`
	SummaryShort     string   `json:"summary_short"`
	SemanticBlobPath string   `json:"semantic_blob_path"`
}

type UncategorizedPortfolioEntry struct {
	SchemaVersion     string   `json:"schema_version"`
	Timestamp         string   `json:"timestamp_utc"`
	UserID            string   `json:"user_id"`
	InteractionID     string   `json:"interaction_id"`
	Category          string   `json:"category"`
	Confidence        float64  `json:"confidence"`
	Tags              []string `json:"tags"`
	Summary           string   `json:"summary"`
	Reasons           []string `json:"portfolio_reasons"`
	SemanticBlobPath  string   `json:"semantic_blob_path"`
	PortfolioBlobName string   `json:"portfolio_blob_name"`
}
