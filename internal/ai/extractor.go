package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/chatdistill/internal/model"
	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

const (
	IndexerInputSchemaV1 = "chatdistill.indexer_input.v1"

	DefaultOutputTokensPerItem = 180
	minOutputTokens            = 256
	maxOutputTokens            = 4096
	baseOutputTokens           = 128
	minOutputTokensPerItem     = 60
)

const DefaultPrompt = `You index conversation turns into semantic artifacts.
The input is a JSON object whose "items" array holds interactions with user_message, assistant_response and tools_used.
For every input item return exactly one output item with:
- interaction_id: copied from the input item
- category: one of PE, UI, ML, LO, PS, TM, SYS, GEN, ID
- confidence: number between 0 and 1
- tags: up to 12 short keywords
- summary: one or two sentences in the language of the conversation
Respond with a JSON object of the form {"items": [...]} and nothing else.`

type ExtractorConfig struct {
	Prompt              string
	Timeout             time.Duration
	OutputTokensPerItem int
	CompletionWindow    string
}

// Extractor turns queue records into semantic artifacts through a
// completion service.
type Extractor struct {
	completer ICompleter
	batch     IBatchProvider
	model     string
	cfg       ExtractorConfig
}

func NewExtractor(completer ICompleter, batch IBatchProvider, model string, cfg ExtractorConfig) *Extractor {
	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.OutputTokensPerItem <= 0 {
		cfg.OutputTokensPerItem = DefaultOutputTokensPerItem
	}
	return &Extractor{completer: completer, batch: batch, model: model, cfg: cfg}
}

// SupportsBatch reports whether a batch-capable provider is configured.
func (e *Extractor) SupportsBatch() bool {
	return e.batch != nil
}

// OutputBudget bounds the completion size for a batch of n items.
func OutputBudget(n, perItem int) int {
	if n < 1 {
		n = 1
	}
	if perItem < minOutputTokensPerItem {
		perItem = minOutputTokensPerItem
	}
	budget := baseOutputTokens + n*perItem
	if budget > maxOutputTokens {
		budget = maxOutputTokens
	}
	if budget < minOutputTokens {
		budget = minOutputTokens
	}
	return budget
}

type indexerInput struct {
	FormatHint    string               `json:"format_hint"`
	Items         []*model.QueueRecord `json:"items"`
	SchemaVersion string               `json:"schema_version"`
}

// BuildInput serializes records into the structured extraction payload.
func BuildInput(records []*model.QueueRecord) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(indexerInput{
		FormatHint:    "json",
		Items:         records,
		SchemaVersion: IndexerInputSchemaV1,
	})
	if err != nil {
		return "", fmt.Errorf("encode indexer input: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func (e *Extractor) buildRequest(records []*model.QueueRecord) (*CompletionRequest, error) {
	input, err := BuildInput(records)
	if err != nil {
		return nil, appErr.Fatal(err)
	}
	return &CompletionRequest{
		System:    e.cfg.Prompt,
		Input:     input,
		MaxTokens: OutputBudget(len(records), e.cfg.OutputTokensPerItem),
		JSON:      true,
	}, nil
}

// Extract runs one synchronous completion over records and returns the
// artifacts keyed by interaction id. Ids absent from the map got no output.
func (e *Extractor) Extract(ctx context.Context, records []*model.QueueRecord) (map[string]*model.SemanticArtifact, error) {
	if e.completer == nil {
		return nil, appErr.Transient(appErr.ErrUnavailable)
	}
	req, err := e.buildRequest(records)
	if err != nil {
		return nil, err
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	output, err := e.completer.Complete(ctx, req)
	if err != nil {
		return nil, appErr.Transient(fmt.Errorf("indexer completion: %w", err))
	}
	logutil.GetLogger(ctx).Debug("indexer completion finished",
		zap.Int("items", len(records)), zap.Int("max_tokens", req.MaxTokens),
		zap.Duration("cost", time.Since(start)))
	items, err := ParseItems(output)
	if err != nil {
		return nil, appErr.Transient(err)
	}
	return items, nil
}

// NewCustomID tags a batch request with its owner.
func NewCustomID(userID string) string {
	return "idx:" + userID + ":" + uuid.NewString()
}

// Submit starts a batch job over records.
func (e *Extractor) Submit(ctx context.Context, userID string, records []*model.QueueRecord) (*BatchJob, string, error) {
	if e.batch == nil {
		return nil, "", appErr.Fatal(fmt.Errorf("batch mode needs a batch capable provider: %w", appErr.ErrUnavailable))
	}
	req, err := e.buildRequest(records)
	if err != nil {
		return nil, "", err
	}
	customID := NewCustomID(userID)
	job, err := e.batch.SubmitBatch(ctx, e.model, &BatchRequest{
		CustomID:         customID,
		Completion:       req,
		CompletionWindow: e.cfg.CompletionWindow,
		Metadata:         map[string]string{"runtime": "chatdistill_indexer", "user_id": userID},
	})
	if err != nil {
		return nil, "", appErr.Transient(err)
	}
	return job, customID, nil
}

func (e *Extractor) Poll(ctx context.Context, jobID string) (*BatchJob, error) {
	if e.batch == nil {
		return nil, appErr.Fatal(appErr.ErrUnavailable)
	}
	job, err := e.batch.RetrieveBatch(ctx, jobID)
	if err != nil {
		return nil, appErr.Transient(err)
	}
	return job, nil
}

// FetchResults downloads and parses a completed job's output. Download
// failures are transient; anything wrong with the content is fatal.
func (e *Extractor) FetchResults(ctx context.Context, job *BatchJob, customID string) (map[string]*model.SemanticArtifact, error) {
	if e.batch == nil {
		return nil, appErr.Fatal(appErr.ErrUnavailable)
	}
	if job.OutputFileID == "" {
		return nil, appErr.Fatal(fmt.Errorf("batch %s completed without output file", job.ID))
	}
	data, err := e.batch.DownloadFile(ctx, job.OutputFileID)
	if err != nil {
		return nil, appErr.Transient(err)
	}
	output, err := ParseBatchOutput(data, customID)
	if err != nil {
		return nil, appErr.Fatal(err)
	}
	items, err := ParseItems(output)
	if err != nil {
		return nil, appErr.Fatal(err)
	}
	return items, nil
}

type batchOutputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseBatchOutput extracts the completion text for customID from a batch
// output file, falling back to the first line when no id matches.
func ParseBatchOutput(data []byte, customID string) (string, error) {
	var lines []batchOutputLine
	for _, raw := range bytes.Split(data, []byte("\n")) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var line batchOutputLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return "", fmt.Errorf("decode batch output line: %w", err)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("batch output is empty")
	}
	picked := lines[0]
	for _, line := range lines {
		if line.CustomID == customID {
			picked = line
			break
		}
	}
	if picked.Error != nil {
		return "", fmt.Errorf("batch request failed: %s: %s", picked.Error.Code, picked.Error.Message)
	}
	if picked.Response == nil {
		return "", fmt.Errorf("batch output has no response")
	}
	if picked.Response.StatusCode != 200 {
		return "", fmt.Errorf("batch request returned status %d", picked.Response.StatusCode)
	}
	if len(picked.Response.Body.Choices) == 0 {
		return "", fmt.Errorf("batch response has no choices")
	}
	return strings.TrimSpace(picked.Response.Body.Choices[0].Message.Content), nil
}

type rawItem struct {
	InteractionID interface{}     `json:"interaction_id"`
	Category      interface{}     `json:"category"`
	Confidence    interface{}     `json:"confidence"`
	SignalLevel   interface{}     `json:"signal_level"`
	Tags          json.RawMessage `json:"tags"`
	Summary       interface{}     `json:"summary"`
}

// ParseItems decodes a completion into artifacts keyed by interaction id.
// The preferred shape is an object with an items array; a bare array is
// also accepted.
func ParseItems(output string) (map[string]*model.SemanticArtifact, error) {
	clean := strings.TrimSpace(output)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return nil, fmt.Errorf("indexer returned empty output")
	}
	var raw []json.RawMessage
	switch clean[0] {
	case '{':
		var obj struct {
			Items *[]json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal([]byte(clean), &obj); err != nil {
			return nil, fmt.Errorf("indexer output is not valid json: %w", err)
		}
		if obj.Items == nil {
			return nil, fmt.Errorf("indexer output object has no items array")
		}
		raw = *obj.Items
	case '[':
		if err := json.Unmarshal([]byte(clean), &raw); err != nil {
			return nil, fmt.Errorf("indexer output is not valid json: %w", err)
		}
	default:
		return nil, fmt.Errorf("indexer output must be an object with items or an array")
	}
	out := make(map[string]*model.SemanticArtifact, len(raw))
	for _, msg := range raw {
		var item rawItem
		if err := json.Unmarshal(msg, &item); err != nil {
			continue
		}
		id := strings.TrimSpace(asString(item.InteractionID))
		if id == "" {
			continue
		}
		out[id] = &model.SemanticArtifact{
			InteractionID: id,
			Category:      strings.TrimSpace(asString(item.Category)),
			Confidence:    asFloat(item.Confidence),
			SignalLevel:   strings.ToLower(strings.TrimSpace(asString(item.SignalLevel))),
			Tags:          asTags(item.Tags),
			Summary:       strings.TrimSpace(asString(item.Summary)),
		}
	}
	return out, nil
}

func asString(v interface{}) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	default:
		return fmt.Sprint(tv)
	}
}

func asFloat(v interface{}) float64 {
	switch tv := v.(type) {
	case float64:
		return tv
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func asTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		tags := make([]string, 0, len(list))
		for _, v := range list {
			tags = append(tags, asString(v))
		}
		return tags
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return strings.Split(joined, ",")
	}
	return nil
}
