package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

const defaultCompletionWindow = "24h"

type openAIConfig struct {
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url"`
	Organization string `json:"organization"`
}

type openAIProvider struct {
	client *openai.Client
}

// batchInputLine is one request of a batch input file.
type batchInputLine struct {
	CustomID string                       `json:"custom_id"`
	Method   string                       `json:"method"`
	URL      string                       `json:"url"`
	Body     openai.ChatCompletionRequest `json:"body"`
}

func (p *openAIProvider) Name() string {
	return "openai"
}

func (p *openAIProvider) Complete(ctx context.Context, model string, req *CompletionRequest) (string, error) {
	if p.client == nil {
		return "", appErr.ErrUnavailable
	}
	resp, err := p.client.CreateChatCompletion(ctx, buildChatRequest(model, req))
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai response has no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *openAIProvider) SubmitBatch(ctx context.Context, model string, req *BatchRequest) (*BatchJob, error) {
	if p.client == nil {
		return nil, appErr.ErrUnavailable
	}
	line, err := json.Marshal(batchInputLine{
		CustomID: req.CustomID,
		Method:   "POST",
		URL:      string(openai.BatchEndpointChatCompletions),
		Body:     buildChatRequest(model, req.Completion),
	})
	if err != nil {
		return nil, fmt.Errorf("encode batch input: %w", err)
	}
	file, err := p.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    "indexer_batch.jsonl",
		Bytes:   append(line, '\n'),
		Purpose: openai.PurposeBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("upload batch input: %w", err)
	}
	window := req.CompletionWindow
	if window == "" {
		window = defaultCompletionWindow
	}
	metadata := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	resp, err := p.client.CreateBatch(ctx, openai.CreateBatchRequest{
		InputFileID:      file.ID,
		Endpoint:         openai.BatchEndpointChatCompletions,
		CompletionWindow: window,
		Metadata:         metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return toBatchJob(resp.Batch), nil
}

func (p *openAIProvider) RetrieveBatch(ctx context.Context, jobID string) (*BatchJob, error) {
	if p.client == nil {
		return nil, appErr.ErrUnavailable
	}
	resp, err := p.client.RetrieveBatch(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("retrieve batch %s: %w", jobID, err)
	}
	return toBatchJob(resp.Batch), nil
}

func (p *openAIProvider) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if p.client == nil {
		return nil, appErr.ErrUnavailable
	}
	raw, err := p.client.GetFileContent(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer raw.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, raw); err != nil {
		return nil, fmt.Errorf("read file %s: %w", fileID, err)
	}
	return buf.Bytes(), nil
}

func buildChatRequest(model string, req *CompletionRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Input})
	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		if isReasoningModel(model) {
			out.MaxCompletionTokens = req.MaxTokens
		} else {
			out.MaxTokens = req.MaxTokens
		}
	}
	if req.JSON {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return out
}

func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4")
}

func toBatchJob(b openai.Batch) *BatchJob {
	job := &BatchJob{
		ID:          b.ID,
		Status:      b.Status,
		InputFileID: b.InputFileID,
	}
	if b.OutputFileID != nil {
		job.OutputFileID = *b.OutputFileID
	}
	if b.ErrorFileID != nil {
		job.ErrorFileID = *b.ErrorFileID
	}
	return job
}

func createOpenAIFactory(args interface{}) (IProvider, error) {
	cfg := &openAIConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	provider := &openAIProvider{}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return provider, nil
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	clientCfg.OrgID = strings.TrimSpace(cfg.Organization)
	provider.client = openai.NewClientWithConfig(clientCfg)
	return provider, nil
}

func init() {
	Register("openai", createOpenAIFactory)
}
