package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CompletionRequest is a single structured-output completion.
type CompletionRequest struct {
	System    string
	Input     string
	MaxTokens int
	JSON      bool
}

type IProvider interface {
	Name() string
	Complete(ctx context.Context, model string, req *CompletionRequest) (string, error)
}

// ICompleter is a provider bound to a model.
type ICompleter interface {
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
}

type BatchJob struct {
	ID           string
	Status       string
	InputFileID  string
	OutputFileID string
	ErrorFileID  string
}

type BatchRequest struct {
	CustomID         string
	Completion       *CompletionRequest
	CompletionWindow string
	Metadata         map[string]string
}

// IBatchProvider runs completions as asynchronous jobs.
type IBatchProvider interface {
	SubmitBatch(ctx context.Context, model string, req *BatchRequest) (*BatchJob, error)
	RetrieveBatch(ctx context.Context, jobID string) (*BatchJob, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

type completer struct {
	provider IProvider
	model    string
}

func NewCompleter(p IProvider, model string) ICompleter {
	return &completer{provider: p, model: model}
}

func (c *completer) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	return c.provider.Complete(ctx, c.model, req)
}

type ProviderFactory func(args interface{}) (IProvider, error)

var registry = map[string]ProviderFactory{}

func Register(name string, factory ProviderFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registry[key] = factory
}

func NewProvider(name string, args interface{}) (IProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("ai.provider is required")
	}
	factory := registry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported ai provider: %s", name)
	}
	return factory(args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("ai provider config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode ai provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode ai provider config: %w", err)
	}
	return nil
}
