package ai

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

type geminiConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

type geminiProvider struct {
	apiKey  string
	baseURL string
}

func (p *geminiProvider) Name() string {
	return "gemini"
}

func (p *geminiProvider) Complete(ctx context.Context, model string, req *CompletionRequest) (string, error) {
	if p.apiKey == "" {
		return "", appErr.ErrUnavailable
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return "", err
	}
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	resp, err := client.Models.GenerateContent(
		ctx,
		model,
		[]*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{{Text: req.Input}}}},
		config,
	)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini response has no text")
	}
	return text, nil
}

func createGeminiFactory(args interface{}) (IProvider, error) {
	cfg := &geminiConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	provider := &geminiProvider{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimSpace(cfg.BaseURL),
	}
	return provider, nil
}

func init() {
	Register("gemini", createGeminiFactory)
}
