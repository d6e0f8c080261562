package ai

import (
	"fmt"
	"time"

	"github.com/xxxsen/chatdistill/internal/config"
)

// NewExtractorFromConfig wires the primary provider, its fallbacks and, when
// the primary can run batch jobs, the batch path.
func NewExtractorFromConfig(cfg *config.Config) (*Extractor, error) {
	primary, err := NewProvider(cfg.AI.Provider, cfg.AI.Data)
	if err != nil {
		return nil, err
	}
	entries := []CompleterEntry{{
		Name:      primary.Name() + ":" + cfg.AI.Model,
		Completer: NewCompleter(primary, cfg.AI.Model),
	}}
	for i, fb := range cfg.AIFallbacks {
		p, err := NewProvider(fb.Provider, fb.Data)
		if err != nil {
			return nil, fmt.Errorf("ai_fallbacks[%d]: %w", i, err)
		}
		entries = append(entries, CompleterEntry{
			Name:      p.Name() + ":" + fb.Model,
			Completer: NewCompleter(p, fb.Model),
		})
	}
	batch, _ := primary.(IBatchProvider)
	if cfg.Indexer.Mode == config.ModeBatch && batch == nil {
		return nil, fmt.Errorf("indexer.mode batch is not supported by ai provider %s", cfg.AI.Provider)
	}
	return NewExtractor(NewGroupCompleter(entries), batch, cfg.AI.Model, ExtractorConfig{
		Prompt:              cfg.AI.Prompt,
		Timeout:             time.Duration(cfg.AI.Timeout) * time.Second,
		OutputTokensPerItem: cfg.Indexer.MaxOutputTokensPerItem,
		CompletionWindow:    cfg.Indexer.BatchCompletionWindow,
	}), nil
}
