package main

import (
	"fmt"
	"time"

	"github.com/xxxsen/chatdistill/internal/ai"
	"github.com/xxxsen/chatdistill/internal/artifact"
	"github.com/xxxsen/chatdistill/internal/cache"
	"github.com/xxxsen/chatdistill/internal/config"
	"github.com/xxxsen/chatdistill/internal/indexer"
	"github.com/xxxsen/chatdistill/internal/objstore"
	"github.com/xxxsen/chatdistill/internal/policy"
	"github.com/xxxsen/chatdistill/internal/queue"
	"github.com/xxxsen/chatdistill/internal/state"
)

type app struct {
	queue   *queue.Queue
	indexer *indexer.Service
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := objstore.New(cfg.ObjectStore)
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}
	extractor, err := ai.NewExtractorFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init ai provider: %w", err)
	}
	idx := cfg.Indexer
	q := queue.New(store, queue.Limits{
		MaxUserChars:      idx.MaxUserChars,
		MaxAssistantChars: idx.MaxAssistantChars,
		MaxTools:          queue.DefaultMaxTools,
	})
	var existsCache cache.Cache[string, bool]
	if idx.ExistsCache.Size > 0 {
		existsCache = cache.NewLRU[string, bool](idx.ExistsCache.Size, time.Duration(idx.ExistsCache.TTLSeconds)*time.Second)
	}
	sink := artifact.NewSink(store, existsCache, artifact.Options{
		AllowedCategories: idx.AllowedCategories,
		LowConfidence:     idx.LowConfidence(),
	})
	svc := indexer.New(store, q, state.New(store), sink, extractor, indexer.Options{
		Mode: idx.Mode,
		Thresholds: policy.Thresholds{
			TargetTokens:  idx.TargetTokens,
			HardMinTokens: idx.HardMinTokens,
			MaxWait:       time.Duration(idx.MaxWaitSeconds) * time.Second,
			MaxItems:      idx.MaxItemsPerRun,
		},
		UserIDs:      idx.UserIDs,
		AutoDiscover: idx.AutoDiscoverUsers(),
	})
	return &app{queue: q, indexer: svc}, nil
}
