package ai

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type CompleterEntry struct {
	Name      string
	Completer ICompleter
}

type groupCompleter struct {
	items []CompleterEntry
}

// NewGroupCompleter tries each completer in order until one succeeds.
func NewGroupCompleter(items []CompleterEntry) ICompleter {
	if len(items) == 0 {
		return nil
	}
	if len(items) == 1 {
		return items[0].Completer
	}
	return &groupCompleter{items: items}
}

func (g *groupCompleter) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	var lastErr error
	for i, item := range g.items {
		if item.Completer == nil {
			continue
		}
		res, err := item.Completer.Complete(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logutil.GetLogger(ctx).Warn("completer failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	if lastErr == nil {
		return "", fmt.Errorf("completer not configured")
	}
	return "", lastErr
}
