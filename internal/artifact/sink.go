package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/chatdistill/internal/cache"
	"github.com/xxxsen/chatdistill/internal/model"
	"github.com/xxxsen/chatdistill/internal/objstore"
	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

const (
	MaxTags                = 12
	MaxIndexSummaryChars   = 400
	MaxPortfolioSummaryLen = 800
)

type Options struct {
	AllowedCategories []string
	// LowConfidence routes artifacts scoring below it to the portfolio.
	LowConfidence float64
}

// WriteResult reports where an artifact went.
type WriteResult struct {
	Path           string
	Reasons        []string
	ManifestErr    error
	PortfolioErr   error
	RoutedToReview bool
}

// Sink persists semantic artifacts together with their manifest and review
// queue entries.
type Sink struct {
	store   objstore.Store
	exists  cache.Cache[string, bool]
	allowed map[string]struct{}
	lowConf float64
	now     func() time.Time
}

func NewSink(store objstore.Store, existsCache cache.Cache[string, bool], opts Options) *Sink {
	if existsCache == nil {
		existsCache = cache.Noop[string, bool]{}
	}
	allowed := make(map[string]struct{}, len(opts.AllowedCategories))
	for _, c := range opts.AllowedCategories {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			allowed[c] = struct{}{}
		}
	}
	return &Sink{
		store:   store,
		exists:  existsCache,
		allowed: allowed,
		lowConf: opts.LowConfidence,
		now:     time.Now,
	}
}

// Exists reports whether an artifact is stored for the interaction. Lookup
// errors count as absent so the record is simply processed again.
func (s *Sink) Exists(ctx context.Context, userID, interactionID string) bool {
	key := model.ArtifactKey(userID, interactionID)
	if ok, hit := s.exists.Get(key); hit && ok {
		return true
	}
	_, err := s.store.Stat(ctx, key)
	if err != nil {
		if !appErr.IsNotFound(err) {
			logutil.GetLogger(ctx).Warn("artifact stat failed, treating as absent",
				zap.String("key", key), zap.Error(err))
		}
		return false
	}
	s.exists.Add(key, true)
	return true
}

// Write stores the artifact, then best-effort appends its manifest entry
// and, when routing asks for it, a review entry. Only the artifact write
// can fail the call.
func (s *Sink) Write(ctx context.Context, userID string, art *model.SemanticArtifact) (*WriteResult, error) {
	if err := model.ValidateSegment("interaction id", art.InteractionID); err != nil {
		return nil, appErr.Fatal(err)
	}
	s.normalize(userID, art)
	key := model.ArtifactKey(userID, art.InteractionID)
	data, err := encode(art, false)
	if err != nil {
		return nil, appErr.Fatal(err)
	}
	if err := s.store.Write(ctx, key, data); err != nil {
		return nil, appErr.Transient(fmt.Errorf("write artifact %s: %w", key, err))
	}
	s.exists.Add(key, true)

	res := &WriteResult{Path: key}
	logger := logutil.GetLogger(ctx).With(zap.String("user_id", userID), zap.String("interaction_id", art.InteractionID))
	if err := s.appendLine(ctx, model.ManifestKey(userID), s.indexEntry(art, key)); err != nil {
		res.ManifestErr = err
		logger.Warn("semantic index append failed", zap.Error(err))
	}
	res.Reasons = Route(art, s.allowed, s.lowConf)
	if len(res.Reasons) == 0 {
		return res, nil
	}
	res.RoutedToReview = true
	if err := s.appendLine(ctx, model.PortfolioKey(userID), s.portfolioEntry(art, key, res.Reasons)); err != nil {
		res.PortfolioErr = err
		logger.Warn("uncategorized portfolio append failed", zap.Strings("reasons", res.Reasons), zap.Error(err))
	}
	return res, nil
}

// Route returns why an artifact needs review, or nothing when it does not.
func Route(art *model.SemanticArtifact, allowed map[string]struct{}, lowConfidence float64) []string {
	var reasons []string
	category := strings.TrimSpace(art.Category)
	if category == "" {
		reasons = append(reasons, model.ReasonMissingCategory)
	} else if _, ok := allowed[strings.ToUpper(category)]; !ok {
		reasons = append(reasons, model.ReasonInvalidCategory)
	}
	if art.Confidence < lowConfidence {
		reasons = append(reasons, model.ReasonLowConfidence)
	}
	return reasons
}

func (s *Sink) normalize(userID string, art *model.SemanticArtifact) {
	art.SchemaVersion = model.SemanticSchemaV1
	art.UserID = userID
	art.Category = strings.TrimSpace(art.Category)
	art.Summary = strings.TrimSpace(art.Summary)
	if art.Timestamp == "" {
		art.Timestamp = model.FormatTime(s.now())
	}
	art.SignalLevel = strings.ToLower(strings.TrimSpace(art.SignalLevel))
	if !model.ValidSignalLevel(art.SignalLevel) {
		art.SignalLevel = model.SignalLevelFor(art.Confidence)
	}
	art.Tags = cleanTags(art.Tags)
}

func (s *Sink) indexEntry(art *model.SemanticArtifact, path string) *model.SemanticIndexEntry {
	return &model.SemanticIndexEntry{
		SchemaVersion:    model.SemanticIndexSchemaV1,
		Timestamp:        art.Timestamp,
		UserID:           art.UserID,
		InteractionID:    art.InteractionID,
		Category:         art.Category,
		SignalLevel:      art.SignalLevel,
		Confidence:       art.Confidence,
		Tags:             art.Tags,
		SummaryShort:     clip(art.Summary, MaxIndexSummaryChars),
		SemanticBlobPath: path,
	}
}

func (s *Sink) portfolioEntry(art *model.SemanticArtifact, path string, reasons []string) *model.UncategorizedPortfolioEntry {
	return &model.UncategorizedPortfolioEntry{
		SchemaVersion:     model.UncategorizedSchemaV1,
		Timestamp:         model.FormatTime(s.now()),
		UserID:            art.UserID,
		InteractionID:     art.InteractionID,
		Category:          art.Category,
		Confidence:        art.Confidence,
		Tags:              art.Tags,
		Summary:           clip(art.Summary, MaxPortfolioSummaryLen),
		Reasons:           reasons,
		SemanticBlobPath:  path,
		PortfolioBlobName: model.PortfolioObjectName,
	}
}

func (s *Sink) appendLine(ctx context.Context, key string, v interface{}) error {
	line, err := encode(v, true)
	if err != nil {
		return err
	}
	return objstore.AppendLine(ctx, s.store, key, line)
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, t)
		if len(out) >= MaxTags {
			break
		}
	}
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func encode(v interface{}, newline bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode artifact record: %w", err)
	}
	if newline {
		return buf.Bytes(), nil
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
