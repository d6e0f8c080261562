package artifact

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/chatdistill/internal/cache"
	"github.com/xxxsen/chatdistill/internal/model"
	"github.com/xxxsen/chatdistill/internal/objstore"
)

var defaultCategories = []string{"PE", "UI", "ML", "LO", "PS", "TM", "SYS", "GEN", "ID"}

type flakyStore struct {
	objstore.Store
	failPrefix string
	stats      int
}

func (f *flakyStore) fail(key string) error {
	if f.failPrefix != "" && strings.HasPrefix(key, f.failPrefix) {
		return errors.New("injected failure")
	}
	return nil
}

func (f *flakyStore) Stat(ctx context.Context, key string) (*objstore.ObjectInfo, error) {
	f.stats++
	if err := f.fail(key); err != nil {
		return nil, err
	}
	return f.Store.Stat(ctx, key)
}

func (f *flakyStore) Write(ctx context.Context, key string, data []byte) error {
	if err := f.fail(key); err != nil {
		return err
	}
	return f.Store.Write(ctx, key, data)
}

func readLines(t *testing.T, store objstore.Store, key string) []map[string]interface{} {
	t.Helper()
	data, err := store.Read(context.Background(), key, 0, -1)
	require.NoError(t, err)
	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func newSink(store objstore.Store) *Sink {
	s := NewSink(store, nil, Options{AllowedCategories: defaultCategories, LowConfidence: 0.6})
	s.now = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) }
	return s
}

func TestRoute(t *testing.T) {
	s := newSink(objstore.NewMemoryStore())
	tests := []struct {
		name string
		art  model.SemanticArtifact
		want []string
	}{
		{name: "clean", art: model.SemanticArtifact{Category: "ML", Confidence: 0.9}},
		{name: "lower case allowed", art: model.SemanticArtifact{Category: "ml", Confidence: 0.6}},
		{name: "missing", art: model.SemanticArtifact{Confidence: 0.9}, want: []string{model.ReasonMissingCategory}},
		{name: "invalid", art: model.SemanticArtifact{Category: "XX", Confidence: 0.9}, want: []string{model.ReasonInvalidCategory}},
		{name: "low", art: model.SemanticArtifact{Category: "PE", Confidence: 0.59}, want: []string{model.ReasonLowConfidence}},
		{name: "invalid and low", art: model.SemanticArtifact{Category: "XX", Confidence: 0.1}, want: []string{model.ReasonInvalidCategory, model.ReasonLowConfidence}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art := tt.art
			require.Equal(t, tt.want, Route(&art, s.allowed, s.lowConf))
		})
	}
}

func TestWriteCleanArtifact(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	s := newSink(store)

	tags := []string{" a ", "", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m"}
	res, err := s.Write(ctx, "alice", &model.SemanticArtifact{
		InteractionID: "i1",
		Category:      "ML",
		Confidence:    0.9,
		Tags:          tags,
		Summary:       strings.Repeat("s", 500),
	})
	require.NoError(t, err)
	require.False(t, res.RoutedToReview)
	require.Equal(t, model.ArtifactKey("alice", "i1"), res.Path)
	require.True(t, s.Exists(ctx, "alice", "i1"))

	data, err := store.Read(ctx, res.Path, 0, -1)
	require.NoError(t, err)
	var art model.SemanticArtifact
	require.NoError(t, json.Unmarshal(data, &art))
	require.Equal(t, model.SignalHigh, art.SignalLevel)
	require.Equal(t, model.SemanticSchemaV1, art.SchemaVersion)
	require.Equal(t, "alice", art.UserID)
	require.Len(t, art.Tags, MaxTags)
	require.Equal(t, "a", art.Tags[0])
	require.Equal(t, "2026-05-06T07:08:09.000000Z", art.Timestamp)

	manifest := readLines(t, store, model.ManifestKey("alice"))
	require.Len(t, manifest, 1)
	require.Equal(t, "i1", manifest[0]["interaction_id"])
	require.Len(t, manifest[0]["summary_short"], MaxIndexSummaryChars)
	require.Equal(t, res.Path, manifest[0]["semantic_blob_path"])

	_, err = store.Stat(ctx, model.PortfolioKey("alice"))
	require.Error(t, err)
}

func TestWriteRoutesToPortfolio(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	s := newSink(store)

	res, err := s.Write(ctx, "alice", &model.SemanticArtifact{
		InteractionID: "i2",
		Category:      "BOGUS",
		Confidence:    0.3,
		SignalLevel:   "HIGH",
		Summary:       strings.Repeat("p", 900),
	})
	require.NoError(t, err)
	require.True(t, res.RoutedToReview)
	require.Equal(t, []string{model.ReasonInvalidCategory, model.ReasonLowConfidence}, res.Reasons)

	entries := readLines(t, store, model.PortfolioKey("alice"))
	require.Len(t, entries, 1)
	require.Equal(t, []interface{}{"invalid_category", "low_confidence"}, entries[0]["portfolio_reasons"])
	require.Len(t, entries[0]["summary"], MaxPortfolioSummaryLen)
	require.Equal(t, model.PortfolioObjectName, entries[0]["portfolio_blob_name"])

	manifest := readLines(t, store, model.ManifestKey("alice"))
	require.Equal(t, "high", manifest[0]["signal_level"])
}

func TestManifestFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: objstore.NewMemoryStore(), failPrefix: model.ManifestKey("alice")}
	s := newSink(store)

	res, err := s.Write(ctx, "alice", &model.SemanticArtifact{InteractionID: "i1", Category: "PE", Confidence: 0.7})
	require.NoError(t, err)
	require.Error(t, res.ManifestErr)
	require.True(t, s.Exists(ctx, "alice", "i1"))
}

func TestArtifactWriteFailureIsReturned(t *testing.T) {
	store := &flakyStore{Store: objstore.NewMemoryStore(), failPrefix: model.ArtifactKey("alice", "i1")}
	s := newSink(store)
	_, err := s.Write(context.Background(), "alice", &model.SemanticArtifact{InteractionID: "i1"})
	require.Error(t, err)

	_, err = s.Write(context.Background(), "alice", &model.SemanticArtifact{InteractionID: "../x"})
	require.Error(t, err)
}

func TestExistsUsesCache(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: objstore.NewMemoryStore()}
	s := NewSink(store, cache.NewLRU[string, bool](16, time.Minute), Options{AllowedCategories: defaultCategories})
	require.NoError(t, store.Store.Write(ctx, model.ArtifactKey("alice", "i1"), []byte("{}")))

	require.True(t, s.Exists(ctx, "alice", "i1"))
	require.True(t, s.Exists(ctx, "alice", "i1"))
	require.Equal(t, 1, store.stats)

	require.False(t, s.Exists(ctx, "alice", "i2"))
	require.False(t, s.Exists(ctx, "alice", "i2"))
	require.Equal(t, 3, store.stats)

	store.failPrefix = model.ArtifactKey("alice", "i3")
	require.False(t, s.Exists(ctx, "alice", "i3"))
}
