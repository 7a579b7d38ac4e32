package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/model"
	"atlas/internal/registry"
	"atlas/internal/storage"
)

const collection = "atlas_text_4"

type fakeEmbedder struct{}

func (fakeEmbedder) Name() string                  { return "fake-embedder" }
func (fakeEmbedder) Latency() registry.LatencyClass { return registry.LatencyFast }
func (fakeEmbedder) Capabilities() map[registry.Capability]bool {
	return map[registry.Capability]bool{registry.CapTextEmbedding: true}
}
func (fakeEmbedder) Dimension() int { return 4 }
func (fakeEmbedder) EmbedText(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func seedChunk(t *testing.T, store *storage.Service, id, text string, createdAt time.Time, accessCount int) {
	t.Helper()
	c := model.Chunk{
		ID: id, Text: text, FilePath: id + ".md", FileName: id + ".md",
		ContentType: model.ContentText, CreatedAt: createdAt, Importance: model.ImportanceNormal,
		AccessCount: accessCount,
	}
	require.NoError(t, store.UpsertChunk(context.Background(), collection, c, map[string][]float32{"text": {1, 0, 0, 0}}))
}

func TestSearch_ReturnsScoredResultsSortedDescending(t *testing.T) {
	store := storage.New(storage.NewMemoryVector(), nil, nil)
	now := time.Now()
	seedChunk(t, store, "chunk:a.md:0", "alpha notes about rockets", now, 0)
	seedChunk(t, store, "chunk:b.md:0", "beta notes about gardens", now, 0)

	reg := registry.New()
	reg.Register(fakeEmbedder{}, 10)

	svc := New(store, collection, reg, nil)
	results, err := svc.Search(context.Background(), Params{Query: "rockets", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestSearch_ExcludesDeletionEligibleChunks(t *testing.T) {
	store := storage.New(storage.NewMemoryVector(), nil, nil)
	now := time.Now()
	c := model.Chunk{
		ID: "chunk:a.md:0", Text: "alpha", FilePath: "a.md", FileName: "a.md",
		ContentType: model.ContentText, CreatedAt: now, DeletionEligible: true,
	}
	require.NoError(t, store.UpsertChunk(context.Background(), collection, c, map[string][]float32{"text": {1, 0, 0, 0}}))

	reg := registry.New()
	reg.Register(fakeEmbedder{}, 10)
	svc := New(store, collection, reg, nil)

	results, err := svc.Search(context.Background(), Params{Query: "alpha", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_FiltersByQNTMKey(t *testing.T) {
	store := storage.New(storage.NewMemoryVector(), nil, nil)
	now := time.Now()
	withKey := model.Chunk{
		ID: "chunk:a.md:0", Text: "alpha", FilePath: "a.md", FileName: "a.md",
		ContentType: model.ContentText, CreatedAt: now, QntmKeys: []string{"PROJ:atlas"},
	}
	withoutKey := model.Chunk{
		ID: "chunk:b.md:0", Text: "alpha", FilePath: "b.md", FileName: "b.md",
		ContentType: model.ContentText, CreatedAt: now,
	}
	require.NoError(t, store.UpsertChunk(context.Background(), collection, withKey, map[string][]float32{"text": {1, 0, 0, 0}}))
	require.NoError(t, store.UpsertChunk(context.Background(), collection, withoutKey, map[string][]float32{"text": {1, 0, 0, 0}}))

	reg := registry.New()
	reg.Register(fakeEmbedder{}, 10)
	svc := New(store, collection, reg, nil)

	results, err := svc.Search(context.Background(), Params{Query: "alpha", Limit: 5, QNTMKey: "PROJ:atlas"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, withKey.ID, results[0].ID)
}

func TestTimeline_OrdersByCreatedAtAndBuckets(t *testing.T) {
	store := storage.New(storage.NewMemoryVector(), nil, nil)
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	seedChunk(t, store, "chunk:a.md:0", "first", base, 0)
	seedChunk(t, store, "chunk:b.md:0", "second", base.Add(24*time.Hour), 0)

	svc := New(store, collection, registry.New(), nil)
	results, err := svc.Timeline(context.Background(), TimelineParams{
		Since: base.Add(-time.Hour), Until: base.Add(48 * time.Hour), Granularity: "day",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "chunk:a.md:0", results[0].ID)
	assert.Equal(t, "2026-07-01", results[0].Bucket)
	assert.Equal(t, "2026-07-02", results[1].Bucket)
}

func TestAddCausalLink_PersistsAndReturnsViaCache(t *testing.T) {
	store := storage.New(storage.NewMemoryVector(), nil, storage.NewMemoryCache())
	svc := New(store, collection, registry.New(), nil)

	link := model.CausalLink{FromID: "chunk:a.md:0", ToID: "chunk:b.md:0", Relation: model.RelationExtends, Confidence: 0.9, Inferrer: "test"}
	require.NoError(t, svc.AddCausalLink(context.Background(), link))

	links, err := svc.links.For(context.Background(), "chunk:a.md:0")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, model.RelationExtends, links[0].Relation)
}
