package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/model"
)

func TestMemoryVector_UpsertAndSearchByNamedVector(t *testing.T) {
	v := NewMemoryVector()
	ctx := context.Background()
	require.NoError(t, v.CreateCollection(ctx, "atlas_3d", map[string]int{"text": 3, "code": 3}, "cosine"))

	require.NoError(t, v.Upsert(ctx, "atlas_3d", []Point{
		{ID: "chunk:a:0", Vectors: map[string][]float32{"text": {1, 0, 0}}, Payload: map[string]any{"file_path": "a.go"}},
		{ID: "chunk:b:0", Vectors: map[string][]float32{"text": {0, 1, 0}}, Payload: map[string]any{"file_path": "b.go"}},
	}))

	results, err := v.Search(ctx, "atlas_3d", SearchParams{Vector: []float32{1, 0, 0}, VectorName: "text", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "chunk:a:0", results[0].ID)
}

func TestMemoryVector_SearchRespectsFilterAndScoreThreshold(t *testing.T) {
	v := NewMemoryVector()
	ctx := context.Background()
	require.NoError(t, v.Upsert(ctx, "c", []Point{
		{ID: "1", Vectors: map[string][]float32{"text": {1, 0}}, Payload: map[string]any{"content_type": "code"}},
		{ID: "2", Vectors: map[string][]float32{"text": {1, 0}}, Payload: map[string]any{"content_type": "text"}},
	}))

	results, err := v.Search(ctx, "c", SearchParams{Vector: []float32{1, 0}, VectorName: "text", Filter: map[string]any{"content_type": "code"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].ID)

	// Both points are orthogonal to {0,1}: cosine 0 is below the threshold.
	results, err = v.Search(ctx, "c", SearchParams{Vector: []float32{0, 1}, VectorName: "text", ScoreThreshold: 0.5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryVector_WithHNSWDisabledRunsActionRegardless(t *testing.T) {
	v := NewMemoryVector()
	ran := false
	err := v.WithHNSWDisabled(context.Background(), "c", func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestMemoryFullText_SearchIsCaseInsensitive(t *testing.T) {
	ft := NewMemoryFullText()
	ctx := context.Background()
	require.NoError(t, ft.Index(ctx, "1", "The Quick Brown Fox", nil))

	results, err := ft.Search(ctx, "quick", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].ID)
}

func TestMemoryCache_SetGetRoundtripsAndExpires(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "kept", "v2", 0))
	got, found, getErr := c.Get(ctx, "kept")
	require.NoError(t, getErr)
	assert.True(t, found)
	assert.Equal(t, "v2", got)

	require.NoError(t, c.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry should have expired")
}

func TestMemoryCache_AcquireLockIsExclusiveUntilTTLExpires(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	ok1, err := c.AcquireLock(ctx, "lock", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := c.AcquireLock(ctx, "lock", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok2, "second acquire should fail while the first lock is live")
}

func TestMemoryCache_PublishFansOutToSubscribers(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	ch, cancel := c.Subscribe(ctx)
	defer cancel()

	require.NoError(t, c.Publish(ctx, Event{Type: "chunk.stored"}))

	select {
	case ev := <-ch:
		assert.Equal(t, "chunk.stored", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event was not received")
	}
}

func TestChunkPayload_MatchesSchemaFields(t *testing.T) {
	now := time.Now()
	c := model.Chunk{
		ID: "chunk:a.go:0", Text: "package a", FilePath: "a.go", FileName: "a.go",
		Extension: ".go", ContentType: model.ContentCode, ChunkIndex: 0, TotalChunks: 1,
		CharCount: 9, CreatedAt: now, Importance: model.ImportanceNormal, ConsolidationLevel: 0,
		EmbeddingModel: "voyage-3-large", EmbeddingStrategy: model.StrategyCode,
		VectorNames: []string{"text", "code"}, QntmKeys: []string{"key1"},
	}
	payload := ChunkPayload(c)
	assert.Equal(t, "chunk:a.go:0", payload["id"])
	assert.Equal(t, "code", payload["content_type"])
	assert.Equal(t, []string{"text", "code"}, payload["vector_names"])
	assert.Equal(t, false, payload["deletion_eligible"])
}

func TestChunkPayload_RoundTripsConsolidationOccurrenceTimes(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	c := model.Chunk{
		ID: "chunk:a.go:0", Text: "package a", FilePath: "a.go", CreatedAt: t1,
		ConsolidationLevel: 1,
		Consolidation: &model.ConsolidationFields{
			Type:            model.ConsolidationDuplicateWork,
			OccurrenceTimes: []time.Time{t1, t2},
		},
	}
	round := ChunkFromPayload(ChunkPayload(c))
	require.NotNil(t, round.Consolidation)
	require.Len(t, round.Consolidation.OccurrenceTimes, 2)
	assert.True(t, t1.Equal(round.Consolidation.OccurrenceTimes[0]))
	assert.True(t, t2.Equal(round.Consolidation.OccurrenceTimes[1]))
}

func TestService_UpsertChunkMirrorsToFullTextBestEffort(t *testing.T) {
	svc := New(NewMemoryVector(), NewMemoryFullText(), NewMemoryCache())
	ctx := context.Background()
	c := model.Chunk{ID: "chunk:a.go:0", Text: "package a", FilePath: "a.go", ContentType: model.ContentCode, CreatedAt: time.Now()}

	require.NoError(t, svc.UpsertChunk(ctx, "atlas_3d", c, map[string][]float32{"text": {1, 2, 3}}))

	ftResults, err := svc.FullText.Search(ctx, "package", 10)
	require.NoError(t, err)
	require.Len(t, ftResults, 1)
	assert.Equal(t, "chunk:a.go:0", ftResults[0].ID)
}
