package consolidate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/config"
	"atlas/internal/model"
	"atlas/internal/prompts"
	"atlas/internal/registry"
	"atlas/internal/storage"
)

const collection = "atlas_text_4"

type fakeClassifier struct {
	response string
}

func (f fakeClassifier) Name() string                  { return "fake-classifier" }
func (f fakeClassifier) Latency() registry.LatencyClass { return registry.LatencyFast }
func (f fakeClassifier) Capabilities() map[registry.Capability]bool {
	return map[registry.Capability]bool{registry.CapJSONCompletion: true}
}
func (f fakeClassifier) CompleteJSON(_ context.Context, _ string, _ string, out any) error {
	target := out.(*struct {
		Type      string `json:"type"`
		Direction string `json:"direction"`
		Reasoning string `json:"reasoning"`
		Keep      string `json:"keep"`
	})
	switch f.response {
	case "duplicate":
		*target = struct {
			Type      string `json:"type"`
			Direction string `json:"direction"`
			Reasoning string `json:"reasoning"`
			Keep      string `json:"keep"`
		}{Type: "duplicate_work", Direction: "unknown", Reasoning: "same content", Keep: "first"}
	case "sequential":
		*target = struct {
			Type      string `json:"type"`
			Direction string `json:"direction"`
			Reasoning string `json:"reasoning"`
			Keep      string `json:"keep"`
		}{Type: "sequential_iteration", Direction: "forward", Reasoning: "b refines a", Keep: "first"}
	}
	return nil
}

func newPrompts(t *testing.T) *prompts.Registry {
	t.Helper()
	pr := prompts.New()
	pr.Register("consolidation-classify", prompts.Variant{
		Target: prompts.Universal, Priority: 0, RequiredCapability: registry.CapJSONCompletion,
		Template: "compare {{chunk_a_text}} vs {{chunk_b_text}}",
	})
	require.NoError(t, pr.Validate())
	return pr
}

func seedPair(t *testing.T, store *storage.Service, now time.Time) (model.Chunk, model.Chunk) {
	t.Helper()
	a := model.Chunk{
		ID: "chunk:a.md:0", Text: "alpha content", FilePath: "a.md", FileName: "a.md",
		ContentType: model.ContentText, CreatedAt: now, Importance: model.ImportanceNormal,
		VectorNames: []string{"text"},
	}
	b := model.Chunk{
		ID: "chunk:b.md:0", Text: "alpha content again", FilePath: "b.md", FileName: "b.md",
		ContentType: model.ContentText, CreatedAt: now, Importance: model.ImportanceNormal,
		VectorNames: []string{"text"},
	}
	vec := []float32{1, 0, 0, 0}
	require.NoError(t, store.UpsertChunk(context.Background(), collection, a, map[string][]float32{"text": vec}))
	require.NoError(t, store.UpsertChunk(context.Background(), collection, b, map[string][]float32{"text": vec}))
	return a, b
}

func TestRun_DuplicateWorkMarksOtherDeletionEligible(t *testing.T) {
	store := storage.New(storage.NewMemoryVector(), nil, nil)
	now := time.Now()
	a, b := seedPair(t, store, now)

	reg := registry.New()
	reg.Register(fakeClassifier{response: "duplicate"}, 10)

	e := New(store, collection, reg, newPrompts(t), config.ConsolidationConfig{SimilarityThreshold: 0.5, CandidateLimit: 10}, 48*time.Hour)
	result, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.ConsolidationsPerformed)
	assert.Equal(t, 1, result.ChunksAbsorbed)
	assert.Equal(t, 1, result.TypeBreakdown["duplicate_work"])

	points, err := store.Vector.Retrieve(context.Background(), collection, []string{a.ID, b.ID})
	require.NoError(t, err)
	byID := map[string]storage.Point{}
	for _, p := range points {
		byID[p.ID] = p
	}
	other := storage.ChunkFromPayload(byID[b.ID].Payload)
	assert.True(t, other.DeletionEligible)
	assert.Equal(t, a.ID, other.SupersededBy)
}

func TestRun_SequentialIterationPromotesLaterChunk(t *testing.T) {
	store := storage.New(storage.NewMemoryVector(), nil, nil)
	now := time.Now()
	a, b := seedPair(t, store, now)

	reg := registry.New()
	reg.Register(fakeClassifier{response: "sequential"}, 10)

	e := New(store, collection, reg, newPrompts(t), config.ConsolidationConfig{SimilarityThreshold: 0.5, CandidateLimit: 10}, 48*time.Hour)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TypeBreakdown["sequential_iteration"])

	points, err := store.Vector.Retrieve(context.Background(), collection, []string{b.ID})
	require.NoError(t, err)
	keeper := storage.ChunkFromPayload(points[0].Payload)
	assert.Equal(t, 1, keeper.ConsolidationLevel)
	_ = a
}

func TestVacuum_DryRunReportsWithoutDeleting(t *testing.T) {
	store := storage.New(storage.NewMemoryVector(), nil, nil)
	past := time.Now().Add(-72 * time.Hour)
	c := model.Chunk{
		ID: "chunk:x.md:0", Text: "old", FilePath: "x.md", FileName: "x.md",
		ContentType: model.ContentText, CreatedAt: past, DeletionEligible: true, DeletionMarkedAt: &past,
	}
	require.NoError(t, store.UpsertChunk(context.Background(), collection, c, map[string][]float32{"text": {1}}))

	e := New(store, collection, registry.New(), newPrompts(t), config.ConsolidationConfig{}, 1*time.Hour)
	result, err := e.Vacuum(context.Background(), false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, 0, result.Deleted)

	points, _, err := store.Vector.Scroll(context.Background(), collection, storage.ScrollParams{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestVacuum_DeletesPastGracePeriod(t *testing.T) {
	store := storage.New(storage.NewMemoryVector(), nil, nil)
	past := time.Now().Add(-72 * time.Hour)
	c := model.Chunk{
		ID: "chunk:x.md:0", Text: "old", FilePath: "x.md", FileName: "x.md",
		ContentType: model.ContentText, CreatedAt: past, DeletionEligible: true, DeletionMarkedAt: &past,
	}
	require.NoError(t, store.UpsertChunk(context.Background(), collection, c, map[string][]float32{"text": {1}}))

	e := New(store, collection, registry.New(), newPrompts(t), config.ConsolidationConfig{}, 1*time.Hour)
	result, err := e.Vacuum(context.Background(), false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	points, _, err := store.Vector.Scroll(context.Background(), collection, storage.ScrollParams{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, points)
}
