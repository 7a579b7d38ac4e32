package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/config"
	"atlas/internal/consolidate"
	"atlas/internal/ingest"
	"atlas/internal/model"
	"atlas/internal/prompts"
	"atlas/internal/registry"
	"atlas/internal/search"
	"atlas/internal/storage"
	"atlas/internal/tracker"
)

const collection = "atlas_text_4"

type fakeProvider struct{ dim int }

func (f fakeProvider) Name() string                  { return "fake-provider" }
func (f fakeProvider) Latency() registry.LatencyClass { return registry.LatencyFast }
func (f fakeProvider) Capabilities() map[registry.Capability]bool {
	return map[registry.Capability]bool{registry.CapTextEmbedding: true, registry.CapQNTMGeneration: true}
}
func (f fakeProvider) Dimension() int { return f.dim }
func (f fakeProvider) EmbedText(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = float32(i + 1)
	}
	return out, nil
}
func (f fakeProvider) GenerateQNTM(_ context.Context, text string, existingKeys []string, level int) ([]string, string, error) {
	return []string{"topic.test"}, "matched existing vocabulary", nil
}

func buildDeps(t *testing.T) *Deps {
	t.Helper()
	reg := registry.New()
	reg.Register(fakeProvider{dim: 4}, 10)

	tr, err := tracker.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	store := storage.New(storage.NewMemoryVector(), storage.NewMemoryFullText(), storage.NewMemoryCache())
	icfg := config.IngestConfig{
		ChunkMinChars: 1, EmbedConcurrency: 2, KeygenInitial: 1, KeygenMin: 1, KeygenMax: 2,
		BatchSize: 50, BatchTimeoutMs: 50, ContextSafeLimit: 0, HNSWFileThreshold: 1000,
	}
	pipeline := ingest.New(reg, tr, store, icfg, nil)

	pr := prompts.New()
	pr.Register("consolidation-classify", prompts.Variant{
		Target: prompts.Universal, Priority: 0, RequiredCapability: registry.CapJSONCompletion,
		Template: "compare {{chunk_a_text}} vs {{chunk_b_text}}",
	})
	require.NoError(t, pr.Validate())
	engine := consolidate.New(store, collection, reg, pr, config.ConsolidationConfig{SimilarityThreshold: 0.5, CandidateLimit: 10}, 48*time.Hour)

	svc := search.New(store, collection, reg, pr)

	return &Deps{
		Ingest: pipeline, Consolidate: engine, Search: svc, Registry: reg,
		Tasks: NewTaskRegistry(), Lock: NewConsolidationLock(), Watches: NewWatchRegistry(), Events: NewEventBus(),
	}
}

func call(t *testing.T, h HandlerFunc, params any) (json.RawMessage, *RPCError) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	result, rpcErr := h(context.Background(), raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	encoded, err := json.Marshal(result)
	require.NoError(t, err)
	return encoded, nil
}

func TestHandleIngest_ProcessesFileSynchronously(t *testing.T) {
	d := buildDeps(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\n\nSome body text worth keeping around."), 0o644))

	raw, rpcErr := call(t, handleIngest(d), ingestParams{Paths: []string{path}, RootDir: dir})
	require.Nil(t, rpcErr)

	var dto ingestResultDTO
	require.NoError(t, json.Unmarshal(raw, &dto))
	assert.Equal(t, 1, dto.FilesProcessed)
	assert.Greater(t, dto.ChunksStored, 0)
}

func TestHandleIngestStartStatusStop_TracksTaskLifecycle(t *testing.T) {
	d := buildDeps(t)

	raw, rpcErr := call(t, handleIngestStart(d), ingestStartParams{Paths: []string{}})
	require.Nil(t, rpcErr)
	var started map[string]any
	require.NoError(t, json.Unmarshal(raw, &started))
	taskID := started["taskId"].(string)
	require.NotEmpty(t, taskID)

	raw, rpcErr = call(t, handleIngestStatus(d), taskQueryParams{TaskID: taskID})
	require.Nil(t, rpcErr)
	var task model.IngestionTask
	require.NoError(t, json.Unmarshal(raw, &task))
	assert.Equal(t, taskID, task.ID)

	raw, rpcErr = call(t, handleIngestStop(d), taskQueryParams{TaskID: taskID})
	require.Nil(t, rpcErr)
	require.NoError(t, json.Unmarshal(raw, &task))
	assert.Equal(t, model.TaskStopped, task.Status)
}

func TestHandleIngestStop_UnknownTaskIsError(t *testing.T) {
	d := buildDeps(t)
	_, rpcErr := call(t, handleIngestStop(d), taskQueryParams{TaskID: "does-not-exist"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, TaskNotFoundErrorCode, rpcErr.Code)
}

func TestHandleConsolidateStart_SecondCallReportsAlreadyRunning(t *testing.T) {
	d := buildDeps(t)
	d.Lock.Acquire("existing-task")

	raw, rpcErr := call(t, handleConsolidateStart(d), struct{}{})
	require.Nil(t, rpcErr)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, false, resp["locked"])
	assert.Equal(t, "existing-task", resp["taskId"])
}

func TestHandleQNTMGenerate_ReturnsKeysFromProvider(t *testing.T) {
	d := buildDeps(t)
	raw, rpcErr := call(t, handleQNTMGenerate(d), qntmGenerateParams{Text: "some note", ExistingKeys: []string{"topic.test"}})
	require.Nil(t, rpcErr)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(raw, &resp))
	keys := resp["keys"].([]any)
	require.Len(t, keys, 1)
	assert.Equal(t, "topic.test", keys[0])
}

func TestHandleSearch_ReturnsEmptyResultsOnEmptyCollection(t *testing.T) {
	d := buildDeps(t)
	raw, rpcErr := call(t, handleSearch(d), searchParamsDTO{Query: "anything", Limit: 5})
	require.Nil(t, rpcErr)
	var results []searchResultDTO
	require.NoError(t, json.Unmarshal(raw, &results))
	assert.Empty(t, results)
}

func TestIngestResultDTO_RoundTripsPeakMemoryBytes(t *testing.T) {
	want := ingestResultDTO{
		FilesProcessed: 3, ChunksStored: 9, SkippedFiles: 1,
		Errors:          []ingest.FileError{{File: "bad.md", Error: "boom"}},
		DurationMs:      42,
		PeakMemoryBytes: 123456,
	}
	raw, err := json.Marshal(want)
	require.NoError(t, err)
	var got ingestResultDTO
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)
}

func TestConsolidateParamsDTO_RoundTripsAllFields(t *testing.T) {
	level := 1
	want := consolidateParamsDTO{
		DryRun: true, Limit: 5, Threshold: 0.9, BatchSize: 20,
		QNTMKeyFilter: "topic.test", ConsolidationLevel: &level,
		Continuous: true, PollIntervalMs: 1500,
	}
	raw, err := json.Marshal(want)
	require.NoError(t, err)
	var got consolidateParamsDTO
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)
}

func TestConsolidateResultDTO_RoundTripsPreview(t *testing.T) {
	want := consolidateResultDTO{
		ConsolidationsPerformed: 2, ChunksAbsorbed: 4, CandidatesEvaluated: 6,
		TypeBreakdown: map[string]int{"dedupe": 2}, DurationMs: 10,
		Preview: []string{"chunk:a.md:0", "chunk:a.md:1"},
	}
	raw, err := json.Marshal(want)
	require.NoError(t, err)
	var got consolidateResultDTO
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)
}

func TestHandleConsolidate_DryRunReturnsPreviewFromVacuum(t *testing.T) {
	d := buildDeps(t)
	marked := time.Now().Add(-72 * time.Hour)
	c := model.Chunk{
		ID: "chunk:x.md:0", Text: "x", FilePath: "x.md", FileName: "x.md", ContentType: model.ContentText,
		CreatedAt: marked, DeletionEligible: true, DeletionMarkedAt: &marked,
	}
	require.NoError(t, d.Consolidate.Store.UpsertChunk(context.Background(), collection, c, map[string][]float32{"text": {1, 0, 0, 0}}))

	raw, rpcErr := call(t, handleConsolidate(d), consolidateParamsDTO{DryRun: true})
	require.Nil(t, rpcErr)
	var dto consolidateResultDTO
	require.NoError(t, json.Unmarshal(raw, &dto))
	assert.NotNil(t, dto.Preview)
	assert.Equal(t, []string{c.ID}, dto.Preview)
}

func TestHandleConsolidate_OverridesEngineWithoutMutatingShared(t *testing.T) {
	d := buildDeps(t)
	sharedThreshold := d.Consolidate.Config.SimilarityThreshold

	level := 1
	_, rpcErr := call(t, handleConsolidate(d), consolidateParamsDTO{
		Threshold: 0.99, BatchSize: 3, QNTMKeyFilter: "topic.test", ConsolidationLevel: &level,
	})
	require.Nil(t, rpcErr)

	assert.Equal(t, sharedThreshold, d.Consolidate.Config.SimilarityThreshold, "per-call override must not mutate the shared engine")
	assert.Equal(t, 0, d.Consolidate.Level, "shared engine's Level must stay at the default")
}

func TestHandleQNTMGenerate_ContextFieldsRoundTripThroughParams(t *testing.T) {
	want := qntmGenerateParams{
		Text:         "some note",
		ExistingKeys: []string{"topic.test"},
		Context:      &qntmGenerateContext{FileName: "a.md", ChunkIndex: 1, TotalChunks: 3},
		Level:        2,
	}
	raw, err := json.Marshal(want)
	require.NoError(t, err)
	var got qntmGenerateParams
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)
}

func TestHandleQNTMGenerate_WithContextStillSucceeds(t *testing.T) {
	d := buildDeps(t)
	raw, rpcErr := call(t, handleQNTMGenerate(d), qntmGenerateParams{
		Text:         "some note",
		ExistingKeys: []string{"topic.test"},
		Context:      &qntmGenerateContext{FileName: "a.md", ChunkIndex: 0, TotalChunks: 2},
	})
	require.Nil(t, rpcErr)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(raw, &resp))
	keys := resp["keys"].([]any)
	require.Len(t, keys, 1)
	assert.Equal(t, "topic.test", keys[0])
}

func TestHandleTimeline_RejectsInvalidSince(t *testing.T) {
	d := buildDeps(t)
	raw, err := json.Marshal(map[string]any{"since": "not-a-date"})
	require.NoError(t, err)
	_, rpcErr := handleTimeline(d)(context.Background(), raw)
	require.NotNil(t, rpcErr)
	assert.Equal(t, InvalidParamsCode, rpcErr.Code)
}
