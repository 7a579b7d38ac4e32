package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/config"
	"atlas/internal/registry"
	"atlas/internal/storage"
	"atlas/internal/tracker"
)

type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Name() string                        { return "fake-embedder" }
func (f fakeEmbedder) Latency() registry.LatencyClass       { return registry.LatencyFast }
func (f fakeEmbedder) Capabilities() map[registry.Capability]bool {
	return map[registry.Capability]bool{registry.CapTextEmbedding: true}
}
func (f fakeEmbedder) Dimension() int { return f.dim }
func (f fakeEmbedder) EmbedText(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = float32(i + 1)
	}
	return out, nil
}

func TestRun_IngestsNewFileAndStoresChunks(t *testing.T) {
	reg := registry.New()
	reg.Register(fakeEmbedder{dim: 4}, 10)

	tr, err := tracker.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	store := storage.New(storage.NewMemoryVector(), storage.NewMemoryFullText(), storage.NewMemoryCache())
	cfg := config.IngestConfig{
		ChunkMinChars: 1, EmbedConcurrency: 2, KeygenInitial: 1, KeygenMin: 1, KeygenMax: 2,
		BatchSize: 50, BatchTimeoutMs: 50, ContextSafeLimit: 0, HNSWFileThreshold: 1000,
	}
	p := New(reg, tr, store, cfg, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\n\nSome body text worth keeping around."), 0o644))

	result, err := p.Run(context.Background(), []string{path}, Options{RootDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesProcessed)
	assert.Greater(t, result.ChunksStored, 0)
	assert.Empty(t, result.Errors)
}

func TestRun_SkipsUnchangedFileOnSecondRun(t *testing.T) {
	reg := registry.New()
	reg.Register(fakeEmbedder{dim: 4}, 10)

	tr, err := tracker.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	store := storage.New(storage.NewMemoryVector(), storage.NewMemoryFullText(), storage.NewMemoryCache())
	cfg := config.IngestConfig{
		ChunkMinChars: 1, EmbedConcurrency: 2, KeygenInitial: 1, KeygenMin: 1, KeygenMax: 2,
		BatchSize: 50, BatchTimeoutMs: 50, ContextSafeLimit: 0, HNSWFileThreshold: 1000,
	}
	p := New(reg, tr, store, cfg, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\n\nSome body text worth keeping around."), 0o644))

	_, err = p.Run(context.Background(), []string{path}, Options{RootDir: dir})
	require.NoError(t, err)

	result, err := p.Run(context.Background(), []string{path}, Options{RootDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SkippedFiles)
	assert.Equal(t, 0, result.FilesProcessed)
}

func TestRun_RejectsPathOutsideRootDir(t *testing.T) {
	reg := registry.New()
	tr, err := tracker.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	store := storage.New(storage.NewMemoryVector(), nil, nil)
	p := New(reg, tr, store, config.IngestConfig{}, nil)

	outside := filepath.Join(t.TempDir(), "outside.md")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	_, err = p.Run(context.Background(), []string{outside}, Options{RootDir: t.TempDir()})
	require.Error(t, err)
}

func TestSplitByContextWindow_GroupsUnderSafeLimit(t *testing.T) {
	chunks := []TextChunk{{Index: 0, Text: "aaaa bbbb"}, {Index: 1, Text: "cccc dddd"}, {Index: 2, Text: "eeee ffff"}}
	docs := splitByContextWindow(chunks, 2)
	require.Greater(t, len(docs), 1)
	assert.Equal(t, len(docs), docs[0].splitTotal)
}
