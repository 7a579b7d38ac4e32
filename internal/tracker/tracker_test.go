package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/model"
)

func openTestTracker(t *testing.T) *Tracker {
	t.Helper()
	dir := t.TempDir()
	tr, err := Open(filepath.Join(dir, "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNeedsIngestion_NewFile(t *testing.T) {
	tr := openTestTracker(t)
	path := writeFile(t, "hello")

	res, err := tr.NeedsIngestion(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, res.Needs)
	assert.Equal(t, "new", res.Reason)
}

func TestNeedsIngestion_UnchangedAfterRecord(t *testing.T) {
	tr := openTestTracker(t)
	path := writeFile(t, "hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	hash := HashBytes(data)

	chunks := []model.ChunkRef{{Index: 0, ContentHash: hash, ChunkID: model.ChunkID(path, 0)}}
	require.NoError(t, tr.RecordIngestion(context.Background(), path, hash, chunks))

	res, err := tr.NeedsIngestion(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, res.Needs)
	assert.Equal(t, "unchanged", res.Reason)
}

func TestNeedsIngestion_ContentChangedReturnsExistingChunks(t *testing.T) {
	tr := openTestTracker(t)
	path := writeFile(t, "hello")

	data, _ := os.ReadFile(path)
	hash := HashBytes(data)
	chunks := []model.ChunkRef{{Index: 0, ContentHash: hash, ChunkID: model.ChunkID(path, 0)}}
	require.NoError(t, tr.RecordIngestion(context.Background(), path, hash, chunks))

	require.NoError(t, os.WriteFile(path, []byte("changed content"), 0o644))

	res, err := tr.NeedsIngestion(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, res.Needs)
	assert.Equal(t, "content-changed", res.Reason)
	require.Len(t, res.Existing, 1)
	assert.Equal(t, model.ChunkID(path, 0), res.Existing[0].ChunkID)
}

func TestRecordIngestion_SupersedesPriorChunksOnReingest(t *testing.T) {
	tr := openTestTracker(t)
	path := writeFile(t, "v1")

	hash1 := HashBytes([]byte("v1"))
	require.NoError(t, tr.RecordIngestion(context.Background(), path, hash1, []model.ChunkRef{
		{Index: 0, ContentHash: hash1, ChunkID: model.ChunkID(path, 0)},
	}))

	hash2 := HashBytes([]byte("v2 longer"))
	require.NoError(t, tr.RecordIngestion(context.Background(), path, hash2, []model.ChunkRef{
		{Index: 0, ContentHash: hash2, ChunkID: model.ChunkID(path, 0)},
		{Index: 1, ContentHash: hash2, ChunkID: model.ChunkID(path, 1)},
	}))

	stats, err := tr.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sources)
	assert.Equal(t, 2, stats.ActiveChunks)
	assert.Equal(t, 0, stats.SupersededChunks, "re-inserting idx 0 should refresh it in place, not supersede it")
}

func TestVacuum_RemovesOnlySupersededChunksPastGrace(t *testing.T) {
	tr := openTestTracker(t)
	path := writeFile(t, "v1")

	hash1 := HashBytes([]byte("v1"))
	require.NoError(t, tr.RecordIngestion(context.Background(), path, hash1, []model.ChunkRef{
		{Index: 0, ContentHash: hash1, ChunkID: model.ChunkID(path, 0)},
	}))

	// Fresh data has no superseded records, so vacuum removes nothing.
	n, err := tr.Vacuum(context.Background(), 0, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats, err := tr.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveChunks)

	// Re-ingesting with no chunks supersedes idx 0; it is kept until the
	// grace period has passed.
	require.NoError(t, tr.RecordIngestion(context.Background(), path, HashBytes([]byte("v2")), nil))
	n, err = tr.Vacuum(context.Background(), time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = tr.Vacuum(context.Background(), 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStats_CountsAcrossSources(t *testing.T) {
	tr := openTestTracker(t)
	pathA := writeFile(t, "a")
	pathB := writeFile(t, "b")

	hashA := HashBytes([]byte("a"))
	hashB := HashBytes([]byte("b"))
	require.NoError(t, tr.RecordIngestion(context.Background(), pathA, hashA, []model.ChunkRef{
		{Index: 0, ContentHash: hashA, ChunkID: model.ChunkID(pathA, 0)},
	}))
	require.NoError(t, tr.RecordIngestion(context.Background(), pathB, hashB, []model.ChunkRef{
		{Index: 0, ContentHash: hashB, ChunkID: model.ChunkID(pathB, 0)},
		{Index: 1, ContentHash: hashB, ChunkID: model.ChunkID(pathB, 1)},
	}))

	stats, err := tr.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sources)
	assert.Equal(t, 3, stats.ActiveChunks)
}
