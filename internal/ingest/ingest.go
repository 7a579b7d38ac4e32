// Package ingest implements the Ingest Pipeline (C4): path expansion,
// tracker-gated chunking, context-window splitting, parallel embedding,
// adaptive-parallel semantic-key generation, and batched upsert (spec §4.4).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"atlas/internal/atlaserr"
	"atlas/internal/config"
	"atlas/internal/metrics"
	"atlas/internal/model"
	"atlas/internal/pipeline"
	"atlas/internal/registry"
	"atlas/internal/storage"
	"atlas/internal/tokest"
	"atlas/internal/tracker"
)

// Pipeline wires the File Tracker, Backend Registry, and Storage Service
// into the C4 stage sequence.
type Pipeline struct {
	Registry *registry.Registry
	Tracker  *tracker.Tracker
	Storage  *storage.Service
	Config   config.IngestConfig
	Gate     *PauseGate // consolidation gating; nil disables gating

	// OnBatchStored, if set, is called with the size of each batch
	// immediately after its upsert succeeds — the C10 watchdog's
	// record_ingestion(n) hook (spec §4.10).
	OnBatchStored func(n int)

	// Metrics receives per-run counters; a nil value (the zero Pipeline) is
	// safe and simply records nothing.
	Metrics metrics.Sink
}

// New builds a Pipeline. A nil gate means ingestion never blocks for
// consolidation (used by tests and one-shot CLI ingests run with the daemon
// absent).
func New(reg *registry.Registry, tr *tracker.Tracker, store *storage.Service, cfg config.IngestConfig, gate *PauseGate) *Pipeline {
	return &Pipeline{Registry: reg, Tracker: tr, Storage: store, Config: cfg, Gate: gate}
}

// FileError pairs a failed path with the underlying error (spec §4.4
// failure semantics).
type FileError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// Result is the outcome of one ingest run (spec §6.1 IngestResultDTO).
type Result struct {
	FilesProcessed  int
	ChunksStored    int
	SkippedFiles    int
	Errors          []FileError
	Duration        time.Duration
	PeakMemoryBytes uint64
}

// Options parametrizes one Run call.
type Options struct {
	RootDir      string
	Recursive    bool
	ExistingKeys []string
}

// Run executes the full C4 stage sequence over paths.
func (p *Pipeline) Run(ctx context.Context, paths []string, opts Options) (Result, error) {
	start := time.Now()
	files, err := expandPaths(paths, opts.RootDir, opts.Recursive)
	if err != nil {
		return Result{}, err
	}

	useHNSWToggle := len(files) > p.Config.HNSWFileThreshold
	var result Result

	run := func() error {
		for _, file := range files {
			// Gating happens per batch, inside upsertBatch's Enter/Leave —
			// a pause arriving mid-file must still block that file's later
			// batches, not just the next file.
			stored, skipped, ferr := p.ingestFile(ctx, file, opts.ExistingKeys)
			result.ChunksStored += stored
			if skipped {
				result.SkippedFiles++
				p.emit(ctx, "file.skipped", map[string]any{"file": file})
				continue
			}
			result.FilesProcessed++
			if ferr != nil {
				result.Errors = append(result.Errors, FileError{File: file, Error: ferr.Error()})
				log.Warn().Err(ferr).Str("file", file).Msg("ingest: file failed, continuing with remaining files")
				if p.Metrics != nil {
					p.Metrics.IncCounter("atlas.ingest.files_failed", nil)
				}
				continue
			}
			p.emit(ctx, "file.completed", map[string]any{"file": file, "chunks_stored": stored})
			if p.Metrics != nil {
				p.Metrics.IncCounter("atlas.ingest.files_processed", nil)
			}
			if alloc := currentAllocBytes(); alloc > result.PeakMemoryBytes {
				result.PeakMemoryBytes = alloc
			}
		}
		return nil
	}

	if useHNSWToggle && p.Storage.Vector != nil {
		collection := p.collectionForDimension(ctx)
		if collection != "" {
			if err := p.Storage.Vector.WithHNSWDisabled(ctx, collection, run); err != nil {
				p.emit(ctx, "ingest.error", map[string]any{"error": err.Error()})
				return result, err
			}
		} else if err := run(); err != nil {
			return result, err
		}
	} else if err := run(); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	p.emit(ctx, "ingest.completed", map[string]any{
		"files_processed": result.FilesProcessed,
		"chunks_stored":   result.ChunksStored,
		"errors":          len(result.Errors),
	})
	if p.Metrics != nil {
		p.Metrics.ObserveHistogram("atlas.ingest.duration_ms", float64(result.Duration.Milliseconds()), nil)
	}
	return result, nil
}

// collectionForDimension guesses the active text-embedding collection for
// the HNSW toggle; a best-effort probe since the real collection is only
// known once the first chunk is embedded.
func (p *Pipeline) collectionForDimension(ctx context.Context) string {
	provider, err := p.Registry.Select(registry.CapTextEmbedding)
	if err != nil {
		return ""
	}
	embedder, ok := provider.(registry.CanEmbedText)
	if !ok {
		return ""
	}
	return config.CollectionName(embedder.Dimension())
}

// currentAllocBytes samples heap allocation for Result.PeakMemoryBytes
// (spec §6.2 IngestResultDTO.peakMemoryBytes); a coarse per-file sample, not
// a continuous profiler.
func currentAllocBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

func (p *Pipeline) emit(ctx context.Context, eventType string, payload map[string]any) {
	p.Storage.PublishEvent(ctx, storage.Event{Type: eventType, Payload: payload, Timestamp: time.Now().Unix()})
}

// ingestFile runs stages 2-7 for one file. Returns (chunksStored, skipped, err).
func (p *Pipeline) ingestFile(ctx context.Context, path string, existingKeys []string) (int, bool, error) {
	check, err := p.Tracker.NeedsIngestion(ctx, path)
	if err != nil {
		return 0, false, fmt.Errorf("ingest: tracker check: %w", err)
	}
	if !check.Needs {
		return 0, true, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s", atlaserr.ErrUnreadableFile, err)
	}
	contentType := DetectContentType(path)
	rawChunks := Split(string(data), contentType, p.Config.ChunkMinChars)
	if len(rawChunks) == 0 {
		return 0, false, nil
	}

	docs := splitByContextWindow(rawChunks, p.Config.ContextSafeLimit)

	var totalStored int
	var refs []model.ChunkRef
	globalBase := 0
	p.emit(ctx, "file.started", map[string]any{"file": path, "chunks": len(rawChunks)})
	for _, doc := range docs {
		enriched, err := p.enrichDocument(ctx, path, contentType, doc, globalBase, existingKeys)
		if err != nil {
			return totalStored, false, err
		}
		globalBase += len(doc.chunks)

		batches := batchEnriched(enriched, p.Config.BatchSize, time.Duration(p.Config.BatchTimeoutMs)*time.Millisecond)
		for batch := range batches {
			if err := p.upsertBatch(ctx, batch); err != nil {
				return totalStored, false, fmt.Errorf("ingest: upsert batch: %w", err)
			}
			totalStored += len(batch)
			if p.OnBatchStored != nil {
				p.OnBatchStored(len(batch))
			}
			for _, e := range batch {
				refs = append(refs, model.ChunkRef{Index: e.chunk.ChunkIndex, ContentHash: e.contentHash, ChunkID: e.chunk.ID})
			}
		}
	}

	contentHash := tracker.HashBytes(data)
	if err := p.Tracker.RecordIngestion(ctx, path, contentHash, refs); err != nil {
		return totalStored, false, fmt.Errorf("ingest: record ingestion: %w", err)
	}
	return totalStored, false, nil
}

// subDocument is one context-window-sized group of chunks (spec §4.4 stage 3).
type subDocument struct {
	chunks     []TextChunk
	splitIndex int
	splitTotal int
}

// splitByContextWindow groups chunks into sub-documents under safeTokenLimit,
// assigning split_index/split_total/chunk_index_global (spec §4.4 stage 3).
func splitByContextWindow(chunks []TextChunk, safeTokenLimit int) []subDocument {
	if safeTokenLimit <= 0 {
		return []subDocument{{chunks: chunks, splitIndex: 0, splitTotal: 1}}
	}

	var groups [][]TextChunk
	var current []TextChunk
	tokens := 0
	for _, c := range chunks {
		t := tokest.Count(c.Text)
		if tokens+t > safeTokenLimit && len(current) > 0 {
			groups = append(groups, current)
			current = nil
			tokens = 0
		}
		current = append(current, c)
		tokens += t
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	if len(groups) <= 1 {
		return []subDocument{{chunks: chunks, splitIndex: 0, splitTotal: 1}}
	}

	out := make([]subDocument, len(groups))
	for i, g := range groups {
		out[i] = subDocument{chunks: g, splitIndex: i, splitTotal: len(groups)}
	}
	return out
}

// enrichedChunk carries a chunk through embedding and key-generation.
type enrichedChunk struct {
	chunk       model.Chunk
	vectors     map[string][]float32
	contentHash string
}

func (p *Pipeline) enrichDocument(ctx context.Context, path string, contentType model.ContentType, doc subDocument, globalBase int, existingKeys []string) ([]enrichedChunk, error) {
	chunks := make([]model.Chunk, len(doc.chunks))
	for i, tc := range doc.chunks {
		now := time.Now().UTC()
		c := model.Chunk{
			ID:          model.ChunkID(path, globalBase+i),
			Text:        tc.Text,
			FilePath:    path,
			FileName:    filepath.Base(path),
			Extension:   filepath.Ext(path),
			ContentType: contentType,
			ChunkIndex:  i,
			TotalChunks: len(doc.chunks),
			CharCount:   len(tc.Text),
			CreatedAt:   now,
			Importance:  model.ImportanceNormal,
		}
		if doc.splitTotal > 1 {
			c.Split = &model.SplitMeta{SplitIndex: doc.splitIndex, SplitTotal: doc.splitTotal, ChunkIndexGlobal: globalBase + i}
		}
		chunks[i] = c
	}

	vectors, embedModel, strategy, err := p.embedChunks(ctx, contentType, chunks)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		p.emit(ctx, "chunk.embedded", map[string]any{"chunk_id": c.ID, "file": path})
	}

	keygenResults := pipeline.AdaptiveParallel(ctx, chunks, pipeline.AdaptivePolicy{
		Initial: p.Config.KeygenInitial, Min: p.Config.KeygenMin, Max: p.Config.KeygenMax,
	}, func(ctx context.Context, c model.Chunk) ([]string, error) {
		qntm, err := p.Registry.Select(registry.CapQNTMGeneration)
		if err != nil {
			return nil, nil // spec §4.4 stage 5: failures yield empty keys, not a chunk failure
		}
		gen, ok := qntm.(registry.CanGenerateQNTM)
		if !ok {
			return nil, nil
		}
		keys, _, err := gen.GenerateQNTM(ctx, c.Text, existingKeys, c.ConsolidationLevel)
		if err != nil {
			log.Warn().Err(err).Str("chunk_id", c.ID).Msg("ingest: qntm generation failed, continuing with empty keys")
			return nil, nil
		}
		return keys, nil
	})

	out := make([]enrichedChunk, len(chunks))
	for i, c := range chunks {
		c.EmbeddingModel = embedModel
		c.EmbeddingStrategy = strategy
		vectorNames := make([]string, 0, len(vectors[i]))
		for name := range vectors[i] {
			vectorNames = append(vectorNames, name)
		}
		c.VectorNames = vectorNames
		if keygenResults[i].Value != nil {
			c.QntmKeys = keygenResults[i].Value
		}
		out[i] = enrichedChunk{chunk: c, vectors: vectors[i], contentHash: tracker.HashBytes([]byte(c.Text))}
	}
	return out, nil
}

// embedChunks resolves the best embedding strategy available and returns a
// per-chunk vector set (spec §4.4 stage 4).
func (p *Pipeline) embedChunks(ctx context.Context, contentType model.ContentType, chunks []model.Chunk) ([]map[string][]float32, string, model.EmbeddingStrategy, error) {
	vectors := make([]map[string][]float32, len(chunks))
	for i := range vectors {
		vectors[i] = make(map[string][]float32)
	}

	var embedModel string
	var strategy model.EmbeddingStrategy

	if ctxProvider, err := p.Registry.Select(registry.CapContextualizedEmbedding); err == nil {
		if embedder, ok := ctxProvider.(registry.CanEmbedContextualized); ok {
			texts := make([]string, len(chunks))
			for i, c := range chunks {
				texts[i] = c.Text
			}
			embs, err := embedder.EmbedContextualized(ctx, texts)
			if err == nil && len(embs) == len(chunks) {
				for i, e := range embs {
					vectors[i]["text"] = e
				}
				embedModel = ctxProvider.Name()
				strategy = model.StrategyContextualized
			} else if err != nil {
				log.Warn().Err(err).Msg("ingest: contextualized embedding unavailable, falling back to snippet")
			}
		}
	}

	if strategy == "" {
		provider, err := p.Registry.Select(registry.CapTextEmbedding)
		if err != nil {
			return nil, "", "", fmt.Errorf("ingest: %w", err)
		}
		embedder, ok := provider.(registry.CanEmbedText)
		if !ok {
			return nil, "", "", fmt.Errorf("%w: text embedding provider lacks CanEmbedText", atlaserr.ErrCapabilityMismatch)
		}
		results := pipeline.Parallel(ctx, chunks, p.Config.EmbedConcurrency, func(ctx context.Context, c model.Chunk) ([]float32, error) {
			vecs, err := embedder.EmbedText(ctx, []string{c.Text})
			if err != nil || len(vecs) == 0 {
				return nil, err
			}
			return vecs[0], nil
		})
		for i, r := range results {
			if r.Err == nil {
				vectors[i]["text"] = r.Value
			}
		}
		embedModel = provider.Name()
		strategy = model.StrategySnippet
	}

	if contentType == model.ContentCode {
		if provider, err := p.Registry.Select(registry.CapCodeEmbedding); err == nil {
			if embedder, ok := provider.(registry.CanEmbedCode); ok {
				results := pipeline.Parallel(ctx, chunks, p.Config.EmbedConcurrency, func(ctx context.Context, c model.Chunk) ([]float32, error) {
					vecs, err := embedder.EmbedCode(ctx, []string{c.Text})
					if err != nil || len(vecs) == 0 {
						return nil, err
					}
					return vecs[0], nil
				})
				for i, r := range results {
					if r.Err == nil {
						vectors[i]["code"] = r.Value
					}
				}
			}
		}
	}

	return vectors, embedModel, strategy, nil
}

func batchEnriched(chunks []enrichedChunk, size int, timeout time.Duration) <-chan []enrichedChunk {
	in := make(chan enrichedChunk)
	go func() {
		defer close(in)
		for _, c := range chunks {
			in <- c
		}
	}()
	return pipeline.Batch(in, size, timeout)
}

func (p *Pipeline) upsertBatch(ctx context.Context, batch []enrichedChunk) error {
	if p.Gate != nil {
		p.Gate.Enter()
		defer p.Gate.Leave()
	}
	var errs []error
	for _, e := range batch {
		collection := config.CollectionName(dimensionOf(e.vectors))
		if err := p.Storage.UpsertChunk(ctx, collection, e.chunk, e.vectors); err != nil {
			errs = append(errs, err)
			continue
		}
		p.emit(ctx, "chunk.stored", map[string]any{"chunk_id": e.chunk.ID})
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func dimensionOf(vectors map[string][]float32) int {
	if v, ok := vectors["text"]; ok {
		return len(v)
	}
	for _, v := range vectors {
		return len(v)
	}
	return 0
}

// expandPaths resolves input paths to a flat file list, recursing
// directories when recursive is set, and rejecting anything outside rootDir
// (spec §4.4 stage 1).
func expandPaths(paths []string, rootDir string, recursive bool) ([]string, error) {
	var absRoot string
	if rootDir != "" {
		r, err := filepath.Abs(rootDir)
		if err != nil {
			return nil, err
		}
		absRoot = r
	}

	var out []string
	var walk func(string) error
	walk = func(p string) error {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		if absRoot != "" && !strings.HasPrefix(abs, absRoot+string(filepath.Separator)) && abs != absRoot {
			return fmt.Errorf("%w: %s", atlaserr.ErrPathOutsideRoot, p)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if !recursive {
				return fmt.Errorf("ingest: %s is a directory, pass --recursive", p)
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if err := walk(filepath.Join(abs, entry.Name())); err != nil {
					return err
				}
			}
			return nil
		}
		out = append(out, abs)
		return nil
	}

	for _, p := range paths {
		if err := walk(p); err != nil {
			return nil, err
		}
	}
	return out, nil
}
