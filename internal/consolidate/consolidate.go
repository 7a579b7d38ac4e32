// Package consolidate implements the Consolidation Engine (C5): hierarchical
// deduplication and abstraction over stored chunks (spec §4.5). It scrolls
// the vector store for chunks at the engine's Level (0 unless the caller sets
// it), finds near-duplicate neighbors,
// classifies each pair via an LLM, and applies one of three merge rules.
package consolidate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"atlas/internal/atlaserr"
	"atlas/internal/config"
	"atlas/internal/metrics"
	"atlas/internal/model"
	"atlas/internal/prompts"
	"atlas/internal/registry"
	"atlas/internal/storage"
)

const classifyPromptID = "consolidation-classify"

// Engine is the Consolidation Engine. It holds no per-run state; Run and
// Vacuum are safe to invoke repeatedly from the watchdog's poll loop.
type Engine struct {
	Store      *storage.Service
	Collection string
	Registry   *registry.Registry
	Prompts    *prompts.Registry
	Config     config.ConsolidationConfig
	GracePeriod time.Duration

	// Level is the consolidation_level scrolled for candidate discovery;
	// zero (the default) is the level-0 raw-chunk pass. A caller overriding
	// this to 1 recurses the same machinery over level-1 clusters to reach
	// level 2 (spec §4.5 "higher levels emerge when level-1 clusters
	// themselves become candidates").
	Level int

	// QNTMKeyFilter, when non-empty, restricts Run to candidate pairs where
	// at least one side carries this semantic key (spec §6.2
	// ConsolidateParams.qntmKeyFilter).
	QNTMKeyFilter string

	// Metrics receives per-run counters; nil records nothing.
	Metrics metrics.Sink
}

// New builds an Engine over a single vector collection (one per embedding
// dimension, per §4.6 — a deployment with multiple embedding backends runs
// one Engine per collection).
func New(store *storage.Service, collection string, reg *registry.Registry, pr *prompts.Registry, cfg config.ConsolidationConfig, gracePeriod time.Duration) *Engine {
	return &Engine{Store: store, Collection: collection, Registry: reg, Prompts: pr, Config: cfg, GracePeriod: gracePeriod}
}

type candidatePair struct {
	MinID, MaxID string
	Similarity   float64
}

type classification struct {
	Type      model.ConsolidationType
	Direction model.Direction
	Reasoning string
	Keep      string // first|second|merge
}

var fallbackClassification = classification{
	Type: model.ConsolidationDuplicateWork, Direction: model.DirectionUnknown,
	Reasoning: "classification failed", Keep: "first",
}

// Result is the consolidation run's public contract (spec §4.5 "no
// speculative fields" — exactly these five, nothing more).
type Result struct {
	ConsolidationsPerformed int
	ChunksAbsorbed          int
	CandidatesEvaluated     int
	TypeBreakdown           map[string]int
	DurationMs              int64
}

// Run discovers candidates, classifies each, and applies the matching merge
// rule, up to Config.CandidateLimit pairs.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	result := Result{TypeBreakdown: map[string]int{}}

	candidates, err := e.discoverCandidates(ctx)
	if err != nil {
		return result, fmt.Errorf("consolidate: discover candidates: %w", err)
	}
	result.CandidatesEvaluated = len(candidates)

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			break
		}
		a, b, err := e.fetchPair(ctx, cand)
		if err != nil {
			log.Warn().Err(err).Str("a", cand.MinID).Str("b", cand.MaxID).Msg("consolidate: fetch candidate pair failed")
			continue
		}
		if e.QNTMKeyFilter != "" && !hasKey(a.QntmKeys, e.QNTMKeyFilter) && !hasKey(b.QntmKeys, e.QNTMKeyFilter) {
			continue
		}
		cls := e.classify(ctx, a, b)
		absorbed, err := e.applyMergeRule(ctx, a, b, cls)
		if err != nil {
			log.Warn().Err(err).Str("a", a.ID).Str("b", b.ID).Msg("consolidate: merge rule failed")
			continue
		}
		result.ConsolidationsPerformed++
		result.ChunksAbsorbed += absorbed
		result.TypeBreakdown[string(cls.Type)]++
		if e.Metrics != nil {
			e.Metrics.IncCounter("atlas.consolidate.performed", map[string]string{"type": string(cls.Type)})
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	if e.Metrics != nil {
		e.Metrics.ObserveHistogram("atlas.consolidate.duration_ms", float64(result.DurationMs), nil)
	}
	return result, nil
}

// discoverCandidates scrolls non-deletion-eligible chunks at e.Level and finds
// each one's nearest neighbors, canonicalizing pairs as (min_id, max_id) to
// deduplicate symmetric matches.
func (e *Engine) discoverCandidates(ctx context.Context) ([]candidatePair, error) {
	limit := e.Config.CandidateLimit
	if limit <= 0 {
		limit = 50
	}
	threshold := e.Config.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.92
	}

	seen := make(map[string]bool)
	var pairs []candidatePair
	offset := ""
	for {
		points, next, err := e.Store.Vector.Scroll(ctx, e.Collection, storage.ScrollParams{
			Filter:     map[string]any{"consolidation_level": e.Level, "deletion_eligible": false},
			Limit:      100,
			Offset:     offset,
			WithVector: true,
		})
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			vecName, vec := firstVector(p.Vectors)
			if vec == nil {
				continue
			}
			hits, err := e.Store.Vector.Search(ctx, e.Collection, storage.SearchParams{
				Vector: vec, VectorName: vecName, Limit: 6, ScoreThreshold: threshold,
			})
			if err != nil {
				continue
			}
			for _, h := range hits {
				if h.ID == p.ID {
					continue
				}
				min, max := canonicalPair(p.ID, h.ID)
				key := min + "|" + max
				if seen[key] {
					continue
				}
				seen[key] = true
				pairs = append(pairs, candidatePair{MinID: min, MaxID: max, Similarity: h.Score})
				if len(pairs) >= limit {
					return pairs, nil
				}
			}
		}
		if next == "" {
			break
		}
		offset = next
	}
	return pairs, nil
}

func (e *Engine) fetchPair(ctx context.Context, cand candidatePair) (model.Chunk, model.Chunk, error) {
	points, err := e.Store.Vector.Retrieve(ctx, e.Collection, []string{cand.MinID, cand.MaxID})
	if err != nil {
		return model.Chunk{}, model.Chunk{}, err
	}
	byID := make(map[string]storage.Point, len(points))
	for _, p := range points {
		byID[p.ID] = p
	}
	a, okA := byID[cand.MinID]
	b, okB := byID[cand.MaxID]
	if !okA || !okB {
		return model.Chunk{}, model.Chunk{}, fmt.Errorf("consolidate: candidate chunk vanished before classification")
	}
	return storage.ChunkFromPayload(a.Payload), storage.ChunkFromPayload(b.Payload), nil
}

// classify renders the consolidation-classify prompt and invokes a
// json-completion-capable provider, degrading to the spec's documented
// fallback on any parse or selection failure (§4.5).
func (e *Engine) classify(ctx context.Context, a, b model.Chunk) classification {
	variant, err := e.Prompts.Select(classifyPromptID, prompts.SelectOpts{
		AvailableCapabilities: map[registry.Capability]bool{registry.CapJSONCompletion: true},
	})
	if err != nil {
		return fallbackClassification
	}
	rendered, err := prompts.Render(variant.Template, map[string]string{
		"chunk_a_text":       a.Text,
		"chunk_b_text":       b.Text,
		"chunk_a_keys":       strings.Join(a.QntmKeys, ", "),
		"chunk_b_keys":       strings.Join(b.QntmKeys, ", "),
		"chunk_a_created_at": a.CreatedAt.UTC().Format(time.RFC3339),
		"chunk_b_created_at": b.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fallbackClassification
	}

	provider, err := e.Registry.Select(registry.CapJSONCompletion)
	if err != nil {
		return fallbackClassification
	}
	completer, ok := provider.(registry.CanCompleteJSON)
	if !ok {
		return fallbackClassification
	}

	var parsed struct {
		Type      string `json:"type"`
		Direction string `json:"direction"`
		Reasoning string `json:"reasoning"`
		Keep      string `json:"keep"`
	}
	if err := completer.CompleteJSON(ctx, rendered, "", &parsed); err != nil {
		log.Warn().Err(err).Msg("consolidate: classification completion failed, defaulting")
		return fallbackClassification
	}

	cls := classification{
		Type:      model.ConsolidationType(parsed.Type),
		Direction: model.Direction(parsed.Direction),
		Reasoning: parsed.Reasoning,
		Keep:      parsed.Keep,
	}
	if !cls.valid() {
		return fallbackClassification
	}
	return cls
}

func (c classification) valid() bool {
	switch c.Type {
	case model.ConsolidationDuplicateWork, model.ConsolidationSequentialIteration, model.ConsolidationContextualConvergence:
	default:
		return false
	}
	switch c.Keep {
	case "first", "second", "merge":
	default:
		return false
	}
	return true
}

func (e *Engine) applyMergeRule(ctx context.Context, a, b model.Chunk, cls classification) (int, error) {
	switch {
	case cls.Type == model.ConsolidationContextualConvergence || cls.Keep == "merge":
		return e.synthesize(ctx, a, b, cls)
	case cls.Type == model.ConsolidationSequentialIteration:
		return e.promoteSequential(ctx, a, b, cls)
	default:
		return e.dedupe(ctx, a, b, cls)
	}
}

// dedupe implements duplicate_work/keep=first|second: the other chunk is
// marked deletion-eligible and superseded; the keeper absorbs its qntm keys
// and gains it as a parent. consolidation_level is left unchanged.
func (e *Engine) dedupe(ctx context.Context, a, b model.Chunk, cls classification) (int, error) {
	keeper, other := a, b
	if cls.Keep == "second" {
		keeper, other = b, a
	}

	now := time.Now()
	other.DeletionEligible = true
	other.DeletionMarkedAt = &now
	other.SupersededBy = keeper.ID

	keeper.QntmKeys = unionKeys(keeper.QntmKeys, other.QntmKeys)
	if keeper.Consolidation == nil {
		keeper.Consolidation = &model.ConsolidationFields{}
	}
	keeper.Consolidation.Parents = append(keeper.Consolidation.Parents, other.ID)
	keeper.Consolidation.OccurrenceTimes = append(keeper.Consolidation.OccurrenceTimes, other.CreatedAt)

	if err := e.writeChunk(ctx, keeper); err != nil {
		return 0, err
	}
	if err := e.writeChunk(ctx, other); err != nil {
		return 0, err
	}
	return 1, nil
}

// promoteSequential implements sequential_iteration: the later chunk (per
// Direction) is promoted to consolidation_level 1 and records why.
func (e *Engine) promoteSequential(ctx context.Context, a, b model.Chunk, cls classification) (int, error) {
	// forward: a precedes b, so b is the later state; backward: the reverse.
	// convergent/unknown name no later state and promote a.
	keeper := a
	if cls.Direction == model.DirectionForward {
		keeper = b
	}
	keeper.ConsolidationLevel = 1
	if keeper.Consolidation == nil {
		keeper.Consolidation = &model.ConsolidationFields{}
	}
	keeper.Consolidation.Type = cls.Type
	keeper.Consolidation.Direction = cls.Direction
	keeper.Consolidation.Reasoning = cls.Reasoning

	if err := e.writeChunk(ctx, keeper); err != nil {
		return 0, err
	}
	return 1, nil
}

// synthesize implements contextual_convergence/keep=merge: a new chunk at a
// higher consolidation level is generated from both sources (via a
// CanCompleteText provider when available, else plain concatenation), and
// both sources become deletion_eligible.
func (e *Engine) synthesize(ctx context.Context, a, b model.Chunk, cls classification) (int, error) {
	level := a.ConsolidationLevel
	if b.ConsolidationLevel > level {
		level = b.ConsolidationLevel
	}
	level++

	text := a.Text + "\n\n" + b.Text
	if provider, err := e.Registry.Select(registry.CapTextCompletion); err == nil {
		if completer, ok := provider.(registry.CanCompleteText); ok {
			prompt := fmt.Sprintf("Synthesize a single passage covering both of the following notes without losing information:\n\n%s\n\n---\n\n%s", a.Text, b.Text)
			if out, err := completer.CompleteText(ctx, prompt, ""); err == nil && strings.TrimSpace(out) != "" {
				text = out
			}
		}
	}

	merged := model.Chunk{
		ID:                 "chunk:consolidated:" + uuid.NewString(),
		Text:               text,
		FilePath:           a.FilePath,
		FileName:           a.FileName,
		Extension:          a.Extension,
		ContentType:        a.ContentType,
		ChunkIndex:         0,
		TotalChunks:        1,
		CharCount:          len(text),
		CreatedAt:          time.Now(),
		Importance:         model.ImportanceNormal,
		ConsolidationLevel: level,
		QntmKeys:           unionKeys(a.QntmKeys, b.QntmKeys),
		Consolidation: &model.ConsolidationFields{
			Type: cls.Type, Direction: cls.Direction, Reasoning: cls.Reasoning,
			Parents:         []string{a.ID, b.ID},
			OccurrenceTimes: []time.Time{a.CreatedAt, b.CreatedAt},
		},
	}

	vectors := map[string][]float32{}
	if provider, err := e.Registry.Select(registry.CapTextEmbedding); err == nil {
		if embedder, ok := provider.(registry.CanEmbedText); ok {
			if vecs, err := embedder.EmbedText(ctx, []string{text}); err == nil && len(vecs) > 0 {
				vectors["text"] = vecs[0]
				merged.EmbeddingModel = provider.Name()
				merged.EmbeddingStrategy = model.StrategyContextualized
				merged.VectorNames = []string{"text"}
			}
		}
	}
	if err := e.Store.UpsertChunk(ctx, e.Collection, merged, vectors); err != nil {
		return 0, fmt.Errorf("consolidate: store synthesized chunk: %w", err)
	}

	now := time.Now()
	for _, src := range []model.Chunk{a, b} {
		src.DeletionEligible = true
		src.DeletionMarkedAt = &now
		src.SupersededBy = merged.ID
		if err := e.writeChunk(ctx, src); err != nil {
			return 1, err
		}
	}
	return 2, nil
}

func (e *Engine) writeChunk(ctx context.Context, c model.Chunk) error {
	return e.Store.Vector.SetPayload(ctx, e.Collection, []string{c.ID}, storage.ChunkPayload(c))
}

// VacuumResult reports a vacuum pass's outcome.
type VacuumResult struct {
	Candidates   int
	Deleted      int
	DryRun       bool
	CandidateIDs []string // chunk ids that are (or would be) deleted
}

// Vacuum deletes chunks marked deletion_eligible whose deletion_marked_at is
// past the grace period. Force bypasses the grace period; DryRun reports
// candidates without mutating storage (spec §4.5).
func (e *Engine) Vacuum(ctx context.Context, force, dryRun bool) (VacuumResult, error) {
	cutoff := time.Now().Add(-e.GracePeriod)

	var toDelete []string
	offset := ""
	for {
		points, next, err := e.Store.Vector.Scroll(ctx, e.Collection, storage.ScrollParams{
			Filter: map[string]any{"deletion_eligible": true},
			Limit:  200,
			Offset: offset,
		})
		if err != nil {
			return VacuumResult{}, err
		}
		for _, p := range points {
			c := storage.ChunkFromPayload(p.Payload)
			if force || (c.DeletionMarkedAt != nil && c.DeletionMarkedAt.Before(cutoff)) {
				toDelete = append(toDelete, c.ID)
			}
		}
		if next == "" {
			break
		}
		offset = next
	}

	result := VacuumResult{Candidates: len(toDelete), DryRun: dryRun, CandidateIDs: toDelete}
	if dryRun || len(toDelete) == 0 {
		return result, nil
	}
	if err := e.Store.Delete(ctx, e.Collection, toDelete); err != nil {
		return result, fmt.Errorf("%w: %v", atlaserr.ErrStorageUnreachable, err)
	}
	result.Deleted = len(toDelete)
	return result, nil
}

func canonicalPair(x, y string) (string, string) {
	if x < y {
		return x, y
	}
	return y, x
}

func firstVector(vectors map[string][]float32) (string, []float32) {
	for _, name := range []string{"text", "code", "media"} {
		if v, ok := vectors[name]; ok {
			return name, v
		}
	}
	for name, v := range vectors {
		return name, v
	}
	return "", nil
}

func hasKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func unionKeys(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, k := range append(append([]string{}, a...), b...) {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
