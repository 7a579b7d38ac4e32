// Package search implements the Search Service (C7): query expansion, dense
// vector search, optional hybrid full-text fusion, filtering, reranking, and
// the timeline view (spec §4.7), grounded on the teacher's
// internal/rag/retrieve package (BuildQueryPlan, FuseRRF, Reranker, snippet
// generation), adapted to Atlas's Chunk-shaped payloads.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"atlas/internal/metrics"
	"atlas/internal/model"
	"atlas/internal/prompts"
	"atlas/internal/registry"
	"atlas/internal/storage"
)

const queryExpansionPromptID = "query-expansion"

// Params is the single entry point's request shape (spec §4.7).
type Params struct {
	Query              string
	Limit              int
	Since, Until       time.Time
	QNTMKey            string
	Rerank             bool
	RerankTopK         int
	ExpandQuery        bool
	HybridSearch       bool
	ConsolidationLevel *int
	ContentType        model.ContentType
	AgentRole          string
	Temperature        string // "hot"|"warm"|"cold", derived bucket over access_count/recency
}

// Result is one surfaced hit. Score is always in [0,1]; a result list is
// always sorted descending by Score (spec §4.7 contract). Hits with equal
// scores are not separated, so such a list is non-increasing rather than
// strictly decreasing.
type Result struct {
	ID       string
	Score    float64
	Snippet  string
	Text     string
	Metadata map[string]any
	Chunk    model.Chunk
}

// Service is the Search Service over a single vector collection.
type Service struct {
	Store      *storage.Service
	Collection string
	Registry   *registry.Registry
	Prompts    *prompts.Registry
	Metrics    metrics.Sink // nil records nothing
	links      *causalLinkStore
}

// New builds a Service. pr may be nil when query expansion is never used.
func New(store *storage.Service, collection string, reg *registry.Registry, pr *prompts.Registry) *Service {
	return &Service{Store: store, Collection: collection, Registry: reg, Prompts: pr, links: newCausalLinkStore(store.Cache)}
}

// Search runs the six-stage algorithm in spec §4.7.
func (s *Service) Search(ctx context.Context, p Params) ([]Result, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, fmt.Errorf("search: query is required")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}
	rerankTopK := p.RerankTopK
	if rerankTopK <= 0 {
		rerankTopK = 3 * limit
	}

	queries := []string{p.Query}
	if p.ExpandQuery {
		if variants, err := s.expandQuery(ctx, p.Query); err == nil {
			queries = append(queries, variants...)
		}
	}

	dense, err := s.denseSearch(ctx, queries, rerankTopK, serverFilter(p))
	if err != nil {
		return nil, fmt.Errorf("search: dense search: %w", err)
	}

	results := dense
	if p.HybridSearch && s.Store.FullText != nil {
		ftHits, err := s.Store.FullText.Search(ctx, p.Query, rerankTopK)
		if err == nil {
			results = fuseHybrid(dense, ftHits)
		}
	}

	results = filterClientSide(results, p)

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if p.Rerank {
		topK := results
		if len(topK) > rerankTopK {
			topK = topK[:rerankTopK]
		}
		rest := results[len(topK):]
		reranked, err := s.rerank(ctx, p.Query, topK)
		if err == nil {
			results = append(reranked, rest...)
			sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
		}
	}

	if len(results) > limit {
		results = results[:limit]
	}
	if s.Metrics != nil {
		s.Metrics.IncCounter("atlas.search.queries", nil)
		s.Metrics.ObserveHistogram("atlas.search.results_returned", float64(len(results)), nil)
	}
	return results, nil
}

// expandQuery invokes the query-expansion prompt, expecting a JSON object
// with a "variants" array of 2-4 alternative phrasings.
func (s *Service) expandQuery(ctx context.Context, query string) ([]string, error) {
	if s.Prompts == nil {
		return nil, fmt.Errorf("search: no prompt registry configured")
	}
	variant, err := s.Prompts.Select(queryExpansionPromptID, prompts.SelectOpts{
		AvailableCapabilities: map[registry.Capability]bool{registry.CapJSONCompletion: true},
	})
	if err != nil {
		return nil, err
	}
	rendered, err := prompts.Render(variant.Template, map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	provider, err := s.Registry.Select(registry.CapJSONCompletion)
	if err != nil {
		return nil, err
	}
	completer, ok := provider.(registry.CanCompleteJSON)
	if !ok {
		return nil, fmt.Errorf("search: selected json-completion provider has no CompleteJSON method")
	}
	var parsed struct {
		Variants []string `json:"variants"`
	}
	if err := completer.CompleteJSON(ctx, rendered, "", &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Variants) > 4 {
		parsed.Variants = parsed.Variants[:4]
	}
	return parsed.Variants, nil
}

// denseSearch embeds every query variant, searches the default "text" named
// vector for each, and combines hits by maximum score per chunk id.
func (s *Service) denseSearch(ctx context.Context, queries []string, limit int, filter map[string]any) ([]Result, error) {
	embedder, err := s.Registry.Select(registry.CapTextEmbedding)
	if err != nil {
		return nil, err
	}
	ce, ok := embedder.(registry.CanEmbedText)
	if !ok {
		return nil, fmt.Errorf("search: selected embedding provider has no EmbedText method")
	}

	best := make(map[string]Result)
	for _, q := range queries {
		vecs, err := ce.EmbedText(ctx, []string{q})
		if err != nil || len(vecs) == 0 {
			continue
		}
		hits, err := s.Store.Vector.Search(ctx, s.Collection, storage.SearchParams{
			Vector: vecs[0], VectorName: "text", Limit: limit, Filter: filter,
		})
		if err != nil {
			continue
		}
		for _, h := range hits {
			if existing, ok := best[h.ID]; !ok || h.Score > existing.Score {
				best[h.ID] = resultFromVector(h)
			}
		}
	}
	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func resultFromVector(h storage.VectorResult) Result {
	chunk := storage.ChunkFromPayload(h.Payload)
	score := h.Score
	if score < 0 {
		score = 0 // cosine similarity of opposed vectors
	}
	return Result{ID: h.ID, Score: score, Text: chunk.Text, Metadata: h.Payload, Chunk: chunk}
}

// serverFilter returns the filters the vector store's equality-based Filter
// can express directly; ranged/derived filters are applied client-side.
func serverFilter(p Params) map[string]any {
	f := map[string]any{}
	if p.ConsolidationLevel != nil {
		f["consolidation_level"] = *p.ConsolidationLevel
	}
	if p.ContentType != "" {
		f["content_type"] = string(p.ContentType)
	}
	return f
}

func filterClientSide(results []Result, p Params) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		c := r.Chunk
		if c.DeletionEligible {
			continue // excluded unless explicitly requested; no request path exposes this yet
		}
		if !p.Since.IsZero() && c.CreatedAt.Before(p.Since) {
			continue
		}
		if !p.Until.IsZero() && c.CreatedAt.After(p.Until) {
			continue
		}
		if p.QNTMKey != "" && !containsString(c.QntmKeys, p.QNTMKey) {
			continue
		}
		if p.Temperature != "" && temperatureBucket(c) != p.Temperature {
			continue
		}
		out = append(out, r)
	}
	return out
}

// temperatureBucket derives a coarse "hotness" label from access count and
// recency (spec §4.7 "temperature"). Thresholds are a deliberate, documented
// simplification — the spec names the concept but not its exact cutoffs.
func temperatureBucket(c model.Chunk) string {
	age := time.Since(c.CreatedAt)
	switch {
	case c.AccessCount >= 10 && age < 7*24*time.Hour:
		return "hot"
	case c.AccessCount >= 2 || age < 30*24*time.Hour:
		return "warm"
	default:
		return "cold"
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// rerank takes the top items, invokes the rerank capability with the
// original query, and replaces scores with normalized reranker scores.
func (s *Service) rerank(ctx context.Context, query string, items []Result) ([]Result, error) {
	provider, err := s.Registry.Select(registry.CapReranking)
	if err != nil {
		return items, err
	}
	reranker, ok := provider.(registry.CanRerank)
	if !ok {
		return items, fmt.Errorf("search: selected rerank provider has no Rerank method")
	}
	docs := make([]string, len(items))
	for i, r := range items {
		docs[i] = r.Text
	}
	scores, err := reranker.Rerank(ctx, query, docs)
	if err != nil || len(scores) != len(items) {
		return items, err
	}
	maxScore := 0.0
	for _, sc := range scores {
		if sc > maxScore {
			maxScore = sc
		}
	}
	out := make([]Result, len(items))
	for i, r := range items {
		r.Score = scores[i]
		if maxScore > 0 {
			r.Score = scores[i] / maxScore
		}
		out[i] = r
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// fuseHybrid combines dense results with full-text hits via reciprocal rank
// fusion, normalized into [0,1] (spec §4.7 stage 3), adapted from the
// teacher's FuseRRF (internal/rag/retrieve/fusion.go) which itself does not
// normalize — Atlas's contract requires [0,1] scores on every surfaced result.
func fuseHybrid(dense []Result, ft []storage.FullTextResult) []Result {
	const k = 60.0
	densePos := make(map[string]int, len(dense))
	byID := make(map[string]Result, len(dense)+len(ft))
	for i, r := range dense {
		densePos[r.ID] = i + 1
		byID[r.ID] = r
	}
	ftPos := make(map[string]int, len(ft))
	for i, r := range ft {
		ftPos[r.ID] = i + 1
		if _, ok := byID[r.ID]; !ok {
			byID[r.ID] = Result{ID: r.ID, Snippet: r.Snippet, Text: r.Text, Metadata: toAnyMap(r.Metadata)}
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	fused := make(map[string]float64, len(ids))
	maxFused := 0.0
	for _, id := range ids {
		var f float64
		if dp, ok := densePos[id]; ok {
			f += 1.0 / (k + float64(dp))
		}
		if fp, ok := ftPos[id]; ok {
			f += 1.0 / (k + float64(fp))
		}
		fused[id] = f
		if f > maxFused {
			maxFused = f
		}
	}

	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		r := byID[id]
		if maxFused > 0 {
			r.Score = fused[id] / maxFused
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
