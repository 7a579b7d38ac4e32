package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"atlas/internal/model"
)

// Service is the Storage Service (C6): a vector tier (required) plus
// optional full-text and cache tiers. Writes to the optional tiers are
// best-effort — a failure there is logged, not propagated, per §4.6's
// dual-write semantics ("the vector store is authoritative").
type Service struct {
	Vector   VectorStore
	FullText FullTextStore // nil when disabled
	Cache    Cache         // nil when disabled
}

// New assembles a Service. fullText and cache may be nil.
func New(vector VectorStore, fullText FullTextStore, cache Cache) *Service {
	return &Service{Vector: vector, FullText: fullText, Cache: cache}
}

// ChunkPayload renders a Chunk into the payload map stored alongside its
// vectors, matching the chunk schema bit-for-bit (spec §3 invariant).
func ChunkPayload(c model.Chunk) map[string]any {
	payload := map[string]any{
		"id":                  c.ID,
		"text":                c.Text,
		"file_path":           c.FilePath,
		"file_name":           c.FileName,
		"extension":           c.Extension,
		"content_type":        string(c.ContentType),
		"chunk_index":         c.ChunkIndex,
		"total_chunks":        c.TotalChunks,
		"char_count":          c.CharCount,
		"created_at":          c.CreatedAt.UTC().Format(time.RFC3339),
		"importance":          string(c.Importance),
		"consolidation_level": c.ConsolidationLevel,
		"embedding_model":     c.EmbeddingModel,
		"embedding_strategy":  string(c.EmbeddingStrategy),
		"vector_names":        c.VectorNames,
		"qntm_keys":           c.QntmKeys,
		"reprocess_count":     c.ReprocessCount,
		"access_count":        c.AccessCount,
		"deletion_eligible":   c.DeletionEligible,
	}
	if c.Split != nil {
		payload["split_index"] = c.Split.SplitIndex
		payload["split_total"] = c.Split.SplitTotal
		payload["chunk_index_global"] = c.Split.ChunkIndexGlobal
	}
	if c.Consolidation != nil {
		payload["consolidation_type"] = string(c.Consolidation.Type)
		payload["direction"] = string(c.Consolidation.Direction)
		payload["abstraction_score"] = c.Consolidation.AbstractionScore
		payload["parents"] = c.Consolidation.Parents
		payload["reasoning"] = c.Consolidation.Reasoning
		if len(c.Consolidation.OccurrenceTimes) > 0 {
			occ := make([]string, len(c.Consolidation.OccurrenceTimes))
			for i, t := range c.Consolidation.OccurrenceTimes {
				occ[i] = t.UTC().Format(time.RFC3339)
			}
			payload["occurrence_times"] = occ
		}
	}
	if !c.LastReprocessedAt.IsZero() {
		payload["last_reprocessed_at"] = c.LastReprocessedAt.UTC().Format(time.RFC3339)
	}
	if !c.LastAccessedAt.IsZero() {
		payload["last_accessed_at"] = c.LastAccessedAt.UTC().Format(time.RFC3339)
	}
	if c.SupersededBy != "" {
		payload["superseded_by"] = c.SupersededBy
	}
	if c.DeletionMarkedAt != nil {
		payload["deletion_marked_at"] = c.DeletionMarkedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

// ChunkFromPayload reconstructs a Chunk from a vector-tier payload, the
// inverse of ChunkPayload. Used by the Consolidation Engine when it re-reads
// candidate chunks off a Scroll/Retrieve call.
func ChunkFromPayload(payload map[string]any) model.Chunk {
	c := model.Chunk{
		ID:                 str(payload["id"]),
		Text:               str(payload["text"]),
		FilePath:           str(payload["file_path"]),
		FileName:           str(payload["file_name"]),
		Extension:          str(payload["extension"]),
		ContentType:        model.ContentType(str(payload["content_type"])),
		ChunkIndex:         intOf(payload["chunk_index"]),
		TotalChunks:        intOf(payload["total_chunks"]),
		CharCount:          intOf(payload["char_count"]),
		CreatedAt:          timeOf(payload["created_at"]),
		Importance:         model.Importance(str(payload["importance"])),
		ConsolidationLevel: intOf(payload["consolidation_level"]),
		EmbeddingModel:     str(payload["embedding_model"]),
		EmbeddingStrategy:  model.EmbeddingStrategy(str(payload["embedding_strategy"])),
		VectorNames:        strSlice(payload["vector_names"]),
		QntmKeys:           strSlice(payload["qntm_keys"]),
		ReprocessCount:     intOf(payload["reprocess_count"]),
		AccessCount:        intOf(payload["access_count"]),
		LastReprocessedAt:  timeOf(payload["last_reprocessed_at"]),
		LastAccessedAt:     timeOf(payload["last_accessed_at"]),
		DeletionEligible:   boolOf(payload["deletion_eligible"]),
		SupersededBy:       str(payload["superseded_by"]),
	}
	if _, ok := payload["split_index"]; ok {
		c.Split = &model.SplitMeta{
			SplitIndex:       intOf(payload["split_index"]),
			SplitTotal:       intOf(payload["split_total"]),
			ChunkIndexGlobal: intOf(payload["chunk_index_global"]),
		}
	}
	if _, ok := payload["consolidation_type"]; ok {
		c.Consolidation = &model.ConsolidationFields{
			Type:             model.ConsolidationType(str(payload["consolidation_type"])),
			Direction:        model.Direction(str(payload["direction"])),
			AbstractionScore: floatOf(payload["abstraction_score"]),
			Parents:          strSlice(payload["parents"]),
			OccurrenceTimes:  timeSlice(payload["occurrence_times"]),
			Reasoning:        str(payload["reasoning"]),
		}
	}
	if ts := timeOf(payload["deletion_marked_at"]); !ts.IsZero() {
		c.DeletionMarkedAt = &ts
	}
	return c
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func timeOf(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeSlice(v any) []time.Time {
	raw := strSlice(v)
	if len(raw) == 0 {
		return nil
	}
	out := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func strSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			out = append(out, str(e))
		}
		return out
	default:
		return nil
	}
}

// UpsertChunk writes a chunk's vectors to the vector tier (authoritative),
// then best-effort mirrors it to full-text, per §4.6. The cache tier is not
// touched.
func (s *Service) UpsertChunk(ctx context.Context, collection string, c model.Chunk, vectors map[string][]float32) error {
	if err := s.Vector.Upsert(ctx, collection, []Point{{ID: c.ID, Vectors: vectors, Payload: ChunkPayload(c)}}); err != nil {
		return err
	}
	if s.FullText != nil {
		if err := s.FullText.Index(ctx, c.ID, c.Text, map[string]string{
			"file_path": c.FilePath, "content_type": string(c.ContentType),
		}); err != nil {
			log.Warn().Err(err).Str("chunk_id", c.ID).Msg("storage: full-text index failed, vector write stands")
		}
	}
	return nil
}

// Delete removes ids from the vector tier and best-effort from full-text.
func (s *Service) Delete(ctx context.Context, collection string, ids []string) error {
	if err := s.Vector.Delete(ctx, collection, ids); err != nil {
		return err
	}
	if s.FullText != nil {
		for _, id := range ids {
			if err := s.FullText.Remove(ctx, id); err != nil {
				log.Warn().Err(err).Str("chunk_id", id).Msg("storage: full-text remove failed")
			}
		}
	}
	return nil
}

// PublishEvent best-effort publishes an event to the cache tier's bus
// (spec §4.9); a disabled cache silently drops events.
func (s *Service) PublishEvent(ctx context.Context, event Event) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("type", event.Type).Msg("storage: event publish failed")
	}
}

// Close closes whichever tiers are configured.
func (s *Service) Close() {
	if s.Vector != nil {
		_ = s.Vector.Close()
	}
	if s.FullText != nil {
		_ = s.FullText.Close()
	}
	if s.Cache != nil {
		_ = s.Cache.Close()
	}
}
