// Package model holds Atlas's core data types: chunks, causal links, source
// tracker records, ingestion tasks and the consolidation lock (spec §3).
package model

import (
	"strconv"
	"time"
)

// ContentType classifies the source a chunk was extracted from.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentCode  ContentType = "code"
	ContentMedia ContentType = "media"
)

// Importance is a coarse priority hint carried on a chunk.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// EmbeddingStrategy names how a chunk's vector was produced.
type EmbeddingStrategy string

const (
	StrategySnippet        EmbeddingStrategy = "snippet"
	StrategyContextualized EmbeddingStrategy = "contextualized"
	StrategyCode           EmbeddingStrategy = "code"
	StrategyMultimodal     EmbeddingStrategy = "multimodal"
)

// ConsolidationType classifies why a pair of chunks was merged (§4.5).
type ConsolidationType string

const (
	ConsolidationDuplicateWork         ConsolidationType = "duplicate_work"
	ConsolidationSequentialIteration   ConsolidationType = "sequential_iteration"
	ConsolidationContextualConvergence ConsolidationType = "contextual_convergence"
)

// Direction indicates which chunk in a sequential-iteration pair is later.
type Direction string

const (
	DirectionForward    Direction = "forward"
	DirectionBackward   Direction = "backward"
	DirectionConvergent Direction = "convergent"
	DirectionUnknown    Direction = "unknown"
)

// SplitMeta is set only for files that exceeded an embedding backend's
// context window and were split into sub-documents (§4.4 stage 3).
type SplitMeta struct {
	SplitIndex       int `json:"split_index"`
	SplitTotal       int `json:"split_total"`
	ChunkIndexGlobal int `json:"chunk_index_global"`
}

// ConsolidationFields is set for chunks with ConsolidationLevel >= 1, and on
// the level-0 keeper of a duplicate_work merge, where only Parents and
// OccurrenceTimes are filled.
type ConsolidationFields struct {
	Type             ConsolidationType `json:"type,omitempty"`
	Direction        Direction         `json:"direction,omitempty"`
	AbstractionScore float64           `json:"abstraction_score"`
	Parents          []string          `json:"parents,omitempty"`
	OccurrenceTimes  []time.Time       `json:"occurrence_times,omitempty"`
	Reasoning        string            `json:"reasoning,omitempty"`
}

// Chunk is a piece of text extracted from a source file, per spec §3.
type Chunk struct {
	ID string `json:"id"`

	Text string `json:"text"`

	FilePath    string      `json:"file_path"`
	FileName    string      `json:"file_name"`
	Extension   string      `json:"extension"`
	ContentType ContentType `json:"content_type"`

	ChunkIndex  int `json:"chunk_index"`
	TotalChunks int `json:"total_chunks"`
	CharCount   int `json:"char_count"`

	CreatedAt  time.Time  `json:"created_at"`
	Importance Importance `json:"importance"`

	ConsolidationLevel int `json:"consolidation_level"`

	EmbeddingModel    string            `json:"embedding_model,omitempty"`
	EmbeddingStrategy EmbeddingStrategy `json:"embedding_strategy,omitempty"`
	VectorNames       []string          `json:"vector_names,omitempty"`

	QntmKeys []string `json:"qntm_keys,omitempty"`

	Split *SplitMeta `json:"split,omitempty"`

	Consolidation *ConsolidationFields `json:"consolidation,omitempty"`

	LastReprocessedAt time.Time  `json:"last_reprocessed_at,omitempty"`
	ReprocessCount    int        `json:"reprocess_count"`
	AccessCount       int        `json:"access_count"`
	LastAccessedAt    time.Time  `json:"last_accessed_at,omitempty"`
	DeletionEligible  bool       `json:"deletion_eligible"`
	SupersededBy      string     `json:"superseded_by,omitempty"`
	DeletionMarkedAt  *time.Time `json:"deletion_marked_at,omitempty"`
}

// ChunkID derives the stable identifier from (file path, chunk index). Two
// ingests of the same unchanged file must produce identical identifiers
// (spec §3 invariant).
func ChunkID(filePath string, index int) string {
	return "chunk:" + filePath + ":" + strconv.Itoa(index)
}

// CausalLink is a directed edge between two chunks (spec §3). Links are
// additive and never imply ownership.
type CausalLink struct {
	FromID     string   `json:"from_id"`
	ToID       string   `json:"to_id"`
	Relation   Relation `json:"relation"`
	Confidence float64  `json:"confidence"`
	Inferrer   string   `json:"inferrer"`
}

// Relation enumerates the causal link kinds.
type Relation string

const (
	RelationSupersedes  Relation = "supersedes"
	RelationReferences  Relation = "references"
	RelationDerivedFrom Relation = "derived-from"
	RelationContradicts Relation = "contradicts"
	RelationExtends     Relation = "extends"
)

// ChunkRef is a lightweight (index, content hash, chunk id) triple, the unit
// the File Tracker stores per source record entry (§4.3).
type ChunkRef struct {
	Index        int        `json:"idx"`
	ContentHash  string     `json:"content_hash"`
	ChunkID      string     `json:"chunk_id"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// SourceRecord is the File Tracker's per-path row (§3, §4.3).
type SourceRecord struct {
	Path        string     `json:"path"`
	ContentHash string     `json:"content_hash"`
	ModTime     time.Time  `json:"mtime"`
	Chunks      []ChunkRef `json:"chunks"`
}

// TaskStatus enumerates an ingestion task's lifecycle states.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskStopped   TaskStatus = "stopped"
	TaskFailed    TaskStatus = "failed"
)

// IngestionTask is the daemon's transient per-run object (§3, §4.9).
type IngestionTask struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Paths       []string   `json:"paths"`
	Watching    bool       `json:"watching"`

	FilesProcessed int `json:"files_processed"`
	ChunksStored   int `json:"chunks_stored"`
	Errors         int `json:"errors"`

	Status TaskStatus `json:"status"`
}

// ConsolidationLock is the process-local mutex state described in §3/§4.9.
type ConsolidationLock struct {
	Locked    bool      `json:"locked"`
	TaskID    string    `json:"task_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}
