package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"atlas/internal/atlaserr"
	"atlas/internal/consolidate"
	"atlas/internal/ingest"
	"atlas/internal/model"
	"atlas/internal/registry"
	"atlas/internal/search"
	"atlas/internal/storage"
	"atlas/internal/watchdog"
)

// Deps wires every collaborator the daemon's JSON-RPC methods call into.
type Deps struct {
	Ingest      *ingest.Pipeline
	Consolidate *consolidate.Engine
	Search      *search.Service
	Registry    *registry.Registry
	Tasks       *TaskRegistry
	Lock        *ConsolidationLock
	Watches     *WatchRegistry
	Events      *EventBus
	Kafka       *KafkaEventPublisher
	Watchdog    *watchdog.Watchdog
}

func (d *Deps) emit(eventType string, payload map[string]any) {
	e := buildEvent(eventType, payload)
	if d.Events != nil {
		d.Events.Publish(e)
	}
	if d.Kafka != nil {
		_ = d.Kafka.Publish(context.Background(), e)
	}
}

// RegisterHandlers binds every spec §6.2 method onto r. When d.Watchdog is
// set it is wired to d.Ingest.OnBatchStored so every successful batch upsert
// feeds the watchdog's current_count (spec §4.10 record_ingestion).
func RegisterHandlers(r *Router, d *Deps) {
	if d.Watchdog != nil && d.Ingest != nil {
		d.Ingest.OnBatchStored = d.Watchdog.RecordIngestion
	}

	r.Register("atlas.ingest", handleIngest(d))
	r.Register("atlas.search", handleSearch(d))
	r.Register("atlas.consolidate", handleConsolidate(d))
	r.Register("atlas.qntm.generate", handleQNTMGenerate(d))
	r.Register("atlas.timeline", handleTimeline(d))
	r.Register("atlas.ingest.start", handleIngestStart(d))
	r.Register("atlas.ingest.status", handleIngestStatus(d))
	r.Register("atlas.ingest.stop", handleIngestStop(d))
	r.Register("atlas.consolidate.start", handleConsolidateStart(d))
	r.Register("atlas.consolidate.status", handleConsolidateStatus(d))
}

// --- atlas.ingest -----------------------------------------------------

type ingestParams struct {
	Paths                  []string `json:"paths"`
	Recursive              bool     `json:"recursive,omitempty"`
	RootDir                string   `json:"rootDir,omitempty"`
	Verbose                bool     `json:"verbose,omitempty"`
	ExistingKeys           []string `json:"existingKeys,omitempty"`
	UseHNSWToggle          bool     `json:"useHNSWToggle,omitempty"`
	Watch                  bool     `json:"watch,omitempty"`
	AllowConsolidation     bool     `json:"allowConsolidation,omitempty"`
	ConsolidationThreshold int      `json:"consolidationThreshold,omitempty"`
}

type ingestResultDTO struct {
	FilesProcessed  int                `json:"filesProcessed"`
	ChunksStored    int                `json:"chunksStored"`
	Errors          []ingest.FileError `json:"errors"`
	DurationMs      int64              `json:"durationMs,omitempty"`
	PeakMemoryBytes uint64             `json:"peakMemoryBytes,omitempty"`
	SkippedFiles    int                `json:"skippedFiles,omitempty"`
}

func handleIngest(d *Deps) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
		var p ingestParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &RPCError{Code: InvalidParamsCode, Message: err.Error()}
		}
		d.emit("ingest.started", map[string]any{"paths": p.Paths})
		result, err := d.Ingest.Run(ctx, p.Paths, ingest.Options{RootDir: p.RootDir, Recursive: p.Recursive, ExistingKeys: p.ExistingKeys})
		if err != nil {
			d.emit("ingest.error", map[string]any{"error": err.Error()})
			return nil, &RPCError{Code: InternalErrorCode, Message: err.Error()}
		}
		d.emit("ingest.completed", map[string]any{"filesProcessed": result.FilesProcessed, "chunksStored": result.ChunksStored})
		return ingestResultDTO{
			FilesProcessed:  result.FilesProcessed,
			ChunksStored:    result.ChunksStored,
			Errors:          result.Errors,
			DurationMs:      result.Duration.Milliseconds(),
			PeakMemoryBytes: result.PeakMemoryBytes,
			SkippedFiles:    result.SkippedFiles,
		}, nil
	}
}

// --- atlas.ingest.start|status|stop ------------------------------------

type ingestStartParams struct {
	Paths     []string `json:"paths"`
	Recursive bool     `json:"recursive,omitempty"`
	Watch     bool     `json:"watch,omitempty"`
}

func handleIngestStart(d *Deps) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
		var p ingestStartParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &RPCError{Code: InvalidParamsCode, Message: err.Error()}
		}
		task := d.Tasks.Create(p.Paths, p.Watch)
		go func() {
			result, err := d.Ingest.Run(context.Background(), p.Paths, ingest.Options{Recursive: p.Recursive})
			if err != nil {
				_ = d.Tasks.Fail(task.ID)
				d.emit("ingest.error", map[string]any{"taskId": task.ID, "error": err.Error()})
				return
			}
			_ = d.Tasks.Complete(task.ID, result.FilesProcessed, result.ChunksStored, len(result.Errors))
			d.emit("ingest.completed", map[string]any{"taskId": task.ID, "filesProcessed": result.FilesProcessed})
		}()
		return map[string]any{"taskId": task.ID, "status": string(task.Status)}, nil
	}
}

type taskQueryParams struct {
	TaskID string `json:"taskId,omitempty"`
}

func handleIngestStatus(d *Deps) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
		var p taskQueryParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, &RPCError{Code: InvalidParamsCode, Message: err.Error()}
			}
		}
		if p.TaskID == "" {
			return d.Tasks.List(), nil
		}
		task, ok := d.Tasks.Get(p.TaskID)
		if !ok {
			return nil, &RPCError{Code: TaskNotFoundErrorCode, Message: atlaserr.ErrTaskNotFound.Error()}
		}
		return task, nil
	}
}

func handleIngestStop(d *Deps) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
		var p taskQueryParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &RPCError{Code: InvalidParamsCode, Message: err.Error()}
		}
		if err := d.Tasks.Stop(p.TaskID); err != nil {
			return nil, &RPCError{Code: TaskNotFoundErrorCode, Message: err.Error()}
		}
		task, _ := d.Tasks.Get(p.TaskID)
		return task, nil
	}
}

// --- atlas.search -------------------------------------------------------

type searchParamsDTO struct {
	Query              string `json:"query"`
	Limit              int    `json:"limit,omitempty"`
	Since              string `json:"since,omitempty"`
	QNTMKey            string `json:"qntmKey,omitempty"`
	Rerank             bool   `json:"rerank,omitempty"`
	RerankTopK         int    `json:"rerankTopK,omitempty"`
	ExpandQuery        bool   `json:"expandQuery,omitempty"`
	HybridSearch       bool   `json:"hybridSearch,omitempty"`
	ConsolidationLevel *int   `json:"consolidationLevel,omitempty"`
	ContentType        string `json:"contentType,omitempty"`
	AgentRole          string `json:"agentRole,omitempty"`
	Temperature        string `json:"temperature,omitempty"`
}

type searchResultDTO struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	FilePath    string   `json:"file_path"`
	ChunkIndex  int      `json:"chunk_index"`
	Score       float64  `json:"score"`
	CreatedAt   string   `json:"created_at"`
	QNTMKeys    []string `json:"qntm_keys"`
}

func handleSearch(d *Deps) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
		var p searchParamsDTO
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &RPCError{Code: InvalidParamsCode, Message: err.Error()}
		}
		sp := search.Params{
			Query: p.Query, Limit: p.Limit, QNTMKey: p.QNTMKey, Rerank: p.Rerank, RerankTopK: p.RerankTopK,
			ExpandQuery: p.ExpandQuery, HybridSearch: p.HybridSearch, ConsolidationLevel: p.ConsolidationLevel,
			ContentType: model.ContentType(p.ContentType), AgentRole: p.AgentRole, Temperature: p.Temperature,
		}
		if p.Since != "" {
			if t, err := time.Parse(time.RFC3339, p.Since); err == nil {
				sp.Since = t
			}
		}
		results, err := d.Search.Search(ctx, sp)
		if err != nil {
			return nil, &RPCError{Code: InternalErrorCode, Message: err.Error()}
		}
		out := make([]searchResultDTO, len(results))
		for i, r := range results {
			out[i] = searchResultDTO{
				ID: r.ID, Text: r.Text, FilePath: r.Chunk.FilePath, ChunkIndex: r.Chunk.ChunkIndex,
				Score: r.Score, CreatedAt: r.Chunk.CreatedAt.UTC().Format(time.RFC3339), QNTMKeys: r.Chunk.QntmKeys,
			}
		}
		return out, nil
	}
}

// --- atlas.consolidate / atlas.consolidate.start|status -----------------

type consolidateParamsDTO struct {
	DryRun             bool    `json:"dryRun,omitempty"`
	Limit              int     `json:"limit,omitempty"`
	Threshold          float64 `json:"threshold,omitempty"`
	BatchSize          int     `json:"batchSize,omitempty"`
	QNTMKeyFilter      string  `json:"qntmKeyFilter,omitempty"`
	ConsolidationLevel *int    `json:"consolidationLevel,omitempty"`
	Continuous         bool    `json:"continuous,omitempty"`
	PollIntervalMs     int     `json:"pollIntervalMs,omitempty"`
}

type consolidateResultDTO struct {
	ConsolidationsPerformed int            `json:"consolidationsPerformed"`
	ChunksAbsorbed          int            `json:"chunksAbsorbed"`
	CandidatesEvaluated     int            `json:"candidatesEvaluated"`
	TypeBreakdown           map[string]int `json:"typeBreakdown,omitempty"`
	DurationMs              int64          `json:"durationMs,omitempty"`
	Preview                 []string       `json:"preview,omitempty"`
}

// consolidateEngineFor builds a per-call Engine override of d.Consolidate —
// the Engine holds no per-run state (see its doc comment), so cloning it by
// value and adjusting fields is safe and leaves the shared instance (used by
// other handlers and the watchdog) untouched.
func consolidateEngineFor(d *Deps, p consolidateParamsDTO) *consolidate.Engine {
	e := *d.Consolidate
	if p.Threshold > 0 {
		e.Config.SimilarityThreshold = p.Threshold
	}
	if p.BatchSize > 0 {
		e.Config.CandidateLimit = p.BatchSize
	} else if p.Limit > 0 {
		e.Config.CandidateLimit = p.Limit
	}
	if p.ConsolidationLevel != nil {
		e.Level = *p.ConsolidationLevel
	}
	e.QNTMKeyFilter = p.QNTMKeyFilter
	return &e
}

func handleConsolidate(d *Deps) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
		var p consolidateParamsDTO
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, &RPCError{Code: InvalidParamsCode, Message: err.Error()}
			}
		}
		engine := consolidateEngineFor(d, p)

		if p.DryRun {
			vr, err := engine.Vacuum(ctx, false, true)
			if err != nil {
				return nil, &RPCError{Code: InternalErrorCode, Message: err.Error()}
			}
			return consolidateResultDTO{CandidatesEvaluated: vr.Candidates, Preview: vr.CandidateIDs}, nil
		}

		result, err := engine.Run(ctx)
		if err != nil {
			d.emit("consolidate.error", map[string]any{"error": err.Error()})
			return nil, &RPCError{Code: InternalErrorCode, Message: err.Error()}
		}
		d.emit("consolidate.completed", map[string]any{"consolidationsPerformed": result.ConsolidationsPerformed})

		if p.Continuous {
			result = runContinuousConsolidation(ctx, engine, result, time.Duration(p.PollIntervalMs)*time.Millisecond, d)
		}

		return consolidateResultDTO{
			ConsolidationsPerformed: result.ConsolidationsPerformed,
			ChunksAbsorbed:          result.ChunksAbsorbed,
			CandidatesEvaluated:     result.CandidatesEvaluated,
			TypeBreakdown:           result.TypeBreakdown,
			DurationMs:              result.DurationMs,
		}, nil
	}
}

// runContinuousConsolidation repeats engine.Run on pollInterval until a pass
// performs zero consolidations or ctx is cancelled (spec §6.2 ConsolidateParams
// continuous/pollIntervalMs), accumulating into first's totals.
func runContinuousConsolidation(ctx context.Context, engine *consolidate.Engine, first consolidate.Result, pollInterval time.Duration, d *Deps) consolidate.Result {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	total := first
	last := first
	for last.ConsolidationsPerformed > 0 {
		select {
		case <-ctx.Done():
			return total
		case <-time.After(pollInterval):
		}
		next, err := engine.Run(ctx)
		if err != nil {
			d.emit("consolidate.error", map[string]any{"error": err.Error()})
			return total
		}
		d.emit("consolidate.completed", map[string]any{"consolidationsPerformed": next.ConsolidationsPerformed})
		total.ConsolidationsPerformed += next.ConsolidationsPerformed
		total.ChunksAbsorbed += next.ChunksAbsorbed
		total.CandidatesEvaluated += next.CandidatesEvaluated
		total.DurationMs += next.DurationMs
		for k, v := range next.TypeBreakdown {
			total.TypeBreakdown[k] += v
		}
		last = next
	}
	return total
}

func handleConsolidateStart(d *Deps) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
		task := d.Tasks.Create(nil, false)
		acquired, state := d.Lock.Acquire(task.ID)
		if !acquired {
			return map[string]any{"locked": false, "taskId": state.TaskID, "message": "already running"}, nil
		}
		go func() {
			defer d.Lock.Release()
			d.emit("consolidate.triggered", map[string]any{"taskId": task.ID})
			result, err := d.Consolidate.Run(context.Background())
			if err != nil {
				_ = d.Tasks.Fail(task.ID)
				d.emit("consolidate.error", map[string]any{"taskId": task.ID, "error": err.Error()})
				return
			}
			_ = d.Tasks.Complete(task.ID, 0, result.ChunksAbsorbed, 0)
			d.emit("consolidate.completed", map[string]any{"taskId": task.ID, "consolidationsPerformed": result.ConsolidationsPerformed})
		}()
		return map[string]any{"locked": true, "taskId": task.ID}, nil
	}
}

func handleConsolidateStatus(d *Deps) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
		return d.Lock.Snapshot(), nil
	}
}

// --- atlas.qntm.generate --------------------------------------------------

type qntmGenerateContext struct {
	FileName    string `json:"fileName,omitempty"`
	ChunkIndex  int    `json:"chunkIndex,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
}

type qntmGenerateParams struct {
	Text         string               `json:"text"`
	ExistingKeys []string             `json:"existingKeys"`
	Context      *qntmGenerateContext `json:"context,omitempty"`
	Level        int                  `json:"level,omitempty"`
}

func handleQNTMGenerate(d *Deps) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
		var p qntmGenerateParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &RPCError{Code: InvalidParamsCode, Message: err.Error()}
		}
		provider, err := d.Registry.Select(registry.CapQNTMGeneration)
		if err != nil {
			return nil, &RPCError{Code: CapabilityMismatchErrorCode, Message: err.Error()}
		}
		generator, ok := provider.(registry.CanGenerateQNTM)
		if !ok {
			return nil, &RPCError{Code: CapabilityMismatchErrorCode, Message: "provider lacks GenerateQNTM"}
		}
		text := p.Text
		if p.Context != nil {
			text = fmt.Sprintf("[%s chunk %d/%d]\n%s", p.Context.FileName, p.Context.ChunkIndex+1, p.Context.TotalChunks, p.Text)
		}
		keys, reasoning, err := generator.GenerateQNTM(ctx, text, p.ExistingKeys, p.Level)
		if err != nil {
			return nil, &RPCError{Code: InternalErrorCode, Message: err.Error()}
		}
		return map[string]any{"keys": keys, "reasoning": reasoning}, nil
	}
}

// --- atlas.timeline -------------------------------------------------------

type timelineParamsDTO struct {
	Since              string `json:"since"`
	Until              string `json:"until,omitempty"`
	Limit              int    `json:"limit,omitempty"`
	TimelineID         string `json:"timelineId,omitempty"`
	IncludeCausalLinks bool   `json:"includeCausalLinks,omitempty"`
	Granularity        string `json:"granularity,omitempty"`
	QNTMKey            string `json:"qntmKey,omitempty"`
}

func handleTimeline(d *Deps) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
		var p timelineParamsDTO
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &RPCError{Code: InvalidParamsCode, Message: err.Error()}
		}
		tp := search.TimelineParams{
			TimelineID: p.TimelineID, QNTMKey: p.QNTMKey, Granularity: p.Granularity,
			IncludeCausalLinks: p.IncludeCausalLinks, Limit: p.Limit,
		}
		if p.Since != "" {
			t, err := time.Parse(time.RFC3339, p.Since)
			if err != nil {
				return nil, &RPCError{Code: InvalidParamsCode, Message: fmt.Sprintf("since: %v", err)}
			}
			tp.Since = t
		}
		if p.Until != "" {
			t, err := time.Parse(time.RFC3339, p.Until)
			if err != nil {
				return nil, &RPCError{Code: InvalidParamsCode, Message: fmt.Sprintf("until: %v", err)}
			}
			tp.Until = t
		}
		results, err := d.Search.Timeline(ctx, tp)
		if err != nil {
			return nil, &RPCError{Code: InternalErrorCode, Message: err.Error()}
		}
		return map[string]any{"chunks": results, "total": len(results)}, nil
	}
}

func buildEvent(eventType string, payload map[string]any) storage.Event {
	return storage.Event{Type: eventType, Payload: payload, Timestamp: time.Now().Unix()}
}
