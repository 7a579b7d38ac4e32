// Package watchdog implements the Consolidation Watchdog (C10): a periodic
// scheduler that trips a bounded consolidation pass once enough new chunks
// have landed since the last run, coordinating with the ingest pipeline's
// pause/drain/resume protocol (spec §4.10). Shaped as a small ticker-driven
// background service, matching the teacher's goroutine-with-ticker idiom in
// internal/rag/service/service.go's periodic cache-refresh loop.
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"atlas/internal/consolidate"
	"atlas/internal/ingest"
)

// Result is what one triggered pass produced, surfaced to callers that want
// to react to a watchdog-initiated consolidation (e.g. publish an event).
type Result struct {
	Triggered bool
	consolidate.Result
	Err error
}

// Watchdog owns the current/last ingestion counters and the pause
// coordination with a ingest.PauseGate. Engine.Run is what performs the
// bounded consolidation pass; CandidateLimit on its config is what bounds it
// to "up to N pairs" per spec §4.10.
type Watchdog struct {
	Engine *consolidate.Engine
	Gate   *ingest.PauseGate

	Threshold   int
	PollInterval time.Duration

	mu                     sync.Mutex
	consolidating          bool
	currentCount           int64
	lastConsolidationCount int64

	OnResult func(Result)
}

// New builds a Watchdog. threshold<=0 and poll<=0 fall back to the spec's
// defaults (100 documents, 30s).
func New(engine *consolidate.Engine, gate *ingest.PauseGate, threshold int, poll time.Duration) *Watchdog {
	if threshold <= 0 {
		threshold = 100
	}
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Watchdog{Engine: engine, Gate: gate, Threshold: threshold, PollInterval: poll}
}

// RecordIngestion increments the current_count counter; called by the ingest
// pipeline after each successful batch (spec §4.10).
func (w *Watchdog) RecordIngestion(n int) {
	atomic.AddInt64(&w.currentCount, int64(n))
}

// Run ticks every PollInterval until ctx is cancelled, triggering a pass
// whenever the threshold is crossed.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.maybeTrigger(ctx)
		}
	}
}

func (w *Watchdog) maybeTrigger(ctx context.Context) {
	current := atomic.LoadInt64(&w.currentCount)
	last := atomic.LoadInt64(&w.lastConsolidationCount)
	if current-last < int64(w.Threshold) {
		return
	}
	w.runPass(ctx, current)
}

// Trigger forces a pass regardless of the threshold, serialised against the
// same consolidating flag as the periodic loop (spec §4.10 "force-trigger").
func (w *Watchdog) Trigger(ctx context.Context) Result {
	current := atomic.LoadInt64(&w.currentCount)
	return w.runPass(ctx, current)
}

func (w *Watchdog) runPass(ctx context.Context, observedCount int64) Result {
	w.mu.Lock()
	if w.consolidating {
		w.mu.Unlock()
		return Result{Triggered: false}
	}
	w.consolidating = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.consolidating = false
		w.mu.Unlock()
	}()

	if w.Gate != nil {
		w.Gate.Pause()
		w.Gate.Drained()
		defer w.Gate.Resume()
	}

	result, err := w.Engine.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("watchdog: consolidation pass failed")
		out := Result{Triggered: true, Err: err}
		w.notify(out)
		return out
	}

	atomic.StoreInt64(&w.lastConsolidationCount, observedCount)
	out := Result{Triggered: true, Result: result}
	w.notify(out)
	return out
}

func (w *Watchdog) notify(r Result) {
	if w.OnResult != nil {
		w.OnResult(r)
	}
}

// Consolidating reports whether a pass is currently in flight.
func (w *Watchdog) Consolidating() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consolidating
}

// Counts returns the current and last-consolidation ingestion counters, for
// diagnostics and status reporting.
func (w *Watchdog) Counts() (current, lastConsolidation int64) {
	return atomic.LoadInt64(&w.currentCount), atomic.LoadInt64(&w.lastConsolidationCount)
}
