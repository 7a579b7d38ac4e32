package daemon

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"atlas/internal/atlaserr"
	"atlas/internal/model"
)

// TaskRegistry is the daemon's ingestion task map: id -> task record, with
// create/get/update/list operations (spec §4.9).
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*model.IngestionTask
}

// NewTaskRegistry builds an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]*model.IngestionTask)}
}

// Create starts a new running task and returns its record.
func (r *TaskRegistry) Create(paths []string, watching bool) *model.IngestionTask {
	task := &model.IngestionTask{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Paths:     paths,
		Watching:  watching,
		Status:    model.TaskRunning,
	}
	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()
	return task
}

// Get returns a copy of the task record for id.
func (r *TaskRegistry) Get(id string) (model.IngestionTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return model.IngestionTask{}, false
	}
	return *t, true
}

// List returns a snapshot of every task record.
func (r *TaskRegistry) List() []model.IngestionTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.IngestionTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	return out
}

// Update applies fn to the task record for id under the registry's lock.
func (r *TaskRegistry) Update(id string, fn func(*model.IngestionTask)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return atlaserr.ErrTaskNotFound
	}
	fn(t)
	return nil
}

// Stop marks a running task stopped, stamping completedAt. Stopping a
// nonexistent task is an error (spec §4.9).
func (r *TaskRegistry) Stop(id string) error {
	return r.Update(id, func(t *model.IngestionTask) {
		t.Status = model.TaskStopped
		now := time.Now()
		t.CompletedAt = &now
	})
}

// Complete marks a running task completed with final counters.
func (r *TaskRegistry) Complete(id string, filesProcessed, chunksStored, errs int) error {
	return r.Update(id, func(t *model.IngestionTask) {
		if t.Status != model.TaskRunning {
			return
		}
		t.Status = model.TaskCompleted
		now := time.Now()
		t.CompletedAt = &now
		t.FilesProcessed = filesProcessed
		t.ChunksStored = chunksStored
		t.Errors = errs
	})
}

// Fail marks a running task failed.
func (r *TaskRegistry) Fail(id string) error {
	return r.Update(id, func(t *model.IngestionTask) {
		if t.Status != model.TaskRunning {
			return
		}
		t.Status = model.TaskFailed
		now := time.Now()
		t.CompletedAt = &now
	})
}

// ConsolidationLock is the process-local compare-and-set lock guarding
// concurrent consolidation runs (spec §3, §4.9, §5 "cross-process safety is
// not a goal").
type ConsolidationLock struct {
	mu    sync.Mutex
	state model.ConsolidationLock
}

// NewConsolidationLock builds an unlocked lock.
func NewConsolidationLock() *ConsolidationLock {
	return &ConsolidationLock{}
}

// Acquire atomically locks for taskID, or reports the existing holder.
func (l *ConsolidationLock) Acquire(taskID string) (acquired bool, state model.ConsolidationLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Locked {
		return false, l.state
	}
	l.state = model.ConsolidationLock{Locked: true, TaskID: taskID, StartedAt: time.Now()}
	return true, l.state
}

// Release unconditionally frees the lock.
func (l *ConsolidationLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = model.ConsolidationLock{}
}

// Snapshot returns the current lock state.
func (l *ConsolidationLock) Snapshot() model.ConsolidationLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// WatchRegistry binds watched filesystem paths to the ingest task watching
// them, so a daemon restart or `watch` listing can report what's active.
type WatchRegistry struct {
	mu     sync.RWMutex
	byPath map[string]string
}

// NewWatchRegistry builds an empty registry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{byPath: make(map[string]string)}
}

// Bind records that taskID is watching path.
func (w *WatchRegistry) Bind(path, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byPath[path] = taskID
}

// Unbind removes path's watch binding.
func (w *WatchRegistry) Unbind(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.byPath, path)
}

// TaskFor returns the task id watching path, if any.
func (w *WatchRegistry) TaskFor(path string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	id, ok := w.byPath[path]
	return id, ok
}

// Paths returns every currently-watched path.
func (w *WatchRegistry) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.byPath))
	for p := range w.byPath {
		out = append(out, p)
	}
	return out
}
