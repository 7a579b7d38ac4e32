package ingest

import "sync"

// PauseGate implements the ingest side of the consolidation pause/drain/
// resume protocol (spec §4.4 "consolidation gating", §4.10). The Watchdog
// calls Pause, waits on Drained, runs its pass and then calls Resume; it does
// not take the daemon's consolidation lock. The batching stage calls Enter
// (blocking while paused) before each batch upsert and Leave after it, and
// Inflight/Drained let the watchdog know when it is safe to scan.
type PauseGate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	inflight int
}

// NewPauseGate builds an open (unpaused) gate.
func NewPauseGate() *PauseGate {
	g := &PauseGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Pause blocks new batches from starting.
func (g *PauseGate) Pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

// Resume unblocks batches waiting on the gate.
func (g *PauseGate) Resume() {
	g.mu.Lock()
	g.paused = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Wait blocks the caller while the gate is paused.
func (g *PauseGate) Wait() {
	g.mu.Lock()
	for g.paused {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// Enter blocks while the gate is paused, then marks one batch as inflight
// under the same lock acquisition — so a Pause arriving between Wait and
// Enter cannot slip a batch through. Call Leave when its upsert completes.
func (g *PauseGate) Enter() {
	g.mu.Lock()
	for g.paused {
		g.cond.Wait()
	}
	g.inflight++
	g.mu.Unlock()
}

// Leave marks one inflight batch as complete.
func (g *PauseGate) Leave() {
	g.mu.Lock()
	g.inflight--
	if g.inflight == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// Inflight reports the number of batches currently past Enter but not yet
// acknowledged — the watchdog drains until this reaches zero.
func (g *PauseGate) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// Drained blocks until no batch is inflight. Call after Pause.
func (g *PauseGate) Drained() {
	g.mu.Lock()
	for g.inflight > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}
