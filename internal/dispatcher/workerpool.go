package dispatcher

import (
	"sort"
	"sync"
	"time"
)

// WorkerPool is an advisory, in-memory view of which workers are paused
// and when they were last seen, layered on top of the durable liveness
// data in the store. Pausing is not itself persisted: an operator pause
// only stops the dispatcher from handing a worker new claims for as long
// as this process runs.
type WorkerPool struct {
	mu     sync.RWMutex
	paused map[string]bool
	seen   map[string]time.Time
}

func NewWorkerPool() *WorkerPool {
	return &WorkerPool{
		paused: make(map[string]bool),
		seen:   make(map[string]time.Time),
	}
}

func (p *WorkerPool) Pause(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[workerID] = true
}

func (p *WorkerPool) Resume(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paused, workerID)
}

func (p *WorkerPool) IsPaused(workerID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[workerID]
}

func (p *WorkerPool) Touch(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[workerID] = time.Now().UTC()
}

// InFlightEstimate counts workers seen within the last minute that are
// not paused, as a cheap proxy for in-flight task count pending a
// dedicated store counter.
func (p *WorkerPool) InFlightEstimate() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	cutoff := time.Now().Add(-time.Minute)
	for id, ts := range p.seen {
		if p.paused[id] {
			continue
		}
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// PoolStats returns an advisory snapshot of worker-pool state for
// GET /worker-pool/stats. The original implementation's WorkerPool
// (task_distribution.py) was never retrieved into the reference pack,
// so this shape is built from the pause/seen state this package already
// tracks rather than ported from it.
func (p *WorkerPool) PoolStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	paused := make([]string, 0, len(p.paused))
	for id, isPaused := range p.paused {
		if isPaused {
			paused = append(paused, id)
		}
	}
	sort.Strings(paused)

	cutoff := time.Now().Add(-time.Minute)
	activeEstimate := 0
	for id, ts := range p.seen {
		if p.paused[id] {
			continue
		}
		if ts.After(cutoff) {
			activeEstimate++
		}
	}

	return map[string]interface{}{
		"total_workers_seen": len(p.seen),
		"paused_workers":     paused,
		"paused_count":       len(paused),
		"active_estimate":    activeEstimate,
	}
}
