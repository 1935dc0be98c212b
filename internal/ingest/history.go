package ingest

import (
	"sync"
)

// DefaultHistorySize is the number of runs kept when no size is configured.
const DefaultHistorySize = 50

// History keeps the most recent runs in memory for the status API.
// Nothing is persisted: the reports on disk are the durable record.
type History struct {
	mu    sync.RWMutex
	size  int
	order []string // oldest first
	runs  map[string]*BatchRun
}

// NewHistory creates a History holding at most size runs.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		size: size,
		runs: make(map[string]*BatchRun),
	}
}

// Put inserts or replaces a run. When the history is full the oldest
// finished run is evicted.
func (h *History) Put(run *BatchRun) {
	cp := *run

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.runs[cp.ID]; !ok {
		h.order = append(h.order, cp.ID)
	}
	h.runs[cp.ID] = &cp
	h.evict()
}

// progress updates the counts of a run still in flight.
func (h *History) progress(id string, counts Counts) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if run, ok := h.runs[id]; ok && run.Status == RunRunning {
		run.Counts = counts
	}
}

func (h *History) evict() {
	for len(h.order) > h.size {
		victim := 0
		for i, id := range h.order {
			if h.runs[id].Status != RunRunning {
				victim = i
				break
			}
		}
		delete(h.runs, h.order[victim])
		h.order = append(h.order[:victim], h.order[victim+1:]...)
	}
}

// Get returns a copy of the run with the given id.
func (h *History) Get(id string) (*BatchRun, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	run, ok := h.runs[id]
	if !ok {
		return nil, false
	}
	cp := *run
	return &cp, true
}

// List returns run summaries, newest first.
func (h *History) List() []*BatchRun {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*BatchRun, 0, len(h.order))
	for i := len(h.order) - 1; i >= 0; i-- {
		out = append(out, h.runs[h.order[i]].Summary())
	}
	return out
}

// Len returns the number of runs held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}
