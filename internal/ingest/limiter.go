package ingest

// limiter.go hands out run slots.
//
// Runs share the database pool and the object store throttle, so the number
// of concurrent runs is capped. An inbox is also claimed by at most one run at
// a time: two runs over the same root would race each other on every record
// and upload every artifact twice.

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrRunInProgress is returned when no run slot is free.
var ErrRunInProgress = errors.New("run already in progress")

// ErrInboxBusy is returned when another run holds the same inbox.
var ErrInboxBusy = fmt.Errorf("%w: inbox is being processed", ErrRunInProgress)

// DefaultMaxConcurrentRuns is the default limit for parallel runs.
const DefaultMaxConcurrentRuns = 1

// DefaultMaxWait is how long Acquire waits for a slot before rejecting.
const DefaultMaxWait = 30 * time.Second

// ActiveRun is a run holding a slot.
type ActiveRun struct {
	ID    string    `json:"id"`
	Root  string    `json:"root,omitempty"`
	Since time.Time `json:"since"`
}

// RunLimiter caps concurrent runs and keeps one run per inbox.
type RunLimiter struct {
	sem     *semaphore.Weighted
	max     int
	maxWait time.Duration

	mu   sync.Mutex
	runs map[string]*ActiveRun // claimed, by run id; Since is zero while waiting
	held int
}

// NewRunLimiter creates a limiter that allows at most maxConcurrent runs.
// Acquire calls that cannot get a slot within maxWait fail with ErrRunInProgress.
func NewRunLimiter(maxConcurrent int, maxWait time.Duration) *RunLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRuns
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	return &RunLimiter{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		max:     maxConcurrent,
		maxWait: maxWait,
		runs:    make(map[string]*ActiveRun),
	}
}

// Acquire claims root for run id and waits for a slot until maxWait elapses
// or ctx is done. A root claimed by another run fails at once with
// ErrInboxBusy. An empty root claims nothing. The caller must Release id.
func (l *RunLimiter) Acquire(ctx context.Context, id, root string) error {
	if err := l.claim(id, root); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		l.unclaim(id)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRunInProgress
	}
	l.start(id)
	return nil
}

// TryAcquire is Acquire without waiting for a slot.
func (l *RunLimiter) TryAcquire(id, root string) error {
	if err := l.claim(id, root); err != nil {
		return err
	}
	if !l.sem.TryAcquire(1) {
		l.unclaim(id)
		return ErrRunInProgress
	}
	l.start(id)
	return nil
}

// Release frees the slot and inbox held by run id. Unknown ids are ignored.
func (l *RunLimiter) Release(id string) {
	l.mu.Lock()
	run, ok := l.runs[id]
	if ok {
		delete(l.runs, id)
		if !run.Since.IsZero() {
			l.held--
		}
	}
	l.mu.Unlock()

	if ok && !run.Since.IsZero() {
		l.sem.Release(1)
	}
}

func (l *RunLimiter) claim(id, root string) error {
	if root != "" {
		root = filepath.Clean(root)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.runs[id]; ok {
		return fmt.Errorf("run %s already holds a slot", id)
	}
	if root != "" {
		for _, run := range l.runs {
			if run.Root == root {
				return fmt.Errorf("%w: %s (run %s)", ErrInboxBusy, root, run.ID)
			}
		}
	}
	l.runs[id] = &ActiveRun{ID: id, Root: root}
	return nil
}

func (l *RunLimiter) unclaim(id string) {
	l.mu.Lock()
	delete(l.runs, id)
	l.mu.Unlock()
}

func (l *RunLimiter) start(id string) {
	l.mu.Lock()
	l.runs[id].Since = time.Now()
	l.held++
	l.mu.Unlock()
}

// LimiterStatus is a snapshot of the limiter for the status API.
type LimiterStatus struct {
	Active        int         `json:"active"`
	Available     int         `json:"available"`
	MaxConcurrent int         `json:"max_concurrent"`
	Runs          []ActiveRun `json:"runs,omitempty"`
}

// Status returns the current limiter state. Runs is ordered by start time.
func (l *RunLimiter) Status() LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := LimiterStatus{
		Active:        l.held,
		Available:     l.max - l.held,
		MaxConcurrent: l.max,
	}
	for _, run := range l.runs {
		if !run.Since.IsZero() {
			status.Runs = append(status.Runs, *run)
		}
	}
	sort.Slice(status.Runs, func(i, j int) bool {
		return status.Runs[i].Since.Before(status.Runs[j].Since)
	})
	return status
}
