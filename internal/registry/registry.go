// Package registry tracks running and recently-completed jobs for the
// C3 component: concurrency limiting via a permit channel, cancellation
// via per-job signal channels, and a bounded FIFO of completed results
// so duplicate submissions can be answered idempotently.
package registry

import (
	"container/list"
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// CompletedJob is the cached result of a finished job.
type CompletedJob struct {
	ExitCode int32
	Error    string
}

// Status describes what IsKnown found for a job id.
type Status int

const (
	Unknown Status = iota
	Running
	Completed
)

// jobHandle is the running-job bookkeeping kept per active job.
type jobHandle struct {
	cancel chan struct{}
}

const maxCompleted = 1000

// Registry is the shared running/completed job table.
type Registry struct {
	logger hclog.Logger

	mu   sync.Mutex
	jobs map[string]*jobHandle

	completedMu    sync.Mutex
	completedOrder *list.List
	completedByID  map[string]*list.Element

	permits chan struct{}
}

type completedEntry struct {
	jobID  string
	result CompletedJob
}

// New creates a Registry that allows at most maxConcurrent executors
// running at once.
func New(maxConcurrent int, logger hclog.Logger) *Registry {
	permits := make(chan struct{}, maxConcurrent)
	for i := 0; i < maxConcurrent; i++ {
		permits <- struct{}{}
	}
	return &Registry{
		logger:         logger,
		jobs:           make(map[string]*jobHandle),
		completedOrder: list.New(),
		completedByID:  make(map[string]*list.Element),
		permits:        permits,
	}
}

// AcquirePermit blocks until a concurrency slot is free or ctx is done.
// The caller must call ReleasePermit exactly once if it returns without
// error.
func (r *Registry) AcquirePermit(ctx context.Context) error {
	select {
	case <-r.permits:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleasePermit returns a concurrency slot acquired via AcquirePermit.
func (r *Registry) ReleasePermit() {
	r.permits <- struct{}{}
}

// Register inserts a running job with its cancel channel. Called
// before permit acquisition so CancelJob can race the queue wait.
func (r *Registry) Register(jobID string, cancel chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = &jobHandle{cancel: cancel}
}

// Cancel signals the running job's cancel channel. A job not found is
// logged, not treated as an error (it may have already finished).
func (r *Registry) Cancel(jobID string) {
	r.mu.Lock()
	h, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("cancel: job not found in registry", "job_id", jobID)
		return
	}
	select {
	case h.cancel <- struct{}{}:
		r.logger.Info("cancel signal sent", "job_id", jobID)
	default:
		r.logger.Warn("cancel channel not ready, job may have already finished", "job_id", jobID)
	}
}

// Remove drops a job from the running table.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// ActiveCount returns the number of currently running jobs.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// IsKnown reports whether jobID is currently running, already
// completed (with its cached result), or unknown. The running table
// is checked first.
func (r *Registry) IsKnown(jobID string) (Status, CompletedJob) {
	r.mu.Lock()
	_, running := r.jobs[jobID]
	r.mu.Unlock()
	if running {
		return Running, CompletedJob{}
	}

	r.completedMu.Lock()
	defer r.completedMu.Unlock()
	if el, ok := r.completedByID[jobID]; ok {
		return Completed, el.Value.(completedEntry).result
	}
	return Unknown, CompletedJob{}
}

// MarkCompleted records a finished job's result, evicting the oldest
// entry once the cache exceeds its capacity (FIFO, not LRU — see
// DESIGN.md: peers never retry beyond a reconnect window, so eviction
// order only needs to bound memory, not favor recency).
func (r *Registry) MarkCompleted(jobID string, exitCode int32, errStr string) {
	r.completedMu.Lock()
	defer r.completedMu.Unlock()
	el := r.completedOrder.PushBack(completedEntry{jobID: jobID, result: CompletedJob{ExitCode: exitCode, Error: errStr}})
	r.completedByID[jobID] = el
	for r.completedOrder.Len() > maxCompleted {
		oldest := r.completedOrder.Front()
		r.completedOrder.Remove(oldest)
		delete(r.completedByID, oldest.Value.(completedEntry).jobID)
	}
}
