// Package approval implements the C5 approval manager: each job
// awaiting operator consent gets a single-slot pending entry: the
// first ApprovalResponse to arrive resolves it, and a request that is
// never answered expires after its timeout.
package approval

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

// ErrTimedOut is returned by Await when no response arrives in time.
var ErrTimedOut = errors.New("approval: request timed out")

// ErrAlreadyResolved is returned by Resolve when a second response
// arrives for a job whose pending entry already fired.
var ErrAlreadyResolved = errors.New("approval: already resolved")

type pending struct {
	resultCh chan *protocol.ApprovalResponse
}

// Manager tracks in-flight approval requests awaiting a single
// operator response each.
type Manager struct {
	logger hclog.Logger

	mu      sync.Mutex
	waiting map[string]*pending
}

// New creates an empty Manager.
func New(logger hclog.Logger) *Manager {
	return &Manager{
		logger:  logger,
		waiting: make(map[string]*pending),
	}
}

// Await registers jobID as awaiting approval and blocks until Resolve
// is called for it or timeout elapses, whichever comes first.
func (m *Manager) Await(jobID string, timeout time.Duration) (*protocol.ApprovalResponse, error) {
	p := &pending{resultCh: make(chan *protocol.ApprovalResponse, 1)}

	m.mu.Lock()
	m.waiting[jobID] = p
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.resultCh:
		return resp, nil
	case <-timer.C:
		m.mu.Lock()
		delete(m.waiting, jobID)
		m.mu.Unlock()
		m.logger.Warn("approval request timed out", "job_id", jobID)
		return nil, ErrTimedOut
	}
}

// Resolve delivers resp as the answer to jobID's pending approval. It
// is a no-op past the first call for a given job: the buffered result
// channel accepts exactly one send, and later callers get
// ErrAlreadyResolved.
func (m *Manager) Resolve(jobID string, resp *protocol.ApprovalResponse) error {
	m.mu.Lock()
	p, ok := m.waiting[jobID]
	if ok {
		delete(m.waiting, jobID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrAlreadyResolved
	}
	p.resultCh <- resp
	return nil
}

// Pending reports whether jobID currently has an outstanding request.
func (m *Manager) Pending(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waiting[jobID]
	return ok
}

// Cancel drops jobID's pending entry without resolving it, used when
// the underlying job is cancelled while still awaiting approval.
func (m *Manager) Cancel(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiting, jobID)
}
