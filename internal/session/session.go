// Package session implements the C6 per-caller consent session state
// machine: Inactive, Strict, Trust (with a sliding expiry window), and
// AutoAccept. It also keeps the refusal log consulted by Strict mode
// so a caller retrying a recently-refused tool sees that history in
// its next approval request.
package session

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hostlink/hostlinkd/internal/policy"
	"github.com/hostlink/hostlinkd/internal/protocol"
)

const refusalTTLMs = 24 * 60 * 60 * 1000

type callerSession struct {
	mode            protocol.SessionMode
	trustExpiresMs  int64
	trustTimeoutMin uint64
}

type refusalEntry struct {
	tool        string
	reason      string
	refusedAtMs int64
}

// Manager tracks session state per caller id.
type Manager struct {
	logger hclog.Logger

	defaultMode            protocol.SessionMode
	defaultTrustTimeoutMin uint64

	mu       sync.Mutex
	sessions map[string]*callerSession
	refusals map[string][]refusalEntry
}

// New creates an empty Manager. Callers not yet seen default to
// SessionInactive.
func New(logger hclog.Logger) *Manager {
	return NewWithDefault(logger, protocol.SessionInactive, 0)
}

// NewWithDefault creates an empty Manager whose not-yet-seen callers
// start in defaultMode (e.g. the daemon's configured
// default_session_mode) instead of always defaulting to Inactive.
func NewWithDefault(logger hclog.Logger, defaultMode protocol.SessionMode, defaultTrustTimeoutMin uint64) *Manager {
	return &Manager{
		logger:                 logger,
		defaultMode:            defaultMode,
		defaultTrustTimeoutMin: defaultTrustTimeoutMin,
		sessions:               make(map[string]*callerSession),
		refusals:               make(map[string][]refusalEntry),
	}
}

// Verdict is the C6 session gate's outcome for one JobRequest.
type Verdict struct {
	Decision policy.Decision
	Reason   string
	Refusals []protocol.RefusalContext
}

// Decide evaluates callerID's current mode against req, per the
// session state machine: Inactive denies, Strict always asks (with
// recent refusals for the tool attached), Trust allows and slides its
// window, AutoAccept allows unconditionally.
func (m *Manager) Decide(callerID string, req *protocol.JobRequest) Verdict {
	switch mode := m.Mode(callerID); mode {
	case protocol.SessionInactive:
		return Verdict{Decision: policy.Deny, Reason: "session not activated"}

	case protocol.SessionStrict:
		return Verdict{
			Decision: policy.NeedsApproval,
			Reason:   fmt.Sprintf("strict mode: approval required for %s", req.Tool),
			Refusals: m.RecentRefusals(callerID, req.Tool),
		}

	case protocol.SessionTrust:
		m.Touch(callerID)
		return Verdict{Decision: policy.Allow}

	case protocol.SessionAutoAccept:
		return Verdict{Decision: policy.Allow}

	default:
		return Verdict{Decision: policy.Deny, Reason: "session not activated"}
	}
}

// RecordRefusal appends a refusal for callerID/tool, expiring 24h from
// now.
func (m *Manager) RecordRefusal(callerID, tool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refusals[callerID] = append(m.refusals[callerID], refusalEntry{
		tool:        tool,
		reason:      reason,
		refusedAtMs: protocol.NowMs(),
	})
}

// RecentRefusals returns callerID's unexpired refusals for tool,
// pruning anything older than 24h as a side effect.
func (m *Manager) RecentRefusals(callerID, tool string) []protocol.RefusalContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := protocol.NowMs()
	kept := m.refusals[callerID][:0]
	var out []protocol.RefusalContext
	for _, r := range m.refusals[callerID] {
		if now-r.refusedAtMs > refusalTTLMs {
			continue
		}
		kept = append(kept, r)
		if r.tool == tool {
			out = append(out, protocol.RefusalContext{Tool: r.tool, Reason: r.reason, RefusedAtMs: r.refusedAtMs})
		}
	}
	if len(kept) == 0 {
		delete(m.refusals, callerID)
	} else {
		m.refusals[callerID] = kept
	}
	return out
}

// SetMode installs a new mode for callerID. Trust mode starts a window
// of trustTimeoutMin minutes from now (0 means the Manager's default
// trust timeout); other modes ignore the timeout.
func (m *Manager) SetMode(callerID string, mode protocol.SessionMode, trustTimeoutMin uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if trustTimeoutMin == 0 {
		trustTimeoutMin = m.defaultTrustTimeoutMin
	}
	cs := &callerSession{mode: mode, trustTimeoutMin: trustTimeoutMin}
	if mode == protocol.SessionTrust {
		cs.trustExpiresMs = protocol.NowMs() + int64(trustTimeoutMin)*60*1000
	}
	m.sessions[callerID] = cs
	m.logger.Info("session mode set", "caller_id", callerID, "mode", mode.String())
}

// Touch slides the trust window forward for callerID if it is
// currently in Trust mode. It is a no-op in every other mode.
func (m *Manager) Touch(callerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.sessions[callerID]
	if !ok || cs.mode != protocol.SessionTrust {
		return
	}
	cs.trustExpiresMs = protocol.NowMs() + int64(cs.trustTimeoutMin)*60*1000
}

// Mode returns callerID's effective mode, demoting an expired Trust
// window to Inactive as a side effect. A caller not yet seen starts in
// the Manager's configured default mode.
func (m *Manager) Mode(callerID string) protocol.SessionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.sessions[callerID]
	if !ok {
		return m.defaultMode
	}
	if cs.mode == protocol.SessionTrust && protocol.NowMs() >= cs.trustExpiresMs {
		cs.mode = protocol.SessionInactive
		m.logger.Info("trust window expired", "caller_id", callerID)
	}
	return cs.mode
}

// State returns the full SessionState snapshot for callerID.
func (m *Manager) State(callerID string) protocol.SessionState {
	mode := m.Mode(callerID)

	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.sessions[callerID]
	st := protocol.SessionState{CallerID: callerID, Mode: mode}
	if cs != nil {
		st.TrustExpiresMs = cs.trustExpiresMs
		st.TrustTimeoutMin = cs.trustTimeoutMin
	}
	return st
}

// All returns a SessionState snapshot for every caller id seen so far.
func (m *Manager) All() []protocol.SessionState {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	states := make([]protocol.SessionState, 0, len(ids))
	for _, id := range ids {
		states = append(states, m.State(id))
	}
	return states
}
