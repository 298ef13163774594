package consent

import (
	"sync"

	"github.com/hostlink/hostlinkd/internal/policy"
)

// SessionMemory is the per-caller "remembered exceptions" set the
// policy evaluator (C7) consults alongside PolicyConfig: once a caller
// answers an ApprovalResponse with Remember=true, the approved tool or
// domain is added here and passes the allow-list checks in future
// policy evaluation for that same caller (the deny lists still apply).
type SessionMemory struct {
	mu       sync.Mutex
	byCaller map[string]map[string]bool
}

// NewSessionMemory creates an empty SessionMemory.
func NewSessionMemory() *SessionMemory {
	return &SessionMemory{byCaller: make(map[string]map[string]bool)}
}

// Remember adds keys (e.g. "tool:curl", "domain:example.com") to
// callerID's remembered set.
func (m *SessionMemory) Remember(callerID string, keys []string) {
	if len(keys) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byCaller[callerID]
	if !ok {
		set = make(map[string]bool)
		m.byCaller[callerID] = set
	}
	for _, k := range keys {
		set[k] = true
	}
}

// For returns the policy.Memory view scoped to callerID.
func (m *SessionMemory) For(callerID string) policy.Memory {
	return callerMemory{m: m, callerID: callerID}
}

type callerMemory struct {
	m        *SessionMemory
	callerID string
}

// Remembers reports whether key was previously remembered for this
// caller.
func (c callerMemory) Remembers(key string) bool {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	set := c.m.byCaller[c.callerID]
	return set != nil && set[key]
}
