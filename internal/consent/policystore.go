package consent

import (
	"sync"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

// PolicyStore is the mutable, concurrency-safe holder for the
// runtime PolicyState that PolicyUpdate envelopes mutate in place.
type PolicyStore struct {
	mu    sync.RWMutex
	state protocol.PolicyState
}

// NewPolicyStore seeds a PolicyStore from an initial snapshot.
func NewPolicyStore(initial protocol.PolicyState) *PolicyStore {
	return &PolicyStore{state: initial}
}

// Snapshot returns a copy of the current PolicyState.
func (p *PolicyStore) Snapshot() protocol.PolicyState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Apply merges an incremental PolicyUpdate into the current state.
func (p *PolicyStore) Apply(update *protocol.PolicyUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.AllowedTools = addRemove(p.state.AllowedTools, update.AddAllowedTools, update.RemoveAllowedTools)
	p.state.DeniedTools = addRemove(p.state.DeniedTools, update.AddDeniedTools, update.RemoveDeniedTools)
	p.state.DeniedPaths = addRemove(p.state.DeniedPaths, update.AddDeniedPaths, update.RemoveDeniedPaths)
	p.state.AllowedDomains = addRemove(p.state.AllowedDomains, update.AddAllowedDomains, update.RemoveAllowedDomains)
	if update.ApprovalTimeoutSecs > 0 {
		p.state.ApprovalTimeoutSecs = update.ApprovalTimeoutSecs
	}
}

// addRemove returns base with remove dropped and add appended,
// preserving order and de-duplicating.
func addRemove(base, add, remove []string) []string {
	removed := make(map[string]bool, len(remove))
	for _, v := range remove {
		removed[v] = true
	}

	seen := make(map[string]bool, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, v := range base {
		if removed[v] || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	for _, v := range add {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
