package protocol

// Hello is the unstamped handshake envelope sent at the start of every
// controller-link connection.
type Hello struct {
	Version      string   `codec:"version"`
	Hostname     string   `codec:"hostname"`
	OS           string   `codec:"os"`
	Capabilities []string `codec:"capabilities"`
	LastAck      uint64   `codec:"last_ack"`
}

// JobRequest asks the daemon to run a tool as a child process.
type JobRequest struct {
	JobID      string            `codec:"job_id"`
	Tool       string            `codec:"tool"`
	Args       []string          `codec:"args"`
	Cwd        string            `codec:"cwd"`
	Env        map[string]string `codec:"env"`
	TimeoutMs  int64             `codec:"timeout_ms"`
}

// JobEvent carries one chunk of streamed child output. Exactly one of
// StdoutChunk/StderrChunk is non-nil, or Progress is set.
type JobEvent struct {
	JobID       string `codec:"job_id"`
	StdoutChunk []byte `codec:"stdout_chunk,omitempty"`
	StderrChunk []byte `codec:"stderr_chunk,omitempty"`
	Progress    *int32 `codec:"progress,omitempty"`
}

// JobFinished is the terminal success/failure envelope for a job.
type JobFinished struct {
	JobID    string `codec:"job_id"`
	ExitCode int32  `codec:"exit_code"`
	Error    string `codec:"error"`
}

// JobRejected is the terminal envelope when a job never spawns.
type JobRejected struct {
	JobID  string `codec:"job_id"`
	Reason string `codec:"reason"`
}

// CancelJob asks the daemon to kill a running job.
type CancelJob struct {
	JobID string `codec:"job_id"`
}

// RefusalContext describes a previous refusal surfaced to an approver.
type RefusalContext struct {
	Tool        string `codec:"tool"`
	Reason      string `codec:"reason"`
	RefusedAtMs int64  `codec:"refused_at_ms"`
}

// ApprovalRequest suspends a job pending a human decision.
type ApprovalRequest struct {
	JobID             string           `codec:"job_id"`
	Tool              string           `codec:"tool"`
	Args              []string         `codec:"args"`
	Cwd               string           `codec:"cwd"`
	Reason            string           `codec:"reason"`
	DetectedDomains   []string         `codec:"detected_domains"`
	ExpiresMs         int64            `codec:"expires_ms"`
	CallerID          string           `codec:"caller_id"`
	PreviousRefusals  []RefusalContext `codec:"previous_refusals"`
}

// ApprovalResponse resolves a pending ApprovalRequest.
type ApprovalResponse struct {
	JobID    string   `codec:"job_id"`
	Approved bool     `codec:"approved"`
	Reason   string   `codec:"reason"`
	Remember bool     `codec:"remember"`
	Domains  []string `codec:"domains"`
}

// PolicyQuery asks for the current PolicyState.
type PolicyQuery struct{}

// PolicyState is a snapshot of the runtime policy configuration.
type PolicyState struct {
	AllowedTools        []string `codec:"allowed_tools"`
	DeniedTools         []string `codec:"denied_tools"`
	DeniedPaths         []string `codec:"denied_paths"`
	AllowedDomains      []string `codec:"allowed_domains"`
	ApprovalTimeoutSecs uint64   `codec:"approval_timeout_secs"`
}

// PolicyUpdate applies an incremental add/remove to the policy lists.
type PolicyUpdate struct {
	AddAllowedTools      []string `codec:"add_allowed_tools"`
	RemoveAllowedTools   []string `codec:"remove_allowed_tools"`
	AddDeniedTools       []string `codec:"add_denied_tools"`
	RemoveDeniedTools    []string `codec:"remove_denied_tools"`
	AddDeniedPaths       []string `codec:"add_denied_paths"`
	RemoveDeniedPaths    []string `codec:"remove_denied_paths"`
	AddAllowedDomains    []string `codec:"add_allowed_domains"`
	RemoveAllowedDomains []string `codec:"remove_allowed_domains"`
	ApprovalTimeoutSecs  uint64   `codec:"approval_timeout_secs"`
}

// SessionMode is the per-caller consent mode.
type SessionMode int

const (
	SessionInactive SessionMode = iota
	SessionStrict
	SessionTrust
	SessionAutoAccept
)

func (m SessionMode) String() string {
	switch m {
	case SessionInactive:
		return "inactive"
	case SessionStrict:
		return "strict"
	case SessionTrust:
		return "trust"
	case SessionAutoAccept:
		return "auto_accept"
	default:
		return "unknown"
	}
}

// SetSessionMode changes the session mode for a caller.
type SetSessionMode struct {
	CallerID        string      `codec:"caller_id"`
	Mode            SessionMode `codec:"mode"`
	TrustTimeoutMin uint64      `codec:"trust_timeout_min"`
}

// SessionState reports a caller's current session mode.
type SessionState struct {
	CallerID        string      `codec:"caller_id"`
	Mode            SessionMode `codec:"mode"`
	TrustExpiresMs  int64       `codec:"trust_expires_ms"`
	TrustTimeoutMin uint64      `codec:"trust_timeout_min"`
}

// SessionQuery asks for one (non-empty CallerID) or all session states.
type SessionQuery struct {
	CallerID string `codec:"caller_id"`
}

// BrowserDispatch is the single JSON-RPC-shaped call C11 sends to the
// browser sidecar for one __browser__ JobRequest.
type BrowserDispatch struct {
	JobID  string            `codec:"job_id"`
	Action string            `codec:"action"`
	Args   map[string]string `codec:"args"`
}

// BrowserResult is the sidecar's reply to a BrowserDispatch, mapped by
// C11 into the same (exit_code, error) shape C4 produces.
type BrowserResult struct {
	JobID  string `codec:"job_id"`
	Output string `codec:"output"`
	Error  string `codec:"error"`
}
