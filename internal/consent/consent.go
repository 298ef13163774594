// Package consent implements the C8 orchestrator: it wires the
// session, policy, approval, and executor components into the full
// request lifecycle a JobRequest goes through — dedup, session gating,
// policy evaluation, optional operator approval, permit-gated spawn,
// and exactly one terminal envelope back to the channel the request
// arrived on.
package consent

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hostlink/hostlinkd/internal/approval"
	"github.com/hostlink/hostlinkd/internal/browser"
	"github.com/hostlink/hostlinkd/internal/executor"
	"github.com/hostlink/hostlinkd/internal/metrics"
	"github.com/hostlink/hostlinkd/internal/policy"
	"github.com/hostlink/hostlinkd/internal/protocol"
	"github.com/hostlink/hostlinkd/internal/registry"
	"github.com/hostlink/hostlinkd/internal/session"
	"github.com/hostlink/hostlinkd/internal/store"
)

// BrowserTool is the reserved JobRequest.Tool value that routes a job
// through the C11 browser proxy shim instead of spawning a local child
// process.
const BrowserTool = "__browser__"

// ApprovalRouter delivers an ApprovalRequest envelope to whatever
// operators are currently connected. The C10 operator channel
// implements this.
type ApprovalRouter interface {
	RouteApproval(req *protocol.ApprovalRequest) error
}

// Pipeline is the shared consent orchestrator for one daemon instance.
type Pipeline struct {
	DeviceID string

	Sessions  *session.Manager
	Policy    *PolicyStore
	Memory    *SessionMemory
	Approvals *approval.Manager
	Registry  *registry.Registry
	Store     *store.Store
	Approver  ApprovalRouter
	Browser   *browser.Dispatcher

	ApprovalTimeout time.Duration

	logger hclog.Logger
}

// New builds a Pipeline from its components.
func New(deviceID string, sessions *session.Manager, policyState protocol.PolicyState, approvals *approval.Manager, reg *registry.Registry, st *store.Store, approver ApprovalRouter, approvalTimeout time.Duration, logger hclog.Logger) *Pipeline {
	return &Pipeline{
		DeviceID:        deviceID,
		Sessions:        sessions,
		Policy:          NewPolicyStore(policyState),
		Memory:          NewSessionMemory(),
		Approvals:       approvals,
		Registry:        reg,
		Store:           st,
		Approver:        approver,
		ApprovalTimeout: approvalTimeout,
		logger:          logger,
	}
}

// Submit handles one JobRequest end to end. It never blocks the
// caller past dispatch: the full session/policy/approval/spawn
// sequence runs on its own goroutine, and the terminal envelope
// (JobFinished or JobRejected) is written to out asynchronously.
//
// done is closed whenever Submit returns without ever sending to out —
// the Running-duplicate path is the only such case today — so a relay
// goroutine waiting to receive from out has a signal to stop waiting for a
// terminal envelope that this call will never produce.
func (p *Pipeline) Submit(ctx context.Context, callerID string, req *protocol.JobRequest, out chan<- *protocol.Envelope, done chan<- struct{}) {
	if status, cached := p.Registry.IsKnown(req.JobID); status == registry.Completed {
		p.logger.Info("duplicate job request replayed from cache", "job_id", req.JobID)
		p.sendFinished(req.JobID, cached.ExitCode, cached.Error, out)
		return
	} else if status == registry.Running {
		p.logger.Info("duplicate job request for already-running job ignored", "job_id", req.JobID)
		close(done)
		return
	}

	go p.run(ctx, callerID, req, out)
}

// run executes the session → policy → approval → spawn sequence
// described in §4.8. The session gate gets the first word: Inactive
// denies outright, Strict always suspends for approval, Trust/
// AutoAccept fall through to the policy evaluator which may still
// deny or suspend a request the session itself would have allowed.
func (p *Pipeline) run(ctx context.Context, callerID string, req *protocol.JobRequest, out chan<- *protocol.Envelope) {
	sessVerdict := p.Sessions.Decide(callerID, req)

	switch sessVerdict.Decision {
	case policy.Deny:
		metrics.JobRejected(req.Tool, sessVerdict.Reason)
		p.sendRejected(req.JobID, sessVerdict.Reason, out)
		return

	case policy.NeedsApproval:
		verdict := policy.Verdict{
			Decision:        policy.NeedsApproval,
			Reason:          sessVerdict.Reason,
			DetectedDomains: policy.ExtractDomains(req.Tool, req.Args),
		}
		if !p.awaitApproval(callerID, req, verdict, sessVerdict.Refusals, out) {
			return
		}

	case policy.Allow:
		polVerdict := policy.Evaluate(p.Policy.Snapshot(), p.Memory.For(callerID), req)
		switch polVerdict.Decision {
		case policy.Deny:
			metrics.JobRejected(req.Tool, polVerdict.Reason)
			p.sendRejected(req.JobID, polVerdict.Reason, out)
			return
		case policy.NeedsApproval:
			if !p.awaitApproval(callerID, req, polVerdict, nil, out) {
				return
			}
		}
	}

	metrics.JobAccepted(req.Tool)
	p.spawn(ctx, req, out)
}

// awaitApproval routes an ApprovalRequest to the operator channel and
// blocks for a decision. It returns true if the job should proceed.
func (p *Pipeline) awaitApproval(callerID string, req *protocol.JobRequest, verdict policy.Verdict, refusals []protocol.RefusalContext, out chan<- *protocol.Envelope) bool {
	areq := &protocol.ApprovalRequest{
		JobID:            req.JobID,
		Tool:             req.Tool,
		Args:             req.Args,
		Cwd:              req.Cwd,
		Reason:           verdict.Reason,
		DetectedDomains:  verdict.DetectedDomains,
		ExpiresMs:        protocol.NowMs() + p.ApprovalTimeout.Milliseconds(),
		CallerID:         callerID,
		PreviousRefusals: refusals,
	}

	if err := p.Approver.RouteApproval(areq); err != nil {
		p.logger.Warn("failed to route approval request", "job_id", req.JobID, "error", err)
		metrics.JobRejected(req.Tool, "no operator available")
		p.sendRejected(req.JobID, "no operator available: "+err.Error(), out)
		return false
	}

	resp, err := p.Approvals.Await(req.JobID, p.ApprovalTimeout)
	if err != nil {
		metrics.ApprovalOutcome("timeout")
		metrics.JobRejected(req.Tool, "approval timed out")
		p.sendRejected(req.JobID, "approval timed out", out)
		return false
	}

	if !resp.Approved {
		metrics.ApprovalOutcome("denied")
		reason := "approval denied"
		if resp.Reason != "" {
			reason = "approval denied: " + resp.Reason
			p.Sessions.RecordRefusal(callerID, req.Tool, resp.Reason)
		}
		metrics.JobRejected(req.Tool, reason)
		p.sendRejected(req.JobID, reason, out)
		return false
	}

	metrics.ApprovalOutcome("approved")
	if resp.Remember {
		p.Memory.Remember(callerID, rememberKeys(req.Tool, resp.Domains))
	}
	return true
}

func rememberKeys(tool string, domains []string) []string {
	keys := make([]string, 0, 1+len(domains))
	keys = append(keys, "tool:"+tool)
	for _, d := range domains {
		keys = append(keys, "domain:"+d)
	}
	return keys
}

// spawn registers req with the registry, blocks until a concurrency
// permit is free, then runs req and streams its events through out,
// releasing the permit on completion. Registering before the permit
// wait lets a CancelJob or a duplicate JobRequest see the job while it
// is still queued. A JobRequest for the special BrowserTool is instead
// handed off to the browser proxy shim (C11), but per §4.8 step 6 it
// acquires the same permit as an executor-bound job, so the two
// invocation targets share one concurrency budget rather than letting
// browser jobs run unbounded alongside it.
func (p *Pipeline) spawn(ctx context.Context, req *protocol.JobRequest, out chan<- *protocol.Envelope) {
	cancel := make(chan struct{}, 1)
	p.Registry.Register(req.JobID, cancel)
	defer p.Registry.Remove(req.JobID)

	if err := p.Registry.AcquirePermit(ctx); err != nil {
		p.sendRejected(req.JobID, "daemon shutting down", out)
		return
	}
	defer p.Registry.ReleasePermit()

	if req.Tool == BrowserTool && p.Browser != nil {
		p.spawnBrowser(req, out)
		return
	}

	metrics.ActiveJobs(p.Registry.ActiveCount())
	defer metrics.ActiveJobs(p.Registry.ActiveCount())

	start := time.Now()
	res := executor.Run(p.DeviceID, req, out, cancel, p.Store, p.logger)
	metrics.JobFinished(req.Tool, res.ExitCode, time.Since(start))
	p.Registry.MarkCompleted(req.JobID, res.ExitCode, res.Error)
}

// spawnBrowser dispatches a single call to the browser sidecar, sends
// any sidecar output as one stdout JobEvent, and synthesizes the
// terminal JobFinished envelope from its result. Called only while
// spawn holds the job's registry entry and a concurrency permit, so
// idempotent replay behaves the same as for a spawned job; a CancelJob
// arriving during the dispatch is not observed.
func (p *Pipeline) spawnBrowser(req *protocol.JobRequest, out chan<- *protocol.Envelope) {
	action := ""
	if len(req.Args) > 0 {
		action = req.Args[0]
	}
	result, err := p.Browser.Dispatch(browser.Request{JobID: req.JobID, Action: action, Args: req.Env})
	if err != nil {
		p.logger.Warn("browser dispatch failed", "job_id", req.JobID, "error", err)
		p.Registry.MarkCompleted(req.JobID, -1, err.Error())
		p.sendFinished(req.JobID, -1, err.Error(), out)
		return
	}
	if result.Output != "" {
		if env, err := protocol.New(p.DeviceID, protocol.KindJobEvent, &protocol.JobEvent{JobID: req.JobID, StdoutChunk: []byte(result.Output)}); err == nil {
			out <- env
		}
	}
	exitCode := int32(0)
	if result.Error != "" {
		exitCode = -1
	}
	p.Registry.MarkCompleted(req.JobID, exitCode, result.Error)
	p.sendFinished(req.JobID, exitCode, result.Error, out)
}

// Cancel signals a running job to stop, or drops its pending approval
// if it hasn't spawned yet.
func (p *Pipeline) Cancel(jobID string) {
	p.Approvals.Cancel(jobID)
	p.Registry.Cancel(jobID)
}

func (p *Pipeline) sendRejected(jobID, reason string, out chan<- *protocol.Envelope) {
	env, err := protocol.New(p.DeviceID, protocol.KindJobRejected, &protocol.JobRejected{JobID: jobID, Reason: reason})
	if err != nil {
		p.logger.Warn("failed to build job rejected envelope", "job_id", jobID, "error", err)
		return
	}
	out <- env
}

func (p *Pipeline) sendFinished(jobID string, exitCode int32, errStr string, out chan<- *protocol.Envelope) {
	env, err := protocol.New(p.DeviceID, protocol.KindJobFinished, &protocol.JobFinished{JobID: jobID, ExitCode: exitCode, Error: errStr})
	if err != nil {
		p.logger.Warn("failed to build job finished envelope", "job_id", jobID, "error", err)
		return
	}
	out <- env
}
