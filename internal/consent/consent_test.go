package consent

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hostlink/hostlinkd/internal/approval"
	"github.com/hostlink/hostlinkd/internal/protocol"
	"github.com/hostlink/hostlinkd/internal/registry"
	"github.com/hostlink/hostlinkd/internal/session"
	"github.com/hostlink/hostlinkd/internal/store"
)

type fakeApprover struct {
	received chan *protocol.ApprovalRequest
	fail     bool
}

func newFakeApprover() *fakeApprover {
	return &fakeApprover{received: make(chan *protocol.ApprovalRequest, 4)}
}

func (f *fakeApprover) RouteApproval(req *protocol.ApprovalRequest) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.received <- req
	return nil
}

func newTestPipeline(t *testing.T, state protocol.PolicyState, approver ApprovalRouter, timeout time.Duration) (*Pipeline, chan *protocol.Envelope) {
	t.Helper()
	st, err := store.Open(t.TempDir(), hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := New(
		"dev1",
		session.New(hclog.NewNullLogger()),
		state,
		approval.New(hclog.NewNullLogger()),
		registry.New(4, hclog.NewNullLogger()),
		st,
		approver,
		timeout,
		hclog.NewNullLogger(),
	)
	out := make(chan *protocol.Envelope, 32)
	return p, out
}

func recvKind(t *testing.T, out chan *protocol.Envelope, kind protocol.Kind, timeout time.Duration) *protocol.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-out:
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for envelope kind %s", kind)
		}
	}
}

func TestSubmitAllowedToolRunsAndFinishes(t *testing.T) {
	p, out := newTestPipeline(t, protocol.PolicyState{AllowedTools: []string{"echo"}}, newFakeApprover(), time.Second)
	p.Sessions.SetMode("caller1", protocol.SessionAutoAccept, 0)
	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "echo", Args: []string{"hi"}}, out, make(chan struct{}))

	env := recvKind(t, out, protocol.KindJobFinished, 2*time.Second)
	var fin protocol.JobFinished
	require.NoError(t, env.DecodePayload(&fin))
	require.EqualValues(t, 0, fin.ExitCode)
}

func TestSubmitInactiveSessionIsDenied(t *testing.T) {
	p, out := newTestPipeline(t, protocol.PolicyState{AllowedTools: []string{"echo"}}, newFakeApprover(), time.Second)
	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "echo"}, out, make(chan struct{}))

	env := recvKind(t, out, protocol.KindJobRejected, time.Second)
	var rej protocol.JobRejected
	require.NoError(t, env.DecodePayload(&rej))
	require.Contains(t, rej.Reason, "session not activated")
}

func TestSubmitDeniedToolIsRejectedImmediately(t *testing.T) {
	p, out := newTestPipeline(t, protocol.PolicyState{DeniedTools: []string{"rm"}}, newFakeApprover(), time.Second)
	p.Sessions.SetMode("caller1", protocol.SessionAutoAccept, 0)
	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "rm", Args: []string{"-rf", "/"}}, out, make(chan struct{}))

	env := recvKind(t, out, protocol.KindJobRejected, time.Second)
	var rej protocol.JobRejected
	require.NoError(t, env.DecodePayload(&rej))
	require.Contains(t, rej.Reason, "denylisted")
}

func TestSubmitNeedsApprovalThenGranted(t *testing.T) {
	approver := newFakeApprover()
	p, out := newTestPipeline(t, protocol.PolicyState{AllowedTools: []string{"echo"}}, approver, 2*time.Second)
	p.Sessions.SetMode("caller1", protocol.SessionStrict, 0)

	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "echo", Args: []string{"hi"}}, out, make(chan struct{}))

	var areq *protocol.ApprovalRequest
	select {
	case areq = <-approver.received:
	case <-time.After(time.Second):
		t.Fatal("expected approval request to be routed")
	}
	require.Equal(t, "J1", areq.JobID)
	require.Equal(t, "caller1", areq.CallerID)
	require.Contains(t, areq.Reason, "strict mode")

	require.Eventually(t, func() bool { return p.Approvals.Pending("J1") }, time.Second, time.Millisecond)
	require.NoError(t, p.Approvals.Resolve("J1", &protocol.ApprovalResponse{JobID: "J1", Approved: true}))

	env := recvKind(t, out, protocol.KindJobFinished, 2*time.Second)
	var fin protocol.JobFinished
	require.NoError(t, env.DecodePayload(&fin))
	require.EqualValues(t, 0, fin.ExitCode)
}

func TestSubmitNeedsApprovalTimesOut(t *testing.T) {
	p, out := newTestPipeline(t, protocol.PolicyState{AllowedTools: []string{"echo"}}, newFakeApprover(), 30*time.Millisecond)
	p.Sessions.SetMode("caller1", protocol.SessionStrict, 0)
	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "echo"}, out, make(chan struct{}))

	env := recvKind(t, out, protocol.KindJobRejected, time.Second)
	var rej protocol.JobRejected
	require.NoError(t, env.DecodePayload(&rej))
	require.Contains(t, rej.Reason, "timed out")
}

func TestSubmitNoOperatorAvailableRejectsImmediately(t *testing.T) {
	approver := newFakeApprover()
	approver.fail = true
	p, out := newTestPipeline(t, protocol.PolicyState{AllowedTools: []string{"echo"}}, approver, time.Second)
	p.Sessions.SetMode("caller1", protocol.SessionStrict, 0)
	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "echo"}, out, make(chan struct{}))

	env := recvKind(t, out, protocol.KindJobRejected, time.Second)
	var rej protocol.JobRejected
	require.NoError(t, env.DecodePayload(&rej))
	require.Contains(t, rej.Reason, "no operator available")
}

func TestDeniedApprovalWithReasonIsRecordedAsRefusal(t *testing.T) {
	approver := newFakeApprover()
	p, out := newTestPipeline(t, protocol.PolicyState{AllowedTools: []string{"echo"}}, approver, time.Second)
	p.Sessions.SetMode("caller1", protocol.SessionStrict, 0)

	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "echo"}, out, make(chan struct{}))
	<-approver.received
	require.NoError(t, p.Approvals.Resolve("J1", &protocol.ApprovalResponse{JobID: "J1", Approved: false, Reason: "looked risky"}))

	env := recvKind(t, out, protocol.KindJobRejected, time.Second)
	var rej protocol.JobRejected
	require.NoError(t, env.DecodePayload(&rej))
	require.Contains(t, rej.Reason, "looked risky")

	refusals := p.Sessions.RecentRefusals("caller1", "echo")
	require.Len(t, refusals, 1)
	require.Equal(t, "looked risky", refusals[0].Reason)
}

func TestRememberedApprovalSkipsFutureApprovalForSameCaller(t *testing.T) {
	approver := newFakeApprover()
	p, out := newTestPipeline(t, protocol.PolicyState{AllowedDomains: []string{"other.example"}}, approver, time.Second)
	p.Sessions.SetMode("caller1", protocol.SessionTrust, 60)

	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "curl", Args: []string{"https://example.com"}}, out, make(chan struct{}))
	<-approver.received
	require.NoError(t, p.Approvals.Resolve("J1", &protocol.ApprovalResponse{JobID: "J1", Approved: true, Remember: true, Domains: []string{"example.com"}}))
	recvKind(t, out, protocol.KindJobFinished, time.Second)

	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J2", Tool: "curl", Args: []string{"https://example.com"}}, out, make(chan struct{}))
	select {
	case <-approver.received:
		t.Fatal("remembered domain should not require a second approval")
	case <-time.After(200 * time.Millisecond):
	}
	recvKind(t, out, protocol.KindJobFinished, time.Second)
}

func TestSubmitDuplicateCompletedJobReplaysFromCache(t *testing.T) {
	p, out := newTestPipeline(t, protocol.PolicyState{AllowedTools: []string{"echo"}}, newFakeApprover(), time.Second)
	p.Sessions.SetMode("caller1", protocol.SessionAutoAccept, 0)
	p.Registry.MarkCompleted("J1", 0, "")

	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "echo"}, out, make(chan struct{}))
	env := recvKind(t, out, protocol.KindJobFinished, time.Second)
	var fin protocol.JobFinished
	require.NoError(t, env.DecodePayload(&fin))
	require.EqualValues(t, 0, fin.ExitCode)
}

func TestSubmitDuplicateRunningJobClosesDoneWithoutSending(t *testing.T) {
	p, out := newTestPipeline(t, protocol.PolicyState{AllowedTools: []string{"sleep"}}, newFakeApprover(), time.Second)
	p.Sessions.SetMode("caller1", protocol.SessionAutoAccept, 0)
	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "sleep", Args: []string{"30"}}, out, make(chan struct{}))

	require.Eventually(t, func() bool {
		status, _ := p.Registry.IsKnown("J1")
		return status == registry.Running
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "sleep", Args: []string{"30"}}, out, done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected done to be closed for a duplicate running-job request")
	}
	select {
	case env := <-out:
		t.Fatalf("duplicate running-job request should not send anything, got %s", env.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	p.Cancel("J1")
	recvKind(t, out, protocol.KindJobFinished, 5*time.Second)
}

func TestCancelSignalsRunningJob(t *testing.T) {
	p, out := newTestPipeline(t, protocol.PolicyState{AllowedTools: []string{"sleep"}}, newFakeApprover(), time.Second)
	p.Sessions.SetMode("caller1", protocol.SessionAutoAccept, 0)
	p.Submit(context.Background(), "caller1", &protocol.JobRequest{JobID: "J1", Tool: "sleep", Args: []string{"30"}}, out, make(chan struct{}))

	require.Eventually(t, func() bool {
		status, _ := p.Registry.IsKnown("J1")
		return status == registry.Running
	}, time.Second, time.Millisecond)

	p.Cancel("J1")

	env := recvKind(t, out, protocol.KindJobFinished, 5*time.Second)
	var fin protocol.JobFinished
	require.NoError(t, env.DecodePayload(&fin))
	require.Equal(t, "cancelled", fin.Error)
}
