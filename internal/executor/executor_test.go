package executor

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hostlink/hostlinkd/internal/protocol"
	"github.com/hostlink/hostlinkd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func drain(out chan *protocol.Envelope) []*protocol.Envelope {
	var envs []*protocol.Envelope
	for {
		select {
		case e := <-out:
			envs = append(envs, e)
		default:
			return envs
		}
	}
}

func TestRunHappyEcho(t *testing.T) {
	out := make(chan *protocol.Envelope, 16)
	cancel := make(chan struct{})
	req := &protocol.JobRequest{JobID: "J1", Tool: "echo", Args: []string{"hello"}}

	res := Run("dev1", req, out, cancel, newTestStore(t), hclog.NewNullLogger())
	require.EqualValues(t, 0, res.ExitCode)
	require.Empty(t, res.Error)

	envs := drain(out)
	require.NotEmpty(t, envs)
	last := envs[len(envs)-1]
	require.Equal(t, protocol.KindJobFinished, last.Kind)

	var found bool
	for _, e := range envs {
		if e.Kind != protocol.KindJobEvent {
			continue
		}
		var ev protocol.JobEvent
		require.NoError(t, e.DecodePayload(&ev))
		if len(ev.StdoutChunk) > 0 {
			found = true
		}
	}
	require.True(t, found, "expected at least one stdout chunk event")
}

func TestRunNonZeroExit(t *testing.T) {
	out := make(chan *protocol.Envelope, 16)
	cancel := make(chan struct{})
	req := &protocol.JobRequest{JobID: "J2", Tool: "false"}

	res := Run("dev1", req, out, cancel, newTestStore(t), hclog.NewNullLogger())
	require.NotEqualValues(t, 0, res.ExitCode)
}

func TestRunCancelRacing(t *testing.T) {
	out := make(chan *protocol.Envelope, 64)
	cancel := make(chan struct{}, 1)
	req := &protocol.JobRequest{JobID: "J3", Tool: "sleep", Args: []string{"30"}}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel <- struct{}{}
	}()

	start := time.Now()
	res := Run("dev1", req, out, cancel, newTestStore(t), hclog.NewNullLogger())
	require.Less(t, time.Since(start), 10*time.Second)
	require.Equal(t, "cancelled", res.Error)
}

func TestRunTimeout(t *testing.T) {
	out := make(chan *protocol.Envelope, 64)
	cancel := make(chan struct{})
	req := &protocol.JobRequest{JobID: "J4", Tool: "sleep", Args: []string{"30"}, TimeoutMs: 50}

	res := Run("dev1", req, out, cancel, newTestStore(t), hclog.NewNullLogger())
	require.Equal(t, "timeout", res.Error)
}
