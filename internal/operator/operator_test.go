package operator

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "operator.sock")
	s := New(sockPath, hclog.NewNullLogger())
	require.NoError(t, s.Listen())
	go func() { _ = s.Serve() }()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dialTestClient(t *testing.T, s *Server) *net.UnixConn {
	t.Helper()
	addr, err := net.ResolveUnixAddr("unix", s.SocketPath)
	require.NoError(t, err)
	conn, err := net.DialUnix("unix", nil, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServerReceivesFramedEnvelope(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestClient(t, s)

	env, err := protocol.New("operator-cli", protocol.KindSessionQuery, &protocol.SessionQuery{})
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, data))

	select {
	case msg := <-s.Inbound:
		require.Equal(t, protocol.KindSessionQuery, msg.Envelope.Kind)
		require.NotZero(t, msg.Peer.UID+1) // UID 0 is valid; just exercise the field
	case <-time.After(2 * time.Second):
		t.Fatal("expected server to receive envelope")
	}
}

func TestBroadcastFansOutToAllOperators(t *testing.T) {
	s := startTestServer(t)
	c1 := dialTestClient(t, s)
	c2 := dialTestClient(t, s)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.conns) == 2
	}, time.Second, time.Millisecond)

	req := &protocol.ApprovalRequest{JobID: "J1", Tool: "curl"}
	require.NoError(t, s.RouteApproval(req))

	for _, c := range []*net.UnixConn{c1, c2} {
		data, err := readFrame(c)
		require.NoError(t, err)
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		require.Equal(t, protocol.KindApprovalRequest, env.Kind)
	}
}

func TestBroadcastWithNoOperatorsReturnsError(t *testing.T) {
	s := startTestServer(t)
	err := s.RouteApproval(&protocol.ApprovalRequest{JobID: "J1"})
	require.Error(t, err)
}

func TestPeerCallerID(t *testing.T) {
	require.Equal(t, "uid:1000", Peer{UID: 1000, Known: true}.CallerID())
	require.Equal(t, "uid:unknown", Peer{Known: false}.CallerID())
}

func TestListenRemovesStaleSocketFile(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "operator.sock")
	require.NoError(t, os.WriteFile(sockPath, []byte("stale"), 0o644))

	s := New(sockPath, hclog.NewNullLogger())
	require.NoError(t, s.Listen())
	t.Cleanup(func() { _ = s.Close() })
}
