package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStartRunWritesRequestJSON(t *testing.T) {
	s := newTestStore(t)
	req := &protocol.JobRequest{JobID: "J1", Tool: "/bin/echo", Args: []string{"hi"}}
	s.StartRun("J1", req)

	data, err := os.ReadFile(filepath.Join(s.dataDir, "runs", "J1", "request.json"))
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "J1", got["job_id"])
	require.Equal(t, "/bin/echo", got["tool"])
}

func TestAppendStdoutAccumulates(t *testing.T) {
	s := newTestStore(t)
	s.StartRun("J1", &protocol.JobRequest{JobID: "J1", Tool: "/bin/echo"})
	s.AppendStdout("J1", []byte("hi"))
	s.AppendStdout("J1", []byte("\n"))

	data, err := os.ReadFile(filepath.Join(s.dataDir, "runs", "J1", "stdout"))
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(data))
}

func TestFinishRunWritesResultJSON(t *testing.T) {
	s := newTestStore(t)
	s.StartRun("J1", &protocol.JobRequest{JobID: "J1", Tool: "/bin/true"})
	s.FinishRun("J1", 0, "")

	data, err := os.ReadFile(filepath.Join(s.dataDir, "runs", "J1", "result.json"))
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	require.EqualValues(t, 0, got["exit_code"])
}

func TestLogEnvelopeAppendsTraceLine(t *testing.T) {
	s := newTestStore(t)
	env, err := protocol.New("dev1", protocol.KindJobFinished, &protocol.JobFinished{JobID: "J1"})
	require.NoError(t, err)
	env.Seq = 1
	s.LogEnvelope(env, Outbound)
	require.NoError(t, s.traceFile.Sync())

	data, err := os.ReadFile(filepath.Join(s.dataDir, "trace.jsonl"))
	require.NoError(t, err)
	var rec traceRecord
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &rec))
	require.Equal(t, "out", rec.Direction)
	require.Equal(t, "JobFinished", rec.Payload)
}
