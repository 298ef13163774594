// Package store persists the envelope trace and per-job run artifacts
// described for the C2 component: an append-only trace.jsonl plus a
// request/stdout/stderr/result tree per job id. All I/O here is
// best-effort — a write failure is logged and never propagated as a
// reason to drop a job.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

// Direction tags a trace record as inbound or outbound.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Store is the on-disk run store rooted at DataDir.
type Store struct {
	dataDir string
	logger  hclog.Logger

	traceMu   sync.Mutex
	traceFile *os.File
}

// Open creates dataDir and dataDir/runs if needed and opens trace.jsonl
// for appending.
func Open(dataDir string, logger hclog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dataDir, "trace.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &Store{dataDir: dataDir, logger: logger, traceFile: f}, nil
}

// Close releases the trace file handle.
func (s *Store) Close() error {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	return s.traceFile.Close()
}

type traceRecord struct {
	TsMs      int64  `json:"ts_ms"`
	Direction string `json:"direction"`
	DeviceID  string `json:"device_id"`
	MsgID     string `json:"msg_id"`
	Seq       uint64 `json:"seq"`
	Ack       uint64 `json:"ack"`
	Payload   string `json:"payload"`
}

// LogEnvelope appends one trace line describing env.
func (s *Store) LogEnvelope(env *protocol.Envelope, dir Direction) {
	rec := traceRecord{
		TsMs:      env.TsMs,
		Direction: string(dir),
		DeviceID:  env.DeviceID,
		MsgID:     env.MsgID,
		Seq:       env.Seq,
		Ack:       env.Ack,
		Payload:   string(env.Kind),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("failed to marshal trace record", "error", err)
		return
	}
	line = append(line, '\n')

	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	if _, err := s.traceFile.Write(line); err != nil {
		s.logger.Warn("failed to write trace", "error", err)
		return
	}
	if err := s.traceFile.Sync(); err != nil {
		s.logger.Warn("failed to flush trace", "error", err)
	}
}

func (s *Store) runDir(jobID string) string {
	return filepath.Join(s.dataDir, "runs", jobID)
}

type requestRecord struct {
	JobID     string            `json:"job_id"`
	Tool      string            `json:"tool"`
	Args      []string          `json:"args"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	TimeoutMs int64             `json:"timeout_ms"`
	StartMs   int64             `json:"start_ms"`
}

// StartRun creates the run directory and writes request.json.
func (s *Store) StartRun(jobID string, req *protocol.JobRequest) {
	dir := s.runDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("failed to create run dir", "job_id", jobID, "error", err)
		return
	}
	rec := requestRecord{
		JobID:     req.JobID,
		Tool:      req.Tool,
		Args:      req.Args,
		Cwd:       req.Cwd,
		Env:       req.Env,
		TimeoutMs: req.TimeoutMs,
		StartMs:   protocol.NowMs(),
	}
	if err := writeJSON(filepath.Join(dir, "request.json"), rec); err != nil {
		s.logger.Warn("failed to write request.json", "job_id", jobID, "error", err)
	}
}

// AppendStdout appends chunk to the run's stdout file.
func (s *Store) AppendStdout(jobID string, chunk []byte) {
	s.appendToFile(jobID, "stdout", chunk)
}

// AppendStderr appends chunk to the run's stderr file.
func (s *Store) AppendStderr(jobID string, chunk []byte) {
	s.appendToFile(jobID, "stderr", chunk)
}

func (s *Store) appendToFile(jobID, name string, chunk []byte) {
	path := filepath.Join(s.runDir(jobID), name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("failed to open run file", "job_id", jobID, "file", name, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(chunk); err != nil {
		s.logger.Warn("failed to append run file", "job_id", jobID, "file", name, "error", err)
	}
}

type resultRecord struct {
	JobID    string `json:"job_id"`
	ExitCode int32  `json:"exit_code"`
	Error    string `json:"error"`
	EndMs    int64  `json:"end_ms"`
}

// FinishRun writes result.json for a completed run.
func (s *Store) FinishRun(jobID string, exitCode int32, errStr string) {
	rec := resultRecord{
		JobID:    jobID,
		ExitCode: exitCode,
		Error:    errStr,
		EndMs:    protocol.NowMs(),
	}
	if err := writeJSON(filepath.Join(s.runDir(jobID), "result.json"), rec); err != nil {
		s.logger.Warn("failed to write result.json", "job_id", jobID, "error", err)
	}
}

func writeJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
