// Package executor implements the C4 job executor: spawn a child
// process, stream its stdout/stderr back as envelopes while racing
// timeout and cancellation, and report a terminal result.
package executor

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hostlink/hostlinkd/internal/protocol"
	"github.com/hostlink/hostlinkd/internal/store"
)

const readBufSize = 4096

// Result is the terminal (exit code, error) pair for a finished job.
type Result struct {
	ExitCode int32
	Error    string
}

// Run spawns req as a child process and streams its output through
// out as JobEvent envelopes, finishing with exactly one JobFinished.
// It blocks until the job is finished, cancelled, or times out.
func Run(
	deviceID string,
	req *protocol.JobRequest,
	out chan<- *protocol.Envelope,
	cancel <-chan struct{},
	st *store.Store,
	logger hclog.Logger,
) Result {
	jobID := req.JobID
	logger.Info("starting job", "job_id", jobID, "tool", req.Tool)

	if st != nil {
		st.StartRun(jobID, req)
	}

	cmd := exec.Command(req.Tool, req.Args...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	if len(req.Env) > 0 {
		env := os.Environ()
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	devNull, err := os.Open(os.DevNull)
	if err == nil {
		cmd.Stdin = devNull
		defer devNull.Close()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return finish(deviceID, jobID, -1, err.Error(), out, st, logger)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return finish(deviceID, jobID, -1, err.Error(), out, st, logger)
	}

	if err := cmd.Start(); err != nil {
		logger.Warn("failed to spawn", "job_id", jobID, "error", err)
		return finish(deviceID, jobID, -1, err.Error(), out, st, logger)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamPipe(&wg, jobID, stdout, true, out, st, deviceID, logger)
	go streamPipe(&wg, jobID, stderr, false, out, st, deviceID, logger)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if req.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(req.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case waitErr := <-done:
		wg.Wait()
		if waitErr == nil {
			logger.Info("job finished", "job_id", jobID, "exit_code", 0)
			return finish(deviceID, jobID, 0, "", out, st, logger)
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := int32(exitErr.ExitCode())
			logger.Info("job finished", "job_id", jobID, "exit_code", code)
			return finish(deviceID, jobID, code, "", out, st, logger)
		}
		logger.Warn("job wait error", "job_id", jobID, "error", waitErr)
		return finish(deviceID, jobID, -1, waitErr.Error(), out, st, logger)

	case <-timeoutCh:
		logger.Warn("job timed out, killing process", "job_id", jobID)
		killAndDrain(cmd, done, &wg)
		return finish(deviceID, jobID, -1, "timeout", out, st, logger)

	case <-cancel:
		logger.Warn("job cancelled, killing process", "job_id", jobID)
		killAndDrain(cmd, done, &wg)
		return finish(deviceID, jobID, -1, "cancelled", out, st, logger)
	}
}

func killAndDrain(cmd *exec.Cmd, done chan error, wg *sync.WaitGroup) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	wg.Wait()
}

func streamPipe(wg *sync.WaitGroup, jobID string, pipe interface{ Read([]byte) (int, error) }, isStdout bool, out chan<- *protocol.Envelope, st *store.Store, deviceID string, logger hclog.Logger) {
	defer wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if st != nil {
				if isStdout {
					st.AppendStdout(jobID, chunk)
				} else {
					st.AppendStderr(jobID, chunk)
				}
			}
			env, buildErr := protocol.New(deviceID, protocol.KindJobEvent, eventPayload(jobID, isStdout, chunk))
			if buildErr != nil {
				logger.Warn("failed to build job event", "job_id", jobID, "error", buildErr)
			} else {
				out <- env
			}
		}
		if err != nil {
			return
		}
	}
}

func eventPayload(jobID string, isStdout bool, chunk []byte) *protocol.JobEvent {
	ev := &protocol.JobEvent{JobID: jobID}
	if isStdout {
		ev.StdoutChunk = chunk
	} else {
		ev.StderrChunk = chunk
	}
	return ev
}

func finish(deviceID, jobID string, exitCode int32, errStr string, out chan<- *protocol.Envelope, st *store.Store, logger hclog.Logger) Result {
	if st != nil {
		st.FinishRun(jobID, exitCode, errStr)
	}
	env, err := protocol.New(deviceID, protocol.KindJobFinished, &protocol.JobFinished{
		JobID:    jobID,
		ExitCode: exitCode,
		Error:    errStr,
	})
	if err != nil {
		logger.Warn("failed to build job finished", "job_id", jobID, "error", err)
	} else {
		out <- env
	}
	return Result{ExitCode: exitCode, Error: errStr}
}
