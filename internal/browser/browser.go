// Package browser is the C11 browser proxy shim: a single-call
// dispatch boundary to an external browser-automation sidecar, using
// the same length-prefixed msgpack envelope framing as the operator
// channel (C10). Until a real sidecar is configured (or reachable),
// every dispatch fails with a descriptive error so callers can
// distinguish a missing sidecar from a sidecar-reported failure.
package browser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

// maxFrameSize matches the operator channel's frame cap; the sidecar
// boundary speaks the same wire shape.
const maxFrameSize = 16 * 1024 * 1024

// ErrNotConfigured is returned by Dispatch when no sidecar socket is
// configured for this daemon.
var ErrNotConfigured = errors.New("browser: no sidecar configured")

// Request describes one browser action to hand off to the sidecar.
type Request struct {
	JobID  string
	Action string
	Args   map[string]string
}

// Result is the sidecar's outcome for a Request.
type Result struct {
	JobID  string
	Output string
	Error  string
}

// Dispatcher sends a single Request to the browser sidecar and waits
// for its Result.
type Dispatcher struct {
	DeviceID   string
	SocketPath string
	Timeout    time.Duration
	Logger     hclog.Logger
}

// New builds a Dispatcher. An empty socketPath leaves the dispatcher
// permanently unconfigured.
func New(deviceID, socketPath string, logger hclog.Logger) *Dispatcher {
	return &Dispatcher{DeviceID: deviceID, SocketPath: socketPath, Timeout: 30 * time.Second, Logger: logger}
}

// Dispatch hands req to the sidecar over its Unix socket as a single
// BrowserDispatch envelope and returns the Result decoded from its
// BrowserResult reply. With no sidecar configured it returns
// ErrNotConfigured immediately rather than blocking.
func (d *Dispatcher) Dispatch(req Request) (Result, error) {
	if d.SocketPath == "" {
		return Result{}, ErrNotConfigured
	}

	conn, err := net.DialTimeout("unix", d.SocketPath, d.Timeout)
	if err != nil {
		d.Logger.Warn("browser sidecar unreachable", "job_id", req.JobID, "error", err)
		return Result{}, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(d.Timeout))

	env, err := protocol.New(d.DeviceID, protocol.KindBrowserDispatch, &protocol.BrowserDispatch{
		JobID:  req.JobID,
		Action: req.Action,
		Args:   req.Args,
	})
	if err != nil {
		return Result{}, fmt.Errorf("browser: build dispatch envelope: %w", err)
	}
	data, err := env.Encode()
	if err != nil {
		return Result{}, fmt.Errorf("browser: encode dispatch envelope: %w", err)
	}
	if err := writeFrame(conn, data); err != nil {
		return Result{}, fmt.Errorf("browser: write dispatch frame: %w", err)
	}

	reply, err := readFrame(conn)
	if err != nil {
		return Result{}, fmt.Errorf("browser: read result frame: %w", err)
	}
	replyEnv, err := protocol.Decode(reply)
	if err != nil {
		return Result{}, fmt.Errorf("browser: decode result envelope: %w", err)
	}
	if replyEnv.Kind != protocol.KindBrowserResult {
		return Result{}, fmt.Errorf("browser: unexpected reply kind %s", replyEnv.Kind)
	}
	var res protocol.BrowserResult
	if err := replyEnv.DecodePayload(&res); err != nil {
		return Result{}, fmt.Errorf("browser: decode result payload: %w", err)
	}
	return Result{JobID: res.JobID, Output: res.Output, Error: res.Error}, nil
}

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("browser: frame too large: %d bytes", len(data))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("browser: frame too large: %d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
