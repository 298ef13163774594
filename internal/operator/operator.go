// Package operator implements the C10 operator channel: a local Unix
// domain socket speaking length-prefixed envelope frames, used by
// operator tools to observe jobs, answer ApprovalRequests, and change
// session modes. Every accepted connection's peer credentials are
// looked up via SO_PEERCRED so the daemon knows which local user it is
// talking to.
package operator

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

const maxFrameSize = 16 * 1024 * 1024

// outboundBufferSize bounds each connection's per-peer send queue. A
// peer slow enough to fill it has its oldest pending envelope dropped
// (and logged) rather than stalling delivery to every other operator.
const outboundBufferSize = 32

// Peer identifies the local user on the other end of a connection. A
// peer whose credentials could not be determined is reported with
// Known=false, and the connection is still served rather than closed.
type Peer struct {
	PID   int32
	UID   uint32
	GID   uint32
	Known bool
}

// CallerID returns the consent-pipeline caller identifier for p, per
// §6: "uid:<uid>", or "uid:unknown" when peer credentials were
// unavailable.
func (p Peer) CallerID() string {
	if !p.Known {
		return "uid:unknown"
	}
	return fmt.Sprintf("uid:%d", p.UID)
}

// Message pairs a decoded envelope with the connection it arrived on.
type Message struct {
	Peer     Peer
	Envelope *protocol.Envelope
	conn     *conn
}

type conn struct {
	id     string
	c      *net.UnixConn
	peer   Peer
	logger hclog.Logger

	outbound chan *protocol.Envelope
	done     chan struct{}
}

// enqueue hands env to this connection's own outbound worker. It never
// blocks the caller: a peer too slow to drain its queue has its oldest
// pending envelope dropped (and logged) instead of stalling delivery
// to every other connection sharing the same Broadcast call.
func (c *conn) enqueue(env *protocol.Envelope) {
	select {
	case c.outbound <- env:
		return
	default:
	}
	select {
	case dropped := <-c.outbound:
		c.logger.Warn("operator connection lagging, dropped oldest queued envelope", "kind", dropped.Kind)
	default:
	}
	select {
	case c.outbound <- env:
	default:
		c.logger.Warn("operator connection lagging, dropped envelope", "kind", env.Kind)
	}
}

// sendLoop is this connection's sole writer goroutine; it serializes
// every write to c.c so no locking is needed around the socket itself.
func (c *conn) sendLoop() {
	for {
		select {
		case env, ok := <-c.outbound:
			if !ok {
				return
			}
			data, err := env.Encode()
			if err != nil {
				c.logger.Warn("failed to encode envelope for operator", "error", err)
				continue
			}
			if err := writeFrame(c.c, data); err != nil {
				c.logger.Warn("failed to write to operator connection", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Server listens on a Unix socket and fans incoming envelopes out to
// Inbound, while letting callers broadcast (e.g. ApprovalRequest) or
// reply to (e.g. JobEvent) connected operators.
type Server struct {
	SocketPath string
	SocketMode os.FileMode
	Logger     hclog.Logger

	Inbound chan Message

	mu    sync.Mutex
	conns map[*conn]struct{}

	listener *net.UnixListener
}

// New creates a Server that will listen on socketPath with the default
// file mode 0o660.
func New(socketPath string, logger hclog.Logger) *Server {
	return &Server{
		SocketPath: socketPath,
		SocketMode: 0o660,
		Logger:     logger,
		Inbound:    make(chan Message, 64),
		conns:      make(map[*conn]struct{}),
	}
}

// Listen binds the Unix socket, removing any stale socket file first.
func (s *Server) Listen() error {
	_ = os.Remove(s.SocketPath)
	addr, err := net.ResolveUnixAddr("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("operator: resolve socket path: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("operator: listen: %w", err)
	}
	if err := os.Chmod(s.SocketPath, s.SocketMode); err != nil {
		s.Logger.Warn("failed to chmod operator socket", "error", err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		c, err := s.listener.AcceptUnix()
		if err != nil {
			return err
		}
		peer, err := peerCredentials(c)
		if err != nil {
			s.Logger.Warn("peer credentials unavailable, serving as uid:unknown", "error", err)
			peer = Peer{}
		}
		cn := &conn{
			c:        c,
			peer:     peer,
			logger:   s.Logger,
			outbound: make(chan *protocol.Envelope, outboundBufferSize),
			done:     make(chan struct{}),
		}
		s.addConn(cn)
		go cn.sendLoop()
		go s.handle(cn)
	}
}

// Close shuts down the listener and every connected operator.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.c.Close()
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) handle(c *conn) {
	defer func() {
		s.removeConn(c)
		close(c.done)
		c.c.Close()
	}()
	for {
		data, err := readFrame(c.c)
		if err != nil {
			if err != io.EOF {
				s.Logger.Warn("operator connection read error", "error", err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.Logger.Warn("failed to decode operator frame", "error", err)
			continue
		}
		s.Inbound <- Message{Peer: c.peer, Envelope: env, conn: c}
	}
}

// Broadcast queues env for delivery to every currently connected
// operator, returning an error only if there are none to deliver to.
// Each connection has its own buffered outbound queue and writer
// goroutine, so a single lagged or stuck operator only drops its own
// queued envelopes (logged, not fatal) rather than blocking delivery
// to the others.
func (s *Server) Broadcast(env *protocol.Envelope) error {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		return fmt.Errorf("operator: no operators connected")
	}
	for _, c := range conns {
		c.enqueue(env)
	}
	return nil
}

// RouteApproval implements consent.ApprovalRouter by broadcasting the
// request to every connected operator.
func (s *Server) RouteApproval(req *protocol.ApprovalRequest) error {
	env, err := protocol.New("daemon", protocol.KindApprovalRequest, req)
	if err != nil {
		return err
	}
	return s.Broadcast(env)
}

// Reply queues env for delivery back to the specific operator that
// sent msg.
func (s *Server) Reply(msg Message, env *protocol.Envelope) error {
	msg.conn.enqueue(env)
	return nil
}

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("operator: frame too large: %d bytes", len(data))
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
		return nil, fmt.Errorf("operator: frame too large: %d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func peerCredentials(c *net.UnixConn) (Peer, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return Peer{}, err
	}

	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Peer{}, err
	}
	if sockErr != nil {
		return Peer{}, sockErr
	}
	return Peer{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid, Known: true}, nil
}
