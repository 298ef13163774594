// Package controller implements the C9 controller channel: a
// long-lived gorilla/websocket client that reconnects with
// exponential backoff, re-handshakes with a Hello carrying the last
// acknowledged sequence, and replays any outbox entries the peer
// never acknowledged.
package controller

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/hostlink/hostlinkd/internal/metrics"
	"github.com/hostlink/hostlinkd/internal/outbox"
	"github.com/hostlink/hostlinkd/internal/protocol"
	"github.com/hostlink/hostlinkd/internal/store"
)

// Client is a reconnecting websocket link to the controller.
type Client struct {
	URL      string
	DeviceID string
	Hostname string

	// Capabilities is advertised in every Hello handshake. Per §6 it
	// must name at least one of "exec" or "ctl"/"node"; this daemon
	// always offers both: it runs jobs (exec) and accepts policy/
	// session control envelopes over this same channel (ctl).
	Capabilities []string

	Outbox *outbox.Outbox
	Store  *store.Store
	Logger hclog.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// Inbound receives every envelope decoded from the controller.
	Inbound chan *protocol.Envelope
	// Outbound is drained and sent whenever a connection is live.
	Outbound chan *protocol.Envelope

	dialer *websocket.Dialer
}

// New builds a Client whose Inbound and Outbound channels each buffer
// 64 envelopes; Run only ever reads from Outbound and writes to Inbound.
func New(url, deviceID, hostname string, ob *outbox.Outbox, st *store.Store, logger hclog.Logger) *Client {
	return &Client{
		URL:          url,
		DeviceID:     deviceID,
		Hostname:     hostname,
		Capabilities: []string{"exec", "ctl"},
		Outbox:       ob,
		Store:        st,
		Logger:       logger,
		MinBackoff:   time.Second,
		MaxBackoff:   30 * time.Second,
		Inbound:      make(chan *protocol.Envelope, 64),
		Outbound:     make(chan *protocol.Envelope, 64),
		dialer:       websocket.DefaultDialer,
	}
}

// Run dials and redials the controller until ctx is cancelled,
// doubling its backoff from MinBackoff up to MaxBackoff on every
// failed or dropped connection and resetting to MinBackoff after any
// connection survives long enough to exchange a Hello.
func (c *Client) Run(ctx context.Context) {
	backoff := c.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.runOnce(ctx, func() { backoff = c.MinBackoff })
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.Logger.Warn("controller connection dropped", "error", err)
		}
		metrics.ControllerReconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.MaxBackoff {
			backoff = c.MaxBackoff
		}
	}
}

func (c *Client) runOnce(ctx context.Context, onHandshake func()) error {
	conn, _, err := c.dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	hello, err := protocol.New(c.DeviceID, protocol.KindHello, &protocol.Hello{
		Version:      "1",
		Hostname:     c.Hostname,
		OS:           "linux",
		Capabilities: c.Capabilities,
		LastAck:      c.Outbox.LocalAck(),
	})
	if err != nil {
		return err
	}
	if err := c.writeEnvelope(conn, hello); err != nil {
		return err
	}
	c.Logger.Info("controller connected, hello sent", "last_ack", hello.Ack)
	onHandshake()

	for _, data := range c.Outbox.DrainUnacked() {
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return err
		}
	}

	readErrCh := make(chan error, 1)
	go c.readLoop(conn, readErrCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErrCh:
			return err
		case env := <-c.Outbound:
			if err := c.writeEnvelope(conn, env); err != nil {
				return err
			}
		}
	}
}

func (c *Client) writeEnvelope(conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := c.Outbox.Prepare(env)
	if err != nil {
		return err
	}
	if c.Store != nil {
		c.Store.LogEnvelope(env, store.Outbound)
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.Logger.Warn("failed to decode controller message", "error", err)
			continue
		}
		c.Outbox.OnRecv(env.Seq)
		c.Outbox.OnPeerAck(env.Ack)
		if c.Store != nil {
			c.Store.LogEnvelope(env, store.Inbound)
		}
		c.Inbound <- env
	}
}
