// Package outbox implements the per-connection sequence/ack bookkeeping
// and the replay buffer described for the envelope protocol's C1
// component: every outgoing envelope is stamped with a monotonic seq
// and the locally observed ack, buffered until the peer acknowledges
// it, and replayed in order after a reconnect.
package outbox

import (
	"container/list"
	"sync"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

type entry struct {
	seq  uint64
	data []byte
}

// Outbox owns one connection's seq/ack state and unacked buffer.
type Outbox struct {
	mu        sync.Mutex
	nextSeq   uint64
	localAck  uint64
	peerAck   uint64
	buffer    *list.List
	maxBuffer int
}

// New creates an Outbox with the given buffer capacity.
func New(maxBuffer int) *Outbox {
	return &Outbox{
		nextSeq:   1,
		buffer:    list.New(),
		maxBuffer: maxBuffer,
	}
}

// Stamp assigns the next seq and the current local ack to env, except
// for Hello envelopes which are never stamped (seq stays 0).
func (o *Outbox) Stamp(env *protocol.Envelope) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if env.Kind == protocol.KindHello {
		env.Seq = 0
		env.Ack = o.localAck
		return 0
	}
	seq := o.nextSeq
	o.nextSeq++
	env.Seq = seq
	env.Ack = o.localAck
	return seq
}

// Store buffers the encoded bytes of a stamped envelope for possible
// replay, evicting the oldest entry once over capacity.
func (o *Outbox) Store(seq uint64, data []byte) {
	if seq == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buffer.PushBack(entry{seq: seq, data: data})
	for o.buffer.Len() > o.maxBuffer {
		o.buffer.Remove(o.buffer.Front())
	}
}

// Prepare stamps env, encodes it, stores the encoded bytes, and
// returns them ready to write to the wire.
func (o *Outbox) Prepare(env *protocol.Envelope) ([]byte, error) {
	o.Stamp(env)
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	o.Store(env.Seq, data)
	return data, nil
}

// OnRecv advances the local ack watermark when a peer seq is observed.
func (o *Outbox) OnRecv(seq uint64) {
	if seq == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq > o.localAck {
		o.localAck = seq
	}
}

// OnPeerAck advances the peer-ack watermark and drops every buffered
// entry whose seq is now covered.
func (o *Outbox) OnPeerAck(ack uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ack > o.peerAck {
		o.peerAck = ack
	}
	for e := o.buffer.Front(); e != nil; {
		next := e.Next()
		if e.Value.(entry).seq <= o.peerAck {
			o.buffer.Remove(e)
		} else {
			break
		}
		e = next
	}
}

// DrainUnacked returns a snapshot of still-buffered encoded envelopes
// in seq order, for replay after a reconnect.
func (o *Outbox) DrainUnacked() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, 0, o.buffer.Len())
	for e := o.buffer.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(entry).data)
	}
	return out
}

// LocalAck is the highest seq received from the peer, sent as Hello's
// last_ack on (re)connect.
func (o *Outbox) LocalAck() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localAck
}

// PendingCount returns the number of still-unacked buffered envelopes.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buffer.Len()
}
