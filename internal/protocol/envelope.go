// Package protocol defines the wire envelope shared by the controller
// link and the local operator socket, and its msgpack encoding.
package protocol

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Kind names the concrete payload carried by an Envelope. Kept as a
// plain string (rather than an iota) so trace logging can stamp the
// variant name without decoding Body.
type Kind string

const (
	KindHello           Kind = "Hello"
	KindJobRequest       Kind = "JobRequest"
	KindJobEvent         Kind = "JobEvent"
	KindJobFinished      Kind = "JobFinished"
	KindJobRejected      Kind = "JobRejected"
	KindCancelJob        Kind = "CancelJob"
	KindApprovalRequest  Kind = "ApprovalRequest"
	KindApprovalResponse Kind = "ApprovalResponse"
	KindPolicyQuery      Kind = "PolicyQuery"
	KindPolicyState      Kind = "PolicyState"
	KindPolicyUpdate     Kind = "PolicyUpdate"
	KindSetSessionMode   Kind = "SetSessionMode"
	KindSessionState     Kind = "SessionState"
	KindSessionQuery     Kind = "SessionQuery"
	KindBrowserDispatch  Kind = "BrowserDispatch"
	KindBrowserResult    Kind = "BrowserResult"
)

// Envelope is the single transport unit. Exactly one of the payload
// types below is encoded into Body; Kind says which.
type Envelope struct {
	DeviceID string `codec:"device_id"`
	MsgID    string `codec:"msg_id"`
	TsMs     int64  `codec:"ts_ms"`
	Seq      uint64 `codec:"seq"`
	Ack      uint64 `codec:"ack"`
	Kind     Kind   `codec:"kind"`
	Body     []byte `codec:"body"`
}

func handle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	return h
}

// Encode serializes the envelope to its wire representation.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle())
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a wire representation into the envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	dec := codec.NewDecoder(bytes.NewReader(data), handle())
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// SetPayload msgpack-encodes v into the envelope body and sets Kind.
func (e *Envelope) SetPayload(kind Kind, v interface{}) error {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle())
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode payload %s: %w", kind, err)
	}
	e.Kind = kind
	e.Body = buf.Bytes()
	return nil
}

// DecodePayload msgpack-decodes the envelope body into v. The caller
// is expected to check Kind first and pass a matching concrete type.
func (e *Envelope) DecodePayload(v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(e.Body), handle())
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode payload %s: %w", e.Kind, err)
	}
	return nil
}
