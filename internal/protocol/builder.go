package protocol

import (
	"strconv"
	"time"

	"github.com/hashicorp/go-uuid"
)

// NewMsgID returns a sender-unique message id. Envelope message ids are
// free-form; a random UUID keeps them collision-free across restarts
// without any shared counter state.
func NewMsgID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "d-" + strconv.FormatInt(NowMs(), 10)
	}
	return id
}

// NowMs returns the current time as Unix milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// New builds an unstamped envelope (Seq=0, Ack=0) for deviceID carrying
// payload, ready to be handed to an Outbox for stamping.
func New(deviceID string, kind Kind, payload interface{}) (*Envelope, error) {
	e := &Envelope{
		DeviceID: deviceID,
		MsgID:    NewMsgID(),
		TsMs:     NowMs(),
	}
	if err := e.SetPayload(kind, payload); err != nil {
		return nil, err
	}
	return e, nil
}
