package transport

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a wire protocol frame.
type FrameType string

// Outbound frame types (client → hub).
const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
	FrameResume      FrameType = "resume"
)

// Inbound frame types (hub → client).
const (
	FrameMessage    FrameType = "message"
	FrameConnected  FrameType = "connected"
	FrameSubscribed FrameType = "subscribed"
	FramePublished  FrameType = "published"
	FrameError      FrameType = "error"
	FrameHistory    FrameType = "history"
	FrameAck        FrameType = "ack"
)

// Frame is the single JSON envelope exchanged with the hub. Fields are
// populated per frame type; everything else stays omitted on the wire.
type Frame struct {
	Type    FrameType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Acknowledged sends carry AckID; the hub answers with an ack frame
	// echoing the id plus Ok.
	AckID string `json:"ackId,omitempty"`
	Ok    *bool  `json:"ok,omitempty"`

	// Sequenced job replay (resume frames and sequenced messages).
	JobID        string `json:"jobId,omitempty"`
	Sequence     uint64 `json:"sequence,omitempty"`
	LastSequence uint64 `json:"lastSequence,omitempty"`

	// Delivery confirmation for publish frames.
	Count int `json:"count,omitempty"`

	Timestamp int64  `json:"timestamp,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Message   string `json:"message,omitempty"` // error frames
}

// MarshalData encodes v for use as a Frame's Data field.
func MarshalData(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal frame data: %w", err)
	}
	return raw, nil
}
