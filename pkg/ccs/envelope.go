// Package ccs defines the wire envelope exchanged with a Cloud Connection
// Server style push-messaging broker, and the classification of inbound
// frames into data messages, delivery receipts and control signals.
package ccs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message type discriminator values used by the broker. A data message
// carries no message_type at all.
const (
	TypeAck     = "ack"
	TypeNack    = "nack"
	TypeControl = "control"

	// ControlDraining is the control_type the broker sends when it wants
	// the client to stop submitting new downstream messages on this
	// connection because it will be closed soon.
	ControlDraining = "CONNECTION_DRAINING"
)

// ErrMalformedEnvelope is returned when an inbound frame cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is one downstream wire message. MessageID must be unique per
// envelope; the broker correlates its ack/nack replies by it.
type Envelope struct {
	To             string            `json:"to,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	MessageType    string            `json:"message_type,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	CollapseKey    string            `json:"collapse_key,omitempty"`
	TimeToLive     int64             `json:"time_to_live,omitempty"`
	DelayWhileIdle bool              `json:"delay_while_idle,omitempty"`
}

// Encode serializes the envelope to its wire JSON form. Data envelopes
// (no message_type) must carry a destination and a message id.
func Encode(e Envelope) ([]byte, error) {
	if e.MessageType == "" {
		if e.To == "" {
			return nil, fmt.Errorf("data envelope requires a destination address")
		}
		if e.MessageID == "" {
			return nil, fmt.Errorf("data envelope requires a message id")
		}
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return payload, nil
}

// Ack builds the acknowledgement envelope for a received upstream data
// message. The message id is the id of the message being acknowledged,
// not a fresh one.
func Ack(to, messageID string) Envelope {
	return Envelope{
		To:          to,
		MessageID:   messageID,
		MessageType: TypeAck,
	}
}

// InboundMessage is an upstream data message after decoding. It is built
// once per received frame and consumed synchronously by the delivery
// handler.
type InboundMessage struct {
	From      string
	MessageID string
	Data      map[string]string
}

// ReceiptKind distinguishes positive from negative delivery receipts.
type ReceiptKind string

const (
	ReceiptAck  ReceiptKind = "ack"
	ReceiptNack ReceiptKind = "nack"
)

// Receipt records the broker's acknowledgement of a prior downstream
// send. Receipts are observed, not retained, by the core.
type Receipt struct {
	Kind      ReceiptKind `bigquery:"kind" json:"kind"`
	MessageID string      `bigquery:"message_id" json:"message_id"`
	From      string      `bigquery:"from_address" json:"from"`
	Error     string      `bigquery:"error,nullable" json:"error,omitempty"`
	At        time.Time   `bigquery:"received_at" json:"at"`
}
