package ccs

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameKind is the result of classifying one inbound frame.
type FrameKind int

const (
	// FrameData is an upstream application data message.
	FrameData FrameKind = iota
	// FrameAck is a positive delivery receipt for a prior downstream send.
	FrameAck
	// FrameNack is a negative delivery receipt.
	FrameNack
	// FrameControl is a broker control signal, currently only draining.
	FrameControl
	// FrameUnrecognized is a structurally valid frame with a message_type
	// this client does not understand.
	FrameUnrecognized
)

func (k FrameKind) String() string {
	switch k {
	case FrameData:
		return "data"
	case FrameAck:
		return "ack"
	case FrameNack:
		return "nack"
	case FrameControl:
		return "control"
	default:
		return "unrecognized"
	}
}

// Frame is a classified inbound frame. Exactly one of Message or Receipt
// is populated, matching Kind.
type Frame struct {
	Kind     FrameKind
	Message  *InboundMessage
	Receipt  *Receipt
	Draining bool
	// RawType preserves the message_type of unrecognized frames for logging.
	RawType string
}

// inboundWire mirrors the broker's inbound JSON shape. message_type is a
// pointer so an absent discriminator can be told apart from an empty one.
type inboundWire struct {
	From        string            `json:"from"`
	MessageID   string            `json:"message_id"`
	MessageType *string           `json:"message_type"`
	ControlType string            `json:"control_type"`
	Data        map[string]string `json:"data"`
	Error       string            `json:"error"`
}

// Classify decodes a raw inbound frame and sorts it into the delivery
// state machine's input alphabet. A frame that is not valid JSON, or a
// data frame missing its routing fields, fails with ErrMalformedEnvelope;
// the caller logs and drops it.
func Classify(raw []byte) (Frame, error) {
	var wire inboundWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if wire.MessageType == nil {
		if wire.From == "" || wire.MessageID == "" {
			return Frame{}, fmt.Errorf("%w: data frame missing from/message_id", ErrMalformedEnvelope)
		}
		data := wire.Data
		if data == nil {
			data = map[string]string{}
		}
		return Frame{
			Kind: FrameData,
			Message: &InboundMessage{
				From:      wire.From,
				MessageID: wire.MessageID,
				Data:      data,
			},
		}, nil
	}

	switch *wire.MessageType {
	case TypeAck:
		return Frame{
			Kind:    FrameAck,
			Receipt: &Receipt{Kind: ReceiptAck, MessageID: wire.MessageID, From: wire.From, At: time.Now().UTC()},
		}, nil
	case TypeNack:
		return Frame{
			Kind:    FrameNack,
			Receipt: &Receipt{Kind: ReceiptNack, MessageID: wire.MessageID, From: wire.From, Error: wire.Error, At: time.Now().UTC()},
		}, nil
	case TypeControl:
		return Frame{
			Kind:     FrameControl,
			Draining: wire.ControlType == ControlDraining,
		}, nil
	default:
		return Frame{Kind: FrameUnrecognized, RawType: *wire.MessageType}, nil
	}
}
