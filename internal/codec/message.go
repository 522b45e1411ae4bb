package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ControlType identifies an inbound text control message.
type ControlType string

// ControlEndOfStream asks the server to flush buffered audio, finish
// outstanding work and then close the session.
const ControlEndOfStream ControlType = "end_of_stream"

// Control is a parsed inbound text message.
type Control struct {
	Type ControlType `json:"type"`
}

// eosWord is accepted as a bare-text alternative to the JSON form.
const eosWord = "EOS"

// ParseControl parses an inbound text message. Accepted forms are
// {"type":"end_of_stream"} and the bare word EOS. Anything else yields a
// [*DecodeError].
func ParseControl(text []byte) (Control, error) {
	trimmed := bytes.TrimSpace(text)
	if string(trimmed) == eosWord {
		return Control{Type: ControlEndOfStream}, nil
	}

	var c Control
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return Control{}, &DecodeError{Reason: "control message is not valid JSON", Size: len(text)}
	}
	switch c.Type {
	case ControlEndOfStream:
		return c, nil
	case "":
		return Control{}, &DecodeError{Reason: "control message has no type", Size: len(text)}
	default:
		return Control{}, &DecodeError{Reason: fmt.Sprintf("unknown control type %q", c.Type), Size: len(text)}
	}
}

// MessageType is the "type" field of an outbound message.
type MessageType string

const (
	TypeResult  MessageType = "result"
	TypeError   MessageType = "error"
	TypeDropped MessageType = "dropped"
)

// Reason codes carried by error messages.
const (
	ReasonTimedOut      = "timed_out"
	ReasonFailed        = "failed"
	ReasonDecodeError   = "decode_error"
	ReasonFrameTooLarge = "frame_too_large"
	ReasonOutOfOrder    = "out_of_order"
	ReasonShutdown      = "shutdown"
)

// Message is an outbound message before encoding. SegmentID 0 means the
// message is not tied to a segment (segment IDs start at 1).
type Message struct {
	Type       MessageType
	SegmentID  uint64
	Transcript string
	Reply      string
	Reason     string
	Detail     string
}

type resultWire struct {
	Type       MessageType `json:"type"`
	SegmentID  uint64      `json:"segmentId"`
	Transcript string      `json:"transcript"`
	Reply      string      `json:"reply,omitempty"`
}

type errorWire struct {
	Type      MessageType `json:"type"`
	SegmentID uint64      `json:"segmentId,omitempty"`
	Reason    string      `json:"reason"`
	Message   string      `json:"message,omitempty"`
}

type droppedWire struct {
	Type      MessageType `json:"type"`
	SegmentID uint64      `json:"segmentId"`
}

// Encode serialises m to the JSON wire form sent to clients.
func Encode(m Message) ([]byte, error) {
	switch m.Type {
	case TypeResult:
		return json.Marshal(resultWire{Type: m.Type, SegmentID: m.SegmentID, Transcript: m.Transcript, Reply: m.Reply})
	case TypeError:
		if m.Reason == "" {
			return nil, fmt.Errorf("codec: error message without reason")
		}
		return json.Marshal(errorWire{Type: m.Type, SegmentID: m.SegmentID, Reason: m.Reason, Message: m.Detail})
	case TypeDropped:
		return json.Marshal(droppedWire{Type: m.Type, SegmentID: m.SegmentID})
	default:
		return nil, fmt.Errorf("codec: unknown message type %q", m.Type)
	}
}
