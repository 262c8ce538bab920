package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageType is the leading byte of every data channel message.
type MessageType byte

const (
	MsgEnvelope MessageType = 0x01
	// MsgEnd half-closes the sender's side of the channel.
	MsgEnd MessageType = 0x02
	// MsgAck answers MsgEnd once the receiver has processed the stream.
	MsgAck MessageType = 0x03
	// MsgAbort cancels the channel; the body is a UTF-8 reason.
	MsgAbort MessageType = 0x04
)

func (t MessageType) String() string {
	switch t {
	case MsgEnvelope:
		return "envelope"
	case MsgEnd:
		return "end"
	case MsgAck:
		return "ack"
	case MsgAbort:
		return "abort"
	default:
		return fmt.Sprintf("0x%02x", byte(t))
	}
}

// Message is a decoded data channel message.
type Message struct {
	Type     MessageType
	Envelope *Envelope
	Reason   string
}

// EncodeMessage encodes m as a type byte followed by its body.
func EncodeMessage(m Message) ([]byte, error) {
	switch m.Type {
	case MsgEnvelope:
		if m.Envelope == nil {
			return nil, errors.New("envelope message without envelope")
		}
		body, err := msgpack.Marshal(m.Envelope)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		out := make([]byte, 0, len(body)+1)
		out = append(out, byte(MsgEnvelope))
		return append(out, body...), nil
	case MsgEnd, MsgAck:
		return []byte{byte(m.Type)}, nil
	case MsgAbort:
		out := make([]byte, 0, len(m.Reason)+1)
		out = append(out, byte(MsgAbort))
		return append(out, m.Reason...), nil
	default:
		return nil, fmt.Errorf("unknown message type %s", m.Type)
	}
}

// DecodeMessage decodes a message produced by EncodeMessage.
func DecodeMessage(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, &FrameError{Kind: FrameErrorDecode, Msg: "empty message"}
	}
	m := Message{Type: MessageType(b[0])}
	body := b[1:]
	switch m.Type {
	case MsgEnvelope:
		var env Envelope
		if err := msgpack.Unmarshal(body, &env); err != nil {
			return Message{}, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode envelope", Err: err}
		}
		if err := env.ValidateBasic(); err != nil {
			return Message{}, &FrameError{Kind: FrameErrorDecode, Msg: "invalid envelope", Err: err}
		}
		m.Envelope = &env
	case MsgEnd, MsgAck:
		if len(body) != 0 {
			return Message{}, &FrameError{Kind: FrameErrorDecode, Msg: fmt.Sprintf("%s message with %d byte body", m.Type, len(body))}
		}
	case MsgAbort:
		m.Reason = string(body)
	default:
		return Message{}, &FrameError{Kind: FrameErrorDecode, Msg: fmt.Sprintf("unknown message type %s", m.Type)}
	}
	return m, nil
}
