// Package wire implements the datagram format exchanged by peers.
//
// A frame is one discriminator byte followed by an optional UTF-8 payload.
// Only event frames carry a payload: a JSON envelope holding the event name
// and the positional arguments, themselves JSON-encoded as an array and
// nested as a string.
package wire

import (
	"errors"
	"fmt"
)

// MaxFrameSize is the largest payload a UDP datagram carries over IPv4.
const MaxFrameSize = 65507

var (
	ErrProtocolDecode = errors.New("wire: malformed frame")
	ErrUnknownKind    = fmt.Errorf("%w: unknown frame kind", ErrProtocolDecode)
	ErrEmptyFrame     = fmt.Errorf("%w: empty datagram", ErrProtocolDecode)
	ErrTooLargeFrame  = errors.New("wire: frame does not fit in a datagram")
	ErrInvalidArgs    = errors.New("wire: arguments cannot be encoded")
)

// Kind discriminates frames.
type Kind byte

const (
	KindEvent Kind = 0xD1
	KindJoin  Kind = 0xD2
	KindLeave Kind = 0xD4
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	default:
		return fmt.Sprintf("unknown(0x%X)", byte(k))
	}
}

// Frame is what travels in a single datagram. `Event` is only set for
// `KindEvent` frames.
type Frame struct {
	Kind  Kind
	Event *Event
}

// Event is a named occurrence with its positional arguments.
type Event struct {
	Name string
	Args Args

	// Origin identifies the emitting instance, when it told us.
	Origin string
}

func Join() Frame {
	return Frame{Kind: KindJoin}
}

func Leave() Frame {
	return Frame{Kind: KindLeave}
}

func NewEvent(name, origin string, args Args) Frame {
	return Frame{
		Kind: KindEvent,
		Event: &Event{
			Name:   name,
			Args:   args,
			Origin: origin,
		},
	}
}

// Encode a frame into a datagram.
func Encode(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindJoin, KindLeave:
		return []byte{byte(f.Kind)}, nil
	case KindEvent:
		if f.Event == nil {
			return nil, fmt.Errorf("%w: event frame without event", ErrInvalidArgs)
		}
		payload, err := marshalEnvelope(f.Event)
		if err != nil {
			return nil, err
		}
		if len(payload)+1 > MaxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(payload)+1)
		}
		buf := make([]byte, 0, len(payload)+1)
		buf = append(buf, byte(KindEvent))
		return append(buf, payload...), nil
	default:
		return nil, fmt.Errorf("%w: 0x%X", ErrUnknownKind, byte(f.Kind))
	}
}

// Decode a datagram. Errors always wrap `ErrProtocolDecode`, the returned
// frame still carries the kind when the discriminator could be read.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 1 {
		return Frame{}, ErrEmptyFrame
	}

	kind := Kind(buf[0])
	switch kind {
	case KindJoin, KindLeave:
		return Frame{Kind: kind}, nil
	case KindEvent:
		ev, err := unmarshalEnvelope(buf[1:])
		if err != nil {
			return Frame{Kind: kind}, err
		}
		return Frame{Kind: kind, Event: ev}, nil
	default:
		return Frame{Kind: kind}, fmt.Errorf("%w: 0x%X", ErrUnknownKind, buf[0])
	}
}
