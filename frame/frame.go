// Package frame implements AMQP 1.0 frames and performatives.
package frame

import (
	"errors"
	"fmt"

	"github.com/mycoria/amqplink/encoding"
	"github.com/mycoria/amqplink/m"
)

// Errors.
var (
	ErrInsufficientFrameData = errors.New("insufficient frame data")
	ErrIncorrectLength       = errors.New("incorrect length")
	ErrUnknownPerformative   = errors.New("unknown performative")
	ErrInvalidPerformative   = errors.New("invalid performative")
	ErrInvalidDeliveryState  = errors.New("invalid delivery state")
)

// Descriptor codes of performatives.
const (
	CodeOpen        uint64 = 0x10
	CodeBegin       uint64 = 0x11
	CodeAttach      uint64 = 0x12
	CodeFlow        uint64 = 0x13
	CodeTransfer    uint64 = 0x14
	CodeDisposition uint64 = 0x15
	CodeDetach      uint64 = 0x16
	CodeEnd         uint64 = 0x17
	CodeClose       uint64 = 0x18
	CodeError       uint64 = 0x1d
	CodeSource      uint64 = 0x28
	CodeTarget      uint64 = 0x29
)

// Frame header.
const (
	HeaderSize = 8

	// TypeAMQP is the frame type for AMQP frames.
	TypeAMQP uint8 = 0x00

	// MinMaxFrameSize is the smallest max frame size peers must accept.
	MinMaxFrameSize = 512
)

// ProtocolHeader is sent by both peers before any frame.
var ProtocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}

// Header is an AMQP frame header.
type Header struct {
	Size       uint32
	DataOffset uint8
	Type       uint8
	Channel    uint16
}

// ParseHeader parses a frame header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrInsufficientFrameData
	}

	h := Header{
		Size:       m.GetUint32(b),
		DataOffset: b[4],
		Type:       b[5],
		Channel:    m.GetUint16(b[6:]),
	}
	switch {
	case h.Size < HeaderSize:
		return h, fmt.Errorf("%w: frame size %d", ErrIncorrectLength, h.Size)
	case h.DataOffset < 2:
		return h, fmt.Errorf("%w: data offset %d", ErrIncorrectLength, h.DataOffset)
	case uint32(h.DataOffset)*4 > h.Size:
		return h, fmt.Errorf("%w: data offset %d exceeds frame size %d", ErrIncorrectLength, h.DataOffset, h.Size)
	}
	return h, nil
}

// Put writes the header to the first eight bytes of b.
func (h Header) Put(b []byte) {
	m.PutUint32(b, h.Size)
	b[4] = h.DataOffset
	b[5] = h.Type
	m.PutUint16(b[6:], h.Channel)
}

// Performative is the body of an AMQP frame.
type Performative interface {
	// Code returns the descriptor code.
	Code() uint64
	// Value returns the performative as a described list.
	Value() encoding.Described
	// String returns a short human readable representation.
	String() string
}

// LinkPerformative is a performative that targets a specific link.
type LinkPerformative interface {
	Performative
	LinkHandle() (handle uint32, ok bool)
}

// Encode encodes a frame with the given channel, performative and payload.
// Empty frames (heartbeats) are created when p is nil.
func Encode(channel uint16, p Performative, payload ...[]byte) ([]byte, error) {
	buf := make([]byte, HeaderSize, 64)

	if p != nil {
		var err error
		buf, err = encoding.Append(buf, p.Value())
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", p, err)
		}
		for _, chunk := range payload {
			buf = append(buf, chunk...)
		}
	}

	Header{
		Size:       uint32(len(buf)),
		DataOffset: 2,
		Type:       TypeAMQP,
		Channel:    channel,
	}.Put(buf)
	return buf, nil
}

// Decode parses the frame body (everything after the extended header) into
// the performative and the remaining payload.
// A nil performative is returned for empty frames.
func Decode(body []byte) (p Performative, payload []byte, err error) {
	if len(body) == 0 {
		return nil, nil, nil
	}

	v, n, err := encoding.Unmarshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("decode performative: %w", err)
	}
	p, err = DecodePerformative(v)
	if err != nil {
		return nil, nil, err
	}
	if n < len(body) {
		payload = body[n:]
	}
	return p, payload, nil
}

// DecodePerformative converts a decoded AMQP value into a performative.
func DecodePerformative(v any) (Performative, error) {
	d, ok := v.(encoding.Described)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not described", ErrInvalidPerformative, v)
	}
	code, ok := d.Code()
	if !ok {
		return nil, fmt.Errorf("%w: descriptor %v", ErrUnknownPerformative, d.Descriptor)
	}

	var p interface {
		Performative
		fromList(fl *fieldList)
	}
	switch code {
	case CodeOpen:
		p = &Open{}
	case CodeBegin:
		p = &Begin{}
	case CodeAttach:
		p = &Attach{}
	case CodeFlow:
		p = &Flow{}
	case CodeTransfer:
		p = &Transfer{}
	case CodeDisposition:
		p = &Disposition{}
	case CodeDetach:
		p = &Detach{}
	case CodeEnd:
		p = &End{}
	case CodeClose:
		p = &Close{}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownPerformative, code)
	}

	fl := newFieldList(fmt.Sprintf("%T", p), d.Value)
	if fl.err == nil {
		p.fromList(fl)
	}
	if fl.err != nil {
		return nil, fl.err
	}
	return p, nil
}
