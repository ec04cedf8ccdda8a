package message

import (
	"fmt"
	"time"

	"github.com/mycoria/amqplink/encoding"
)

// DefaultPriority is the priority of messages without a header.
const DefaultPriority = 4

// Header carries delivery details of a message.
type Header struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration
	FirstAcquirer bool
	DeliveryCount uint32
}

// Properties are the immutable properties of a message.
type Properties struct {
	MessageID          any
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      any
	ContentType        encoding.Symbol
	ContentEncoding    encoding.Symbol
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

// Value returns the header as a described list.
func (h *Header) Value() encoding.Described {
	var ttl any
	if h.TTL > 0 {
		ttl = uint32(h.TTL / time.Millisecond)
	}
	return encoding.Describe(CodeHeader, trim([]any{
		h.Durable,
		h.Priority,
		ttl,
		h.FirstAcquirer,
		h.DeliveryCount,
	}))
}

// Value returns the properties as a described list.
func (p *Properties) Value() encoding.Described {
	return encoding.Describe(CodeProperties, trim([]any{
		p.MessageID,
		optBinary(p.UserID),
		optString(p.To),
		optString(p.Subject),
		optString(p.ReplyTo),
		p.CorrelationID,
		optSymbol(p.ContentType),
		optSymbol(p.ContentEncoding),
		optTime(p.AbsoluteExpiryTime),
		optTime(p.CreationTime),
		optString(p.GroupID),
		optUint32(p.GroupSequence),
		optString(p.ReplyToGroupID),
	}))
}

// DecodeHeader converts a decoded header section value.
func DecodeHeader(v any) (*Header, error) {
	fields, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a list", ErrInvalidHeader, v)
	}

	h := &Header{Priority: DefaultPriority}
	for i, f := range fields {
		if f == nil {
			continue
		}

		var ok bool
		switch i {
		case 0:
			h.Durable, ok = f.(bool)
		case 1:
			h.Priority, ok = f.(uint8)
		case 2:
			var ms uint32
			ms, ok = f.(uint32)
			h.TTL = time.Duration(ms) * time.Millisecond
		case 3:
			h.FirstAcquirer, ok = f.(bool)
		case 4:
			h.DeliveryCount, ok = f.(uint32)
		default:
			ok = true
		}
		if !ok {
			return nil, fmt.Errorf("%w: field %d is %T", ErrInvalidHeader, i, f)
		}
	}
	return h, nil
}

// DecodeProperties converts a decoded properties section value.
func DecodeProperties(v any) (*Properties, error) {
	fields, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a list", ErrInvalidProps, v)
	}

	p := &Properties{}
	for i, f := range fields {
		if f == nil {
			continue
		}

		var ok bool
		switch i {
		case 0:
			p.MessageID, ok = f, validMessageID(f)
		case 1:
			p.UserID, ok = f.([]byte)
		case 2:
			p.To, ok = f.(string)
		case 3:
			p.Subject, ok = f.(string)
		case 4:
			p.ReplyTo, ok = f.(string)
		case 5:
			p.CorrelationID, ok = f, validMessageID(f)
		case 6:
			p.ContentType, ok = f.(encoding.Symbol)
		case 7:
			p.ContentEncoding, ok = f.(encoding.Symbol)
		case 8:
			p.AbsoluteExpiryTime, ok = f.(time.Time)
		case 9:
			p.CreationTime, ok = f.(time.Time)
		case 10:
			p.GroupID, ok = f.(string)
		case 11:
			p.GroupSequence, ok = f.(uint32)
		case 12:
			p.ReplyToGroupID, ok = f.(string)
		default:
			ok = true
		}
		if !ok {
			return nil, fmt.Errorf("%w: field %d is %T", ErrInvalidProps, i, f)
		}
	}
	return p, nil
}

func validMessageID(v any) bool {
	switch v.(type) {
	case uint64, encoding.UUID, []byte, string:
		return true
	default:
		return false
	}
}

func trim(fields []any) []any {
	for len(fields) > 0 && fields[len(fields)-1] == nil {
		fields = fields[:len(fields)-1]
	}
	return fields
}

func optBinary(v []byte) any {
	if v == nil {
		return nil
	}
	return v
}

func optString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optSymbol(v encoding.Symbol) any {
	if v == "" {
		return nil
	}
	return v
}

func optTime(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return v
}

func optUint32(v uint32) any {
	if v == 0 {
		return nil
	}
	return v
}
