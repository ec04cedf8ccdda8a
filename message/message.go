// Package message implements AMQP 1.0 messages.
package message

import (
	"errors"
	"fmt"

	"github.com/mitchellh/copystructure"

	"github.com/mycoria/amqplink/encoding"
)

// Errors.
var (
	ErrBodyConflict  = errors.New("body type conflict")
	ErrInvalidHeader = errors.New("invalid message header")
	ErrInvalidProps  = errors.New("invalid message properties")
	ErrInvalidMap    = errors.New("invalid annotations or properties map")
)

// Descriptor codes of message sections.
const (
	CodeHeader                uint64 = 0x70
	CodeDeliveryAnnotations   uint64 = 0x71
	CodeMessageAnnotations    uint64 = 0x72
	CodeProperties            uint64 = 0x73
	CodeApplicationProperties uint64 = 0x74
	CodeData                  uint64 = 0x75
	CodeSequence              uint64 = 0x76
	CodeValue                 uint64 = 0x77
	CodeFooter                uint64 = 0x78
)

// DefaultFormat is the message format of standard AMQP messages.
const DefaultFormat uint32 = 0

// BodyType describes which kind of body a message has.
type BodyType uint8

// Body types.
const (
	BodyTypeNone BodyType = iota
	BodyTypeData
	BodyTypeValue
	BodyTypeSequence
)

func (bt BodyType) String() string {
	switch bt {
	case BodyTypeNone:
		return "none"
	case BodyTypeData:
		return "data"
	case BodyTypeValue:
		return "value"
	case BodyTypeSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// Annotations are delivery or message annotations.
// Keys are symbols or ulongs.
type Annotations map[any]any

// Message is an AMQP message.
// The body is exactly one of: none, a single AMQP value, one or more data
// sections, or one or more sequence sections.
type Message struct {
	Format uint32

	Header                *Header
	DeliveryAnnotations   Annotations
	MessageAnnotations    Annotations
	Properties            *Properties
	ApplicationProperties map[string]any
	Footer                Annotations

	Body     BodyType
	Data     [][]byte
	Value    any
	Sequence [][]any
}

// New returns a new message without a body.
func New() *Message {
	return &Message{}
}

// NewData returns a new message with the given data as its only data section.
func NewData(data []byte) *Message {
	msg := New()
	_ = msg.AddData(data)
	return msg
}

// NewValue returns a new message with the given AMQP value as body.
func NewValue(v any) *Message {
	msg := New()
	_ = msg.SetValue(v)
	return msg
}

// BodyType returns the body type of the message.
func (msg *Message) BodyType() BodyType {
	return msg.Body
}

// MessageFormat returns the message format.
func (msg *Message) MessageFormat() uint32 {
	return msg.Format
}

// AddData appends a data section to the body.
// Fails if the message already has a value or sequence body.
func (msg *Message) AddData(data []byte) error {
	switch msg.Body {
	case BodyTypeNone, BodyTypeData:
	default:
		return fmt.Errorf("%w: cannot add data to %s body", ErrBodyConflict, msg.Body)
	}

	msg.Body = BodyTypeData
	msg.Data = append(msg.Data, data)
	return nil
}

// SetValue sets the AMQP value body.
// Fails if the message already has any body.
func (msg *Message) SetValue(v any) error {
	if msg.Body != BodyTypeNone {
		return fmt.Errorf("%w: cannot set value on %s body", ErrBodyConflict, msg.Body)
	}

	msg.Body = BodyTypeValue
	msg.Value = v
	return nil
}

// AddSequence appends a sequence section to the body.
// Fails if the message already has a data or value body.
func (msg *Message) AddSequence(seq []any) error {
	switch msg.Body {
	case BodyTypeNone, BodyTypeSequence:
	default:
		return fmt.Errorf("%w: cannot add sequence to %s body", ErrBodyConflict, msg.Body)
	}

	msg.Body = BodyTypeSequence
	msg.Sequence = append(msg.Sequence, seq)
	return nil
}

// GetData returns the concatenated data sections.
func (msg *Message) GetData() []byte {
	switch len(msg.Data) {
	case 0:
		return nil
	case 1:
		return msg.Data[0]
	}

	var size int
	for _, d := range msg.Data {
		size += len(d)
	}
	buf := make([]byte, 0, size)
	for _, d := range msg.Data {
		buf = append(buf, d...)
	}
	return buf
}

// Clone returns a deep copy of the message.
func (msg *Message) Clone() (*Message, error) {
	copied, err := copystructure.Copy(msg)
	if err != nil {
		return nil, fmt.Errorf("copy message: %w", err)
	}
	clone, ok := copied.(*Message)
	if !ok {
		return nil, fmt.Errorf("copy message: unexpected type %T", copied)
	}
	return clone, nil
}

// Encode encodes all message sections into a single buffer.
func (msg *Message) Encode() ([]byte, error) {
	sections, err := msg.sections()
	if err != nil {
		return nil, err
	}

	// Encode every section first to allocate the final buffer only once.
	encoded := make([][]byte, 0, len(sections))
	var size int
	for _, s := range sections {
		data, err := encoding.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode section %v: %w", s.Descriptor, err)
		}
		encoded = append(encoded, data)
		size += len(data)
	}

	buf := make([]byte, 0, size)
	for _, data := range encoded {
		buf = append(buf, data...)
	}
	return buf, nil
}

func (msg *Message) sections() ([]encoding.Described, error) {
	sections := make([]encoding.Described, 0, 8)

	if msg.Header != nil {
		sections = append(sections, msg.Header.Value())
	}
	if len(msg.DeliveryAnnotations) > 0 {
		sections = append(sections, encoding.Describe(CodeDeliveryAnnotations, map[any]any(msg.DeliveryAnnotations)))
	}
	if len(msg.MessageAnnotations) > 0 {
		sections = append(sections, encoding.Describe(CodeMessageAnnotations, map[any]any(msg.MessageAnnotations)))
	}
	if msg.Properties != nil {
		sections = append(sections, msg.Properties.Value())
	}
	if len(msg.ApplicationProperties) > 0 {
		sections = append(sections, encoding.Describe(CodeApplicationProperties, msg.ApplicationProperties))
	}

	switch msg.Body {
	case BodyTypeNone:
	case BodyTypeData:
		for _, d := range msg.Data {
			sections = append(sections, encoding.Describe(CodeData, d))
		}
	case BodyTypeValue:
		sections = append(sections, encoding.Describe(CodeValue, msg.Value))
	case BodyTypeSequence:
		for _, seq := range msg.Sequence {
			sections = append(sections, encoding.Describe(CodeSequence, seq))
		}
	default:
		return nil, fmt.Errorf("%w: unknown body type %d", ErrBodyConflict, msg.Body)
	}

	if len(msg.Footer) > 0 {
		sections = append(sections, encoding.Describe(CodeFooter, map[any]any(msg.Footer)))
	}

	return sections, nil
}

// DecodeAnnotations converts a decoded map into annotations.
func DecodeAnnotations(v any) (Annotations, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[any]any:
		for k := range t {
			switch k.(type) {
			case encoding.Symbol, uint64:
			default:
				return nil, fmt.Errorf("%w: annotation key %T", ErrInvalidMap, k)
			}
		}
		return Annotations(t), nil
	default:
		return nil, fmt.Errorf("%w: annotations are %T", ErrInvalidMap, v)
	}
}

// DecodeApplicationProperties converts a decoded map into application properties.
func DecodeApplicationProperties(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[any]any:
		props := make(map[string]any, len(t))
		for k, val := range t {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: application property key %T", ErrInvalidMap, k)
			}
			props[key] = val
		}
		return props, nil
	default:
		return nil, fmt.Errorf("%w: application properties are %T", ErrInvalidMap, v)
	}
}
