package message

import (
	"errors"
	"fmt"

	"github.com/mycoria/amqplink/encoding"
)

// ErrInvalidSection is returned for payload values that are not message sections.
var ErrInvalidSection = errors.New("invalid message section")

// Decode decodes an encoded message.
// The payload is fed through a streaming decoder and every section is
// dispatched by its descriptor. Data and sequence sections accumulate.
func Decode(payload []byte, format uint32) (*Message, error) {
	msg := New()
	msg.Format = format

	dec := encoding.NewDecoder(msg.addSection)
	if err := dec.Decode(payload); err != nil {
		return nil, err
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (msg *Message) addSection(v any) error {
	section, ok := v.(encoding.Described)
	if !ok {
		return fmt.Errorf("%w: undescribed %T", ErrInvalidSection, v)
	}
	code, ok := section.Code()
	if !ok {
		return fmt.Errorf("%w: descriptor %v", ErrInvalidSection, section.Descriptor)
	}

	var err error
	switch code {
	case CodeHeader:
		msg.Header, err = DecodeHeader(section.Value)
	case CodeDeliveryAnnotations:
		msg.DeliveryAnnotations, err = DecodeAnnotations(section.Value)
	case CodeMessageAnnotations:
		msg.MessageAnnotations, err = DecodeAnnotations(section.Value)
	case CodeProperties:
		msg.Properties, err = DecodeProperties(section.Value)
	case CodeApplicationProperties:
		msg.ApplicationProperties, err = DecodeApplicationProperties(section.Value)
	case CodeData:
		data, ok := section.Value.([]byte)
		if !ok {
			return fmt.Errorf("%w: data section is %T", ErrInvalidSection, section.Value)
		}
		err = msg.AddData(data)
	case CodeSequence:
		seq, ok := section.Value.([]any)
		if !ok {
			return fmt.Errorf("%w: sequence section is %T", ErrInvalidSection, section.Value)
		}
		err = msg.AddSequence(seq)
	case CodeValue:
		err = msg.SetValue(section.Value)
	case CodeFooter:
		msg.Footer, err = DecodeAnnotations(section.Value)
	default:
		return fmt.Errorf("%w: unknown section 0x%02x", ErrInvalidSection, code)
	}
	return err
}
