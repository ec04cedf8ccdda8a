package frame

import (
	"fmt"

	"github.com/mycoria/amqplink/encoding"
)

// ErrCond is an AMQP error condition.
type ErrCond encoding.Symbol

// Error conditions.
const (
	ErrCondInternalError         ErrCond = "amqp:internal-error"
	ErrCondNotFound              ErrCond = "amqp:not-found"
	ErrCondUnauthorizedAccess    ErrCond = "amqp:unauthorized-access"
	ErrCondDecodeError           ErrCond = "amqp:decode-error"
	ErrCondResourceLimitExceeded ErrCond = "amqp:resource-limit-exceeded"
	ErrCondNotAllowed            ErrCond = "amqp:not-allowed"
	ErrCondInvalidField          ErrCond = "amqp:invalid-field"
	ErrCondNotImplemented        ErrCond = "amqp:not-implemented"
	ErrCondResourceLocked        ErrCond = "amqp:resource-locked"
	ErrCondPreconditionFailed    ErrCond = "amqp:precondition-failed"
	ErrCondResourceDeleted       ErrCond = "amqp:resource-deleted"
	ErrCondIllegalState          ErrCond = "amqp:illegal-state"
	ErrCondFrameSizeTooSmall     ErrCond = "amqp:frame-size-too-small"

	ErrCondConnectionForced ErrCond = "amqp:connection:forced"
	ErrCondFramingError     ErrCond = "amqp:connection:framing-error"

	ErrCondWindowViolation  ErrCond = "amqp:session:window-violation"
	ErrCondErrantLink       ErrCond = "amqp:session:errant-link"
	ErrCondHandleInUse      ErrCond = "amqp:session:handle-in-use"
	ErrCondUnattachedHandle ErrCond = "amqp:session:unattached-handle"

	ErrCondDetachForced          ErrCond = "amqp:link:detach-forced"
	ErrCondTransferLimitExceeded ErrCond = "amqp:link:transfer-limit-exceeded"
	ErrCondMessageSizeExceeded   ErrCond = "amqp:link:message-size-exceeded"
	ErrCondLinkRedirect          ErrCond = "amqp:link:redirect"
	ErrCondStolen                ErrCond = "amqp:link:stolen"
)

// Error is an AMQP error, as carried by detach, end, close and rejected.
type Error struct {
	Condition   ErrCond
	Description string
	Info        map[encoding.Symbol]any
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

// Value returns the error as a described list.
func (e *Error) Value() encoding.Described {
	return encoding.Describe(CodeError, trimList([]any{
		encoding.Symbol(e.Condition),
		optString(e.Description),
		optFields(e.Info),
	}))
}

// DecodeError converts a decoded AMQP value into an Error.
func DecodeError(v any) (*Error, error) {
	d, ok := v.(encoding.Described)
	if !ok {
		return nil, fmt.Errorf("%w: error is %T", ErrInvalidPerformative, v)
	}
	if code, ok := d.Code(); !ok || code != CodeError {
		return nil, fmt.Errorf("%w: error descriptor %v", ErrInvalidPerformative, d.Descriptor)
	}

	fl := newFieldList("error", d.Value)
	fl.mandatory(0)
	e := &Error{
		Condition:   ErrCond(fl.symbol(0)),
		Description: fl.string(1),
		Info:        fl.symbolMap(2),
	}
	if fl.err != nil {
		return nil, fl.err
	}
	return e, nil
}

// Descriptor codes of delivery states.
const (
	CodeStateReceived uint64 = 0x23
	CodeStateAccepted uint64 = 0x24
	CodeStateRejected uint64 = 0x25
	CodeStateReleased uint64 = 0x26
	CodeStateModified uint64 = 0x27
)

// DeliveryState is the state of a delivery, either terminal (an outcome) or not.
type DeliveryState interface {
	// Code returns the descriptor code.
	Code() uint64
	// Value returns the state as a described list.
	Value() encoding.Described
}

// Received is the non-terminal state of a partially received delivery.
type Received struct {
	SectionNumber uint32
	SectionOffset uint64
}

// Accepted is the outcome of a successfully processed delivery.
type Accepted struct{}

// Rejected is the outcome of an invalid delivery.
type Rejected struct {
	Error *Error
}

// Released is the outcome of a delivery that was not and will not be acted upon.
type Released struct{}

// Modified is the outcome of a delivery that was released with modifications.
type Modified struct {
	DeliveryFailed     bool
	UndeliverableHere  bool
	MessageAnnotations map[encoding.Symbol]any
}

// UnknownState holds delivery states not known to this package.
type UnknownState struct {
	Described encoding.Described
}

// Code returns the descriptor code.
func (s *Received) Code() uint64 { return CodeStateReceived }

// Code returns the descriptor code.
func (s *Accepted) Code() uint64 { return CodeStateAccepted }

// Code returns the descriptor code.
func (s *Rejected) Code() uint64 { return CodeStateRejected }

// Code returns the descriptor code.
func (s *Released) Code() uint64 { return CodeStateReleased }

// Code returns the descriptor code.
func (s *Modified) Code() uint64 { return CodeStateModified }

// Code returns the descriptor code, or zero if the descriptor is not numeric.
func (s *UnknownState) Code() uint64 {
	code, _ := s.Described.Code()
	return code
}

// Value returns the state as a described list.
func (s *Received) Value() encoding.Described {
	return encoding.Describe(CodeStateReceived, []any{s.SectionNumber, s.SectionOffset})
}

// Value returns the state as a described list.
func (s *Accepted) Value() encoding.Described {
	return encoding.Describe(CodeStateAccepted, []any{})
}

// Value returns the state as a described list.
func (s *Rejected) Value() encoding.Described {
	return encoding.Describe(CodeStateRejected, trimList([]any{optError(s.Error)}))
}

// Value returns the state as a described list.
func (s *Released) Value() encoding.Described {
	return encoding.Describe(CodeStateReleased, []any{})
}

// Value returns the state as a described list.
func (s *Modified) Value() encoding.Described {
	return encoding.Describe(CodeStateModified, trimList([]any{
		optBool(s.DeliveryFailed),
		optBool(s.UndeliverableHere),
		optFields(s.MessageAnnotations),
	}))
}

// Value returns the original described value.
func (s *UnknownState) Value() encoding.Described {
	return s.Described
}

// IsAccepted returns whether the given state is the accepted outcome.
func IsAccepted(s DeliveryState) bool {
	return s != nil && s.Code() == CodeStateAccepted
}

// DecodeDeliveryState converts a decoded AMQP value into a delivery state.
func DecodeDeliveryState(v any) (DeliveryState, error) {
	d, ok := v.(encoding.Described)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not described", ErrInvalidDeliveryState, v)
	}
	code, ok := d.Code()
	if !ok {
		return &UnknownState{Described: d}, nil
	}

	fl := newFieldList("delivery state", d.Value)
	if fl.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDeliveryState, fl.err)
	}

	var s DeliveryState
	switch code {
	case CodeStateReceived:
		fl.mandatory(0)
		fl.mandatory(1)
		s = &Received{
			SectionNumber: fl.uint32(0, 0),
			SectionOffset: fl.uint64(1, 0),
		}
	case CodeStateAccepted:
		s = &Accepted{}
	case CodeStateRejected:
		s = &Rejected{
			Error: fl.errorField(0),
		}
	case CodeStateReleased:
		s = &Released{}
	case CodeStateModified:
		s = &Modified{
			DeliveryFailed:     fl.bool(0),
			UndeliverableHere:  fl.bool(1),
			MessageAnnotations: fl.symbolMap(2),
		}
	default:
		return &UnknownState{Described: d}, nil
	}

	if fl.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDeliveryState, fl.err)
	}
	return s, nil
}
