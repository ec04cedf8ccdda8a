// Package sender sends whole AMQP messages over a sending link.
//
// A sender queues messages until the link is attached and has credit and
// reports the outcome of every message exactly once.
// Like the link, a sender must only be used from a single event loop.
package sender

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mycoria/amqplink/async"
	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
	"github.com/mycoria/amqplink/message"
)

// Errors.
var (
	ErrInvalidState    = errors.New("operation not allowed in sender state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrSendFailed      = errors.New("failed to send message")
)

// State is the state of a sender.
type State uint8

// Sender states.
const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SendResult is the outcome of sending a message.
type SendResult uint8

// Send results.
const (
	SendOK SendResult = iota
	SendError
	SendTimeout
	SendCancelled
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendError:
		return "error"
	case SendTimeout:
		return "timeout"
	case SendCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CompleteFunc is called exactly once for every queued message.
// The delivery state is set if the peer settled the message with a disposition.
type CompleteFunc func(result SendResult, state frame.DeliveryState)

// StateChangedFunc is called when the sender state changes.
type StateChangedFunc func(state, previous State)

type sendState uint8

const (
	sendStateNotSent sendState = iota
	sendStatePending
)

type sendOneResult uint8

const (
	sendOneOK sendOneResult = iota
	sendOneBusy
	sendOneError
)

// entry is a queued message.
type entry struct {
	msg        *message.Message
	onComplete CompleteFunc
	timeout    time.Duration
	state      sendState

	op        *async.Operation[*message.Message]
	delivery  *async.Operation[*link.Delivery]
	completed bool
}

// Sender sends messages over a sending link.
type Sender struct {
	link  *link.Link
	state State
	queue []*entry

	onStateChanged StateChangedFunc
	logger         *slog.Logger
	trace          bool
}

// Option configures a sender.
type Option func(s *Sender)

// WithStateChanged sets a function that is called on state changes.
func WithStateChanged(fn StateChangedFunc) Option {
	return func(s *Sender) {
		s.onStateChanged = fn
	}
}

// WithLogger sets the logger of the sender.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a new sender using the given link.
func New(l *link.Link, opts ...Option) (*Sender, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: link is nil", ErrInvalidArgument)
	}
	if l.Role() != frame.RoleSender {
		return nil, fmt.Errorf("%w: link %s is a %s", ErrInvalidArgument, l.Name(), l.Role())
	}

	s := &Sender{
		link:   l,
		state:  StateIdle,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("sender", l.Name())
	return s, nil
}

// State returns the current sender state.
func (s *Sender) State() State {
	return s.state
}

// Link returns the link of the sender.
func (s *Sender) Link() *link.Link {
	return s.link
}

// Queued returns the number of messages not yet completed.
func (s *Sender) Queued() int {
	return len(s.queue)
}

// SetTrace enables or disables logging of all performatives and messages.
func (s *Sender) SetTrace(enabled bool) {
	s.trace = enabled
	s.link.SetTrace(enabled)
}

// Open attaches the link. It only has an effect in the idle state.
// A closed sender cannot be opened again.
func (s *Sender) Open() error {
	if s.state != StateIdle {
		return nil
	}
	if s.link.IsClosed() {
		return fmt.Errorf("attach link: %w", link.ErrClosed)
	}

	s.setState(StateOpening)
	if err := s.link.Attach(nil, s.onLinkStateChanged, s.onFlowOn); err != nil {
		s.setState(StateError)
		return fmt.Errorf("attach link: %w", err)
	}
	return nil
}

// Close detaches and closes the link.
func (s *Sender) Close() error {
	if s.state != StateOpening && s.state != StateOpen {
		return nil
	}

	s.setState(StateClosing)
	if err := s.link.Detach(true, "", "", nil); err != nil {
		s.setState(StateError)
		return fmt.Errorf("detach link: %w", err)
	}
	return nil
}

// Destroy closes the sender and completes all queued messages with an error.
func (s *Sender) Destroy() {
	if err := s.Close(); err != nil {
		s.logger.Warn("sender: failed to close", "err", err)
	}
	s.completeAll(SendError)
}

// SendAsync queues the message for sending.
// Messages queued before the sender is open are copied.
func (s *Sender) SendAsync(msg *message.Message, onComplete CompleteFunc, timeout time.Duration) (*async.Operation[*message.Message], error) {
	switch {
	case msg == nil:
		return nil, fmt.Errorf("%w: message is nil", ErrInvalidArgument)
	case s.state == StateError:
		return nil, fmt.Errorf("%w: sender is in error state", ErrInvalidState)
	}

	e := &entry{
		msg:        msg,
		onComplete: onComplete,
		timeout:    timeout,
		state:      sendStateNotSent,
	}
	e.op = async.New(msg, func(*message.Message) {
		s.cancel(e)
	})

	// Earlier messages that wait for credit go first.
	waiting := slices.ContainsFunc(s.queue, func(q *entry) bool {
		return q.state == sendStateNotSent
	})
	s.queue = append(s.queue, e)

	if s.state != StateOpen || waiting {
		if err := s.keepForLater(e); err != nil {
			s.remove(e)
			return nil, err
		}
		return e.op, nil
	}

	switch result, err := s.sendOne(e); result {
	case sendOneOK:
	case sendOneBusy:
		if err := s.keepForLater(e); err != nil {
			s.remove(e)
			return nil, err
		}
	default:
		s.remove(e)
		return nil, err
	}
	return e.op, nil
}

func (s *Sender) keepForLater(e *entry) error {
	clone, err := e.msg.Clone()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	e.msg = clone
	e.state = sendStateNotSent
	return nil
}

// sendOne encodes the message and starts the transfer.
func (s *Sender) sendOne(e *entry) (sendOneResult, error) {
	data, err := e.msg.Encode()
	if err != nil {
		return sendOneError, fmt.Errorf("%w: encode: %w", ErrSendFailed, err)
	}

	delivery, err := s.link.TransferAsync(e.msg.MessageFormat(), [][]byte{data}, func(_ *link.Delivery, reason link.SettleReason, state frame.DeliveryState) {
		s.onDeliverySettled(e, reason, state)
	}, e.timeout)
	switch {
	case err == nil:
	case errors.Is(err, link.ErrBusy):
		return sendOneBusy, nil
	default:
		return sendOneError, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if s.trace {
		s.logger.Debug("sender: message sent", "delivery", delivery.Payload().ID(), "size", len(data))
	}
	e.delivery = delivery
	e.state = sendStatePending
	return sendOneOK, nil
}

func (s *Sender) onDeliverySettled(e *entry, reason link.SettleReason, state frame.DeliveryState) {
	var result SendResult
	switch reason {
	case link.SettleReasonDispositionReceived:
		if frame.IsAccepted(state) {
			result = SendOK
		} else {
			result = SendError
		}
	case link.SettleReasonSettled:
		result = SendOK
	case link.SettleReasonTimeout:
		result = SendTimeout
	case link.SettleReasonCancelled:
		result = SendCancelled
	default:
		result = SendError
	}
	s.complete(e, result, state)
}

func (s *Sender) onFlowOn() {
	// Iterate over a copy, completions modify the queue.
	for _, e := range slices.Clone(s.queue) {
		if e.completed || e.state != sendStateNotSent {
			continue
		}

		result, err := s.sendOne(e)
		switch result {
		case sendOneOK:
		case sendOneBusy:
			// Keep the order, try again on the next flow.
			return
		default:
			s.logger.Warn("sender: failed to send queued message", "err", err)
			s.complete(e, SendError, nil)
		}
	}
}

func (s *Sender) onLinkStateChanged(state, _ link.State) {
	switch state {
	case link.StateAttached:
		if s.state == StateOpening {
			s.setState(StateOpen)
		}

	case link.StateDetached:
		switch s.state {
		case StateOpen, StateClosing:
			s.completeAll(SendError)
			s.setState(StateIdle)
		case StateIdle:
		default:
			s.completeAll(SendError)
			s.setState(StateError)
		}

	case link.StateError:
		if s.state != StateError {
			s.completeAll(SendError)
			s.setState(StateError)
		}
	}
}

func (s *Sender) cancel(e *entry) {
	if e.state == sendStatePending && e.delivery != nil && e.delivery.Cancel() {
		// The link settles the delivery as cancelled.
		return
	}
	s.complete(e, SendCancelled, nil)
}

// complete reports the result of the entry exactly once and removes it.
func (s *Sender) complete(e *entry, result SendResult, state frame.DeliveryState) {
	if e.completed {
		return
	}
	e.completed = true
	s.remove(e)
	e.op.Complete()

	if s.trace {
		s.logger.Debug("sender: message completed", "result", result, "state", frame.StateName(state))
	}
	if e.onComplete != nil {
		e.onComplete(result, state)
	}
}

func (s *Sender) completeAll(result SendResult) {
	for _, e := range slices.Clone(s.queue) {
		s.complete(e, result, nil)
		if e.delivery != nil {
			// Release the delivery, its result was already reported.
			e.delivery.Cancel()
		}
	}
}

func (s *Sender) remove(e *entry) {
	s.queue = slices.DeleteFunc(s.queue, func(q *entry) bool {
		return q == e
	})
}

func (s *Sender) setState(state State) {
	prev := s.state
	if prev == state {
		return
	}
	s.state = state

	if s.trace {
		s.logger.Debug("sender: state changed", "state", state, "previous", prev)
	}
	if s.onStateChanged != nil {
		s.onStateChanged(state, prev)
	}
}
