// Package receiver receives whole AMQP messages from a receiving link.
//
// The link reassembles multi frame transfers. The receiver decodes every
// complete payload into a message and hands it to the application, whose
// returned delivery state is sent back as the disposition.
// Like the link, a receiver must only be used from a single event loop.
package receiver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
	"github.com/mycoria/amqplink/message"
)

// Errors.
var (
	ErrInvalidState    = errors.New("operation not allowed in receiver state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoMessage       = errors.New("no message received yet")
)

// State is the state of a receiver.
type State uint8

// Receiver states.
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

// MessageReceivedFunc is called for every received message.
// A returned delivery state settles the message at the peer.
// Return nil to settle it later with SendMessageDisposition.
type MessageReceivedFunc func(msg *message.Message) frame.DeliveryState

// StateChangedFunc is called when the receiver state changes.
type StateChangedFunc func(state, previous State)

// Receiver receives messages from a receiving link.
type Receiver struct {
	link  *link.Link
	state State

	onMessageReceived MessageReceivedFunc
	onStateChanged    StateChangedFunc

	lastID   uint32
	received bool

	logger *slog.Logger
	trace  bool
}

// Option configures a receiver.
type Option func(r *Receiver)

// WithStateChanged sets a function that is called on state changes.
func WithStateChanged(fn StateChangedFunc) Option {
	return func(r *Receiver) {
		r.onStateChanged = fn
	}
}

// WithLogger sets the logger of the receiver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New returns a new receiver using the given link.
func New(l *link.Link, opts ...Option) (*Receiver, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: link is nil", ErrInvalidArgument)
	}
	if l.Role() != frame.RoleReceiver {
		return nil, fmt.Errorf("%w: link %s is a %s", ErrInvalidArgument, l.Name(), l.Role())
	}

	r := &Receiver{
		link:   l,
		state:  StateIdle,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("receiver", l.Name())
	return r, nil
}

// State returns the current receiver state.
func (r *Receiver) State() State {
	return r.state
}

// Link returns the link of the receiver.
func (r *Receiver) Link() *link.Link {
	return r.link
}

// LinkName returns the name of the link.
func (r *Receiver) LinkName() string {
	return r.link.Name()
}

// SetTrace enables or disables logging of all performatives and messages.
func (r *Receiver) SetTrace(enabled bool) {
	r.trace = enabled
	r.link.SetTrace(enabled)
}

// Open attaches the link and starts delivering messages to the given function.
// It only has an effect in the idle state. A closed receiver cannot be opened again.
func (r *Receiver) Open(onMessageReceived MessageReceivedFunc) error {
	if onMessageReceived == nil {
		return fmt.Errorf("%w: message received function is nil", ErrInvalidArgument)
	}
	if r.state != StateIdle {
		return nil
	}
	if r.link.IsClosed() {
		return fmt.Errorf("attach link: %w", link.ErrClosed)
	}

	r.onMessageReceived = onMessageReceived
	r.setState(StateOpening)
	if err := r.link.Attach(r.onTransferReceived, r.onLinkStateChanged, nil); err != nil {
		r.setState(StateError)
		return fmt.Errorf("attach link: %w", err)
	}
	return nil
}

// Close detaches and closes the link.
func (r *Receiver) Close() error {
	if r.state != StateOpening && r.state != StateOpen {
		return nil
	}

	r.setState(StateClosing)
	if err := r.link.Detach(true, "", "", nil); err != nil {
		r.setState(StateError)
		return fmt.Errorf("detach link: %w", err)
	}
	return nil
}

// Destroy closes the receiver and stops delivering messages.
func (r *Receiver) Destroy() {
	if err := r.Close(); err != nil {
		r.logger.Warn("receiver: failed to close", "err", err)
	}
	r.onMessageReceived = nil
}

// ReceivedMessageID returns the delivery id of the last received message.
func (r *Receiver) ReceivedMessageID() (uint32, error) {
	if !r.received {
		return 0, ErrNoMessage
	}
	return r.lastID, nil
}

// SendMessageDisposition settles a received message.
// The link name must match the link of this receiver.
func (r *Receiver) SendMessageDisposition(linkName string, messageNumber uint32, state frame.DeliveryState) error {
	if linkName != r.link.Name() {
		return fmt.Errorf("%w: message was received on link %q, not %q", ErrInvalidArgument, linkName, r.link.Name())
	}
	if r.state != StateOpen && r.state != StateClosing {
		return fmt.Errorf("%w: cannot settle in %s state", ErrInvalidState, r.state)
	}

	if err := r.link.SendDisposition(messageNumber, state); err != nil {
		return fmt.Errorf("settle message %d: %w", messageNumber, err)
	}
	return nil
}

func (r *Receiver) onTransferReceived(t *frame.Transfer, payload []byte) frame.DeliveryState {
	if r.state == StateError {
		return nil
	}
	if t.DeliveryID != nil {
		r.lastID = *t.DeliveryID
		r.received = true
	}

	var format uint32
	if t.MessageFormat != nil {
		format = *t.MessageFormat
	}
	msg, err := message.Decode(payload, format)
	if err != nil {
		r.logger.Warn("receiver: failed to decode message", "delivery", r.lastID, "size", len(payload), "err", err)
		r.setState(StateError)
		return nil
	}

	if r.trace {
		r.logger.Debug(
			"receiver: message received",
			"delivery", r.lastID,
			"size", len(payload),
			"body", msg.BodyType(),
		)
	}
	if r.onMessageReceived == nil {
		return nil
	}
	return r.onMessageReceived(msg)
}

func (r *Receiver) onLinkStateChanged(state, _ link.State) {
	switch state {
	case link.StateAttached:
		if r.state == StateOpening {
			r.setState(StateOpen)
		}

	case link.StateDetached:
		switch r.state {
		case StateOpen, StateClosing:
			r.setState(StateIdle)
		case StateIdle, StateError:
		default:
			r.setState(StateError)
		}

	case link.StateError:
		r.setState(StateError)
	}
}

func (r *Receiver) setState(state State) {
	prev := r.state
	if prev == state {
		return
	}
	r.state = state

	if r.trace {
		r.logger.Debug("receiver: state changed", "state", state, "previous", prev)
	}
	if r.onStateChanged != nil {
		r.onStateChanged(state, prev)
	}
}
