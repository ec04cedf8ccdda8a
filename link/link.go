// Package link implements the AMQP 1.0 link state machine with credit based
// flow control, transfer reassembly and delivery settlement tracking.
//
// A link is not safe for concurrent use. All methods, including the
// callbacks invoked by the session, must be called from a single event loop.
package link

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mycoria/amqplink/async"
	"github.com/mycoria/amqplink/encoding"
	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/m"
)

// Errors.
var (
	ErrBusy            = errors.New("link busy")
	ErrWrongRole       = errors.New("operation not allowed for link role")
	ErrInvalidState    = errors.New("operation not allowed in link state")
	ErrTransferFailed  = errors.New("transfer failed")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClosed          = errors.New("link is closed")
)

// DefaultMaxLinkCredit is the default credit a receiving link grants.
const DefaultMaxLinkCredit uint32 = 10000

// TransferReceivedFunc is called for every completely received delivery.
// A returned delivery state is sent to the peer as a settled disposition.
type TransferReceivedFunc func(t *frame.Transfer, payload []byte) frame.DeliveryState

// StateChangedFunc is called when the link state changes.
type StateChangedFunc func(state, previous State)

// FlowOnFunc is called when a sending link may send transfers again.
type FlowOnFunc func()

// DetachReceivedFunc is called when the peer detaches the link.
type DetachReceivedFunc func(err *frame.Error)

// Link is one direction of an AMQP sender/receiver relationship.
type Link struct {
	session  Session
	endpoint Endpoint
	name     string
	role     frame.Role
	source   *frame.Source
	target   *frame.Target

	senderSettleMode     frame.SenderSettleMode
	receiverSettleMode   frame.ReceiverSettleMode
	initialDeliveryCount uint32
	maxMessageSize       uint64
	peerMaxMessageSize   uint64
	attachProperties     map[encoding.Symbol]any

	state         State
	deliveryCount uint32
	linkCredit    uint32
	maxLinkCredit uint32

	pending *pendingDeliveries

	// Reassembly of the currently received delivery.
	reassembling bool
	received     []byte
	receivedID   uint32
	receivedTag  []byte
	receivedFmt  uint32
	receivedSttl bool

	isClosed          bool
	sessionBegun      bool
	sessionState      SessionState
	endpointDestroyed bool

	onTransferReceived TransferReceivedFunc
	onStateChanged     StateChangedFunc
	onFlowOn           FlowOnFunc
	onDetachReceived   DetachReceivedFunc

	now    func() time.Time
	logger *slog.Logger
	trace  bool
}

// Option configures a link.
type Option func(l *Link)

// WithClock sets the tick source used for delivery timeouts.
func WithClock(now func() time.Time) Option {
	return func(l *Link) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger of the link.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Link) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a new link on the given session.
func New(session Session, name string, role frame.Role, source *frame.Source, target *frame.Target, opts ...Option) (*Link, error) {
	switch {
	case session == nil:
		return nil, fmt.Errorf("%w: session is nil", ErrInvalidArgument)
	case name == "":
		return nil, fmt.Errorf("%w: name is empty", ErrInvalidArgument)
	}

	ep, err := session.CreateLinkEndpoint(name)
	if err != nil {
		return nil, fmt.Errorf("create link endpoint: %w", err)
	}

	return newLink(session, ep, name, role, source, target, opts), nil
}

// NewFromEndpoint creates a new link for an endpoint the peer attached.
// The given role is the role of the peer, the link takes the opposite role.
func NewFromEndpoint(session Session, ep Endpoint, name string, role frame.Role, source *frame.Source, target *frame.Target, opts ...Option) (*Link, error) {
	switch {
	case session == nil:
		return nil, fmt.Errorf("%w: session is nil", ErrInvalidArgument)
	case ep == nil:
		return nil, fmt.Errorf("%w: endpoint is nil", ErrInvalidArgument)
	case name == "":
		return nil, fmt.Errorf("%w: name is empty", ErrInvalidArgument)
	}

	return newLink(session, ep, name, role.Peer(), source, target, opts), nil
}

func newLink(session Session, ep Endpoint, name string, role frame.Role, source *frame.Source, target *frame.Target, opts []Option) *Link {
	l := &Link{
		session:          session,
		endpoint:         ep,
		name:             name,
		role:             role,
		source:           source,
		target:           target,
		senderSettleMode: frame.SenderSettleModeUnsettled,
		state:            StateDetached,
		maxLinkCredit:    DefaultMaxLinkCredit,
		pending:          newPendingDeliveries(),
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("link", name)
	return l
}

// Destroy settles all pending deliveries as not delivered and releases the
// link endpoint.
func (l *Link) Destroy() {
	l.settleAll(SettleReasonNotDelivered)
	l.onDetachReceived = nil
	l.onTransferReceived = nil
	l.onStateChanged = nil
	l.onFlowOn = nil
	l.resetReassembly()

	if !l.endpointDestroyed && l.endpoint != nil {
		l.session.DestroyLinkEndpoint(l.endpoint)
		l.endpointDestroyed = true
	}
}

// Name returns the link name.
func (l *Link) Name() string { return l.name }

// Role returns the link role.
func (l *Link) Role() frame.Role { return l.role }

// State returns the current link state.
func (l *Link) State() State { return l.state }

// Source returns the source terminus.
func (l *Link) Source() *frame.Source { return l.source }

// Target returns the target terminus.
func (l *Link) Target() *frame.Target { return l.target }

// IsClosed returns whether the link was closed by the user.
func (l *Link) IsClosed() bool { return l.isClosed }

// LinkCredit returns the current link credit.
func (l *Link) LinkCredit() uint32 { return l.linkCredit }

// DeliveryCount returns the current delivery count.
func (l *Link) DeliveryCount() uint32 { return l.deliveryCount }

// PendingDeliveries returns the number of unsettled outbound deliveries.
func (l *Link) PendingDeliveries() int { return l.pending.len() }

// SetSenderSettleMode sets the sender settle mode.
func (l *Link) SetSenderSettleMode(mode frame.SenderSettleMode) { l.senderSettleMode = mode }

// SenderSettleMode returns the sender settle mode.
func (l *Link) SenderSettleMode() frame.SenderSettleMode { return l.senderSettleMode }

// SetReceiverSettleMode sets the receiver settle mode.
func (l *Link) SetReceiverSettleMode(mode frame.ReceiverSettleMode) { l.receiverSettleMode = mode }

// ReceiverSettleMode returns the receiver settle mode.
func (l *Link) ReceiverSettleMode() frame.ReceiverSettleMode { return l.receiverSettleMode }

// SetInitialDeliveryCount sets the initial delivery count announced when
// attaching as sender.
func (l *Link) SetInitialDeliveryCount(count uint32) { l.initialDeliveryCount = count }

// InitialDeliveryCount returns the initial delivery count.
func (l *Link) InitialDeliveryCount() uint32 { return l.initialDeliveryCount }

// SetMaxMessageSize sets the maximum message size. Zero means no limit.
func (l *Link) SetMaxMessageSize(size uint64) { l.maxMessageSize = size }

// MaxMessageSize returns the maximum message size.
func (l *Link) MaxMessageSize() uint64 { return l.maxMessageSize }

// PeerMaxMessageSize returns the maximum message size announced by the peer.
func (l *Link) PeerMaxMessageSize() uint64 { return l.peerMaxMessageSize }

// SetAttachProperties sets the properties sent with the attach performative.
func (l *Link) SetAttachProperties(props map[encoding.Symbol]any) { l.attachProperties = props }

// SetMaxLinkCredit sets the credit a receiving link grants to its peer.
func (l *Link) SetMaxLinkCredit(credit uint32) error {
	if credit == 0 {
		return fmt.Errorf("%w: max link credit must be greater than zero", ErrInvalidArgument)
	}
	l.maxLinkCredit = credit
	return nil
}

// MaxLinkCredit returns the credit a receiving link grants to its peer.
func (l *Link) MaxLinkCredit() uint32 { return l.maxLinkCredit }

// SetTrace enables or disables logging of all performatives.
func (l *Link) SetTrace(enabled bool) { l.trace = enabled }

// Attach begins the underlying session and starts the link endpoint.
// The attach performative is sent as soon as the session is mapped.
// Calling Attach again while attaching or attached is a no-op. A link that
// was detached without closing attaches again on the running session.
func (l *Link) Attach(onTransferReceived TransferReceivedFunc, onStateChanged StateChangedFunc, onFlowOn FlowOnFunc) error {
	if l.isClosed {
		return ErrClosed
	}
	if l.sessionBegun {
		if l.state != StateDetached {
			return nil
		}
		l.setCallbacks(onTransferReceived, onStateChanged, onFlowOn)
		return l.reattach()
	}

	l.setCallbacks(onTransferReceived, onStateChanged, onFlowOn)

	if err := l.session.Begin(); err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	l.sessionBegun = true

	if err := l.endpoint.Start(&endpointHandler{l: l}); err != nil {
		return fmt.Errorf("start link endpoint: %w", err)
	}
	return nil
}

func (l *Link) setCallbacks(onTransferReceived TransferReceivedFunc, onStateChanged StateChangedFunc, onFlowOn FlowOnFunc) {
	l.onTransferReceived = onTransferReceived
	l.onStateChanged = onStateChanged
	l.onFlowOn = onFlowOn
}

// reattach sends the attach on the already started endpoint.
// If the session is not mapped, the attach is sent once it is.
func (l *Link) reattach() error {
	if l.endpointDestroyed {
		return fmt.Errorf("%w: endpoint destroyed", ErrInvalidState)
	}
	if l.sessionState != SessionMapped {
		return nil
	}

	if err := l.sendAttach(); err != nil {
		return err
	}
	l.setState(StateHalfAttachedAttachSent)
	return nil
}

// Detach detaches the link.
// With closed set, the link is closed for good and will not attach again.
func (l *Link) Detach(closed bool, errCondition, errDescription string, info map[string]any) error {
	var detachErr *frame.Error
	if errCondition != "" {
		detachErr = &frame.Error{
			Condition:   frame.ErrCond(errCondition),
			Description: errDescription,
		}
		if len(info) > 0 {
			detachErr.Info = make(map[encoding.Symbol]any, len(info))
			for k, v := range info {
				detachErr.Info[encoding.Symbol(k)] = v
			}
		}
	}

	if closed {
		l.isClosed = true
	}

	switch l.state {
	case StateHalfAttachedAttachSent, StateHalfAttachedAttachReceived:
		// The peer has not attached yet or we did not answer yet.
		if err := l.sendDetach(closed, detachErr); err != nil {
			return err
		}
		l.settleAll(SettleReasonNotDelivered)
		l.setState(StateDetached)

	case StateAttached:
		// Wait for the peer to answer the detach.
		if err := l.sendDetach(closed, detachErr); err != nil {
			return err
		}
		l.settleAll(SettleReasonNotDelivered)
		l.setState(StateHalfAttachedAttachSent)

	case StateDetached:

	case StateError:
		return fmt.Errorf("%w: cannot detach in %s state", ErrInvalidState, l.state)
	}

	return nil
}

// TransferAsync sends the given payload as one delivery.
// Returns ErrBusy if there is no link credit or the session cannot accept
// the transfer right now.
func (l *Link) TransferAsync(messageFormat uint32, payloads [][]byte, onSettled DeliverySettledFunc, timeout time.Duration) (*async.Operation[*Delivery], error) {
	switch {
	case l.role != frame.RoleSender:
		return nil, fmt.Errorf("%w: cannot transfer on %s link", ErrWrongRole, l.role)
	case l.state != StateAttached:
		return nil, fmt.Errorf("%w: cannot transfer in %s state", ErrInvalidState, l.state)
	case l.endpointDestroyed:
		return nil, fmt.Errorf("%w: endpoint destroyed", ErrInvalidState)
	case l.linkCredit == 0:
		return nil, ErrBusy
	}

	tag := make([]byte, 4)
	m.PutUint32(tag, l.deliveryCount)
	d := &Delivery{
		id:        l.deliveryCount + 1,
		tag:       tag,
		link:      l,
		onSettled: onSettled,
		startedAt: l.now(),
		timeout:   timeout,
	}
	d.op = async.New(d, l.cancelDelivery)

	settled := l.senderSettleMode == frame.SenderSettleModeSettled
	transfer := &frame.Transfer{
		DeliveryTag:   tag,
		MessageFormat: &messageFormat,
		Settled:       settled,
	}

	id, err := l.endpoint.SendTransfer(transfer, payloads, func(err error) {
		l.onSendComplete(d, err)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		d.op.Complete()
		return nil, ErrBusy
	default:
		d.op.Complete()
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	// The session assigns the authoritative delivery ID.
	// Settled transfers may already be complete.
	d.id = id
	if !d.settled {
		l.pending.add(d)
	}

	l.deliveryCount++
	l.linkCredit--

	if l.trace {
		l.logger.Debug("link: transfer sent", "delivery", id, "credit", l.linkCredit, "settled", settled)
	}
	return d.op, nil
}

func (l *Link) onSendComplete(d *Delivery, err error) {
	if l.senderSettleMode != frame.SenderSettleModeSettled {
		return
	}

	if err != nil {
		l.logger.Warn("link: failed to send settled transfer", "delivery", d.id, "err", err)
		l.settle(d, SettleReasonNotDelivered, nil)
		return
	}
	l.settle(d, SettleReasonSettled, nil)
}

func (l *Link) cancelDelivery(d *Delivery) {
	l.settle(d, SettleReasonCancelled, nil)
}

// SendDisposition sends a settled disposition for a received delivery.
func (l *Link) SendDisposition(deliveryNumber uint32, state frame.DeliveryState) error {
	if state == nil {
		return fmt.Errorf("%w: delivery state is nil", ErrInvalidArgument)
	}
	if l.endpointDestroyed {
		return fmt.Errorf("%w: endpoint destroyed", ErrInvalidState)
	}

	disposition := &frame.Disposition{
		Role:    l.role,
		First:   deliveryNumber,
		Last:    &deliveryNumber,
		Settled: true,
		State:   state,
	}
	l.traceSend(disposition)
	if err := l.endpoint.SendDisposition(disposition); err != nil {
		return fmt.Errorf("send disposition: %w", err)
	}
	return nil
}

// DoWork settles all pending deliveries that timed out.
func (l *Link) DoWork() {
	if l.pending.len() == 0 {
		return
	}

	now := l.now()
	for _, d := range l.pending.all() {
		if d.expired(now) {
			l.settle(d, SettleReasonTimeout, nil)
		}
	}
}

// SubscribeOnDetachReceived sets the function called when the peer detaches
// the link. It replaces any previous subscription.
func (l *Link) SubscribeOnDetachReceived(fn DetachReceivedFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: detach received function is nil", ErrInvalidArgument)
	}
	l.onDetachReceived = fn
	return nil
}

// UnsubscribeOnDetachReceived removes the detach received subscription.
func (l *Link) UnsubscribeOnDetachReceived() {
	l.onDetachReceived = nil
}

func (l *Link) setState(state State) {
	prev := l.state
	if prev == state {
		return
	}
	l.state = state

	if l.trace {
		l.logger.Debug("link: state changed", "state", state, "previous", prev)
	}
	if l.onStateChanged != nil {
		l.onStateChanged(state, prev)
	}
}

// settle settles the delivery exactly once.
func (l *Link) settle(d *Delivery, reason SettleReason, state frame.DeliveryState) {
	if d.settled {
		return
	}
	d.settled = true
	l.pending.remove(d)
	d.op.Complete()

	if d.onSettled != nil {
		d.onSettled(d, reason, state)
	}
}

func (l *Link) settleAll(reason SettleReason) {
	for _, d := range l.pending.all() {
		l.settle(d, reason, nil)
	}
}

func (l *Link) resetReassembly() {
	l.reassembling = false
	l.received = nil
	l.receivedID = 0
	l.receivedTag = nil
	l.receivedFmt = 0
	l.receivedSttl = false
}

func (l *Link) sendAttach() error {
	attach := &frame.Attach{
		Name:               l.name,
		Role:               l.role,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		Source:             l.source,
		Target:             l.target,
		MaxMessageSize:     l.maxMessageSize,
		Properties:         l.attachProperties,
	}
	if l.role == frame.RoleSender {
		l.deliveryCount = l.initialDeliveryCount
		initial := l.initialDeliveryCount
		attach.InitialDeliveryCount = &initial
	}

	l.traceSend(attach)
	if err := l.endpoint.SendAttach(attach); err != nil {
		return fmt.Errorf("send attach: %w", err)
	}
	return nil
}

func (l *Link) sendFlow() error {
	deliveryCount := l.deliveryCount
	credit := l.linkCredit
	flow := &frame.Flow{
		DeliveryCount: &deliveryCount,
		LinkCredit:    &credit,
	}

	l.traceSend(flow)
	if err := l.endpoint.SendFlow(flow); err != nil {
		return fmt.Errorf("send flow: %w", err)
	}
	return nil
}

func (l *Link) sendDetach(closed bool, detachErr *frame.Error) error {
	detach := &frame.Detach{
		Closed: closed,
		Error:  detachErr,
	}

	l.traceSend(detach)
	if err := l.endpoint.SendDetach(detach); err != nil {
		return fmt.Errorf("send detach: %w", err)
	}
	return nil
}

func (l *Link) traceSend(p frame.Performative) {
	if l.trace {
		l.logger.Debug("link: -> "+p.String(), "state", l.state)
	}
}
