package frame

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mycoria/amqplink/encoding"
)

// Open negotiates connection parameters.
type Open struct {
	ContainerID  string
	Hostname     string
	MaxFrameSize uint32
	ChannelMax   uint16
	IdleTimeout  time.Duration
	Properties   map[encoding.Symbol]any
}

// Begin begins a session on a channel.
type Begin struct {
	RemoteChannel  *uint16
	NextOutgoingID uint32
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32
	Properties     map[encoding.Symbol]any
}

// Attach attaches a link to a session.
type Attach struct {
	Name                 string
	Handle               uint32
	Role                 Role
	SenderSettleMode     SenderSettleMode
	ReceiverSettleMode   ReceiverSettleMode
	Source               *Source
	Target               *Target
	Unsettled            map[any]any
	IncompleteUnsettled  bool
	InitialDeliveryCount *uint32
	MaxMessageSize       uint64
	OfferedCapabilities  []encoding.Symbol
	DesiredCapabilities  []encoding.Symbol
	Properties           map[encoding.Symbol]any
}

// Flow updates the flow state of a session and optionally a link.
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[encoding.Symbol]any
}

// Transfer transfers (a part of) a message.
type Transfer struct {
	Handle             uint32
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *ReceiverSettleMode
	State              DeliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool
}

// Disposition informs the peer of delivery state changes.
type Disposition struct {
	Role      Role
	First     uint32
	Last      *uint32
	Settled   bool
	State     DeliveryState
	Batchable bool
}

// Detach detaches a link from the session.
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

// End ends a session.
type End struct {
	Error *Error
}

// Close closes a connection.
type Close struct {
	Error *Error
}

// Code returns the descriptor code.
func (p *Open) Code() uint64 { return CodeOpen }

// Code returns the descriptor code.
func (p *Begin) Code() uint64 { return CodeBegin }

// Code returns the descriptor code.
func (p *Attach) Code() uint64 { return CodeAttach }

// Code returns the descriptor code.
func (p *Flow) Code() uint64 { return CodeFlow }

// Code returns the descriptor code.
func (p *Transfer) Code() uint64 { return CodeTransfer }

// Code returns the descriptor code.
func (p *Disposition) Code() uint64 { return CodeDisposition }

// Code returns the descriptor code.
func (p *Detach) Code() uint64 { return CodeDetach }

// Code returns the descriptor code.
func (p *End) Code() uint64 { return CodeEnd }

// Code returns the descriptor code.
func (p *Close) Code() uint64 { return CodeClose }

// LinkHandle returns the link handle.
func (p *Attach) LinkHandle() (uint32, bool) { return p.Handle, true }

// LinkHandle returns the link handle, if the flow is for a link.
func (p *Flow) LinkHandle() (uint32, bool) {
	if p.Handle == nil {
		return 0, false
	}
	return *p.Handle, true
}

// LinkHandle returns the link handle.
func (p *Transfer) LinkHandle() (uint32, bool) { return p.Handle, true }

// LinkHandle returns the link handle.
func (p *Detach) LinkHandle() (uint32, bool) { return p.Handle, true }

// Value returns the performative as a described list.
func (p *Open) Value() encoding.Described {
	var maxFrameSize, channelMax, idleTimeout any
	if p.MaxFrameSize != 0 && p.MaxFrameSize != math.MaxUint32 {
		maxFrameSize = p.MaxFrameSize
	}
	if p.ChannelMax != 0 && p.ChannelMax != math.MaxUint16 {
		channelMax = p.ChannelMax
	}
	if p.IdleTimeout > 0 {
		idleTimeout = uint32(p.IdleTimeout / time.Millisecond)
	}
	return encoding.Describe(CodeOpen, trimList([]any{
		p.ContainerID,
		optString(p.Hostname),
		maxFrameSize,
		channelMax,
		idleTimeout,
		nil, // outgoing-locales
		nil, // incoming-locales
		nil, // offered-capabilities
		nil, // desired-capabilities
		optFields(p.Properties),
	}))
}

func (p *Open) fromList(fl *fieldList) {
	fl.mandatory(0)
	p.ContainerID = fl.string(0)
	p.Hostname = fl.string(1)
	p.MaxFrameSize = fl.uint32(2, math.MaxUint32)
	p.ChannelMax = fl.uint16(3, math.MaxUint16)
	p.IdleTimeout = fl.milliseconds(4)
	p.Properties = fl.symbolMap(9)
}

// Value returns the performative as a described list.
func (p *Begin) Value() encoding.Described {
	var handleMax any
	if p.HandleMax != 0 && p.HandleMax != math.MaxUint32 {
		handleMax = p.HandleMax
	}
	return encoding.Describe(CodeBegin, trimList([]any{
		optUint16(p.RemoteChannel),
		p.NextOutgoingID,
		p.IncomingWindow,
		p.OutgoingWindow,
		handleMax,
		nil, // offered-capabilities
		nil, // desired-capabilities
		optFields(p.Properties),
	}))
}

func (p *Begin) fromList(fl *fieldList) {
	fl.mandatory(1)
	fl.mandatory(2)
	fl.mandatory(3)
	p.RemoteChannel = fl.uint16Ptr(0)
	p.NextOutgoingID = fl.uint32(1, 0)
	p.IncomingWindow = fl.uint32(2, 0)
	p.OutgoingWindow = fl.uint32(3, 0)
	p.HandleMax = fl.uint32(4, math.MaxUint32)
	p.Properties = fl.symbolMap(7)
}

// Value returns the performative as a described list.
func (p *Attach) Value() encoding.Described {
	var source, target, maxMessageSize any
	if p.Source != nil {
		source = p.Source.Value()
	}
	if p.Target != nil {
		target = p.Target.Value()
	}
	if p.MaxMessageSize != 0 {
		maxMessageSize = p.MaxMessageSize
	}
	return encoding.Describe(CodeAttach, trimList([]any{
		p.Name,
		p.Handle,
		bool(p.Role),
		uint8(p.SenderSettleMode),
		uint8(p.ReceiverSettleMode),
		source,
		target,
		optAnyMap(p.Unsettled),
		optBool(p.IncompleteUnsettled),
		optUint32(p.InitialDeliveryCount),
		maxMessageSize,
		optSymbols(p.OfferedCapabilities),
		optSymbols(p.DesiredCapabilities),
		optFields(p.Properties),
	}))
}

func (p *Attach) fromList(fl *fieldList) {
	fl.mandatory(0)
	fl.mandatory(1)
	fl.mandatory(2)
	p.Name = fl.string(0)
	p.Handle = fl.uint32(1, 0)
	p.Role = Role(fl.bool(2))
	p.SenderSettleMode = SenderSettleMode(fl.uint8(3, uint8(SenderSettleModeMixed)))
	p.ReceiverSettleMode = ReceiverSettleMode(fl.uint8(4, uint8(ReceiverSettleModeFirst)))

	var err error
	if p.Source, err = decodeSource(fl.get(5)); err != nil && fl.err == nil {
		fl.err = err
	}
	if p.Target, err = decodeTarget(fl.get(6)); err != nil && fl.err == nil {
		fl.err = err
	}

	p.Unsettled = fl.anyMap(7)
	p.IncompleteUnsettled = fl.bool(8)
	p.InitialDeliveryCount = fl.uint32Ptr(9)
	p.MaxMessageSize = fl.uint64(10, 0)
	p.OfferedCapabilities = fl.symbols(11)
	p.DesiredCapabilities = fl.symbols(12)
	p.Properties = fl.symbolMap(13)
}

// Value returns the performative as a described list.
func (p *Flow) Value() encoding.Described {
	return encoding.Describe(CodeFlow, trimList([]any{
		optUint32(p.NextIncomingID),
		p.IncomingWindow,
		p.NextOutgoingID,
		p.OutgoingWindow,
		optUint32(p.Handle),
		optUint32(p.DeliveryCount),
		optUint32(p.LinkCredit),
		optUint32(p.Available),
		optBool(p.Drain),
		optBool(p.Echo),
		optFields(p.Properties),
	}))
}

func (p *Flow) fromList(fl *fieldList) {
	fl.mandatory(1)
	fl.mandatory(2)
	fl.mandatory(3)
	p.NextIncomingID = fl.uint32Ptr(0)
	p.IncomingWindow = fl.uint32(1, 0)
	p.NextOutgoingID = fl.uint32(2, 0)
	p.OutgoingWindow = fl.uint32(3, 0)
	p.Handle = fl.uint32Ptr(4)
	p.DeliveryCount = fl.uint32Ptr(5)
	p.LinkCredit = fl.uint32Ptr(6)
	p.Available = fl.uint32Ptr(7)
	p.Drain = fl.bool(8)
	p.Echo = fl.bool(9)
	p.Properties = fl.symbolMap(10)
}

// Value returns the performative as a described list.
func (p *Transfer) Value() encoding.Described {
	var rcvSettleMode any
	if p.ReceiverSettleMode != nil {
		rcvSettleMode = uint8(*p.ReceiverSettleMode)
	}
	return encoding.Describe(CodeTransfer, trimList([]any{
		p.Handle,
		optUint32(p.DeliveryID),
		optBinary(p.DeliveryTag),
		optUint32(p.MessageFormat),
		optBool(p.Settled),
		optBool(p.More),
		rcvSettleMode,
		optState(p.State),
		optBool(p.Resume),
		optBool(p.Aborted),
		optBool(p.Batchable),
	}))
}

func (p *Transfer) fromList(fl *fieldList) {
	fl.mandatory(0)
	p.Handle = fl.uint32(0, 0)
	p.DeliveryID = fl.uint32Ptr(1)
	p.DeliveryTag = fl.binary(2)
	p.MessageFormat = fl.uint32Ptr(3)
	p.Settled = fl.bool(4)
	p.More = fl.bool(5)
	if fl.get(6) != nil {
		mode := ReceiverSettleMode(fl.uint8(6, 0))
		p.ReceiverSettleMode = &mode
	}
	p.State = fl.deliveryState(7)
	p.Resume = fl.bool(8)
	p.Aborted = fl.bool(9)
	p.Batchable = fl.bool(10)
}

// Value returns the performative as a described list.
func (p *Disposition) Value() encoding.Described {
	return encoding.Describe(CodeDisposition, trimList([]any{
		bool(p.Role),
		p.First,
		optUint32(p.Last),
		optBool(p.Settled),
		optState(p.State),
		optBool(p.Batchable),
	}))
}

func (p *Disposition) fromList(fl *fieldList) {
	fl.mandatory(0)
	fl.mandatory(1)
	p.Role = Role(fl.bool(0))
	p.First = fl.uint32(1, 0)
	p.Last = fl.uint32Ptr(2)
	p.Settled = fl.bool(3)
	p.State = fl.deliveryState(4)
	p.Batchable = fl.bool(5)
}

// LastID returns the last delivery id of the range, which defaults to first.
func (p *Disposition) LastID() uint32 {
	if p.Last == nil {
		return p.First
	}
	return *p.Last
}

// Value returns the performative as a described list.
func (p *Detach) Value() encoding.Described {
	return encoding.Describe(CodeDetach, trimList([]any{
		p.Handle,
		optBool(p.Closed),
		optError(p.Error),
	}))
}

func (p *Detach) fromList(fl *fieldList) {
	fl.mandatory(0)
	p.Handle = fl.uint32(0, 0)
	p.Closed = fl.bool(1)
	p.Error = fl.errorField(2)
}

// Value returns the performative as a described list.
func (p *End) Value() encoding.Described {
	return encoding.Describe(CodeEnd, trimList([]any{optError(p.Error)}))
}

func (p *End) fromList(fl *fieldList) {
	p.Error = fl.errorField(0)
}

// Value returns the performative as a described list.
func (p *Close) Value() encoding.Described {
	return encoding.Describe(CodeClose, trimList([]any{optError(p.Error)}))
}

func (p *Close) fromList(fl *fieldList) {
	p.Error = fl.errorField(0)
}

// String functions, used for tracing.

func (p *Open) String() string {
	return fmt.Sprintf("[OPEN container-id=%s max-frame-size=%d channel-max=%d idle-time-out=%s]",
		p.ContainerID, p.MaxFrameSize, p.ChannelMax, p.IdleTimeout)
}

func (p *Begin) String() string {
	return fmt.Sprintf("[BEGIN remote-channel=%s next-outgoing-id=%d incoming-window=%d outgoing-window=%d]",
		fmtUint16Ptr(p.RemoteChannel), p.NextOutgoingID, p.IncomingWindow, p.OutgoingWindow)
}

func (p *Attach) String() string {
	return fmt.Sprintf("[ATTACH name=%s handle=%d role=%s snd-settle-mode=%s rcv-settle-mode=%s source=%v target=%v initial-delivery-count=%s max-message-size=%d]",
		p.Name, p.Handle, p.Role, p.SenderSettleMode, p.ReceiverSettleMode,
		p.Source, p.Target, fmtUint32Ptr(p.InitialDeliveryCount), p.MaxMessageSize)
}

func (p *Flow) String() string {
	return fmt.Sprintf("[FLOW next-incoming-id=%s incoming-window=%d next-outgoing-id=%d outgoing-window=%d handle=%s delivery-count=%s link-credit=%s drain=%t]",
		fmtUint32Ptr(p.NextIncomingID), p.IncomingWindow, p.NextOutgoingID, p.OutgoingWindow,
		fmtUint32Ptr(p.Handle), fmtUint32Ptr(p.DeliveryCount), fmtUint32Ptr(p.LinkCredit), p.Drain)
}

func (p *Transfer) String() string {
	return fmt.Sprintf("[TRANSFER handle=%d delivery-id=%s delivery-tag=%x message-format=%s settled=%t more=%t state=%s aborted=%t]",
		p.Handle, fmtUint32Ptr(p.DeliveryID), p.DeliveryTag, fmtUint32Ptr(p.MessageFormat),
		p.Settled, p.More, StateName(p.State), p.Aborted)
}

func (p *Disposition) String() string {
	return fmt.Sprintf("[DISPOSITION role=%s first=%d last=%s settled=%t state=%s]",
		p.Role, p.First, fmtUint32Ptr(p.Last), p.Settled, StateName(p.State))
}

func (p *Detach) String() string {
	return fmt.Sprintf("[DETACH handle=%d closed=%t error=%s]", p.Handle, p.Closed, fmtError(p.Error))
}

func (p *End) String() string {
	return fmt.Sprintf("[END error=%s]", fmtError(p.Error))
}

func (p *Close) String() string {
	return fmt.Sprintf("[CLOSE error=%s]", fmtError(p.Error))
}

// StateName returns the name of the given delivery state.
func StateName(s DeliveryState) string {
	switch s.(type) {
	case nil:
		return "<nil>"
	case *Received:
		return "received"
	case *Accepted:
		return "accepted"
	case *Rejected:
		return "rejected"
	case *Released:
		return "released"
	case *Modified:
		return "modified"
	default:
		return strings.ToLower(fmt.Sprintf("unknown(0x%02x)", s.Code()))
	}
}

func fmtUint16Ptr(p *uint16) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *p)
}

func fmtUint32Ptr(p *uint32) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *p)
}

func fmtError(e *Error) string {
	if e == nil {
		return "<nil>"
	}
	return e.Error()
}
