package frame

// Role is the role of a link endpoint.
type Role bool

// Roles.
const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

// Peer returns the role of the opposite link endpoint.
func (r Role) Peer() Role {
	return !r
}

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// SenderSettleMode specifies how the sender settles deliveries.
type SenderSettleMode uint8

// Sender settle modes.
const (
	SenderSettleModeUnsettled SenderSettleMode = 0
	SenderSettleModeSettled   SenderSettleMode = 1
	SenderSettleModeMixed     SenderSettleMode = 2
)

func (m SenderSettleMode) String() string {
	switch m {
	case SenderSettleModeUnsettled:
		return "unsettled"
	case SenderSettleModeSettled:
		return "settled"
	case SenderSettleModeMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

// ReceiverSettleMode specifies how the receiver settles deliveries.
type ReceiverSettleMode uint8

// Receiver settle modes.
const (
	ReceiverSettleModeFirst  ReceiverSettleMode = 0
	ReceiverSettleModeSecond ReceiverSettleMode = 1
)

func (m ReceiverSettleMode) String() string {
	switch m {
	case ReceiverSettleModeFirst:
		return "first"
	case ReceiverSettleModeSecond:
		return "second"
	default:
		return "unknown"
	}
}
