package link

// State is the state of a link.
type State uint8

// Link states.
const (
	StateDetached State = iota
	StateHalfAttachedAttachSent
	StateHalfAttachedAttachReceived
	StateAttached
	StateError
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateHalfAttachedAttachSent:
		return "half-attached-attach-sent"
	case StateHalfAttachedAttachReceived:
		return "half-attached-attach-received"
	case StateAttached:
		return "attached"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsHalfAttached returns whether the state is one of the half attached states.
func (s State) IsHalfAttached() bool {
	return s == StateHalfAttachedAttachSent || s == StateHalfAttachedAttachReceived
}
