package link

import "github.com/mycoria/amqplink/frame"

// SessionState is the state of the session a link endpoint belongs to.
type SessionState uint8

// Session states.
const (
	SessionUnmapped SessionState = iota
	SessionBeginSent
	SessionBeginRcvd
	SessionMapped
	SessionEndSent
	SessionEndRcvd
	SessionDiscarding
	SessionError
)

func (s SessionState) String() string {
	switch s {
	case SessionUnmapped:
		return "unmapped"
	case SessionBeginSent:
		return "begin-sent"
	case SessionBeginRcvd:
		return "begin-rcvd"
	case SessionMapped:
		return "mapped"
	case SessionEndSent:
		return "end-sent"
	case SessionEndRcvd:
		return "end-rcvd"
	case SessionDiscarding:
		return "discarding"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}

// Session multiplexes link endpoints onto a connection.
type Session interface {
	// Begin requests the session to begin.
	// It may be called multiple times.
	Begin() error

	// CreateLinkEndpoint creates a new link endpoint with the given name.
	CreateLinkEndpoint(name string) (Endpoint, error)

	// DestroyLinkEndpoint releases the given link endpoint.
	DestroyLinkEndpoint(ep Endpoint)
}

// Endpoint is the session side of a link.
// The session fills in all session level fields of the sent performatives,
// such as the link handle, transfer ids and windows.
type Endpoint interface {
	// Name returns the name of the link endpoint.
	Name() string

	// Start binds the handler to the endpoint.
	// The handler is immediately informed about the current session state.
	Start(h EndpointHandler) error

	// SendAttach sends an attach performative.
	SendAttach(a *frame.Attach) error

	// SendFlow sends a flow performative.
	SendFlow(f *frame.Flow) error

	// SendTransfer sends a transfer with the given payload, splitting it
	// into multiple frames if necessary.
	// Returns the delivery ID assigned by the session.
	// Returns ErrBusy if the session cannot accept the transfer right now.
	// onSendComplete is called when the last frame has been written.
	SendTransfer(t *frame.Transfer, payloads [][]byte, onSendComplete func(err error)) (deliveryID uint32, err error)

	// SendDisposition sends a disposition performative.
	SendDisposition(d *frame.Disposition) error

	// SendDetach sends a detach performative.
	SendDetach(d *frame.Detach) error
}

// EndpointHandler receives events from a link endpoint.
type EndpointHandler interface {
	// FrameReceived is called for every link performative received for the endpoint.
	FrameReceived(p frame.Performative, payload []byte)

	// SessionStateChanged is called when the session state changes.
	SessionStateChanged(state, previous SessionState)

	// SessionFlowOn is called when the session can send transfers again.
	SessionFlowOn()

	// EndpointDestroyed is called when the session destroyed the endpoint.
	EndpointDestroyed()
}
