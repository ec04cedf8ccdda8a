package testutil

import (
	"errors"

	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
)

// ErrStub is returned by stubbed failures.
var ErrStub = errors.New("stub failure")

// Session is a recording session for testing links.
// It never touches the network: all sent performatives are recorded on the
// endpoints and inbound performatives are injected with Endpoint.Receive.
type Session struct {
	BeginErr  error
	CreateErr error

	Begun     int
	State     link.SessionState
	Endpoints map[string]*Endpoint
	Destroyed []string

	// NextDeliveryID is the delivery ID assigned to the next transfer.
	NextDeliveryID uint32
}

var _ link.Session = &Session{}

// NewSession returns a new unmapped session.
func NewSession() *Session {
	return &Session{
		State:          link.SessionUnmapped,
		Endpoints:      make(map[string]*Endpoint),
		NextDeliveryID: 1,
	}
}

// NewMappedSession returns a new session that is already mapped.
func NewMappedSession() *Session {
	s := NewSession()
	s.State = link.SessionMapped
	return s
}

// Begin records the begin request.
func (s *Session) Begin() error {
	if s.BeginErr != nil {
		return s.BeginErr
	}
	s.Begun++
	return nil
}

// CreateLinkEndpoint creates a new recording endpoint.
func (s *Session) CreateLinkEndpoint(name string) (link.Endpoint, error) {
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	return s.NewEndpoint(name), nil
}

// NewEndpoint creates a new recording endpoint, as if the peer attached it.
func (s *Session) NewEndpoint(name string) *Endpoint {
	ep := &Endpoint{
		name:    name,
		session: s,
	}
	s.Endpoints[name] = ep
	return ep
}

// DestroyLinkEndpoint records the endpoint destruction.
func (s *Session) DestroyLinkEndpoint(ep link.Endpoint) {
	s.Destroyed = append(s.Destroyed, ep.Name())
	delete(s.Endpoints, ep.Name())
}

// SetState changes the session state and informs all started endpoints.
func (s *Session) SetState(state link.SessionState) {
	prev := s.State
	s.State = state
	for _, ep := range s.Endpoints {
		if ep.Handler != nil {
			ep.Handler.SessionStateChanged(state, prev)
		}
	}
}

// Endpoint is a recording link endpoint.
type Endpoint struct {
	name    string
	session *Session

	Handler link.EndpointHandler

	StartErr error
	SendErr  error

	// TransferResults are returned by the next SendTransfer calls, in order.
	// Use link.ErrBusy to simulate a busy session.
	TransferResults []error
	// CompleteSync calls the send complete function before SendTransfer returns.
	CompleteSync bool

	Sent             []frame.Performative
	TransferPayloads [][]byte
	completions      []func(error)
}

var _ link.Endpoint = &Endpoint{}

// Name returns the endpoint name.
func (e *Endpoint) Name() string {
	return e.name
}

// Start binds the handler and informs it about the current session state.
func (e *Endpoint) Start(h link.EndpointHandler) error {
	if e.StartErr != nil {
		return e.StartErr
	}
	e.Handler = h
	h.SessionStateChanged(e.session.State, e.session.State)
	return nil
}

// SendAttach records the attach.
func (e *Endpoint) SendAttach(a *frame.Attach) error {
	return e.record(a)
}

// SendFlow records the flow.
func (e *Endpoint) SendFlow(f *frame.Flow) error {
	return e.record(f)
}

// SendDisposition records the disposition.
func (e *Endpoint) SendDisposition(d *frame.Disposition) error {
	return e.record(d)
}

// SendDetach records the detach.
func (e *Endpoint) SendDetach(d *frame.Detach) error {
	return e.record(d)
}

// SendTransfer records the transfer and assigns the next delivery ID.
func (e *Endpoint) SendTransfer(t *frame.Transfer, payloads [][]byte, onSendComplete func(err error)) (uint32, error) {
	if len(e.TransferResults) > 0 {
		err := e.TransferResults[0]
		e.TransferResults = e.TransferResults[1:]
		if err != nil {
			return 0, err
		}
	}
	if e.SendErr != nil {
		return 0, e.SendErr
	}

	id := e.session.NextDeliveryID
	e.session.NextDeliveryID++
	t.DeliveryID = &id

	var payload []byte
	for _, p := range payloads {
		payload = append(payload, p...)
	}
	e.Sent = append(e.Sent, t)
	e.TransferPayloads = append(e.TransferPayloads, payload)

	if onSendComplete != nil {
		if e.CompleteSync {
			onSendComplete(nil)
		} else {
			e.completions = append(e.completions, onSendComplete)
		}
	}
	return id, nil
}

// CompleteSends calls all outstanding send complete functions.
func (e *Endpoint) CompleteSends(err error) int {
	completions := e.completions
	e.completions = nil
	for _, fn := range completions {
		fn(err)
	}
	return len(completions)
}

// Receive injects a performative from the peer.
func (e *Endpoint) Receive(p frame.Performative, payload []byte) {
	e.Handler.FrameReceived(p, payload)
}

// Destroy simulates the session destroying the endpoint.
func (e *Endpoint) Destroy() {
	if e.Handler != nil {
		e.Handler.EndpointDestroyed()
	}
}

// Last returns the last sent performative.
func (e *Endpoint) Last() frame.Performative {
	if len(e.Sent) == 0 {
		return nil
	}
	return e.Sent[len(e.Sent)-1]
}

// Reset clears the recorded performatives.
func (e *Endpoint) Reset() {
	e.Sent = nil
	e.TransferPayloads = nil
}

func (e *Endpoint) record(p frame.Performative) error {
	if e.SendErr != nil {
		return e.SendErr
	}
	e.Sent = append(e.Sent, p)
	return nil
}

// SentOf returns all recorded performatives of the given type.
func SentOf[T frame.Performative](e *Endpoint) []T {
	var list []T
	for _, p := range e.Sent {
		if t, ok := p.(T); ok {
			list = append(list, t)
		}
	}
	return list
}
