// Package session implements an AMQP 1.0 connection with a single session
// over a net.Conn.
//
// Frames are read and written by worker goroutines, but everything that
// touches links is dispatched by Process, which must be called from the
// event loop that owns the links. Events signals when Process has work.
package session

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tevino/abool"

	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
	"github.com/mycoria/amqplink/mgr"
)

// Errors.
var (
	ErrClosed          = errors.New("session closed")
	ErrNotMapped       = errors.New("session not mapped")
	ErrUnknownEndpoint = errors.New("unknown link endpoint")
	ErrDuplicateName   = errors.New("link name already in use")
	ErrProtocol        = errors.New("protocol violation")
)

// Defaults.
const (
	DefaultMaxFrameSize   uint32 = 4096
	DefaultOutgoingWindow uint32 = 64
	DefaultIncomingWindow uint32 = 1 << 16
	DefaultContainerID           = "amqplink"
)

// LinkAttachedFunc is called when the peer attaches a link that has no local
// endpoint yet. Create a link on the endpoint with link.NewFromEndpoint and
// attach it to accept the link. Return false to refuse it.
type LinkAttachedFunc func(ep *Endpoint, attach *frame.Attach) bool

// Session is an AMQP connection carrying one session on channel 0.
type Session struct {
	conn   net.Conn
	mgr    *mgr.Manager
	logger *slog.Logger

	containerID    string
	maxFrameSize   uint32
	outgoingWindow uint32
	incomingWindow uint32

	// Event loop state.

	state                link.SessionState
	remoteMaxFrameSize   uint32
	remoteContainerID    string
	remoteIncomingWindow uint32
	remoteNextIncomingID uint32
	incomingGranted      uint32
	windowBlocked        bool
	beginRequested       bool
	endpoints            map[string]*Endpoint
	remoteHandles        map[uint32]*Endpoint
	nextHandle           uint32
	nextDeliveryID       uint32
	nextTransferID       uint32
	nextIncomingID       uint32
	inFlight             uint32
	onLinkAttached       LinkAttachedFunc
	trace                bool

	// Shared with the workers.

	sendQueue chan *outFrame
	closing   *abool.AtomicBool
	stopped   chan struct{}

	eventsLock sync.Mutex
	events     []event
	notify     chan struct{}

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

var _ link.Session = &Session{}

// Option configures a session.
type Option func(s *Session)

// WithManager sets the manager that runs the reader and writer workers.
func WithManager(m *mgr.Manager) Option {
	return func(s *Session) {
		if m != nil {
			s.mgr = m
		}
	}
}

// WithLogger sets the logger used by the session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithContainerID sets the container ID announced in the open performative.
func WithContainerID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.containerID = id
		}
	}
}

// WithMaxFrameSize sets the largest frame this side accepts.
func WithMaxFrameSize(size uint32) Option {
	return func(s *Session) {
		if size >= frame.MinMaxFrameSize {
			s.maxFrameSize = size
		}
	}
}

// WithOutgoingWindow sets how many transfers may wait for the writer before
// the session reports busy.
func WithOutgoingWindow(window uint32) Option {
	return func(s *Session) {
		if window > 0 {
			s.outgoingWindow = window
		}
	}
}

// WithIncomingWindow sets the incoming window announced to the peer.
func WithIncomingWindow(window uint32) Option {
	return func(s *Session) {
		if window > 0 {
			s.incomingWindow = window
		}
	}
}

// New returns a new session on the given connection and starts its workers.
// The protocol header and the open performative are sent right away.
func New(conn net.Conn, opts ...Option) (*Session, error) {
	s := &Session{
		conn:               conn,
		logger:             slog.Default(),
		containerID:        DefaultContainerID,
		maxFrameSize:       DefaultMaxFrameSize,
		outgoingWindow:     DefaultOutgoingWindow,
		incomingWindow:     DefaultIncomingWindow,
		state:              link.SessionUnmapped,
		remoteMaxFrameSize: frame.MinMaxFrameSize,
		endpoints:          make(map[string]*Endpoint),
		remoteHandles:      make(map[uint32]*Endpoint),
		sendQueue:          make(chan *outFrame, 1024),
		closing:            abool.New(),
		stopped:            make(chan struct{}),
		notify:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mgr == nil {
		s.mgr = mgr.New("session")
	}
	s.logger = s.logger.With("remote", conn.RemoteAddr())

	// The header must be the very first bytes on the wire.
	s.sendQueue <- &outFrame{data: frame.ProtocolHeader}
	if err := s.send(&frame.Open{
		ContainerID:  s.containerID,
		MaxFrameSize: s.maxFrameSize,
		ChannelMax:   0,
	}); err != nil {
		return nil, err
	}

	s.mgr.Go("session reader", s.reader)
	s.mgr.Go("session writer", s.writer)
	return s, nil
}

// State returns the session state.
func (s *Session) State() link.SessionState {
	return s.state
}

// RemoteContainerID returns the container ID of the peer.
func (s *Session) RemoteContainerID() string {
	return s.remoteContainerID
}

// RemoteMaxFrameSize returns the largest frame the peer accepts.
func (s *Session) RemoteMaxFrameSize() uint32 {
	return s.remoteMaxFrameSize
}

// BytesIn returns the total amount of bytes received.
func (s *Session) BytesIn() uint64 {
	return s.bytesIn.Load()
}

// BytesOut returns the total amount of bytes sent.
func (s *Session) BytesOut() uint64 {
	return s.bytesOut.Load()
}

// SetTrace enables or disables logging of all session level performatives.
func (s *Session) SetTrace(enabled bool) {
	s.trace = enabled
}

// OnLinkAttached sets the function called for links the peer attaches.
func (s *Session) OnLinkAttached(fn LinkAttachedFunc) {
	s.onLinkAttached = fn
}

// Events returns a channel that receives a value whenever Process has work.
func (s *Session) Events() <-chan struct{} {
	return s.notify
}

// Stopped returns a channel that is closed when the connection is gone.
func (s *Session) Stopped() <-chan struct{} {
	return s.stopped
}

// Begin begins the session.
// Calling it again while the session is beginning or mapped is a no-op.
func (s *Session) Begin() error {
	if s.closing.IsSet() {
		return ErrClosed
	}
	if s.beginRequested {
		return nil
	}

	begin := &frame.Begin{
		NextOutgoingID: s.nextTransferID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
	}
	if s.state == link.SessionBeginRcvd {
		begin.RemoteChannel = new(uint16)
	}
	if err := s.send(begin); err != nil {
		return err
	}
	s.beginRequested = true

	switch s.state {
	case link.SessionUnmapped:
		s.setState(link.SessionBeginSent)
	case link.SessionBeginRcvd:
		s.setState(link.SessionMapped)
	}
	return nil
}

// End ends the session and closes the connection.
func (s *Session) End(cause *frame.Error) error {
	if !s.closing.SetToIf(false, true) {
		return nil
	}

	if s.beginRequested {
		_ = s.send(&frame.End{Error: cause})
		s.setState(link.SessionEndSent)
	}
	return s.sendFinal(&frame.Close{Error: cause})
}

// Close ends the session and closes the connection.
func (s *Session) Close() error {
	return s.End(nil)
}

// Stop closes the connection immediately and stops the workers.
func (s *Session) Stop() {
	s.closing.Set()
	_ = s.conn.Close()
	s.mgr.Cancel()
}

// CreateLinkEndpoint creates a new endpoint for a locally created link.
func (s *Session) CreateLinkEndpoint(name string) (link.Endpoint, error) {
	ep, err := s.newEndpoint(name)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// DestroyLinkEndpoint releases the endpoint and its handle.
func (s *Session) DestroyLinkEndpoint(le link.Endpoint) {
	ep, ok := le.(*Endpoint)
	if !ok || ep.session != s {
		return
	}
	s.removeEndpoint(ep)
}

func (s *Session) newEndpoint(name string) (*Endpoint, error) {
	if _, ok := s.endpoints[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	ep := &Endpoint{
		session: s,
		name:    name,
		handle:  s.nextHandle,
	}
	s.nextHandle++
	s.endpoints[name] = ep
	return ep, nil
}

func (s *Session) removeEndpoint(ep *Endpoint) {
	if ep.destroyed {
		return
	}
	ep.destroyed = true
	delete(s.endpoints, ep.name)
	if ep.hasRemote {
		delete(s.remoteHandles, ep.remoteHandle)
	}
}

func (s *Session) setState(state link.SessionState) {
	prev := s.state
	if prev == state {
		return
	}
	s.state = state

	if s.trace {
		s.logger.Debug("session: state changed", "state", state, "previous", prev)
	}
	for _, ep := range s.startedEndpoints() {
		ep.handler.SessionStateChanged(state, prev)
	}
}

// startedEndpoints returns a snapshot, handlers may create or destroy endpoints.
func (s *Session) startedEndpoints() []*Endpoint {
	list := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		if ep.handler != nil {
			list = append(list, ep)
		}
	}
	slices.SortFunc(list, func(a, b *Endpoint) int {
		return cmp.Compare(a.handle, b.handle)
	})
	return list
}
