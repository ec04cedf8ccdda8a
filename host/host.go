// Package host runs the sessions and links of a node on a single event loop.
//
// Accepted and dialed connections each carry one session. Links attached by
// a peer are served by receivers that store incoming messages. With a
// configured peer, the host opens a sender on it for Send.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mycoria/amqplink/config"
	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
	"github.com/mycoria/amqplink/message"
	"github.com/mycoria/amqplink/mgr"
	"github.com/mycoria/amqplink/receiver"
	"github.com/mycoria/amqplink/sender"
	"github.com/mycoria/amqplink/session"
	"github.com/mycoria/amqplink/storage"
)

// Errors.
var (
	ErrStopped        = errors.New("host stopped")
	ErrNotConnected   = errors.New("not connected to peer")
	ErrConnectionLost = errors.New("connection to peer lost")
)

// Host manages connections, sessions and links.
type Host struct {
	instance instance
	mgr      *mgr.Manager

	// Event loop state.
	peers   []*peer
	sender  *sender.Sender
	linkSeq uint64

	calls chan func()
	wake  chan struct{}

	listener     net.Listener
	listenerLock sync.Mutex
	closing      atomic.Bool

	ready     chan struct{}
	readyErr  error
	readyOnce sync.Once

	// PeerEvents is notified when peers connect or disconnect.
	PeerEvents *mgr.EventMgr[PeerEvent]
	// MessageEvents is notified about every stored message.
	MessageEvents *mgr.EventMgr[*storage.StoredMessage]
}

// instance is an interface subset of inst.Ance.
type instance interface {
	Version() string
	Config() *config.Config
	Storage() storage.Storage
}

// PeerEvent describes a connected or disconnected peer.
type PeerEvent struct {
	Remote    string
	Outbound  bool
	Connected bool
}

// Outcome is the final result of a sent message.
type Outcome struct {
	Result sender.SendResult
	State  frame.DeliveryState
	Err    error
}

type peer struct {
	session  *session.Session
	remote   string
	outbound bool

	receivers []*receiver.Receiver
	senders   []*sender.Sender
}

// New returns a new host.
func New(instance instance) *Host {
	h := &Host{
		instance: instance,
		mgr:      mgr.New("host"),
		calls:    make(chan func(), 64),
		wake:     make(chan struct{}, 1),
		ready:    make(chan struct{}),
	}
	h.PeerEvents = mgr.NewEventMgr[PeerEvent]("peer", h.mgr)
	h.MessageEvents = mgr.NewEventMgr[*storage.StoredMessage]("message", h.mgr)
	return h
}

// Manager returns the module's manager.
func (h *Host) Manager() *mgr.Manager {
	return h.mgr
}

// Start starts the event loop, the listener and connects to the configured peer.
func (h *Host) Start() error {
	c := h.instance.Config()

	if c.ListenAddr != "" {
		ln, err := net.Listen("tcp", c.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", c.ListenAddr, err)
		}
		h.listenerLock.Lock()
		h.listener = ln
		h.listenerLock.Unlock()
		h.mgr.Go("listener", h.listenWorker)
	}

	h.mgr.Go("event loop", h.eventLoop)
	if c.ConnectAddr != "" {
		h.mgr.Go("connect", h.connectWorker)
	}
	h.mgr.Repeat("persist storage", c.PersistInterval, h.persist)

	return nil
}

// Stop closes all sessions and the listener.
func (h *Host) Stop() error {
	h.closing.Store(true)
	h.closeListener()

	// Close sessions gracefully and give them a moment to finish.
	var (
		sessions []*session.Session
		done     = make(chan struct{})
	)
	err := h.call(func() {
		defer close(done)
		for _, p := range h.peers {
			if err := p.session.Close(); err != nil {
				h.mgr.Debug("failed to close session", "remote", p.remote, "err", err)
			}
			sessions = append(sessions, p.session)
		}
	})
	if err != nil {
		return nil
	}

	timeout := time.After(time.Second)
	select {
	case <-done:
	case <-timeout:
		return nil
	}
	for _, s := range sessions {
		select {
		case <-s.Stopped():
		case <-timeout:
			return nil
		}
	}
	return nil
}

// ListenAddress returns the address the host accepts connections on.
// Returns nil if the host does not listen.
func (h *Host) ListenAddress() net.Addr {
	h.listenerLock.Lock()
	defer h.listenerLock.Unlock()

	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// WaitReady waits until the sender to the configured peer is open.
func (h *Host) WaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return h.readyErr
	case <-ctx.Done():
		return ctx.Err()
	case <-h.mgr.Done():
		return ErrStopped
	}
}

func (h *Host) setReady(err error) {
	h.readyOnce.Do(func() {
		h.readyErr = err
		close(h.ready)
	})
}

// Send sends the message to the configured peer.
// Data bodies are signed with the configured hash, unless already signed.
// The returned channel receives the outcome once the message is settled.
func (h *Host) Send(msg *message.Message) <-chan Outcome {
	ch := make(chan Outcome, 1)
	report := func(o Outcome) {
		select {
		case ch <- o:
		default:
		}
	}

	err := h.call(func() {
		if h.sender == nil {
			report(Outcome{Err: ErrNotConnected})
			return
		}
		if msg.BodyType() == message.BodyTypeData && !msg.Signed() {
			if err := msg.Sign(h.instance.Config().Hash); err != nil {
				report(Outcome{Err: err})
				return
			}
		}

		_, err := h.sender.SendAsync(msg, func(result sender.SendResult, state frame.DeliveryState) {
			report(Outcome{Result: result, State: state})
		}, h.instance.Config().SendTimeout)
		if err != nil {
			report(Outcome{Err: err})
		}
	})
	if err != nil {
		report(Outcome{Err: err})
	}
	return ch
}

// LinkStatus returns a snapshot of all links.
func (h *Host) LinkStatus(ctx context.Context) ([]link.Status, error) {
	result := make(chan []link.Status, 1)
	err := h.call(func() {
		var list []link.Status
		for _, p := range h.peers {
			for _, r := range p.receivers {
				list = append(list, r.Link().Status())
			}
			for _, s := range p.senders {
				list = append(list, s.Link().Status())
			}
		}
		result <- list
	})
	if err != nil {
		return nil, err
	}

	select {
	case list := <-result:
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call runs the function on the event loop.
func (h *Host) call(fn func()) error {
	select {
	case h.calls <- fn:
		return nil
	case <-h.mgr.Done():
		return ErrStopped
	}
}

func (h *Host) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Host) closeListener() {
	h.listenerLock.Lock()
	defer h.listenerLock.Unlock()

	if h.listener != nil {
		_ = h.listener.Close()
	}
}

func (h *Host) persist(w *mgr.WorkerCtx) error {
	st := h.instance.Storage()
	st.Prune(h.instance.Config().StorageKeep)
	if err := st.Persist(); err != nil {
		return fmt.Errorf("persist storage: %w", err)
	}
	return nil
}
