package host

import (
	"net"
	"time"

	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/mgr"
	"github.com/mycoria/amqplink/session"
)

// eventLoop owns all sessions and links.
func (h *Host) eventLoop(w *mgr.WorkerCtx) error {
	ticker := time.NewTicker(h.instance.Config().DoWorkInterval)
	defer ticker.Stop()
	defer h.removeAll()

	for {
		h.process()

		select {
		case <-w.Done():
			return nil
		case fn := <-h.calls:
			fn()
		case <-h.wake:
		case <-ticker.C:
			h.doWork()
		}
	}
}

// process dispatches the events of all sessions and drops stopped ones.
func (h *Host) process() {
	active := h.peers[:0]
	for _, p := range h.peers {
		n := p.session.Process()
		select {
		case <-p.session.Stopped():
			if n == 0 {
				h.removePeer(p)
				continue
			}
		default:
		}
		active = append(active, p)
	}
	clear(h.peers[len(active):])
	h.peers = active
}

func (h *Host) doWork() {
	for _, p := range h.peers {
		for _, r := range p.receivers {
			r.Link().DoWork()
		}
		for _, s := range p.senders {
			s.Link().DoWork()
		}
	}
}

func (h *Host) addPeer(s *session.Session, remote string, outbound bool) {
	c := h.instance.Config()
	p := &peer{
		session:  s,
		remote:   remote,
		outbound: outbound,
	}
	s.SetTrace(c.Session.Trace)
	s.OnLinkAttached(func(ep *session.Endpoint, attach *frame.Attach) bool {
		return h.acceptLink(p, ep, attach)
	})
	h.peers = append(h.peers, p)

	if outbound {
		if err := h.openSender(p); err != nil {
			h.mgr.Warn("failed to open sender", "remote", remote, "err", err)
			h.setReady(err)
		}
	} else if err := s.Begin(); err != nil {
		h.mgr.Warn("failed to begin session", "remote", remote, "err", err)
	}

	h.mgr.Info("peer connected", "remote", remote, "outbound", outbound)
	h.PeerEvents.Submit(PeerEvent{
		Remote:    remote,
		Outbound:  outbound,
		Connected: true,
	})
}

func (h *Host) removePeer(p *peer) {
	for _, r := range p.receivers {
		r.Destroy()
	}
	for _, snd := range p.senders {
		snd.Destroy()
		if h.sender == snd {
			h.sender = nil
		}
	}
	if p.outbound {
		h.setReady(ErrConnectionLost)
	}
	p.session.Stop()

	h.mgr.Info("peer disconnected", "remote", p.remote, "outbound", p.outbound)
	h.PeerEvents.Submit(PeerEvent{
		Remote:   p.remote,
		Outbound: p.outbound,
	})
}

func (h *Host) removeAll() {
	for _, p := range h.peers {
		h.removePeer(p)
	}
	h.peers = nil
}

// startSession creates the session on a new connection and hands it to the event loop.
func (h *Host) startSession(conn net.Conn, outbound bool) {
	c := h.instance.Config()
	remote := conn.RemoteAddr().String()

	s, err := session.New(
		conn,
		session.WithLogger(h.mgr.Logger()),
		session.WithContainerID(c.Session.ContainerID),
		session.WithMaxFrameSize(c.MaxFrameSize),
		session.WithOutgoingWindow(c.OutgoingWindow),
		session.WithIncomingWindow(c.Session.IncomingWindow),
	)
	if err != nil {
		h.mgr.Warn("failed to create session", "remote", remote, "err", err)
		_ = conn.Close()
		if outbound {
			h.setReady(err)
		}
		return
	}

	// Wake the event loop whenever the session has work.
	h.mgr.Go("session events", func(w *mgr.WorkerCtx) error {
		for {
			select {
			case <-s.Events():
				h.signal()
			case <-s.Stopped():
				h.signal()
				return nil
			case <-w.Done():
				return nil
			}
		}
	})

	if err := h.call(func() {
		h.addPeer(s, remote, outbound)
	}); err != nil {
		s.Stop()
	}
}

func (h *Host) listenWorker(w *mgr.WorkerCtx) error {
	h.listenerLock.Lock()
	ln := h.listener
	h.listenerLock.Unlock()

	w.Info("listening", "bind", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !h.closing.Load() {
				w.Warn("accept error, closing listener", "bind", ln.Addr(), "err", err)
			}
			h.closeListener()
			return nil //nolint:nilerr // Worker has no error.
		}

		h.startSession(conn, false)
	}
}

func (h *Host) connectWorker(w *mgr.WorkerCtx) error {
	address := h.instance.Config().ConnectAddr

	dialer := &net.Dialer{
		Timeout:       30 * time.Second,
		FallbackDelay: -1, // Disables Fast Fallback from IPv6 to IPv4.
		KeepAlive:     -1, // Disable keep-alive.
	}
	conn, err := dialer.DialContext(w.Ctx(), "tcp", address)
	if err != nil {
		w.Warn("failed to connect", "address", address, "err", err)
		h.setReady(err)
		return nil
	}

	h.startSession(conn, true)
	return nil
}
