package session

import (
	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
	"github.com/mycoria/amqplink/m"
)

// event is handed from the workers to the event loop.
type event struct {
	perf    frame.Performative
	payload []byte

	written *outFrame
	lost    bool
	err     error
}

func (s *Session) post(ev event) {
	s.eventsLock.Lock()
	defer s.eventsLock.Unlock()

	s.events = append(s.events, ev)
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Process dispatches all received frames and send completions.
// It must be called from the event loop that owns the links of the session.
// Returns the number of processed events.
func (s *Session) Process() int {
	s.eventsLock.Lock()
	events := s.events
	s.events = nil
	s.eventsLock.Unlock()

	for _, ev := range events {
		switch {
		case ev.perf != nil:
			s.handlePerformative(ev.perf, ev.payload)
		case ev.written != nil:
			s.handleWritten(ev.written, ev.err)
		case ev.lost:
			s.handleLost(ev.err)
		}
	}
	return len(events)
}

func (s *Session) handlePerformative(p frame.Performative, payload []byte) {
	if s.trace {
		s.logger.Debug("session: <- "+p.String(), "state", s.state)
	}

	switch perf := p.(type) {
	case *frame.Open:
		s.remoteContainerID = perf.ContainerID
		s.remoteMaxFrameSize = max(perf.MaxFrameSize, frame.MinMaxFrameSize)

	case *frame.Begin:
		s.nextIncomingID = perf.NextOutgoingID
		s.incomingGranted = perf.NextOutgoingID + s.incomingWindow
		s.remoteNextIncomingID = s.nextTransferID
		s.remoteIncomingWindow = perf.IncomingWindow
		switch s.state {
		case link.SessionUnmapped:
			s.setState(link.SessionBeginRcvd)
		case link.SessionBeginSent:
			s.setState(link.SessionMapped)
		}

	case *frame.Attach:
		s.handleAttach(perf)

	case *frame.Flow:
		if perf.NextIncomingID != nil {
			s.remoteNextIncomingID = *perf.NextIncomingID
		}
		s.remoteIncomingWindow = perf.IncomingWindow
		if handle, ok := perf.LinkHandle(); ok {
			s.dispatch(handle, perf, nil)
		}
		if s.windowBlocked && s.remoteWindow() > 0 {
			s.windowBlocked = false
			for _, ep := range s.startedEndpoints() {
				ep.handler.SessionFlowOn()
			}
		}

	case *frame.Transfer:
		s.nextIncomingID++
		s.dispatch(perf.Handle, perf, payload)
		s.refreshIncomingWindow()

	case *frame.Disposition:
		// Dispositions of the peer receiver settle deliveries of our senders.
		for _, ep := range s.startedEndpoints() {
			if ep.role != perf.Role {
				ep.handler.FrameReceived(perf, nil)
			}
		}

	case *frame.Detach:
		ep := s.remoteHandles[perf.Handle]
		s.dispatch(perf.Handle, perf, nil)
		if ep != nil {
			delete(s.remoteHandles, perf.Handle)
			ep.hasRemote = false
		}

	case *frame.End:
		if perf.Error != nil {
			s.logger.Warn("session: ended by peer", "err", perf.Error)
		}
		if s.state != link.SessionEndSent {
			_ = s.send(&frame.End{})
		}
		s.setState(link.SessionDiscarding)
		s.setState(link.SessionUnmapped)
		s.beginRequested = false

	case *frame.Close:
		if perf.Error != nil {
			s.logger.Warn("session: connection closed by peer", "err", perf.Error)
		}
		if s.closing.SetToIf(false, true) {
			_ = s.sendFinal(&frame.Close{})
		}
	}
}

func (s *Session) handleAttach(attach *frame.Attach) {
	ep, ok := s.endpoints[attach.Name]
	if !ok {
		var err error
		ep, err = s.newEndpoint(attach.Name)
		if err != nil {
			s.logger.Warn("session: failed to create endpoint for peer link", "link", attach.Name, "err", err)
			return
		}
		ep.role = attach.Role.Peer()
		ep.pendingAttach = attach
		ep.remoteHandle = attach.Handle
		ep.hasRemote = true
		s.remoteHandles[attach.Handle] = ep

		if s.onLinkAttached == nil || !s.onLinkAttached(ep, attach) {
			s.refuse(ep)
		}
		return
	}

	ep.remoteHandle = attach.Handle
	ep.hasRemote = true
	s.remoteHandles[attach.Handle] = ep
	s.deliver(ep, attach, nil)
}

// refuse attaches and immediately closes a link nobody wants.
func (s *Session) refuse(ep *Endpoint) {
	s.logger.Info("session: refusing peer link", "link", ep.name)

	if err := ep.SendAttach(&frame.Attach{Name: ep.name, Role: ep.role}); err == nil {
		_ = ep.SendDetach(&frame.Detach{
			Closed: true,
			Error: &frame.Error{
				Condition:   frame.ErrCondNotAllowed,
				Description: "link refused",
			},
		})
	}
	s.removeEndpoint(ep)
}

func (s *Session) dispatch(handle uint32, p frame.Performative, payload []byte) {
	ep, ok := s.remoteHandles[handle]
	if !ok {
		s.logger.Warn("session: frame for unknown handle", "handle", handle, "performative", p.String())
		return
	}
	s.deliver(ep, p, payload)
}

func (s *Session) deliver(ep *Endpoint, p frame.Performative, payload []byte) {
	if ep.handler == nil {
		if attach, ok := p.(*frame.Attach); ok {
			ep.pendingAttach = attach
			return
		}
		s.logger.Warn("session: frame for endpoint that was not started", "link", ep.name, "performative", p.String())
		return
	}
	ep.handler.FrameReceived(p, payload)
}

func (s *Session) handleWritten(f *outFrame, err error) {
	wasFull := s.inFlight >= s.outgoingWindow
	if s.inFlight > 0 {
		s.inFlight--
	}

	if f.onWritten != nil {
		f.onWritten(err)
	}

	if wasFull && s.inFlight < s.outgoingWindow && err == nil {
		for _, ep := range s.startedEndpoints() {
			ep.handler.SessionFlowOn()
		}
	}
}

func (s *Session) handleLost(cause error) {
	switch {
	case s.state == link.SessionUnmapped && !s.beginRequested:
	case s.closing.IsSet() && cause == nil:
		s.setState(link.SessionDiscarding)
		s.setState(link.SessionUnmapped)
	default:
		s.logger.Warn("session: connection lost", "err", cause)
		s.setState(link.SessionError)
	}

	// The links cannot use their endpoints anymore.
	for _, ep := range s.startedEndpoints() {
		s.removeEndpoint(ep)
		ep.handler.EndpointDestroyed()
	}
}

// remoteWindow returns how many more transfer frames the peer accepts.
func (s *Session) remoteWindow() int64 {
	return m.SerialDiff(s.nextTransferID, s.remoteNextIncomingID+s.remoteIncomingWindow)
}

// refreshIncomingWindow sends a session flow once half of the granted
// incoming window is used up.
func (s *Session) refreshIncomingWindow() {
	if s.state != link.SessionMapped || s.closing.IsSet() {
		return
	}
	if m.SerialDiff(s.nextIncomingID, s.incomingGranted) > int64(s.incomingWindow/2) {
		return
	}

	nextIncomingID := s.nextIncomingID
	s.incomingGranted = nextIncomingID + s.incomingWindow
	if err := s.send(&frame.Flow{
		NextIncomingID: &nextIncomingID,
		IncomingWindow: s.incomingWindow,
		NextOutgoingID: s.nextTransferID,
		OutgoingWindow: s.outgoingWindow,
	}); err != nil {
		s.logger.Warn("session: failed to send flow", "err", err)
	}
}
