package session

import (
	"fmt"

	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
)

// Endpoint is the session side of a link.
type Endpoint struct {
	session *Session
	name    string
	handle  uint32
	role    frame.Role

	remoteHandle  uint32
	hasRemote     bool
	pendingAttach *frame.Attach

	handler   link.EndpointHandler
	destroyed bool
}

var _ link.Endpoint = &Endpoint{}

// Name returns the link name.
func (ep *Endpoint) Name() string {
	return ep.name
}

// Session returns the session of the endpoint.
func (ep *Endpoint) Session() *Session {
	return ep.session
}

// Start binds the link handler to the endpoint.
// The handler is informed about the current session state right away and
// receives the attach of the peer, if the peer attached first.
func (ep *Endpoint) Start(h link.EndpointHandler) error {
	if ep.destroyed {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep.name)
	}

	ep.handler = h
	h.SessionStateChanged(ep.session.state, ep.session.state)

	if ep.pendingAttach != nil {
		attach := ep.pendingAttach
		ep.pendingAttach = nil
		h.FrameReceived(attach, nil)
	}
	return nil
}

// SendAttach sends the attach with the handle of the endpoint.
func (ep *Endpoint) SendAttach(a *frame.Attach) error {
	if err := ep.check(); err != nil {
		return err
	}

	a.Handle = ep.handle
	ep.role = a.Role
	return ep.session.send(a)
}

// SendFlow sends the link flow together with the session flow state.
func (ep *Endpoint) SendFlow(f *frame.Flow) error {
	if err := ep.check(); err != nil {
		return err
	}

	s := ep.session
	nextIncomingID := s.nextIncomingID
	handle := ep.handle
	f.NextIncomingID = &nextIncomingID
	f.IncomingWindow = s.incomingWindow
	s.incomingGranted = nextIncomingID + s.incomingWindow
	f.NextOutgoingID = s.nextTransferID
	f.OutgoingWindow = s.outgoingWindow
	f.Handle = &handle
	return s.send(f)
}

// SendDisposition sends the disposition.
func (ep *Endpoint) SendDisposition(d *frame.Disposition) error {
	if err := ep.check(); err != nil {
		return err
	}
	return ep.session.send(d)
}

// SendDetach sends the detach with the handle of the endpoint.
func (ep *Endpoint) SendDetach(d *frame.Detach) error {
	if err := ep.check(); err != nil {
		return err
	}

	d.Handle = ep.handle
	return ep.session.send(d)
}

// SendTransfer queues the delivery for the writer and returns its delivery ID.
// Payloads that do not fit into a single frame are split into multiple frames.
// Returns link.ErrBusy while the writer has a full window of transfers or the
// incoming window of the peer is used up.
// The send complete function is called from Process once all frames are written.
func (ep *Endpoint) SendTransfer(t *frame.Transfer, payloads [][]byte, onSendComplete func(err error)) (uint32, error) {
	if err := ep.check(); err != nil {
		return 0, err
	}
	s := ep.session
	if s.state != link.SessionMapped {
		return 0, fmt.Errorf("%w: session is %s", ErrNotMapped, s.state)
	}
	if s.inFlight >= s.outgoingWindow {
		return 0, link.ErrBusy
	}
	if s.remoteWindow() <= 0 {
		s.windowBlocked = true
		return 0, link.ErrBusy
	}

	id := s.nextDeliveryID
	t.Handle = ep.handle
	t.DeliveryID = &id

	frames, err := s.splitTransfer(t, payloads)
	if err != nil {
		return 0, err
	}
	if err := s.enqueue(&outFrame{
		frames:    frames,
		transfer:  true,
		onWritten: onSendComplete,
	}); err != nil {
		return 0, err
	}

	s.nextDeliveryID++
	s.nextTransferID += uint32(len(frames))
	s.inFlight++
	return id, nil
}

func (ep *Endpoint) check() error {
	switch {
	case ep.destroyed:
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep.name)
	case ep.session.closing.IsSet():
		return ErrClosed
	}
	return nil
}

// splitTransfer encodes the transfer into as many frames as the peer's max
// frame size requires. All but the last frame have more set.
func (s *Session) splitTransfer(t *frame.Transfer, payloads [][]byte) ([][]byte, error) {
	var size int
	for _, p := range payloads {
		size += len(p)
	}
	payload := make([]byte, 0, size)
	for _, p := range payloads {
		payload = append(payload, p...)
	}

	var (
		frames [][]byte
		first  = true
	)
	for {
		perf := &frame.Transfer{
			Handle:  t.Handle,
			Settled: t.Settled,
		}
		if first {
			copied := *t
			perf = &copied
		}

		// Measure the performative with more set, it never gets smaller.
		perf.More = true
		head, err := frame.Encode(0, perf)
		if err != nil {
			return nil, err
		}
		room := int(s.remoteMaxFrameSize) - len(head)
		if room <= 0 {
			return nil, fmt.Errorf("%w: max frame size %d too small for transfer", ErrProtocol, s.remoteMaxFrameSize)
		}

		chunk := payload
		if len(chunk) > room {
			chunk = chunk[:room]
		} else {
			perf.More = false
		}
		payload = payload[len(chunk):]

		data, err := frame.Encode(0, perf, chunk)
		if err != nil {
			return nil, err
		}
		s.traceSend(perf)
		frames = append(frames, data)
		first = false

		if !perf.More {
			return frames, nil
		}
	}
}
