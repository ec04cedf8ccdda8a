package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/m"
	"github.com/mycoria/amqplink/mgr"
)

// Errors.
var (
	ErrNetworkReadError  = errors.New("read i/o error")
	ErrNetworkWriteError = errors.New("write i/o error")
)

// outFrame is queued for the writer.
type outFrame struct {
	// data is a single encoded frame.
	data []byte
	// frames are the encoded frames of one transfer.
	frames [][]byte

	// transfer marks transfers, whose completion is reported back.
	transfer  bool
	onWritten func(err error)

	// final closes the connection after writing.
	final bool
}

func (s *Session) send(p frame.Performative) error {
	data, err := frame.Encode(0, p)
	if err != nil {
		return err
	}
	s.traceSend(p)
	return s.enqueue(&outFrame{data: data})
}

func (s *Session) sendFinal(p frame.Performative) error {
	data, err := frame.Encode(0, p)
	if err != nil {
		return err
	}
	s.traceSend(p)
	return s.enqueue(&outFrame{data: data, final: true})
}

func (s *Session) enqueue(f *outFrame) error {
	select {
	case <-s.stopped:
		return ErrClosed
	default:
	}

	select {
	case s.sendQueue <- f:
		return nil
	case <-s.stopped:
		return ErrClosed
	}
}

func (s *Session) traceSend(p frame.Performative) {
	if s.trace {
		s.logger.Debug("session: -> "+p.String(), "state", s.state)
	}
}

// shutdown closes the connection once and informs the event loop.
func (s *Session) shutdown(cause error) {
	select {
	case <-s.stopped:
		return
	default:
	}

	s.eventsLock.Lock()
	defer s.eventsLock.Unlock()
	select {
	case <-s.stopped:
		return
	default:
	}

	s.closing.Set()
	_ = s.conn.Close()
	close(s.stopped)
	s.events = append(s.events, event{lost: true, err: cause})
	s.signal()
}

func (s *Session) reader(w *mgr.WorkerCtx) error {
	var cause error
	defer func() {
		s.shutdown(cause)
	}()

	if err := s.readProtocolHeader(); err != nil {
		cause = err
		if !s.closing.IsSet() {
			w.Warn("session: protocol negotiation failed", "err", err)
		}
		return nil
	}

	for {
		p, payload, err := s.readFrame()
		switch {
		case err == nil:
		case s.closing.IsSet():
			return nil
		case errors.Is(err, io.EOF):
			w.Info("session: connection closed by remote")
			cause = err
			return nil
		default:
			w.Warn("session: read error, closing connection", "err", err)
			cause = err
			return nil
		}

		// Empty frames keep the connection alive.
		if p == nil {
			continue
		}
		s.post(event{perf: p, payload: payload})
	}
}

func (s *Session) writer(w *mgr.WorkerCtx) error {
	defer s.shutdown(nil)

	for {
		var f *outFrame
		select {
		case f = <-s.sendQueue:
		case <-s.stopped:
			s.failQueued()
			return nil
		case <-w.Done():
			s.failQueued()
			return nil
		}

		err := s.writeOut(f)
		if f.transfer {
			s.post(event{written: f, err: err})
		}
		if err != nil {
			if !s.closing.IsSet() {
				w.Warn("session: write error, closing connection", "err", err)
			}
			s.failQueued()
			return nil
		}
		if f.final {
			return nil
		}
	}
}

// failQueued reports all queued transfers as failed.
func (s *Session) failQueued() {
	for {
		select {
		case f := <-s.sendQueue:
			if f.transfer {
				s.post(event{written: f, err: ErrClosed})
			}
		default:
			return
		}
	}
}

func (s *Session) writeOut(f *outFrame) error {
	if f.data != nil {
		return s.writeData(f.data)
	}
	for _, data := range f.frames {
		if err := s.writeData(data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeData(data []byte) error {
	var written int
	for written < len(data) {
		n, err := s.conn.Write(data[written:])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNetworkWriteError, err)
		}
		written += n
	}

	s.bytesOut.Add(uint64(written))
	return nil
}

func (s *Session) readProtocolHeader() error {
	header := make([]byte, len(frame.ProtocolHeader))
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkReadError, err)
	}
	s.bytesIn.Add(uint64(len(header)))

	if !bytes.Equal(header, frame.ProtocolHeader) {
		return fmt.Errorf("%w: unsupported protocol header %x", ErrProtocol, header)
	}
	return nil
}

func (s *Session) readFrame() (frame.Performative, []byte, error) {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(s.conn, sizeBytes[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrNetworkReadError, err)
	}

	size := m.GetUint32(sizeBytes[:])
	switch {
	case size < frame.HeaderSize:
		return nil, nil, fmt.Errorf("%w: frame size %d", ErrProtocol, size)
	case size > s.maxFrameSize:
		return nil, nil, fmt.Errorf("%w: frame size %d exceeds %d", ErrProtocol, size, s.maxFrameSize)
	}

	data := make([]byte, size)
	copy(data, sizeBytes[:])
	if _, err := io.ReadFull(s.conn, data[4:]); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNetworkReadError, err)
	}
	s.bytesIn.Add(uint64(size))

	h, err := frame.ParseHeader(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if h.Type != frame.TypeAMQP {
		return nil, nil, fmt.Errorf("%w: frame type %d", ErrProtocol, h.Type)
	}
	if h.Channel != 0 {
		return nil, nil, fmt.Errorf("%w: channel %d", ErrProtocol, h.Channel)
	}

	p, payload, err := frame.Decode(data[int(h.DataOffset)*4:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return p, payload, nil
}
