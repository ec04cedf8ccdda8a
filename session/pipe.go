package session

import (
	"net"
)

// NewPipe returns two connected sessions on an in-memory connection.
// Both sessions get the same options.
func NewPipe(opts ...Option) (*Session, *Session, error) {
	// Create (unbuffered) pipes and connect them for some basic async buffering.
	client, a := net.Pipe()
	b, server := net.Pipe()
	go copyPipe(a, b)
	go copyPipe(b, a)

	s1, err := New(client, opts...)
	if err != nil {
		return nil, nil, err
	}
	s2, err := New(server, opts...)
	if err != nil {
		s1.Stop()
		return nil, nil, err
	}
	return s1, s2, nil
}

func copyPipe(a, b net.Conn) {
	buf := make([]byte, 1500)
	for {
		n, err := a.Read(buf)
		if err != nil {
			_ = b.Close()
			return
		}

		_, err = b.Write(buf[:n])
		if err != nil {
			_ = a.Close()
			return
		}
	}
}
