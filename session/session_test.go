package session_test

import (
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
	"github.com/mycoria/amqplink/message"
	"github.com/mycoria/amqplink/receiver"
	"github.com/mycoria/amqplink/sender"
	"github.com/mycoria/amqplink/session"
)

// pump runs the event loop of both sessions until done returns true.
func pump(t *testing.T, a, b *session.Session, done func() bool) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for !done() {
		if a.Process()+b.Process() > 0 {
			continue
		}
		select {
		case <-a.Events():
		case <-b.Events():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out")
		}
	}
}

func newPipe(t *testing.T, opts ...session.Option) (*session.Session, *session.Session) {
	t.Helper()

	client, server, err := session.NewPipe(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Stop()
		server.Stop()
	})
	return client, server
}

type inbox struct {
	receivers []*receiver.Receiver
	messages  []*message.Message
}

// serve accepts all links the peer attaches as receivers.
func (in *inbox) serve(t *testing.T, s *session.Session) {
	t.Helper()

	s.OnLinkAttached(func(ep *session.Endpoint, attach *frame.Attach) bool {
		l, err := link.NewFromEndpoint(s, ep, attach.Name, attach.Role, attach.Source, attach.Target)
		if err != nil {
			return false
		}
		r, err := receiver.New(l)
		if err != nil {
			return false
		}
		err = r.Open(func(msg *message.Message) frame.DeliveryState {
			in.messages = append(in.messages, msg)
			return &frame.Accepted{}
		})
		if err != nil {
			return false
		}
		in.receivers = append(in.receivers, r)
		return true
	})
	require.NoError(t, s.Begin())
}

func openSender(t *testing.T, client, server *session.Session) *sender.Sender {
	t.Helper()

	l, err := link.New(client, "out", frame.RoleSender, &frame.Source{Address: "client"}, &frame.Target{Address: "inbox"})
	require.NoError(t, err)
	snd, err := sender.New(l)
	require.NoError(t, err)
	require.NoError(t, snd.Open())

	// Wait for the open sender to receive credit.
	pump(t, client, server, func() bool {
		return snd.State() == sender.StateOpen && l.LinkCredit() > 0
	})
	return snd
}

func TestSendReceive(t *testing.T) {
	t.Parallel()

	client, server := newPipe(t, session.WithMaxFrameSize(512))
	in := &inbox{}
	in.serve(t, server)
	snd := openSender(t, client, server)

	assert.Equal(t, uint32(512), client.RemoteMaxFrameSize())
	assert.Equal(t, session.DefaultContainerID, client.RemoteContainerID())
	assert.Equal(t, link.SessionMapped, client.State())
	assert.Equal(t, link.SessionMapped, server.State())

	// Bodies larger than a frame are split and reassembled.
	bodies := make([]string, 0, 5)
	var results []sender.SendResult
	for i := 0; i < 5; i++ {
		body := strings.Repeat(gofakeit.Sentence(10), 10+i*5)
		bodies = append(bodies, body)
		_, err := snd.SendAsync(message.NewData([]byte(body)), func(result sender.SendResult, _ frame.DeliveryState) {
			results = append(results, result)
		}, time.Minute)
		require.NoError(t, err)
	}

	pump(t, client, server, func() bool {
		return len(results) == len(bodies)
	})
	assert.Equal(t, []sender.SendResult{sender.SendOK, sender.SendOK, sender.SendOK, sender.SendOK, sender.SendOK}, results)

	require.Len(t, in.messages, len(bodies))
	for i, msg := range in.messages {
		assert.Equal(t, bodies[i], string(msg.GetData()))
	}
	require.Len(t, in.receivers, 1)
	assert.Equal(t, "out", in.receivers[0].LinkName())
	assert.Equal(t, receiver.StateOpen, in.receivers[0].State())
	assert.Positive(t, client.BytesOut())
	assert.Positive(t, server.BytesIn())

	// Close the link from the sending side.
	require.NoError(t, snd.Close())
	pump(t, client, server, func() bool {
		return snd.State() == sender.StateIdle && in.receivers[0].State() == receiver.StateIdle
	})
}

type handler struct {
	flowOn    int
	destroyed bool
	states    []link.SessionState
}

func (h *handler) FrameReceived(frame.Performative, []byte) {}

func (h *handler) SessionStateChanged(state, _ link.SessionState) {
	h.states = append(h.states, state)
}

func (h *handler) SessionFlowOn() { h.flowOn++ }

func (h *handler) EndpointDestroyed() { h.destroyed = true }

func TestBusy(t *testing.T) {
	t.Parallel()

	client, server := newPipe(t, session.WithOutgoingWindow(1))
	require.NoError(t, client.Begin())
	require.NoError(t, server.Begin())
	pump(t, client, server, func() bool {
		return client.State() == link.SessionMapped
	})

	ep, err := client.CreateLinkEndpoint("raw")
	require.NoError(t, err)
	h := &handler{}
	require.NoError(t, ep.Start(h))
	assert.Equal(t, []link.SessionState{link.SessionMapped}, h.states)

	var completed []error
	onComplete := func(err error) {
		completed = append(completed, err)
	}
	id, err := ep.SendTransfer(&frame.Transfer{DeliveryTag: []byte{0}}, [][]byte{[]byte("one")}, onComplete)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id)

	// The writer holds a full window until the event loop processes the completion.
	_, err = ep.SendTransfer(&frame.Transfer{DeliveryTag: []byte{1}}, [][]byte{[]byte("two")}, onComplete)
	require.ErrorIs(t, err, link.ErrBusy)

	pump(t, client, server, func() bool {
		return len(completed) == 1
	})
	assert.NoError(t, completed[0])
	assert.Equal(t, 1, h.flowOn)

	id, err = ep.SendTransfer(&frame.Transfer{DeliveryTag: []byte{1}}, [][]byte{[]byte("two")}, onComplete)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	// Duplicate names are not allowed.
	_, err = client.CreateLinkEndpoint("raw")
	assert.ErrorIs(t, err, session.ErrDuplicateName)
}

func TestRefusedLink(t *testing.T) {
	t.Parallel()

	client, server := newPipe(t)
	require.NoError(t, server.Begin())

	l, err := link.New(client, "unwanted", frame.RoleSender, nil, &frame.Target{Address: "nowhere"})
	require.NoError(t, err)
	var detachErr *frame.Error
	require.NoError(t, l.SubscribeOnDetachReceived(func(err *frame.Error) {
		detachErr = err
	}))
	require.NoError(t, l.Attach(nil, nil, nil))

	pump(t, client, server, func() bool {
		return l.State() == link.StateError
	})
	require.NotNil(t, detachErr)
	assert.Equal(t, frame.ErrCondNotAllowed, detachErr.Condition)
}

func TestConnectionLost(t *testing.T) {
	t.Parallel()

	client, server := newPipe(t)
	in := &inbox{}
	in.serve(t, server)
	snd := openSender(t, client, server)

	var results []sender.SendResult
	_, err := snd.SendAsync(message.NewValue(gofakeit.Word()), func(result sender.SendResult, _ frame.DeliveryState) {
		results = append(results, result)
	}, 0)
	require.NoError(t, err)

	server.Stop()
	pump(t, client, server, func() bool {
		return snd.State() == sender.StateError
	})
	<-client.Stopped()
	assert.Equal(t, link.SessionError, client.State())
	assert.Equal(t, []sender.SendResult{sender.SendError}, results)

	_, err = client.CreateLinkEndpoint("late")
	require.NoError(t, err)
	assert.ErrorIs(t, client.Begin(), session.ErrClosed)
}

func TestClose(t *testing.T) {
	t.Parallel()

	client, server := newPipe(t)
	in := &inbox{}
	in.serve(t, server)
	openSender(t, client, server)

	require.NoError(t, client.Close())
	pump(t, client, server, func() bool {
		return len(in.receivers) == 1 && in.receivers[0].State() == receiver.StateIdle
	})

	select {
	case <-server.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	pump(t, client, server, func() bool {
		return server.State() == link.SessionUnmapped
	})
}

func TestIncomingWindow(t *testing.T) {
	t.Parallel()

	client, server := newPipe(t, session.WithIncomingWindow(2))
	require.NoError(t, client.Begin())
	require.NoError(t, server.Begin())
	pump(t, client, server, func() bool {
		return client.State() == link.SessionMapped && server.State() == link.SessionMapped
	})

	ep, err := client.CreateLinkEndpoint("raw")
	require.NoError(t, err)
	h := &handler{}
	require.NoError(t, ep.Start(h))

	for i := 0; i < 2; i++ {
		_, err := ep.SendTransfer(&frame.Transfer{DeliveryTag: []byte{byte(i)}}, [][]byte{[]byte(gofakeit.Word())}, nil)
		require.NoError(t, err)
	}

	// The peer accepts two frames until it sends a flow.
	_, err = ep.SendTransfer(&frame.Transfer{DeliveryTag: []byte{2}}, [][]byte{[]byte("three")}, nil)
	require.ErrorIs(t, err, link.ErrBusy)

	pump(t, client, server, func() bool {
		return h.flowOn > 0
	})
	_, err = ep.SendTransfer(&frame.Transfer{DeliveryTag: []byte{2}}, [][]byte{[]byte("three")}, nil)
	require.NoError(t, err)
}
