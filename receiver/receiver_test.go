package receiver_test

import (
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycoria/amqplink/encoding"
	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
	"github.com/mycoria/amqplink/message"
	"github.com/mycoria/amqplink/receiver"
	"github.com/mycoria/amqplink/testutil"
)

func ptr[T any](v T) *T {
	return &v
}

type fixture struct {
	ep       *testutil.Endpoint
	link     *link.Link
	receiver *receiver.Receiver

	states   []receiver.State
	messages []*message.Message
	answer   frame.DeliveryState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := testutil.NewMappedSession()
	l, err := link.New(s, "in", frame.RoleReceiver, &frame.Source{Address: "queue"}, &frame.Target{Address: "local"})
	require.NoError(t, err)

	f := &fixture{
		link:   l,
		answer: &frame.Accepted{},
	}
	f.receiver, err = receiver.New(l, receiver.WithStateChanged(func(state, _ receiver.State) {
		f.states = append(f.states, state)
	}))
	require.NoError(t, err)

	require.NoError(t, f.receiver.Open(func(msg *message.Message) frame.DeliveryState {
		f.messages = append(f.messages, msg)
		return f.answer
	}))
	f.ep = s.Endpoints["in"]
	require.Equal(t, receiver.StateOpening, f.receiver.State())

	f.ep.Receive(&frame.Attach{
		Name:                 "in",
		Role:                 frame.RoleSender,
		InitialDeliveryCount: ptr(uint32(0)),
	}, nil)
	require.Equal(t, receiver.StateOpen, f.receiver.State())
	f.ep.Reset()

	return f
}

func (f *fixture) transfer(id uint32, payload []byte, more bool) {
	f.ep.Receive(&frame.Transfer{
		DeliveryID:    ptr(id),
		DeliveryTag:   []byte{byte(id)},
		MessageFormat: ptr(message.DefaultFormat),
		More:          more,
	}, payload)
}

func fakeMessage(t *testing.T) (*message.Message, []byte) {
	t.Helper()

	msg := message.NewData([]byte(gofakeit.Paragraph(2, 3, 8, " ")))
	msg.Properties = &message.Properties{
		MessageID: gofakeit.UUID(),
		Subject:   gofakeit.Word(),
	}
	msg.ApplicationProperties = map[string]any{"sender": gofakeit.Name()}

	data, err := msg.Encode()
	require.NoError(t, err)
	return msg, data
}

func TestOpenClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.Equal(t, "in", f.receiver.LinkName())

	require.NoError(t, f.receiver.Close())
	assert.Equal(t, receiver.StateClosing, f.receiver.State())
	detach, ok := f.ep.Last().(*frame.Detach)
	require.True(t, ok)
	assert.True(t, detach.Closed)

	f.ep.Receive(&frame.Detach{Closed: true}, nil)
	assert.Equal(t, []receiver.State{
		receiver.StateOpening,
		receiver.StateOpen,
		receiver.StateClosing,
		receiver.StateIdle,
	}, f.states)
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	s := testutil.NewSession()
	s.BeginErr = testutil.ErrStub
	l, err := link.New(s, "in", frame.RoleReceiver, nil, nil)
	require.NoError(t, err)
	r, err := receiver.New(l)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Open(nil), receiver.ErrInvalidArgument)
	assert.Equal(t, receiver.StateIdle, r.State())

	assert.ErrorIs(t, r.Open(func(*message.Message) frame.DeliveryState { return nil }), testutil.ErrStub)
	assert.Equal(t, receiver.StateError, r.State())

	snd, err := link.New(testutil.NewSession(), "out", frame.RoleSender, nil, nil)
	require.NoError(t, err)
	_, err = receiver.New(snd)
	assert.ErrorIs(t, err, receiver.ErrInvalidArgument)
}

func TestReceive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.receiver.ReceivedMessageID()
	require.ErrorIs(t, err, receiver.ErrNoMessage)

	msg, data := fakeMessage(t)
	f.transfer(3, data, false)

	require.Len(t, f.messages, 1)
	assert.Equal(t, msg, f.messages[0])

	id, err := f.receiver.ReceivedMessageID()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)

	dispositions := testutil.SentOf[*frame.Disposition](f.ep)
	require.Len(t, dispositions, 1)
	assert.Equal(t, frame.RoleReceiver, dispositions[0].Role)
	assert.Equal(t, uint32(3), dispositions[0].First)
	assert.True(t, dispositions[0].Settled)
	assert.Equal(t, &frame.Accepted{}, dispositions[0].State)
}

func TestReceiveMultiFrame(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	msg, data := fakeMessage(t)

	third := len(data) / 3
	f.transfer(1, data[:third], true)
	f.transfer(1, data[third:2*third], true)
	assert.Empty(t, f.messages)
	f.transfer(1, data[2*third:], false)

	require.Len(t, f.messages, 1)
	assert.Equal(t, msg, f.messages[0])
}

func TestDeferredDisposition(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.answer = nil

	_, data := fakeMessage(t)
	f.transfer(9, data, false)
	require.Len(t, f.messages, 1)
	assert.Empty(t, testutil.SentOf[*frame.Disposition](f.ep))

	id, err := f.receiver.ReceivedMessageID()
	require.NoError(t, err)

	err = f.receiver.SendMessageDisposition("other", id, &frame.Accepted{})
	require.ErrorIs(t, err, receiver.ErrInvalidArgument)
	err = f.receiver.SendMessageDisposition("in", id, nil)
	require.ErrorIs(t, err, link.ErrInvalidArgument)

	released := &frame.Released{}
	require.NoError(t, f.receiver.SendMessageDisposition("in", id, released))
	dispositions := testutil.SentOf[*frame.Disposition](f.ep)
	require.Len(t, dispositions, 1)
	assert.Equal(t, uint32(9), dispositions[0].First)
	assert.Equal(t, released, dispositions[0].State)
}

func TestDecodeFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// A data body followed by a value body.
	var data []byte
	for _, section := range []encoding.Described{
		encoding.Describe(message.CodeData, []byte(gofakeit.Word())),
		encoding.Describe(message.CodeValue, gofakeit.Word()),
	} {
		var err error
		data, err = encoding.Append(data, section)
		require.NoError(t, err)
	}

	f.transfer(1, data, false)
	assert.Empty(t, f.messages)
	assert.Empty(t, testutil.SentOf[*frame.Disposition](f.ep))
	assert.Equal(t, receiver.StateError, f.receiver.State())

	// Later messages are not delivered either.
	_, valid := fakeMessage(t)
	f.transfer(2, valid, false)
	assert.Empty(t, f.messages)

	err := f.receiver.SendMessageDisposition("in", 1, &frame.Accepted{})
	assert.ErrorIs(t, err, receiver.ErrInvalidState)
}

func TestPeerDetach(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ep.Receive(&frame.Detach{}, nil)
	assert.Equal(t, receiver.StateIdle, f.receiver.State())

	f = newFixture(t)
	f.ep.Receive(&frame.Detach{Closed: true, Error: &frame.Error{Condition: frame.ErrCondDetachForced}}, nil)
	assert.Equal(t, receiver.StateError, f.receiver.State())
}

func TestDestroy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.receiver.SetTrace(true)
	f.receiver.Destroy()
	assert.Equal(t, receiver.StateClosing, f.receiver.State())

	// Transfers still in flight are dropped.
	_, data := fakeMessage(t)
	f.transfer(1, data, false)
	assert.Empty(t, f.messages)
}

func TestReopenAfterPeerDetach(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ep.Receive(&frame.Detach{}, nil)
	require.Equal(t, receiver.StateIdle, f.receiver.State())
	f.ep.Reset()

	require.NoError(t, f.receiver.Open(func(msg *message.Message) frame.DeliveryState {
		f.messages = append(f.messages, msg)
		return f.answer
	}))
	assert.Equal(t, receiver.StateOpening, f.receiver.State())
	attaches := testutil.SentOf[*frame.Attach](f.ep)
	require.Len(t, attaches, 1)
	assert.Equal(t, frame.RoleReceiver, attaches[0].Role)

	f.ep.Receive(&frame.Attach{
		Name:                 "in",
		Role:                 frame.RoleSender,
		InitialDeliveryCount: ptr(uint32(0)),
	}, nil)
	require.Equal(t, receiver.StateOpen, f.receiver.State())

	msg, data := fakeMessage(t)
	f.transfer(0, data, false)
	require.Len(t, f.messages, 1)
	assert.Equal(t, msg.GetData(), f.messages[0].GetData())
}

func TestReopenAfterClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.receiver.Close())
	f.ep.Receive(&frame.Detach{Closed: true}, nil)
	require.Equal(t, receiver.StateIdle, f.receiver.State())

	err := f.receiver.Open(func(*message.Message) frame.DeliveryState { return nil })
	assert.ErrorIs(t, err, link.ErrClosed)
	assert.Equal(t, receiver.StateIdle, f.receiver.State())
}
