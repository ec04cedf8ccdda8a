package link_test

import (
	"math"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycoria/amqplink/encoding"
	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
	"github.com/mycoria/amqplink/testutil"
)

func ptr[T any](v T) *T {
	return &v
}

type settlement struct {
	id     uint32
	reason link.SettleReason
	state  frame.DeliveryState
}

type recorder struct {
	states    [][2]link.State
	flowOns   int
	transfers []*frame.Transfer
	payloads  [][]byte
	settled   []settlement
	respond   frame.DeliveryState
}

func (r *recorder) onTransfer(t *frame.Transfer, payload []byte) frame.DeliveryState {
	r.transfers = append(r.transfers, t)
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	return r.respond
}

func (r *recorder) onState(state, prev link.State) {
	r.states = append(r.states, [2]link.State{state, prev})
}

func (r *recorder) onFlowOn() {
	r.flowOns++
}

func (r *recorder) onSettled(d *link.Delivery, reason link.SettleReason, state frame.DeliveryState) {
	r.settled = append(r.settled, settlement{id: d.ID(), reason: reason, state: state})
}

func (r *recorder) reasons() []link.SettleReason {
	reasons := make([]link.SettleReason, 0, len(r.settled))
	for _, s := range r.settled {
		reasons = append(reasons, s.reason)
	}
	return reasons
}

func attachedSender(t *testing.T, credit uint32, opts ...link.Option) (*link.Link, *testutil.Session, *testutil.Endpoint, *recorder) {
	t.Helper()

	s := testutil.NewMappedSession()
	l, err := link.New(s, "sender-link", frame.RoleSender, &frame.Source{Address: "src"}, &frame.Target{Address: "dst"}, opts...)
	require.NoError(t, err)

	r := &recorder{}
	require.NoError(t, l.Attach(r.onTransfer, r.onState, r.onFlowOn))
	ep := s.Endpoints["sender-link"]
	ep.Receive(&frame.Attach{Name: "sender-link", Role: frame.RoleReceiver}, nil)
	require.Equal(t, link.StateAttached, l.State())

	if credit > 0 {
		ep.Receive(&frame.Flow{DeliveryCount: ptr[uint32](0), LinkCredit: ptr(credit)}, nil)
		require.Equal(t, credit, l.LinkCredit())
	}
	ep.Reset()
	r.flowOns = 0
	r.states = nil
	return l, s, ep, r
}

func attachedReceiver(t *testing.T, maxCredit uint32) (*link.Link, *testutil.Endpoint, *recorder) {
	t.Helper()

	s := testutil.NewMappedSession()
	l, err := link.New(s, "receiver-link", frame.RoleReceiver, &frame.Source{Address: "src"}, &frame.Target{Address: "dst"})
	require.NoError(t, err)
	require.NoError(t, l.SetMaxLinkCredit(maxCredit))

	r := &recorder{}
	require.NoError(t, l.Attach(r.onTransfer, r.onState, r.onFlowOn))
	ep := s.Endpoints["receiver-link"]
	ep.Receive(&frame.Attach{
		Name:                 "receiver-link",
		Role:                 frame.RoleSender,
		InitialDeliveryCount: ptr[uint32](5),
		MaxMessageSize:       1 << 16,
	}, nil)
	require.Equal(t, link.StateAttached, l.State())

	ep.Reset()
	r.states = nil
	return l, ep, r
}

func fakePayload(size int) []byte {
	var payload []byte
	for len(payload) < size {
		payload = append(payload, gofakeit.Sentence(10)...)
	}
	return payload[:size]
}

func TestAttach(t *testing.T) {
	t.Parallel()

	s := testutil.NewSession()
	l, err := link.New(s, "link-1", frame.RoleSender, &frame.Source{Address: "a"}, &frame.Target{Address: "b"})
	require.NoError(t, err)
	l.SetInitialDeliveryCount(7)
	l.SetMaxMessageSize(4096)
	l.SetSenderSettleMode(frame.SenderSettleModeMixed)

	r := &recorder{}
	require.NoError(t, l.Attach(r.onTransfer, r.onState, r.onFlowOn))
	assert.Equal(t, 1, s.Begun)
	ep := s.Endpoints["link-1"]

	// Nothing is sent before the session is mapped.
	assert.Empty(t, ep.Sent)
	assert.Equal(t, link.StateDetached, l.State())

	// Attaching again does not begin the session again.
	require.NoError(t, l.Attach(r.onTransfer, r.onState, r.onFlowOn))
	assert.Equal(t, 1, s.Begun)

	s.SetState(link.SessionMapped)
	require.Len(t, ep.Sent, 1)
	attach, ok := ep.Last().(*frame.Attach)
	require.True(t, ok)
	assert.Equal(t, "link-1", attach.Name)
	assert.Equal(t, frame.RoleSender, attach.Role)
	assert.Equal(t, frame.SenderSettleModeMixed, attach.SenderSettleMode)
	assert.Equal(t, ptr[uint32](7), attach.InitialDeliveryCount)
	assert.Equal(t, uint64(4096), attach.MaxMessageSize)
	assert.Equal(t, "a", attach.Source.Address)
	assert.Equal(t, link.StateHalfAttachedAttachSent, l.State())

	ep.Receive(&frame.Attach{Name: "link-1", Role: frame.RoleReceiver, MaxMessageSize: 1 << 20}, nil)
	assert.Equal(t, link.StateAttached, l.State())
	assert.Equal(t, uint32(0), l.LinkCredit())
	assert.Equal(t, uint64(1<<20), l.PeerMaxMessageSize())
	assert.Equal(t, uint32(7), l.DeliveryCount())
	assert.Equal(t, [][2]link.State{
		{link.StateHalfAttachedAttachSent, link.StateDetached},
		{link.StateAttached, link.StateHalfAttachedAttachSent},
	}, r.states)
}

func TestAttachErrors(t *testing.T) {
	t.Parallel()

	_, err := link.New(nil, "x", frame.RoleSender, nil, nil)
	assert.ErrorIs(t, err, link.ErrInvalidArgument)

	s := testutil.NewSession()
	_, err = link.New(s, "", frame.RoleSender, nil, nil)
	assert.ErrorIs(t, err, link.ErrInvalidArgument)

	s.CreateErr = testutil.ErrStub
	_, err = link.New(s, "x", frame.RoleSender, nil, nil)
	assert.ErrorIs(t, err, testutil.ErrStub)

	s = testutil.NewSession()
	s.BeginErr = testutil.ErrStub
	l, err := link.New(s, "x", frame.RoleSender, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Attach(nil, nil, nil), testutil.ErrStub)

	s = testutil.NewSession()
	l, err = link.New(s, "x", frame.RoleSender, nil, nil)
	require.NoError(t, err)
	s.Endpoints["x"].StartErr = testutil.ErrStub
	assert.ErrorIs(t, l.Attach(nil, nil, nil), testutil.ErrStub)

	assert.ErrorIs(t, l.SetMaxLinkCredit(0), link.ErrInvalidArgument)
}

func TestPeerAttachFirst(t *testing.T) {
	t.Parallel()

	s := testutil.NewSession()
	l, err := link.New(s, "link-1", frame.RoleReceiver, nil, nil)
	require.NoError(t, err)
	require.NoError(t, l.SetMaxLinkCredit(20))
	require.NoError(t, l.Attach(nil, nil, nil))
	ep := s.Endpoints["link-1"]

	// The peer attaches before we did.
	ep.Receive(&frame.Attach{Name: "link-1", Role: frame.RoleSender, InitialDeliveryCount: ptr[uint32](3)}, nil)
	assert.Equal(t, link.StateHalfAttachedAttachReceived, l.State())
	assert.Equal(t, uint32(20), l.LinkCredit())

	flows := testutil.SentOf[*frame.Flow](ep)
	require.Len(t, flows, 1)
	assert.Equal(t, ptr[uint32](20), flows[0].LinkCredit)
	assert.Equal(t, ptr[uint32](3), flows[0].DeliveryCount)

	// Invalid attach in a state that accepts attaches.
	l2, err := link.New(s, "link-2", frame.RoleSender, nil, nil)
	require.NoError(t, err)
	s.State = link.SessionMapped
	require.NoError(t, l2.Attach(nil, nil, nil))
	assert.Equal(t, link.StateHalfAttachedAttachSent, l2.State())
	s.Endpoints["link-2"].Receive(&frame.Attach{Name: "link-2", Role: frame.RoleSender}, nil)
	assert.Equal(t, link.StateDetached, l2.State())
}

func TestFlowCredit(t *testing.T) {
	t.Parallel()

	// Peer grants 5 credits.
	l, _, ep, r := attachedSender(t, 0)
	require.NoError(t, l.SetMaxLinkCredit(10))
	ep.Receive(&frame.Flow{DeliveryCount: ptr[uint32](0), LinkCredit: ptr[uint32](5)}, nil)
	assert.Equal(t, uint32(5), l.LinkCredit())
	assert.Equal(t, 1, r.flowOns)

	// Use up 3 credits.
	for i := 0; i < 3; i++ {
		_, err := l.TransferAsync(0, [][]byte{[]byte("x")}, nil, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(2), l.LinkCredit())
	assert.Equal(t, uint32(3), l.DeliveryCount())

	// A stale flow would result in negative credit.
	ep.Receive(&frame.Flow{DeliveryCount: ptr[uint32](0), LinkCredit: ptr[uint32](2)}, nil)
	assert.Equal(t, uint32(0), l.LinkCredit())
	assert.Equal(t, 1, r.flowOns)

	// Flow without delivery count uses the initial delivery count.
	ep.Receive(&frame.Flow{LinkCredit: ptr[uint32](4)}, nil)
	assert.Equal(t, uint32(1), l.LinkCredit())
	assert.Equal(t, 2, r.flowOns)

	// Serial arithmetic across wrap around.
	ep.Receive(&frame.Flow{DeliveryCount: ptr[uint32](math.MaxUint32), LinkCredit: ptr[uint32](10)}, nil)
	assert.Equal(t, uint32(6), l.LinkCredit())

	// Echo is answered.
	ep.Reset()
	ep.Receive(&frame.Flow{DeliveryCount: ptr[uint32](3), LinkCredit: ptr[uint32](1), Echo: true}, nil)
	flows := testutil.SentOf[*frame.Flow](ep)
	require.Len(t, flows, 1)
	assert.Equal(t, ptr[uint32](3), flows[0].DeliveryCount)

	// Session flow on is passed to senders.
	before := r.flowOns
	ep.Handler.SessionFlowOn()
	assert.Equal(t, before+1, r.flowOns)
}

func TestFlowWithoutCredit(t *testing.T) {
	t.Parallel()

	l, _, ep, r := attachedSender(t, 2)
	_, err := l.TransferAsync(0, [][]byte{[]byte("x")}, r.onSettled, 0)
	require.NoError(t, err)

	ep.Receive(&frame.Flow{DeliveryCount: ptr[uint32](0)}, nil)
	assert.Equal(t, link.StateDetached, l.State())
	assert.Equal(t, []link.SettleReason{link.SettleReasonNotDelivered}, r.reasons())
}

func TestTransferErrors(t *testing.T) {
	t.Parallel()

	// Wrong role.
	rcv, _, _ := attachedReceiver(t, 10)
	_, err := rcv.TransferAsync(0, nil, nil, 0)
	assert.ErrorIs(t, err, link.ErrWrongRole)

	// Wrong state.
	s := testutil.NewSession()
	l, err := link.New(s, "x", frame.RoleSender, nil, nil)
	require.NoError(t, err)
	_, err = l.TransferAsync(0, nil, nil, 0)
	assert.ErrorIs(t, err, link.ErrInvalidState)

	// No credit.
	l, _, ep, _ := attachedSender(t, 0)
	_, err = l.TransferAsync(0, nil, nil, 0)
	assert.ErrorIs(t, err, link.ErrBusy)

	// Session busy.
	l, _, ep, _ = attachedSender(t, 3)
	ep.TransferResults = []error{link.ErrBusy, testutil.ErrStub}
	_, err = l.TransferAsync(0, nil, nil, 0)
	assert.ErrorIs(t, err, link.ErrBusy)
	assert.Equal(t, 0, l.PendingDeliveries())
	assert.Equal(t, uint32(3), l.LinkCredit())
	assert.Equal(t, uint32(0), l.DeliveryCount())

	// Session failure.
	_, err = l.TransferAsync(0, nil, nil, 0)
	assert.ErrorIs(t, err, link.ErrTransferFailed)
	assert.ErrorIs(t, err, testutil.ErrStub)
	assert.Equal(t, 0, l.PendingDeliveries())
	assert.Equal(t, uint32(3), l.LinkCredit())

	// Endpoint destroyed by session.
	ep.Destroy()
	_, err = l.TransferAsync(0, nil, nil, 0)
	assert.ErrorIs(t, err, link.ErrInvalidState)
}

func TestTransferAndDisposition(t *testing.T) {
	t.Parallel()

	l, _, ep, r := attachedSender(t, 10)
	var ops []uint32
	for i := 0; i < 3; i++ {
		op, err := l.TransferAsync(0, [][]byte{[]byte("head"), fakePayload(10 * (i + 1))}, r.onSettled, time.Minute)
		require.NoError(t, err)
		ops = append(ops, op.Payload().ID())
		assert.Equal(t, time.Minute, op.Payload().Timeout())
	}
	assert.Equal(t, []uint32{1, 2, 3}, ops)
	assert.Equal(t, uint32(7), l.LinkCredit())
	assert.Equal(t, uint32(3), l.DeliveryCount())
	assert.Equal(t, 3, l.PendingDeliveries())

	transfers := testutil.SentOf[*frame.Transfer](ep)
	require.Len(t, transfers, 3)
	assert.Equal(t, []byte{0, 0, 0, 0}, transfers[0].DeliveryTag)
	assert.Equal(t, []byte{0, 0, 0, 2}, transfers[2].DeliveryTag)
	assert.False(t, transfers[0].Settled)
	assert.Len(t, ep.TransferPayloads[1], 4+20)

	// Unsettled dispositions are ignored.
	ep.Receive(&frame.Disposition{Role: frame.RoleReceiver, First: 1, State: &frame.Accepted{}}, nil)
	assert.Empty(t, r.settled)

	// Settle the first two.
	ep.Receive(&frame.Disposition{Role: frame.RoleReceiver, First: 1, Last: ptr[uint32](2), Settled: true, State: &frame.Accepted{}}, nil)
	require.Len(t, r.settled, 2)
	assert.Equal(t, settlement{1, link.SettleReasonDispositionReceived, &frame.Accepted{}}, r.settled[0])
	assert.Equal(t, settlement{2, link.SettleReasonDispositionReceived, &frame.Accepted{}}, r.settled[1])
	assert.Equal(t, 1, l.PendingDeliveries())

	// Settling again does nothing.
	ep.Receive(&frame.Disposition{Role: frame.RoleReceiver, First: 1, Last: ptr[uint32](2), Settled: true, State: &frame.Accepted{}}, nil)
	assert.Len(t, r.settled, 2)

	rejected := &frame.Rejected{Error: &frame.Error{Condition: frame.ErrCondDecodeError}}
	ep.Receive(&frame.Disposition{Role: frame.RoleReceiver, First: 3, Settled: true, State: rejected}, nil)
	require.Len(t, r.settled, 3)
	assert.Equal(t, rejected, r.settled[2].state)
	assert.Equal(t, 0, l.PendingDeliveries())
}

func TestSessionAssignsDeliveryIDs(t *testing.T) {
	t.Parallel()

	l, s, ep, r := attachedSender(t, 10)
	s.NextDeliveryID = math.MaxUint32

	var ids []uint32
	for i := 0; i < 3; i++ {
		op, err := l.TransferAsync(0, nil, r.onSettled, 0)
		require.NoError(t, err)
		ids = append(ids, op.Payload().ID())
	}
	assert.Equal(t, []uint32{math.MaxUint32, 0, 1}, ids)

	// Disposition range wrapping around.
	ep.Receive(&frame.Disposition{Role: frame.RoleReceiver, First: math.MaxUint32, Last: ptr[uint32](0), Settled: true, State: &frame.Released{}}, nil)
	require.Len(t, r.settled, 2)
	assert.Equal(t, uint32(math.MaxUint32), r.settled[0].id)
	assert.Equal(t, uint32(0), r.settled[1].id)
	assert.Equal(t, 1, l.PendingDeliveries())
}

func TestSettledMode(t *testing.T) {
	t.Parallel()

	l, _, ep, r := attachedSender(t, 10)
	l.SetSenderSettleMode(frame.SenderSettleModeSettled)

	_, err := l.TransferAsync(0, [][]byte{[]byte("a")}, r.onSettled, 0)
	require.NoError(t, err)
	_, err = l.TransferAsync(0, [][]byte{[]byte("b")}, r.onSettled, 0)
	require.NoError(t, err)
	assert.True(t, testutil.SentOf[*frame.Transfer](ep)[0].Settled)
	assert.Equal(t, 2, l.PendingDeliveries())
	assert.Empty(t, r.settled)

	assert.Equal(t, 2, ep.CompleteSends(nil))
	assert.Equal(t, []link.SettleReason{link.SettleReasonSettled, link.SettleReasonSettled}, r.reasons())
	assert.Equal(t, 0, l.PendingDeliveries())

	// Synchronous completion before the transfer call returns.
	ep.CompleteSync = true
	op, err := l.TransferAsync(0, [][]byte{[]byte("c")}, r.onSettled, 0)
	require.NoError(t, err)
	assert.True(t, op.Done())
	assert.Len(t, r.settled, 3)
	assert.Equal(t, 0, l.PendingDeliveries())
	assert.Equal(t, uint32(3), l.DeliveryCount())

	// Failed writes settle as not delivered.
	ep.CompleteSync = false
	_, err = l.TransferAsync(0, [][]byte{[]byte("d")}, r.onSettled, 0)
	require.NoError(t, err)
	ep.CompleteSends(testutil.ErrStub)
	assert.Equal(t, link.SettleReasonNotDelivered, r.settled[3].reason)
}

func TestTimeout(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000_000, 0)
	l, _, _, r := attachedSender(t, 10, link.WithClock(func() time.Time { return now }))

	op, err := l.TransferAsync(0, nil, r.onSettled, 1000*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, now, op.Payload().StartedAt())
	_, err = l.TransferAsync(0, nil, r.onSettled, 0)
	require.NoError(t, err)

	// Not yet expired.
	now = now.Add(999 * time.Millisecond)
	l.DoWork()
	assert.Empty(t, r.settled)

	now = now.Add(501 * time.Millisecond)
	l.DoWork()
	require.Len(t, r.settled, 1)
	assert.Equal(t, settlement{1, link.SettleReasonTimeout, nil}, r.settled[0])
	assert.Equal(t, 1, l.PendingDeliveries())
	assert.True(t, op.Done())

	// Deliveries without timeout never expire and nothing fires twice.
	now = now.Add(24 * time.Hour)
	l.DoWork()
	assert.Len(t, r.settled, 1)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	l, _, ep, r := attachedSender(t, 10)
	op, err := l.TransferAsync(0, nil, r.onSettled, 0)
	require.NoError(t, err)

	assert.True(t, op.Cancel())
	assert.Equal(t, []link.SettleReason{link.SettleReasonCancelled}, r.reasons())
	assert.Equal(t, 0, l.PendingDeliveries())
	assert.True(t, op.Payload().Settled())

	// A late disposition or second cancel does not settle again.
	assert.False(t, op.Cancel())
	ep.Receive(&frame.Disposition{Role: frame.RoleReceiver, First: 1, Settled: true, State: &frame.Accepted{}}, nil)
	assert.Len(t, r.settled, 1)

	// Settled deliveries cannot be cancelled.
	op, err = l.TransferAsync(0, nil, r.onSettled, 0)
	require.NoError(t, err)
	ep.Receive(&frame.Disposition{Role: frame.RoleReceiver, First: 2, Settled: true, State: &frame.Accepted{}}, nil)
	assert.False(t, op.Cancel())
	assert.Equal(t, link.SettleReasonDispositionReceived, r.settled[1].reason)
	assert.Len(t, r.settled, 2)
}

func TestReassembly(t *testing.T) {
	t.Parallel()

	l, ep, r := attachedReceiver(t, 100)
	first := fakePayload(50)
	second := fakePayload(30)

	ep.Receive(&frame.Transfer{DeliveryID: ptr[uint32](0), DeliveryTag: []byte{9}, MessageFormat: ptr[uint32](0), More: true}, first)
	assert.Empty(t, r.payloads)
	ep.Receive(&frame.Transfer{}, second)

	require.Len(t, r.payloads, 1)
	assert.Len(t, r.payloads[0], 80)
	assert.Equal(t, append(append([]byte(nil), first...), second...), r.payloads[0])
	assert.Equal(t, ptr[uint32](0), r.transfers[0].DeliveryID)
	assert.Equal(t, []byte{9}, r.transfers[0].DeliveryTag)

	// Credit is accounted once per delivery.
	assert.Equal(t, uint32(99), l.LinkCredit())
	assert.Equal(t, uint32(6), l.DeliveryCount())

	// Three frames yield the same payload as one frame.
	whole := fakePayload(120)
	ep.Receive(&frame.Transfer{DeliveryID: ptr[uint32](1), More: true}, whole[:40])
	ep.Receive(&frame.Transfer{More: true}, whole[40:80])
	ep.Receive(&frame.Transfer{}, whole[80:])
	ep.Receive(&frame.Transfer{DeliveryID: ptr[uint32](2)}, whole)
	require.Len(t, r.payloads, 3)
	assert.Equal(t, r.payloads[1], r.payloads[2])
	assert.Equal(t, whole, r.payloads[2])
	assert.Empty(t, testutil.SentOf[*frame.Disposition](ep))
}

func TestAbortedTransfer(t *testing.T) {
	t.Parallel()

	_, ep, r := attachedReceiver(t, 100)
	ep.Receive(&frame.Transfer{DeliveryID: ptr[uint32](0), More: true}, []byte("partial"))
	ep.Receive(&frame.Transfer{Aborted: true}, nil)
	assert.Empty(t, r.payloads)

	ep.Receive(&frame.Transfer{DeliveryID: ptr[uint32](1)}, []byte("complete"))
	require.Len(t, r.payloads, 1)
	assert.Equal(t, []byte("complete"), r.payloads[0])
}

func TestCreditReplenishment(t *testing.T) {
	t.Parallel()

	l, ep, r := attachedReceiver(t, 2)
	assert.Equal(t, uint32(2), l.LinkCredit())

	ep.Receive(&frame.Transfer{DeliveryID: ptr[uint32](0)}, []byte("a"))
	assert.Equal(t, uint32(1), l.LinkCredit())
	assert.Empty(t, testutil.SentOf[*frame.Flow](ep))

	ep.Receive(&frame.Transfer{DeliveryID: ptr[uint32](1)}, []byte("b"))
	assert.Equal(t, uint32(2), l.LinkCredit())
	flows := testutil.SentOf[*frame.Flow](ep)
	require.Len(t, flows, 1)
	assert.Equal(t, ptr[uint32](2), flows[0].LinkCredit)
	assert.Equal(t, ptr[uint32](7), flows[0].DeliveryCount)

	// The flow is sent before the delivery is handed over.
	assert.Len(t, r.payloads, 2)
	_, isFlow := ep.Sent[0].(*frame.Flow)
	assert.True(t, isFlow)
}

func TestReceiverDisposition(t *testing.T) {
	t.Parallel()

	l, ep, r := attachedReceiver(t, 100)
	r.respond = &frame.Accepted{}

	ep.Receive(&frame.Transfer{DeliveryID: ptr[uint32](4)}, []byte("a"))
	dispositions := testutil.SentOf[*frame.Disposition](ep)
	require.Len(t, dispositions, 1)
	assert.Equal(t, &frame.Disposition{
		Role:    frame.RoleReceiver,
		First:   4,
		Last:    ptr[uint32](4),
		Settled: true,
		State:   &frame.Accepted{},
	}, dispositions[0])

	// Transfers settled by the sender are not answered.
	ep.Receive(&frame.Transfer{DeliveryID: ptr[uint32](5), Settled: true}, []byte("b"))
	assert.Len(t, testutil.SentOf[*frame.Disposition](ep), 1)

	// Explicit dispositions.
	require.NoError(t, l.SendDisposition(5, &frame.Released{}))
	assert.Len(t, testutil.SentOf[*frame.Disposition](ep), 2)
	assert.ErrorIs(t, l.SendDisposition(5, nil), link.ErrInvalidArgument)
}

func TestMaxMessageSize(t *testing.T) {
	t.Parallel()

	l, ep, r := attachedReceiver(t, 100)
	l.SetMaxMessageSize(64)

	ep.Receive(&frame.Transfer{DeliveryID: ptr[uint32](0), More: true}, fakePayload(40))
	ep.Receive(&frame.Transfer{More: true}, fakePayload(40))
	assert.Empty(t, r.payloads)
	assert.Equal(t, link.StateError, l.State())

	detach, ok := ep.Last().(*frame.Detach)
	require.True(t, ok)
	assert.True(t, detach.Closed)
	require.NotNil(t, detach.Error)
	assert.Equal(t, frame.ErrCondMessageSizeExceeded, detach.Error.Condition)
}

func TestLocalDetach(t *testing.T) {
	t.Parallel()

	// Detached links have nothing to do.
	s := testutil.NewSession()
	l, err := link.New(s, "x", frame.RoleSender, nil, nil)
	require.NoError(t, err)
	require.NoError(t, l.Detach(false, "", "", nil))
	assert.Empty(t, s.Endpoints["x"].Sent)

	// Half attached links detach right away.
	s = testutil.NewMappedSession()
	l, err = link.New(s, "x", frame.RoleSender, nil, nil)
	require.NoError(t, err)
	require.NoError(t, l.Attach(nil, nil, nil))
	require.Equal(t, link.StateHalfAttachedAttachSent, l.State())
	require.NoError(t, l.Detach(true, "", "", nil))
	assert.Equal(t, link.StateDetached, l.State())
	assert.True(t, l.IsClosed())
	detach, ok := s.Endpoints["x"].Last().(*frame.Detach)
	require.True(t, ok)
	assert.True(t, detach.Closed)
	assert.Nil(t, detach.Error)

	// Closed links do not attach again.
	s.SetState(link.SessionMapped)
	_, ok = s.Endpoints["x"].Last().(*frame.Detach)
	assert.True(t, ok)
	assert.ErrorIs(t, l.Attach(nil, nil, nil), link.ErrClosed)

	// Attached links wait for the peer.
	l, _, ep, r := attachedSender(t, 5)
	for i := 0; i < 3; i++ {
		_, err := l.TransferAsync(0, nil, r.onSettled, 0)
		require.NoError(t, err)
	}
	require.NoError(t, l.Detach(false, string(frame.ErrCondDetachForced), "bye", map[string]any{"reason": "test"}))
	assert.Equal(t, link.StateHalfAttachedAttachSent, l.State())
	assert.Equal(t, []link.SettleReason{
		link.SettleReasonNotDelivered,
		link.SettleReasonNotDelivered,
		link.SettleReasonNotDelivered,
	}, r.reasons())
	assert.Equal(t, 0, l.PendingDeliveries())

	detach, ok = ep.Last().(*frame.Detach)
	require.True(t, ok)
	assert.False(t, detach.Closed)
	assert.Equal(t, &frame.Error{
		Condition:   frame.ErrCondDetachForced,
		Description: "bye",
		Info:        map[encoding.Symbol]any{"reason": "test"},
	}, detach.Error)

	// The peer answers.
	sent := len(ep.Sent)
	ep.Receive(&frame.Detach{}, nil)
	assert.Equal(t, link.StateDetached, l.State())
	assert.Len(t, ep.Sent, sent)
	assert.Len(t, r.settled, 3)
}

func TestPeerDetach(t *testing.T) {
	t.Parallel()

	l, _, ep, r := attachedSender(t, 5)
	for i := 0; i < 2; i++ {
		_, err := l.TransferAsync(0, nil, r.onSettled, 0)
		require.NoError(t, err)
	}

	var detachErrs []*frame.Error
	require.NoError(t, l.SubscribeOnDetachReceived(func(err *frame.Error) {
		detachErrs = append(detachErrs, err)
		// Deliveries are settled before the subscriber is called.
		assert.Equal(t, 0, l.PendingDeliveries())
	}))

	peerErr := &frame.Error{Condition: frame.ErrCondStolen}
	ep.Receive(&frame.Detach{Closed: true, Error: peerErr}, nil)

	// The detach is answered without error.
	detach, ok := ep.Last().(*frame.Detach)
	require.True(t, ok)
	assert.True(t, detach.Closed)
	assert.Nil(t, detach.Error)

	assert.Equal(t, []*frame.Error{peerErr}, detachErrs)
	assert.Equal(t, []link.SettleReason{link.SettleReasonNotDelivered, link.SettleReasonNotDelivered}, r.reasons())
	assert.Equal(t, link.StateError, l.State())

	// Errored links cannot detach.
	assert.ErrorIs(t, l.Detach(true, "", "", nil), link.ErrInvalidState)

	// Unsubscribed functions are not called.
	l, _, ep, _ = attachedSender(t, 0)
	require.NoError(t, l.SubscribeOnDetachReceived(func(err *frame.Error) {
		t.Error("unexpected call")
	}))
	l.UnsubscribeOnDetachReceived()
	ep.Receive(&frame.Detach{}, nil)
	assert.Equal(t, link.StateDetached, l.State())
	assert.ErrorIs(t, l.SubscribeOnDetachReceived(nil), link.ErrInvalidArgument)
}

func TestPeerCloseWhileHalfAttached(t *testing.T) {
	t.Parallel()

	s := testutil.NewMappedSession()
	l, err := link.New(s, "x", frame.RoleSender, nil, nil)
	require.NoError(t, err)
	require.NoError(t, l.Attach(nil, nil, nil))
	ep := s.Endpoints["x"]
	ep.Reset()

	ep.Receive(&frame.Detach{Closed: true}, nil)
	require.Len(t, ep.Sent, 2)
	_, isAttach := ep.Sent[0].(*frame.Attach)
	assert.True(t, isAttach)
	detach, ok := ep.Sent[1].(*frame.Detach)
	require.True(t, ok)
	assert.True(t, detach.Closed)
	assert.Equal(t, link.StateDetached, l.State())
}

func TestCloseNeverReattaches(t *testing.T) {
	t.Parallel()

	for _, peerErr := range []*frame.Error{nil, {Condition: frame.ErrCondDetachForced}} {
		l, s, ep, r := attachedSender(t, 1)
		require.NoError(t, l.Detach(true, "", "", nil))
		ep.Receive(&frame.Detach{Closed: true, Error: peerErr}, nil)
		s.SetState(link.SessionMapped)

		assert.Contains(t, []link.State{link.StateDetached, link.StateError}, l.State())
		for _, change := range r.states {
			assert.NotEqual(t, link.StateAttached, change[0])
		}
	}
}

func TestSessionStates(t *testing.T) {
	t.Parallel()

	l, s, _, r := attachedSender(t, 5)
	_, err := l.TransferAsync(0, nil, r.onSettled, 0)
	require.NoError(t, err)
	s.SetState(link.SessionDiscarding)
	assert.Equal(t, link.StateDetached, l.State())
	assert.Equal(t, []link.SettleReason{link.SettleReasonNotDelivered}, r.reasons())

	l, s, _, r = attachedSender(t, 5)
	_, err = l.TransferAsync(0, nil, r.onSettled, 0)
	require.NoError(t, err)
	s.SetState(link.SessionError)
	assert.Equal(t, link.StateError, l.State())
	assert.Equal(t, []link.SettleReason{link.SettleReasonNotDelivered}, r.reasons())
}

func TestNewFromEndpoint(t *testing.T) {
	t.Parallel()

	s := testutil.NewMappedSession()
	ep := s.NewEndpoint("incoming")
	l, err := link.NewFromEndpoint(s, ep, "incoming", frame.RoleSender, &frame.Source{Address: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, frame.RoleReceiver, l.Role())

	r := &recorder{}
	require.NoError(t, l.Attach(r.onTransfer, r.onState, nil))
	ep.Receive(&frame.Attach{Name: "incoming", Role: frame.RoleSender}, nil)
	assert.Equal(t, link.StateAttached, l.State())

	_, err = link.NewFromEndpoint(s, nil, "incoming", frame.RoleSender, nil, nil)
	assert.ErrorIs(t, err, link.ErrInvalidArgument)
}

func TestDestroy(t *testing.T) {
	t.Parallel()

	l, s, _, r := attachedSender(t, 5)
	_, err := l.TransferAsync(0, nil, r.onSettled, 0)
	require.NoError(t, err)
	l.Destroy()
	assert.Equal(t, []string{"sender-link"}, s.Destroyed)
	assert.Equal(t, []link.SettleReason{link.SettleReasonNotDelivered}, r.reasons())

	// Endpoints destroyed by the session are not destroyed again.
	l, s, ep, _ := attachedSender(t, 5)
	ep.Destroy()
	l.Destroy()
	assert.Empty(t, s.Destroyed)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	l, _, _, _ := attachedSender(t, 5)
	_, err := l.TransferAsync(0, nil, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, link.Status{
		Name:              "sender-link",
		Role:              "sender",
		State:             "attached",
		LinkCredit:        4,
		MaxLinkCredit:     link.DefaultMaxLinkCredit,
		DeliveryCount:     1,
		PendingDeliveries: 1,
	}, l.Status())
}

func TestReattachAfterPeerDetach(t *testing.T) {
	t.Parallel()

	l, s, ep, r := attachedSender(t, 5)
	ep.Receive(&frame.Detach{}, nil)
	require.Equal(t, link.StateDetached, l.State())
	ep.Reset()

	// Attaching again sends the attach right away on the mapped session.
	require.NoError(t, l.Attach(r.onTransfer, r.onState, r.onFlowOn))
	assert.Equal(t, 1, s.Begun)
	require.Len(t, ep.Sent, 1)
	attach, ok := ep.Last().(*frame.Attach)
	require.True(t, ok)
	assert.Equal(t, "sender-link", attach.Name)
	assert.Equal(t, link.StateHalfAttachedAttachSent, l.State())

	// A second call while attaching does nothing.
	require.NoError(t, l.Attach(r.onTransfer, r.onState, r.onFlowOn))
	assert.Len(t, ep.Sent, 1)

	ep.Receive(&frame.Attach{Name: "sender-link", Role: frame.RoleReceiver}, nil)
	require.Equal(t, link.StateAttached, l.State())
	ep.Receive(&frame.Flow{DeliveryCount: ptr[uint32](0), LinkCredit: ptr[uint32](1)}, nil)
	_, err := l.TransferAsync(0, [][]byte{[]byte("again")}, r.onSettled, 0)
	require.NoError(t, err)
}

func TestReattachWaitsForSession(t *testing.T) {
	t.Parallel()

	l, s, ep, r := attachedSender(t, 0)
	ep.Receive(&frame.Detach{}, nil)
	s.SetState(link.SessionUnmapped)
	ep.Reset()

	require.NoError(t, l.Attach(r.onTransfer, r.onState, r.onFlowOn))
	assert.Empty(t, ep.Sent)
	assert.Equal(t, link.StateDetached, l.State())

	s.SetState(link.SessionMapped)
	_, ok := ep.Last().(*frame.Attach)
	assert.True(t, ok)
	assert.Equal(t, link.StateHalfAttachedAttachSent, l.State())

	// Destroyed endpoints cannot attach again.
	ep.Receive(&frame.Detach{}, nil)
	ep.Destroy()
	assert.ErrorIs(t, l.Attach(nil, nil, nil), link.ErrInvalidState)
}
