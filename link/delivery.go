package link

import (
	"math"
	"time"

	"github.com/google/btree"

	"github.com/mycoria/amqplink/async"
	"github.com/mycoria/amqplink/frame"
)

// SettleReason describes why a delivery was settled.
type SettleReason uint8

// Settle reasons.
const (
	SettleReasonDispositionReceived SettleReason = iota + 1
	SettleReasonSettled
	SettleReasonTimeout
	SettleReasonNotDelivered
	SettleReasonCancelled
)

func (r SettleReason) String() string {
	switch r {
	case SettleReasonDispositionReceived:
		return "disposition-received"
	case SettleReasonSettled:
		return "settled"
	case SettleReasonTimeout:
		return "timeout"
	case SettleReasonNotDelivered:
		return "not-delivered"
	case SettleReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DeliverySettledFunc is called exactly once when a delivery is settled.
// The state is only set for SettleReasonDispositionReceived.
type DeliverySettledFunc func(d *Delivery, reason SettleReason, state frame.DeliveryState)

// Delivery tracks an unsettled outbound transfer.
type Delivery struct {
	id        uint32
	tag       []byte
	link      *Link
	onSettled DeliverySettledFunc
	startedAt time.Time
	timeout   time.Duration

	op      *async.Operation[*Delivery]
	settled bool
}

// ID returns the delivery ID.
func (d *Delivery) ID() uint32 {
	return d.id
}

// Tag returns the delivery tag.
func (d *Delivery) Tag() []byte {
	return d.tag
}

// StartedAt returns when the transfer was started.
func (d *Delivery) StartedAt() time.Time {
	return d.startedAt
}

// Timeout returns the timeout of the delivery. Zero means no timeout.
func (d *Delivery) Timeout() time.Duration {
	return d.timeout
}

// Settled returns whether the delivery has been settled.
func (d *Delivery) Settled() bool {
	return d.settled
}

func (d *Delivery) expired(now time.Time) bool {
	return d.timeout > 0 && now.Sub(d.startedAt) >= d.timeout
}

// pendingDeliveries holds unsettled deliveries ordered by delivery ID.
type pendingDeliveries struct {
	tree *btree.BTreeG[*Delivery]
}

func newPendingDeliveries() *pendingDeliveries {
	return &pendingDeliveries{
		tree: btree.NewG(8, func(a, b *Delivery) bool {
			return a.id < b.id
		}),
	}
}

func (p *pendingDeliveries) add(d *Delivery) {
	p.tree.ReplaceOrInsert(d)
}

func (p *pendingDeliveries) remove(d *Delivery) bool {
	removed, ok := p.tree.Delete(d)
	if ok && removed != d {
		// Another delivery used the same ID, put it back.
		p.tree.ReplaceOrInsert(removed)
		return false
	}
	return ok
}

func (p *pendingDeliveries) get(id uint32) (*Delivery, bool) {
	return p.tree.Get(&Delivery{id: id})
}

func (p *pendingDeliveries) len() int {
	return p.tree.Len()
}

// all returns all pending deliveries in ID order.
func (p *pendingDeliveries) all() []*Delivery {
	list := make([]*Delivery, 0, p.tree.Len())
	p.tree.Ascend(func(d *Delivery) bool {
		list = append(list, d)
		return true
	})
	return list
}

// inRange returns all pending deliveries with IDs in the inclusive serial
// number range from first to last.
func (p *pendingDeliveries) inRange(first, last uint32) []*Delivery {
	var list []*Delivery
	collect := func(from, to uint32) {
		p.tree.AscendGreaterOrEqual(&Delivery{id: from}, func(d *Delivery) bool {
			if d.id > to {
				return false
			}
			list = append(list, d)
			return true
		})
	}

	if first <= last {
		collect(first, last)
	} else {
		// Range wraps around.
		collect(first, math.MaxUint32)
		collect(0, last)
	}
	return list
}
