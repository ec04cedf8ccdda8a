package storage

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/mycoria/amqplink/m"
	"github.com/mycoria/amqplink/message"
)

// StoredMessage is the format used to store received messages.
type StoredMessage struct {
	ID         uint64 `cbor:"id"                  json:"id"                  yaml:"id"`
	Link       string `cbor:"link"                json:"link"                yaml:"link"`
	DeliveryID uint32 `cbor:"delivery_id"         json:"deliveryID"          yaml:"deliveryID"`

	// Format is the message format of the transfer.
	Format uint32 `cbor:"format,omitempty" json:"format,omitempty" yaml:"format,omitempty"`
	// Payload is the encoded message.
	Payload []byte `cbor:"payload" json:"payload" yaml:"payload"`

	// Hash and Digest are the payload checksum announced by the sender.
	Hash   m.Hash `cbor:"hash,omitempty"   json:"hash,omitempty"   yaml:"hash,omitempty"`
	Digest []byte `cbor:"digest,omitempty" json:"digest,omitempty" yaml:"digest,omitempty"`

	ReceivedAt time.Time  `cbor:"received_at"       json:"receivedAt"       yaml:"receivedAt"`
	ReadAt     *time.Time `cbor:"read_at,omitempty" json:"readAt,omitempty" yaml:"readAt,omitempty"`
}

// Message decodes the stored payload.
func (sm *StoredMessage) Message() (*message.Message, error) {
	return message.Decode(sm.Payload, sm.Format)
}

// Verify checks the payload against the stored digest.
func (sm *StoredMessage) Verify() error {
	if sm.Hash == "" || len(sm.Digest) == 0 {
		return nil
	}

	digest, err := sm.Hash.Digest(sm.Payload)
	if err != nil {
		return err
	}
	if !bytes.Equal(digest, sm.Digest) {
		return fmt.Errorf("%w: %s digest mismatch", ErrInvalidEntry, sm.Hash)
	}
	return nil
}

// MessageQuery is a query on the storage.
type MessageQuery struct {
	results []*StoredMessage

	where func(a *StoredMessage) bool
	sort  func(a, b *StoredMessage) int
	max   int
}

// NewMessageQuery returns a new message query.
func NewMessageQuery(
	where func(a *StoredMessage) bool,
	sort func(a, b *StoredMessage) int,
	max int,
) *MessageQuery {
	return &MessageQuery{
		results: make([]*StoredMessage, 0, max),
		where:   where,
		sort:    sort,
		max:     max,
	}
}

// OnLink returns a filter for messages received on the given link.
func OnLink(name string) func(a *StoredMessage) bool {
	return func(a *StoredMessage) bool {
		return a.Link == name
	}
}

// OldestFirst sorts messages by receive time.
func OldestFirst(a, b *StoredMessage) int {
	if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Add attempts to add the given entry to the query result.
func (sq *MessageQuery) Add(entry *StoredMessage) {
	switch {
	case sq.where != nil && !sq.where(entry):
		// Ignore entry if it does not match the query filter.

	case len(sq.results) < sq.max:
		// If we haven't reached max yet, add to results.
		sq.results = append(sq.results, entry)
		// If we have reached max, do an initial sort.
		if len(sq.results) >= sq.max && sq.sort != nil {
			slices.SortFunc(sq.results, sq.sort)
		}

	case sq.sort == nil:
	// Stop here if we don't have a sort func.

	case sq.sort(entry, sq.results[len(sq.results)-1]) > 0:
	// Don't add value if it sorts behind the last entry.

	default:
		// Otherwise, replace last value and sort again.
		sq.results[len(sq.results)-1] = entry
		slices.SortFunc(sq.results, sq.sort)
	}
}

// Result returns the query result.
func (sq *MessageQuery) Result() []*StoredMessage {
	// Sort if not reached max.
	if len(sq.results) < sq.max && sq.sort != nil {
		slices.SortFunc(sq.results, sq.sort)
	}

	return sq.results
}
