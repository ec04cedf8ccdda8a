package message

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mycoria/amqplink/encoding"
	"github.com/mycoria/amqplink/m"
)

// Footer annotations carrying the body digest.
const (
	HashAnnotation   encoding.Symbol = "x-opt-hash"
	DigestAnnotation encoding.Symbol = "x-opt-digest"
)

// Errors.
var (
	ErrDigestMismatch = errors.New("body digest mismatch")
	ErrNoDigest       = errors.New("message has no digest")
)

// Sign adds a digest of the data body to the footer.
func (msg *Message) Sign(h m.Hash) error {
	if msg.Body != BodyTypeData {
		return fmt.Errorf("%w: cannot sign %s body", ErrBodyConflict, msg.Body)
	}

	digest, err := h.Digest(msg.Data...)
	if err != nil {
		return err
	}
	if msg.Footer == nil {
		msg.Footer = make(Annotations, 2)
	}
	msg.Footer[HashAnnotation] = string(h)
	msg.Footer[DigestAnnotation] = digest
	return nil
}

// Signed returns whether the footer carries a digest.
func (msg *Message) Signed() bool {
	_, ok := msg.Footer[DigestAnnotation]
	return ok
}

// Verify checks the data body against the digest in the footer.
func (msg *Message) Verify() error {
	hashName, _ := msg.Footer[HashAnnotation].(string)
	expected, _ := msg.Footer[DigestAnnotation].([]byte)
	if hashName == "" || len(expected) == 0 {
		return ErrNoDigest
	}

	digest, err := m.Hash(hashName).Digest(msg.Data...)
	if err != nil {
		return err
	}
	if !bytes.Equal(digest, expected) {
		return ErrDigestMismatch
	}
	return nil
}
