package m

import (
	"crypto"
	_ "crypto/sha256" // Register algorithms.
	"errors"
	"hash"

	"github.com/zeebo/blake3"
	_ "golang.org/x/crypto/blake2b" // Register algorithms.
	_ "golang.org/x/crypto/sha3"    // Register algorithms.
)

// Hash is a hash algorithm used for payload digests.
type Hash string

// Hashes
//
//nolint:golint,stylecheck
const (
	SHA2_256    Hash = "SHA2_256"
	SHA3_256    Hash = "SHA3_256"
	BLAKE2b_256 Hash = "BLAKE2b_256"
	BLAKE3      Hash = "BLAKE3"

	// DefaultHash is used when no algorithm is configured.
	DefaultHash = BLAKE3
)

// ErrUnknownHash is returned when a digest is requested for an unknown algorithm.
var ErrUnknownHash = errors.New("unknown hash algorithm")

// New returns a new hash.Hash.
func (h Hash) New() hash.Hash {
	switch h {
	case SHA2_256:
		return crypto.SHA256.New()
	case SHA3_256:
		return crypto.SHA3_256.New()
	case BLAKE2b_256:
		return crypto.BLAKE2b_256.New()
	case BLAKE3:
		return blake3.New()
	default:
		return nil
	}
}

// IsValid returns whether the hash is known.
func (h Hash) IsValid() bool {
	return h.New() != nil
}

// Digest calculates and returns the hash sum over the given data chunks.
func (h Hash) Digest(chunks ...[]byte) ([]byte, error) {
	hasher := h.New()
	if hasher == nil {
		return nil, ErrUnknownHash
	}

	for _, c := range chunks {
		_, _ = hasher.Write(c) // Never returns an error.
	}
	return hasher.Sum(nil), nil
}
