package config

import (
	"github.com/mitchellh/copystructure"
)

// Store holds all configuration in a storable format.
type Store struct {
	Node    Node    `json:"node,omitempty"    yaml:"node,omitempty"`
	Link    Link    `json:"link,omitempty"    yaml:"link,omitempty"`
	Session Session `json:"session,omitempty" yaml:"session,omitempty"`
	System  System  `json:"system,omitempty"  yaml:"system,omitempty"`
}

// Node defines where the node listens or connects to and what it does with messages.
type Node struct {
	// Listen is the TCP address the node accepts connections on.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// Connect is the TCP address of the peer the node sends messages to.
	Connect string `json:"connect,omitempty" yaml:"connect,omitempty"`

	// Address is the target address of sent messages.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// Hash is the algorithm used for payload digests.
	// Defaults to BLAKE3.
	Hash string `json:"hash,omitempty" yaml:"hash,omitempty"`
}

// Link defines the defaults for all links of the node.
type Link struct { //nolint:maligned
	// MaxLinkCredit is the credit receiving links grant.
	// Defaults to 100.
	MaxLinkCredit uint32 `json:"maxLinkCredit,omitempty" yaml:"maxLinkCredit,omitempty"`

	// MaxMessageSize is the largest message links accept.
	// Zero means no limit.
	MaxMessageSize uint64 `json:"maxMessageSize,omitempty" yaml:"maxMessageSize,omitempty"`

	// SettleMode is the sender settle mode of sending links.
	// One of "unsettled", "settled" or "mixed". Defaults to "unsettled".
	SettleMode string `json:"settleMode,omitempty" yaml:"settleMode,omitempty"`

	// SendTimeout is the time a sent message may wait for its outcome.
	// Defaults to 10s.
	SendTimeout string `json:"sendTimeout,omitempty" yaml:"sendTimeout,omitempty"`

	// Trace logs all performatives of all links.
	Trace bool `json:"trace,omitempty" yaml:"trace,omitempty"`
}

// Session defines the connection and session parameters.
type Session struct {
	ContainerID    string `json:"containerID,omitempty"    yaml:"containerID,omitempty"`
	MaxFrameSize   uint32 `json:"maxFrameSize,omitempty"   yaml:"maxFrameSize,omitempty"`
	OutgoingWindow uint32 `json:"outgoingWindow,omitempty" yaml:"outgoingWindow,omitempty"`
	IncomingWindow uint32 `json:"incomingWindow,omitempty" yaml:"incomingWindow,omitempty"`

	// Trace logs all session level performatives.
	Trace bool `json:"trace,omitempty" yaml:"trace,omitempty"`
}

// System defines all configuration regarding the system.
type System struct {
	// StoragePath is the file received messages are stored in.
	// Files ending in ".cbor" are stored as CBOR, everything else as JSON.
	// Messages are only kept in memory if empty.
	StoragePath string `json:"storagePath,omitempty" yaml:"storagePath,omitempty"`

	// StorageKeep is the amount of messages kept when the storage is pruned.
	StorageKeep int `json:"storageKeep,omitempty" yaml:"storageKeep,omitempty"`

	// DoWorkInterval is the interval in which links check for timed out deliveries.
	DoWorkInterval string `json:"doWorkInterval,omitempty" yaml:"doWorkInterval,omitempty"`

	// PersistInterval is the interval in which the storage is written to disk.
	PersistInterval string `json:"persistInterval,omitempty" yaml:"persistInterval,omitempty"`
}

// Clone returns a full copy the store.
func (s Store) Clone() (Store, error) {
	copied, err := copystructure.Copy(s)
	if err != nil {
		return Store{}, err
	}
	return copied.(Store), nil //nolint:forcetypeassert
}
