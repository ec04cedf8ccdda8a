// Package storage stores received messages.
package storage

import (
	"errors"

	"github.com/mycoria/amqplink/mgr"
)

// Errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidEntry = errors.New("invalid entry")
)

// Storage includes all storage interfaces.
type Storage interface {
	DatabaseModule
	MessageStorage
}

// DatabaseModule is an interface to a managed storage backend.
type DatabaseModule interface {
	Start() error
	Stop() error
	Manager() *mgr.Manager
	Persist() error
	Size() int
	Prune(keep int)
}

// MessageStorage is an interface to a received message storage.
type MessageStorage interface {
	GetMessage(id uint64) (*StoredMessage, error)
	QueryMessages(query *MessageQuery) error
	SaveMessage(msg *StoredMessage) error
	DeleteMessage(id uint64) error
}
