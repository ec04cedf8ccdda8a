package storage

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/mycoria/amqplink/mgr"
)

// MemStorage is a simple storage implementation using memory only.
type MemStorage struct {
	mgr *mgr.Manager

	messages     map[uint64]*StoredMessage
	nextID       uint64
	messagesLock sync.RWMutex
}

var _ Storage = &MemStorage{}

// NewMemStorage returns an empty storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{
		mgr:      mgr.New("storage"),
		messages: make(map[uint64]*StoredMessage),
		nextID:   1,
	}
}

// Manager returns the module's manager.
func (s *MemStorage) Manager() *mgr.Manager {
	return s.mgr
}

// Start does nothing.
func (s *MemStorage) Start() error {
	return nil
}

// Stop does nothing.
func (s *MemStorage) Stop() error {
	return nil
}

// Persist does nothing.
func (s *MemStorage) Persist() error {
	return nil
}

// GetMessage returns a message from the storage and marks it as read.
func (s *MemStorage) GetMessage(id uint64) (*StoredMessage, error) {
	s.messagesLock.Lock()
	defer s.messagesLock.Unlock()

	msg := s.messages[id]
	if msg == nil {
		return nil, ErrNotFound
	}

	if msg.ReadAt == nil {
		now := time.Now()
		msg.ReadAt = &now
	}
	return msg, nil
}

// QueryMessages queries the message storage.
func (s *MemStorage) QueryMessages(q *MessageQuery) error {
	s.messagesLock.RLock()
	defer s.messagesLock.RUnlock()

	for _, msg := range s.messages {
		q.Add(msg)
	}
	return nil
}

// SaveMessage saves a message to the storage.
// Messages without an ID are assigned the next free one.
func (s *MemStorage) SaveMessage(msg *StoredMessage) error {
	if msg == nil || msg.Link == "" {
		return ErrInvalidEntry
	}

	s.messagesLock.Lock()
	defer s.messagesLock.Unlock()

	if msg.ID == 0 {
		msg.ID = s.nextID
	}
	if msg.ID >= s.nextID {
		s.nextID = msg.ID + 1
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	s.messages[msg.ID] = msg
	return nil
}

// DeleteMessage deletes a message from the storage.
func (s *MemStorage) DeleteMessage(id uint64) error {
	s.messagesLock.Lock()
	defer s.messagesLock.Unlock()

	delete(s.messages, id)
	return nil
}

// Size returns the current size of the storage.
func (s *MemStorage) Size() int {
	s.messagesLock.RLock()
	defer s.messagesLock.RUnlock()

	return len(s.messages)
}

// Prune prunes the storage down to the specified amount of entries.
// Messages that have been read go first, then the oldest ones.
func (s *MemStorage) Prune(keep int) {
	s.messagesLock.Lock()
	defer s.messagesLock.Unlock()

	if len(s.messages) <= keep {
		return
	}

	// Remove all messages that have been read.
	for id, msg := range s.messages {
		if msg.ReadAt != nil {
			delete(s.messages, id)
		}
	}
	if len(s.messages) <= keep {
		return
	}

	// Remove the oldest messages.
	list := make([]*StoredMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		list = append(list, msg)
	}
	slices.SortFunc(list, OldestFirst)
	for _, msg := range list[:len(list)-max(keep, 0)] {
		delete(s.messages, msg.ID)
	}
}

// export returns the stored state in the file format.
func (s *MemStorage) export() *FileStorageFormat {
	s.messagesLock.RLock()
	defer s.messagesLock.RUnlock()

	stored := &FileStorageFormat{
		NextID:   s.nextID,
		Messages: make([]*StoredMessage, 0, len(s.messages)),
	}
	for _, msg := range s.messages {
		stored.Messages = append(stored.Messages, msg)
	}
	slices.SortFunc(stored.Messages, func(a, b *StoredMessage) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return stored
}

// load replaces the stored state with the given file format.
func (s *MemStorage) load(stored *FileStorageFormat) {
	s.messagesLock.Lock()
	defer s.messagesLock.Unlock()

	s.messages = make(map[uint64]*StoredMessage, len(stored.Messages))
	s.nextID = max(stored.NextID, 1)
	for _, msg := range stored.Messages {
		if msg == nil || msg.ID == 0 {
			continue
		}
		s.messages[msg.ID] = msg
		if msg.ID >= s.nextID {
			s.nextID = msg.ID + 1
		}
	}
}
