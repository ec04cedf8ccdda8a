package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/mycoria/amqplink/mgr"
)

// FileStorage is a simple storage implementation using a single file
// that is read on creation and written when persisted or stopped.
type FileStorage struct {
	MemStorage

	filename  string
	marshal   func(v any) ([]byte, error)
	unmarshal func(data []byte, v any) error
}

var _ Storage = &FileStorage{}

// FileStorageFormat is the format in which the FileStorage stores the messages.
type FileStorageFormat struct {
	NextID   uint64           `cbor:"next_id"            json:"nextID"             yaml:"nextID"`
	Messages []*StoredMessage `cbor:"messages,omitempty" json:"messages,omitempty" yaml:"messages,omitempty"`
}

// NewFileStorage returns a file storage for the given file.
// Files ending in ".cbor" are stored as CBOR, everything else as JSON.
func NewFileStorage(filename string) (*FileStorage, error) {
	if strings.EqualFold(filepath.Ext(filename), ".cbor") {
		return NewCBORFileStorage(filename)
	}
	return NewJSONFileStorage(filename)
}

// NewJSONFileStorage loads the json file at the given location and returns a new storage.
func NewJSONFileStorage(filename string) (*FileStorage, error) {
	return newFileStorage(filename, json.Marshal, json.Unmarshal)
}

// NewCBORFileStorage loads the cbor file at the given location and returns a new storage.
func NewCBORFileStorage(filename string) (*FileStorage, error) {
	// Keep sub-second receive times.
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("create cbor encoder: %w", err)
	}
	return newFileStorage(filename, enc.Marshal, cbor.Unmarshal)
}

func newFileStorage(
	filename string,
	marshal func(v any) ([]byte, error),
	unmarshal func(data []byte, v any) error,
) (*FileStorage, error) {
	s := &FileStorage{
		MemStorage: MemStorage{
			mgr:      mgr.New("storage"),
			messages: make(map[uint64]*StoredMessage),
			nextID:   1,
		},
		filename:  filename,
		marshal:   marshal,
		unmarshal: unmarshal,
	}

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		var stored FileStorageFormat
		if err := s.unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("unmarshal %q: %w", filename, err)
		}
		s.load(&stored)

	case errors.Is(err, os.ErrNotExist):
		// File does not exist, start empty.

	default:
		return nil, fmt.Errorf("read file %q: %w", filename, err)
	}

	return s, nil
}

// Filename returns the path of the storage file.
func (s *FileStorage) Filename() string {
	return s.filename
}

// Persist writes the storage to file.
func (s *FileStorage) Persist() error {
	data, err := s.marshal(s.export())
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	err = os.WriteFile(s.filename, data, 0o0600)
	if err != nil {
		return fmt.Errorf("write file %q: %w", s.filename, err)
	}

	return nil
}

// Stop writes the storage to file.
func (s *FileStorage) Stop() error {
	return s.Persist()
}
