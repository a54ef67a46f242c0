package definition

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// DefaultStorage is an in-memory types.Storage, adapted from the teacher's
// storage abstraction: a slice of entries protected by a mutex, serialised
// with encoding/gob for Dump/Load instead of the teacher's JSON, since the
// payloads here are already raw bytes rather than JSON-friendly structs.
type DefaultStorage struct {
	mu      sync.Mutex
	entries []types.StorageEntry
}

// NewDefaultStorage builds an empty in-memory storage.
func NewDefaultStorage() *DefaultStorage {
	return &DefaultStorage{}
}

func (s *DefaultStorage) Set(entry types.StorageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *DefaultStorage) Get() ([]types.StorageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.StorageEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Dump serialises the full entry set, used as the byte stream a
// StateProvider hands to a joiner during state transfer.
func (s *DefaultStorage) Dump() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load replaces the entry set from a previously Dump-ed byte stream.
func (s *DefaultStorage) Load(data []byte) error {
	var entries []types.StorageEntry
	if len(data) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	return nil
}
