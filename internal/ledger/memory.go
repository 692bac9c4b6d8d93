package ledger

import (
	"context"
	"strconv"
	"sync"

	"github.com/conquiguias/conquiguias/internal/attendance"
)

// MemoryStore is an in-process store for development and tests. Data is lost on
// restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	data    []byte
	version int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

func (s *MemoryStore) Load(_ context.Context, formID string) (attendance.Snapshot, error) {
	s.mu.Lock()
	e, ok := s.entries[formID]
	s.mu.Unlock()
	if !ok {
		return attendance.Snapshot{}, nil
	}
	records, err := attendance.DecodeRecords(e.data)
	if err != nil {
		return attendance.Snapshot{}, err
	}
	return attendance.Snapshot{Records: records, Token: strconv.Itoa(e.version)}, nil
}

func (s *MemoryStore) Save(_ context.Context, formID string, snap attendance.Snapshot, _ string) error {
	data, err := attendance.EncodeRecords(snap.Records)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[formID]
	current := ""
	if ok {
		current = strconv.Itoa(e.version)
	}
	if current != snap.Token {
		return attendance.ErrConflict
	}
	s.entries[formID] = memEntry{data: data, version: e.version + 1}
	return nil
}
