package sink

import (
	"context"
	"sync"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// MemorySink provides an in-memory staging implementation for development
// and testing.
type MemorySink struct {
	mu      sync.Mutex
	records map[string][]pipeline.Record
}

// NewMemorySink constructs a MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string][]pipeline.Record)}
}

// Append stores the record in its (entity, kind) partition.
func (s *MemorySink) Append(_ context.Context, rec pipeline.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.EntityID + "/" + string(rec.Kind)
	s.records[key] = append(s.records[key], rec)
	return nil
}

// LastCursor returns the most recent non-empty cursor in the partition.
func (s *MemorySink) LastCursor(_ context.Context, entityID string, kind pipeline.RecordKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cursor string
	for _, rec := range s.records[entityID+"/"+string(kind)] {
		if rec.Cursor != "" {
			cursor = rec.Cursor
		}
	}
	return cursor, nil
}

// Partition returns a copy of the records staged for (entity, kind).
func (s *MemorySink) Partition(entityID string, kind pipeline.RecordKind) []pipeline.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.records[entityID+"/"+string(kind)]
	out := make([]pipeline.Record, len(src))
	copy(out, src)
	return out
}
