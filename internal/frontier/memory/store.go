// Package memory provides an in-memory frontier store for development and
// testing. It honors the same claim/lease/CAS contract as the Postgres store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// Store implements pipeline.Frontier with a mutex-guarded map.
type Store struct {
	mu          sync.Mutex
	entities    map[string]pipeline.Entity
	clock       pipeline.Clock
	retryBudget int
}

// NewStore constructs a Store. retryBudget is the number of attempts a stage
// may charge an entity before it fails terminally.
func NewStore(clock pipeline.Clock, retryBudget int) *Store {
	if retryBudget <= 0 {
		retryBudget = 3
	}
	return &Store{
		entities:    make(map[string]pipeline.Entity),
		clock:       clock,
		retryBudget: retryBudget,
	}
}

// AddIfAbsent inserts the entity in discovered status if the identifier is new.
func (s *Store) AddIfAbsent(_ context.Context, id, handle string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("entity id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[id]; exists {
		return false, nil
	}
	s.entities[id] = pipeline.Entity{
		ID:        id,
		Handle:    handle,
		Status:    pipeline.StatusDiscovered,
		Version:   1,
		Attempts:  map[pipeline.Stage]int{},
		UpdatedAt: s.clock.Now(),
	}
	return true, nil
}

// ClaimBatch leases up to limit claimable entities in status to owner.
func (s *Store) ClaimBatch(
	_ context.Context,
	status pipeline.Status,
	limit int,
	owner string,
	lease time.Duration,
) ([]pipeline.Entity, error) {
	if owner == "" {
		return nil, fmt.Errorf("claim owner is required")
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	candidates := make([]pipeline.Entity, 0, limit)
	for _, e := range s.entities {
		if e.Status == status && !e.Leased(now) {
			candidates = append(candidates, e)
		}
	}
	// Oldest updated first, to bound starvation.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]pipeline.Entity, 0, len(candidates))
	for _, e := range candidates {
		e.ClaimedBy = owner
		e.ClaimExpiresAt = now.Add(lease)
		e.Version++
		e.UpdatedAt = now
		s.entities[e.ID] = e
		claimed = append(claimed, cloneEntity(e))
	}
	return claimed, nil
}

// Complete advances the entity to newStatus under optimistic concurrency.
func (s *Store) Complete(_ context.Context, id string, expectedVersion int64, newStatus pipeline.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.casLocked(id, expectedVersion)
	if err != nil {
		return err
	}
	e.Status = newStatus
	e.LastError = ""
	s.releaseLocked(e)
	return nil
}

// Fail charges an attempt against the stage budget and releases the lease.
func (s *Store) Fail(_ context.Context, id string, expectedVersion int64, stage pipeline.Stage, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.casLocked(id, expectedVersion)
	if err != nil {
		return err
	}
	if e.Attempts == nil {
		e.Attempts = map[pipeline.Stage]int{}
	}
	e.Attempts[stage]++
	if cause != nil {
		e.LastError = fmt.Sprintf("%s: %v", stage, cause)
	}
	if e.Attempts[stage] >= s.retryBudget {
		e.Status = pipeline.FailedStatus(stage)
	}
	s.releaseLocked(e)
	return nil
}

// MarkFailed moves the entity straight to the stage's terminal failure.
func (s *Store) MarkFailed(_ context.Context, id string, expectedVersion int64, stage pipeline.Stage, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.casLocked(id, expectedVersion)
	if err != nil {
		return err
	}
	e.Status = pipeline.FailedStatus(stage)
	if cause != nil {
		e.LastError = fmt.Sprintf("%s: %v", stage, cause)
	}
	s.releaseLocked(e)
	return nil
}

// Release gives back the lease without charging an attempt.
func (s *Store) Release(_ context.Context, id string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.casLocked(id, expectedVersion)
	if err != nil {
		return err
	}
	s.releaseLocked(e)
	return nil
}

// ReleaseExpiredLeases sweeps stale entities back to their stable status.
func (s *Store) ReleaseExpiredLeases(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	released := 0
	for id, e := range s.entities {
		if e.ClaimedBy != "" && !e.ClaimExpiresAt.After(now) {
			e.ClaimedBy = ""
			e.ClaimExpiresAt = time.Time{}
			e.Version++
			e.UpdatedAt = now
			s.entities[id] = e
			released++
		}
	}
	return released, nil
}

// StatusCounts snapshots the status distribution. Entities whose lease has
// expired without completion are reported as stale.
func (s *Store) StatusCounts(_ context.Context) (map[pipeline.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	counts := make(map[pipeline.Status]int)
	for _, e := range s.entities {
		if e.ClaimedBy != "" && !e.ClaimExpiresAt.After(now) {
			counts[pipeline.StatusStale]++
			continue
		}
		counts[e.Status]++
	}
	return counts, nil
}

// Get returns a copy of the entity, for tests and the ops surface.
func (s *Store) Get(id string) (pipeline.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return pipeline.Entity{}, false
	}
	return cloneEntity(e), true
}

func (s *Store) casLocked(id string, expectedVersion int64) (pipeline.Entity, error) {
	e, ok := s.entities[id]
	if !ok {
		return pipeline.Entity{}, fmt.Errorf("entity %s: not found", id)
	}
	if e.Version != expectedVersion {
		return pipeline.Entity{}, fmt.Errorf("entity %s: %w", id, pipeline.ErrConflict)
	}
	return e, nil
}

func (s *Store) releaseLocked(e pipeline.Entity) {
	e.ClaimedBy = ""
	e.ClaimExpiresAt = time.Time{}
	e.Version++
	e.UpdatedAt = s.clock.Now()
	s.entities[e.ID] = e
}

func cloneEntity(e pipeline.Entity) pipeline.Entity {
	if e.Attempts != nil {
		attempts := make(map[pipeline.Stage]int, len(e.Attempts))
		for k, v := range e.Attempts {
			attempts[k] = v
		}
		e.Attempts = attempts
	}
	return e
}
