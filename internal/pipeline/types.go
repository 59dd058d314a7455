// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"encoding/json"
	"strings"
	"time"
)

// Stage identifies one phase of the collection pipeline.
type Stage string

// Pipeline stages, in order of progression.
const (
	StageDiscovery Stage = "discovery"
	StageProfile   Stage = "profile"
	StageContent   Stage = "content"
)

// Status represents the lifecycle state of an entity in the frontier.
type Status string

// Status values persisted in the frontier store.
const (
	StatusDiscovered       Status = "discovered"
	StatusProfiled         Status = "profiled"
	StatusContentCollected Status = "content_collected"
	StatusStale            Status = "stale"
)

const failedPrefix = "failed:"

// FailedStatus returns the terminal failure status for a stage.
func FailedStatus(stage Stage) Status {
	return Status(failedPrefix + string(stage))
}

// Failed reports whether the status is a stage failure.
func (s Status) Failed() bool {
	return strings.HasPrefix(string(s), failedPrefix)
}

// Terminal reports whether the entity finished its collection chain. A
// content_collected entity is still claimed by the discovery stage for
// follow-graph expansion; failed statuses are never claimed again.
func (s Status) Terminal() bool {
	return s == StatusContentCollected || s.Failed()
}

// Entity is one discovered account tracked by the frontier store.
type Entity struct {
	// ID is the stable identifier assigned by the source system (a DID).
	ID string `json:"id"`
	// Handle is the human-readable account name, when known.
	Handle string `json:"handle,omitempty"`
	Status Status `json:"status"`
	// Version increases on every mutation and backs optimistic concurrency.
	Version int64 `json:"version"`
	// ClaimedBy identifies the lease owner; empty when unclaimed.
	ClaimedBy string `json:"claimed_by,omitempty"`
	// ClaimExpiresAt bounds the lease; zero when unclaimed.
	ClaimExpiresAt time.Time     `json:"claim_expires_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	Attempts       map[Stage]int `json:"attempts,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Leased reports whether the entity holds an unexpired lease at now.
func (e Entity) Leased(now time.Time) bool {
	return e.ClaimedBy != "" && e.ClaimExpiresAt.After(now)
}

// RecordKind labels the collection output a record belongs to.
type RecordKind string

// Record kinds written to the staging sink.
const (
	KindFollows RecordKind = "follows"
	KindProfile RecordKind = "profile"
	KindContent RecordKind = "content"
)

// CompletionEvent is the payload fanned out to the completion feed after an
// entity clears a stage.
type CompletionEvent struct {
	EntityID  string    `json:"entity_id"`
	Handle    string    `json:"handle,omitempty"`
	Stage     Stage     `json:"stage"`
	Status    Status    `json:"status"`
	Records   int       `json:"records"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is one immutable captured unit of data, pre-transformation.
// Records are append-only; corrections are new records left to the ETL.
type Record struct {
	EntityID   string     `json:"entity_id"`
	Kind       RecordKind `json:"kind"`
	CapturedAt time.Time  `json:"captured_at"`
	// Cursor carries the source-page pagination position for resumable
	// content collection; empty for single-shot kinds.
	Cursor string `json:"cursor,omitempty"`
	// Payload is the intercepted JSON document, stored opaquely because
	// upstream API fields evolve. Downstream ETL owns interpretation.
	Payload json.RawMessage `json:"payload"`
}
