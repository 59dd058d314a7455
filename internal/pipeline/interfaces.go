package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// Frontier is the durable shared work queue ("hive mind") mapping entity
// identifiers to pipeline state. All cross-worker coordination goes through
// its atomic operations; workers never share in-memory entity state.
type Frontier interface {
	// AddIfAbsent inserts an entity in StatusDiscovered. It is idempotent:
	// concurrent calls with the same identifier create exactly one entity,
	// and exactly one caller observes inserted=true.
	AddIfAbsent(ctx context.Context, id, handle string) (inserted bool, err error)
	// ClaimBatch atomically selects up to limit entities in status that are
	// unclaimed or whose lease expired, attaches a lease for owner, bumps
	// their versions, and returns them oldest-updated first. It returns an
	// empty batch, never blocking, when nothing matches.
	ClaimBatch(ctx context.Context, status Status, limit int, owner string, lease time.Duration) ([]Entity, error)
	// Complete advances the entity to newStatus iff expectedVersion still
	// matches, releasing the lease. A mismatch returns ErrConflict.
	Complete(ctx context.Context, id string, expectedVersion int64, newStatus Status) error
	// Fail charges one attempt against the stage budget and releases the
	// lease. Past the budget the entity moves to FailedStatus(stage);
	// otherwise it keeps its status and becomes reclaimable. A version
	// mismatch returns ErrConflict.
	Fail(ctx context.Context, id string, expectedVersion int64, stage Stage, cause error) error
	// MarkFailed moves the entity directly to FailedStatus(stage),
	// bypassing the retry budget.
	MarkFailed(ctx context.Context, id string, expectedVersion int64, stage Stage, cause error) error
	// Release gives the lease back without charging an attempt, used when
	// the failure was the shared session's, not the entity's.
	Release(ctx context.Context, id string, expectedVersion int64) error
	// ReleaseExpiredLeases sweeps expired leases back to their stable
	// status. It is idempotent and safe to run on any cadence.
	ReleaseExpiredLeases(ctx context.Context) (released int, err error)
	// StatusCounts snapshots the status distribution for observability.
	StatusCounts(ctx context.Context) (map[Status]int, error)
}

// Sink is the append-only staging writer for captured records. A record must
// be durable before the status transition it funds becomes visible.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	// LastCursor returns the most recent cursor durably recorded for the
	// (entity, kind) partition, or "" when the partition is empty.
	LastCursor(ctx context.Context, entityID string, kind RecordKind) (string, error)
}

// Page is one isolated tab borrowed from the shared browsing context for the
// duration of a single collection operation.
type Page interface {
	// Navigate loads url and waits for the document to settle.
	Navigate(ctx context.Context, url string) error
	// Intercept captures JSON response bodies whose request URL contains
	// pattern. Capturing starts immediately and stops when the returned
	// cancel func runs or the page closes.
	Intercept(pattern string) (<-chan json.RawMessage, func())
	// ScrollBottom scrolls the page to its current bottom, triggering the
	// site's infinite-scroll pagination.
	ScrollBottom(ctx context.Context) error
	Click(ctx context.Context, selector string) error
	Close()
}

// Browser is the automation driver owning one browsing context.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	// ExportState serializes the context's storage state (an opaque blob).
	ExportState(ctx context.Context) ([]byte, error)
	// ImportState restores previously exported storage state.
	ImportState(ctx context.Context, blob []byte) error
	Close()
}

// SessionHandle is a borrowed, authenticated browsing context. Holders must
// not cache validity across operations; Invalidated signals that in-flight
// work depending on the handle should stop.
type SessionHandle interface {
	NewPage(ctx context.Context) (Page, error)
	Invalidated() <-chan struct{}
}

// SessionSource supplies authenticated session handles to stage workers.
type SessionSource interface {
	// Acquire suspends the caller until a valid session exists, sharing any
	// pending authentication attempt with concurrent callers.
	Acquire(ctx context.Context) (SessionHandle, error)
	// Invalidate reports that an operation observed authentication loss on
	// the handle, triggering re-authentication.
	Invalidate(h SessionHandle, cause error)
}

// Collector performs one stage's collection action for a single entity.
type Collector interface {
	Stage() Stage
	// Collect captures records for the entity on the supplied page. Returned
	// errors are classified with Transient/Permanent/ErrSessionInvalid.
	Collect(ctx context.Context, entity Entity, page Page) ([]Record, error)
}

// Publisher pushes completion events to an external feed.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
