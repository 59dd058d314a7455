// Package progress defines the event stream emitted by the pipeline and the
// hub that batches it out to observability sinks.
package progress

import (
	"errors"
	"time"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported progress event kinds.
const (
	KindBatchClaimed    Kind = "BATCH_CLAIMED"
	KindEntityCompleted Kind = "ENTITY_COMPLETED"
	KindEntityFailed    Kind = "ENTITY_FAILED"
	KindEntityReleased  Kind = "ENTITY_RELEASED"
	KindLeasesSwept     Kind = "LEASES_SWEPT"
	KindSessionState    Kind = "SESSION_STATE"
	KindSnapshot        Kind = "SNAPSHOT"
)

// Event captures a single pipeline milestone.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which milestone occurred.
	Kind Kind
	// Stage scopes stage-worker events.
	Stage pipeline.Stage
	// EntityID scopes per-entity events.
	EntityID string
	// Claimed counts entities claimed in a batch event.
	Claimed int
	// Records counts staging records appended for the entity.
	Records int
	// Terminal marks a failure that exhausted or bypassed the retry budget.
	Terminal bool
	// Swept counts leases released by a sweep event.
	Swept int
	// SessionState carries the lifecycle state for session events.
	SessionState string
	// StatusCounts carries the frontier distribution for snapshot events.
	StatusCounts map[pipeline.Status]int
	// Note attaches low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindBatchClaimed, KindEntityCompleted, KindEntityFailed, KindEntityReleased:
		if e.Stage == "" {
			return errors.New("stage event requires stage")
		}
	case KindLeasesSwept:
	case KindSessionState:
		if e.SessionState == "" {
			return errors.New("session event requires state")
		}
	case KindSnapshot:
		if e.StatusCounts == nil {
			return errors.New("snapshot requires status counts")
		}
	default:
		return errors.New("unknown event kind")
	}
	return nil
}
