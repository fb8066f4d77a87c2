package bus

import (
	"context"
	"errors"

	"github.com/petal-labs/procflow/runtime"
)

// ErrDuplicateEvent is returned by Append when the run already holds an
// event with the same Seq.
var ErrDuplicateEvent = errors.New("bus: duplicate event")

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event. Seq is unique per run; a second event with
	// the same Seq fails with ErrDuplicateEvent.
	Append(ctx context.Context, event runtime.Event) error

	// List returns events for a run, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// RunIDs returns the ids of all stored runs in ascending order.
	RunIDs(ctx context.Context) ([]string, error)
}
