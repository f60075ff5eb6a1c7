package history

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by Store implementations.
var (
	// ErrSequenceConflict indicates the event sequence number doesn't match
	// the expected next sequence (lastSequence + 1).
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrDuplicateEvent indicates an event with the same ID already exists.
	ErrDuplicateEvent = errors.New("duplicate event ID")
)

// SequenceConflictError provides details about a sequence conflict.
type SequenceConflictError struct {
	InstanceID string
	Expected   int64
	Actual     int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence conflict for instance %s: expected %d, got %d", e.InstanceID, e.Expected, e.Actual)
}

func (e *SequenceConflictError) Unwrap() error {
	return ErrSequenceConflict
}

// Store defines the interface for event persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds a single event to the store.
	// Returns ErrSequenceConflict if event.Sequence != lastSequence + 1.
	// Returns ErrDuplicateEvent if an event with the same ID already exists.
	Append(ctx context.Context, event Event) error

	// AppendBatch adds multiple events atomically.
	// All events must have consecutive sequence numbers starting from
	// lastSequence + 1. If any event fails validation, no events are
	// appended (all-or-nothing).
	// Returns ErrSequenceConflict if sequences are invalid.
	// Returns ErrDuplicateEvent if any event ID already exists.
	AppendBatch(ctx context.Context, events []Event) error

	// Load retrieves all events for an instance, ordered by sequence.
	// Returns an empty slice if the instance doesn't exist or has no events.
	Load(ctx context.Context, instanceID string) ([]Event, error)

	// LoadSince retrieves events with sequence > afterSequence, ordered by
	// sequence. Returns an empty slice if no events match.
	LoadSince(ctx context.Context, instanceID string, afterSequence int64) ([]Event, error)

	// GetLastSequence returns the highest sequence number for an instance.
	// Returns 0 if the instance doesn't exist or has no events.
	GetLastSequence(ctx context.Context, instanceID string) (int64, error)

	// Purge removes all events for an instance. Used for instance cleanup
	// and for continue-as-new, which restarts an instance with fresh input
	// and an empty history.
	Purge(ctx context.Context, instanceID string) error
}

// InstanceLister is an optional extension of Store for enumerating known
// orchestration instances. Management surfaces type-assert for it:
//
//	if lister, ok := store.(history.InstanceLister); ok {
//	    ids, err := lister.ListInstances(ctx)
//	    ...
//	}
//
// Stores that don't implement it can still serve the core engine.
type InstanceLister interface {
	// ListInstances returns the IDs of all instances with at least one
	// event, in no particular order.
	ListInstances(ctx context.Context) ([]string, error)
}
