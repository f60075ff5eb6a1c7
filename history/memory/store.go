// Package memory provides an in-memory implementation of history.Store.
// This implementation is suitable for testing and development.
package memory

import (
	"context"
	"sync"

	"github.com/ingalless/durabletask/history"
)

// Store is a thread-safe in-memory implementation of history.Store.
// The zero value is ready for use.
type Store struct {
	mu     sync.RWMutex
	events map[string][]history.Event // instanceID -> events (sorted by sequence)
	ids    map[string]struct{}        // set of all event IDs for duplicate detection
}

// New creates a new in-memory event store.
func New() *Store {
	return &Store{
		events: make(map[string][]history.Event),
		ids:    make(map[string]struct{}),
	}
}

// Append adds a single event to the store.
// Returns ErrSequenceConflict if event.Sequence != lastSequence + 1.
// Returns ErrDuplicateEvent if an event with the same ID already exists.
func (s *Store) Append(ctx context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(e)
}

// appendLocked adds an event without acquiring the lock.
// Caller must hold s.mu.
func (s *Store) appendLocked(e history.Event) error {
	// Initialize maps if nil (supports zero value)
	if s.events == nil {
		s.events = make(map[string][]history.Event)
	}
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}

	// Check for duplicate event ID
	if _, exists := s.ids[e.ID]; exists {
		return history.ErrDuplicateEvent
	}

	// Validate sequence
	instanceEvents := s.events[e.InstanceID]
	expectedSeq := int64(len(instanceEvents)) + 1
	if e.Sequence != expectedSeq {
		return &history.SequenceConflictError{
			InstanceID: e.InstanceID,
			Expected:   expectedSeq,
			Actual:     e.Sequence,
		}
	}

	// Append the event
	s.events[e.InstanceID] = append(instanceEvents, e)
	s.ids[e.ID] = struct{}{}

	return nil
}

// AppendBatch adds multiple events atomically.
// All events must have consecutive sequence numbers starting from
// lastSequence + 1. If any event fails validation, no events are appended
// (all-or-nothing).
func (s *Store) AppendBatch(ctx context.Context, events []history.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Initialize maps if nil (supports zero value)
	if s.events == nil {
		s.events = make(map[string][]history.Event)
	}
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}

	// Validate all events before appending any.
	// Track new IDs to check for duplicates within the batch.
	newIDs := make(map[string]struct{}, len(events))

	// Group events by instance for sequence validation
	instanceSequences := make(map[string]int64)
	for instanceID, instanceEvents := range s.events {
		instanceSequences[instanceID] = int64(len(instanceEvents))
	}

	for _, e := range events {
		// Check for duplicate with existing events
		if _, exists := s.ids[e.ID]; exists {
			return history.ErrDuplicateEvent
		}

		// Check for duplicate within batch
		if _, exists := newIDs[e.ID]; exists {
			return history.ErrDuplicateEvent
		}
		newIDs[e.ID] = struct{}{}

		// Validate sequence
		expectedSeq := instanceSequences[e.InstanceID] + 1
		if e.Sequence != expectedSeq {
			return &history.SequenceConflictError{
				InstanceID: e.InstanceID,
				Expected:   expectedSeq,
				Actual:     e.Sequence,
			}
		}
		instanceSequences[e.InstanceID] = e.Sequence
	}

	// All validation passed, append events
	for _, e := range events {
		s.events[e.InstanceID] = append(s.events[e.InstanceID], e)
		s.ids[e.ID] = struct{}{}
	}

	return nil
}

// Load retrieves all events for an instance, ordered by sequence.
// Returns an empty slice if the instance doesn't exist or has no events.
func (s *Store) Load(ctx context.Context, instanceID string) ([]history.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instanceEvents := s.events[instanceID]
	if len(instanceEvents) == 0 {
		return []history.Event{}, nil
	}

	// Return a copy to prevent external modification
	result := make([]history.Event, len(instanceEvents))
	copy(result, instanceEvents)
	return result, nil
}

// LoadSince retrieves events with sequence > afterSequence, ordered by
// sequence. Returns an empty slice if no events match.
func (s *Store) LoadSince(ctx context.Context, instanceID string, afterSequence int64) ([]history.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instanceEvents := s.events[instanceID]
	if len(instanceEvents) == 0 {
		return []history.Event{}, nil
	}

	// Sequences are 1-indexed and gapless, so afterSequence corresponds to
	// index afterSequence-1. We want events with sequence > afterSequence,
	// so start from index afterSequence.
	startIdx := max(int(afterSequence), 0)
	if startIdx >= len(instanceEvents) {
		return []history.Event{}, nil
	}

	// Return a copy to prevent external modification
	result := make([]history.Event, len(instanceEvents)-startIdx)
	copy(result, instanceEvents[startIdx:])
	return result, nil
}

// GetLastSequence returns the highest sequence number for an instance.
// Returns 0 if the instance doesn't exist or has no events.
func (s *Store) GetLastSequence(ctx context.Context, instanceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.events[instanceID])), nil
}

// Purge removes all events for an instance.
func (s *Store) Purge(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events[instanceID] {
		delete(s.ids, e.ID)
	}
	delete(s.events, instanceID)
	return nil
}

// ListInstances returns the IDs of all instances with at least one event.
// It implements history.InstanceLister.
func (s *Store) ListInstances(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.events))
	for instanceID := range s.events {
		ids = append(ids, instanceID)
	}
	return ids, nil
}
