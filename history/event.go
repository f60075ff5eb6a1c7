// Package history provides the event types and storage interfaces for the
// durable task engine's event-sourced execution model.
//
// A history is the single source of truth for one orchestration instance.
// The replay engine in package task re-executes orchestrator code against a
// history to reconstruct in-flight state after a crash or suspension.
package history

import (
	"encoding/json"
	"time"
)

// EventType classifies events in the orchestration execution lifecycle.
type EventType string

const (
	// Invocation lifecycle events
	EventOrchestratorStarted EventType = "orchestrator.started"
	EventExecutionStarted    EventType = "execution.started"

	// Terminal markers written by the host after an invocation
	EventExecutionCompleted  EventType = "execution.completed"
	EventExecutionFailed     EventType = "execution.failed"
	EventExecutionTerminated EventType = "execution.terminated"

	// EventExecutionContinuedAsNew marks a history segment that ended by
	// restarting under the same instance ID. The runner in this module
	// expresses continue-as-new as purge-and-restart, so it never writes
	// this marker itself; the projection in package status recognizes it
	// for histories produced by hosts that retain the prior segment.
	EventExecutionContinuedAsNew EventType = "execution.continuedasnew"

	// Scheduling events, one per action kind
	EventTaskScheduled            EventType = "task.scheduled"
	EventTimerCreated             EventType = "timer.created"
	EventSubOrchestrationCreated  EventType = "suborchestration.created"
	EventExternalEventSubscribed  EventType = "event.subscribed"
	EventEntityOperationCalled    EventType = "entity.called"
	EventHTTPCalled               EventType = "http.called"

	// Completion and failure markers, correlated by TaskID
	EventTaskCompleted             EventType = "task.completed"
	EventTaskFailed                EventType = "task.failed"
	EventTimerFired                EventType = "timer.fired"
	EventSubOrchestrationCompleted EventType = "suborchestration.completed"
	EventSubOrchestrationFailed    EventType = "suborchestration.failed"

	// External event delivery, matched by name in FIFO arrival order
	EventExternalRaised EventType = "event.raised"

	// Status events
	EventCustomStatusSet EventType = "customstatus.set"

	// Entity state snapshot (entity streams only)
	EventEntityState EventType = "entity.state"
)

// IsScheduling returns true for event kinds that record an action issued by
// a previous invocation.
func (t EventType) IsScheduling() bool {
	switch t {
	case EventTaskScheduled, EventTimerCreated, EventSubOrchestrationCreated,
		EventExternalEventSubscribed, EventEntityOperationCalled, EventHTTPCalled:
		return true
	default:
		return false
	}
}

// IsCompletion returns true for event kinds that settle a previously
// scheduled action.
func (t EventType) IsCompletion() bool {
	switch t {
	case EventTaskCompleted, EventTaskFailed, EventTimerFired,
		EventSubOrchestrationCompleted, EventSubOrchestrationFailed:
		return true
	default:
		return false
	}
}

// Event represents a single event in an orchestration's execution history.
// Events are the source of truth for orchestration execution and enable
// crash recovery through deterministic replay.
type Event struct {
	// ID is the unique identifier for this event (UUID).
	ID string `json:"id"`

	// InstanceID identifies the orchestration instance this event belongs to.
	InstanceID string `json:"instance_id"`

	// Sequence provides strict ordering within an instance (1, 2, 3, ...).
	// Sequences are gapless and monotonically increasing.
	Sequence int64 `json:"sequence"`

	// Version is the schema version for forward compatibility.
	Version int `json:"version"`

	// Type classifies the event (e.g., "task.completed").
	Type EventType `json:"type"`

	// Name carries the activity, orchestrator, timer, or external event name.
	// Empty for events where a name has no meaning.
	Name string `json:"name,omitempty"`

	// TaskID correlates this event with the action that spawned it.
	// For scheduling events this is the action's sequence number; for
	// completion events it refers back to the scheduling event's TaskID.
	// Zero for lifecycle and external events.
	TaskID int64 `json:"task_id,omitempty"`

	// Data contains the type-specific event payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Timestamp records when the event was created. For
	// orchestrator.started events this drives the orchestration's
	// deterministic clock.
	Timestamp time.Time `json:"timestamp"`

	// Metadata holds additional context like trace IDs and correlation IDs.
	Metadata map[string]string `json:"metadata,omitempty"`
}
