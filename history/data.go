package history

import (
	"encoding/json"
	"time"
)

// FailureDetails describes an error surfaced through the replay engine.
// It is carried in failure payloads instead of a raw error so that failures
// survive serialization and replay.
type FailureDetails struct {
	// ErrorType is the Go type name of the original error.
	ErrorType string `json:"error_type"`

	// ErrorMessage is the original error's message.
	ErrorMessage string `json:"error_message"`

	// NonRetryable marks failures that retry policies must not retry.
	NonRetryable bool `json:"non_retryable,omitempty"`
}

// ExecutionStartedData is the payload for execution.started events.
type ExecutionStartedData struct {
	OrchestratorName string          `json:"orchestrator_name"`
	Input            json.RawMessage `json:"input,omitempty"`

	// ParentInstanceID and ParentTaskID link a sub-orchestration back to
	// the instance that created it. Empty/zero for root orchestrations.
	ParentInstanceID string `json:"parent_instance_id,omitempty"`
	ParentTaskID     int64  `json:"parent_task_id,omitempty"`
}

// ExecutionCompletedData is the payload for execution.completed events.
type ExecutionCompletedData struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// ExecutionFailedData is the payload for execution.failed events.
type ExecutionFailedData struct {
	Failure FailureDetails `json:"failure"`
}

// ExecutionTerminatedData is the payload for execution.terminated events.
type ExecutionTerminatedData struct {
	Reason string `json:"reason,omitempty"`
}

// ExecutionContinuedAsNewData is the payload for execution.continuedasnew
// events.
type ExecutionContinuedAsNewData struct {
	NewInput json.RawMessage `json:"new_input,omitempty"`
}

// TaskScheduledData is the payload for task.scheduled events.
type TaskScheduledData struct {
	Input   json.RawMessage `json:"input,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
}

// TaskCompletedData is the payload for task.completed events.
type TaskCompletedData struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskFailedData is the payload for task.failed events.
type TaskFailedData struct {
	Failure FailureDetails `json:"failure"`
}

// TimerCreatedData is the payload for timer.created events.
type TimerCreatedData struct {
	FireAt time.Time `json:"fire_at"`
}

// TimerFiredData is the payload for timer.fired events.
type TimerFiredData struct {
	FireAt time.Time `json:"fire_at"`
}

// SubOrchestrationCreatedData is the payload for suborchestration.created
// events.
type SubOrchestrationCreatedData struct {
	InstanceID string          `json:"instance_id"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// SubOrchestrationCompletedData is the payload for
// suborchestration.completed events.
type SubOrchestrationCompletedData struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// SubOrchestrationFailedData is the payload for suborchestration.failed
// events.
type SubOrchestrationFailedData struct {
	Failure FailureDetails `json:"failure"`
}

// ExternalEventSubscribedData is the payload for event.subscribed events.
type ExternalEventSubscribedData struct {
	EventName string `json:"event_name"`
}

// ExternalRaisedData is the payload for event.raised events.
type ExternalRaisedData struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EntityOperationCalledData is the payload for entity.called events.
type EntityOperationCalledData struct {
	EntityName string          `json:"entity_name"`
	EntityKey  string          `json:"entity_key"`
	Operation  string          `json:"operation"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// HTTPCalledData is the payload for http.called events.
type HTTPCalledData struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`

	// AsynchronousPatternEnabled marks calls that follow the async
	// HTTP polling protocol (202 + Location).
	AsynchronousPatternEnabled bool `json:"asynchronous_pattern_enabled,omitempty"`
}

// CustomStatusSetData is the payload for customstatus.set events.
type CustomStatusSetData struct {
	Status json.RawMessage `json:"status,omitempty"`
}

// EntityStateData is the payload for entity.state events. These events
// appear only in entity streams, never in orchestration histories.
type EntityStateData struct {
	State json.RawMessage `json:"state,omitempty"`
}
