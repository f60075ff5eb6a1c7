package task

import (
	"encoding/json"
	"time"

	"github.com/ingalless/durabletask/history"
	"github.com/ingalless/durabletask/retry"
)

// ActionType classifies scheduling requests produced by an invocation.
type ActionType string

const (
	ActionCallActivity                 ActionType = "callActivity"
	ActionCallActivityWithRetry        ActionType = "callActivityWithRetry"
	ActionCallSubOrchestrator          ActionType = "callSubOrchestrator"
	ActionCallSubOrchestratorWithRetry ActionType = "callSubOrchestratorWithRetry"
	ActionCreateTimer                  ActionType = "createTimer"
	ActionWaitForExternalEvent         ActionType = "waitForExternalEvent"
	ActionCallEntity                   ActionType = "callEntity"
	ActionCallHTTP                     ActionType = "callHttp"
	ActionContinueAsNew                ActionType = "continueAsNew"
)

// Action is an immutable, serializable description of one scheduling
// request. Exactly one of the kind-specific fields is set, matching Type.
//
// The ordered sequence of actions produced in one invocation is the
// complete "next step" communicated to the host. Identical orchestrator
// code fed an identical history prefix always produces the same ordered
// action sequence up to the first unresolved task.
type Action struct {
	// Seq is the action's sequence number, unique and monotonically
	// increasing within the orchestration instance.
	Seq int64 `json:"seq"`

	// Type identifies which kind-specific field is populated.
	Type ActionType `json:"type"`

	CallActivity         *CallActivityAction         `json:"call_activity,omitempty"`
	CallSubOrchestrator  *CallSubOrchestratorAction  `json:"call_sub_orchestrator,omitempty"`
	CreateTimer          *CreateTimerAction          `json:"create_timer,omitempty"`
	WaitForExternalEvent *WaitForExternalEventAction `json:"wait_for_external_event,omitempty"`
	CallEntity           *CallEntityAction           `json:"call_entity,omitempty"`
	CallHTTP             *CallHTTPAction             `json:"call_http,omitempty"`
	ContinueAsNew        *ContinueAsNewAction        `json:"continue_as_new,omitempty"`
}

// CallActivityAction schedules an activity invocation. It backs both the
// callActivity and callActivityWithRetry action kinds; for the retry kind,
// Retry carries the policy and Attempt records which attempt this is.
type CallActivityAction struct {
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	Retry   *retry.Policy   `json:"-"`
}

// CallSubOrchestratorAction schedules a sub-orchestration. As with
// activities, Retry is set only for the with-retry action kind.
type CallSubOrchestratorAction struct {
	Name       string          `json:"name"`
	InstanceID string          `json:"instance_id"`
	Input      json.RawMessage `json:"input,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	Retry      *retry.Policy   `json:"-"`
}

// CreateTimerAction schedules a durable timer. A FireAt in the past is
// valid: the timer fires on the host's next dispatch.
type CreateTimerAction struct {
	FireAt time.Time `json:"fire_at"`
}

// WaitForExternalEventAction subscribes the instance to a named external
// event. Matching against raised events is by name in FIFO arrival order.
type WaitForExternalEventAction struct {
	EventName string `json:"event_name"`
}

// CallEntityAction schedules an entity operation.
type CallEntityAction struct {
	Entity    EntityID        `json:"entity"`
	Operation string          `json:"operation"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// CallHTTPAction schedules a durable HTTP call.
type CallHTTPAction struct {
	Request HTTPRequest `json:"request"`
}

// ContinueAsNewAction restarts the instance with fresh input and an empty
// history. It is always the only action in its invocation's output.
type ContinueAsNewAction struct {
	NewInput json.RawMessage `json:"new_input,omitempty"`
}

// matchesEvent reports whether a recorded scheduling event of the given
// type could have been produced by this action. Matching is positional (by
// sequence number); the kind check catches histories where the orchestrator
// code changed shape between invocations.
func (a *Action) matchesEvent(t history.EventType) bool {
	switch t {
	case history.EventTaskScheduled:
		return a.Type == ActionCallActivity || a.Type == ActionCallActivityWithRetry
	case history.EventTimerCreated:
		return a.Type == ActionCreateTimer
	case history.EventSubOrchestrationCreated:
		return a.Type == ActionCallSubOrchestrator || a.Type == ActionCallSubOrchestratorWithRetry
	case history.EventExternalEventSubscribed:
		return a.Type == ActionWaitForExternalEvent
	case history.EventEntityOperationCalled:
		return a.Type == ActionCallEntity
	case history.EventHTTPCalled:
		return a.Type == ActionCallHTTP
	default:
		return false
	}
}

// name returns a human-readable identifier for diagnostics.
func (a *Action) name() string {
	switch a.Type {
	case ActionCallActivity, ActionCallActivityWithRetry:
		return a.CallActivity.Name
	case ActionCallSubOrchestrator, ActionCallSubOrchestratorWithRetry:
		return a.CallSubOrchestrator.Name
	case ActionWaitForExternalEvent:
		return a.WaitForExternalEvent.EventName
	case ActionCallEntity:
		return a.CallEntity.Entity.String()
	case ActionCallHTTP:
		return a.CallHTTP.Request.URL
	default:
		return string(a.Type)
	}
}
