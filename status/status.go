// Package status provides pure projection functions that transform
// orchestration histories into queryable status structures.
//
// All functions in this package are pure: they take []history.Event as
// input and return derived structures. They do not perform I/O or have
// side effects, so hosts and dashboards can project status from any
// history snapshot.
package status

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ingalless/durabletask/history"
)

// RuntimeStatus represents the externally visible state of an
// orchestration instance.
type RuntimeStatus string

const (
	RuntimePending        RuntimeStatus = "pending"
	RuntimeRunning        RuntimeStatus = "running"
	RuntimeCompleted      RuntimeStatus = "completed"
	RuntimeFailed         RuntimeStatus = "failed"
	RuntimeTerminated     RuntimeStatus = "terminated"
	RuntimeContinuedAsNew RuntimeStatus = "continuedasnew"

	// RuntimeCanceled is reserved for hosts that support cooperative
	// cancellation. The runner in this module expresses cancellation as
	// termination, so it never projects this status itself.
	RuntimeCanceled RuntimeStatus = "canceled"
)

// IsTerminal returns true if no further history will be written for an
// instance in this status. ContinuedAsNew is not terminal: the instance
// restarts under the same ID with a fresh history.
func (s RuntimeStatus) IsTerminal() bool {
	switch s {
	case RuntimeCompleted, RuntimeFailed, RuntimeTerminated, RuntimeCanceled:
		return true
	default:
		return false
	}
}

// InstanceStatus is the projected status of one orchestration instance.
type InstanceStatus struct {
	InstanceID string
	Name       string
	Status     RuntimeStatus

	CreatedAt     *time.Time
	LastUpdatedAt *time.Time
	CompletedAt   *time.Time
	DurationMs    *int64

	Input        json.RawMessage
	Output       json.RawMessage
	CustomStatus json.RawMessage
	Failure      *history.FailureDetails

	// ParentInstanceID is set for sub-orchestrations.
	ParentInstanceID string

	// WaitingForEvents lists external event names the instance has
	// outstanding subscriptions for, in subscription order.
	WaitingForEvents []string
}

// Instance projects the current status from an orchestration's history.
// Returns pending if the history is empty, running while the instance is
// in flight, and the matching terminal status otherwise.
func Instance(instanceID string, events []history.Event) InstanceStatus {
	result := InstanceStatus{
		InstanceID: instanceID,
		Status:     RuntimePending,
	}
	if len(events) == 0 {
		return result
	}

	result.Status = RuntimeRunning

	// Subscriptions outstanding, keyed by TaskID.
	waiting := make(map[int64]string)
	var waitingOrder []int64

	for _, e := range events {
		ts := e.Timestamp
		result.LastUpdatedAt = &ts

		switch e.Type {
		case history.EventExecutionStarted:
			var data history.ExecutionStartedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				result.Name = data.OrchestratorName
				result.Input = data.Input
				result.ParentInstanceID = data.ParentInstanceID
			}
			result.CreatedAt = &ts

		case history.EventExecutionCompleted:
			result.Status = RuntimeCompleted
			result.CompletedAt = &ts
			result.DurationMs = calcDuration(result.CreatedAt, &ts)
			var data history.ExecutionCompletedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				result.Output = data.Output
			}

		case history.EventExecutionFailed:
			result.Status = RuntimeFailed
			result.CompletedAt = &ts
			result.DurationMs = calcDuration(result.CreatedAt, &ts)
			var data history.ExecutionFailedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				result.Failure = &data.Failure
			}

		case history.EventExecutionTerminated:
			result.Status = RuntimeTerminated
			result.CompletedAt = &ts
			result.DurationMs = calcDuration(result.CreatedAt, &ts)

		case history.EventExecutionContinuedAsNew:
			result.Status = RuntimeContinuedAsNew
			result.CompletedAt = &ts
			result.DurationMs = calcDuration(result.CreatedAt, &ts)

		case history.EventCustomStatusSet:
			var data history.CustomStatusSetData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				result.CustomStatus = data.Status
			}

		case history.EventExternalEventSubscribed:
			waiting[e.TaskID] = e.Name
			waitingOrder = append(waitingOrder, e.TaskID)

		case history.EventExternalRaised:
			// A raised event satisfies the oldest subscription with a
			// matching name, if any. Names fold with strings.ToUpper, the
			// same key the engine uses for its subscription map.
			raised := strings.ToUpper(e.Name)
			for _, id := range waitingOrder {
				if name, ok := waiting[id]; ok && strings.ToUpper(name) == raised {
					delete(waiting, id)
					break
				}
			}
		}
	}

	for _, id := range waitingOrder {
		if name, ok := waiting[id]; ok {
			result.WaitingForEvents = append(result.WaitingForEvents, name)
		}
	}
	return result
}

func calcDuration(start, end *time.Time) *int64 {
	if start == nil || end == nil {
		return nil
	}
	ms := end.Sub(*start).Milliseconds()
	return &ms
}

// TaskOutcome represents the outcome of a scheduled action.
type TaskOutcome string

const (
	TaskScheduled TaskOutcome = "scheduled"
	TaskCompleted TaskOutcome = "completed"
	TaskFailed    TaskOutcome = "failed"
)

// TaskInvocation represents one scheduled action and its resolution, with
// timing derived from event timestamps.
type TaskInvocation struct {
	TaskID      int64
	Kind        history.EventType
	Name        string
	Attempt     int
	Outcome     TaskOutcome
	ScheduledAt time.Time
	CompletedAt *time.Time
	DurationMs  *int64
	Error       *string
}

// TaskInvocations projects the scheduled actions of an instance and their
// outcomes, in scheduling order.
func TaskInvocations(events []history.Event) []TaskInvocation {
	// TaskID -> position in result, for correlating completions.
	pending := make(map[int64]int)
	var result []TaskInvocation

	for _, e := range events {
		if e.Type.IsScheduling() {
			inv := TaskInvocation{
				TaskID:      e.TaskID,
				Kind:        e.Type,
				Name:        e.Name,
				Outcome:     TaskScheduled,
				ScheduledAt: e.Timestamp,
			}
			if e.Type == history.EventTaskScheduled {
				var data history.TaskScheduledData
				if err := json.Unmarshal(e.Data, &data); err == nil {
					inv.Attempt = data.Attempt
				}
			}
			result = append(result, inv)
			pending[e.TaskID] = len(result) - 1
			continue
		}

		if !e.Type.IsCompletion() {
			continue
		}
		idx, ok := pending[e.TaskID]
		if !ok {
			continue
		}
		ts := e.Timestamp
		result[idx].CompletedAt = &ts
		result[idx].DurationMs = calcDuration(&result[idx].ScheduledAt, &ts)
		delete(pending, e.TaskID)

		switch e.Type {
		case history.EventTaskFailed:
			var data history.TaskFailedData
			_ = json.Unmarshal(e.Data, &data)
			result[idx].Outcome = TaskFailed
			result[idx].Error = &data.Failure.ErrorMessage

		case history.EventSubOrchestrationFailed:
			var data history.SubOrchestrationFailedData
			_ = json.Unmarshal(e.Data, &data)
			result[idx].Outcome = TaskFailed
			result[idx].Error = &data.Failure.ErrorMessage

		default:
			result[idx].Outcome = TaskCompleted
		}
	}

	return result
}

// TimelineEntry represents a single event in the instance timeline. Used
// by dashboards to render a chronological view of orchestration execution.
type TimelineEntry struct {
	Timestamp time.Time
	Type      history.EventType
	Name      string
	TaskID    int64
	Message   string
	Error     *string
}

// Timeline projects a chronological sequence of significant events for
// dashboard display. Returns entries in history order (oldest first).
// Invocation-boundary orchestrator.started events are omitted.
func Timeline(events []history.Event) []TimelineEntry {
	var result []TimelineEntry

	for _, e := range events {
		entry := TimelineEntry{
			Timestamp: e.Timestamp,
			Type:      e.Type,
			Name:      e.Name,
			TaskID:    e.TaskID,
		}

		switch e.Type {
		case history.EventOrchestratorStarted:
			continue

		case history.EventExecutionStarted:
			var data history.ExecutionStartedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Orchestration " + data.OrchestratorName + " started"

		case history.EventExecutionCompleted:
			entry.Message = "Orchestration completed"

		case history.EventExecutionFailed:
			var data history.ExecutionFailedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Orchestration failed"
			entry.Error = &data.Failure.ErrorMessage

		case history.EventExecutionTerminated:
			var data history.ExecutionTerminatedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Orchestration terminated"
			if data.Reason != "" {
				entry.Message += ": " + data.Reason
			}

		case history.EventExecutionContinuedAsNew:
			entry.Message = "Orchestration continued as new"

		case history.EventTaskScheduled:
			var data history.TaskScheduledData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Activity " + e.Name + " scheduled"
			if data.Attempt > 1 {
				entry.Message += " (attempt " + strconv.Itoa(data.Attempt) + ")"
			}

		case history.EventTaskCompleted:
			entry.Message = "Activity completed"

		case history.EventTaskFailed:
			var data history.TaskFailedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Activity failed"
			entry.Error = &data.Failure.ErrorMessage

		case history.EventTimerCreated:
			var data history.TimerCreatedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				entry.Message = "Timer scheduled for " + data.FireAt.UTC().Format(time.RFC3339)
			} else {
				entry.Message = "Timer scheduled"
			}

		case history.EventTimerFired:
			entry.Message = "Timer fired"

		case history.EventSubOrchestrationCreated:
			var data history.SubOrchestrationCreatedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Sub-orchestration " + e.Name + " created as " + data.InstanceID

		case history.EventSubOrchestrationCompleted:
			entry.Message = "Sub-orchestration completed"

		case history.EventSubOrchestrationFailed:
			var data history.SubOrchestrationFailedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Sub-orchestration failed"
			entry.Error = &data.Failure.ErrorMessage

		case history.EventExternalEventSubscribed:
			entry.Message = "Waiting for event: " + e.Name

		case history.EventExternalRaised:
			entry.Message = "Event raised: " + e.Name

		case history.EventEntityOperationCalled:
			var data history.EntityOperationCalledData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Entity operation " + data.Operation + " on @" + data.EntityName + "@" + data.EntityKey

		case history.EventHTTPCalled:
			var data history.HTTPCalledData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "HTTP " + data.Method + " " + data.URL

		case history.EventCustomStatusSet:
			entry.Message = "Custom status updated"

		default:
			continue
		}

		result = append(result, entry)
	}

	return result
}
