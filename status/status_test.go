package status

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ingalless/durabletask/history"
)

var baseTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type eventSpec struct {
	eventType history.EventType
	name      string
	taskID    int64
	data      any
	offset    time.Duration
}

func buildHistory(t *testing.T, specs []eventSpec) []history.Event {
	t.Helper()

	events := make([]history.Event, len(specs))
	for i, s := range specs {
		var data json.RawMessage
		if s.data != nil {
			raw, err := json.Marshal(s.data)
			if err != nil {
				t.Fatalf("marshal %s payload: %v", s.eventType, err)
			}
			data = raw
		}
		events[i] = history.Event{
			InstanceID: "inst-1",
			Sequence:   int64(i + 1),
			Type:       s.eventType,
			Name:       s.name,
			TaskID:     s.taskID,
			Data:       data,
			Timestamp:  baseTime.Add(s.offset),
		}
	}
	return events
}

func TestRuntimeStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status RuntimeStatus
		want   bool
	}{
		{RuntimePending, false},
		{RuntimeRunning, false},
		{RuntimeCompleted, true},
		{RuntimeFailed, true},
		{RuntimeTerminated, true},
		{RuntimeCanceled, true},
		{RuntimeContinuedAsNew, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstanceEmptyHistory(t *testing.T) {
	got := Instance("inst-1", nil)
	if got.Status != RuntimePending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.InstanceID != "inst-1" {
		t.Errorf("InstanceID = %q, want inst-1", got.InstanceID)
	}
}

func TestInstanceRunning(t *testing.T) {
	events := buildHistory(t, []eventSpec{
		{eventType: history.EventOrchestratorStarted},
		{eventType: history.EventExecutionStarted, name: "order", data: history.ExecutionStartedData{
			OrchestratorName: "order",
			Input:            json.RawMessage(`{"id":42}`),
		}},
		{eventType: history.EventTaskScheduled, name: "charge", taskID: 1, offset: time.Second},
	})

	got := Instance("inst-1", events)
	if got.Status != RuntimeRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if got.Name != "order" {
		t.Errorf("Name = %q, want order", got.Name)
	}
	if string(got.Input) != `{"id":42}` {
		t.Errorf("Input = %s, want {\"id\":42}", got.Input)
	}
	if got.CreatedAt == nil || !got.CreatedAt.Equal(baseTime) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, baseTime)
	}
	if got.LastUpdatedAt == nil || !got.LastUpdatedAt.Equal(baseTime.Add(time.Second)) {
		t.Errorf("LastUpdatedAt = %v, want %v", got.LastUpdatedAt, baseTime.Add(time.Second))
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
}

func TestInstanceCompleted(t *testing.T) {
	events := buildHistory(t, []eventSpec{
		{eventType: history.EventExecutionStarted, name: "order", data: history.ExecutionStartedData{OrchestratorName: "order"}},
		{eventType: history.EventExecutionCompleted, offset: 3 * time.Second, data: history.ExecutionCompletedData{
			Output: json.RawMessage(`"done"`),
		}},
	})

	got := Instance("inst-1", events)
	if got.Status != RuntimeCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	if string(got.Output) != `"done"` {
		t.Errorf("Output = %s, want %q", got.Output, `"done"`)
	}
	if got.DurationMs == nil || *got.DurationMs != 3000 {
		t.Errorf("DurationMs = %v, want 3000", got.DurationMs)
	}
}

func TestInstanceFailed(t *testing.T) {
	events := buildHistory(t, []eventSpec{
		{eventType: history.EventExecutionStarted, name: "order", data: history.ExecutionStartedData{OrchestratorName: "order"}},
		{eventType: history.EventExecutionFailed, offset: time.Second, data: history.ExecutionFailedData{
			Failure: history.FailureDetails{ErrorType: "*errors.errorString", ErrorMessage: "boom"},
		}},
	})

	got := Instance("inst-1", events)
	if got.Status != RuntimeFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.Failure == nil || got.Failure.ErrorMessage != "boom" {
		t.Errorf("Failure = %+v, want message boom", got.Failure)
	}
}

func TestInstanceParentLinkage(t *testing.T) {
	events := buildHistory(t, []eventSpec{
		{eventType: history.EventExecutionStarted, name: "child", data: history.ExecutionStartedData{
			OrchestratorName: "child",
			ParentInstanceID: "parent-1",
			ParentTaskID:     4,
		}},
	})

	got := Instance("inst-1", events)
	if got.ParentInstanceID != "parent-1" {
		t.Errorf("ParentInstanceID = %q, want parent-1", got.ParentInstanceID)
	}
}

func TestInstanceCustomStatus(t *testing.T) {
	events := buildHistory(t, []eventSpec{
		{eventType: history.EventExecutionStarted, data: history.ExecutionStartedData{OrchestratorName: "order"}},
		{eventType: history.EventCustomStatusSet, data: history.CustomStatusSetData{Status: json.RawMessage(`"phase1"`)}},
		{eventType: history.EventCustomStatusSet, data: history.CustomStatusSetData{Status: json.RawMessage(`"phase2"`)}},
	})

	got := Instance("inst-1", events)
	if string(got.CustomStatus) != `"phase2"` {
		t.Errorf("CustomStatus = %s, want %q (latest wins)", got.CustomStatus, `"phase2"`)
	}
}

func TestInstanceWaitingForEvents(t *testing.T) {
	events := buildHistory(t, []eventSpec{
		{eventType: history.EventExecutionStarted, data: history.ExecutionStartedData{OrchestratorName: "approval"}},
		{eventType: history.EventExternalEventSubscribed, name: "approval", taskID: 1},
		{eventType: history.EventExternalEventSubscribed, name: "approval", taskID: 2},
		{eventType: history.EventExternalEventSubscribed, name: "cancel", taskID: 3},
		// Case-insensitive match satisfies the oldest approval subscription.
		{eventType: history.EventExternalRaised, name: "APPROVAL"},
	})

	got := Instance("inst-1", events)
	want := []string{"approval", "cancel"}
	if len(got.WaitingForEvents) != len(want) {
		t.Fatalf("WaitingForEvents = %v, want %v", got.WaitingForEvents, want)
	}
	for i := range want {
		if got.WaitingForEvents[i] != want[i] {
			t.Fatalf("WaitingForEvents = %v, want %v", got.WaitingForEvents, want)
		}
	}
}

func TestInstanceWaitingForEventsUnicodeFold(t *testing.T) {
	// Non-ASCII names must fold the same way the engine folds its
	// subscription keys.
	events := buildHistory(t, []eventSpec{
		{eventType: history.EventExecutionStarted, data: history.ExecutionStartedData{OrchestratorName: "approval"}},
		{eventType: history.EventExternalEventSubscribed, name: "café-approval", taskID: 1},
		{eventType: history.EventExternalRaised, name: "CAFÉ-APPROVAL"},
	})

	got := Instance("inst-1", events)
	if len(got.WaitingForEvents) != 0 {
		t.Fatalf("WaitingForEvents = %v, want empty (subscription satisfied)", got.WaitingForEvents)
	}
}

func TestTaskInvocations(t *testing.T) {
	events := buildHistory(t, []eventSpec{
		{eventType: history.EventExecutionStarted, data: history.ExecutionStartedData{OrchestratorName: "order"}},
		{eventType: history.EventTaskScheduled, name: "charge", taskID: 1, data: history.TaskScheduledData{Attempt: 1}},
		{eventType: history.EventTimerCreated, name: "timer", taskID: 2},
		{eventType: history.EventTaskFailed, taskID: 1, offset: 2 * time.Second, data: history.TaskFailedData{
			Failure: history.FailureDetails{ErrorMessage: "card declined"},
		}},
		{eventType: history.EventTimerFired, taskID: 2, offset: 5 * time.Second},
		{eventType: history.EventTaskScheduled, name: "charge", taskID: 3, offset: 5 * time.Second, data: history.TaskScheduledData{Attempt: 2}},
	})

	got := TaskInvocations(events)
	if len(got) != 3 {
		t.Fatalf("TaskInvocations() returned %d entries, want 3", len(got))
	}

	first := got[0]
	if first.Name != "charge" || first.Attempt != 1 {
		t.Errorf("first = %+v, want charge attempt 1", first)
	}
	if first.Outcome != TaskFailed {
		t.Errorf("first.Outcome = %s, want failed", first.Outcome)
	}
	if first.Error == nil || *first.Error != "card declined" {
		t.Errorf("first.Error = %v, want card declined", first.Error)
	}
	if first.DurationMs == nil || *first.DurationMs != 2000 {
		t.Errorf("first.DurationMs = %v, want 2000", first.DurationMs)
	}

	if got[1].Kind != history.EventTimerCreated || got[1].Outcome != TaskCompleted {
		t.Errorf("second = %+v, want fired timer", got[1])
	}

	third := got[2]
	if third.Attempt != 2 || third.Outcome != TaskScheduled {
		t.Errorf("third = %+v, want pending attempt 2", third)
	}
	if third.CompletedAt != nil {
		t.Errorf("third.CompletedAt = %v, want nil", third.CompletedAt)
	}
}

func TestTimeline(t *testing.T) {
	events := buildHistory(t, []eventSpec{
		{eventType: history.EventOrchestratorStarted},
		{eventType: history.EventExecutionStarted, name: "order", data: history.ExecutionStartedData{OrchestratorName: "order"}},
		{eventType: history.EventTaskScheduled, name: "charge", taskID: 1, data: history.TaskScheduledData{Attempt: 2}},
		{eventType: history.EventTaskFailed, taskID: 1, data: history.TaskFailedData{
			Failure: history.FailureDetails{ErrorMessage: "card declined"},
		}},
		{eventType: history.EventExecutionTerminated, data: history.ExecutionTerminatedData{Reason: "operator"}},
	})

	got := Timeline(events)
	if len(got) != 4 {
		t.Fatalf("Timeline() returned %d entries, want 4 (orchestrator.started omitted)", len(got))
	}

	wantMessages := []string{
		"Orchestration order started",
		"Activity charge scheduled (attempt 2)",
		"Activity failed",
		"Orchestration terminated: operator",
	}
	for i, want := range wantMessages {
		if got[i].Message != want {
			t.Errorf("entry[%d].Message = %q, want %q", i, got[i].Message, want)
		}
	}
	if got[2].Error == nil || *got[2].Error != "card declined" {
		t.Errorf("entry[2].Error = %v, want card declined", got[2].Error)
	}
}
