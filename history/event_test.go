package history

import "testing"

func TestEventTypeClassification(t *testing.T) {
	tests := []struct {
		eventType      EventType
		wantScheduling bool
		wantCompletion bool
	}{
		{EventOrchestratorStarted, false, false},
		{EventExecutionStarted, false, false},
		{EventExecutionCompleted, false, false},
		{EventExecutionFailed, false, false},
		{EventExecutionTerminated, false, false},
		{EventExecutionContinuedAsNew, false, false},
		{EventTaskScheduled, true, false},
		{EventTimerCreated, true, false},
		{EventSubOrchestrationCreated, true, false},
		{EventExternalEventSubscribed, true, false},
		{EventEntityOperationCalled, true, false},
		{EventHTTPCalled, true, false},
		{EventTaskCompleted, false, true},
		{EventTaskFailed, false, true},
		{EventTimerFired, false, true},
		{EventSubOrchestrationCompleted, false, true},
		{EventSubOrchestrationFailed, false, true},
		{EventExternalRaised, false, false},
		{EventCustomStatusSet, false, false},
		{EventEntityState, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			if got := tt.eventType.IsScheduling(); got != tt.wantScheduling {
				t.Errorf("IsScheduling() = %v, want %v", got, tt.wantScheduling)
			}
			if got := tt.eventType.IsCompletion(); got != tt.wantCompletion {
				t.Errorf("IsCompletion() = %v, want %v", got, tt.wantCompletion)
			}
		})
	}
}

func TestSequenceConflictError(t *testing.T) {
	err := &SequenceConflictError{InstanceID: "inst-1", Expected: 5, Actual: 7}

	if err.Unwrap() != ErrSequenceConflict {
		t.Errorf("Unwrap() = %v, want ErrSequenceConflict", err.Unwrap())
	}
	want := "sequence conflict for instance inst-1: expected 5, got 7"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
