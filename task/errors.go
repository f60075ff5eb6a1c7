package task

import (
	"errors"
	"fmt"

	"github.com/ingalless/durabletask/history"
)

// Common errors surfaced to orchestrator code or the host.
var (
	// ErrTaskCanceled is returned when awaiting a task that was canceled,
	// such as a canceled timer or a timed-out external event wait.
	ErrTaskCanceled = errors.New("task canceled")

	// ErrEmptyTaskList is returned by WhenAny when given no tasks, since
	// there is no well-defined first winner.
	ErrEmptyTaskList = errors.New("empty task list")

	// ErrContinuedAsNew is returned when a scheduling method is called
	// after the orchestrator has already invoked ContinueAsNew.
	ErrContinuedAsNew = errors.New("continue-as-new already invoked")

	// ErrCustomStatusTooLarge is returned by SetCustomStatus when the
	// serialized status exceeds MaxCustomStatusSize.
	ErrCustomStatusTooLarge = errors.New("custom status exceeds size limit")
)

// MaxCustomStatusSize is the maximum serialized size of a custom status.
const MaxCustomStatusSize = 16 * 1024

// NondeterminismError indicates the recorded history diverged from the
// actions the current orchestrator code produced. This is fatal to the
// invocation: the executor aborts rather than guess, and the error is
// surfaced distinctly from application failures so operators can diagnose
// non-deterministic orchestrator code.
type NondeterminismError struct {
	InstanceID string

	// Sequence is the history sequence where the divergence was detected.
	Sequence int64

	// EventType is the kind of the offending history event, if any.
	EventType history.EventType

	// Detail describes the mismatch.
	Detail string
}

func (e *NondeterminismError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("non-deterministic orchestration %s: %s (history sequence %d, event %s)",
			e.InstanceID, e.Detail, e.Sequence, e.EventType)
	}
	return fmt.Sprintf("non-deterministic orchestration %s: %s", e.InstanceID, e.Detail)
}

// TaskFailedError is returned when awaiting a task whose activity,
// sub-orchestration, entity operation, or HTTP call failed. Orchestrator
// code can catch it like any other error.
type TaskFailedError struct {
	// TaskName is the activity or orchestrator name, when known.
	TaskName string

	// Details describes the original failure.
	Details history.FailureDetails
}

func (e *TaskFailedError) Error() string {
	if e.TaskName != "" {
		return fmt.Sprintf("task %q failed: %s: %s", e.TaskName, e.Details.ErrorType, e.Details.ErrorMessage)
	}
	return fmt.Sprintf("task failed: %s: %s", e.Details.ErrorType, e.Details.ErrorMessage)
}

// NonRetryableError wraps an activity error to mark it as non-retryable.
// Retry policies skip remaining attempts when the failure carries this mark.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// failureDetails converts an error into serializable failure details.
func failureDetails(err error) history.FailureDetails {
	var nonRetryable bool
	var nre *NonRetryableError
	if errors.As(err, &nre) {
		nonRetryable = true
	}

	var tfe *TaskFailedError
	if errors.As(err, &tfe) {
		details := tfe.Details
		details.NonRetryable = details.NonRetryable || nonRetryable
		return details
	}

	return history.FailureDetails{
		ErrorType:    fmt.Sprintf("%T", err),
		ErrorMessage: err.Error(),
		NonRetryable: nonRetryable,
	}
}
