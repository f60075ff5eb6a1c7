package task

import (
	"encoding/json"
	"errors"
	"fmt"
)

// errTaskBlocked is the internal sentinel used to suspend the orchestrator.
// Awaiting a task that cannot be resolved from history panics with this
// value; the executor recovers it and returns the accumulated actions to
// the host. It never escapes the executor.
var errTaskBlocked = errors.New("task blocked")

// replayFault carries a fatal replay error (such as a nondeterminism
// detection) out of orchestrator code via panic, bypassing any error
// handling the orchestrator itself might do.
type replayFault struct {
	err error
}

// Task is an awaitable handle representing the eventual completion of one
// scheduled action or a composition of tasks.
//
// Await blocks, in the cooperative sense, until the task settles: it pumps
// recorded history forward and, if the task still cannot be resolved,
// suspends the orchestrator so the host can dispatch the pending actions.
// On success the task's result is unmarshaled into v (which may be nil to
// discard it). On failure Await returns a *TaskFailedError, or
// ErrTaskCanceled for canceled timers and timed-out event waits.
type Task interface {
	Await(v any) error

	// Settled returns true once the task has resolved, rejected, or been
	// canceled.
	Settled() bool
}

// completableTask is the concrete task bound to a single scheduled action.
// Its action is emitted exactly once, when the task is created, so
// re-awaiting the same task object can never duplicate the action.
type completableTask struct {
	octx *OrchestrationContext
	seq  int64
	name string

	settled  bool
	canceled bool
	result   json.RawMessage
	failure  error

	// settleIndex records the order in which tasks settled, following
	// history order. Composite tasks use it to break ties.
	settleIndex int64

	// onSettled callbacks run when the task settles. Used internally for
	// timer/event races.
	onSettled []func()
}

func (t *completableTask) Settled() bool {
	return t.settled
}

// Await drives the history cursor until this task settles or history is
// exhausted. See Task.Await for the returned errors.
func (t *completableTask) Await(v any) error {
	for !t.settled {
		ok, err := t.octx.pump()
		if err != nil {
			panic(replayFault{err})
		}
		if !ok {
			panic(errTaskBlocked)
		}
	}

	if t.canceled {
		return ErrTaskCanceled
	}
	if t.failure != nil {
		return t.failure
	}
	if v != nil && len(t.result) > 0 {
		if err := json.Unmarshal(t.result, v); err != nil {
			return fmt.Errorf("unmarshal result of task %q: %w", t.name, err)
		}
	}
	return nil
}

// complete settles the task with a result.
func (t *completableTask) complete(result json.RawMessage) {
	if t.settled {
		return
	}
	t.settled = true
	t.result = result
	t.markSettled()
}

// fail settles the task with a failure.
func (t *completableTask) fail(failure error) {
	if t.settled {
		return
	}
	t.settled = true
	t.failure = failure
	t.markSettled()
}

// cancel settles the task as canceled. Only valid before the task's
// completion event has been consumed.
func (t *completableTask) cancel() {
	if t.settled {
		return
	}
	t.settled = true
	t.canceled = true
	t.markSettled()
}

func (t *completableTask) markSettled() {
	t.settleIndex = t.octx.nextSettleIndex()
	for _, fn := range t.onSettled {
		fn()
	}
	t.onSettled = nil
}

// failedTask returns a task that is already settled with the given error.
// Used to reject invalid scheduling calls at the call site.
func failedTask(octx *OrchestrationContext, err error) *completableTask {
	t := &completableTask{octx: octx, settled: true}
	if errors.Is(err, ErrTaskCanceled) {
		t.canceled = true
	} else {
		t.failure = err
	}
	return t
}

// TimerTask is the handle for a durable timer. It is the only cancellable
// primitive: Cancel must be called before the timer fires. An instance
// left with a pending, never-canceled, never-fired timer stays alive
// indefinitely.
type TimerTask struct {
	*completableTask
}

// Cancel abandons the timer. Awaiting a canceled timer returns
// ErrTaskCanceled. Canceling an already-settled timer is a no-op.
func (t *TimerTask) Cancel() {
	t.cancel()
}

// taskWrapper decorates a delegate task with a hook that runs after each
// Await. Retry policies and async HTTP polling are built on it: the hook
// can schedule further actions (timers, re-issued calls) and await them,
// all inside the deterministic model.
type taskWrapper struct {
	delegate      Task
	onAwaitResult func(v any, err error) error
}

func (t *taskWrapper) Await(v any) error {
	err := t.delegate.Await(v)
	if t.onAwaitResult != nil {
		return t.onAwaitResult(v, err)
	}
	return err
}

func (t *taskWrapper) Settled() bool {
	return t.delegate.Settled()
}
