package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ingalless/durabletask/history"
)

// Logger defines the logging interface for the replay engine.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger is a Logger that discards all messages.
type noopLogger struct{}

func (noopLogger) Debug(msg string, keysAndValues ...any) {}
func (noopLogger) Info(msg string, keysAndValues ...any)  {}
func (noopLogger) Error(msg string, keysAndValues ...any) {}

// ExecutionStatus indicates the outcome of one invocation.
type ExecutionStatus int

const (
	// StatusRunning indicates the orchestration suspended with pending
	// actions and will be invoked again.
	StatusRunning ExecutionStatus = iota
	// StatusCompleted indicates the orchestrator returned a value.
	StatusCompleted
	// StatusFailed indicates the orchestrator returned an uncaught error.
	StatusFailed
	// StatusContinuedAsNew indicates the orchestrator requested a restart
	// with fresh input.
	StatusContinuedAsNew
	// StatusTerminated indicates the instance was terminated externally.
	StatusTerminated
)

// String returns a string representation of the ExecutionStatus.
func (s ExecutionStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusContinuedAsNew:
		return "continuedasnew"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ExecutionResult is what one invocation hands back to the host: the
// ordered list of genuinely new actions, the latest custom status, and the
// completion marker.
type ExecutionResult struct {
	// Status is the completion marker for this invocation.
	Status ExecutionStatus

	// Actions lists the new scheduling requests, in the order the
	// orchestrator constructed them. For StatusContinuedAsNew this is a
	// single restart directive.
	Actions []Action

	// CustomStatus is the last status value the orchestrator set.
	CustomStatus json.RawMessage

	// Output is the orchestrator's return value (StatusCompleted only).
	Output json.RawMessage

	// NewInput is the restart input (StatusContinuedAsNew only).
	NewInput json.RawMessage

	// Failure describes the uncaught orchestrator error (StatusFailed
	// only).
	Failure *history.FailureDetails
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Registry holds the orchestrator, activity, and entity functions.
	// Required.
	Registry *Registry

	// Logger for engine logging. If nil, a no-op logger is used.
	Logger Logger
}

// Executor drives orchestrator functions deterministically against
// recorded histories. It is stateless across invocations and safe for
// concurrent use; all per-invocation state lives in the
// OrchestrationContext it creates.
type Executor struct {
	registry *Registry
	logger   Logger
}

// NewExecutor creates a new Executor with the given configuration.
func NewExecutor(config ExecutorConfig) *Executor {
	logger := config.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Executor{
		registry: config.Registry,
		logger:   logger,
	}
}

// Execute runs one invocation of the orchestration instance against its
// history. oldEvents is the prefix that was already known before this
// invocation; newEvents holds the events delivered since.
//
// The returned result carries the new actions and completion state. A
// returned error is fatal to the invocation: either an infrastructure
// problem or a *NondeterminismError when the history diverged from the
// actions the orchestrator code produced. Nondeterminism is surfaced as an
// error rather than a Failed result so hosts can distinguish broken
// orchestrator code from ordinary application failure.
func (e *Executor) Execute(ctx context.Context, instanceID string, oldEvents, newEvents []history.Event) (result *ExecutionResult, err error) {
	if r, ok := terminalResult(oldEvents); ok {
		return r, nil
	}

	octx := newOrchestrationContext(instanceID, e.registry, e.logger, oldEvents, newEvents)

	defer func() {
		rec := recover()
		switch {
		case rec == nil:
		case rec == errTaskBlocked:
			// Expected: the orchestrator awaited a task that has no
			// completion in history yet.
			result, err = octx.buildResult(), nil
		default:
			if fault, ok := rec.(replayFault); ok {
				result, err = nil, fault.err
				return
			}
			panic(rec)
		}
	}()

	for {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		ok, perr := octx.pump()
		if perr != nil {
			return nil, perr
		}
		if !ok {
			break
		}
		if octx.finished() {
			break
		}
	}

	if !octx.started {
		return nil, fmt.Errorf("history for instance %s has no execution.started event", instanceID)
	}

	res := octx.buildResult()
	e.logger.Debug("invocation finished",
		"instance", instanceID,
		"status", res.Status.String(),
		"newActions", len(res.Actions),
		"eventsConsumed", octx.cursor.consumed(),
	)
	return res, nil
}

// ExecuteActivity runs a registered activity function with the given
// input and returns its serialized result.
func (e *Executor) ExecuteActivity(ctx context.Context, instanceID, name string, input json.RawMessage) (json.RawMessage, error) {
	fn, ok := e.registry.GetActivity(name)
	if !ok {
		return nil, fmt.Errorf("activity %q is not registered", name)
	}
	output, err := fn(NewActivityContext(ctx, instanceID, name, input))
	if err != nil {
		return nil, err
	}
	return marshalInput(output)
}

// ExecuteEntity runs a registered entity handler for one operation.
func (e *Executor) ExecuteEntity(ctx context.Context, op EntityOperation) (EntityResult, error) {
	fn, ok := e.registry.GetEntity(op.Entity.Name)
	if !ok {
		return EntityResult{}, fmt.Errorf("entity %q is not registered", op.Entity.Name)
	}
	return fn(ctx, op)
}

// FailureFromError converts an error into serializable failure details,
// preserving task failure details and non-retryable marks.
func FailureFromError(err error) history.FailureDetails {
	return failureDetails(err)
}

// terminalResult short-circuits invocations of instances whose history
// already carries a terminal marker.
func terminalResult(events []history.Event) (*ExecutionResult, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		switch e.Type {
		case history.EventExecutionCompleted:
			var data history.ExecutionCompletedData
			_ = json.Unmarshal(e.Data, &data)
			return &ExecutionResult{Status: StatusCompleted, Output: data.Output}, true
		case history.EventExecutionFailed:
			var data history.ExecutionFailedData
			_ = json.Unmarshal(e.Data, &data)
			return &ExecutionResult{Status: StatusFailed, Failure: &data.Failure}, true
		case history.EventExecutionTerminated:
			return &ExecutionResult{Status: StatusTerminated}, true
		}
	}
	return nil, false
}

// pump advances the history cursor by one event and processes it. It
// returns false when no events remain or the instance was terminated, at
// which point any awaited-but-unsettled task suspends the orchestrator.
func (octx *OrchestrationContext) pump() (bool, error) {
	if octx.terminated {
		return false, nil
	}

	e, replaying, ok := octx.cursor.next()
	if !ok {
		return false, nil
	}
	octx.IsReplaying = replaying

	if err := octx.processEvent(e); err != nil {
		return true, err
	}
	return true, nil
}

// finished returns true once the invocation reached a terminal state.
func (octx *OrchestrationContext) finished() bool {
	return octx.completed || octx.terminated || octx.continuedAsNew || octx.appFailure != nil
}

// processEvent dispatches one history event. Scheduling events are matched
// positionally against the actions the orchestrator has produced so far;
// completion events settle the task correlated by TaskID.
func (octx *OrchestrationContext) processEvent(e history.Event) error {
	if e.Type.IsScheduling() {
		return octx.onActionScheduled(e)
	}
	if e.Type.IsCompletion() {
		return octx.onActionCompleted(e)
	}

	switch e.Type {
	case history.EventOrchestratorStarted:
		// Drives the orchestration's deterministic clock.
		octx.CurrentUTC = e.Timestamp
		return nil

	case history.EventExecutionStarted:
		return octx.onExecutionStarted(e)

	case history.EventExternalRaised:
		octx.onExternalRaised(e)
		return nil

	case history.EventExecutionTerminated:
		octx.terminated = true
		return nil

	case history.EventCustomStatusSet:
		// Informational: the orchestrator re-sets its status
		// deterministically while replaying.
		return nil

	case history.EventExecutionCompleted, history.EventExecutionFailed, history.EventExecutionContinuedAsNew:
		// Terminal markers are short-circuited before execution; one
		// appearing mid-history means the host misassembled it.
		return &NondeterminismError{
			InstanceID: octx.ID,
			Sequence:   e.Sequence,
			EventType:  e.Type,
			Detail:     "terminal marker in the middle of the history",
		}

	default:
		return &NondeterminismError{
			InstanceID: octx.ID,
			Sequence:   e.Sequence,
			EventType:  e.Type,
			Detail:     "unknown history event kind",
		}
	}
}

// onExecutionStarted looks up and runs the orchestrator function. The
// function executes synchronously on this goroutine; awaiting an
// unresolvable task unwinds out of it via the blocked sentinel panic.
func (octx *OrchestrationContext) onExecutionStarted(e history.Event) error {
	if octx.started {
		return &NondeterminismError{
			InstanceID: octx.ID,
			Sequence:   e.Sequence,
			EventType:  e.Type,
			Detail:     "duplicate execution.started event",
		}
	}
	octx.started = true

	var data history.ExecutionStartedData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return fmt.Errorf("unmarshal execution.started data: %w", err)
	}
	octx.Name = data.OrchestratorName
	octx.rawInput = data.Input

	fn, ok := octx.registry.GetOrchestrator(octx.Name)
	if !ok {
		return fmt.Errorf("orchestrator %q is not registered", octx.Name)
	}

	output, appErr := fn(octx)

	switch {
	case appErr != nil:
		failure := failureDetails(appErr)
		octx.appFailure = &failure
	case octx.continuedAsNew:
		// Flagged by ContinueAsNew; nothing further to record.
	default:
		raw, err := marshalInput(output)
		if err != nil {
			failure := failureDetails(fmt.Errorf("marshal orchestration output: %w", err))
			octx.appFailure = &failure
			return nil
		}
		octx.completed = true
		octx.output = raw
	}
	return nil
}

// onActionScheduled matches a recorded scheduling event against the action
// the orchestrator produced at the same sequence number. A missing or
// mismatched action means the orchestrator code no longer produces the
// recorded schedule and the invocation must abort.
func (octx *OrchestrationContext) onActionScheduled(e history.Event) error {
	action, ok := octx.pendingActions[e.TaskID]
	if !ok || !action.matchesEvent(e.Type) {
		return &NondeterminismError{
			InstanceID: octx.ID,
			Sequence:   e.Sequence,
			EventType:  e.Type,
			Detail: fmt.Sprintf(
				"a previous execution issued action %d (%s) at this point, but the current execution did not",
				e.TaskID, e.Type),
		}
	}
	delete(octx.pendingActions, e.TaskID)
	return nil
}

// onActionCompleted settles the task correlated with a completion event.
// A completion for an unknown task is a determinism violation: either the
// history is malformed or the orchestrator stopped producing the action
// that spawned it.
func (octx *OrchestrationContext) onActionCompleted(e history.Event) error {
	t, ok := octx.pendingTasks[e.TaskID]
	if !ok {
		return &NondeterminismError{
			InstanceID: octx.ID,
			Sequence:   e.Sequence,
			EventType:  e.Type,
			Detail:     fmt.Sprintf("completion event for unknown action %d", e.TaskID),
		}
	}
	delete(octx.pendingTasks, e.TaskID)

	if t.settled {
		// A canceled timer's fired event is consumed without effect.
		return nil
	}

	switch e.Type {
	case history.EventTaskCompleted:
		var data history.TaskCompletedData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return fmt.Errorf("unmarshal task.completed data: %w", err)
		}
		t.complete(data.Result)

	case history.EventTaskFailed:
		var data history.TaskFailedData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return fmt.Errorf("unmarshal task.failed data: %w", err)
		}
		t.fail(&TaskFailedError{TaskName: t.name, Details: data.Failure})

	case history.EventTimerFired:
		t.complete(nil)

	case history.EventSubOrchestrationCompleted:
		var data history.SubOrchestrationCompletedData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return fmt.Errorf("unmarshal suborchestration.completed data: %w", err)
		}
		t.complete(data.Output)

	case history.EventSubOrchestrationFailed:
		var data history.SubOrchestrationFailedData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return fmt.Errorf("unmarshal suborchestration.failed data: %w", err)
		}
		t.fail(&TaskFailedError{TaskName: t.name, Details: data.Failure})
	}
	return nil
}

// onExternalRaised delivers a raised event to the oldest waiting task for
// its name, or buffers it for a future WaitForExternalEvent call.
func (octx *OrchestrationContext) onExternalRaised(e history.Event) {
	var data history.ExternalRaisedData
	_ = json.Unmarshal(e.Data, &data)

	key := strings.ToUpper(e.Name)
	if waiters, ok := octx.pendingEventTasks[key]; ok && len(waiters) > 0 {
		t := waiters[0]
		if len(waiters) > 1 {
			octx.pendingEventTasks[key] = waiters[1:]
		} else {
			delete(octx.pendingEventTasks, key)
		}
		t.complete(data.Payload)
		return
	}
	octx.bufferedEvents[key] = append(octx.bufferedEvents[key], data.Payload)
}

// buildResult assembles the invocation's output for the host.
func (octx *OrchestrationContext) buildResult() *ExecutionResult {
	res := &ExecutionResult{CustomStatus: octx.customStatus}

	switch {
	case octx.terminated:
		// Termination discards any pending actions.
		res.Status = StatusTerminated
		return res

	case octx.continuedAsNew:
		res.Status = StatusContinuedAsNew
		res.NewInput = octx.continueAsNewInput
		res.Actions = []Action{{
			Seq:           octx.nextSequence(),
			Type:          ActionContinueAsNew,
			ContinueAsNew: &ContinueAsNewAction{NewInput: octx.continueAsNewInput},
		}}
		return res

	case octx.appFailure != nil:
		res.Status = StatusFailed
		res.Failure = octx.appFailure

	case octx.completed:
		res.Status = StatusCompleted
		res.Output = octx.output

	default:
		res.Status = StatusRunning
	}

	// Actions still pending were not matched by any recorded scheduling
	// event: they are new this invocation. Emitted in creation order.
	for _, a := range octx.actions {
		if _, pending := octx.pendingActions[a.Seq]; pending {
			res.Actions = append(res.Actions, *a)
		}
	}
	return res
}
