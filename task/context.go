package task

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ingalless/durabletask/history"
	"github.com/ingalless/durabletask/retry"
)

// guidNamespace seeds deterministic name-based GUID generation. It must
// never change: replays depend on NewGUID reproducing identical values.
var guidNamespace = uuid.MustParse("9a8bf5db-5c07-4f4f-bf3e-7d8a5dd31b4e")

// OrchestrationContext is the API surface orchestrator functions program
// against. Every method that schedules work constructs an immutable Action
// with the next sequence number, registers an awaitable Task bound to it,
// and returns that task.
//
// The context is created fresh for each invocation and is exclusively
// owned by the single goroutine driving the orchestrator. It must not be
// retained after the orchestrator returns.
type OrchestrationContext struct {
	// ID is the orchestration instance ID.
	ID string

	// Name is the orchestrator function name from the execution.started
	// event.
	Name string

	// IsReplaying is true while the engine is catching up to history the
	// instance had already covered before this invocation. Orchestrator
	// code should suppress its own side effects (such as logging) while
	// replaying.
	IsReplaying bool

	// CurrentUTC is the orchestration's deterministic clock. It advances
	// only with orchestrator.started history timestamps, never with the
	// wall clock, so every replay observes the same times.
	CurrentUTC time.Time

	registry *Registry
	logger   Logger
	cursor   *cursor
	rawInput json.RawMessage

	sequenceCounter int64
	settleCounter   int64

	// actions holds every action created this invocation in creation
	// order; pendingActions tracks the subset not yet matched against a
	// recorded scheduling event. What remains unmatched at suspension is
	// genuinely new and is handed to the host.
	actions        []*Action
	pendingActions map[int64]*Action
	pendingTasks   map[int64]*completableTask

	// External events are matched by name in FIFO arrival order.
	// Event names are case-insensitive.
	bufferedEvents    map[string][]json.RawMessage
	pendingEventTasks map[string][]*completableTask

	customStatus       json.RawMessage
	continuedAsNew     bool
	continueAsNewInput json.RawMessage

	started    bool
	completed  bool
	terminated bool
	output     json.RawMessage
	appFailure *history.FailureDetails
}

func newOrchestrationContext(instanceID string, registry *Registry, logger Logger, old, new []history.Event) *OrchestrationContext {
	return &OrchestrationContext{
		ID:                instanceID,
		registry:          registry,
		logger:            logger,
		cursor:            newCursor(old, new),
		pendingActions:    make(map[int64]*Action),
		pendingTasks:      make(map[int64]*completableTask),
		bufferedEvents:    make(map[string][]json.RawMessage),
		pendingEventTasks: make(map[string][]*completableTask),
	}
}

// GetInput unmarshals the orchestration input into v.
func (octx *OrchestrationContext) GetInput(v any) error {
	if len(octx.rawInput) == 0 {
		return nil
	}
	return json.Unmarshal(octx.rawInput, v)
}

// SetCustomStatus records a status value visible to external status
// queries once the orchestrator suspends or completes. Passing nil clears
// the status. Returns ErrCustomStatusTooLarge if the serialized value
// exceeds MaxCustomStatusSize; the previous status is kept.
func (octx *OrchestrationContext) SetCustomStatus(v any) error {
	if v == nil {
		octx.customStatus = nil
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > MaxCustomStatusSize {
		return ErrCustomStatusTooLarge
	}
	octx.customStatus = data
	return nil
}

// NewGUID returns a deterministic name-based UUID (RFC 4122 section 4.3)
// derived from the instance ID and the next sequence number. Replaying the
// same orchestration reproduces the identical GUID at the same call site.
func (octx *OrchestrationContext) NewGUID() uuid.UUID {
	seq := octx.nextSequence()
	name := octx.ID + "/" + formatSequence(seq)
	return uuid.NewSHA1(guidNamespace, []byte(name))
}

// ContinueAsNew ends the current execution and restarts the instance with
// newInput and an empty history. It is terminal: any task still pending is
// abandoned, and every scheduling call made afterwards is rejected with
// ErrContinuedAsNew.
func (octx *OrchestrationContext) ContinueAsNew(newInput any) error {
	if octx.continuedAsNew {
		return ErrContinuedAsNew
	}
	data, err := marshalInput(newInput)
	if err != nil {
		return err
	}
	octx.continuedAsNew = true
	octx.continueAsNewInput = data
	return nil
}

// CallActivity schedules an asynchronous invocation of the named activity
// function and returns a task that settles with the activity's result or
// failure.
func (octx *OrchestrationContext) CallActivity(name string, input any) Task {
	data, err := marshalInput(input)
	if err != nil {
		return failedTask(octx, err)
	}
	return octx.scheduleActivity(name, data, 0, nil)
}

// CallActivityWithRetry schedules an activity invocation governed by the
// given retry policy. Every attempt is its own history-matched action:
// failures schedule a durable backoff timer and then re-issue the
// activity, so replays reproduce the exact attempt sequence.
func (octx *OrchestrationContext) CallActivityWithRetry(name string, policy *retry.Policy, input any) Task {
	if policy == nil {
		policy = retry.NoRetry()
	}
	if err := policy.Validate(); err != nil {
		return failedTask(octx, err)
	}
	data, merr := marshalInput(input)
	if merr != nil {
		return failedTask(octx, merr)
	}

	firstAttempt := octx.CurrentUTC
	return octx.withRetry(policy, firstAttempt, 1, func(attempt int) Task {
		var p *retry.Policy
		if attempt == 1 {
			p = policy
		}
		return octx.scheduleActivity(name, data, attempt, p)
	})
}

func (octx *OrchestrationContext) scheduleActivity(name string, input json.RawMessage, attempt int, policy *retry.Policy) Task {
	if octx.continuedAsNew {
		return failedTask(octx, ErrContinuedAsNew)
	}

	kind := ActionCallActivity
	if policy != nil {
		kind = ActionCallActivityWithRetry
	}
	action := &Action{
		Type: kind,
		CallActivity: &CallActivityAction{
			Name:    name,
			Input:   input,
			Attempt: attempt,
			Retry:   policy,
		},
	}
	return octx.registerAction(action, name)
}

// CallSubOrchestrator schedules a sub-orchestration. If instanceID is
// empty, a deterministic ID derived from the parent instance and the
// action's sequence number is used, so replays create the same child.
func (octx *OrchestrationContext) CallSubOrchestrator(name, instanceID string, input any) Task {
	data, err := marshalInput(input)
	if err != nil {
		return failedTask(octx, err)
	}
	return octx.scheduleSubOrchestration(name, instanceID, data, 0, nil)
}

// CallSubOrchestratorWithRetry schedules a sub-orchestration governed by
// the given retry policy, with the same replayable attempt semantics as
// CallActivityWithRetry.
func (octx *OrchestrationContext) CallSubOrchestratorWithRetry(name, instanceID string, policy *retry.Policy, input any) Task {
	if policy == nil {
		policy = retry.NoRetry()
	}
	if err := policy.Validate(); err != nil {
		return failedTask(octx, err)
	}
	data, merr := marshalInput(input)
	if merr != nil {
		return failedTask(octx, merr)
	}

	firstAttempt := octx.CurrentUTC
	return octx.withRetry(policy, firstAttempt, 1, func(attempt int) Task {
		var p *retry.Policy
		if attempt == 1 {
			p = policy
		}
		return octx.scheduleSubOrchestration(name, instanceID, data, attempt, p)
	})
}

func (octx *OrchestrationContext) scheduleSubOrchestration(name, instanceID string, input json.RawMessage, attempt int, policy *retry.Policy) Task {
	if octx.continuedAsNew {
		return failedTask(octx, ErrContinuedAsNew)
	}

	seq := octx.nextSequence()
	if instanceID == "" {
		instanceID = octx.ID + ":" + formatSequence(seq)
	}
	kind := ActionCallSubOrchestrator
	if policy != nil {
		kind = ActionCallSubOrchestratorWithRetry
	}
	action := &Action{
		Seq:  seq,
		Type: kind,
		CallSubOrchestrator: &CallSubOrchestratorAction{
			Name:       name,
			InstanceID: instanceID,
			Input:      input,
			Attempt:    attempt,
			Retry:      policy,
		},
	}
	return octx.registerActionWithSeq(action, name)
}

// CreateTimer schedules a durable timer that fires after delay, measured
// in orchestration time. A non-positive delay is accepted: the timer fires
// on the host's next dispatch.
func (octx *OrchestrationContext) CreateTimer(delay time.Duration) *TimerTask {
	return octx.CreateTimerUntil(octx.CurrentUTC.Add(delay))
}

// CreateTimerUntil schedules a durable timer that fires at the given time.
// A fireAt in the past is accepted and fires on the host's next dispatch.
func (octx *OrchestrationContext) CreateTimerUntil(fireAt time.Time) *TimerTask {
	if octx.continuedAsNew {
		return &TimerTask{failedTask(octx, ErrContinuedAsNew)}
	}

	action := &Action{
		Type:        ActionCreateTimer,
		CreateTimer: &CreateTimerAction{FireAt: fireAt},
	}
	t := octx.registerAction(action, "timer")
	return &TimerTask{t.(*completableTask)}
}

// WaitForExternalEvent returns a task that settles when an event with the
// given name is raised on this instance. Event names are case-insensitive,
// and multiple waits on the same name are satisfied in FIFO order, one
// raised event per task.
//
// A negative timeout waits indefinitely. A zero timeout settles
// immediately: with the payload if a matching event is already buffered,
// otherwise with ErrTaskCanceled. A positive timeout races the wait
// against a durable timer; if the timer wins, awaiting the task returns
// ErrTaskCanceled.
func (octx *OrchestrationContext) WaitForExternalEvent(eventName string, timeout time.Duration) Task {
	if octx.continuedAsNew {
		return failedTask(octx, ErrContinuedAsNew)
	}

	action := &Action{
		Type:                 ActionWaitForExternalEvent,
		WaitForExternalEvent: &WaitForExternalEventAction{EventName: eventName},
	}
	t := octx.registerAction(action, eventName).(*completableTask)

	key := strings.ToUpper(eventName)
	if buffered, ok := octx.bufferedEvents[key]; ok && len(buffered) > 0 {
		// An event with this name already arrived and is consumed
		// immediately.
		payload := buffered[0]
		if len(buffered) > 1 {
			octx.bufferedEvents[key] = buffered[1:]
		} else {
			delete(octx.bufferedEvents, key)
		}
		t.complete(payload)
		return t
	}

	if timeout == 0 {
		t.cancel()
		return t
	}

	octx.pendingEventTasks[key] = append(octx.pendingEventTasks[key], t)

	if timeout > 0 {
		timer := octx.CreateTimer(timeout)
		timer.onSettled = append(timer.onSettled, func() {
			if timer.canceled || t.settled {
				return
			}
			octx.removeEventWaiter(key, t)
			t.cancel()
		})
	}

	return t
}

// CallEntity schedules an operation on the addressed entity and returns a
// task that settles with whatever the entity operation returns, or its
// raised error.
func (octx *OrchestrationContext) CallEntity(entity EntityID, operation string, input any) Task {
	data, err := marshalInput(input)
	if err != nil {
		return failedTask(octx, err)
	}
	if octx.continuedAsNew {
		return failedTask(octx, ErrContinuedAsNew)
	}

	action := &Action{
		Type: ActionCallEntity,
		CallEntity: &CallEntityAction{
			Entity:    entity,
			Operation: operation,
			Input:     data,
		},
	}
	return octx.registerAction(action, entity.String())
}

// registerAction assigns the next sequence number to the action, records
// it, and creates its bound task.
func (octx *OrchestrationContext) registerAction(action *Action, name string) Task {
	action.Seq = octx.nextSequence()
	return octx.registerActionWithSeq(action, name)
}

// registerActionWithSeq records an action whose sequence number was
// already assigned and creates its bound task.
func (octx *OrchestrationContext) registerActionWithSeq(action *Action, name string) Task {
	octx.actions = append(octx.actions, action)
	octx.pendingActions[action.Seq] = action

	t := &completableTask{octx: octx, seq: action.Seq, name: name}
	octx.pendingTasks[action.Seq] = t

	if !octx.IsReplaying {
		octx.logger.Debug("scheduling action",
			"instance", octx.ID,
			"type", string(action.Type),
			"name", name,
			"seq", action.Seq,
		)
	}
	return t
}

// removeEventWaiter drops a task from the FIFO waiter list for an event
// name key.
func (octx *OrchestrationContext) removeEventWaiter(key string, t *completableTask) {
	waiters := octx.pendingEventTasks[key]
	for i, w := range waiters {
		if w == t {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(octx.pendingEventTasks, key)
	} else {
		octx.pendingEventTasks[key] = waiters
	}
}

func (octx *OrchestrationContext) nextSequence() int64 {
	octx.sequenceCounter++
	return octx.sequenceCounter
}

func (octx *OrchestrationContext) nextSettleIndex() int64 {
	octx.settleCounter++
	return octx.settleCounter
}

// marshalInput serializes an input value, passing through raw JSON and nil
// untouched.
func marshalInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(input)
	}
}

func formatSequence(seq int64) string {
	return strconv.FormatInt(seq, 10)
}
