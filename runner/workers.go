package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/ingalless/durabletask/history"
	"github.com/ingalless/durabletask/task"
)

// orchestrationWorker processes orchestration invocation jobs: it loads
// the instance's history, replays the orchestrator, persists the new
// events, and dispatches the resulting actions as further jobs.
type orchestrationWorker struct {
	river.WorkerDefaults[OrchestrationJobArgs]
	runner *runner
}

// Work executes one orchestration invocation.
func (w *orchestrationWorker) Work(ctx context.Context, job *river.Job[OrchestrationJobArgs]) error {
	args := job.Args
	r := w.runner

	r.logger.Debug("executing orchestration job",
		"instanceID", args.InstanceID,
		"afterSequence", args.AfterSequence,
	)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	events, err := r.loadEventsTx(ctx, tx, args.InstanceID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		// The instance was purged after this job was inserted.
		r.logger.Debug("instance has no history, skipping", "instanceID", args.InstanceID)
		return nil
	}

	// Events the instance had already covered when this job was inserted
	// are replayed; the rest are delivered as new.
	split := len(events)
	for i, e := range events {
		if e.Sequence > args.AfterSequence {
			split = i
			break
		}
	}
	oldEvents, newEvents := events[:split], events[split:]

	result, err := r.executor.Execute(ctx, args.InstanceID, oldEvents, newEvents)
	if err != nil {
		var ndErr *task.NondeterminismError
		if errors.As(err, &ndErr) {
			// The orchestrator code diverged from its recorded history.
			// Fail the instance rather than retrying the job: replaying
			// again cannot repair it.
			r.logger.Error("nondeterministic orchestration",
				"instanceID", args.InstanceID,
				"sequence", ndErr.Sequence,
				"detail", ndErr.Detail,
			)
			failure := task.FailureFromError(err)
			if err := w.finishInstance(ctx, tx, events, history.EventExecutionFailed, history.ExecutionFailedData{Failure: failure}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}
		return fmt.Errorf("execute orchestration: %w", err)
	}

	lastSeq := events[len(events)-1].Sequence
	now := time.Now().UTC()
	var batch []history.Event

	if statusChanged(events, result.CustomStatus) {
		lastSeq++
		e, err := newDataEvent(args.InstanceID, lastSeq, history.EventCustomStatusSet, "", 0, history.CustomStatusSetData{Status: result.CustomStatus}, now)
		if err != nil {
			return err
		}
		batch = append(batch, e)
	}

	if result.Status == task.StatusContinuedAsNew {
		return w.continueAsNew(ctx, tx, args.InstanceID, events, result)
	}

	// Persist one scheduling event per action and collect the jobs to
	// insert once the events are in the batch.
	type jobInsert struct {
		args river.JobArgs
		opts *river.InsertOpts
	}
	var inserts []jobInsert

	for _, action := range result.Actions {
		lastSeq++
		switch action.Type {
		case task.ActionCallActivity, task.ActionCallActivityWithRetry:
			a := action.CallActivity
			e, err := newDataEvent(args.InstanceID, lastSeq, history.EventTaskScheduled, a.Name, action.Seq, history.TaskScheduledData{
				Input:   a.Input,
				Attempt: a.Attempt,
			}, now)
			if err != nil {
				return err
			}
			batch = append(batch, e)
			inserts = append(inserts, jobInsert{args: ActivityJobArgs{
				InstanceID: args.InstanceID,
				TaskID:     action.Seq,
				Name:       a.Name,
				Input:      a.Input,
				Attempt:    a.Attempt,
			}})

		case task.ActionCreateTimer:
			a := action.CreateTimer
			e, err := newDataEvent(args.InstanceID, lastSeq, history.EventTimerCreated, "timer", action.Seq, history.TimerCreatedData{FireAt: a.FireAt}, now)
			if err != nil {
				return err
			}
			batch = append(batch, e)
			opts := &river.InsertOpts{}
			if a.FireAt.After(now) {
				opts.ScheduledAt = a.FireAt
			}
			inserts = append(inserts, jobInsert{
				args: TimerJobArgs{InstanceID: args.InstanceID, TaskID: action.Seq, FireAt: a.FireAt},
				opts: opts,
			})

		case task.ActionCallSubOrchestrator, task.ActionCallSubOrchestratorWithRetry:
			a := action.CallSubOrchestrator
			e, err := newDataEvent(args.InstanceID, lastSeq, history.EventSubOrchestrationCreated, a.Name, action.Seq, history.SubOrchestrationCreatedData{
				InstanceID: a.InstanceID,
				Input:      a.Input,
			}, now)
			if err != nil {
				return err
			}
			batch = append(batch, e)
			// The child starts in the same transaction; its completion
			// wakes this instance through the recorded parent linkage.
			if err := w.runner.startInstanceTx(ctx, tx, a.InstanceID, a.Name, a.Input, args.InstanceID, action.Seq, 0); err != nil {
				return fmt.Errorf("start sub-orchestration %s: %w", a.InstanceID, err)
			}

		case task.ActionWaitForExternalEvent:
			a := action.WaitForExternalEvent
			e, err := newDataEvent(args.InstanceID, lastSeq, history.EventExternalEventSubscribed, a.EventName, action.Seq, history.ExternalEventSubscribedData{EventName: a.EventName}, now)
			if err != nil {
				return err
			}
			batch = append(batch, e)

		case task.ActionCallEntity:
			a := action.CallEntity
			e, err := newDataEvent(args.InstanceID, lastSeq, history.EventEntityOperationCalled, a.Entity.String(), action.Seq, history.EntityOperationCalledData{
				EntityName: a.Entity.Name,
				EntityKey:  a.Entity.Key,
				Operation:  a.Operation,
				Input:      a.Input,
			}, now)
			if err != nil {
				return err
			}
			batch = append(batch, e)
			inserts = append(inserts, jobInsert{args: EntityJobArgs{
				InstanceID: args.InstanceID,
				TaskID:     action.Seq,
				EntityName: a.Entity.Name,
				EntityKey:  a.Entity.Key,
				Operation:  a.Operation,
				Input:      a.Input,
			}})

		case task.ActionCallHTTP:
			a := action.CallHTTP
			e, err := newDataEvent(args.InstanceID, lastSeq, history.EventHTTPCalled, a.Request.URL, action.Seq, history.HTTPCalledData{
				Method:                     a.Request.Method,
				URL:                        a.Request.URL,
				Headers:                    a.Request.Headers,
				Body:                       a.Request.Body,
				AsynchronousPatternEnabled: a.Request.AsynchronousPatternEnabled,
			}, now)
			if err != nil {
				return err
			}
			batch = append(batch, e)
			inserts = append(inserts, jobInsert{args: HTTPJobArgs{
				InstanceID: args.InstanceID,
				TaskID:     action.Seq,
				Method:     a.Request.Method,
				URL:        a.Request.URL,
				Headers:    a.Request.Headers,
				Body:       a.Request.Body,
			}})

		default:
			return fmt.Errorf("unhandled action type %q", action.Type)
		}
	}

	switch result.Status {
	case task.StatusCompleted:
		lastSeq++
		e, err := newDataEvent(args.InstanceID, lastSeq, history.EventExecutionCompleted, "", 0, history.ExecutionCompletedData{Output: result.Output}, now)
		if err != nil {
			return err
		}
		batch = append(batch, e)

	case task.StatusFailed:
		lastSeq++
		e, err := newDataEvent(args.InstanceID, lastSeq, history.EventExecutionFailed, "", 0, history.ExecutionFailedData{Failure: *result.Failure}, now)
		if err != nil {
			return err
		}
		batch = append(batch, e)
	}

	if err := r.appendEventsTx(ctx, tx, batch); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	for _, ins := range inserts {
		if _, err := r.client.InsertTx(ctx, tx, ins.args, ins.opts); err != nil {
			return fmt.Errorf("insert %s job: %w", ins.args.Kind(), err)
		}
	}

	switch result.Status {
	case task.StatusCompleted:
		r.logger.Info("orchestration completed", "instanceID", args.InstanceID)
		if err := w.notifyParent(ctx, tx, events, history.EventSubOrchestrationCompleted, history.SubOrchestrationCompletedData{Output: result.Output}); err != nil {
			return err
		}

	case task.StatusFailed:
		r.logger.Info("orchestration failed", "instanceID", args.InstanceID, "error", result.Failure.ErrorMessage)
		if err := w.notifyParent(ctx, tx, events, history.EventSubOrchestrationFailed, history.SubOrchestrationFailedData{Failure: *result.Failure}); err != nil {
			return err
		}

	case task.StatusTerminated:
		r.logger.Info("orchestration terminated", "instanceID", args.InstanceID)
		if err := w.notifyParent(ctx, tx, events, history.EventSubOrchestrationFailed, history.SubOrchestrationFailedData{
			Failure: history.FailureDetails{
				ErrorType:    "OrchestrationTerminated",
				ErrorMessage: "orchestration was terminated",
				NonRetryable: true,
			},
		}); err != nil {
			return err
		}

	case task.StatusRunning:
		r.logger.Debug("orchestration suspended",
			"instanceID", args.InstanceID,
			"newActions", len(result.Actions),
		)
	}

	return tx.Commit(ctx)
}

// finishInstance appends a terminal marker and notifies the parent, if
// any. Used for failures decided by the host rather than the orchestrator.
func (w *orchestrationWorker) finishInstance(ctx context.Context, tx pgx.Tx, events []history.Event, terminal history.EventType, payload any) error {
	instanceID := events[0].InstanceID
	lastSeq := events[len(events)-1].Sequence

	e, err := newDataEvent(instanceID, lastSeq+1, terminal, "", 0, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := w.runner.appendEventsTx(ctx, tx, []history.Event{e}); err != nil {
		return fmt.Errorf("append terminal event: %w", err)
	}

	if failed, ok := payload.(history.ExecutionFailedData); ok {
		return w.notifyParent(ctx, tx, events, history.EventSubOrchestrationFailed, history.SubOrchestrationFailedData{Failure: failed.Failure})
	}
	return nil
}

// notifyParent wakes the parent orchestration with a sub-orchestration
// outcome event, when the instance's execution.started records a parent.
func (w *orchestrationWorker) notifyParent(ctx context.Context, tx pgx.Tx, events []history.Event, outcome history.EventType, payload any) error {
	parentID, parentTaskID := parentLinkage(events)
	if parentID == "" {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s data: %w", outcome, err)
	}

	err = w.runner.wakeInstanceTx(ctx, tx, parentID, wakeEvent{
		eventType: outcome,
		taskID:    parentTaskID,
		data:      data,
	})
	if errors.Is(err, ErrInstanceNotFound) {
		// Parent was purged or continued as new; nothing to deliver to.
		w.runner.logger.Debug("parent instance gone", "parentID", parentID)
		return nil
	}
	return err
}

// continueAsNew restarts the instance: the old history is purged and a
// fresh execution.started is written with the new input, preserving the
// orchestrator name and parent linkage.
func (w *orchestrationWorker) continueAsNew(ctx context.Context, tx pgx.Tx, instanceID string, events []history.Event, result *task.ExecutionResult) error {
	r := w.runner

	name := ""
	var parentID string
	var parentTaskID int64
	for _, e := range events {
		if e.Type == history.EventExecutionStarted {
			var data history.ExecutionStartedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				name = data.OrchestratorName
				parentID = data.ParentInstanceID
				parentTaskID = data.ParentTaskID
			}
			break
		}
	}
	if name == "" {
		return fmt.Errorf("instance %s has no execution.started event", instanceID)
	}

	if txStore, ok := r.store.(TxStore); ok {
		if err := txStore.PurgeTx(ctx, tx, instanceID); err != nil {
			return fmt.Errorf("purge instance: %w", err)
		}
	} else {
		if err := r.store.Purge(ctx, instanceID); err != nil {
			return fmt.Errorf("purge instance: %w", err)
		}
	}

	if err := r.startInstanceTx(ctx, tx, instanceID, name, result.NewInput, parentID, parentTaskID, 0); err != nil {
		return fmt.Errorf("restart instance: %w", err)
	}

	r.logger.Info("orchestration continued as new", "instanceID", instanceID)
	return tx.Commit(ctx)
}

// statusChanged reports whether the custom status differs from the last
// recorded customstatus.set event.
func statusChanged(events []history.Event, current json.RawMessage) bool {
	var last json.RawMessage
	for _, e := range events {
		if e.Type == history.EventCustomStatusSet {
			var data history.CustomStatusSetData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				last = data.Status
			}
		}
	}
	return !bytes.Equal(last, current)
}

// parentLinkage extracts the parent instance recorded at execution start.
func parentLinkage(events []history.Event) (string, int64) {
	for _, e := range events {
		if e.Type == history.EventExecutionStarted {
			var data history.ExecutionStartedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				return data.ParentInstanceID, data.ParentTaskID
			}
			return "", 0
		}
	}
	return "", 0
}

// activityWorker runs activity functions and records their outcomes.
type activityWorker struct {
	river.WorkerDefaults[ActivityJobArgs]
	runner *runner
}

// Work executes one activity invocation. Application errors are recorded
// as task.failed events; only infrastructure errors are returned for job
// retry.
func (w *activityWorker) Work(ctx context.Context, job *river.Job[ActivityJobArgs]) error {
	args := job.Args
	r := w.runner

	r.logger.Debug("executing activity",
		"instanceID", args.InstanceID,
		"activity", args.Name,
		"taskID", args.TaskID,
		"attempt", args.Attempt,
	)

	output, appErr := r.executor.ExecuteActivity(ctx, args.InstanceID, args.Name, args.Input)

	var outcome wakeEvent
	if appErr != nil {
		data, err := json.Marshal(history.TaskFailedData{Failure: task.FailureFromError(appErr)})
		if err != nil {
			return fmt.Errorf("marshal task failure: %w", err)
		}
		outcome = wakeEvent{eventType: history.EventTaskFailed, name: args.Name, taskID: args.TaskID, data: data}
	} else {
		data, err := json.Marshal(history.TaskCompletedData{Result: output})
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}
		outcome = wakeEvent{eventType: history.EventTaskCompleted, name: args.Name, taskID: args.TaskID, data: data}
	}

	return w.runner.deliverOutcome(ctx, args.InstanceID, outcome)
}

// timerWorker fires durable timers.
type timerWorker struct {
	river.WorkerDefaults[TimerJobArgs]
	runner *runner
}

// Work records a timer.fired event and wakes the instance. Canceled
// timers still fire; the replay engine consumes their events silently.
func (w *timerWorker) Work(ctx context.Context, job *river.Job[TimerJobArgs]) error {
	args := job.Args

	w.runner.logger.Debug("timer fired",
		"instanceID", args.InstanceID,
		"taskID", args.TaskID,
	)

	data, err := json.Marshal(history.TimerFiredData{FireAt: args.FireAt})
	if err != nil {
		return fmt.Errorf("marshal timer data: %w", err)
	}

	return w.runner.deliverOutcome(ctx, args.InstanceID, wakeEvent{
		eventType: history.EventTimerFired,
		name:      "timer",
		taskID:    args.TaskID,
		data:      data,
	})
}

// entityWorker executes entity operations against event-sourced entity
// state streams.
type entityWorker struct {
	river.WorkerDefaults[EntityJobArgs]
	runner *runner
}

// Work loads the entity's state, runs the operation, persists the new
// state to the entity's stream, and records the result on the caller.
func (w *entityWorker) Work(ctx context.Context, job *river.Job[EntityJobArgs]) error {
	args := job.Args
	r := w.runner

	entityID := task.EntityID{Name: args.EntityName, Key: args.EntityKey}
	streamID := entityID.String()

	r.logger.Debug("executing entity operation",
		"entity", streamID,
		"operation", args.Operation,
		"caller", args.InstanceID,
	)

	// Entity streams hold entity.state snapshots; the latest one is the
	// current state.
	streamEvents, err := r.store.Load(ctx, streamID)
	if err != nil {
		return fmt.Errorf("load entity stream: %w", err)
	}
	var state json.RawMessage
	for _, e := range streamEvents {
		if e.Type == history.EventEntityState {
			var data history.EntityStateData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				state = data.State
			}
		}
	}

	result, appErr := r.executor.ExecuteEntity(ctx, task.EntityOperation{
		Entity: entityID,
		Name:   args.Operation,
		Input:  args.Input,
		State:  state,
	})

	if appErr != nil {
		data, err := json.Marshal(history.TaskFailedData{Failure: task.FailureFromError(appErr)})
		if err != nil {
			return fmt.Errorf("marshal entity failure: %w", err)
		}
		return r.deliverOutcome(ctx, args.InstanceID, wakeEvent{
			eventType: history.EventTaskFailed,
			name:      streamID,
			taskID:    args.TaskID,
			data:      data,
		})
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lastSeq, err := r.lastSequenceTx(ctx, tx, streamID)
	if err != nil {
		return err
	}
	stateEvent, err := newDataEvent(streamID, lastSeq+1, history.EventEntityState, args.Operation, 0, history.EntityStateData{State: result.State}, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := r.appendEventsTx(ctx, tx, []history.Event{stateEvent}); err != nil {
		return fmt.Errorf("append entity state: %w", err)
	}

	data, err := json.Marshal(history.TaskCompletedData{Result: result.Result})
	if err != nil {
		return fmt.Errorf("marshal entity result: %w", err)
	}
	if err := r.wakeInstanceTx(ctx, tx, args.InstanceID, wakeEvent{
		eventType: history.EventTaskCompleted,
		name:      streamID,
		taskID:    args.TaskID,
		data:      data,
	}); err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			r.logger.Debug("caller instance gone", "instanceID", args.InstanceID)
			return tx.Commit(ctx)
		}
		return err
	}

	return tx.Commit(ctx)
}

// httpWorker performs durable HTTP calls.
type httpWorker struct {
	river.WorkerDefaults[HTTPJobArgs]
	runner *runner
}

// Work performs the HTTP request and records the response as the task's
// result. Transport errors are recorded as task failures; the retry and
// polling behavior lives inside the deterministic model.
func (w *httpWorker) Work(ctx context.Context, job *river.Job[HTTPJobArgs]) error {
	args := job.Args
	r := w.runner

	r.logger.Debug("executing durable HTTP call",
		"instanceID", args.InstanceID,
		"method", args.Method,
		"url", args.URL,
	)

	resp, callErr := w.perform(ctx, args)

	var outcome wakeEvent
	if callErr != nil {
		data, err := json.Marshal(history.TaskFailedData{Failure: task.FailureFromError(callErr)})
		if err != nil {
			return fmt.Errorf("marshal http failure: %w", err)
		}
		outcome = wakeEvent{eventType: history.EventTaskFailed, name: args.URL, taskID: args.TaskID, data: data}
	} else {
		result, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("marshal http response: %w", err)
		}
		data, err := json.Marshal(history.TaskCompletedData{Result: result})
		if err != nil {
			return fmt.Errorf("marshal http result: %w", err)
		}
		outcome = wakeEvent{eventType: history.EventTaskCompleted, name: args.URL, taskID: args.TaskID, data: data}
	}

	return r.deliverOutcome(ctx, args.InstanceID, outcome)
}

func (w *httpWorker) perform(ctx context.Context, args HTTPJobArgs) (*task.HTTPResponse, error) {
	method := args.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(args.Body) > 0 {
		body = bytes.NewReader(args.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, args.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.runner.config.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	raw := json.RawMessage(respBody)
	if len(respBody) > 0 && !json.Valid(respBody) {
		// Non-JSON bodies are recorded as JSON strings.
		raw, err = json.Marshal(string(respBody))
		if err != nil {
			return nil, err
		}
	}

	return &task.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       raw,
	}, nil
}

// scheduledStartWorker starts orchestrations at their scheduled time.
type scheduledStartWorker struct {
	river.WorkerDefaults[ScheduledStartJobArgs]
	runner *runner
}

// Work starts the orchestration. Idempotent when the instance already has
// history, so job retries cannot double-start.
func (w *scheduledStartWorker) Work(ctx context.Context, job *river.Job[ScheduledStartJobArgs]) error {
	args := job.Args
	r := w.runner

	instanceID := args.InstanceID
	if instanceID == "" {
		instanceID = job.Args.Name + "-" + job.CreatedAt.UTC().Format("20060102T150405")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = r.startInstanceTx(ctx, tx, instanceID, args.Name, args.Input, "", 0, args.Priority)
	if errors.Is(err, ErrInstanceAlreadyExists) {
		r.logger.Debug("scheduled instance already started", "instanceID", instanceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("start orchestration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("scheduled orchestration started", "instanceID", instanceID, "name", args.Name)
	return nil
}

// deliverOutcome wakes an instance with one outcome event in its own
// transaction. Outcomes for purged instances are dropped.
func (r *runner) deliverOutcome(ctx context.Context, instanceID string, outcome wakeEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.wakeInstanceTx(ctx, tx, instanceID, outcome); err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			r.logger.Debug("instance gone, dropping outcome", "instanceID", instanceID, "type", string(outcome.eventType))
			return nil
		}
		return err
	}

	return tx.Commit(ctx)
}
