// Package runner executes orchestrations durably on top of a PostgreSQL
// history store and the River job queue. Every invocation, activity,
// timer, entity operation, and HTTP call is a job; history writes commit
// atomically with the job inserts that depend on them.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"golang.org/x/sync/errgroup"

	"github.com/ingalless/durabletask/history"
	"github.com/ingalless/durabletask/status"
	"github.com/ingalless/durabletask/task"
)

// Common errors returned by the Runner.
var (
	// ErrRunnerNotStarted indicates an operation was attempted before Start.
	ErrRunnerNotStarted = errors.New("runner not started")

	// ErrRunnerAlreadyStarted indicates Start was called twice.
	ErrRunnerAlreadyStarted = errors.New("runner already started")

	// ErrInstanceNotFound indicates the requested instance doesn't exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceAlreadyExists indicates a schedule request reused an
	// instance ID that already has history.
	ErrInstanceAlreadyExists = errors.New("instance already exists")

	// ErrInvalidInstanceStatus indicates the operation is invalid for the
	// instance's current status.
	ErrInvalidInstanceStatus = errors.New("invalid instance status for operation")
)

// Runner manages orchestration execution with the River job queue. It
// implements the complete lifecycle, integrating the replay engine with
// durable job scheduling.
type Runner interface {
	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Orchestration operations
	ScheduleNewOrchestration(ctx context.Context, name string, input json.RawMessage, opts StartOptions) (string, error)
	ScheduleNewOrchestrationTx(ctx context.Context, tx pgx.Tx, name string, input json.RawMessage, opts StartOptions) (string, error)
	RaiseEvent(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error
	Terminate(ctx context.Context, instanceID, reason string) error
	PurgeInstance(ctx context.Context, instanceID string) error

	// Queries
	GetStatus(ctx context.Context, instanceID string) (status.InstanceStatus, error)
	GetHistory(ctx context.Context, instanceID string) ([]history.Event, error)
	ListInstances(ctx context.Context, filter status.InstanceFilter) ([]status.InstanceStatus, error)
	CountInstances(ctx context.Context, filter status.InstanceFilter) (int64, error)
	WaitForCompletion(ctx context.Context, instanceID string, pollInterval time.Duration) (status.InstanceStatus, error)
}

// StartOptions configures orchestration start behavior.
type StartOptions struct {
	// InstanceID is an optional custom instance ID. If empty, a UUID is
	// generated.
	InstanceID string

	// Priority is the job priority (lower values = higher priority).
	Priority int

	// StartAt delays the orchestration start until the given time. Zero
	// starts immediately.
	StartAt time.Time
}

// runner is the concrete implementation of Runner.
type runner struct {
	pool     *pgxpool.Pool
	store    history.Store
	registry *task.Registry
	logger   Logger
	config   Config
	executor *task.Executor

	client  *river.Client[pgx.Tx]
	started bool
	mu      sync.RWMutex
}

// NewRunner creates a new Runner with the given configuration.
// Returns an error if required configuration is missing.
func NewRunner(config Config) (*runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()

	return &runner{
		pool:     cfg.Pool,
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		config:   cfg,
		executor: task.NewExecutor(task.ExecutorConfig{
			Registry: cfg.Registry,
			Logger:   executorLoggerAdapter{cfg.Logger},
		}),
	}, nil
}

// Start initializes the River client and starts workers.
// Must be called before any orchestration operations.
func (r *runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerAlreadyStarted
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &orchestrationWorker{runner: r})
	river.AddWorker(workers, &activityWorker{runner: r})
	river.AddWorker(workers, &timerWorker{runner: r})
	river.AddWorker(workers, &entityWorker{runner: r})
	river.AddWorker(workers, &httpWorker{runner: r})
	river.AddWorker(workers, &scheduledStartWorker{runner: r})

	client, err := river.NewClient(riverpgxv5.New(r.pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: r.config.Workers},
		},
		Workers:      workers,
		JobTimeout:   r.config.JobTimeout,
		ErrorHandler: &errorHandler{logger: r.logger},
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}

	r.client = client

	if err := r.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}

	r.started = true
	r.logger.Info("runner started", "workers", r.config.Workers)

	return nil
}

// Stop gracefully shuts down the runner.
// Waits for in-flight jobs up to ShutdownTimeout.
func (r *runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
	defer cancel()

	if err := r.client.Stop(shutdownCtx); err != nil {
		r.logger.Warn("river client stop error", "error", err)
	}

	r.started = false
	r.logger.Info("runner stopped")

	return nil
}

func (r *runner) isStarted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// ScheduleNewOrchestration starts a new orchestration instance and returns
// its instance ID.
func (r *runner) ScheduleNewOrchestration(ctx context.Context, name string, input json.RawMessage, opts StartOptions) (string, error) {
	if !r.isStarted() {
		return "", ErrRunnerNotStarted
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	instanceID, err := r.ScheduleNewOrchestrationTx(ctx, tx, name, input, opts)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	return instanceID, nil
}

// ScheduleNewOrchestrationTx starts an orchestration within an existing
// transaction. This allows atomic starts alongside the caller's own writes.
func (r *runner) ScheduleNewOrchestrationTx(ctx context.Context, tx pgx.Tx, name string, input json.RawMessage, opts StartOptions) (string, error) {
	if !r.isStarted() {
		return "", ErrRunnerNotStarted
	}

	if _, ok := r.registry.GetOrchestrator(name); !ok {
		return "", fmt.Errorf("orchestrator %q is not registered", name)
	}

	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	if !opts.StartAt.IsZero() {
		// Defer the start itself: the history stays empty until the
		// scheduled job fires.
		_, err := r.client.InsertTx(ctx, tx, ScheduledStartJobArgs{
			Name:       name,
			Input:      input,
			InstanceID: instanceID,
			Priority:   opts.Priority,
		}, &river.InsertOpts{ScheduledAt: opts.StartAt})
		if err != nil {
			return "", fmt.Errorf("insert scheduled start job: %w", err)
		}
		r.logger.Info("orchestration start scheduled", "instanceID", instanceID, "name", name, "startAt", opts.StartAt)
		return instanceID, nil
	}

	if err := r.startInstanceTx(ctx, tx, instanceID, name, input, "", 0, opts.Priority); err != nil {
		return "", err
	}

	r.logger.Info("orchestration scheduled", "instanceID", instanceID, "name", name)
	return instanceID, nil
}

// startInstanceTx writes the initial history for an instance and inserts
// its first invocation job.
func (r *runner) startInstanceTx(ctx context.Context, tx pgx.Tx, instanceID, name string, input json.RawMessage, parentInstanceID string, parentTaskID int64, priority int) error {
	lastSeq, err := r.lastSequenceTx(ctx, tx, instanceID)
	if err != nil {
		return err
	}
	if lastSeq != 0 {
		return fmt.Errorf("%w: %s", ErrInstanceAlreadyExists, instanceID)
	}

	now := time.Now().UTC()
	startedEvent := newEvent(instanceID, 1, history.EventOrchestratorStarted, "", 0, nil, now)
	execEvent, err := newDataEvent(instanceID, 2, history.EventExecutionStarted, name, 0, history.ExecutionStartedData{
		OrchestratorName: name,
		Input:            input,
		ParentInstanceID: parentInstanceID,
		ParentTaskID:     parentTaskID,
	}, now)
	if err != nil {
		return err
	}

	if err := r.appendEventsTx(ctx, tx, []history.Event{startedEvent, execEvent}); err != nil {
		return fmt.Errorf("append start events: %w", err)
	}

	insertOpts := &river.InsertOpts{MaxAttempts: 3}
	if priority > 0 {
		insertOpts.Priority = priority
	}
	_, err = r.client.InsertTx(ctx, tx, OrchestrationJobArgs{
		InstanceID:    instanceID,
		AfterSequence: 0,
	}, insertOpts)
	if err != nil {
		return fmt.Errorf("insert orchestration job: %w", err)
	}
	return nil
}

// RaiseEvent delivers an external event to an instance. The event is
// appended to history whether or not the instance is currently waiting for
// it; undelivered events are buffered by the replay engine.
func (r *runner) RaiseEvent(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error {
	if !r.isStarted() {
		return ErrRunnerNotStarted
	}

	st, err := r.GetStatus(ctx, instanceID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidInstanceStatus, instanceID, st.Status)
	}

	data, err := json.Marshal(history.ExternalRaisedData{Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal raised event data: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.wakeInstanceTx(ctx, tx, instanceID, wakeEvent{
		eventType: history.EventExternalRaised,
		name:      eventName,
		data:      data,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("event raised", "instanceID", instanceID, "event", eventName)
	return nil
}

// Terminate forcibly ends a running instance. Idempotent for instances
// that are already terminal.
func (r *runner) Terminate(ctx context.Context, instanceID, reason string) error {
	if !r.isStarted() {
		return ErrRunnerNotStarted
	}

	st, err := r.GetStatus(ctx, instanceID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return nil
	}

	data, err := json.Marshal(history.ExecutionTerminatedData{Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal terminated data: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.wakeInstanceTx(ctx, tx, instanceID, wakeEvent{
		eventType: history.EventExecutionTerminated,
		data:      data,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("orchestration terminated", "instanceID", instanceID, "reason", reason)
	return nil
}

// PurgeInstance removes all history for a terminal instance.
func (r *runner) PurgeInstance(ctx context.Context, instanceID string) error {
	st, err := r.GetStatus(ctx, instanceID)
	if err != nil {
		return err
	}
	if !st.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidInstanceStatus, instanceID, st.Status)
	}
	return r.store.Purge(ctx, instanceID)
}

// GetStatus projects the instance's current status from its history.
func (r *runner) GetStatus(ctx context.Context, instanceID string) (status.InstanceStatus, error) {
	events, err := r.store.Load(ctx, instanceID)
	if err != nil {
		return status.InstanceStatus{}, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return status.InstanceStatus{}, ErrInstanceNotFound
	}
	return status.Instance(instanceID, events), nil
}

// GetHistory returns all events for an instance.
func (r *runner) GetHistory(ctx context.Context, instanceID string) ([]history.Event, error) {
	events, err := r.store.Load(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrInstanceNotFound
	}
	return events, nil
}

// ListInstances projects the status of every known instance matching the
// filter. Requires a store implementing history.InstanceLister. Histories
// are loaded and projected concurrently.
func (r *runner) ListInstances(ctx context.Context, filter status.InstanceFilter) ([]status.InstanceStatus, error) {
	lister, ok := r.store.(history.InstanceLister)
	if !ok {
		return nil, errors.New("runner: store does not support listing instances")
	}

	ids, err := lister.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	statuses := make([]status.InstanceStatus, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			events, err := r.store.Load(gctx, id)
			if err != nil {
				return fmt.Errorf("load %s: %w", id, err)
			}
			statuses[i] = status.Instance(id, events)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var result []status.InstanceStatus
	for _, st := range statuses {
		if filter.Name != "" && st.Name != filter.Name {
			continue
		}
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		if filter.RootOnly && st.ParentInstanceID != "" {
			continue
		}
		result = append(result, st)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CountInstances returns the number of instances matching the filter,
// ignoring Limit and Offset. Stores implementing status.InstanceCounter
// count in SQL; otherwise every matching history is projected and counted.
func (r *runner) CountInstances(ctx context.Context, filter status.InstanceFilter) (int64, error) {
	if counter, ok := r.store.(status.InstanceCounter); ok {
		return counter.CountInstances(ctx, filter)
	}

	filter.Limit = 0
	filter.Offset = 0
	statuses, err := r.ListInstances(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(statuses)), nil
}

// WaitForCompletion polls until the instance reaches a terminal status, the
// context is canceled, or the instance disappears.
func (r *runner) WaitForCompletion(ctx context.Context, instanceID string, pollInterval time.Duration) (status.InstanceStatus, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		st, err := r.GetStatus(ctx, instanceID)
		if err != nil && !errors.Is(err, ErrInstanceNotFound) {
			return status.InstanceStatus{}, err
		}
		if err == nil && st.Status.IsTerminal() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return status.InstanceStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// wakeEvent describes one event to deliver when waking an instance.
type wakeEvent struct {
	eventType history.EventType
	name      string
	taskID    int64
	data      json.RawMessage
}

// wakeInstanceTx appends an invocation-boundary marker plus the given
// events, and inserts the orchestration job that will consume them. All
// within one transaction so the instance can never observe the events
// without a pending invocation.
func (r *runner) wakeInstanceTx(ctx context.Context, tx pgx.Tx, instanceID string, events ...wakeEvent) error {
	lastSeq, err := r.lastSequenceTx(ctx, tx, instanceID)
	if err != nil {
		return err
	}
	if lastSeq == 0 {
		return ErrInstanceNotFound
	}

	now := time.Now().UTC()
	batch := make([]history.Event, 0, len(events)+1)
	seq := lastSeq
	seq++
	batch = append(batch, newEvent(instanceID, seq, history.EventOrchestratorStarted, "", 0, nil, now))
	for _, we := range events {
		seq++
		batch = append(batch, newEvent(instanceID, seq, we.eventType, we.name, we.taskID, we.data, now))
	}

	if err := r.appendEventsTx(ctx, tx, batch); err != nil {
		return fmt.Errorf("append wake events: %w", err)
	}

	_, err = r.client.InsertTx(ctx, tx, OrchestrationJobArgs{
		InstanceID:    instanceID,
		AfterSequence: lastSeq,
	}, nil)
	if err != nil {
		return fmt.Errorf("insert orchestration job: %w", err)
	}
	return nil
}

// appendEventsTx appends events through the store's transactional path
// when available.
func (r *runner) appendEventsTx(ctx context.Context, tx pgx.Tx, events []history.Event) error {
	if txStore, ok := r.store.(TxStore); ok {
		return txStore.AppendBatchTx(ctx, tx, events)
	}
	return r.store.AppendBatch(ctx, events)
}

// loadEventsTx loads events through the store's transactional path when
// available.
func (r *runner) loadEventsTx(ctx context.Context, tx pgx.Tx, instanceID string) ([]history.Event, error) {
	if txStore, ok := r.store.(TxStore); ok {
		return txStore.LoadTx(ctx, tx, instanceID)
	}
	return r.store.Load(ctx, instanceID)
}

// lastSequenceTx reads the last sequence through the store's transactional
// path when available.
func (r *runner) lastSequenceTx(ctx context.Context, tx pgx.Tx, instanceID string) (int64, error) {
	if txStore, ok := r.store.(TxStore); ok {
		return txStore.GetLastSequenceTx(ctx, tx, instanceID)
	}
	return r.store.GetLastSequence(ctx, instanceID)
}

// newEvent builds a history event with a fresh ID.
func newEvent(instanceID string, seq int64, t history.EventType, name string, taskID int64, data json.RawMessage, ts time.Time) history.Event {
	return history.Event{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Sequence:   seq,
		Version:    1,
		Type:       t,
		Name:       name,
		TaskID:     taskID,
		Data:       data,
		Timestamp:  ts,
	}
}

// newDataEvent builds a history event with a marshaled payload.
func newDataEvent(instanceID string, seq int64, t history.EventType, name string, taskID int64, payload any, ts time.Time) (history.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return history.Event{}, fmt.Errorf("marshal %s data: %w", t, err)
	}
	return newEvent(instanceID, seq, t, name, taskID, data, ts), nil
}

// executorLoggerAdapter adapts the runner Logger to task.Logger.
type executorLoggerAdapter struct {
	logger Logger
}

func (a executorLoggerAdapter) Debug(msg string, keysAndValues ...any) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a executorLoggerAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Info(msg, keysAndValues...)
}

func (a executorLoggerAdapter) Error(msg string, keysAndValues ...any) {
	a.logger.Error(msg, keysAndValues...)
}

// errorHandler handles River job errors.
type errorHandler struct {
	logger Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.Error("job error", "job_kind", job.Kind, "error", err)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.Error("job panic", "job_kind", job.Kind, "panic", panicVal, "trace", trace)
	return nil
}
