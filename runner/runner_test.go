//go:build integration

package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ingalless/durabletask/history"
	"github.com/ingalless/durabletask/history/pgstore"
	"github.com/ingalless/durabletask/retry"
	"github.com/ingalless/durabletask/runner"
	"github.com/ingalless/durabletask/status"
	"github.com/ingalless/durabletask/task"
)

// testLogger implements runner.Logger for tests.
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Logf("DEBUG: %s %v", msg, keysAndValues)
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Logf("INFO: %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Logf("WARN: %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Logf("ERROR: %s %v", msg, keysAndValues)
}

// setupTestDB creates a PostgreSQL container, applies the River and history
// migrations, and returns a connection pool.
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("durable_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to create pool: %v", err)
	}

	if err := runner.Migrate(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}

	return pool, cleanup
}

// startTestRunner builds and starts a Runner backed by the given pool.
func startTestRunner(t *testing.T, pool *pgxpool.Pool, register func(*task.Registry)) runner.Runner {
	t.Helper()

	registry := task.NewRegistry()
	register(registry)

	r, err := runner.NewRunner(runner.Config{
		Pool:     pool,
		Store:    pgstore.New(pool),
		Registry: registry,
		Logger:   &testLogger{t: t},
		Workers:  4,
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { r.Stop(ctx) })

	return r
}

func waitForStatus(t *testing.T, r runner.Runner, instanceID string) status.InstanceStatus {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := r.WaitForCompletion(ctx, instanceID, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForCompletion() error = %v", err)
	}
	return st
}

func mustRegisterOrchestrator(t *testing.T, registry *task.Registry, name string, fn task.Orchestrator) {
	t.Helper()
	if err := registry.AddOrchestrator(name, fn); err != nil {
		t.Fatalf("AddOrchestrator(%q) error = %v", name, err)
	}
}

func mustRegisterActivity(t *testing.T, registry *task.Registry, name string, fn task.Activity) {
	t.Helper()
	if err := registry.AddActivity(name, fn); err != nil {
		t.Fatalf("AddActivity(%q) error = %v", name, err)
	}
}

func TestRunner_Lifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r, err := runner.NewRunner(runner.Config{
		Pool:     pool,
		Store:    pgstore.New(pool),
		Registry: task.NewRegistry(),
		Logger:   &testLogger{t: t},
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	ctx := context.Background()

	// Operations before Start fail fast.
	if _, err := r.ScheduleNewOrchestration(ctx, "any", nil, runner.StartOptions{}); !errors.Is(err, runner.ErrRunnerNotStarted) {
		t.Errorf("ScheduleNewOrchestration() before start error = %v, want ErrRunnerNotStarted", err)
	}

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start(ctx); !errors.Is(err, runner.ErrRunnerAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrRunnerAlreadyStarted", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestRunner_OrchestrationCompletion(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := startTestRunner(t, pool, func(registry *task.Registry) {
		mustRegisterActivity(t, registry, "upper", func(ctx task.ActivityContext) (any, error) {
			var s string
			if err := ctx.GetInput(&s); err != nil {
				return nil, err
			}
			return strings.ToUpper(s), nil
		})
		mustRegisterOrchestrator(t, registry, "greet", func(octx *task.OrchestrationContext) (any, error) {
			var name string
			if err := octx.GetInput(&name); err != nil {
				return nil, err
			}
			var out string
			if err := octx.CallActivity("upper", name).Await(&out); err != nil {
				return nil, err
			}
			return "Hello, " + out, nil
		})
	})

	ctx := context.Background()
	instanceID, err := r.ScheduleNewOrchestration(ctx, "greet", json.RawMessage(`"world"`), runner.StartOptions{})
	if err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	st := waitForStatus(t, r, instanceID)
	if st.Status != status.RuntimeCompleted {
		t.Fatalf("Status = %s, want completed (failure: %+v)", st.Status, st.Failure)
	}
	if string(st.Output) != `"Hello, WORLD"` {
		t.Errorf("Output = %s, want %q", st.Output, `"Hello, WORLD"`)
	}

	events, err := r.GetHistory(ctx, instanceID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if events[0].Type != history.EventOrchestratorStarted {
		t.Errorf("first event = %s, want orchestrator.started", events[0].Type)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence != events[i-1].Sequence+1 {
			t.Errorf("sequence gap between %d and %d", events[i-1].Sequence, events[i].Sequence)
		}
	}
	if last := events[len(events)-1]; last.Type != history.EventExecutionCompleted {
		t.Errorf("last event = %s, want execution.completed", last.Type)
	}
}

func TestRunner_OrchestrationFailure(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := startTestRunner(t, pool, func(registry *task.Registry) {
		mustRegisterActivity(t, registry, "explode", func(ctx task.ActivityContext) (any, error) {
			return nil, errors.New("intentional failure")
		})
		mustRegisterOrchestrator(t, registry, "doomed", func(octx *task.OrchestrationContext) (any, error) {
			return nil, octx.CallActivity("explode", nil).Await(nil)
		})
	})

	ctx := context.Background()
	instanceID, err := r.ScheduleNewOrchestration(ctx, "doomed", nil, runner.StartOptions{})
	if err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	st := waitForStatus(t, r, instanceID)
	if st.Status != status.RuntimeFailed {
		t.Fatalf("Status = %s, want failed", st.Status)
	}
	if st.Failure == nil || st.Failure.ErrorMessage != "intentional failure" {
		t.Errorf("Failure = %+v, want intentional failure", st.Failure)
	}
}

func TestRunner_ActivityRetry(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	var calls atomic.Int64
	r := startTestRunner(t, pool, func(registry *task.Registry) {
		mustRegisterActivity(t, registry, "unstable", func(ctx task.ActivityContext) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient failure")
			}
			return "succeeded", nil
		})
		mustRegisterOrchestrator(t, registry, "flaky", func(octx *task.OrchestrationContext) (any, error) {
			policy := &retry.Policy{
				MaxAttempts:        3,
				InitialInterval:    100 * time.Millisecond,
				BackoffCoefficient: 1.0,
			}
			var out string
			if err := octx.CallActivityWithRetry("unstable", policy, nil).Await(&out); err != nil {
				return nil, err
			}
			return out, nil
		})
	})

	ctx := context.Background()
	instanceID, err := r.ScheduleNewOrchestration(ctx, "flaky", nil, runner.StartOptions{})
	if err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	st := waitForStatus(t, r, instanceID)
	if st.Status != status.RuntimeCompleted {
		t.Fatalf("Status = %s, want completed (failure: %+v)", st.Status, st.Failure)
	}
	if string(st.Output) != `"succeeded"` {
		t.Errorf("Output = %s, want %q", st.Output, `"succeeded"`)
	}

	// The failed attempt leaves its full trace: two scheduling events and
	// one backoff timer.
	events, err := r.GetHistory(ctx, instanceID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	var scheduled, timers int
	for _, e := range events {
		switch e.Type {
		case history.EventTaskScheduled:
			scheduled++
		case history.EventTimerCreated:
			timers++
		}
	}
	if scheduled != 2 || timers != 1 {
		t.Errorf("history has %d task.scheduled and %d timer.created, want 2 and 1", scheduled, timers)
	}
}

func TestRunner_Timer(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := startTestRunner(t, pool, func(registry *task.Registry) {
		mustRegisterOrchestrator(t, registry, "sleeper", func(octx *task.OrchestrationContext) (any, error) {
			before := octx.CurrentUTC
			if err := octx.CreateTimer(500 * time.Millisecond).Await(nil); err != nil {
				return nil, err
			}
			return octx.CurrentUTC.Sub(before).Milliseconds() >= 500, nil
		})
	})

	ctx := context.Background()
	instanceID, err := r.ScheduleNewOrchestration(ctx, "sleeper", nil, runner.StartOptions{})
	if err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	st := waitForStatus(t, r, instanceID)
	if st.Status != status.RuntimeCompleted {
		t.Fatalf("Status = %s, want completed (failure: %+v)", st.Status, st.Failure)
	}
	if string(st.Output) != "true" {
		t.Errorf("Output = %s, want true (timer advanced the orchestration clock)", st.Output)
	}
}

func TestRunner_ExternalEvent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := startTestRunner(t, pool, func(registry *task.Registry) {
		mustRegisterOrchestrator(t, registry, "approval", func(octx *task.OrchestrationContext) (any, error) {
			var decision string
			if err := octx.WaitForExternalEvent("decision", time.Minute).Await(&decision); err != nil {
				if errors.Is(err, task.ErrTaskCanceled) {
					return "timed out", nil
				}
				return nil, err
			}
			return decision, nil
		})
	})

	ctx := context.Background()
	instanceID, err := r.ScheduleNewOrchestration(ctx, "approval", nil, runner.StartOptions{})
	if err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	// Give the instance a moment to subscribe, then approve.
	time.Sleep(500 * time.Millisecond)
	if err := r.RaiseEvent(ctx, instanceID, "decision", json.RawMessage(`"approved"`)); err != nil {
		t.Fatalf("RaiseEvent() error = %v", err)
	}

	st := waitForStatus(t, r, instanceID)
	if st.Status != status.RuntimeCompleted {
		t.Fatalf("Status = %s, want completed (failure: %+v)", st.Status, st.Failure)
	}
	if string(st.Output) != `"approved"` {
		t.Errorf("Output = %s, want %q", st.Output, `"approved"`)
	}

	// Raising on a terminal instance is rejected.
	err = r.RaiseEvent(ctx, instanceID, "decision", nil)
	if !errors.Is(err, runner.ErrInvalidInstanceStatus) {
		t.Errorf("RaiseEvent() on terminal instance error = %v, want ErrInvalidInstanceStatus", err)
	}
}

func TestRunner_Terminate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := startTestRunner(t, pool, func(registry *task.Registry) {
		mustRegisterOrchestrator(t, registry, "waiting", func(octx *task.OrchestrationContext) (any, error) {
			return nil, octx.WaitForExternalEvent("never", -1).Await(nil)
		})
	})

	ctx := context.Background()
	instanceID, err := r.ScheduleNewOrchestration(ctx, "waiting", nil, runner.StartOptions{})
	if err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if err := r.Terminate(ctx, instanceID, "operator request"); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	st := waitForStatus(t, r, instanceID)
	if st.Status != status.RuntimeTerminated {
		t.Fatalf("Status = %s, want terminated", st.Status)
	}

	// Terminating again is a no-op.
	if err := r.Terminate(ctx, instanceID, "again"); err != nil {
		t.Errorf("second Terminate() error = %v", err)
	}

	// A terminal instance can be purged.
	if err := r.PurgeInstance(ctx, instanceID); err != nil {
		t.Errorf("PurgeInstance() error = %v", err)
	}
	if _, err := r.GetStatus(ctx, instanceID); !errors.Is(err, runner.ErrInstanceNotFound) {
		t.Errorf("GetStatus() after purge error = %v, want ErrInstanceNotFound", err)
	}
}

func TestRunner_SubOrchestration(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := startTestRunner(t, pool, func(registry *task.Registry) {
		mustRegisterActivity(t, registry, "double", func(ctx task.ActivityContext) (any, error) {
			var n int
			if err := ctx.GetInput(&n); err != nil {
				return nil, err
			}
			return n * 2, nil
		})
		mustRegisterOrchestrator(t, registry, "child", func(octx *task.OrchestrationContext) (any, error) {
			var n int
			if err := octx.GetInput(&n); err != nil {
				return nil, err
			}
			var out int
			if err := octx.CallActivity("double", n).Await(&out); err != nil {
				return nil, err
			}
			return out, nil
		})
		mustRegisterOrchestrator(t, registry, "parent", func(octx *task.OrchestrationContext) (any, error) {
			var out int
			if err := octx.CallSubOrchestrator("child", "", 21).Await(&out); err != nil {
				return nil, err
			}
			return out, nil
		})
	})

	ctx := context.Background()
	instanceID, err := r.ScheduleNewOrchestration(ctx, "parent", nil, runner.StartOptions{})
	if err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	st := waitForStatus(t, r, instanceID)
	if st.Status != status.RuntimeCompleted {
		t.Fatalf("Status = %s, want completed (failure: %+v)", st.Status, st.Failure)
	}
	if string(st.Output) != "42" {
		t.Errorf("Output = %s, want 42", st.Output)
	}

	// The child instance is linked back to the parent.
	list, err := r.ListInstances(ctx, status.InstanceFilter{Name: "child"})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListInstances(child) returned %d instances, want 1", len(list))
	}
	if list[0].ParentInstanceID != instanceID {
		t.Errorf("child.ParentInstanceID = %q, want %q", list[0].ParentInstanceID, instanceID)
	}

	// Counting goes through the store's SQL path and must agree with the
	// projection: parent and child exist, only the parent is a root.
	total, err := r.CountInstances(ctx, status.InstanceFilter{})
	if err != nil {
		t.Fatalf("CountInstances() error = %v", err)
	}
	if total != 2 {
		t.Errorf("CountInstances() = %d, want 2", total)
	}
	roots, err := r.CountInstances(ctx, status.InstanceFilter{RootOnly: true})
	if err != nil {
		t.Fatalf("CountInstances(root only) error = %v", err)
	}
	if roots != 1 {
		t.Errorf("CountInstances(root only) = %d, want 1", roots)
	}
}

func TestRunner_Entity(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := startTestRunner(t, pool, func(registry *task.Registry) {
		if err := registry.AddEntity("counter", func(ctx context.Context, op task.EntityOperation) (task.EntityResult, error) {
			var state int
			if len(op.State) > 0 {
				if err := json.Unmarshal(op.State, &state); err != nil {
					return task.EntityResult{}, err
				}
			}
			var delta int
			if len(op.Input) > 0 {
				if err := json.Unmarshal(op.Input, &delta); err != nil {
					return task.EntityResult{}, err
				}
			}
			state += delta
			raw, err := json.Marshal(state)
			if err != nil {
				return task.EntityResult{}, err
			}
			return task.EntityResult{State: raw, Result: raw}, nil
		}); err != nil {
			t.Fatalf("AddEntity() error = %v", err)
		}

		mustRegisterOrchestrator(t, registry, "tally", func(octx *task.OrchestrationContext) (any, error) {
			counter := task.EntityID{Name: "counter", Key: "main"}
			if err := octx.CallEntity(counter, "add", 3).Await(nil); err != nil {
				return nil, err
			}
			var total int
			if err := octx.CallEntity(counter, "add", 4).Await(&total); err != nil {
				return nil, err
			}
			return total, nil
		})
	})

	ctx := context.Background()
	instanceID, err := r.ScheduleNewOrchestration(ctx, "tally", nil, runner.StartOptions{})
	if err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	st := waitForStatus(t, r, instanceID)
	if st.Status != status.RuntimeCompleted {
		t.Fatalf("Status = %s, want completed (failure: %+v)", st.Status, st.Failure)
	}
	if string(st.Output) != "7" {
		t.Errorf("Output = %s, want 7 (entity state persisted between calls)", st.Output)
	}
}

func TestRunner_ContinueAsNew(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := startTestRunner(t, pool, func(registry *task.Registry) {
		mustRegisterOrchestrator(t, registry, "loop", func(octx *task.OrchestrationContext) (any, error) {
			var n int
			if err := octx.GetInput(&n); err != nil {
				return nil, err
			}
			if n < 2 {
				return nil, octx.ContinueAsNew(n + 1)
			}
			return n, nil
		})
	})

	ctx := context.Background()
	instanceID, err := r.ScheduleNewOrchestration(ctx, "loop", json.RawMessage("0"), runner.StartOptions{})
	if err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	st := waitForStatus(t, r, instanceID)
	if st.Status != status.RuntimeCompleted {
		t.Fatalf("Status = %s, want completed (failure: %+v)", st.Status, st.Failure)
	}
	if string(st.Output) != "2" {
		t.Errorf("Output = %s, want 2", st.Output)
	}

	// Continue-as-new truncates history: only the final generation remains.
	events, err := r.GetHistory(ctx, instanceID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	for _, e := range events {
		if e.Type == history.EventExecutionContinuedAsNew {
			t.Errorf("history still contains %s after restart", e.Type)
		}
	}
}

func TestRunner_DuplicateInstanceID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := startTestRunner(t, pool, func(registry *task.Registry) {
		mustRegisterOrchestrator(t, registry, "waiting", func(octx *task.OrchestrationContext) (any, error) {
			return nil, octx.WaitForExternalEvent("never", -1).Await(nil)
		})
	})

	ctx := context.Background()
	opts := runner.StartOptions{InstanceID: "fixed-id"}
	if _, err := r.ScheduleNewOrchestration(ctx, "waiting", nil, opts); err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	_, err := r.ScheduleNewOrchestration(ctx, "waiting", nil, opts)
	if !errors.Is(err, runner.ErrInstanceAlreadyExists) {
		t.Errorf("second ScheduleNewOrchestration() error = %v, want ErrInstanceAlreadyExists", err)
	}
}

func TestRunner_ScheduledStart(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := startTestRunner(t, pool, func(registry *task.Registry) {
		mustRegisterOrchestrator(t, registry, "delayed", func(octx *task.OrchestrationContext) (any, error) {
			return "ran", nil
		})
	})

	ctx := context.Background()
	instanceID, err := r.ScheduleNewOrchestration(ctx, "delayed", nil, runner.StartOptions{
		StartAt: time.Now().Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("ScheduleNewOrchestration() error = %v", err)
	}

	// History stays empty until the scheduled start fires.
	if _, err := r.GetStatus(ctx, instanceID); !errors.Is(err, runner.ErrInstanceNotFound) {
		t.Errorf("GetStatus() before scheduled start error = %v, want ErrInstanceNotFound", err)
	}

	st := waitForStatus(t, r, instanceID)
	if st.Status != status.RuntimeCompleted {
		t.Fatalf("Status = %s, want completed (failure: %+v)", st.Status, st.Failure)
	}
}
