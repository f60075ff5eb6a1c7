package runner

import (
	"encoding/json"
	"time"
)

// Job kind constants for River job registration.
const (
	// JobKindOrchestration is the kind for orchestration invocation jobs.
	JobKindOrchestration = "durable.orchestration"

	// JobKindActivity is the kind for activity execution jobs.
	JobKindActivity = "durable.activity"

	// JobKindTimer is the kind for durable timer jobs.
	JobKindTimer = "durable.timer"

	// JobKindEntity is the kind for entity operation jobs.
	JobKindEntity = "durable.entity"

	// JobKindHTTP is the kind for durable HTTP call jobs.
	JobKindHTTP = "durable.http"

	// JobKindScheduledStart is the kind for delayed orchestration starts.
	JobKindScheduledStart = "durable.scheduled_start"
)

// OrchestrationJobArgs invokes the replay engine for one instance. The job
// loads the history, replays the orchestrator, persists new events, and
// dispatches the resulting actions.
type OrchestrationJobArgs struct {
	// InstanceID is the orchestration instance to invoke.
	InstanceID string `json:"instance_id"`

	// AfterSequence marks the history prefix the instance had already
	// covered when this job was inserted. Events with a higher sequence
	// are delivered as new.
	AfterSequence int64 `json:"after_sequence"`
}

// Kind implements river.JobArgs.
func (OrchestrationJobArgs) Kind() string {
	return JobKindOrchestration
}

// InsertOpts implements river.JobArgsWithInsertOpts to provide default
// options. The returned options can be overridden when inserting the job.
func (OrchestrationJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 3,
	}
}

// ActivityJobArgs executes one activity invocation and records its outcome
// on the calling instance's history.
type ActivityJobArgs struct {
	// InstanceID is the calling orchestration instance.
	InstanceID string `json:"instance_id"`

	// TaskID correlates the outcome with the scheduling event.
	TaskID int64 `json:"task_id"`

	// Name is the activity function name.
	Name string `json:"name"`

	// Input is the activity input as JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// Attempt is the retry attempt number, 1-based. Zero for calls without
	// a retry policy.
	Attempt int `json:"attempt,omitempty"`
}

// Kind implements river.JobArgs.
func (ActivityJobArgs) Kind() string {
	return JobKindActivity
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (ActivityJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 3,
	}
}

// TimerJobArgs fires a durable timer. The job is scheduled at the timer's
// fire time; canceled timers still fire and are consumed without effect.
type TimerJobArgs struct {
	// InstanceID is the owning orchestration instance.
	InstanceID string `json:"instance_id"`

	// TaskID correlates the fired event with the timer.created event.
	TaskID int64 `json:"task_id"`

	// FireAt is the timer's fire time.
	FireAt time.Time `json:"fire_at"`
}

// Kind implements river.JobArgs.
func (TimerJobArgs) Kind() string {
	return JobKindTimer
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (TimerJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 3,
	}
}

// EntityJobArgs executes one entity operation against the entity's state
// stream and records the result on the calling instance.
type EntityJobArgs struct {
	// InstanceID is the calling orchestration instance.
	InstanceID string `json:"instance_id"`

	// TaskID correlates the outcome with the entity.called event.
	TaskID int64 `json:"task_id"`

	// EntityName and EntityKey address the entity instance.
	EntityName string `json:"entity_name"`
	EntityKey  string `json:"entity_key"`

	// Operation is the entity operation name.
	Operation string `json:"operation"`

	// Input is the operation input as JSON.
	Input json.RawMessage `json:"input,omitempty"`
}

// Kind implements river.JobArgs.
func (EntityJobArgs) Kind() string {
	return JobKindEntity
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (EntityJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 3,
	}
}

// HTTPJobArgs performs one durable HTTP call and records the response on
// the calling instance.
type HTTPJobArgs struct {
	// InstanceID is the calling orchestration instance.
	InstanceID string `json:"instance_id"`

	// TaskID correlates the outcome with the http.called event.
	TaskID int64 `json:"task_id"`

	// Method, URL, Headers, and Body describe the request.
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Kind implements river.JobArgs.
func (HTTPJobArgs) Kind() string {
	return JobKindHTTP
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (HTTPJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 3,
	}
}

// ScheduledStartJobArgs starts an orchestration at a scheduled time.
type ScheduledStartJobArgs struct {
	// Name identifies the orchestrator to start.
	Name string `json:"name"`

	// Input is the orchestration input as JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// InstanceID is an optional custom instance ID. If empty, a UUID is
	// generated.
	InstanceID string `json:"instance_id,omitempty"`

	// Priority is the job priority for the orchestration invocation.
	Priority int `json:"priority,omitempty"`
}

// Kind implements river.JobArgs.
func (ScheduledStartJobArgs) Kind() string {
	return JobKindScheduledStart
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (ScheduledStartJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 3,
	}
}

// InsertOpts mirrors River's InsertOpts for job configuration. This allows
// job args to specify default insert options without importing River
// directly in this file.
type InsertOpts struct {
	// MaxAttempts is the maximum number of attempts for this job.
	// If not set, River's default (24) is used.
	MaxAttempts int

	// Priority is the job priority. Lower values are higher priority.
	// If not set, River's default (1) is used.
	Priority int

	// Queue is the queue to insert the job into.
	// If not set, River's default queue is used.
	Queue string
}
