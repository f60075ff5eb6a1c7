package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Orchestrator is the functional interface for orchestrator functions.
// Orchestrator code must be deterministic: all time, randomness, and I/O
// goes through the OrchestrationContext facade.
type Orchestrator func(octx *OrchestrationContext) (any, error)

// Activity is the functional interface for activity functions. Activities
// perform the side-effecting work and run host-side, outside the
// deterministic replay model.
type Activity func(ctx ActivityContext) (any, error)

// EntityHandler implements the operations of one entity class. It receives
// the current state, the operation name and input, and returns the new
// state along with the operation result.
type EntityHandler func(ctx context.Context, op EntityOperation) (EntityResult, error)

// EntityOperation describes one invocation of an entity operation.
type EntityOperation struct {
	// Entity identifies the target entity instance.
	Entity EntityID

	// Name is the operation name.
	Name string

	// Input is the operation input as JSON.
	Input json.RawMessage

	// State is the entity's current state, or nil if the entity has never
	// run an operation.
	State json.RawMessage
}

// EntityResult is the outcome of an entity operation.
type EntityResult struct {
	// State is the entity's new state, persisted for the next operation.
	State json.RawMessage

	// Result is returned to the calling orchestration. May be nil.
	Result json.RawMessage
}

// EntityID addresses one entity instance by class name and key.
type EntityID struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// String returns the canonical "@name@key" form.
func (id EntityID) String() string {
	return "@" + id.Name + "@" + id.Key
}

// ParseEntityID parses the canonical "@name@key" form.
func ParseEntityID(s string) (EntityID, error) {
	if !strings.HasPrefix(s, "@") {
		return EntityID{}, fmt.Errorf("invalid entity ID %q", s)
	}
	parts := strings.SplitN(s[1:], "@", 2)
	if len(parts) != 2 || parts[0] == "" {
		return EntityID{}, fmt.Errorf("invalid entity ID %q", s)
	}
	return EntityID{Name: parts[0], Key: parts[1]}, nil
}

// ActivityContext is passed to activity functions. It carries the standard
// context for cancellation plus the activity's invocation details.
type ActivityContext interface {
	context.Context

	// Name returns the activity name.
	Name() string

	// InstanceID returns the calling orchestration instance ID.
	InstanceID() string

	// GetInput unmarshals the activity input into v.
	GetInput(v any) error
}

// NewActivityContext builds an ActivityContext for hosts that dispatch
// activity work items.
func NewActivityContext(ctx context.Context, instanceID, name string, input json.RawMessage) ActivityContext {
	return &activityContext{Context: ctx, instanceID: instanceID, name: name, rawInput: input}
}

type activityContext struct {
	context.Context
	instanceID string
	name       string
	rawInput   json.RawMessage
}

func (c *activityContext) Name() string       { return c.name }
func (c *activityContext) InstanceID() string { return c.instanceID }

func (c *activityContext) GetInput(v any) error {
	if len(c.rawInput) == 0 {
		return nil
	}
	return json.Unmarshal(c.rawInput, v)
}

// Registry stores orchestrator, activity, and entity functions for lookup
// during execution. It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]Orchestrator
	activities    map[string]Activity
	entities      map[string]EntityHandler
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[string]Orchestrator),
		activities:    make(map[string]Activity),
		entities:      make(map[string]EntityHandler),
	}
}

// AddOrchestrator registers an orchestrator function under the given name.
// Returns an error if the name is already taken.
func (r *Registry) AddOrchestrator(name string, fn Orchestrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orchestrators[name]; exists {
		return fmt.Errorf("orchestrator %q already registered", name)
	}
	r.orchestrators[name] = fn
	return nil
}

// AddActivity registers an activity function under the given name.
// Returns an error if the name is already taken.
func (r *Registry) AddActivity(name string, fn Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.activities[name] = fn
	return nil
}

// AddEntity registers an entity handler for the given entity class name.
// Returns an error if the name is already taken.
func (r *Registry) AddEntity(name string, fn EntityHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entities[name]; exists {
		return fmt.Errorf("entity %q already registered", name)
	}
	r.entities[name] = fn
	return nil
}

// GetOrchestrator returns the orchestrator registered under name.
func (r *Registry) GetOrchestrator(name string) (Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.orchestrators[name]
	return fn, ok
}

// GetActivity returns the activity registered under name.
func (r *Registry) GetActivity(name string) (Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.activities[name]
	return fn, ok
}

// GetEntity returns the entity handler registered under name.
func (r *Registry) GetEntity(name string) (EntityHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.entities[name]
	return fn, ok
}
