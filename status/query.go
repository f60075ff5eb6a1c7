package status

import "context"

// InstanceFilter specifies criteria for querying orchestration instances.
// All fields are optional; zero values mean "no filter".
type InstanceFilter struct {
	// Name filters by orchestrator function name.
	Name string

	// Status filters by runtime status.
	Status RuntimeStatus

	// RootOnly excludes sub-orchestrations.
	RootOnly bool

	// Limit caps the number of results (0 means no limit).
	Limit int

	// Offset skips the first N results (for pagination).
	Offset int
}

// InstanceCounter enables efficient counting of instances matching a
// filter. Implement this to support pagination totals without loading all
// histories. The Limit and Offset fields are ignored for counting.
//
// These interfaces are optional: callers type-assert on the history store
// and fall back to projecting from loaded events when the store does not
// implement them.
type InstanceCounter interface {
	CountInstances(ctx context.Context, filter InstanceFilter) (int64, error)
}

// ChildQuerier enables finding sub-orchestrations created by a parent.
// This is derived from suborchestration.created events in the parent's
// history.
type ChildQuerier interface {
	// QueryChildren returns instance IDs of sub-orchestrations created by
	// parentInstanceID. Returns an empty slice if there are none.
	QueryChildren(ctx context.Context, parentInstanceID string) ([]string, error)
}

// ParentQuerier enables finding the parent of a sub-orchestration.
type ParentQuerier interface {
	// QueryParent returns the instance ID of the parent orchestration, or
	// an empty string for root instances.
	QueryParent(ctx context.Context, childInstanceID string) (string, error)
}
