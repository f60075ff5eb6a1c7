package task

import (
	"encoding/json"
)

// compositeChild tracks one child of a composite task. Children are driven
// through their own Await, so decorated tasks (retry wrappers, async HTTP
// polling) keep their settlement behavior inside composites: a retry child
// plays out its remaining attempts before the composite sees an outcome.
// inner is the first scheduled action's task, used to detect when driving
// the child can make progress without suspending.
type compositeChild struct {
	task  Task
	inner *completableTask

	done   bool
	result json.RawMessage
	err    error

	// order records the history settle order of the child's final outcome.
	order int64
}

// compositeChildren validates that every child task was obtained from this
// orchestration context. A task from elsewhere cannot be correlated with
// this instance's history, so awaiting it is a determinism violation.
func (octx *OrchestrationContext) compositeChildren(tasks []Task) ([]*compositeChild, error) {
	children := make([]*compositeChild, len(tasks))
	for i, t := range tasks {
		// Wrapped tasks (retry, async HTTP) are validated through their
		// underlying action; the wrapper itself is what gets awaited.
		inner := t
		for {
			w, ok := inner.(*taskWrapper)
			if !ok {
				break
			}
			inner = w.delegate
		}

		var c *completableTask
		switch ct := inner.(type) {
		case *completableTask:
			c = ct
		case *TimerTask:
			c = ct.completableTask
		default:
			return nil, &NondeterminismError{
				InstanceID: octx.ID,
				Detail:     "composite task contains a task not created by this context",
			}
		}
		if c.octx != octx && c.octx != nil {
			return nil, &NondeterminismError{
				InstanceID: octx.ID,
				Detail:     "composite task contains a task from another orchestration instance",
			}
		}
		children[i] = &compositeChild{task: t, inner: c}
	}
	return children, nil
}

// finalizePlain finalizes every undecorated child whose action has
// settled. Their Await returns without pumping, so this never suspends.
// Returns true if any child was finalized.
func finalizePlain(children []*compositeChild) bool {
	progressed := false
	for _, c := range children {
		if c.done || !c.inner.settled {
			continue
		}
		if _, wrapped := c.task.(*taskWrapper); wrapped {
			continue
		}
		var raw json.RawMessage
		c.err = c.task.Await(&raw)
		c.result = raw
		c.order = c.inner.settleIndex
		c.done = true
		progressed = true
	}
	return progressed
}

// driveWrapped finalizes the decorated child (retry, async HTTP) whose
// first action settled earliest in history order. Awaiting it runs the
// wrapper hooks: the child schedules and awaits its backoff timers, polls,
// and re-issued attempts here, suspending the orchestrator if they are not
// in history yet. Returns false when no decorated child is ready.
func driveWrapped(octx *OrchestrationContext, children []*compositeChild) bool {
	next := -1
	for i, c := range children {
		if c.done || !c.inner.settled {
			continue
		}
		if _, wrapped := c.task.(*taskWrapper); !wrapped {
			continue
		}
		if next < 0 || c.inner.settleIndex < children[next].inner.settleIndex {
			next = i
		}
	}
	if next < 0 {
		return false
	}

	c := children[next]
	var raw json.RawMessage
	c.err = c.task.Await(&raw)
	c.result = raw
	// The final attempt of the chain settled last.
	c.order = octx.settleCounter
	c.done = true
	return true
}

// WhenAll returns a task that resolves once every child has resolved, with
// the children's results collected in argument order. If any child rejects,
// the composite rejects with the earliest rejection in history order; the
// remaining children keep settling in the background but their results are
// not collected. A child with retry settles only after its attempts are
// exhausted or one succeeds.
//
// An empty task list resolves immediately with an empty result list.
func (octx *OrchestrationContext) WhenAll(tasks ...Task) Task {
	children, err := octx.compositeChildren(tasks)
	if err != nil {
		panic(replayFault{err})
	}
	return &whenAllTask{octx: octx, children: children}
}

// WhenAny returns a task that settles with the first child to settle, in
// the order settling events appear in history. A decorated child (retry,
// async HTTP) counts as settled only when its full chain concludes. Once
// settled, the remaining children are left pending; the composite does not
// cancel them.
//
// An empty task list fails fast with ErrEmptyTaskList.
func (octx *OrchestrationContext) WhenAny(tasks ...Task) *WhenAnyTask {
	children, err := octx.compositeChildren(tasks)
	if err != nil {
		panic(replayFault{err})
	}
	if len(children) == 0 {
		return &WhenAnyTask{octx: octx, empty: true}
	}
	return &WhenAnyTask{octx: octx, children: children}
}

// whenAllTask resolves as a pure function of its children's outcomes. It
// holds non-owning references: child lifecycle belongs to the facade calls
// that created them.
type whenAllTask struct {
	octx     *OrchestrationContext
	children []*compositeChild
}

func (t *whenAllTask) Settled() bool {
	if t.earliestFailed() != nil {
		return true
	}
	return t.allDone()
}

func (t *whenAllTask) allDone() bool {
	for _, c := range t.children {
		if !c.done {
			return false
		}
	}
	return true
}

// earliestFailed returns the finalized child with the lowest outcome
// order, which is the first rejection in history order.
func (t *whenAllTask) earliestFailed() *compositeChild {
	var first *compositeChild
	for _, c := range t.children {
		if !c.done || c.err == nil {
			continue
		}
		if first == nil || c.order < first.order {
			first = c
		}
	}
	return first
}

// Await pumps history until all children resolve or one rejects. On
// success, v (if non-nil) receives the JSON array of child results in
// argument order.
func (t *whenAllTask) Await(v any) error {
	for {
		finalizePlain(t.children)
		if c := t.earliestFailed(); c != nil {
			return c.err
		}
		if t.allDone() {
			break
		}
		if driveWrapped(t.octx, t.children) {
			continue
		}

		ok, err := t.octx.pump()
		if err != nil {
			panic(replayFault{err})
		}
		if !ok {
			panic(errTaskBlocked)
		}
	}

	if v == nil {
		return nil
	}

	results := make([]json.RawMessage, len(t.children))
	for i, c := range t.children {
		if len(c.result) > 0 {
			results[i] = c.result
		} else {
			results[i] = json.RawMessage("null")
		}
	}
	combined, err := json.Marshal(results)
	if err != nil {
		return err
	}
	return json.Unmarshal(combined, v)
}

// WhenAnyTask is the composite returned by WhenAny. Beyond the Task
// interface it exposes the winning child so orchestrator code can
// distinguish race outcomes (for example, an external event against a
// timeout timer).
type WhenAnyTask struct {
	octx     *OrchestrationContext
	children []*compositeChild
	empty    bool
}

func (t *WhenAnyTask) Settled() bool {
	if t.empty {
		return true
	}
	return t.winner() != nil
}

// winner returns the finalized child with the earliest outcome, or nil.
func (t *WhenAnyTask) winner() *compositeChild {
	var w *compositeChild
	for _, c := range t.children {
		if !c.done {
			continue
		}
		if w == nil || c.order < w.order {
			w = c
		}
	}
	return w
}

// Winner returns the task that settled first, as passed to WhenAny.
// Returns nil until the composite settles.
func (t *WhenAnyTask) Winner() Task {
	if c := t.winner(); c != nil {
		return c.task
	}
	return nil
}

// Await pumps history until any child settles, then adopts that child's
// outcome: its result is unmarshaled into v, or its error is returned.
func (t *WhenAnyTask) Await(v any) error {
	if t.empty {
		return ErrEmptyTaskList
	}

	for t.winner() == nil {
		if finalizePlain(t.children) {
			continue
		}
		if driveWrapped(t.octx, t.children) {
			continue
		}
		ok, err := t.octx.pump()
		if err != nil {
			panic(replayFault{err})
		}
		if !ok {
			panic(errTaskBlocked)
		}
	}

	w := t.winner()
	if w.err != nil {
		return w.err
	}
	if v != nil && len(w.result) > 0 {
		return json.Unmarshal(w.result, v)
	}
	return nil
}
