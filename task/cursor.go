package task

import (
	"github.com/ingalless/durabletask/history"
)

// cursor is a sequential, single-direction reader over the recorded event
// history. It never rewinds past a consumed event within one invocation.
//
// Events are split into the prefix that was already known before this
// invocation started (old) and the events delivered since (new). The
// boundary drives the IsReplaying flag: while the cursor is still inside
// the old prefix, the orchestrator is catching up to ground it has covered
// before, and side effects ordered by orchestrator code (such as logging)
// should be suppressed.
type cursor struct {
	old   []history.Event
	new   []history.Event
	index int
}

func newCursor(old, new []history.Event) *cursor {
	return &cursor{old: old, new: new}
}

// next returns the next unconsumed event and whether it belongs to the
// already-known prefix. ok is false once the history is exhausted.
func (c *cursor) next() (e history.Event, replaying bool, ok bool) {
	if c.index >= len(c.old)+len(c.new) {
		return history.Event{}, false, false
	}

	if c.index < len(c.old) {
		e = c.old[c.index]
		replaying = true
	} else {
		e = c.new[c.index-len(c.old)]
		replaying = false
	}
	c.index++
	return e, replaying, true
}

// consumed returns the number of events read so far.
func (c *cursor) consumed() int {
	return c.index
}
