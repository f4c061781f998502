// Package replay implements the location cursor and memoization protocol
// that lets a workflow handler be re-run from history without re-executing
// its side effects.
//
// A Context is constructed once per tick (pull → replay → suspend/complete)
// from the workflow's persisted history. Handler code calls the Context's
// primitive methods (Activity, SignalReceive, Sleep, ...) in the same
// sequence on every replay; the Context matches each call against the
// history it was given and either returns the recorded result or executes
// the call for the first time and stages the new event for commit.
package replay

import (
	"crypto/sha256"
	"encoding/json"
	"sync"

	"github.com/coreflow/workflow/pkg/workflow"
)

type (
	// Context tracks the current location cursor for one workflow tick and
	// exposes the memoized primitives handler code calls.
	//
	// Context is not safe for concurrent use: a single workflow never
	// executes two steps concurrently, so a single goroutine owns a
	// Context for the lifetime of one tick.
	Context struct {
		mu sync.Mutex

		workflowID workflow.ID

		// cursor is the location of the *next* step to be assigned at the
		// current scope depth. Entering a loop or branch pushes a new
		// scope; NextStep increments the last element of the current one.
		cursor workflow.Location

		// history indexes existing, non-forgotten events by their
		// location string for O(1) lookup during replay.
		history map[string]*workflow.HistoryEvent

		// pending accumulates newly-produced events (first execution) in
		// the order they were assigned a location, for the caller
		// (usually the worker pool) to hand to storage.CommitXxx calls.
		pending []*workflow.HistoryEvent

		// version is the engine's current code version, consulted by
		// VersionCheck when no version event exists yet at a location.
		version int

		// divergence, once set, makes every subsequent primitive call
		// fail with the same error without touching storage.
		divergence error

		// currentLoop is the location of the nearest enclosing loop, or
		// nil outside any loop. Primitives that persist through storage
		// report this as the loopLoc parameter so a backend can, on an
		// UpdateLoop call, cheaply identify which other pending writes
		// belong to the iteration being forgotten.
		currentLoop workflow.Location

		// ancestry is this workflow's own dispatch chain (every ancestor
		// up to and including itself), used by SubWorkflow's
		// recursive-request guard. Populated by the worker pool via
		// SetAncestry before the handler runs; nil for a top-level
		// workflow with no ancestors.
		ancestry []workflow.AncestorRef
	}

	// Scope is a handle returned by Enter that must be exited via its End
	// method (typically deferred) to pop the cursor back to the parent
	// scope. Loop bodies and Branch blocks use this to create a fresh,
	// independent sequence of locations nested under one slot in the
	// parent scope.
	Scope struct {
		ctx        *Context
		parent     workflow.Location
		parentLoop workflow.Location
	}
)

// NewContext builds a replay Context for workflowID seeded with the
// workflow's current (non-forgotten) history, as returned by
// storage.Adapter.LoadHistory. The history slice must be ordered by
// location; NewContext does not sort it.
func NewContext(workflowID workflow.ID, history []*workflow.HistoryEvent, currentVersion int) *Context {
	idx := make(map[string]*workflow.HistoryEvent, len(history))
	for _, ev := range history {
		if ev.Forgotten {
			continue
		}
		idx[ev.Location.String()] = ev
	}
	return &Context{
		workflowID: workflowID,
		cursor:     workflow.Location{},
		history:    idx,
		version:    currentVersion,
	}
}

// SetAncestry installs the workflow's dispatch chain (every ancestor up to
// and including itself) for SubWorkflow's recursive-request guard. Call
// before running the handler; a zero-value Context has an empty chain,
// which allows dispatching any sub-workflow.
func (c *Context) SetAncestry(chain []workflow.AncestorRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ancestry = chain
}

// Pending returns the events produced during this tick that have not yet
// been committed to storage, in assignment order.
func (c *Context) Pending() []*workflow.HistoryEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*workflow.HistoryEvent, len(c.pending))
	copy(out, c.pending)
	return out
}

// nextLocation advances the cursor at the current scope depth and returns
// the location assigned to the step about to execute. Must be called with
// c.mu held.
func (c *Context) nextLocation() workflow.Location {
	if len(c.cursor) == 0 {
		c.cursor = workflow.Location{0}
		return c.cursor
	}
	last := len(c.cursor) - 1
	next := make(workflow.Location, len(c.cursor))
	copy(next, c.cursor)
	next[last]++
	c.cursor = next
	return next
}

// Enter pushes a new nested scope (used by Loop iterations and Branch) so
// that operations inside it get their own independent sequence of child
// locations. The returned Scope must have End called, typically via
// defer, to restore the parent cursor.
func (c *Context) Enter(at workflow.Location) *Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Scope{ctx: c, parent: c.cursor, parentLoop: c.currentLoop}
	c.cursor = at.Child(-1) // next call to nextLocation increments to index 0
	return s
}

// enterLoop is Enter plus marking loopLoc as the nearest enclosing loop for
// the scope's duration, so primitives called from within a loop body report
// the right loopLoc to storage.
func (c *Context) enterLoop(loopLoc, at workflow.Location) *Scope {
	s := c.Enter(at)
	c.mu.Lock()
	c.currentLoop = loopLoc
	c.mu.Unlock()
	return s
}

// loopLocation returns the location of the nearest enclosing loop, or nil
// if the caller is not currently inside one.
func (c *Context) loopLocation() workflow.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLoop
}

// End restores the parent scope's cursor so sibling steps after the scope
// continue from where the parent left off.
func (s *Scope) End() {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	s.ctx.cursor = s.parent
	s.ctx.currentLoop = s.parentLoop
}

// lookup returns the recorded event at loc, if any and not forgotten.
func (c *Context) lookup(loc workflow.Location) (*workflow.HistoryEvent, bool) {
	ev, ok := c.history[loc.String()]
	return ev, ok
}

// checkDivergence validates that, if an event already exists at loc, its
// type matches want. A mismatch is a non-retryable history divergence.
func (c *Context) checkDivergence(loc workflow.Location, want workflow.EventType, existing *workflow.HistoryEvent) error {
	if existing == nil {
		return nil
	}
	if existing.Type != want {
		err := workflow.New(workflow.KindDivergence,
			"workflow %s: history divergence at location %s: recorded %s, replay reached %s",
			c.workflowID, loc, existing.Type, want)
		c.divergence = err
		return err
	}
	return nil
}

// hashInput returns a stable hash of a serialized activity input, used to
// detect (for debugging/auditing, not enforcement) when replayed code
// calls an activity with different input than what was recorded.
func hashInput(input []byte) []byte {
	sum := sha256.Sum256(input)
	return sum[:]
}

// marshal is the engine's canonical serialization for memoized payloads.
// JSON is used throughout so that payloads round-trip through any storage
// backend without engine-specific codecs.
func marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return json.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if bp, ok := v.(*[]byte); ok {
		*bp = data
		return nil
	}
	return json.Unmarshal(data, v)
}

// WorkflowID returns the ID of the workflow this Context is replaying.
func (c *Context) WorkflowID() workflow.ID { return c.workflowID }

// ensureNotDiverged returns the sticky divergence error, if any, so every
// primitive short-circuits once one divergence has been detected in this
// tick.
func (c *Context) ensureNotDiverged() error {
	if c.divergence != nil {
		return c.divergence
	}
	return nil
}

