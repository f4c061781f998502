package replay

import (
	"context"
	"time"

	"github.com/coreflow/workflow/pkg/workflow"
)

type (
	// ActivityFunc is a side-effecting handler invoked the first time an
	// Activity call reaches its location. It must be idempotent — the
	// engine provides no external-effect exactly-once guarantee.
	ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

	// LoopOutcome is returned by a loop body closure.
	LoopOutcome struct {
		Continue bool
		Output   []byte // only meaningful when Continue is false
	}

	// LoopBody is invoked once per iteration.
	LoopBody func(ctx *Context, iteration int) (LoopOutcome, error)
)

// Continue is the LoopOutcome that advances to the next iteration.
func Continue() LoopOutcome { return LoopOutcome{Continue: true} }

// Break is the LoopOutcome that ends the loop with output.
func Break(output []byte) LoopOutcome { return LoopOutcome{Continue: false, Output: output} }

// Activity executes a memoized side-effecting step. On first execution it hashes and records the input, runs fn,
// and commits the result (or an error row) at the current location. On
// replay it returns the previously committed output without calling fn.
//
// A non-nil returned error is always a *workflow.Error. KindActivityFailed
// means fn returned an error on this attempt (the caller should suspend
// the workflow with a retry wake); any other kind means the step could not
// even be attempted (e.g. KindDivergence).
func (c *Context) Activity(ctx context.Context, name string, input []byte, fn ActivityFunc) ([]byte, error) {
	c.mu.Lock()
	if err := c.ensureNotDiverged(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	loc := c.nextLocation()
	existing, hasExisting := c.lookup(loc)
	if err := c.checkDivergence(loc, workflow.EventActivity, existing); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if hasExisting {
		payload, _ := existing.Payload.(workflow.ActivityPayload)
		c.mu.Unlock()
		if payload.Output != nil {
			return payload.Output, nil
		}
		// Only error rows exist; fall through to execute.
	} else {
		c.mu.Unlock()
	}

	output, err := fn(ctx, input)
	payload := workflow.ActivityPayload{
		ActivityName: name,
		InputHash:    hashInput(input),
		Input:        input,
		CreatedAt:    time.Now(),
	}
	if err != nil {
		payload.Error = err.Error()
		c.stage(loc, workflow.EventActivity, payload)
		return nil, workflow.Wrap(workflow.KindActivityFailed, err, "activity "+name+" failed")
	}
	payload.Output = output
	c.stage(loc, workflow.EventActivity, payload)
	return output, nil
}

// stage records a newly-produced event both in the in-memory history index
// (so a later primitive call within the same tick that happens to revisit
// the same location — which should not occur in correct handler code, but
// mirrors what a fresh NewContext would see after commit — finds it) and in
// the pending slice the caller commits to storage.
func (c *Context) stage(loc workflow.Location, typ workflow.EventType, payload any) *workflow.HistoryEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := &workflow.HistoryEvent{
		WorkflowID:   c.workflowID,
		Location:     loc,
		Type:         typ,
		Payload:      payload,
		LoopLocation: c.currentLoop,
	}
	c.history[loc.String()] = ev
	c.pending = append(c.pending, ev)
	return ev
}

// SignalReceiver is the storage-backed lookup SignalReceive needs on first
// execution: find and atomically ack the oldest unacked signal matching
// one of names. Returning ok=false means no matching signal is currently
// available. Satisfied directly by storage.Adapter.
type SignalReceiver interface {
	PullNextSignal(ctx context.Context, workflowID workflow.ID, names []string, loc workflow.Location, loopLoc workflow.Location) (sig *workflow.Signal, ok bool, err error)
}

// SignalReceive waits for one of the named signals. On first execution it asks recv for an already-published
// match; if found, the receive event is recorded and the body returned. If
// none is available, SignalReceive returns a Suspend outcome (see
// Outcome) instructing the caller to release the lease with
// wake_signals = names.
func (c *Context) SignalReceive(ctx context.Context, recv SignalReceiver, names []string) (Outcome, error) {
	c.mu.Lock()
	if err := c.ensureNotDiverged(); err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	loc := c.nextLocation()
	existing, hasExisting := c.lookup(loc)
	if err := c.checkDivergence(loc, workflow.EventSignalReceive, existing); err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	c.mu.Unlock()

	if hasExisting {
		payload, _ := existing.Payload.(workflow.SignalReceivePayload)
		return Outcome{Kind: OutcomeValue, Value: payload.Body}, nil
	}

	sig, ok, err := recv.PullNextSignal(ctx, c.workflowID, names, loc, c.loopLocation())
	if err != nil {
		return Outcome{}, workflow.Wrap(workflow.KindTransient, err, "pull next signal")
	}
	if !ok {
		return Outcome{Kind: OutcomeSuspend, Wake: workflow.WakeCondition{Signals: names}}, nil
	}
	payload := workflow.SignalReceivePayload{SignalName: sig.Name, SignalID: sig.ID, Body: sig.Body}
	c.stage(loc, workflow.EventSignalReceive, payload)
	return Outcome{Kind: OutcomeValue, Value: sig.Body}, nil
}

// Sleep suspends until deadline. On first execution
// it records the sleep event and returns a Suspend outcome with
// wake_deadline_ts = deadline. On replay after the deadline, the event
// exists and Sleep returns immediately.
func (c *Context) Sleep(deadline time.Time) (Outcome, error) {
	c.mu.Lock()
	if err := c.ensureNotDiverged(); err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	loc := c.nextLocation()
	existing, hasExisting := c.lookup(loc)
	if err := c.checkDivergence(loc, workflow.EventSleep, existing); err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	c.mu.Unlock()

	if hasExisting {
		return Outcome{Kind: OutcomeValue}, nil
	}
	c.stage(loc, workflow.EventSleep, workflow.SleepPayload{DeadlineAt: deadline})
	return Outcome{Kind: OutcomeSuspend, Wake: workflow.WakeCondition{DeadlineAt: deadline}}, nil
}

// ListenWithTimeout is the compound of SignalReceive and Sleep: suspend with both wake_signals and wake_deadline_ts set,
// whichever fires first determines which event is committed on
// resumption. On first execution it tries recv once (non-blocking,
// matching SignalReceive's own first-execution behavior); if a signal is
// already available it commits a signal-receive event immediately. If
// neither a signal nor the deadline has fired yet it suspends on both
// conditions without committing anything. Once the deadline has elapsed
// and still no signal is available, it commits a sleep event at this same
// location and resolves with a nil value — the deadline side of "whichever
// fires first".
func (c *Context) ListenWithTimeout(ctx context.Context, recv SignalReceiver, names []string, deadline time.Time) (Outcome, error) {
	c.mu.Lock()
	if err := c.ensureNotDiverged(); err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	loc := c.nextLocation()
	existing, hasExisting := c.lookup(loc)
	c.mu.Unlock()

	if hasExisting {
		switch existing.Type {
		case workflow.EventSignalReceive:
			payload, _ := existing.Payload.(workflow.SignalReceivePayload)
			return Outcome{Kind: OutcomeValue, Value: payload.Body}, nil
		case workflow.EventSleep:
			return Outcome{Kind: OutcomeValue, Value: nil}, nil
		default:
			err := workflow.New(workflow.KindDivergence,
				"workflow %s: history divergence at location %s: recorded %s, replay reached listen-with-timeout",
				c.workflowID, loc, existing.Type)
			c.mu.Lock()
			c.divergence = err
			c.mu.Unlock()
			return Outcome{}, err
		}
	}

	sig, ok, err := recv.PullNextSignal(ctx, c.workflowID, names, loc, c.loopLocation())
	if err != nil {
		return Outcome{}, workflow.Wrap(workflow.KindTransient, err, "pull next signal")
	}
	if ok {
		payload := workflow.SignalReceivePayload{SignalName: sig.Name, SignalID: sig.ID, Body: sig.Body}
		c.stage(loc, workflow.EventSignalReceive, payload)
		return Outcome{Kind: OutcomeValue, Value: sig.Body}, nil
	}
	if !time.Now().Before(deadline) {
		c.stage(loc, workflow.EventSleep, workflow.SleepPayload{DeadlineAt: deadline})
		return Outcome{Kind: OutcomeValue, Value: nil}, nil
	}
	return Outcome{Kind: OutcomeSuspend, Wake: workflow.WakeCondition{Signals: names, DeadlineAt: deadline}}, nil
}

// SubWorkflowDispatcher is the storage-backed call SubWorkflow needs on
// first execution: atomically insert the child workflow row and append a
// sub-workflow event to the parent. Satisfied directly by storage.Adapter.
type SubWorkflowDispatcher interface {
	DispatchSubWorkflow(ctx context.Context, parent workflow.ID, loc workflow.Location, childID workflow.ID, name string, tags workflow.Tags, input []byte, rayID workflow.RayID) error
	GetWorkflow(ctx context.Context, id workflow.ID) (*workflow.Workflow, error)
}

// SubWorkflow dispatches a child workflow and awaits its output. On first execution it dispatches the child and
// suspends with wake_sub_workflow_id = childID. On replay, once the event
// exists, it reads the child's completed output via disp.GetWorkflow;
// if the child has not yet completed it suspends again on the same
// condition so the caller re-polls on the next eligible pull.
func (c *Context) SubWorkflow(ctx context.Context, disp SubWorkflowDispatcher, childID workflow.ID, name string, tags workflow.Tags, input []byte, rayID workflow.RayID) (Outcome, error) {
	c.mu.Lock()
	if err := c.ensureNotDiverged(); err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	loc := c.nextLocation()
	existing, hasExisting := c.lookup(loc)
	if err := c.checkDivergence(loc, workflow.EventSubWorkflow, existing); err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	ancestry := c.ancestry
	c.mu.Unlock()

	if !hasExisting {
		for _, ancestor := range ancestry {
			if ancestor.Equal(name, tags) {
				return Outcome{}, workflow.New(workflow.KindInvalid, "sub-workflow %s with the same name and tags already appears in this workflow's ancestor chain", name)
			}
		}
		childTags := tags
		if len(ancestry) > 0 {
			encoded, err := workflow.EncodeAncestry(ancestry)
			if err != nil {
				return Outcome{}, workflow.Wrap(workflow.KindUnrecoverable, err, "encode sub-workflow ancestry")
			}
			childTags = make(workflow.Tags, len(tags)+1)
			for k, v := range tags {
				childTags[k] = v
			}
			childTags[workflow.AncestryTagKey] = encoded
		}
		if err := disp.DispatchSubWorkflow(ctx, c.workflowID, loc, childID, name, childTags, input, rayID); err != nil {
			return Outcome{}, workflow.Wrap(workflow.KindTransient, err, "dispatch sub-workflow")
		}
		c.stage(loc, workflow.EventSubWorkflow, workflow.SubWorkflowPayload{ChildID: childID, Name: name, Input: input})
	}

	child, err := disp.GetWorkflow(ctx, childID)
	if err != nil {
		return Outcome{}, workflow.Wrap(workflow.KindTransient, err, "load sub-workflow")
	}
	if child.Output == nil {
		return Outcome{Kind: OutcomeSuspend, Wake: workflow.WakeCondition{SubWorkflowID: childID}}, nil
	}
	return Outcome{Kind: OutcomeValue, Value: child.Output}, nil
}

// MessageSender records an out-of-band message in a workflow's history.
// Satisfied directly by storage.Adapter.
type MessageSender interface {
	CommitMessageSendEvent(ctx context.Context, workflowID workflow.ID, loc workflow.Location, subject string, body []byte) error
}

// MessageSend appends a message-send event through sender. It does not
// publish the message on a bus; the recorded event is its only effect.
// Idempotent on replay because the event is checked first — the commit
// only happens on first execution.
func (c *Context) MessageSend(ctx context.Context, sender MessageSender, subject string, body []byte) error {
	c.mu.Lock()
	if err := c.ensureNotDiverged(); err != nil {
		c.mu.Unlock()
		return err
	}
	loc := c.nextLocation()
	existing, hasExisting := c.lookup(loc)
	if err := c.checkDivergence(loc, workflow.EventMessageSend, existing); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if hasExisting {
		return nil
	}
	if err := sender.CommitMessageSendEvent(ctx, c.workflowID, loc, subject, body); err != nil {
		return workflow.Wrap(workflow.KindTransient, err, "commit message send")
	}
	c.stage(loc, workflow.EventMessageSend, workflow.MessageSendPayload{Subject: subject, Body: body})
	return nil
}

// Branch records an empty marker event to fix the location path for a
// group of nested operations, so reordering surrounding code does not
// shift their locations. Callers wrap a scoped group of
// operations as:
//
//	loc, err := ctx.Branch()
//	scope := ctx.Enter(loc)
//	defer scope.End()
//	... nested memoized calls ...
func (c *Context) Branch() (workflow.Location, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureNotDiverged(); err != nil {
		return nil, err
	}
	loc := c.nextLocation()
	existing, hasExisting := c.lookup(loc)
	if existing != nil && existing.Type != workflow.EventBranch {
		err := workflow.New(workflow.KindDivergence,
			"workflow %s: history divergence at location %s: recorded %s, replay reached branch",
			c.workflowID, loc, existing.Type)
		c.divergence = err
		return nil, err
	}
	if !hasExisting {
		ev := &workflow.HistoryEvent{WorkflowID: c.workflowID, Location: loc, Type: workflow.EventBranch, Payload: workflow.BranchPayload{}, LoopLocation: c.currentLoop}
		c.history[loc.String()] = ev
		c.pending = append(c.pending, ev)
	}
	return loc, nil
}

// VersionCheck records (or replays) an integer code version at the current
// location, letting handler code branch on the returned version to evolve
// safely without causing divergence on already-running workflows.
func (c *Context) VersionCheck() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureNotDiverged(); err != nil {
		return 0, err
	}
	loc := c.nextLocation()
	existing, hasExisting := c.lookup(loc)
	if existing != nil && existing.Type != workflow.EventVersion {
		err := workflow.New(workflow.KindDivergence,
			"workflow %s: history divergence at location %s: recorded %s, replay reached version_check",
			c.workflowID, loc, existing.Type)
		c.divergence = err
		return 0, err
	}
	if hasExisting {
		payload, _ := existing.Payload.(workflow.VersionPayload)
		return payload.Version, nil
	}
	ev := &workflow.HistoryEvent{WorkflowID: c.workflowID, Location: loc, Type: workflow.EventVersion, Payload: workflow.VersionPayload{Version: c.version}, LoopLocation: c.currentLoop}
	c.history[loc.String()] = ev
	c.pending = append(c.pending, ev)
	return c.version, nil
}

// EventCommitter persists the passively-staged event types that have no
// side effect of their own: Activity, Sleep, Branch, and VersionCheck.
// SignalReceive, SubWorkflow, and MessageSend commit themselves
// synchronously from their own primitive call and have no place here.
// Satisfied directly by storage.Adapter.
type EventCommitter interface {
	CommitActivityEvent(ctx context.Context, workflowID workflow.ID, loc workflow.Location, activityName string, createdAt time.Time, input, inputHash, output []byte, errMsg string, loopLoc workflow.Location) error
	CommitSleepEvent(ctx context.Context, workflowID workflow.ID, loc workflow.Location, deadline time.Time) error
	CommitBranchEvent(ctx context.Context, workflowID workflow.ID, loc workflow.Location) error
	CommitVersionEvent(ctx context.Context, workflowID workflow.ID, loc workflow.Location, version int) error
}

// CommitPassiveEvents writes each not-yet-committed Activity, Sleep,
// Branch, or VersionCheck event in events to storage via committer, then
// marks it Committed so a later call over the same (or an overlapping)
// slice does not write it twice. Other event types are ignored: they
// commit themselves at the point they are staged.
func CommitPassiveEvents(ctx context.Context, committer EventCommitter, events []*workflow.HistoryEvent) error {
	for _, ev := range events {
		if ev.Committed {
			continue
		}
		switch ev.Type {
		case workflow.EventActivity:
			ap, _ := ev.Payload.(workflow.ActivityPayload)
			if err := committer.CommitActivityEvent(ctx, ev.WorkflowID, ev.Location, ap.ActivityName, ap.CreatedAt, ap.Input, ap.InputHash, ap.Output, ap.Error, ev.LoopLocation); err != nil {
				return err
			}
		case workflow.EventSleep:
			sp, _ := ev.Payload.(workflow.SleepPayload)
			if err := committer.CommitSleepEvent(ctx, ev.WorkflowID, ev.Location, sp.DeadlineAt); err != nil {
				return err
			}
		case workflow.EventBranch:
			if err := committer.CommitBranchEvent(ctx, ev.WorkflowID, ev.Location); err != nil {
				return err
			}
		case workflow.EventVersion:
			vp, _ := ev.Payload.(workflow.VersionPayload)
			if err := committer.CommitVersionEvent(ctx, ev.WorkflowID, ev.Location, vp.Version); err != nil {
				return err
			}
		default:
			continue
		}
		ev.Committed = true
	}
	return nil
}

// LoopUpdater advances a loop's persisted iteration counter and forgets
// the previous iteration's nested events in one transaction. It embeds
// EventCommitter because Loop must durably commit an iteration's nested
// Activity/Sleep/Branch/VersionCheck events before advancing past it —
// otherwise the forgetting half of UpdateLoop has nothing to forget, and a
// superseded iteration's events never reach storage at all.
type LoopUpdater interface {
	EventCommitter
	UpdateLoop(ctx context.Context, workflowID workflow.ID, loc workflow.Location, iteration int, output []byte, done bool) error
}

// Loop runs body repeatedly, advancing the iteration counter and
// forgetting the prior iteration's nested events after each call, until
// body returns Break. On replay, if the loop event
// already records a final (done) state, Loop returns its output without
// re-invoking body.
//
// A loop body cannot suspend, so an entire loop runs inside one handler
// tick; the worker pool only flushes passively-staged events once the
// whole tick finishes. Loop therefore commits each iteration's nested
// events itself, through upd, before advancing or breaking — so that by
// the time an iteration is forgotten (here, or later by UpdateLoop's own
// storage-side forgetting), its events already exist in storage to forget.
func (c *Context) Loop(ctx context.Context, upd LoopUpdater, body LoopBody) ([]byte, error) {
	c.mu.Lock()
	if err := c.ensureNotDiverged(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	loopLoc := c.nextLocation()
	existing, hasExisting := c.lookup(loopLoc)
	if err := c.checkDivergence(loopLoc, workflow.EventLoop, existing); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	iteration := 0
	if hasExisting {
		payload, _ := existing.Payload.(workflow.LoopPayload)
		if payload.Done {
			c.mu.Unlock()
			return payload.Output, nil
		}
		iteration = payload.Iteration
	} else {
		ev := &workflow.HistoryEvent{WorkflowID: c.workflowID, Location: loopLoc, Type: workflow.EventLoop, Payload: workflow.LoopPayload{}, LoopLocation: c.currentLoop}
		c.history[loopLoc.String()] = ev
		c.pending = append(c.pending, ev)
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		iterStart := len(c.pending)
		c.mu.Unlock()

		scope := c.enterLoop(loopLoc, loopLoc.Child(iteration))
		outcome, err := body(c, iteration)
		scope.End()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		iterEvents := append([]*workflow.HistoryEvent(nil), c.pending[iterStart:]...)
		c.mu.Unlock()
		if err := CommitPassiveEvents(ctx, upd, iterEvents); err != nil {
			return nil, workflow.Wrap(workflow.KindTransient, err, "commit loop iteration events")
		}

		if !outcome.Continue {
			count := iteration + 1
			if err := upd.UpdateLoop(ctx, c.workflowID, loopLoc, count, outcome.Output, true); err != nil {
				return nil, workflow.Wrap(workflow.KindTransient, err, "update loop")
			}
			done := &workflow.HistoryEvent{
				WorkflowID: c.workflowID, Location: loopLoc, Type: workflow.EventLoop,
				Payload: workflow.LoopPayload{Iteration: count, Output: outcome.Output, Done: true},
				LoopLocation: c.currentLoop, Committed: true,
			}
			c.mu.Lock()
			c.history[loopLoc.String()] = done
			for i, ev := range c.pending {
				if ev.Location.Equal(loopLoc) {
					c.pending[i] = done
					break
				}
			}
			c.mu.Unlock()
			return outcome.Output, nil
		}
		iteration++
		if err := upd.UpdateLoop(ctx, c.workflowID, loopLoc, iteration, nil, false); err != nil {
			return nil, workflow.Wrap(workflow.KindTransient, err, "update loop")
		}
		c.forgetNested(loopLoc.Child(iteration - 1))
	}
}

// forgetNested marks every currently-indexed event whose location is
// nested under prefix as forgotten and removes it from the live index, so
// the next iteration's replay does not see stale history.
func (c *Context) forgetNested(prefix workflow.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefixStr := prefix.String() + "."
	for key, ev := range c.history {
		if len(key) > len(prefixStr) && key[:len(prefixStr)] == prefixStr {
			ev.Forgotten = true
			delete(c.history, key)
		}
	}
}
