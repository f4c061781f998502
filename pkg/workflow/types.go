// Package workflow defines the durable entities shared by every other
// package in the engine: workflows, history events, signals, leases, and
// the wake conditions that make a workflow eligible to run.
//
// Nothing in this package talks to storage or a bus. It is the vocabulary
// the rest of the engine shares so that replay, storage adapters, and the
// worker pool agree on what a "workflow" or "signal" is.
package workflow

import (
	"time"
)

type (
	// ID identifies a workflow instance. Workflow IDs are caller-supplied
	// (typically a UUID) and must be globally unique for the lifetime of the
	// workflow row.
	ID string

	// SignalID identifies a single signal row.
	SignalID string

	// RayID correlates related workflows and signals for tracing across a
	// dispatch tree (parent workflow, sub-workflows, signals it publishes).
	RayID string

	// WorkerInstanceID identifies a running worker process.
	WorkerInstanceID string

	// Tags is a string-to-string map used for signal routing and lookup.
	// A nil Tags is treated identically to an empty map.
	Tags map[string]string

	// Workflow is a durably-executing process instance.
	Workflow struct {
		ID        ID
		Name      string
		RayID     RayID
		Tags      Tags
		Input     []byte
		Output    []byte
		CreatedAt time.Time

		// Error is set when the workflow is currently failing. A
		// non-empty Error does not imply the workflow is terminal —
		// FailWorkflow may still set wake conditions for a retry.
		Error string

		Wake WakeCondition

		// LeaseHolder, when non-empty, is the worker instance currently
		// holding the exclusive lease on this workflow: at most one
		// active lease per workflow.
		LeaseHolder WorkerInstanceID

		// Silenced marks the workflow as a terminal debug state; it is
		// never pulled again regardless of Wake.
		Silenced bool
	}

	// WakeCondition is the predicate that makes a workflow eligible for
	// pull. Multiple fields may be set simultaneously (e.g.
	// ListenWithTimeout sets both Signals and DeadlineAt); any one being
	// satisfied makes the workflow eligible.
	WakeCondition struct {
		// Immediate marks a workflow that should be pulled as soon as a
		// worker is available, with no deadline or signal to wait on.
		Immediate bool
		// DeadlineAt, if non-zero, is satisfied once time has advanced
		// past it.
		DeadlineAt time.Time
		// Signals lists signal names any one of which satisfies the wake
		// condition (set by SignalReceive / ListenWithTimeout).
		Signals []string
		// SubWorkflowID, if non-empty, is satisfied once that
		// sub-workflow has completed (output set).
		SubWorkflowID ID
	}

	// EventType identifies the kind of a HistoryEvent's payload.
	// Memoization checks a recorded event's type against the type of the
	// primitive replaying at that location; a mismatch is a history
	// divergence.
	EventType string

	// HistoryEvent is a single entry in a workflow's append-only log.
	// Payload is one of the *Payload types below, selected by Type.
	HistoryEvent struct {
		WorkflowID ID
		Location   Location
		Version    int
		Type       EventType
		Payload    any

		// LoopLocation, when set, is the location of the enclosing loop
		// event. It lets UpdateLoop mark every event nested under a loop
		// iteration as Forgotten in one transaction.
		LoopLocation Location

		// Forgotten is true when this event belongs to a loop iteration
		// that has since been superseded. Replay
		// skips forgotten events.
		Forgotten bool

		// Committed is true once this event has been written to storage
		// during the current tick. Loop commits each iteration's nested
		// events as the iteration completes, so the end-of-tick passive
		// flush must skip them rather than write them a second time.
		Committed bool
	}

	// ActivityPayload is the EventActivity payload.
	ActivityPayload struct {
		ActivityName string
		InputHash    []byte
		Input        []byte
		Output       []byte // nil until the activity succeeds
		Error        string // set when the most recent attempt failed
		CreatedAt    time.Time
	}

	// SignalReceivePayload is the EventSignalReceive payload.
	SignalReceivePayload struct {
		SignalName string
		SignalID   SignalID
		Body       []byte
	}

	// SignalSendPayload is the EventSignalSend payload.
	SignalSendPayload struct {
		SignalID   SignalID
		SignalName string
		Target     ID   // empty when tagged
		TagMatch   Tags // empty when targeted
		Body       []byte
	}

	// MessageSendPayload is the EventMessageSend payload.
	MessageSendPayload struct {
		Subject string
		Body    []byte
	}

	// SubWorkflowPayload is the EventSubWorkflow payload.
	SubWorkflowPayload struct {
		ChildID ID
		Name    string
		Input   []byte
	}

	// LoopPayload is the EventLoop payload.
	LoopPayload struct {
		Iteration int
		Output    []byte // nil until the loop breaks
		Done      bool
	}

	// SleepPayload is the EventSleep payload.
	SleepPayload struct {
		DeadlineAt time.Time
	}

	// VersionPayload is the EventVersion payload.
	VersionPayload struct {
		Version int
	}

	// BranchPayload is the EventBranch payload. It carries no
	// data; its only purpose is to occupy a location so nested operations
	// have a stable path.
	BranchPayload struct{}

	// Signal is a message addressed to a specific workflow or to whichever
	// workflow matches a tag set.
	Signal struct {
		ID         SignalID
		Name       string
		Body       []byte
		RayID      RayID
		CreatedAt  time.Time
		AckedAt    *time.Time
		TargetID   ID   // empty when Tags is set
		Tags       Tags // empty when TargetID is set
	}

	// Lease is an exclusive claim by a worker instance on a workflow.
	Lease struct {
		WorkflowID ID
		Holder     WorkerInstanceID
		AcquiredAt time.Time
	}

	// WorkerInstance is a process executing workflow handlers.
	WorkerInstance struct {
		ID         WorkerInstanceID
		LastPingAt time.Time
		Metadata   map[string]string
	}
)

const (
	EventActivity       EventType = "activity"
	EventSignalReceive  EventType = "signal_receive"
	EventSignalSend     EventType = "signal_send"
	EventMessageSend    EventType = "message_send"
	EventSubWorkflow    EventType = "sub_workflow"
	EventLoop           EventType = "loop"
	EventSleep          EventType = "sleep"
	EventBranch         EventType = "branch"
	EventVersion        EventType = "version_check"
	EventRemovedMarker  EventType = "removed_placeholder"
)

// IsComplete reports whether the workflow has a durable output.
func (w *Workflow) IsComplete() bool { return w.Output != nil }

// Eligible reports whether the workflow is pullable right now: no lease,
// no output, and some wake condition holds as of now.
func (w *Workflow) Eligible(now time.Time) bool {
	if w.IsComplete() || w.LeaseHolder != "" || w.Silenced {
		return false
	}
	wc := w.Wake
	if wc.Immediate {
		return true
	}
	if !wc.DeadlineAt.IsZero() && !now.Before(wc.DeadlineAt) {
		return true
	}
	// Signal and sub-workflow satisfaction require checking external
	// state (pending signals, child workflow output); storage adapters
	// evaluate those conditions as part of the pull query. At the
	// Workflow-struct level we can only report the conditions that are
	// self-contained.
	return false
}

// MatchesTags reports whether a signal's tag map is a subset of the
// workflow's tags.
func (t Tags) MatchesTags(workflowTags Tags) bool {
	if len(t) == 0 {
		return false
	}
	for k, v := range t {
		if workflowTags[k] != v {
			return false
		}
	}
	return true
}
