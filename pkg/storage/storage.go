// Package storage defines the transactional contracts the engine needs
// from a backend, independent of whether that backend is a
// relational store or a distributed K/V store. Concrete adapters live in
// sibling packages (postgres, mongodoc).
package storage

import (
	"context"
	"time"

	"github.com/coreflow/workflow/pkg/workflow"
)

// Adapter is the full set of transactional operations the engine needs.
// Adapters do not publish wake notifications themselves: pkg/client
// notifies bus.WakeSubject after dispatching a workflow or publishing a
// signal, and pkg/worker's Pool notifies it after a tick's commit.
type Adapter interface {
	// DispatchWorkflow inserts a workflow row with wake_immediate=true.
	// Returns a *workflow.Error with Kind KindAlreadyExists if id
	// collides with an existing workflow.
	DispatchWorkflow(ctx context.Context, rayID workflow.RayID, id workflow.ID, name string, tags workflow.Tags, input []byte) error

	// GetWorkflow returns the workflow row, or a KindNotFound error if it
	// does not exist.
	GetWorkflow(ctx context.Context, id workflow.ID) (*workflow.Workflow, error)

	// PullWorkflows atomically selects up to maxCount eligible workflows
	// whose name is in nameFilter (nil/empty means any name at all),
	// sets their lease to workerInstanceID, and bumps that
	// worker's last-ping timestamp — all in one transaction.
	PullWorkflows(ctx context.Context, workerInstanceID workflow.WorkerInstanceID, nameFilter []string, maxCount int) ([]*workflow.Workflow, error)

	// LoadHistory returns all non-forgotten events for id, ordered by
	// location.
	LoadHistory(ctx context.Context, id workflow.ID) ([]*workflow.HistoryEvent, error)

	// CommitWorkflow atomically sets output and clears the lease. A parent
	// awaiting id as a sub-workflow becomes eligible on its next pull,
	// since PullWorkflows checks the child's output.
	CommitWorkflow(ctx context.Context, id workflow.ID, output []byte) error

	// FailWorkflow clears the lease and sets wake conditions so the
	// workflow retries later (or never, if wake is the zero value),
	// recording errMsg. immediate/deadline/signals/subWorkflow mirror the
	// fields of workflow.WakeCondition.
	FailWorkflow(ctx context.Context, id workflow.ID, wake workflow.WakeCondition, errMsg string) error

	// UpdateWorkflowTags replaces the tag map.
	UpdateWorkflowTags(ctx context.Context, id workflow.ID, tags workflow.Tags) error

	// CommitActivityEvent upserts an activity event at loc. On success
	// output is non-nil and errMsg is empty; on failure output is nil and
	// errMsg is set, leaving the step eligible for retry on the next run.
	CommitActivityEvent(ctx context.Context, id workflow.ID, loc workflow.Location, activityName string, createdAt time.Time, input, inputHash, output []byte, errMsg string, loopLoc workflow.Location) error

	// PullNextSignal atomically finds the oldest unacked signal matching
	// id directly or via a tag subset match against id's tags, acks it,
	// and appends a signal-receive event at loc. ok is
	// false when no signal currently matches.
	PullNextSignal(ctx context.Context, id workflow.ID, nameFilter []string, loc workflow.Location, loopLoc workflow.Location) (sig *workflow.Signal, ok bool, err error)

	// PublishSignal inserts a signal row targeted at a specific workflow.
	PublishSignal(ctx context.Context, rayID workflow.RayID, target workflow.ID, signalID workflow.SignalID, name string, body []byte) error

	// PublishTaggedSignal inserts a signal row matched by tag subset.
	// Implementations must reject an empty tags map with a KindInvalid
	// error.
	PublishTaggedSignal(ctx context.Context, rayID workflow.RayID, tags workflow.Tags, signalID workflow.SignalID, name string, body []byte) error

	// PublishSignalFromWorkflow publishes a targeted signal and records a
	// signal-send event in the sending workflow's history, atomically.
	PublishSignalFromWorkflow(ctx context.Context, from workflow.ID, loc workflow.Location, target workflow.ID, signalID workflow.SignalID, name string, body []byte) error

	// PublishTaggedSignalFromWorkflow is PublishSignalFromWorkflow for a
	// tagged signal. Subject to the same empty-tags rejection as
	// PublishTaggedSignal.
	PublishTaggedSignalFromWorkflow(ctx context.Context, from workflow.ID, loc workflow.Location, tags workflow.Tags, signalID workflow.SignalID, name string, body []byte) error

	// DispatchSubWorkflow atomically inserts the child workflow row and
	// appends a sub-workflow event to the parent.
	DispatchSubWorkflow(ctx context.Context, parent workflow.ID, loc workflow.Location, childID workflow.ID, name string, tags workflow.Tags, input []byte, rayID workflow.RayID) error

	// CommitMessageSendEvent appends an append-only message-send record.
	CommitMessageSendEvent(ctx context.Context, id workflow.ID, loc workflow.Location, subject string, body []byte) error

	// CommitSleepEvent appends an append-only sleep record.
	CommitSleepEvent(ctx context.Context, id workflow.ID, loc workflow.Location, deadline time.Time) error

	// UpdateLoop advances a loop's iteration counter and, in the same
	// transaction, marks the events nested under the previous iteration
	// (loc.Child(iteration-1)) as forgotten. When done is true nothing is
	// forgotten, so the final iteration's events stay in history.
	UpdateLoop(ctx context.Context, id workflow.ID, loc workflow.Location, iteration int, output []byte, done bool) error

	// CommitBranchEvent upserts a location marker with no payload, used to
	// pin the path of a nested scope so reordering surrounding code does
	// not shift it.
	CommitBranchEvent(ctx context.Context, id workflow.ID, loc workflow.Location) error

	// CommitVersionEvent upserts the code version a handler observed the
	// first time it reached loc, so later deployments with a different
	// version do not change the decision an in-flight workflow already
	// made at that point.
	CommitVersionEvent(ctx context.Context, id workflow.ID, loc workflow.Location, version int) error

	// Ping refreshes a worker instance's last-ping timestamp, used by the
	// lease-recovery mechanism in pkg/worker to detect stale leases.
	Ping(ctx context.Context, workerInstanceID workflow.WorkerInstanceID) error

	// StealStaleLeases clears the lease (and sets wake_immediate) on any
	// workflow whose lease holder's last-ping is older than staleAfter,
	// returning the number of leases stolen.
	StealStaleLeases(ctx context.Context, staleAfter time.Duration) (int, error)
}

// ErrorKind classifies a raw backend error for the retry decorator.
// Concrete adapters supply a Classifier instead of string-matching a
// driver's error text.
type ErrorKind int

const (
	// ErrKindFatal means the operation must not be retried.
	ErrKindFatal ErrorKind = iota
	// ErrKindConflict means a transaction serialization conflict; retry
	// immediately with small jitter.
	ErrKindConflict
	// ErrKindTransientIO means a transient I/O error; retry with
	// exponential backoff.
	ErrKindTransientIO
	// ErrKindPoolExhausted means the connection pool is saturated; retry
	// with backoff, same schedule as ErrKindTransientIO.
	ErrKindPoolExhausted
)

// Classifier lets a backend tell the retry decorator how to treat one of
// its errors, replacing brittle substring matching on driver error text.
type Classifier interface {
	Classify(err error) ErrorKind
}
