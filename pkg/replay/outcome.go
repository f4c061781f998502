package replay

import "github.com/coreflow/workflow/pkg/workflow"

// OutcomeKind distinguishes the two shapes a memoized call can resolve to.
// Tagged variants are used instead of dynamic dispatch so replay can match
// by type, not by vtable identity.
type OutcomeKind int

const (
	// OutcomeValue means the call produced (or replayed) a value; the
	// handler should continue executing.
	OutcomeValue OutcomeKind = iota
	// OutcomeSuspend means the call has no value yet; the handler's
	// current tick ends here and the wake condition in Outcome.Wake is
	// handed to the worker pool to persist.
	OutcomeSuspend
)

// Outcome is the tagged return value of a suspendable primitive
// (SignalReceive, Sleep, ListenWithTimeout, SubWorkflow). It is not a
// language-level await — handler code inspects Kind and, on
// OutcomeSuspend, returns immediately with a HandlerOutcome built via
// Suspend.
type Outcome struct {
	Kind  OutcomeKind
	Value []byte
	Wake  workflow.WakeCondition
}

// IsSuspend is a convenience check for handler code:
//
//	out, err := ctx.Sleep(deadline)
//	if err != nil { return replay.Failed(err) }
//	if out.IsSuspend() { return replay.Suspend(out.Wake) }
func (o Outcome) IsSuspend() bool { return o.Kind == OutcomeSuspend }

// HandlerOutcome is the terminal value a WorkflowFunc (see package engine)
// returns for the current tick: either the workflow is Done with an
// output, it Suspends with a wake condition, or it Failed with Err set.
type HandlerOutcome struct {
	Done   bool
	Output []byte
	Wake   workflow.WakeCondition
	Err    error
}

// Completed builds a HandlerOutcome signaling the workflow finished with
// output.
func Completed(output []byte) HandlerOutcome {
	return HandlerOutcome{Done: true, Output: output}
}

// Suspend builds a HandlerOutcome signaling the workflow should release
// its lease and wait on wake.
func Suspend(wake workflow.WakeCondition) HandlerOutcome {
	return HandlerOutcome{Done: false, Wake: wake}
}

// Failed builds a HandlerOutcome signaling the tick ended in error; the
// worker pool classifies err to decide between a retry wake
// and a terminal failure.
func Failed(err error) HandlerOutcome {
	return HandlerOutcome{Err: err}
}
