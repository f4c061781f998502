package storage

import (
	"context"
	"time"

	"github.com/coreflow/workflow/pkg/workflow"
)

// The methods below make *Retrying implement Adapter by routing every
// operation through Do, so every storage call gets the retry policy
// without each adapter having to implement it itself.

var _ Adapter = (*Retrying)(nil)

func (r *Retrying) DispatchWorkflow(ctx context.Context, rayID workflow.RayID, id workflow.ID, name string, tags workflow.Tags, input []byte) error {
	return r.Do(ctx, func(ctx context.Context) error {
		return r.inner.DispatchWorkflow(ctx, rayID, id, name, tags, input)
	})
}

func (r *Retrying) GetWorkflow(ctx context.Context, id workflow.ID) (*workflow.Workflow, error) {
	var out *workflow.Workflow
	err := r.Do(ctx, func(ctx context.Context) error {
		w, err := r.inner.GetWorkflow(ctx, id)
		out = w
		return err
	})
	return out, err
}

func (r *Retrying) PullWorkflows(ctx context.Context, workerInstanceID workflow.WorkerInstanceID, nameFilter []string, maxCount int) ([]*workflow.Workflow, error) {
	var out []*workflow.Workflow
	err := r.Do(ctx, func(ctx context.Context) error {
		w, err := r.inner.PullWorkflows(ctx, workerInstanceID, nameFilter, maxCount)
		out = w
		return err
	})
	return out, err
}

func (r *Retrying) LoadHistory(ctx context.Context, id workflow.ID) ([]*workflow.HistoryEvent, error) {
	var out []*workflow.HistoryEvent
	err := r.Do(ctx, func(ctx context.Context) error {
		h, err := r.inner.LoadHistory(ctx, id)
		out = h
		return err
	})
	return out, err
}

func (r *Retrying) CommitWorkflow(ctx context.Context, id workflow.ID, output []byte) error {
	return r.Do(ctx, func(ctx context.Context) error { return r.inner.CommitWorkflow(ctx, id, output) })
}

func (r *Retrying) FailWorkflow(ctx context.Context, id workflow.ID, wake workflow.WakeCondition, errMsg string) error {
	return r.Do(ctx, func(ctx context.Context) error { return r.inner.FailWorkflow(ctx, id, wake, errMsg) })
}

func (r *Retrying) UpdateWorkflowTags(ctx context.Context, id workflow.ID, tags workflow.Tags) error {
	return r.Do(ctx, func(ctx context.Context) error { return r.inner.UpdateWorkflowTags(ctx, id, tags) })
}

func (r *Retrying) CommitActivityEvent(ctx context.Context, id workflow.ID, loc workflow.Location, activityName string, createdAt time.Time, input, inputHash, output []byte, errMsg string, loopLoc workflow.Location) error {
	return r.Do(ctx, func(ctx context.Context) error {
		return r.inner.CommitActivityEvent(ctx, id, loc, activityName, createdAt, input, inputHash, output, errMsg, loopLoc)
	})
}

func (r *Retrying) PullNextSignal(ctx context.Context, id workflow.ID, nameFilter []string, loc workflow.Location, loopLoc workflow.Location) (*workflow.Signal, bool, error) {
	var sig *workflow.Signal
	var ok bool
	err := r.Do(ctx, func(ctx context.Context) error {
		s, o, err := r.inner.PullNextSignal(ctx, id, nameFilter, loc, loopLoc)
		sig, ok = s, o
		return err
	})
	return sig, ok, err
}

func (r *Retrying) PublishSignal(ctx context.Context, rayID workflow.RayID, target workflow.ID, signalID workflow.SignalID, name string, body []byte) error {
	return r.Do(ctx, func(ctx context.Context) error {
		return r.inner.PublishSignal(ctx, rayID, target, signalID, name, body)
	})
}

func (r *Retrying) PublishTaggedSignal(ctx context.Context, rayID workflow.RayID, tags workflow.Tags, signalID workflow.SignalID, name string, body []byte) error {
	return r.Do(ctx, func(ctx context.Context) error {
		return r.inner.PublishTaggedSignal(ctx, rayID, tags, signalID, name, body)
	})
}

func (r *Retrying) PublishSignalFromWorkflow(ctx context.Context, from workflow.ID, loc workflow.Location, target workflow.ID, signalID workflow.SignalID, name string, body []byte) error {
	return r.Do(ctx, func(ctx context.Context) error {
		return r.inner.PublishSignalFromWorkflow(ctx, from, loc, target, signalID, name, body)
	})
}

func (r *Retrying) PublishTaggedSignalFromWorkflow(ctx context.Context, from workflow.ID, loc workflow.Location, tags workflow.Tags, signalID workflow.SignalID, name string, body []byte) error {
	return r.Do(ctx, func(ctx context.Context) error {
		return r.inner.PublishTaggedSignalFromWorkflow(ctx, from, loc, tags, signalID, name, body)
	})
}

func (r *Retrying) DispatchSubWorkflow(ctx context.Context, parent workflow.ID, loc workflow.Location, childID workflow.ID, name string, tags workflow.Tags, input []byte, rayID workflow.RayID) error {
	return r.Do(ctx, func(ctx context.Context) error {
		return r.inner.DispatchSubWorkflow(ctx, parent, loc, childID, name, tags, input, rayID)
	})
}

func (r *Retrying) CommitMessageSendEvent(ctx context.Context, id workflow.ID, loc workflow.Location, subject string, body []byte) error {
	return r.Do(ctx, func(ctx context.Context) error {
		return r.inner.CommitMessageSendEvent(ctx, id, loc, subject, body)
	})
}

func (r *Retrying) CommitSleepEvent(ctx context.Context, id workflow.ID, loc workflow.Location, deadline time.Time) error {
	return r.Do(ctx, func(ctx context.Context) error { return r.inner.CommitSleepEvent(ctx, id, loc, deadline) })
}

func (r *Retrying) UpdateLoop(ctx context.Context, id workflow.ID, loc workflow.Location, iteration int, output []byte, done bool) error {
	return r.Do(ctx, func(ctx context.Context) error {
		return r.inner.UpdateLoop(ctx, id, loc, iteration, output, done)
	})
}

func (r *Retrying) CommitBranchEvent(ctx context.Context, id workflow.ID, loc workflow.Location) error {
	return r.Do(ctx, func(ctx context.Context) error { return r.inner.CommitBranchEvent(ctx, id, loc) })
}

func (r *Retrying) CommitVersionEvent(ctx context.Context, id workflow.ID, loc workflow.Location, version int) error {
	return r.Do(ctx, func(ctx context.Context) error { return r.inner.CommitVersionEvent(ctx, id, loc, version) })
}

func (r *Retrying) Ping(ctx context.Context, workerInstanceID workflow.WorkerInstanceID) error {
	return r.Do(ctx, func(ctx context.Context) error { return r.inner.Ping(ctx, workerInstanceID) })
}

func (r *Retrying) StealStaleLeases(ctx context.Context, staleAfter time.Duration) (int, error) {
	var n int
	err := r.Do(ctx, func(ctx context.Context) error {
		count, err := r.inner.StealStaleLeases(ctx, staleAfter)
		n = count
		return err
	})
	return n, err
}
