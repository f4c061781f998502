// Package inmem provides an in-memory storage.Adapter for tests and local
// development, modeled on registry/store/memory: a single mutex
// guarding plain Go maps, with no durability across process restarts.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coreflow/workflow/pkg/storage"
	"github.com/coreflow/workflow/pkg/workflow"
)

type Adapter struct {
	mu sync.Mutex

	workflows map[workflow.ID]*workflow.Workflow
	history   map[workflow.ID][]*workflow.HistoryEvent
	signals   map[workflow.SignalID]*workflow.Signal
	workers   map[workflow.WorkerInstanceID]*workflow.WorkerInstance

	// now is overridden in tests to control lease and deadline comparisons
	// without sleeping.
	now func() time.Time
}

// New returns an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{
		workflows: make(map[workflow.ID]*workflow.Workflow),
		history:   make(map[workflow.ID][]*workflow.HistoryEvent),
		signals:   make(map[workflow.SignalID]*workflow.Signal),
		workers:   make(map[workflow.WorkerInstanceID]*workflow.WorkerInstance),
		now:       time.Now,
	}
}

var _ storage.Adapter = (*Adapter)(nil)

// Classify implements storage.Classifier: the in-memory adapter never
// fails transiently, so every error is fatal (no retry can help a
// programming error like AlreadyExists).
func (a *Adapter) Classify(error) storage.ErrorKind { return storage.ErrKindFatal }

func (a *Adapter) DispatchWorkflow(_ context.Context, rayID workflow.RayID, id workflow.ID, name string, tags workflow.Tags, input []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.workflows[id]; exists {
		return workflow.New(workflow.KindAlreadyExists, "workflow %s already exists", id)
	}
	a.workflows[id] = &workflow.Workflow{
		ID: id, Name: name, RayID: rayID, Tags: cloneTags(tags), Input: input,
		CreatedAt: a.now(), Wake: workflow.WakeCondition{Immediate: true},
	}
	return nil
}

func (a *Adapter) GetWorkflow(_ context.Context, id workflow.ID) (*workflow.Workflow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workflows[id]
	if !ok {
		return nil, workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	cp := *w
	return &cp, nil
}

func (a *Adapter) PullWorkflows(_ context.Context, workerInstanceID workflow.WorkerInstanceID, nameFilter []string, maxCount int) ([]*workflow.Workflow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	names := toSet(nameFilter)
	var ids []workflow.ID
	for id, w := range a.workflows {
		if len(names) > 0 && !names[w.Name] {
			continue
		}
		if a.eligibleLocked(w, now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*workflow.Workflow
	for _, id := range ids {
		if len(out) >= maxCount {
			break
		}
		w := a.workflows[id]
		w.LeaseHolder = workerInstanceID
		cp := *w
		out = append(out, &cp)
	}
	if wi, ok := a.workers[workerInstanceID]; ok {
		wi.LastPingAt = now
	} else {
		a.workers[workerInstanceID] = &workflow.WorkerInstance{ID: workerInstanceID, LastPingAt: now}
	}
	return out, nil
}

// eligibleLocked implements the pull predicate: no active lease, not
// silenced, and at least one wake condition satisfied (immediate,
// deadline passed, a matching signal pending, or an awaited sub-workflow
// completed). Callers must hold a.mu.
func (a *Adapter) eligibleLocked(w *workflow.Workflow, now time.Time) bool {
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
	if len(wc.Signals) > 0 && a.hasMatchingSignalLocked(w, wc.Signals) {
		return true
	}
	if wc.SubWorkflowID != "" {
		if child, ok := a.workflows[wc.SubWorkflowID]; ok && child.IsComplete() {
			return true
		}
	}
	return false
}

func (a *Adapter) hasMatchingSignalLocked(w *workflow.Workflow, names []string) bool {
	nameSet := toSet(names)
	for _, sig := range a.signals {
		if sig.AckedAt != nil {
			continue
		}
		if len(nameSet) > 0 && !nameSet[sig.Name] {
			continue
		}
		if sig.TargetID == w.ID {
			return true
		}
		if len(sig.Tags) > 0 && sig.Tags.MatchesTags(w.Tags) {
			return true
		}
	}
	return false
}

func (a *Adapter) LoadHistory(_ context.Context, id workflow.ID) ([]*workflow.HistoryEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	events := a.history[id]
	out := make([]*workflow.HistoryEvent, 0, len(events))
	for _, ev := range events {
		if ev.Forgotten {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location.Less(out[j].Location) })
	return out, nil
}

func (a *Adapter) CommitWorkflow(_ context.Context, id workflow.ID, output []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workflows[id]
	if !ok {
		return workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	w.Output = output
	w.LeaseHolder = ""
	w.Wake = workflow.WakeCondition{}
	// wake any parent awaiting id as a sub-workflow: nothing to do here
	// beyond setting output, since eligibleLocked re-derives this
	// condition directly from child state on the next pull.
	return nil
}

func (a *Adapter) FailWorkflow(_ context.Context, id workflow.ID, wake workflow.WakeCondition, errMsg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workflows[id]
	if !ok {
		return workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	w.LeaseHolder = ""
	w.Wake = wake
	w.Error = errMsg
	return nil
}

func (a *Adapter) UpdateWorkflowTags(_ context.Context, id workflow.ID, tags workflow.Tags) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workflows[id]
	if !ok {
		return workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	w.Tags = cloneTags(tags)
	return nil
}

func (a *Adapter) CommitActivityEvent(_ context.Context, id workflow.ID, loc workflow.Location, activityName string, createdAt time.Time, input, inputHash, output []byte, errMsg string, loopLoc workflow.Location) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	payload := workflow.ActivityPayload{ActivityName: activityName, InputHash: inputHash, Input: input, Output: output, Error: errMsg, CreatedAt: createdAt}
	a.upsertLocked(id, loc, workflow.EventActivity, payload, loopLoc)
	return nil
}

func (a *Adapter) upsertLocked(id workflow.ID, loc workflow.Location, typ workflow.EventType, payload any, loopLoc workflow.Location) {
	events := a.history[id]
	for _, ev := range events {
		if ev.Location.Equal(loc) && !ev.Forgotten {
			ev.Payload = payload
			ev.Type = typ
			ev.LoopLocation = loopLoc
			return
		}
	}
	a.history[id] = append(events, &workflow.HistoryEvent{
		WorkflowID: id, Location: loc, Type: typ, Payload: payload, LoopLocation: loopLoc,
	})
}

func (a *Adapter) PullNextSignal(_ context.Context, id workflow.ID, nameFilter []string, loc workflow.Location, loopLoc workflow.Location) (*workflow.Signal, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.workflows[id]
	if !ok {
		return nil, false, workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	nameSet := toSet(nameFilter)

	var candidates []*workflow.Signal
	for _, sig := range a.signals {
		if sig.AckedAt != nil {
			continue
		}
		if len(nameSet) > 0 && !nameSet[sig.Name] {
			continue
		}
		if sig.TargetID == id || (len(sig.Tags) > 0 && sig.Tags.MatchesTags(w.Tags)) {
			candidates = append(candidates, sig)
		}
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	chosen := candidates[0]
	now := a.now()
	chosen.AckedAt = &now

	a.upsertLocked(id, loc, workflow.EventSignalReceive, workflow.SignalReceivePayload{
		SignalName: chosen.Name, SignalID: chosen.ID, Body: chosen.Body,
	}, loopLoc)

	cp := *chosen
	return &cp, true, nil
}

func (a *Adapter) PublishSignal(_ context.Context, rayID workflow.RayID, target workflow.ID, signalID workflow.SignalID, name string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signals[signalID] = &workflow.Signal{ID: signalID, Name: name, Body: body, RayID: rayID, CreatedAt: a.now(), TargetID: target}
	return nil
}

func (a *Adapter) PublishTaggedSignal(_ context.Context, rayID workflow.RayID, tags workflow.Tags, signalID workflow.SignalID, name string, body []byte) error {
	if len(tags) == 0 {
		return workflow.New(workflow.KindInvalid, "tagged signal %s: empty tag map would match every workflow", signalID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signals[signalID] = &workflow.Signal{ID: signalID, Name: name, Body: body, RayID: rayID, CreatedAt: a.now(), Tags: cloneTags(tags)}
	return nil
}

func (a *Adapter) PublishSignalFromWorkflow(_ context.Context, from workflow.ID, loc workflow.Location, target workflow.ID, signalID workflow.SignalID, name string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signals[signalID] = &workflow.Signal{ID: signalID, Name: name, Body: body, CreatedAt: a.now(), TargetID: target}
	a.upsertLocked(from, loc, workflow.EventSignalSend, workflow.SignalSendPayload{SignalID: signalID, SignalName: name, Target: target, Body: body}, nil)
	return nil
}

func (a *Adapter) PublishTaggedSignalFromWorkflow(_ context.Context, from workflow.ID, loc workflow.Location, tags workflow.Tags, signalID workflow.SignalID, name string, body []byte) error {
	if len(tags) == 0 {
		return workflow.New(workflow.KindInvalid, "tagged signal %s: empty tag map would match every workflow", signalID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signals[signalID] = &workflow.Signal{ID: signalID, Name: name, Body: body, CreatedAt: a.now(), Tags: cloneTags(tags)}
	a.upsertLocked(from, loc, workflow.EventSignalSend, workflow.SignalSendPayload{SignalID: signalID, SignalName: name, TagMatch: tags, Body: body}, nil)
	return nil
}

func (a *Adapter) DispatchSubWorkflow(_ context.Context, parent workflow.ID, loc workflow.Location, childID workflow.ID, name string, tags workflow.Tags, input []byte, rayID workflow.RayID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.workflows[childID]; exists {
		return workflow.New(workflow.KindAlreadyExists, "workflow %s already exists", childID)
	}
	a.workflows[childID] = &workflow.Workflow{
		ID: childID, Name: name, RayID: rayID, Tags: cloneTags(tags), Input: input,
		CreatedAt: a.now(), Wake: workflow.WakeCondition{Immediate: true},
	}
	a.upsertLocked(parent, loc, workflow.EventSubWorkflow, workflow.SubWorkflowPayload{ChildID: childID, Name: name, Input: input}, nil)
	return nil
}

func (a *Adapter) CommitMessageSendEvent(_ context.Context, id workflow.ID, loc workflow.Location, subject string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upsertLocked(id, loc, workflow.EventMessageSend, workflow.MessageSendPayload{Subject: subject, Body: body}, nil)
	return nil
}

func (a *Adapter) CommitSleepEvent(_ context.Context, id workflow.ID, loc workflow.Location, deadline time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upsertLocked(id, loc, workflow.EventSleep, workflow.SleepPayload{DeadlineAt: deadline}, nil)
	return nil
}

// UpdateLoop persists the loop's iteration counter and, only while the loop
// is still running (done is false), forgets the just-completed iteration's
// nested events. The done transition stores the count of completed
// iterations rather than an index into the next one, so it must not run
// the same forget pass — doing so would resolve to the surviving final
// iteration's own prefix and erase the events the caller just committed.
func (a *Adapter) UpdateLoop(_ context.Context, id workflow.ID, loc workflow.Location, iteration int, output []byte, done bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upsertLocked(id, loc, workflow.EventLoop, workflow.LoopPayload{Iteration: iteration, Output: output, Done: done}, nil)

	if done {
		return nil
	}
	prevPrefix := loc.Child(iteration - 1).String() + "."
	events := a.history[id]
	for _, ev := range events {
		key := ev.Location.String()
		if len(key) > len(prevPrefix) && key[:len(prevPrefix)] == prevPrefix {
			ev.Forgotten = true
		}
	}
	return nil
}

func (a *Adapter) CommitBranchEvent(_ context.Context, id workflow.ID, loc workflow.Location) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upsertLocked(id, loc, workflow.EventBranch, workflow.BranchPayload{}, nil)
	return nil
}

func (a *Adapter) CommitVersionEvent(_ context.Context, id workflow.ID, loc workflow.Location, version int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upsertLocked(id, loc, workflow.EventVersion, workflow.VersionPayload{Version: version}, nil)
	return nil
}

func (a *Adapter) Ping(_ context.Context, workerInstanceID workflow.WorkerInstanceID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if wi, ok := a.workers[workerInstanceID]; ok {
		wi.LastPingAt = a.now()
	} else {
		a.workers[workerInstanceID] = &workflow.WorkerInstance{ID: workerInstanceID, LastPingAt: a.now()}
	}
	return nil
}

func (a *Adapter) StealStaleLeases(_ context.Context, staleAfter time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	stale := make(map[workflow.WorkerInstanceID]bool)
	for id, wi := range a.workers {
		if now.Sub(wi.LastPingAt) > staleAfter {
			stale[id] = true
		}
	}
	n := 0
	for _, w := range a.workflows {
		if w.LeaseHolder != "" && stale[w.LeaseHolder] {
			w.LeaseHolder = ""
			w.Wake.Immediate = true
			n++
		}
	}
	return n, nil
}

func cloneTags(t workflow.Tags) workflow.Tags {
	if t == nil {
		return nil
	}
	out := make(workflow.Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func toSet(ss []string) map[string]bool {
	if len(ss) == 0 {
		return nil
	}
	out := make(map[string]bool, len(ss))
	for _, s := range ss {
		out[s] = true
	}
	return out
}
