package mongodoc

import (
	"context"
	"regexp"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/coreflow/workflow/pkg/workflow"
)

// eventDoc is the wide document shape every history event is stored as:
// one entity per (workflow id, location), with the fields relevant to its
// Type populated and the rest left at their zero value.
type eventDoc struct {
	ID           string `bson:"_id"`
	WorkflowID   string `bson:"workflow_id"`
	Location     string `bson:"location"`
	Type         string `bson:"type"`
	LoopLocation string `bson:"loop_location,omitempty"`
	Forgotten    bool   `bson:"forgotten"`

	ActivityName string    `bson:"activity_name,omitempty"`
	Input        []byte    `bson:"input,omitempty"`
	InputHash    []byte    `bson:"input_hash,omitempty"`
	Output       []byte    `bson:"output,omitempty"`
	Error        string    `bson:"error,omitempty"`
	CreatedAt    time.Time `bson:"created_at,omitempty"`

	SignalID   string `bson:"signal_id,omitempty"`
	SignalName string `bson:"signal_name,omitempty"`
	Body       []byte `bson:"body,omitempty"`

	TargetID string            `bson:"target_id,omitempty"`
	TagMatch map[string]string `bson:"tag_match,omitempty"`

	Subject string `bson:"subject,omitempty"`

	ChildID string `bson:"child_id,omitempty"`
	Name    string `bson:"name,omitempty"`

	Iteration int  `bson:"iteration,omitempty"`
	Done      bool `bson:"done,omitempty"`

	DeadlineAt time.Time `bson:"deadline_at,omitempty"`

	Version int `bson:"version,omitempty"`
}

func eventID(id workflow.ID, loc workflow.Location) string {
	return string(id) + "|" + loc.String()
}

func (d *eventDoc) toHistoryEvent() (*workflow.HistoryEvent, error) {
	loc, err := workflow.ParseLocation(d.Location)
	if err != nil {
		return nil, err
	}
	loopLoc, err := workflow.ParseLocation(d.LoopLocation)
	if err != nil {
		return nil, err
	}
	ev := &workflow.HistoryEvent{
		WorkflowID: workflow.ID(d.WorkflowID), Location: loc, Type: workflow.EventType(d.Type),
		LoopLocation: loopLoc, Forgotten: d.Forgotten,
	}
	switch ev.Type {
	case workflow.EventActivity:
		ev.Payload = workflow.ActivityPayload{ActivityName: d.ActivityName, InputHash: d.InputHash, Input: d.Input, Output: d.Output, Error: d.Error, CreatedAt: d.CreatedAt}
	case workflow.EventSignalReceive:
		ev.Payload = workflow.SignalReceivePayload{SignalName: d.SignalName, SignalID: workflow.SignalID(d.SignalID), Body: d.Body}
	case workflow.EventSignalSend:
		ev.Payload = workflow.SignalSendPayload{SignalID: workflow.SignalID(d.SignalID), SignalName: d.SignalName, Target: workflow.ID(d.TargetID), TagMatch: d.TagMatch, Body: d.Body}
	case workflow.EventMessageSend:
		ev.Payload = workflow.MessageSendPayload{Subject: d.Subject, Body: d.Body}
	case workflow.EventSubWorkflow:
		ev.Payload = workflow.SubWorkflowPayload{ChildID: workflow.ID(d.ChildID), Name: d.Name, Input: d.Input}
	case workflow.EventLoop:
		ev.Payload = workflow.LoopPayload{Iteration: d.Iteration, Output: d.Output, Done: d.Done}
	case workflow.EventSleep:
		ev.Payload = workflow.SleepPayload{DeadlineAt: d.DeadlineAt}
	case workflow.EventVersion:
		ev.Payload = workflow.VersionPayload{Version: d.Version}
	case workflow.EventBranch:
		ev.Payload = workflow.BranchPayload{}
	}
	return ev, nil
}

func (a *Adapter) LoadHistory(ctx context.Context, id workflow.ID) ([]*workflow.HistoryEvent, error) {
	cur, err := a.events.Find(ctx, bson.M{"workflow_id": string(id), "forgotten": false})
	if err != nil {
		return nil, err
	}
	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*workflow.HistoryEvent, 0, len(docs))
	for _, d := range docs {
		ev, err := d.toHistoryEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location.Less(out[j].Location) })
	return out, nil
}

func (a *Adapter) CommitActivityEvent(ctx context.Context, id workflow.ID, loc workflow.Location, activityName string, createdAt time.Time, input, inputHash, output []byte, errMsg string, loopLoc workflow.Location) error {
	_, err := a.events.UpdateOne(ctx,
		bson.M{"_id": eventID(id, loc)},
		bson.M{"$set": bson.M{
			"workflow_id": string(id), "location": loc.String(), "type": string(workflow.EventActivity),
			"loop_location": loopLoc.String(), "forgotten": false,
			"activity_name": activityName, "created_at": createdAt,
			"input": input, "input_hash": inputHash, "output": output, "error": errMsg,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (a *Adapter) CommitSleepEvent(ctx context.Context, id workflow.ID, loc workflow.Location, deadline time.Time) error {
	return a.insertIfAbsent(ctx, id, loc, workflow.EventSleep, bson.M{"deadline_at": deadline}, workflow.Location{})
}

func (a *Adapter) CommitBranchEvent(ctx context.Context, id workflow.ID, loc workflow.Location) error {
	return a.insertIfAbsent(ctx, id, loc, workflow.EventBranch, bson.M{}, workflow.Location{})
}

func (a *Adapter) CommitVersionEvent(ctx context.Context, id workflow.ID, loc workflow.Location, version int) error {
	return a.insertIfAbsent(ctx, id, loc, workflow.EventVersion, bson.M{"version": version}, workflow.Location{})
}

func (a *Adapter) CommitMessageSendEvent(ctx context.Context, id workflow.ID, loc workflow.Location, subject string, body []byte) error {
	return a.insertIfAbsent(ctx, id, loc, workflow.EventMessageSend, bson.M{"subject": subject, "body": body}, workflow.Location{})
}

// insertIfAbsent upserts an append-only event: fields only apply the first
// time a location is written, mirroring the relational adapter's
// ON CONFLICT DO NOTHING upserts.
func (a *Adapter) insertIfAbsent(ctx context.Context, id workflow.ID, loc workflow.Location, typ workflow.EventType, fields bson.M, loopLoc workflow.Location) error {
	onInsert := bson.M{
		"workflow_id": string(id), "location": loc.String(), "type": string(typ),
		"loop_location": loopLoc.String(), "forgotten": false,
	}
	for k, v := range fields {
		onInsert[k] = v
	}
	_, err := a.events.UpdateOne(ctx,
		bson.M{"_id": eventID(id, loc)},
		bson.M{"$setOnInsert": onInsert},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (a *Adapter) DispatchSubWorkflow(ctx context.Context, parent workflow.ID, loc workflow.Location, childID workflow.ID, name string, tags workflow.Tags, input []byte, rayID workflow.RayID) error {
	return a.withTransaction(ctx, func(ctx context.Context) error {
		doc := toWorkflowDoc(childID, rayID, name, tags, input, time.Now())
		if _, err := a.workflows.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return workflow.New(workflow.KindAlreadyExists, "workflow %s already exists", childID)
			}
			return err
		}
		_, err := a.events.UpdateOne(ctx,
			bson.M{"_id": eventID(parent, loc)},
			bson.M{"$setOnInsert": bson.M{
				"workflow_id": string(parent), "location": loc.String(), "type": string(workflow.EventSubWorkflow),
				"child_id": string(childID), "name": name, "input": input, "forgotten": false,
			}},
			options.UpdateOne().SetUpsert(true),
		)
		return err
	})
}

// UpdateLoop upserts the loop's iteration marker and, only while the loop
// is still running (done is false), marks every event whose location
// falls strictly under the previous iteration as forgotten. Location
// prefixes are matched with an anchored regex since Mongo has no native
// string-prefix operator as cheap as a LIKE index scan, but the
// workflow_id filter (served by the workflow_id+forgotten index) keeps the
// scan bounded to one workflow's events. The done transition stores the count of completed
// iterations rather than an index into the next one, so it must skip the
// forget pass — running it would resolve to the surviving final
// iteration's own prefix and erase the events just committed for it.
func (a *Adapter) UpdateLoop(ctx context.Context, id workflow.ID, loc workflow.Location, iteration int, output []byte, done bool) error {
	return a.withTransaction(ctx, func(ctx context.Context) error {
		if _, err := a.events.UpdateOne(ctx,
			bson.M{"_id": eventID(id, loc)},
			bson.M{"$set": bson.M{
				"workflow_id": string(id), "location": loc.String(), "type": string(workflow.EventLoop),
				"iteration": iteration, "output": output, "done": done, "forgotten": false,
			}},
			options.UpdateOne().SetUpsert(true),
		); err != nil {
			return err
		}
		if done {
			return nil
		}

		prevPrefix := loc.Child(iteration - 1).String() + "."
		_, err := a.events.UpdateMany(ctx,
			bson.M{"workflow_id": string(id), "location": bson.M{"$regex": "^" + regexp.QuoteMeta(prevPrefix)}},
			bson.M{"$set": bson.M{"forgotten": true}},
		)
		return err
	})
}
