package mongodoc

import (
	"context"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/coreflow/workflow/pkg/workflow"
)

type signalDoc struct {
	ID        string            `bson:"_id"`
	Name      string            `bson:"name"`
	Body      []byte            `bson:"body,omitempty"`
	RayID     string            `bson:"ray_id,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	AckedAt   *time.Time        `bson:"acked_at,omitempty"`
	TargetID  string            `bson:"target_id,omitempty"`
	Tags      map[string]string `bson:"tags,omitempty"`
}

func (a *Adapter) unackedSignals(ctx context.Context) ([]signalDoc, error) {
	cur, err := a.signals.Find(ctx, bson.M{"acked_at": bson.M{"$exists": false}})
	if err != nil {
		return nil, err
	}
	var docs []signalDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// PullNextSignal scans unacked signals in memory rather than pushing the
// tag-subset match into a query, matching the in-memory adapter: Mongo has
// no operator for "this document's map is a subset of that map", so the
// predicate is evaluated in Go the same way it is there.
func (a *Adapter) PullNextSignal(ctx context.Context, id workflow.ID, nameFilter []string, loc workflow.Location, loopLoc workflow.Location) (*workflow.Signal, bool, error) {
	var result *workflow.Signal
	err := a.withTransaction(ctx, func(ctx context.Context) error {
		result = nil
		var wfDoc workflowDoc
		if err := a.workflows.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&wfDoc); err != nil {
			return workflow.New(workflow.KindNotFound, "workflow %s not found", id)
		}

		docs, err := a.unackedSignals(ctx)
		if err != nil {
			return err
		}
		nameSet := toSet(nameFilter)
		var candidates []signalDoc
		for _, d := range docs {
			if len(nameSet) > 0 && !nameSet[d.Name] {
				continue
			}
			if d.TargetID == string(id) || (len(d.Tags) > 0 && workflow.Tags(d.Tags).MatchesTags(workflow.Tags(wfDoc.Tags))) {
				candidates = append(candidates, d)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
		chosen := candidates[0]

		now := time.Now()
		res, err := a.signals.UpdateOne(ctx,
			bson.M{"_id": chosen.ID, "acked_at": bson.M{"$exists": false}},
			bson.M{"$set": bson.M{"acked_at": now}},
		)
		if err != nil {
			return err
		}
		if res.ModifiedCount == 0 {
			return nil // raced with another puller; try again next tick
		}

		if _, err := a.events.UpdateOne(ctx,
			bson.M{"_id": eventID(id, loc)},
			bson.M{"$setOnInsert": bson.M{
				"workflow_id": string(id), "location": loc.String(), "type": string(workflow.EventSignalReceive),
				"loop_location": loopLoc.String(), "forgotten": false,
				"signal_id": chosen.ID, "signal_name": chosen.Name, "body": chosen.Body,
			}},
			options.UpdateOne().SetUpsert(true),
		); err != nil {
			return err
		}

		result = &workflow.Signal{
			ID: workflow.SignalID(chosen.ID), Name: chosen.Name, Body: chosen.Body,
			RayID: workflow.RayID(chosen.RayID), TargetID: id,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, result != nil, nil
}

func (a *Adapter) PublishSignal(ctx context.Context, rayID workflow.RayID, target workflow.ID, signalID workflow.SignalID, name string, body []byte) error {
	_, err := a.signals.InsertOne(ctx, signalDoc{
		ID: string(signalID), Name: name, Body: body, RayID: string(rayID), CreatedAt: time.Now(), TargetID: string(target),
	})
	return err
}

func (a *Adapter) PublishTaggedSignal(ctx context.Context, rayID workflow.RayID, tags workflow.Tags, signalID workflow.SignalID, name string, body []byte) error {
	if len(tags) == 0 {
		return workflow.New(workflow.KindInvalid, "tagged signal %s: empty tag map would match every workflow", signalID)
	}
	_, err := a.signals.InsertOne(ctx, signalDoc{
		ID: string(signalID), Name: name, Body: body, RayID: string(rayID), CreatedAt: time.Now(), Tags: map[string]string(tags),
	})
	return err
}

func (a *Adapter) PublishSignalFromWorkflow(ctx context.Context, from workflow.ID, loc workflow.Location, target workflow.ID, signalID workflow.SignalID, name string, body []byte) error {
	return a.withTransaction(ctx, func(ctx context.Context) error {
		if _, err := a.signals.InsertOne(ctx, signalDoc{
			ID: string(signalID), Name: name, Body: body, CreatedAt: time.Now(), TargetID: string(target),
		}); err != nil {
			return err
		}
		_, err := a.events.UpdateOne(ctx,
			bson.M{"_id": eventID(from, loc)},
			bson.M{"$setOnInsert": bson.M{
				"workflow_id": string(from), "location": loc.String(), "type": string(workflow.EventSignalSend),
				"signal_id": string(signalID), "signal_name": name, "target_id": string(target), "body": body, "forgotten": false,
			}},
			options.UpdateOne().SetUpsert(true),
		)
		return err
	})
}

func (a *Adapter) PublishTaggedSignalFromWorkflow(ctx context.Context, from workflow.ID, loc workflow.Location, tags workflow.Tags, signalID workflow.SignalID, name string, body []byte) error {
	if len(tags) == 0 {
		return workflow.New(workflow.KindInvalid, "tagged signal %s: empty tag map would match every workflow", signalID)
	}
	return a.withTransaction(ctx, func(ctx context.Context) error {
		if _, err := a.signals.InsertOne(ctx, signalDoc{
			ID: string(signalID), Name: name, Body: body, CreatedAt: time.Now(), Tags: map[string]string(tags),
		}); err != nil {
			return err
		}
		_, err := a.events.UpdateOne(ctx,
			bson.M{"_id": eventID(from, loc)},
			bson.M{"$setOnInsert": bson.M{
				"workflow_id": string(from), "location": loc.String(), "type": string(workflow.EventSignalSend),
				"signal_id": string(signalID), "signal_name": name, "tag_match": map[string]string(tags), "body": body, "forgotten": false,
			}},
			options.UpdateOne().SetUpsert(true),
		)
		return err
	})
}
