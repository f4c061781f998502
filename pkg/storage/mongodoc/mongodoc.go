// Package mongodoc provides a MongoDB storage.Adapter, the K/V-style
// alternate to pkg/storage/postgres. Each entity type gets its own
// collection; within a collection a document is keyed by its natural id
// (workflow id, signal id, worker instance id) or, for history events, by
// the compound (workflow id, location) pair that the relational adapter
// uses as a primary key. Multi-document writes that must succeed or fail
// together run inside a session transaction.
package mongodoc

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/coreflow/workflow/pkg/storage"
	"github.com/coreflow/workflow/pkg/workflow"
)

// Adapter is a storage.Adapter backed by MongoDB.
type Adapter struct {
	client *mongo.Client

	workflows *mongo.Collection
	events    *mongo.Collection
	signals   *mongo.Collection
	workers   *mongo.Collection
}

var _ storage.Adapter = (*Adapter)(nil)
var _ storage.Classifier = (*Adapter)(nil)

// New returns an Adapter backed by db. Call EnsureIndexes once at startup
// before serving traffic.
func New(client *mongo.Client, db *mongo.Database) *Adapter {
	return &Adapter{
		client:    client,
		workflows: db.Collection("workflows"),
		events:    db.Collection("workflow_events"),
		signals:   db.Collection("signals"),
		workers:   db.Collection("worker_instances"),
	}
}

// EnsureIndexes creates the indexes PullWorkflows, PullNextSignal, and
// LoadHistory rely on. Safe to call repeatedly; CreateMany is a no-op for
// indexes that already exist with the same keys.
func (a *Adapter) EnsureIndexes(ctx context.Context) error {
	if _, err := a.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "forgotten", Value: 1}}},
	}); err != nil {
		return err
	}
	if _, err := a.signals.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "target_id", Value: 1}, {Key: "acked_at", Value: 1}}},
		{Keys: bson.D{{Key: "acked_at", Value: 1}, {Key: "created_at", Value: 1}}},
	}); err != nil {
		return err
	}
	_, err := a.workflows.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "lease_holder", Value: 1}, {Key: "output", Value: 1}}},
	})
	return err
}

// Classify implements storage.Classifier using mongo-driver's transient
// transaction error labels instead of string-matching driver text.
func (a *Adapter) Classify(err error) storage.ErrorKind {
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrKindFatal
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.HasErrorLabel("UnknownTransactionCommitResult") {
			return storage.ErrKindConflict
		}
	}
	if mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return storage.ErrKindTransientIO
	}
	if mongo.IsNetworkError(err) {
		return storage.ErrKindTransientIO
	}
	return storage.ErrKindFatal
}

// withTransaction runs fn inside a session transaction, retrying transient
// transaction errors per the driver's documented pattern.
func (a *Adapter) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := a.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

type workflowDoc struct {
	ID          string            `bson:"_id"`
	Name        string            `bson:"name"`
	RayID       string            `bson:"ray_id"`
	Tags        map[string]string `bson:"tags"`
	Input       []byte            `bson:"input,omitempty"`
	Output      []byte            `bson:"output,omitempty"`
	CreatedAt   time.Time         `bson:"created_at"`
	Error       string            `bson:"error"`
	WakeImm     bool              `bson:"wake_immediate"`
	WakeAt      time.Time         `bson:"wake_deadline_at,omitempty"`
	WakeSignals []string          `bson:"wake_signals,omitempty"`
	WakeSubWF   string            `bson:"wake_sub_workflow_id,omitempty"`
	LeaseHolder string            `bson:"lease_holder"`
	Silenced    bool              `bson:"silenced"`
}

func toWorkflowDoc(id workflow.ID, rayID workflow.RayID, name string, tags workflow.Tags, input []byte, createdAt time.Time) *workflowDoc {
	return &workflowDoc{
		ID: string(id), Name: name, RayID: string(rayID), Tags: map[string]string(tags),
		Input: input, CreatedAt: createdAt, WakeImm: true,
	}
}

func (d *workflowDoc) toWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID: workflow.ID(d.ID), Name: d.Name, RayID: workflow.RayID(d.RayID), Tags: workflow.Tags(d.Tags),
		Input: d.Input, Output: d.Output, CreatedAt: d.CreatedAt, Error: d.Error,
		Wake: workflow.WakeCondition{
			Immediate: d.WakeImm, DeadlineAt: d.WakeAt, Signals: d.WakeSignals,
			SubWorkflowID: workflow.ID(d.WakeSubWF),
		},
		LeaseHolder: workflow.WorkerInstanceID(d.LeaseHolder), Silenced: d.Silenced,
	}
}

func (a *Adapter) DispatchWorkflow(ctx context.Context, rayID workflow.RayID, id workflow.ID, name string, tags workflow.Tags, input []byte) error {
	doc := toWorkflowDoc(id, rayID, name, tags, input, time.Now())
	_, err := a.workflows.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return workflow.New(workflow.KindAlreadyExists, "workflow %s already exists", id)
	}
	return err
}

func (a *Adapter) GetWorkflow(ctx context.Context, id workflow.ID) (*workflow.Workflow, error) {
	var doc workflowDoc
	err := a.workflows.FindOne(ctx, bson.D{{Key: "_id", Value: string(id)}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return doc.toWorkflow(), nil
}

// PullWorkflows mirrors the in-memory adapter's eligibility scan: load the
// candidate rows (name filter, no lease, not silenced, no output), evaluate
// each against signals/sub-workflow state in Go, then claim the winners and
// bump the worker's last-ping in one transaction.
func (a *Adapter) PullWorkflows(ctx context.Context, workerInstanceID workflow.WorkerInstanceID, nameFilter []string, maxCount int) ([]*workflow.Workflow, error) {
	var claimed []*workflow.Workflow
	err := a.withTransaction(ctx, func(ctx context.Context) error {
		claimed = nil
		filter := bson.M{"lease_holder": "", "output": bson.M{"$exists": false}, "silenced": false}
		if len(nameFilter) > 0 {
			filter["name"] = bson.M{"$in": nameFilter}
		}
		cur, err := a.workflows.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return err
		}
		var candidates []workflowDoc
		if err := cur.All(ctx, &candidates); err != nil {
			return err
		}

		pendingSignals, err := a.unackedSignals(ctx)
		if err != nil {
			return err
		}

		now := time.Now()
		for _, doc := range candidates {
			if len(claimed) >= maxCount {
				break
			}
			w := doc.toWorkflow()
			if !a.eligible(ctx, w, now, pendingSignals) {
				continue
			}
			res, err := a.workflows.UpdateOne(ctx,
				bson.M{"_id": doc.ID, "lease_holder": ""},
				bson.M{"$set": bson.M{"lease_holder": string(workerInstanceID)}},
			)
			if err != nil {
				return err
			}
			if res.ModifiedCount == 0 {
				continue // raced with another claimant
			}
			w.LeaseHolder = workerInstanceID
			claimed = append(claimed, w)
		}

		_, err = a.workers.UpdateOne(ctx,
			bson.M{"_id": string(workerInstanceID)},
			bson.M{"$set": bson.M{"last_ping_at": now}},
			options.UpdateOne().SetUpsert(true),
		)
		return err
	})
	return claimed, err
}

func (a *Adapter) eligible(ctx context.Context, w *workflow.Workflow, now time.Time, pendingSignals []signalDoc) bool {
	wc := w.Wake
	if wc.Immediate {
		return true
	}
	if !wc.DeadlineAt.IsZero() && !now.Before(wc.DeadlineAt) {
		return true
	}
	if len(wc.Signals) > 0 {
		nameSet := toSet(wc.Signals)
		for _, sig := range pendingSignals {
			if len(nameSet) > 0 && !nameSet[sig.Name] {
				continue
			}
			if sig.TargetID == string(w.ID) {
				return true
			}
			if len(sig.Tags) > 0 && workflow.Tags(sig.Tags).MatchesTags(w.Tags) {
				return true
			}
		}
	}
	if wc.SubWorkflowID != "" {
		var child workflowDoc
		err := a.workflows.FindOne(ctx, bson.M{"_id": string(wc.SubWorkflowID)}).Decode(&child)
		if err == nil && child.Output != nil {
			return true
		}
	}
	return false
}

func (a *Adapter) CommitWorkflow(ctx context.Context, id workflow.ID, output []byte) error {
	res, err := a.workflows.UpdateOne(ctx,
		bson.M{"_id": string(id)},
		bson.M{
			"$set":   bson.M{"output": output, "lease_holder": ""},
			"$unset": bson.M{"wake_immediate": "", "wake_deadline_at": "", "wake_signals": "", "wake_sub_workflow_id": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	return nil
}

func (a *Adapter) FailWorkflow(ctx context.Context, id workflow.ID, wake workflow.WakeCondition, errMsg string) error {
	res, err := a.workflows.UpdateOne(ctx,
		bson.M{"_id": string(id)},
		bson.M{"$set": bson.M{
			"lease_holder":         "",
			"error":                errMsg,
			"wake_immediate":       wake.Immediate,
			"wake_deadline_at":     wake.DeadlineAt,
			"wake_signals":         wake.Signals,
			"wake_sub_workflow_id": string(wake.SubWorkflowID),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	return nil
}

func (a *Adapter) UpdateWorkflowTags(ctx context.Context, id workflow.ID, tags workflow.Tags) error {
	res, err := a.workflows.UpdateOne(ctx, bson.M{"_id": string(id)}, bson.M{"$set": bson.M{"tags": map[string]string(tags)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	return nil
}

func (a *Adapter) Ping(ctx context.Context, workerInstanceID workflow.WorkerInstanceID) error {
	_, err := a.workers.UpdateOne(ctx,
		bson.M{"_id": string(workerInstanceID)},
		bson.M{"$set": bson.M{"last_ping_at": time.Now()}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (a *Adapter) StealStaleLeases(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter)
	cur, err := a.workers.Find(ctx, bson.M{"last_ping_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	var stale []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &stale); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	ids := make([]string, len(stale))
	for i, s := range stale {
		ids[i] = s.ID
	}
	res, err := a.workflows.UpdateMany(ctx,
		bson.M{"lease_holder": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"lease_holder": "", "wake_immediate": true}},
	)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
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
