package postgres

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/coreflow/workflow/pkg/workflow"
)

// LoadHistory reads every non-forgotten event across all per-type tables
// for id and returns them in location order. Each table is scanned
// directly into the matching *Payload type; SQL ordering is not relied
// upon since the final sort is done in Go against the parsed Location.
func (a *Adapter) LoadHistory(ctx context.Context, id workflow.ID) ([]*workflow.HistoryEvent, error) {
	var out []*workflow.HistoryEvent

	activityRows, err := a.pool.Query(ctx, `
		SELECT location, activity_name, input, input_hash, output, error, loop_location, created_at
		FROM workflow_activity_events WHERE workflow_id = $1 AND NOT forgotten`, string(id))
	if err != nil {
		return nil, err
	}
	for activityRows.Next() {
		var loc, loopLoc string
		var p workflow.ActivityPayload
		if err := activityRows.Scan(&loc, &p.ActivityName, &p.Input, &p.InputHash, &p.Output, &p.Error, &loopLoc, &p.CreatedAt); err != nil {
			activityRows.Close()
			return nil, err
		}
		ev, err := newEvent(id, loc, loopLoc, workflow.EventActivity, p)
		if err != nil {
			activityRows.Close()
			return nil, err
		}
		out = append(out, ev)
	}
	activityRows.Close()
	if err := activityRows.Err(); err != nil {
		return nil, err
	}

	if err := a.loadSignalReceiveEvents(ctx, id, &out); err != nil {
		return nil, err
	}
	if err := a.loadSignalSendEvents(ctx, id, &out); err != nil {
		return nil, err
	}
	if err := a.loadMessageSendEvents(ctx, id, &out); err != nil {
		return nil, err
	}
	if err := a.loadSubWorkflowEvents(ctx, id, &out); err != nil {
		return nil, err
	}
	if err := a.loadLoopEvents(ctx, id, &out); err != nil {
		return nil, err
	}
	if err := a.loadSleepEvents(ctx, id, &out); err != nil {
		return nil, err
	}
	if err := a.loadBranchEvents(ctx, id, &out); err != nil {
		return nil, err
	}
	if err := a.loadVersionEvents(ctx, id, &out); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Location.Less(out[j].Location) })
	return out, nil
}

func newEvent(id workflow.ID, locStr, loopLocStr string, typ workflow.EventType, payload any) (*workflow.HistoryEvent, error) {
	loc, err := workflow.ParseLocation(locStr)
	if err != nil {
		return nil, err
	}
	var loopLoc workflow.Location
	if loopLocStr != "" {
		loopLoc, err = workflow.ParseLocation(loopLocStr)
		if err != nil {
			return nil, err
		}
	}
	return &workflow.HistoryEvent{WorkflowID: id, Location: loc, Type: typ, Payload: payload, LoopLocation: loopLoc}, nil
}

func (a *Adapter) loadMessageSendEvents(ctx context.Context, id workflow.ID, out *[]*workflow.HistoryEvent) error {
	rows, err := a.pool.Query(ctx, `
		SELECT location, subject, body FROM message_send_events WHERE workflow_id = $1 AND NOT forgotten`, string(id))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var loc string
		var p workflow.MessageSendPayload
		if err := rows.Scan(&loc, &p.Subject, &p.Body); err != nil {
			return err
		}
		ev, err := newEvent(id, loc, "", workflow.EventMessageSend, p)
		if err != nil {
			return err
		}
		*out = append(*out, ev)
	}
	return rows.Err()
}

func (a *Adapter) loadSubWorkflowEvents(ctx context.Context, id workflow.ID, out *[]*workflow.HistoryEvent) error {
	rows, err := a.pool.Query(ctx, `
		SELECT location, child_id, name, input FROM sub_workflow_events WHERE workflow_id = $1 AND NOT forgotten`, string(id))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var loc, childID string
		var p workflow.SubWorkflowPayload
		if err := rows.Scan(&loc, &childID, &p.Name, &p.Input); err != nil {
			return err
		}
		p.ChildID = workflow.ID(childID)
		ev, err := newEvent(id, loc, "", workflow.EventSubWorkflow, p)
		if err != nil {
			return err
		}
		*out = append(*out, ev)
	}
	return rows.Err()
}

func (a *Adapter) loadSleepEvents(ctx context.Context, id workflow.ID, out *[]*workflow.HistoryEvent) error {
	rows, err := a.pool.Query(ctx, `
		SELECT location, deadline_at, loop_location FROM sleep_events WHERE workflow_id = $1 AND NOT forgotten`, string(id))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var loc, loopLoc string
		var p workflow.SleepPayload
		if err := rows.Scan(&loc, &p.DeadlineAt, &loopLoc); err != nil {
			return err
		}
		ev, err := newEvent(id, loc, loopLoc, workflow.EventSleep, p)
		if err != nil {
			return err
		}
		*out = append(*out, ev)
	}
	return rows.Err()
}

func (a *Adapter) loadSignalReceiveEvents(ctx context.Context, id workflow.ID, out *[]*workflow.HistoryEvent) error {
	rows, err := a.pool.Query(ctx, `
		SELECT location, signal_id, signal_name, body, loop_location
		FROM signal_receive_events WHERE workflow_id = $1 AND NOT forgotten`, string(id))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var loc, loopLoc, sigID, sigName string
		var body []byte
		if err := rows.Scan(&loc, &sigID, &sigName, &body, &loopLoc); err != nil {
			return err
		}
		p := workflow.SignalReceivePayload{SignalName: sigName, SignalID: workflow.SignalID(sigID), Body: body}
		ev, err := newEvent(id, loc, loopLoc, workflow.EventSignalReceive, p)
		if err != nil {
			return err
		}
		*out = append(*out, ev)
	}
	return rows.Err()
}

func (a *Adapter) loadSignalSendEvents(ctx context.Context, id workflow.ID, out *[]*workflow.HistoryEvent) error {
	rows, err := a.pool.Query(ctx, `
		SELECT location, signal_id, signal_name, target_id, tag_match, body
		FROM signal_send_events WHERE workflow_id = $1 AND NOT forgotten`, string(id))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var loc, sigID, sigName, target string
		var tagBytes, body []byte
		if err := rows.Scan(&loc, &sigID, &sigName, &target, &tagBytes, &body); err != nil {
			return err
		}
		p := workflow.SignalSendPayload{
			SignalID: workflow.SignalID(sigID), SignalName: sigName,
			Target: workflow.ID(target), TagMatch: parseTags(tagBytes), Body: body,
		}
		ev, err := newEvent(id, loc, "", workflow.EventSignalSend, p)
		if err != nil {
			return err
		}
		*out = append(*out, ev)
	}
	return rows.Err()
}

func (a *Adapter) loadLoopEvents(ctx context.Context, id workflow.ID, out *[]*workflow.HistoryEvent) error {
	rows, err := a.pool.Query(ctx, `
		SELECT location, iteration, output, done, loop_location
		FROM loop_events WHERE workflow_id = $1 AND NOT forgotten`, string(id))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var loc, loopLoc string
		var p workflow.LoopPayload
		if err := rows.Scan(&loc, &p.Iteration, &p.Output, &p.Done, &loopLoc); err != nil {
			return err
		}
		ev, err := newEvent(id, loc, loopLoc, workflow.EventLoop, p)
		if err != nil {
			return err
		}
		*out = append(*out, ev)
	}
	return rows.Err()
}

func (a *Adapter) loadBranchEvents(ctx context.Context, id workflow.ID, out *[]*workflow.HistoryEvent) error {
	rows, err := a.pool.Query(ctx, `SELECT location, loop_location FROM branch_events WHERE workflow_id = $1 AND NOT forgotten`, string(id))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var loc, loopLoc string
		if err := rows.Scan(&loc, &loopLoc); err != nil {
			return err
		}
		ev, err := newEvent(id, loc, loopLoc, workflow.EventBranch, workflow.BranchPayload{})
		if err != nil {
			return err
		}
		*out = append(*out, ev)
	}
	return rows.Err()
}

func (a *Adapter) loadVersionEvents(ctx context.Context, id workflow.ID, out *[]*workflow.HistoryEvent) error {
	rows, err := a.pool.Query(ctx, `SELECT location, version, loop_location FROM version_events WHERE workflow_id = $1 AND NOT forgotten`, string(id))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var loc, loopLoc string
		var p workflow.VersionPayload
		if err := rows.Scan(&loc, &p.Version, &loopLoc); err != nil {
			return err
		}
		ev, err := newEvent(id, loc, loopLoc, workflow.EventVersion, p)
		if err != nil {
			return err
		}
		*out = append(*out, ev)
	}
	return rows.Err()
}

func (a *Adapter) CommitActivityEvent(ctx context.Context, id workflow.ID, loc workflow.Location, activityName string, createdAt time.Time, input, inputHash, output []byte, errMsg string, loopLoc workflow.Location) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO workflow_activity_events (workflow_id, location, activity_name, input, input_hash, output, error, loop_location, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workflow_id, location) DO UPDATE SET
		  output = EXCLUDED.output, error = EXCLUDED.error, created_at = EXCLUDED.created_at`,
		string(id), loc.String(), activityName, input, inputHash, output, errMsg, loopLoc.String(), createdAt)
	if err != nil {
		return err
	}
	if errMsg != "" {
		_, err = a.pool.Exec(ctx, `
			INSERT INTO workflow_activity_errors (workflow_id, location, error) VALUES ($1, $2, $3)`,
			string(id), loc.String(), errMsg)
	}
	return err
}

func (a *Adapter) CommitSleepEvent(ctx context.Context, id workflow.ID, loc workflow.Location, deadline time.Time) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO sleep_events (workflow_id, location, deadline_at) VALUES ($1, $2, $3)
		ON CONFLICT (workflow_id, location) DO NOTHING`, string(id), loc.String(), deadline)
	return err
}

func (a *Adapter) CommitBranchEvent(ctx context.Context, id workflow.ID, loc workflow.Location) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO branch_events (workflow_id, location) VALUES ($1, $2)
		ON CONFLICT (workflow_id, location) DO NOTHING`, string(id), loc.String())
	return err
}

func (a *Adapter) CommitVersionEvent(ctx context.Context, id workflow.ID, loc workflow.Location, version int) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO version_events (workflow_id, location, version) VALUES ($1, $2, $3)
		ON CONFLICT (workflow_id, location) DO NOTHING`, string(id), loc.String(), version)
	return err
}

func (a *Adapter) CommitMessageSendEvent(ctx context.Context, id workflow.ID, loc workflow.Location, subject string, body []byte) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO message_send_events (workflow_id, location, subject, body) VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, location) DO NOTHING`, string(id), loc.String(), subject, body)
	return err
}

// DispatchSubWorkflow inserts the child workflow row and appends the
// parent's sub-workflow event in one transaction, so a crash between the
// two never leaves a dangling child with no record of who dispatched it.
func (a *Adapter) DispatchSubWorkflow(ctx context.Context, parent workflow.ID, loc workflow.Location, childID workflow.ID, name string, tags workflow.Tags, input []byte, rayID workflow.RayID) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tagBytes, err := tagsJSON(tags)
	if err != nil {
		return workflow.Wrap(workflow.KindInvalid, err, "marshal tags")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO workflows (id, name, ray_id, tags, input, wake_immediate)
		VALUES ($1, $2, $3, $4, $5, true)`,
		string(childID), name, string(rayID), tagBytes, input); err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			return workflow.New(workflow.KindAlreadyExists, "workflow %s already exists", childID)
		}
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO sub_workflow_events (workflow_id, location, child_id, name, input)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, location) DO NOTHING`,
		string(parent), loc.String(), string(childID), name, input); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateLoop advances the loop's iteration counter and, only while the
// loop is still running (done is false), forgets every event nested
// directly under the iteration just completed, across all per-type
// tables, in one transaction. The done transition stores the count of
// completed iterations rather than an index into the next one, so it must
// skip the forget pass entirely — running it would resolve to the
// surviving final iteration's own prefix and erase the events that were
// just committed for it.
func (a *Adapter) UpdateLoop(ctx context.Context, id workflow.ID, loc workflow.Location, iteration int, output []byte, done bool) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO loop_events (workflow_id, location, iteration, output, done) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, location) DO UPDATE SET iteration = EXCLUDED.iteration, output = EXCLUDED.output, done = EXCLUDED.done`,
		string(id), loc.String(), iteration, output, done); err != nil {
		return err
	}

	if !done {
		// Events nested under the iteration just completed all have a
		// Location starting with that iteration's path. Activity and
		// signal-receive rows record the enclosing loop in loop_location,
		// which narrows the scan further. The other tables either have no
		// such column or are written by commits that leave it empty, so
		// they are matched on location alone, same as every type would be
		// in a single-table design.
		prevIterPrefix := loc.Child(iteration-1).String() + ".%"
		tablesWithLoopLocation := []string{
			"workflow_activity_events", "signal_receive_events",
		}
		for _, table := range tablesWithLoopLocation {
			if _, err := tx.Exec(ctx, `
				UPDATE `+table+` SET forgotten = true
				WHERE workflow_id = $1 AND loop_location = $2 AND location LIKE $3`,
				string(id), loc.String(), prevIterPrefix); err != nil {
				return err
			}
		}
		for _, table := range []string{
			"message_send_events", "sub_workflow_events",
			"loop_events", "sleep_events", "branch_events", "version_events",
		} {
			if _, err := tx.Exec(ctx, `
				UPDATE `+table+` SET forgotten = true WHERE workflow_id = $1 AND location LIKE $2`,
				string(id), prevIterPrefix); err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}
