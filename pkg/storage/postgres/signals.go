package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coreflow/workflow/pkg/workflow"
)

// PullNextSignal looks across both the targeted and tagged signal tables
// for the oldest unacked match, acks it, and records a signal-receive
// event, all in one transaction so a crash between ack and event commit
// never drops a signal.
func (a *Adapter) PullNextSignal(ctx context.Context, id workflow.ID, nameFilter []string, loc workflow.Location, loopLoc workflow.Location) (*workflow.Signal, bool, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var workflowTags []byte
	if err := tx.QueryRow(ctx, `SELECT tags FROM workflows WHERE id = $1`, string(id)).Scan(&workflowTags); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, workflow.New(workflow.KindNotFound, "workflow %s not found", id)
		}
		return nil, false, err
	}

	var sigID, name string
	var body []byte
	var rayID string
	var fromTagged bool
	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT id, name, body, ray_id, false AS from_tagged, created_at FROM signals
		WHERE acked_at IS NULL AND target_id = $1 AND ($2::text[] IS NULL OR name = ANY($2))
		UNION ALL
		SELECT id, name, body, ray_id, true AS from_tagged, created_at FROM tagged_signals
		WHERE acked_at IS NULL AND tags <@ $3::jsonb AND ($2::text[] IS NULL OR name = ANY($2))
		ORDER BY created_at
		LIMIT 1`,
		string(id), nullableNameFilter(nameFilter), workflowTags,
	).Scan(&sigID, &name, &body, &rayID, &fromTagged, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	table := "signals"
	if fromTagged {
		table = "tagged_signals"
	}
	if _, err := tx.Exec(ctx, `UPDATE `+table+` SET acked_at = now() WHERE id = $1`, sigID); err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO signal_receive_events (workflow_id, location, signal_id, signal_name, body, loop_location)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, location) DO NOTHING`,
		string(id), loc.String(), sigID, name, body, loopLoc.String()); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &workflow.Signal{ID: workflow.SignalID(sigID), Name: name, Body: body, RayID: workflow.RayID(rayID), TargetID: id}, true, nil
}

func (a *Adapter) PublishSignal(ctx context.Context, rayID workflow.RayID, target workflow.ID, signalID workflow.SignalID, name string, body []byte) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO signals (id, name, body, ray_id, target_id) VALUES ($1, $2, $3, $4, $5)`,
		string(signalID), name, body, string(rayID), string(target))
	return err
}

func (a *Adapter) PublishTaggedSignal(ctx context.Context, rayID workflow.RayID, tags workflow.Tags, signalID workflow.SignalID, name string, body []byte) error {
	if len(tags) == 0 {
		return workflow.New(workflow.KindInvalid, "tagged signal %s: empty tag map would match every workflow", signalID)
	}
	tagBytes, err := tagsJSON(tags)
	if err != nil {
		return workflow.Wrap(workflow.KindInvalid, err, "marshal tags")
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO tagged_signals (id, name, body, ray_id, tags) VALUES ($1, $2, $3, $4, $5)`,
		string(signalID), name, body, string(rayID), tagBytes)
	return err
}

func (a *Adapter) PublishSignalFromWorkflow(ctx context.Context, from workflow.ID, loc workflow.Location, target workflow.ID, signalID workflow.SignalID, name string, body []byte) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO signals (id, name, body, target_id) VALUES ($1, $2, $3, $4)`,
		string(signalID), name, body, string(target)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO signal_send_events (workflow_id, location, signal_id, signal_name, target_id, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, location) DO NOTHING`,
		string(from), loc.String(), string(signalID), name, string(target), body); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (a *Adapter) PublishTaggedSignalFromWorkflow(ctx context.Context, from workflow.ID, loc workflow.Location, tags workflow.Tags, signalID workflow.SignalID, name string, body []byte) error {
	if len(tags) == 0 {
		return workflow.New(workflow.KindInvalid, "tagged signal %s: empty tag map would match every workflow", signalID)
	}
	tagBytes, err := tagsJSON(tags)
	if err != nil {
		return workflow.Wrap(workflow.KindInvalid, err, "marshal tags")
	}
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO tagged_signals (id, name, body, tags) VALUES ($1, $2, $3, $4)`,
		string(signalID), name, body, tagBytes); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO signal_send_events (workflow_id, location, signal_id, signal_name, tag_match, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, location) DO NOTHING`,
		string(from), loc.String(), string(signalID), name, tagBytes, body); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
