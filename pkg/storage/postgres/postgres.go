// Package postgres is a relational storage.Adapter built on pgx, laid out
// as one table per event type rather than a single polymorphic history
// table, so a column's type constrains what can be written to it instead
// of relying on application-level tagging.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/coreflow/workflow/pkg/storage"
	"github.com/coreflow/workflow/pkg/workflow"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Adapter is a storage.Adapter backed by a PostgreSQL database reachable
// through pool. A sqlx handle sharing the same *sql.DB (via the pgx
// stdlib driver) is kept alongside the pool for the read paths where
// scanning a query directly into a Go struct is more convenient than
// pgx's positional Scan.
type Adapter struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
}

var _ storage.Adapter = (*Adapter)(nil)
var _ storage.Classifier = (*Adapter)(nil)

// New wraps an already-connected pool. Migrate should be called once at
// startup before the pool is handed to New, typically via the same DSN.
func New(pool *pgxpool.Pool) *Adapter {
	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	return &Adapter{pool: pool, db: db}
}

// Migrate applies every pending migration embedded in this package to the
// database at dsn, using goose so the schema's revision history is
// tracked in the target database itself (table goose_db_version).
func Migrate(dsn string) error {
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres: open for migration: %w", err)
	}
	defer db.Close()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Classify implements storage.Classifier by inspecting pgx/pgconn error
// codes instead of matching on driver error strings.
func (a *Adapter) Classify(err error) storage.ErrorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return storage.ErrKindConflict
		case "53300", "53400": // too_many_connections, configuration_limit_exceeded
			return storage.ErrKindPoolExhausted
		case "08000", "08003", "08006", "08001", "08004": // connection_exception family
			return storage.ErrKindTransientIO
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return storage.ErrKindTransientIO
	}
	return storage.ErrKindFatal
}

func tagsJSON(t workflow.Tags) ([]byte, error) {
	if t == nil {
		t = workflow.Tags{}
	}
	return json.Marshal(t)
}

func parseTags(b []byte) workflow.Tags {
	if len(b) == 0 {
		return nil
	}
	var t workflow.Tags
	_ = json.Unmarshal(b, &t)
	return t
}

type workflowRow struct {
	ID                string     `db:"id"`
	Name              string     `db:"name"`
	RayID             string     `db:"ray_id"`
	Tags              []byte     `db:"tags"`
	Input             []byte     `db:"input"`
	Output            []byte     `db:"output"`
	CreatedAt         time.Time  `db:"created_at"`
	Error             string     `db:"error"`
	WakeImmediate     bool       `db:"wake_immediate"`
	WakeDeadlineAt    *time.Time `db:"wake_deadline_at"`
	WakeSignals       []string   `db:"wake_signals"`
	WakeSubWorkflowID string     `db:"wake_sub_workflow_id"`
	LeaseHolder       string     `db:"lease_holder"`
	Silenced          bool       `db:"silenced"`
}

func (r *workflowRow) toWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:        workflow.ID(r.ID),
		Name:      r.Name,
		RayID:     workflow.RayID(r.RayID),
		Tags:      parseTags(r.Tags),
		Input:     r.Input,
		Output:    r.Output,
		CreatedAt: r.CreatedAt,
		Error:     r.Error,
		Wake: workflow.WakeCondition{
			Immediate:     r.WakeImmediate,
			Signals:       r.WakeSignals,
			SubWorkflowID: workflow.ID(r.WakeSubWorkflowID),
		},
		LeaseHolder: workflow.WorkerInstanceID(r.LeaseHolder),
		Silenced:    r.Silenced,
	}
}

const selectWorkflowCols = `id, name, ray_id, tags, input, output, created_at, error,
	wake_immediate, wake_deadline_at, wake_signals, wake_sub_workflow_id, lease_holder, silenced`

func (a *Adapter) DispatchWorkflow(ctx context.Context, rayID workflow.RayID, id workflow.ID, name string, tags workflow.Tags, input []byte) error {
	tagBytes, err := tagsJSON(tags)
	if err != nil {
		return workflow.Wrap(workflow.KindInvalid, err, "marshal tags")
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO workflows (id, name, ray_id, tags, input, wake_immediate)
		VALUES ($1, $2, $3, $4, $5, true)`,
		string(id), name, string(rayID), tagBytes, input)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return workflow.New(workflow.KindAlreadyExists, "workflow %s already exists", id)
		}
		return err
	}
	return nil
}

func (a *Adapter) GetWorkflow(ctx context.Context, id workflow.ID) (*workflow.Workflow, error) {
	var row workflowRow
	err := a.db.GetContext(ctx, &row, `SELECT `+selectWorkflowCols+` FROM workflows WHERE id = $1`, string(id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, workflow.New(workflow.KindNotFound, "workflow %s not found", id)
		}
		return nil, err
	}
	return row.toWorkflow(), nil
}

// PullWorkflows claims up to maxCount eligible workflows in one
// serializable transaction: SELECT ... FOR UPDATE SKIP LOCKED picks
// candidates no other worker is mid-claim on, the eligibility predicate
// mirrors workflow.Workflow.Eligible plus the signal/sub-workflow checks
// that need a join, and the UPDATE sets lease_holder before committing.
func (a *Adapter) PullWorkflows(ctx context.Context, workerInstanceID workflow.WorkerInstanceID, nameFilter []string, maxCount int) ([]*workflow.Workflow, error) {
	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT `+selectWorkflowCols+`
		FROM workflows w
		WHERE w.output IS NULL AND w.lease_holder = '' AND NOT w.silenced
		  AND ($1::text[] IS NULL OR w.name = ANY($1))
		  AND (
		    w.wake_immediate
		    OR (w.wake_deadline_at IS NOT NULL AND w.wake_deadline_at <= now())
		    OR (
		      array_length(w.wake_signals, 1) IS NOT NULL AND EXISTS (
		        SELECT 1 FROM signals s
		        WHERE s.acked_at IS NULL AND s.target_id = w.id AND s.name = ANY(w.wake_signals)
		        UNION ALL
		        SELECT 1 FROM tagged_signals ts
		        WHERE ts.acked_at IS NULL AND ts.name = ANY(w.wake_signals) AND ts.tags <@ w.tags
		      )
		    )
		    OR (
		      w.wake_sub_workflow_id <> '' AND EXISTS (
		        SELECT 1 FROM workflows c WHERE c.id = w.wake_sub_workflow_id AND c.output IS NOT NULL
		      )
		    )
		  )
		ORDER BY w.id
		FOR UPDATE SKIP LOCKED
		LIMIT $2`, nullableNameFilter(nameFilter), maxCount)
	if err != nil {
		return nil, err
	}
	var claimed []*workflow.Workflow
	for rows.Next() {
		var row workflowRow
		if err := rows.Scan(&row.ID, &row.Name, &row.RayID, &row.Tags, &row.Input, &row.Output, &row.CreatedAt,
			&row.Error, &row.WakeImmediate, &row.WakeDeadlineAt, &row.WakeSignals, &row.WakeSubWorkflowID,
			&row.LeaseHolder, &row.Silenced); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, row.toWorkflow())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, w := range claimed {
		if _, err := tx.Exec(ctx, `UPDATE workflows SET lease_holder = $1 WHERE id = $2`, string(workerInstanceID), string(w.ID)); err != nil {
			return nil, err
		}
		w.LeaseHolder = workerInstanceID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO worker_instances (id, last_ping_at) VALUES ($1, now())
		ON CONFLICT (id) DO UPDATE SET last_ping_at = now()`, string(workerInstanceID)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

func nullableNameFilter(names []string) any {
	if len(names) == 0 {
		return nil
	}
	return names
}

func (a *Adapter) CommitWorkflow(ctx context.Context, id workflow.ID, output []byte) error {
	tag, err := a.pool.Exec(ctx, `
		UPDATE workflows
		SET output = $2, lease_holder = '', wake_immediate = false, wake_deadline_at = NULL,
		    wake_signals = '{}', wake_sub_workflow_id = ''
		WHERE id = $1`, string(id), output)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	return nil
}

func (a *Adapter) FailWorkflow(ctx context.Context, id workflow.ID, wake workflow.WakeCondition, errMsg string) error {
	var deadline *time.Time
	if !wake.DeadlineAt.IsZero() {
		deadline = &wake.DeadlineAt
	}
	tag, err := a.pool.Exec(ctx, `
		UPDATE workflows
		SET lease_holder = '', error = $2, wake_immediate = $3, wake_deadline_at = $4,
		    wake_signals = $5, wake_sub_workflow_id = $6
		WHERE id = $1`,
		string(id), errMsg, wake.Immediate, deadline, pgTextArray(wake.Signals), string(wake.SubWorkflowID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	return nil
}

func pgTextArray(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func (a *Adapter) UpdateWorkflowTags(ctx context.Context, id workflow.ID, tags workflow.Tags) error {
	tagBytes, err := tagsJSON(tags)
	if err != nil {
		return workflow.Wrap(workflow.KindInvalid, err, "marshal tags")
	}
	tag, err := a.pool.Exec(ctx, `UPDATE workflows SET tags = $2 WHERE id = $1`, string(id), tagBytes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return workflow.New(workflow.KindNotFound, "workflow %s not found", id)
	}
	return nil
}

func (a *Adapter) Ping(ctx context.Context, workerInstanceID workflow.WorkerInstanceID) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO worker_instances (id, last_ping_at) VALUES ($1, now())
		ON CONFLICT (id) DO UPDATE SET last_ping_at = now()`, string(workerInstanceID))
	return err
}

func (a *Adapter) StealStaleLeases(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := a.pool.Exec(ctx, `
		UPDATE workflows w
		SET lease_holder = '', wake_immediate = true
		FROM worker_instances wi
		WHERE w.lease_holder = wi.id
		  AND w.lease_holder <> ''
		  AND wi.last_ping_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", staleAfter.Milliseconds()))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
