package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coreflow/workflow/pkg/storage/postgres"
	"github.com/coreflow/workflow/pkg/workflow"
)

var (
	testDSN        string
	skipPGTests    bool
	containerSetup bool
)

func setupPostgres(t *testing.T) {
	t.Helper()
	if containerSetup {
		if skipPGTests {
			t.Skip("Docker not available, skipping Postgres tests")
		}
		return
	}
	containerSetup = true
	ctx := context.Background()

	var container testcontainers.Container
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "workflow",
				"POSTGRES_PASSWORD": "workflow",
				"POSTGRES_DB":       "workflow",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		}
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipPGTests = true
		t.Skipf("Docker not available, skipping Postgres tests: %v", containerErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		skipPGTests = true
		t.Skipf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		skipPGTests = true
		t.Skipf("failed to get container port: %v", err)
	}

	testDSN = fmt.Sprintf("postgres://workflow:workflow@%s:%s/workflow?sslmode=disable", host, port.Port())
	if err := postgres.Migrate(testDSN); err != nil {
		skipPGTests = true
		t.Skipf("failed to migrate test database: %v", err)
	}
}

func newTestAdapter(t *testing.T) (*postgres.Adapter, func()) {
	t.Helper()
	setupPostgres(t)
	if skipPGTests {
		t.Skip("Docker not available, skipping Postgres tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDSN)
	require.NoError(t, err)

	for _, table := range []string{"workflows", "worker_instances", "workflow_activity_events",
		"workflow_activity_errors", "signal_receive_events", "signal_send_events", "message_send_events",
		"sub_workflow_events", "loop_events", "sleep_events", "branch_events", "version_events",
		"signals", "tagged_signals"} {
		_, _ = pool.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE")
	}

	return postgres.New(pool), func() { pool.Close() }
}

func TestPostgresDispatchAndGetWorkflowRoundTrip(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, a.DispatchWorkflow(ctx, "ray-1", "wf-1", "demo", workflow.Tags{"customer": "c1"}, []byte("in")))

	w, err := a.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "demo", w.Name)
	assert.Equal(t, "in", string(w.Input))
	assert.True(t, w.Wake.Immediate)
}

func TestPostgresDispatchWorkflowRejectsDuplicateID(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, a.DispatchWorkflow(ctx, "", "wf-1", "demo", nil, nil))

	err := a.DispatchWorkflow(ctx, "", "wf-1", "demo", nil, nil)
	require.Error(t, err)
	kind, _ := workflow.KindOf(err)
	assert.Equal(t, workflow.KindAlreadyExists, kind)
}

func TestPostgresPullWorkflowsClaimsEligibleAndRespectsLease(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, a.DispatchWorkflow(ctx, "", "wf-1", "demo", nil, nil))

	first, err := a.PullWorkflows(ctx, "worker-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := a.PullWorkflows(ctx, "worker-2", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, second, "a leased workflow must not be claimed by another worker")
}

func TestPostgresCommitWorkflowSetsOutputAndClearsLease(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, a.DispatchWorkflow(ctx, "", "wf-1", "demo", nil, nil))
	_, err := a.PullWorkflows(ctx, "worker-1", nil, 10)
	require.NoError(t, err)

	require.NoError(t, a.CommitWorkflow(ctx, "wf-1", []byte("done")))

	w, err := a.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "done", string(w.Output))
	assert.Empty(t, w.LeaseHolder)
}

func TestPostgresTaggedSignalRoutesBySubsetMatch(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, a.DispatchWorkflow(ctx, "", "wf-1", "demo", workflow.Tags{"customer": "c1", "region": "us"}, nil))

	require.NoError(t, a.PublishTaggedSignal(ctx, "", workflow.Tags{"customer": "c1"}, "sig-1", "approve", []byte("yes")))

	sig, ok, err := a.PullNextSignal(ctx, "wf-1", []string{"approve"}, workflow.Location{0}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "yes", string(sig.Body))
}

func TestPostgresPublishTaggedSignalRejectsEmptyTags(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()
	err := a.PublishTaggedSignal(ctx, "", workflow.Tags{}, "sig-1", "approve", nil)
	require.Error(t, err)
	kind, _ := workflow.KindOf(err)
	assert.Equal(t, workflow.KindInvalid, kind)
}

func TestPostgresStealStaleLeasesMakesWorkflowEligibleAgain(t *testing.T) {
	a, cleanup := newTestAdapter(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, a.DispatchWorkflow(ctx, "", "wf-1", "demo", nil, nil))
	_, err := a.PullWorkflows(ctx, "dead-worker", nil, 10)
	require.NoError(t, err)

	n, err := a.StealStaleLeases(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pulled, err := a.PullWorkflows(ctx, "worker-2", nil, 10)
	require.NoError(t, err)
	require.Len(t, pulled, 1)
}
