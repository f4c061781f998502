package mongodoc_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/coreflow/workflow/pkg/storage/mongodoc"
	"github.com/coreflow/workflow/pkg/workflow"
)

var (
	testMongoClient *mongo.Client
	skipMongoTests  bool
	setupDone       bool
)

func setupMongo(t *testing.T) {
	t.Helper()
	if setupDone {
		if skipMongoTests {
			t.Skip("Docker not available, skipping MongoDB tests")
		}
		return
	}
	setupDone = true
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
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipMongoTests = true
		t.Skipf("Docker not available, skipping MongoDB tests: %v", containerErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		skipMongoTests = true
		t.Skipf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		t.Skipf("failed to get container port: %v", err)
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		t.Skipf("failed to connect to MongoDB: %v", err)
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
		t.Skipf("failed to ping MongoDB: %v", err)
	}
}

func newTestAdapter(t *testing.T) *mongodoc.Adapter {
	t.Helper()
	setupMongo(t)
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB tests")
	}
	db := testMongoClient.Database("workflow_test")
	require.NoError(t, db.Drop(context.Background()))
	a := mongodoc.New(testMongoClient, db)
	require.NoError(t, a.EnsureIndexes(context.Background()))
	return a
}

func TestMongoDispatchAndGetWorkflowRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.DispatchWorkflow(ctx, "ray-1", "wf-1", "demo", workflow.Tags{"customer": "c1"}, []byte("in")))

	w, err := a.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "demo", w.Name)
	assert.Equal(t, "in", string(w.Input))
	assert.True(t, w.Wake.Immediate)
}

func TestMongoDispatchWorkflowRejectsDuplicateID(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.DispatchWorkflow(ctx, "", "wf-1", "demo", nil, nil))

	err := a.DispatchWorkflow(ctx, "", "wf-1", "demo", nil, nil)
	require.Error(t, err)
	kind, _ := workflow.KindOf(err)
	assert.Equal(t, workflow.KindAlreadyExists, kind)
}

func TestMongoPullWorkflowsClaimsEligibleAndRespectsLease(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.DispatchWorkflow(ctx, "", "wf-1", "demo", nil, nil))

	first, err := a.PullWorkflows(ctx, "worker-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := a.PullWorkflows(ctx, "worker-2", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, second, "a leased workflow must not be claimed by another worker")
}

func TestMongoCommitWorkflowSetsOutputAndClearsLease(t *testing.T) {
	a := newTestAdapter(t)
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

func TestMongoTaggedSignalRoutesBySubsetMatch(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.DispatchWorkflow(ctx, "", "wf-1", "demo", workflow.Tags{"customer": "c1", "region": "us"}, nil))

	require.NoError(t, a.PublishTaggedSignal(ctx, "", workflow.Tags{"customer": "c1"}, "sig-1", "approve", []byte("yes")))

	sig, ok, err := a.PullNextSignal(ctx, "wf-1", []string{"approve"}, workflow.Location{0}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "yes", string(sig.Body))
}

func TestMongoPublishTaggedSignalRejectsEmptyTags(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	err := a.PublishTaggedSignal(ctx, "", workflow.Tags{}, "sig-1", "approve", nil)
	require.Error(t, err)
	kind, _ := workflow.KindOf(err)
	assert.Equal(t, workflow.KindInvalid, kind)
}

func TestMongoStealStaleLeasesMakesWorkflowEligibleAgain(t *testing.T) {
	a := newTestAdapter(t)
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
