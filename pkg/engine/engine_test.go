package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/workflow/pkg/engine"
	"github.com/coreflow/workflow/pkg/replay"
)

func noopWorkflow(ctx context.Context, rc *replay.Context, input []byte) replay.HandlerOutcome {
	return replay.Completed(nil)
}

func noopActivity(ctx context.Context, input []byte) ([]byte, error) {
	return nil, nil
}

func TestRegisterWorkflowRejectsEmptyName(t *testing.T) {
	r := engine.NewRegistry()
	err := r.RegisterWorkflow(engine.WorkflowDefinition{Handler: noopWorkflow})
	assert.Error(t, err)
}

func TestRegisterWorkflowRejectsDuplicateName(t *testing.T) {
	r := engine.NewRegistry()
	require.NoError(t, r.RegisterWorkflow(engine.WorkflowDefinition{Name: "demo", Handler: noopWorkflow}))

	err := r.RegisterWorkflow(engine.WorkflowDefinition{Name: "demo", Handler: noopWorkflow})
	assert.Error(t, err)
}

func TestWorkflowLookupMiss(t *testing.T) {
	r := engine.NewRegistry()
	_, ok := r.Workflow("missing")
	assert.False(t, ok)
}

func TestWorkflowLookupHit(t *testing.T) {
	r := engine.NewRegistry()
	require.NoError(t, r.RegisterWorkflow(engine.WorkflowDefinition{Name: "demo", Handler: noopWorkflow}))

	fn, ok := r.Workflow("demo")
	require.True(t, ok)
	require.NotNil(t, fn)
}

func TestRegisterActivityRejectsEmptyNameAndDuplicate(t *testing.T) {
	r := engine.NewRegistry()
	assert.Error(t, r.RegisterActivity(engine.ActivityDefinition{Handler: noopActivity}))

	require.NoError(t, r.RegisterActivity(engine.ActivityDefinition{Name: "charge", Handler: noopActivity}))
	assert.Error(t, r.RegisterActivity(engine.ActivityDefinition{Name: "charge", Handler: noopActivity}))

	_, ok := r.Activity("charge")
	assert.True(t, ok)
}

func TestWorkflowNamesListsAllRegistered(t *testing.T) {
	r := engine.NewRegistry()
	require.NoError(t, r.RegisterWorkflow(engine.WorkflowDefinition{Name: "alpha", Handler: noopWorkflow}))
	require.NoError(t, r.RegisterWorkflow(engine.WorkflowDefinition{Name: "beta", Handler: noopWorkflow}))

	names := r.WorkflowNames()
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
}

func TestNewEngineBundlesCollaborators(t *testing.T) {
	r := engine.NewRegistry()
	e := engine.New(r, nil, nil)
	assert.Same(t, r, e.Registry)
	assert.Nil(t, e.Storage)
	assert.Nil(t, e.Bus)
}
