package workflow_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/workflow/pkg/workflow"
)

func TestErrorKindOf(t *testing.T) {
	err := workflow.New(workflow.KindDivergence, "history divergence at %s", "1.0")
	kind, ok := workflow.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, workflow.KindDivergence, kind)

	_, ok = workflow.KindOf(errors.New("plain error"))
	assert.False(t, ok)
}

func TestErrorWrapPreservesCauseChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := workflow.Wrap(workflow.KindTransient, cause, "")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection refused", err.Error())
}

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	a := workflow.New(workflow.KindNotFound, "workflow %s not found", "wf-1")
	b := workflow.New(workflow.KindNotFound, "workflow %s not found", "wf-2")

	assert.True(t, errors.Is(a, b), "two errors with the same Kind should match via errors.Is")
	assert.False(t, errors.Is(a, workflow.New(workflow.KindInvalid, "")))
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind workflow.Kind
		want bool
	}{
		{workflow.KindTransient, true},
		{workflow.KindActivityFailed, true},
		{workflow.KindDivergence, false},
		{workflow.KindUnrecoverable, false},
		{workflow.KindNotFound, false},
		{workflow.KindAlreadyExists, false},
		{workflow.KindInvalid, false},
		{workflow.KindMaxRetries, false},
	}
	for _, c := range cases {
		got := workflow.Retryable(workflow.New(c.kind, "boom"))
		assert.Equalf(t, c.want, got, "Retryable(%s)", c.kind)
	}
	assert.False(t, workflow.Retryable(errors.New("not a workflow.Error")))
}

func TestErrorNilReceiverIsSafe(t *testing.T) {
	var e *workflow.Error
	assert.Equal(t, "", e.Error())
	assert.Nil(t, e.Unwrap())
}
