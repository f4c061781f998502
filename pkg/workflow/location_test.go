package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/workflow/pkg/workflow"
)

func TestLocationStringRoundTrip(t *testing.T) {
	loc := workflow.Location{2, 0, 3}
	s := loc.String()
	assert.Equal(t, "2.0.3", s)

	parsed, err := workflow.ParseLocation(s)
	require.NoError(t, err)
	assert.True(t, loc.Equal(parsed))
}

func TestParseLocationEmptyString(t *testing.T) {
	loc, err := workflow.ParseLocation("")
	require.NoError(t, err)
	assert.Equal(t, workflow.Location{}, loc)
}

func TestParseLocationInvalid(t *testing.T) {
	_, err := workflow.ParseLocation("1.x.3")
	assert.Error(t, err)
}

func TestLocationChild(t *testing.T) {
	parent := workflow.Location{1}
	child := parent.Child(4)
	assert.Equal(t, workflow.Location{1, 4}, child)
	// Child must not mutate parent.
	assert.Equal(t, workflow.Location{1}, parent)
}

func TestLocationLess(t *testing.T) {
	cases := []struct {
		a, b workflow.Location
		want bool
	}{
		{workflow.Location{1}, workflow.Location{2}, true},
		{workflow.Location{2}, workflow.Location{1}, false},
		{workflow.Location{1}, workflow.Location{1, 0}, true},
		{workflow.Location{1, 0}, workflow.Location{1}, false},
		{workflow.Location{1, 2}, workflow.Location{1, 2}, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, c.a.Less(c.b), "%v.Less(%v)", c.a, c.b)
	}
}
