package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/workflow/pkg/workflow"
)

func TestAncestryEncodeDecodeRoundTrip(t *testing.T) {
	chain := []workflow.AncestorRef{
		{Name: "parent", Tags: workflow.Tags{"order": "1"}},
		{Name: "child", Tags: nil},
	}
	encoded, err := workflow.EncodeAncestry(chain)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := workflow.DecodeAncestry(encoded)
	require.NoError(t, err)
	assert.Equal(t, chain, decoded)
}

func TestAncestryEncodeEmptyChain(t *testing.T) {
	encoded, err := workflow.EncodeAncestry(nil)
	require.NoError(t, err)
	assert.Empty(t, encoded)

	decoded, err := workflow.DecodeAncestry("")
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestAncestorRefEqual(t *testing.T) {
	ref := workflow.AncestorRef{Name: "billing", Tags: workflow.Tags{"customer": "c1"}}

	assert.True(t, ref.Equal("billing", workflow.Tags{"customer": "c1"}))
	assert.False(t, ref.Equal("billing", workflow.Tags{"customer": "c2"}), "different tag value")
	assert.False(t, ref.Equal("billing", workflow.Tags{"customer": "c1", "extra": "x"}), "different tag count")
	assert.False(t, ref.Equal("shipping", workflow.Tags{"customer": "c1"}), "different name")
}

func TestVisibleTagsStripsReservedKey(t *testing.T) {
	tags := workflow.Tags{"customer": "c1", workflow.AncestryTagKey: "opaque"}
	visible := workflow.VisibleTags(tags)

	assert.Equal(t, workflow.Tags{"customer": "c1"}, visible)
	_, stillPresent := visible[workflow.AncestryTagKey]
	assert.False(t, stillPresent)
}

func TestVisibleTagsNoOpWithoutReservedKey(t *testing.T) {
	tags := workflow.Tags{"customer": "c1"}
	assert.Equal(t, tags, workflow.VisibleTags(tags))
}
