package workflow

import "encoding/json"

// AncestorRef identifies one workflow in a dispatch chain by the two
// fields the recursive-request guard compares against a would-be child:
// its name and its tag set.
type AncestorRef struct {
	Name string
	Tags Tags
}

// Equal reports whether ref identifies the same (name, tags) pair as
// name/tags — the guard's cycle test.
func (ref AncestorRef) Equal(name string, tags Tags) bool {
	if ref.Name != name {
		return false
	}
	if len(ref.Tags) != len(tags) {
		return false
	}
	for k, v := range ref.Tags {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// AncestryTagKey is the reserved tag key a sub-workflow's own tag map
// carries its ancestor chain under, so the worker pool can reconstruct the
// chain for the recursive-request guard without a dedicated schema column
// on any storage backend.
const AncestryTagKey = "__wf_ancestry"

// EncodeAncestry serializes chain (the dispatching workflow's own ancestor
// chain, self included) as a string suitable for storing under
// AncestryTagKey on a child's tags.
func EncodeAncestry(chain []AncestorRef) (string, error) {
	if len(chain) == 0 {
		return "", nil
	}
	b, err := json.Marshal(chain)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeAncestry is the inverse of EncodeAncestry. An empty string decodes
// to an empty chain.
func DecodeAncestry(encoded string) ([]AncestorRef, error) {
	if encoded == "" {
		return nil, nil
	}
	var chain []AncestorRef
	if err := json.Unmarshal([]byte(encoded), &chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// VisibleTags strips the reserved ancestry key from tags, returning the
// map a caller asked for originally. Used by the worker pool when it adds
// a workflow's own entry to its ancestor chain; GetWorkflow returns tags
// with the ancestry key still present.
func VisibleTags(tags Tags) Tags {
	if _, ok := tags[AncestryTagKey]; !ok {
		return tags
	}
	out := make(Tags, len(tags)-1)
	for k, v := range tags {
		if k == AncestryTagKey {
			continue
		}
		out[k] = v
	}
	return out
}
