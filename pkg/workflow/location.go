package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Location is an ordered sequence of integers identifying a step's lexical
// position within a workflow handler. For example
// [2, 0, 3] is "the fourth statement of the first iteration of the third
// statement". Locations are compared lexicographically and are immutable
// once assigned — callers must treat a Location as a value type and
// never mutate a slice obtained from one.
type Location []int

// Child returns a new Location with idx appended, used when entering a
// nested scope (a loop iteration, a branch).
func (l Location) Child(idx int) Location {
	child := make(Location, len(l)+1)
	copy(child, l)
	child[len(l)] = idx
	return child
}

// Equal reports whether two locations are identical.
func (l Location) Equal(other Location) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

// Less implements the lexicographic total order used to sort history
// events into replay order.
func (l Location) Less(other Location) bool {
	for i := 0; i < len(l) && i < len(other); i++ {
		if l[i] != other[i] {
			return l[i] < other[i]
		}
	}
	return len(l) < len(other)
}

// String renders the location as dotted integers, e.g. "2.0.3", for logging
// and for use as a map/DB key component.
func (l Location) String() string {
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

// ParseLocation is the inverse of String, used when decoding locations read
// back from storage.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, nil
	}
	parts := strings.Split(s, ".")
	loc := make(Location, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("workflow: invalid location segment %q in %q: %w", p, s, err)
		}
		loc[i] = v
	}
	return loc, nil
}
