package storage

import "strconv"

// DataVersion stamps the committed state of a node. Optimistic validation
// compares the version captured by a workspace with the committed one.
type DataVersion interface {
	// NewerThan reports whether the receiver supersedes other. A nil other is older than anything.
	NewerThan(other DataVersion) bool
	// Increment returns the version that follows the receiver.
	Increment() DataVersion
	String() string
}

// DefaultDataVersion is a monotonic counter.
type DefaultDataVersion int64

// ZeroVersion is the version of a freshly created node.
const ZeroVersion = DefaultDataVersion(0)

func (v DefaultDataVersion) NewerThan(other DataVersion) bool {
	if other == nil {
		return true
	}
	o, ok := other.(DefaultDataVersion)
	if !ok {
		return false
	}
	return v > o
}

func (v DefaultDataVersion) Increment() DataVersion {
	return v + 1
}

func (v DefaultDataVersion) String() string {
	return strconv.FormatInt(int64(v), 10)
}

// SameVersion is equality on versions, tolerating nil.
func SameVersion(a, b DataVersion) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return !a.NewerThan(b) && !b.NewerThan(a)
}
