package transaction

import (
	"fmt"

	"github.com/pingcap-incubator/tinytree/cache/storage"
)

// State is where a unit of work is in its lifecycle.
type State int

const (
	StateNone State = iota
	StateActive
	StatePreparing
	StatePrepared
	StateCommitted
	StateRolledBack
)

var stateNames = []string{"None", "Active", "Preparing", "Prepared", "Committed", "RolledBack"}

func (s State) String() string {
	if int(s) < len(stateNames) && s >= 0 {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsCompleted reports whether no further transition is possible.
func (s State) IsCompleted() bool {
	return s == StateCommitted || s == StateRolledBack
}

// One-phase completion goes straight from Active to Committed.
var transitions = map[State][]State{
	StateNone:      {StateActive},
	StateActive:    {StatePreparing, StateCommitted, StateRolledBack},
	StatePreparing: {StatePrepared, StateCommitted, StateRolledBack},
	StatePrepared:  {StateCommitted, StateRolledBack},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalidTransition(from, to State) error {
	return storage.NewIntegrity("invalid transaction state transition %v -> %v", from, to)
}
