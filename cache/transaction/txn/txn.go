// Package txn holds the contract between the cache and an external transaction
// coordinator, the cluster-wide transaction identity, and LocalManager, an
// in-process coordinator.
package txn

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Status of an external transaction.
type Status int

const (
	StatusNoTransaction Status = iota
	StatusActive
	StatusMarkedRollback
	StatusPreparing
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
	StatusUnknown
)

var statusNames = map[Status]string{
	StatusNoTransaction:  "NoTransaction",
	StatusActive:         "Active",
	StatusMarkedRollback: "MarkedRollback",
	StatusPreparing:      "Preparing",
	StatusPrepared:       "Prepared",
	StatusCommitting:     "Committing",
	StatusCommitted:      "Committed",
	StatusRollingBack:    "RollingBack",
	StatusRolledBack:     "RolledBack",
	StatusUnknown:        "Unknown",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// IsCompleted reports whether s is a final status.
func (s Status) IsCompleted() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Synchronization is the completion callback pair the coordinator invokes.
// A BeforeCompletion error forces the transaction to roll back.
type Synchronization interface {
	BeforeCompletion() error
	AfterCompletion(status Status)
}

// Transaction is a unit of work driven by an external coordinator.
type Transaction interface {
	ID() uint64
	Status() Status
	RegisterSynchronization(s Synchronization) error
	Commit() error
	Rollback() error
	SetRollbackOnly() error
}

// Manager begins transactions.
type Manager interface {
	Begin() (Transaction, error)
}

var (
	// ErrRolledBack is returned by Commit when the transaction rolled back instead.
	ErrRolledBack = errors.New("transaction rolled back")
	// ErrNotActive is returned for work or registration on a transaction that is not active.
	ErrNotActive = errors.New("transaction not active")
)

// GlobalTransaction identifies one transaction across the cluster: the address
// of the originating cache and a sequence number. The zero value means none.
type GlobalTransaction struct {
	Address string
	ID      uint64
	Remote  bool
}

func (g GlobalTransaction) IsZero() bool {
	return g.ID == 0 && g.Address == ""
}

func (g GlobalTransaction) String() string {
	if g.Remote {
		return fmt.Sprintf("GlobalTransaction:<%s>:%d(remote)", g.Address, g.ID)
	}
	return fmt.Sprintf("GlobalTransaction:<%s>:%d", g.Address, g.ID)
}
