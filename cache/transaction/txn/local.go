package txn

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// LocalManager is an in-process coordinator. It runs the registered
// synchronizations itself and keeps no durable log.
type LocalManager struct {
	nextID *atomic.Uint64
}

func NewLocalManager() *LocalManager {
	return &LocalManager{nextID: atomic.NewUint64(0)}
}

func (m *LocalManager) Begin() (Transaction, error) {
	return &localTransaction{
		id:     m.nextID.Inc(),
		status: StatusActive,
	}, nil
}

type localTransaction struct {
	id uint64

	mu     sync.Mutex
	status Status
	syncs  []Synchronization
}

func (t *localTransaction) ID() uint64 {
	return t.id
}

func (t *localTransaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *localTransaction) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive && t.status != StatusMarkedRollback {
		return errors.Annotatef(ErrNotActive, "txn %d is %v", t.id, t.status)
	}
	t.syncs = append(t.syncs, s)
	return nil
}

func (t *localTransaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusActive, StatusMarkedRollback:
		t.status = StatusMarkedRollback
		return nil
	}
	return errors.Annotatef(ErrNotActive, "txn %d is %v", t.id, t.status)
}

// transition moves from one of the given states to next and returns the
// synchronizations registered so far.
func (t *localTransaction) transition(next Status, from ...Status) (Status, []Synchronization, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.status
	for _, f := range from {
		if cur == f {
			t.status = next
			syncs := make([]Synchronization, len(t.syncs))
			copy(syncs, t.syncs)
			return cur, syncs, true
		}
	}
	return cur, nil, false
}

func (t *localTransaction) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// Commit runs BeforeCompletion on every synchronization in registration order,
// then AfterCompletion. A BeforeCompletion failure rolls the transaction back
// and Commit returns ErrRolledBack. Committing a committed transaction is a no-op.
func (t *localTransaction) Commit() error {
	cur, syncs, ok := t.transition(StatusPreparing, StatusActive)
	if !ok {
		switch cur {
		case StatusCommitted:
			return nil
		case StatusMarkedRollback:
			if err := t.Rollback(); err != nil {
				return err
			}
			return errors.Annotatef(ErrRolledBack, "txn %d was marked rollback only", t.id)
		case StatusRolledBack:
			return errors.Annotatef(ErrRolledBack, "txn %d", t.id)
		}
		return errors.Annotatef(ErrNotActive, "txn %d is %v", t.id, cur)
	}
	for _, s := range syncs {
		if err := s.BeforeCompletion(); err != nil {
			log.Info("before completion failed, rolling back", zap.Uint64("txn", t.id), zap.Error(err))
			t.setStatus(StatusRollingBack)
			t.afterCompletion(syncs, StatusRolledBack)
			t.setStatus(StatusRolledBack)
			return errors.Annotatef(ErrRolledBack, "txn %d: %v", t.id, err)
		}
	}
	t.setStatus(StatusCommitting)
	t.afterCompletion(syncs, StatusCommitted)
	t.setStatus(StatusCommitted)
	return nil
}

// Rollback rolls back an active transaction. Rolling back a rolled back
// transaction is a no-op; rolling back a committed one is refused.
func (t *localTransaction) Rollback() error {
	cur, syncs, ok := t.transition(StatusRollingBack, StatusActive, StatusMarkedRollback)
	if !ok {
		if cur == StatusRolledBack {
			return nil
		}
		return errors.Annotatef(ErrNotActive, "txn %d is %v", t.id, cur)
	}
	t.afterCompletion(syncs, StatusRolledBack)
	t.setStatus(StatusRolledBack)
	return nil
}

func (t *localTransaction) afterCompletion(syncs []Synchronization, status Status) {
	for _, s := range syncs {
		s.AfterCompletion(status)
	}
}
