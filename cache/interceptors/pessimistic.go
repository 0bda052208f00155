package interceptors

import (
	"time"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction"
	"github.com/pingcap-incubator/tinytree/cache/transaction/locks"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// PessimisticLockInterceptor takes node locks before a command reaches the
// container: read locks on the ancestors top-down, then the target. Inside a
// transaction locks are kept until it completes; otherwise they are released
// as soon as the command returns.
type PessimisticLockInterceptor struct {
	Base
	dc         *storage.DataContainer
	access     *commands.ContainerAccess
	locks      *locks.Manager
	table      *transaction.Table
	timeout    time.Duration
	lockParent bool
}

func NewPessimisticLockInterceptor(dc *storage.DataContainer, lm *locks.Manager, table *transaction.Table,
	timeout time.Duration, lockParentForChildInsertRemove bool) *PessimisticLockInterceptor {
	return &PessimisticLockInterceptor{
		dc:         dc,
		access:     commands.NewContainerAccess(dc),
		locks:      lm,
		table:      table,
		timeout:    timeout,
		lockParent: lockParentForChildInsertRemove,
	}
}

func (i *PessimisticLockInterceptor) Kind() Kind { return KindPessimisticLock }

func (i *PessimisticLockInterceptor) Capabilities() Capability { return CapLocking }

type lockRequest struct {
	fqn storage.Fqn
	typ locks.LockType
}

// plan lists the locks cmd needs on its path in acquisition order.
func (i *PessimisticLockInterceptor) plan(cmd commands.Command) []lockRequest {
	fqn := cmd.Fqn()
	kind := cmd.Kind()
	var reqs []lockRequest
	ancestors := fqn.Ancestors()
	for j, a := range ancestors {
		typ := locks.Read
		if j == len(ancestors)-1 && i.lockParent && i.changesChildren(kind, fqn) {
			typ = locks.Write
		}
		reqs = append(reqs, lockRequest{fqn: a, typ: typ})
	}
	if !kind.IsWrite() {
		return append(reqs, lockRequest{fqn: fqn, typ: locks.Read})
	}
	return append(reqs, lockRequest{fqn: fqn, typ: locks.Write})
}

// subtreePlan lists write locks on every descendant of fqn. It must be built
// once the write lock on fqn is held: creating a child needs a read lock on
// every ancestor, so the subtree cannot grow afterwards.
func (i *PessimisticLockInterceptor) subtreePlan(fqn storage.Fqn) []lockRequest {
	var reqs []lockRequest
	for _, n := range i.dc.Subtree(fqn) {
		if !n.Fqn().Equal(fqn) {
			reqs = append(reqs, lockRequest{fqn: n.Fqn(), typ: locks.Write})
		}
	}
	return reqs
}

func locksSubtree(kind commands.Kind) bool {
	return kind == commands.KindRemoveNode || kind == commands.KindInvalidate
}

// changesChildren reports whether cmd may add or remove fqn from its parent.
func (i *PessimisticLockInterceptor) changesChildren(kind commands.Kind, fqn storage.Fqn) bool {
	switch kind {
	case commands.KindRemoveNode, commands.KindEvict:
		return true
	case commands.KindPutKeyValue, commands.KindPutDataMap, commands.KindPutForExternalRead:
		return !i.dc.Exists(fqn)
	}
	return false
}

// acquire takes every lock of the plan. On failure the locks newly taken by
// this attempt are released before returning.
func (i *PessimisticLockInterceptor) acquire(ic *invocation.Context, owner txn.GlobalTransaction, reqs []lockRequest) ([]storage.Fqn, error) {
	timeout := ic.LockTimeout(i.timeout)
	var acquired []storage.Fqn
	for _, r := range reqs {
		newly, err := i.locks.Acquire(ic.Go(), owner, r.fqn, r.typ, timeout)
		if err != nil {
			i.locks.ReleaseAll(owner, acquired)
			return nil, err
		}
		if newly {
			acquired = append(acquired, r.fqn)
		}
	}
	return acquired, nil
}

func (i *PessimisticLockInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	switch cmd.Kind() {
	case commands.KindPrepare:
		return i.invokeNext(ic, cmd)
	case commands.KindCommit:
		res, err := i.invokeNext(ic, cmd)
		i.releaseTx(ic.TransactionContext())
		return res, err
	case commands.KindRollback:
		undoErr := i.undo(ic.TransactionContext())
		i.releaseTx(ic.TransactionContext())
		if _, err := i.invokeNext(ic, cmd); err != nil {
			return nil, err
		}
		return nil, undoErr
	}

	ic.SetDataAccess(i.access)
	if ic.OptionOverrides().SuppressLocking {
		return i.invokeNext(ic, cmd)
	}
	tc := ic.TransactionContext()
	owner := ic.GlobalTransaction()
	if tc == nil || owner.IsZero() {
		owner = i.table.NewGlobalTransaction()
	}
	acquired, err := i.acquire(ic, owner, i.plan(cmd))
	if err != nil {
		return nil, err
	}
	if locksSubtree(cmd.Kind()) {
		more, err := i.acquire(ic, owner, i.subtreePlan(cmd.Fqn()))
		if err != nil {
			i.locks.ReleaseAll(owner, acquired)
			return nil, err
		}
		acquired = append(acquired, more...)
	}
	if tc == nil {
		defer i.locks.ReleaseAll(owner, acquired)
	} else {
		for _, f := range acquired {
			tc.AddLock(f)
		}
	}
	return i.invokeNext(ic, cmd)
}

// undo replays the transaction's modifications in reverse order.
func (i *PessimisticLockInterceptor) undo(tc *transaction.Context) error {
	if tc == nil {
		return nil
	}
	mods := tc.Modifications()
	var firstErr error
	for j := len(mods) - 1; j >= 0; j-- {
		m := mods[j]
		if !m.Reversible() {
			continue
		}
		if err := m.Undo(i.access); err != nil {
			log.Error("undo failed", zap.Stringer("cmd", m), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	tc.ClearModifications()
	return firstErr
}

func (i *PessimisticLockInterceptor) releaseTx(tc *transaction.Context) {
	if tc == nil {
		return
	}
	i.locks.ReleaseAll(tc.GlobalTransaction(), tc.Locks())
	tc.ClearLocks()
}
