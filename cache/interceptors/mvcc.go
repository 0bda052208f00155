package interceptors

import (
	"time"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/transaction"
	"github.com/pingcap-incubator/tinytree/cache/transaction/mvcc"
)

// MVCCLockingInterceptor opens a snapshot view for each command. Node write
// locks live only as long as the view; the versions a transaction installs
// are checked on prepare, stamped on commit and discarded on rollback. A call outside a
// transaction commits or rolls back on return.
type MVCCLockingInterceptor struct {
	Base
	store   *mvcc.Store
	table   *transaction.Table
	timeout time.Duration
}

func NewMVCCLockingInterceptor(store *mvcc.Store, table *transaction.Table, timeout time.Duration) *MVCCLockingInterceptor {
	return &MVCCLockingInterceptor{store: store, table: table, timeout: timeout}
}

func (i *MVCCLockingInterceptor) Kind() Kind { return KindMVCCLocking }

func (i *MVCCLockingInterceptor) Capabilities() Capability { return CapLocking }

func (i *MVCCLockingInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	tc := ic.TransactionContext()
	switch cmd.Kind() {
	case commands.KindPrepare:
		if tc != nil && tc.MVCC() != nil {
			if err := i.store.Prepare(tc.MVCC()); err != nil {
				return nil, err
			}
		}
		return i.invokeNext(ic, cmd)
	case commands.KindCommit:
		res, err := i.invokeNext(ic, cmd)
		if tc != nil && tc.MVCC() != nil {
			i.store.Commit(tc.MVCC())
		}
		return res, err
	case commands.KindRollback:
		if tc != nil && tc.MVCC() != nil {
			i.store.Rollback(tc.MVCC())
		}
		return i.invokeNext(ic, cmd)
	}

	if tc == nil {
		t := i.store.Begin(i.table.NewGlobalTransaction())
		res, err := i.perform(ic, cmd, t)
		if err == nil {
			err = i.store.Prepare(t)
		}
		if err != nil {
			i.store.Rollback(t)
			return nil, err
		}
		i.store.Commit(t)
		return res, nil
	}
	t := tc.MVCC()
	if t == nil {
		t = i.store.Begin(tc.GlobalTransaction())
		tc.SetMVCC(t)
	}
	return i.perform(ic, cmd, t)
}

func (i *MVCCLockingInterceptor) perform(ic *invocation.Context, cmd commands.Command, t *mvcc.Txn) (interface{}, error) {
	v := i.store.View(ic.Go(), t, ic.LockTimeout(i.timeout))
	defer v.Release()
	ic.SetDataAccess(v)
	return i.invokeNext(ic, cmd)
}
