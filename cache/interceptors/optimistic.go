package interceptors

import (
	"time"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction"
	"github.com/pingcap-incubator/tinytree/cache/transaction/locks"
	"github.com/pingcap-incubator/tinytree/cache/transaction/optimistic"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// OptimisticLockingInterceptor write-locks the dirty nodes of a workspace
// from prepare until the transaction completes, so no other transaction can
// merge over them between validation and merge.
type OptimisticLockingInterceptor struct {
	Base
	locks   *locks.Manager
	timeout time.Duration
}

func NewOptimisticLockingInterceptor(lm *locks.Manager, timeout time.Duration) *OptimisticLockingInterceptor {
	return &OptimisticLockingInterceptor{locks: lm, timeout: timeout}
}

func (i *OptimisticLockingInterceptor) Kind() Kind { return KindOptimisticLocking }

func (i *OptimisticLockingInterceptor) Capabilities() Capability { return CapLocking }

func (i *OptimisticLockingInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	tc := ic.TransactionContext()
	switch cmd.Kind() {
	case commands.KindPrepare:
		if tc == nil || tc.Workspace() == nil {
			return i.invokeNext(ic, cmd)
		}
		owner := tc.GlobalTransaction()
		timeout := ic.LockTimeout(i.timeout)
		for _, f := range tc.Workspace().DirtyFqns() {
			newly, err := i.locks.Acquire(ic.Go(), owner, f, locks.Write, timeout)
			if err != nil {
				i.release(tc)
				return nil, err
			}
			if newly {
				tc.AddLock(f)
			}
		}
		return i.invokeNext(ic, cmd)
	case commands.KindCommit, commands.KindRollback:
		res, err := i.invokeNext(ic, cmd)
		i.release(tc)
		return res, err
	}
	return i.invokeNext(ic, cmd)
}

func (i *OptimisticLockingInterceptor) release(tc *transaction.Context) {
	if tc == nil {
		return
	}
	i.locks.ReleaseAll(tc.GlobalTransaction(), tc.Locks())
	tc.ClearLocks()
}

// OptimisticValidatorInterceptor validates a workspace at prepare, merges it
// at commit and discards it on rollback.
type OptimisticValidatorInterceptor struct {
	Base
	committer *optimistic.Committer
}

func NewOptimisticValidatorInterceptor(c *optimistic.Committer) *OptimisticValidatorInterceptor {
	return &OptimisticValidatorInterceptor{committer: c}
}

func (i *OptimisticValidatorInterceptor) Kind() Kind { return KindOptimisticValidator }

func (i *OptimisticValidatorInterceptor) Capabilities() Capability { return CapValidation }

func (i *OptimisticValidatorInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	var ws *optimistic.Workspace
	if tc := ic.TransactionContext(); tc != nil {
		ws = tc.Workspace()
	}
	switch cmd.Kind() {
	case commands.KindPrepare:
		if ws != nil {
			if err := i.committer.Validate(ws); err != nil {
				return nil, err
			}
		}
	case commands.KindCommit:
		if ws != nil {
			i.committer.Merge(ws)
		}
	case commands.KindRollback:
		if ws != nil {
			ws.Discard()
		}
	}
	return i.invokeNext(ic, cmd)
}

// OptimisticNodeInterceptor is the terminal handler of the optimistic scheme.
// Commands inside a transaction run against its workspace; any other call
// runs in an implicit transaction validated and merged on return, holding the
// same write locks a prepared transaction would.
type OptimisticNodeInterceptor struct {
	Base
	committer *optimistic.Committer
	table     *transaction.Table
	locks     *locks.Manager
	timeout   time.Duration
}

func NewOptimisticNodeInterceptor(c *optimistic.Committer, table *transaction.Table, lm *locks.Manager, timeout time.Duration) *OptimisticNodeInterceptor {
	return &OptimisticNodeInterceptor{committer: c, table: table, locks: lm, timeout: timeout}
}

func (i *OptimisticNodeInterceptor) Kind() Kind { return KindOptimisticNode }

func (i *OptimisticNodeInterceptor) Capabilities() Capability { return CapTerminal }

func (i *OptimisticNodeInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	kind := cmd.Kind()
	if kind.IsTxBoundary() {
		return nil, nil
	}
	if kind == commands.KindEvict || kind == commands.KindInvalidate {
		da := i.committer.DirectAccess()
		ic.SetDataAccess(da)
		return cmd.Perform(ic.Go(), da)
	}

	tc := ic.TransactionContext()
	if tc == nil {
		return i.implicit(ic, cmd)
	}
	ws := tc.Workspace()
	if ws == nil {
		ws = i.committer.NewWorkspace(tc.GlobalTransaction())
		tc.SetWorkspace(ws)
	}
	ic.SetDataAccess(ws)
	res, err := cmd.Perform(ic.Go(), ws)
	if err != nil {
		return nil, err
	}
	i.applyVersion(ic, ws, cmd)
	return res, nil
}

func (i *OptimisticNodeInterceptor) implicit(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	gtx := i.table.NewGlobalTransaction()
	ws := i.committer.NewWorkspace(gtx)
	ic.SetDataAccess(ws)
	res, err := cmd.Perform(ic.Go(), ws)
	if err != nil || !cmd.Kind().IsWrite() {
		ws.Discard()
		return res, err
	}
	i.applyVersion(ic, ws, cmd)

	var held []storage.Fqn
	defer func() { i.locks.ReleaseAll(gtx, held) }()
	timeout := ic.LockTimeout(i.timeout)
	for _, f := range ws.DirtyFqns() {
		if _, err := i.locks.Acquire(ic.Go(), gtx, f, locks.Write, timeout); err != nil {
			ws.Discard()
			return nil, err
		}
		held = append(held, f)
	}
	if err := i.committer.ValidateAndMerge(ws); err != nil {
		log.Debug("implicit transaction conflict", zap.Stringer("cmd", cmd), zap.Error(err))
		ws.Discard()
		return nil, err
	}
	return res, nil
}

func (i *OptimisticNodeInterceptor) applyVersion(ic *invocation.Context, ws *optimistic.Workspace, cmd commands.Command) {
	v := ic.OptionOverrides().DataVersion
	if v == nil || !cmd.Kind().IsWrite() {
		return
	}
	if _, ok := ws.Node(cmd.Fqn()); ok {
		ws.SetExplicitVersion(cmd.Fqn(), v)
	}
}
