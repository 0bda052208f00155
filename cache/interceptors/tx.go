package interceptors

import (
	"context"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/transaction"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// TxInterceptor ties calls made inside a coordinator transaction to a
// TransactionContext. The first write of a transaction, or the first read
// that leaves locks, a workspace or a snapshot behind, registers the cache's
// synchronization, which later drives Prepare, Commit and Rollback through
// the whole chain.
type TxInterceptor struct {
	Base
	table    *transaction.Table
	chain    *Chain
	onePhase bool
	scheme   string
}

func NewTxInterceptor(table *transaction.Table, onePhase bool, scheme string) *TxInterceptor {
	return &TxInterceptor{table: table, onePhase: onePhase, scheme: scheme}
}

// SetChain gives the interceptor the chain completion commands are sent through.
func (i *TxInterceptor) SetChain(c *Chain) {
	i.chain = c
}

func (i *TxInterceptor) Kind() Kind { return KindTx }

func (i *TxInterceptor) Capabilities() Capability { return CapTransactional }

// recorded reports whether writes of kind belong in the modification list.
// Evictions and invalidations act on local state only.
func recorded(kind commands.Kind) bool {
	return kind.IsWrite() && kind != commands.KindEvict && kind != commands.KindInvalidate
}

func (i *TxInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	if cmd.Kind().IsTxBoundary() || !ic.InTransaction() {
		return i.invokeNext(ic, cmd)
	}
	tx := ic.Transaction()
	if st := tx.Status(); st != txn.StatusActive {
		return nil, errors.Annotatef(txn.ErrNotActive, "cannot run %v in txn %d, it is %v", cmd.Kind(), tx.ID(), st)
	}
	tc, created := i.table.GetOrCreate(tx)
	if created {
		log.Debug("transaction context created", zap.Uint64("txn", tx.ID()), zap.Stringer("gtx", tc.GlobalTransaction()))
	}
	ic.SetGlobalTransaction(tc.GlobalTransaction())
	ic.SetTransactionContext(tc)
	tc.AddScrubber(ic)
	write := cmd.Kind().IsWrite()
	if write {
		if err := i.register(ic, tx, tc); err != nil {
			return nil, err
		}
	}

	res, err := i.invokeNext(ic, cmd)
	if !write {
		if tc.HoldsState() {
			if rerr := i.register(ic, tx, tc); rerr != nil && err == nil {
				err = rerr
			}
		} else if !tc.IsRegistered() {
			i.forget(ic, tc)
		}
	}
	if err != nil {
		tc.SetRollbackOnly()
		if rerr := tx.SetRollbackOnly(); rerr != nil {
			log.Warn("cannot mark transaction rollback only", zap.Uint64("txn", tx.ID()), zap.Error(rerr))
		}
		return nil, err
	}
	if wc, ok := cmd.(commands.WriteCommand); ok && recorded(cmd.Kind()) {
		tc.AddModification(wc)
	}
	return res, nil
}

// register puts the cache's synchronization at the head of the transaction's
// ordered handler, once.
func (i *TxInterceptor) register(ic *invocation.Context, tx txn.Transaction, tc *transaction.Context) error {
	if tc.MarkRegistered() {
		return nil
	}
	h, err := transaction.HandlerFor(tx)
	if err != nil {
		return err
	}
	h.RegisterAtHead(&cacheSync{interceptor: i, tx: tx, tc: tc, local: ic.IsOriginLocal()})
	return nil
}

// forget drops the context of a transaction that has only read so far and
// holds nothing the cache must release at completion.
func (i *TxInterceptor) forget(ic *invocation.Context, tc *transaction.Context) {
	i.table.Remove(tc.GlobalTransaction())
	ic.SetTransactionContext(nil)
	ic.SetGlobalTransaction(txn.GlobalTransaction{})
}

// cacheSync is the synchronization of one cache in one transaction.
type cacheSync struct {
	interceptor *TxInterceptor
	tx          txn.Transaction
	tc          *transaction.Context
	local       bool
}

func (s *cacheSync) completionContext() *invocation.Context {
	ic := invocation.New(context.Background())
	ic.SetOriginLocal(s.local)
	ic.SetTransaction(s.tx)
	ic.SetGlobalTransaction(s.tc.GlobalTransaction())
	ic.SetTransactionContext(s.tc)
	return ic
}

// BeforeCompletion sends Prepare through the chain. A one-phase prepare keeps
// the context Active: the transaction goes straight to Committed.
func (s *cacheSync) BeforeCompletion() error {
	gtx := s.tc.GlobalTransaction()
	if s.tc.IsRollbackOnly() {
		return errors.Annotatef(txn.ErrRolledBack, "%v is rollback only", gtx)
	}
	onePhase := s.interceptor.onePhase
	if !onePhase {
		if err := s.tc.Transition(transaction.StatePreparing); err != nil {
			return err
		}
	}
	prepare := commands.NewPrepare(gtx, s.tc.Modifications(), onePhase)
	if _, err := s.interceptor.chain.Invoke(s.completionContext(), prepare); err != nil {
		log.Info("prepare failed", zap.Stringer("gtx", gtx), zap.Error(err))
		return err
	}
	if !onePhase {
		return s.tc.Transition(transaction.StatePrepared)
	}
	return nil
}

// AfterCompletion commits or rolls back, then scrubs whatever happened.
func (s *cacheSync) AfterCompletion(status txn.Status) {
	gtx := s.tc.GlobalTransaction()
	defer func() {
		s.tc.Scrub()
		s.interceptor.table.Remove(gtx)
	}()
	if s.tc.State().IsCompleted() {
		return
	}

	ic := s.completionContext()
	if status == txn.StatusCommitted {
		if _, err := s.interceptor.chain.Invoke(ic, commands.NewCommit(gtx)); err != nil {
			log.Error("commit failed", zap.Stringer("gtx", gtx), zap.Error(err))
		}
		if err := s.tc.Transition(transaction.StateCommitted); err != nil {
			log.Error("commit transition", zap.Stringer("gtx", gtx), zap.Error(err))
		}
		txCounter.WithLabelValues(s.interceptor.scheme, "committed").Inc()
		return
	}
	if _, err := s.interceptor.chain.Invoke(ic, commands.NewRollback(gtx)); err != nil {
		log.Error("rollback failed", zap.Stringer("gtx", gtx), zap.Error(err))
	}
	if err := s.tc.Transition(transaction.StateRolledBack); err != nil {
		log.Error("rollback transition", zap.Stringer("gtx", gtx), zap.Error(err))
	}
	txCounter.WithLabelValues(s.interceptor.scheme, "rolled-back").Inc()
}
