// Package transaction keeps the per-transaction bookkeeping of a cache: the
// table mapping coordinator transactions to GlobalTransactions, the
// TransactionContext of each, and the ordered synchronization handler the
// coordinator calls back into.
package transaction

import (
	"sync"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/mvcc"
	"github.com/pingcap-incubator/tinytree/cache/transaction/optimistic"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
)

// Scrubber is anything holding a reference to a transaction that must be
// cleared once the transaction completes.
type Scrubber interface {
	Scrub()
}

// Context is the TransactionContext: everything the cache tracks for one
// GlobalTransaction until it completes.
type Context struct {
	gtx txn.GlobalTransaction
	tx  txn.Transaction

	mu            sync.Mutex
	state         State
	modifications []commands.WriteCommand
	locks         []storage.Fqn
	lockSet       map[string]struct{}
	workspace     *optimistic.Workspace
	mvccTxn       *mvcc.Txn
	rollbackOnly  bool
	registered    bool
	scrubbers     []Scrubber
}

func newContext(gtx txn.GlobalTransaction, tx txn.Transaction) *Context {
	return &Context{
		gtx:     gtx,
		tx:      tx,
		state:   StateActive,
		lockSet: make(map[string]struct{}),
	}
}

func (c *Context) GlobalTransaction() txn.GlobalTransaction {
	return c.gtx
}

// Transaction is the coordinator transaction, nil for implicit transactions.
func (c *Context) Transaction() txn.Transaction {
	return c.tx
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transition moves the context to next, failing on a transition the state
// machine does not allow. Moving to the current state is a no-op.
func (c *Context) Transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == next {
		return nil
	}
	if !canTransition(c.state, next) {
		return invalidTransition(c.state, next)
	}
	c.state = next
	return nil
}

// WasPrepared reports whether the transaction went through a two-phase prepare.
func (c *Context) WasPrepared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StatePrepared
}

func (c *Context) AddModification(cmd commands.WriteCommand) {
	c.mu.Lock()
	c.modifications = append(c.modifications, cmd)
	c.mu.Unlock()
}

// Modifications returns a copy of the recorded modifications in execution order.
func (c *Context) Modifications() []commands.WriteCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]commands.WriteCommand, len(c.modifications))
	copy(out, c.modifications)
	return out
}

func (c *Context) HasModifications() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.modifications) > 0
}

func (c *Context) ClearModifications() {
	c.mu.Lock()
	c.modifications = nil
	c.mu.Unlock()
}

// AddLock records a lock held until the transaction completes. Recording the
// same Fqn twice keeps one entry.
func (c *Context) AddLock(fqn storage.Fqn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := fqn.String()
	if _, ok := c.lockSet[key]; ok {
		return
	}
	c.lockSet[key] = struct{}{}
	c.locks = append(c.locks, fqn)
}

// Locks returns the held locks in acquisition order.
func (c *Context) Locks() []storage.Fqn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]storage.Fqn, len(c.locks))
	copy(out, c.locks)
	return out
}

func (c *Context) HoldsLock(fqn storage.Fqn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lockSet[fqn.String()]
	return ok
}

func (c *Context) ClearLocks() {
	c.mu.Lock()
	c.locks = nil
	c.lockSet = make(map[string]struct{})
	c.mu.Unlock()
}

func (c *Context) Workspace() *optimistic.Workspace {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspace
}

func (c *Context) SetWorkspace(ws *optimistic.Workspace) {
	c.mu.Lock()
	c.workspace = ws
	c.mu.Unlock()
}

func (c *Context) MVCC() *mvcc.Txn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mvccTxn
}

func (c *Context) SetMVCC(t *mvcc.Txn) {
	c.mu.Lock()
	c.mvccTxn = t
	c.mu.Unlock()
}

func (c *Context) SetRollbackOnly() {
	c.mu.Lock()
	c.rollbackOnly = true
	c.mu.Unlock()
}

func (c *Context) IsRollbackOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbackOnly
}

// MarkRegistered records that the cache's synchronization is registered and
// reports whether it already was.
func (c *Context) MarkRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.registered
	c.registered = true
	return was
}

func (c *Context) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// HoldsState reports whether completing the transaction has anything to
// release: node locks, a workspace or a pinned MVCC snapshot.
func (c *Context) HoldsState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks) > 0 || c.workspace != nil || (c.mvccTxn != nil && c.mvccTxn.Pinned())
}

// AddScrubber registers s to be scrubbed on completion, once.
func (c *Context) AddScrubber(s Scrubber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.scrubbers {
		if existing == s {
			return
		}
	}
	c.scrubbers = append(c.scrubbers, s)
}

// Scrub clears every tracked scrubber and all bookkeeping. It is safe to call
// more than once.
func (c *Context) Scrub() {
	c.mu.Lock()
	scrubbers := c.scrubbers
	c.scrubbers = nil
	c.modifications = nil
	c.locks = nil
	c.lockSet = make(map[string]struct{})
	c.workspace = nil
	c.mvccTxn = nil
	c.mu.Unlock()
	for _, s := range scrubbers {
		s.Scrub()
	}
}
