package transaction

import (
	"sync"

	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"go.uber.org/atomic"
)

// Table maps coordinator transactions to GlobalTransactions and those to
// their Context. One Table belongs to one cache.
type Table struct {
	address string
	nextID  *atomic.Uint64

	mu       sync.RWMutex
	byTx     map[txn.Transaction]txn.GlobalTransaction
	contexts map[txn.GlobalTransaction]*Context
}

func NewTable(address string) *Table {
	return &Table{
		address:  address,
		nextID:   atomic.NewUint64(0),
		byTx:     make(map[txn.Transaction]txn.GlobalTransaction),
		contexts: make(map[txn.GlobalTransaction]*Context),
	}
}

// NewGlobalTransaction allocates an identity for this cache's address. It is
// also used for implicit transactions of non-transactional calls.
func (t *Table) NewGlobalTransaction() txn.GlobalTransaction {
	return txn.GlobalTransaction{Address: t.address, ID: t.nextID.Inc()}
}

// GetOrCreate returns the Context of tx, creating the mapping on first use.
func (t *Table) GetOrCreate(tx txn.Transaction) (ctx *Context, created bool) {
	t.mu.RLock()
	gtx, ok := t.byTx[tx]
	if ok {
		ctx = t.contexts[gtx]
	}
	t.mu.RUnlock()
	if ctx != nil {
		return ctx, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if gtx, ok := t.byTx[tx]; ok {
		if ctx, ok := t.contexts[gtx]; ok {
			return ctx, false
		}
	}
	gtx = t.NewGlobalTransaction()
	ctx = newContext(gtx, tx)
	t.byTx[tx] = gtx
	t.contexts[gtx] = ctx
	return ctx, true
}

// Implicit creates a Context not bound to any coordinator transaction.
func (t *Table) Implicit() *Context {
	gtx := t.NewGlobalTransaction()
	ctx := newContext(gtx, nil)
	t.mu.Lock()
	t.contexts[gtx] = ctx
	t.mu.Unlock()
	return ctx
}

func (t *Table) GlobalTransaction(tx txn.Transaction) (txn.GlobalTransaction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	gtx, ok := t.byTx[tx]
	return gtx, ok
}

func (t *Table) Context(gtx txn.GlobalTransaction) (*Context, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ctx, ok := t.contexts[gtx]
	return ctx, ok
}

// Remove forgets gtx and the transaction mapped to it.
func (t *Table) Remove(gtx txn.GlobalTransaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.contexts[gtx]
	if !ok {
		return
	}
	delete(t.contexts, gtx)
	if ctx.tx != nil {
		delete(t.byTx, ctx.tx)
	}
}

// Len is the number of live transaction contexts.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.contexts)
}

// GlobalTransactions lists the live transactions.
func (t *Table) GlobalTransactions() []txn.GlobalTransaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]txn.GlobalTransaction, 0, len(t.contexts))
	for gtx := range t.contexts {
		out = append(out, gtx)
	}
	return out
}
