package mvcc

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"go.uber.org/atomic"
)

// version is one state of a node. A version with commitTs 0 is pending: it
// belongs to owner, is invisible to everybody else and sits outside the
// committed history until its transaction commits.
type version struct {
	data     map[string]interface{}
	deleted  bool
	owner    txn.GlobalTransaction
	commitTs *atomic.Uint64
	prev     atomic.Value // *version
	// base is the committed version a pending version was built from.
	base *version
}

func newPending(owner txn.GlobalTransaction, data map[string]interface{}, base *version) *version {
	v := &version{
		data:     data,
		owner:    owner,
		commitTs: atomic.NewUint64(0),
		base:     base,
	}
	v.prev.Store((*version)(nil))
	return v
}

func newBase(data map[string]interface{}) *version {
	v := &version{
		data:     data,
		commitTs: atomic.NewUint64(baseTs),
	}
	v.prev.Store((*version)(nil))
	return v
}

func (v *version) pending() bool {
	return v.commitTs.Load() == 0
}

func (v *version) previous() *version {
	p, _ := v.prev.Load().(*version)
	return p
}

// chain is the version history of one node, newest committed first, plus the
// pending versions of the transactions writing to it.
type chain struct {
	fqn  storage.Fqn
	head atomic.Value // *version
	// lock is the short write lock held for one command.
	lock chan struct{}

	mu         sync.Mutex
	pending    map[txn.GlobalTransaction]*version
	preparedBy txn.GlobalTransaction
}

func newChain(fqn storage.Fqn, head *version) *chain {
	c := &chain{
		fqn:     fqn,
		lock:    make(chan struct{}, 1),
		pending: make(map[txn.GlobalTransaction]*version),
	}
	c.head.Store(head)
	return c
}

func (c *chain) newest() *version {
	v, _ := c.head.Load().(*version)
	return v
}

func (c *chain) setHead(v *version) {
	c.head.Store(v)
}

func (c *chain) pendingOf(owner txn.GlobalTransaction) *version {
	if owner.IsZero() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[owner]
}

func (c *chain) setPending(v *version) {
	c.mu.Lock()
	c.pending[v.owner] = v
	c.mu.Unlock()
}

// dropPending forgets v and any prepare claim of its owner.
func (c *chain) dropPending(v *version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[v.owner] == v {
		delete(c.pending, v.owner)
	}
	if c.preparedBy == v.owner {
		c.preparedBy = txn.GlobalTransaction{}
	}
}

func (c *chain) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// claim reserves the chain for v's owner until it commits or rolls back. It
// fails when another transaction holds the claim or committed after v was
// built.
func (c *chain) claim(v *version) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.preparedBy.IsZero() && c.preparedBy != v.owner {
		return storage.NewVersionConflict(c.fqn, "prepared by %v", c.preparedBy)
	}
	if head := c.newest(); head != v.base {
		return storage.NewVersionConflict(c.fqn, "committed at %d after %v wrote it", head.commitTs.Load(), v.owner)
	}
	c.preparedBy = v.owner
	return nil
}

func (c *chain) unclaim(owner txn.GlobalTransaction) {
	c.mu.Lock()
	if c.preparedBy == owner {
		c.preparedBy = txn.GlobalTransaction{}
	}
	c.mu.Unlock()
}

// publish makes the stamped version v the newest committed one.
func (c *chain) publish(v *version) {
	v.prev.Store(c.newest())
	c.setHead(v)
	c.dropPending(v)
}

// visible returns the version a reader with snapshot ts sees, preferring the
// reader's own pending version.
func (c *chain) visible(ts uint64, self txn.GlobalTransaction) *version {
	if v := c.pendingOf(self); v != nil {
		return v
	}
	for v := c.newest(); v != nil; v = v.previous() {
		if v.commitTs.Load() <= ts {
			return v
		}
	}
	return nil
}

func (c *chain) acquire(ctx context.Context, deadline time.Time) bool {
	select {
	case c.lock <- struct{}{}:
		return true
	default:
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case c.lock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *chain) tryAcquire() bool {
	select {
	case c.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *chain) release() {
	<-c.lock
}

// trim drops versions no snapshot at or after minTs can reach.
func (c *chain) trim(minTs uint64) {
	for v := c.newest(); v != nil; v = v.previous() {
		if v.commitTs.Load() <= minTs {
			v.prev.Store((*version)(nil))
			return
		}
	}
}

// collectable reports whether the chain holds a single committed version every
// snapshot already sees and nobody is writing to it, so the container alone
// can serve the node.
func (c *chain) collectable(minTs uint64) (*version, bool) {
	if c.hasPending() {
		return nil, false
	}
	head := c.newest()
	if head == nil {
		return nil, true
	}
	if head.commitTs.Load() > minTs || head.previous() != nil {
		return nil, false
	}
	return head, true
}
