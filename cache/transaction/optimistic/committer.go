package optimistic

import (
	"sync"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Committer validates workspaces against the committed tree and merges them.
// Merges run in one critical section; copies are taken outside of it.
type Committer struct {
	dc *storage.DataContainer
	mu sync.RWMutex
	// childrenAsModification makes child inserts and removals version the parent.
	childrenAsModification bool
}

func NewCommitter(dc *storage.DataContainer, childrenAsModification bool) *Committer {
	return &Committer{dc: dc, childrenAsModification: childrenAsModification}
}

func (c *Committer) NewWorkspace(gtx txn.GlobalTransaction) *Workspace {
	return &Workspace{gtx: gtx, committer: c, nodes: make(map[string]*Node)}
}

func (c *Committer) peekCommitted(fqn storage.Fqn) (*storage.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dc.Peek(fqn)
}

func (c *Committer) export(fqn storage.Fqn) []storage.NodeData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dc.Export(fqn)
}

// Validate checks every dirty node of ws against the current committed state.
func (c *Committer) Validate(ws *Workspace) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked(ws)
}

func (c *Committer) versioned(n *Node) bool {
	return n.dataModified || n.deleted || (c.childrenAsModification && n.childrenModified())
}

func (c *Committer) validateLocked(ws *Workspace) error {
	for _, n := range ws.dirtyNodes() {
		current, exists := c.dc.Peek(n.fqn)
		if n.created {
			if exists && n.dataModified && current.NumAttributes() > 0 {
				return storage.NewVersionConflict(n.fqn, "node created concurrently by another transaction")
			}
			continue
		}
		if !c.versioned(n) {
			continue
		}
		switch {
		case !exists:
			if !n.deleted {
				return storage.NewVersionConflict(n.fqn, "node removed concurrently")
			}
		case current != n.committed:
			return storage.NewVersionConflict(n.fqn, "node replaced concurrently")
		case n.explicit != nil:
			if !n.explicit.NewerThan(current.Version()) {
				return storage.NewVersionConflict(n.fqn, "explicit version %v is not newer than %v", n.explicit, current.Version())
			}
		case !storage.SameVersion(current.Version(), n.version):
			return storage.NewVersionConflict(n.fqn, "read version %v, committed version %v", n.version, current.Version())
		}
	}
	return nil
}

// Merge applies ws to the committed tree and assigns new versions. It does not
// validate; callers validate first while holding the node locks.
func (c *Committer) Merge(ws *Workspace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeLocked(ws)
}

// ValidateAndMerge does both steps in one critical section.
func (c *Committer) ValidateAndMerge(ws *Workspace) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.validateLocked(ws); err != nil {
		return err
	}
	c.mergeLocked(ws)
	return nil
}

func (c *Committer) mergeLocked(ws *Workspace) {
	merged := 0
	for _, n := range ws.dirtyNodes() {
		if n.deleted {
			// the parent's removed delta detaches it
			continue
		}
		node, _ := c.dc.PeekOrCreate(n.fqn)
		for name := range n.childrenRemoved {
			c.dc.Detach(n.fqn.Child(name))
		}
		if n.dataModified {
			node.ReplaceData(n.data)
		}
		if c.versioned(n) {
			next := n.explicit
			if next == nil {
				next = node.Version().Increment()
			}
			node.SetVersion(next)
		}
		merged++
	}
	log.Debug("workspace merged", zap.Stringer("gtx", ws.gtx), zap.Int("nodes", merged))
	ws.Discard()
}

// DirectAccess is used for evictions and invalidations, which bypass
// workspaces. Invalidation bumps versions so open workspaces conflict.
func (c *Committer) DirectAccess() commands.DataAccess {
	return &directAccess{ContainerAccess: commands.NewContainerAccess(c.dc), c: c}
}

type directAccess struct {
	*commands.ContainerAccess
	c *Committer
}

func (d *directAccess) Evict(fqn storage.Fqn) (bool, error) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	return d.ContainerAccess.Evict(fqn)
}

func (d *directAccess) Invalidate(fqn storage.Fqn) (bool, error) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	nodes := d.c.dc.Subtree(fqn)
	ok, err := d.ContainerAccess.Invalidate(fqn)
	for _, n := range nodes {
		n.SetVersion(n.Version().Increment())
	}
	return ok, err
}
