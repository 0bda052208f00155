package commands

import (
	"github.com/pingcap-incubator/tinytree/cache/storage"
)

// NodeAccess is the view of a single node a command works on. The committed
// *storage.Node, an optimistic workspace node and an MVCC version handle all
// satisfy it.
type NodeAccess interface {
	Fqn() storage.Fqn
	Get(key string) (interface{}, bool)
	Put(key string, value interface{}) (interface{}, bool)
	Remove(key string) (interface{}, bool)
	Data() map[string]interface{}
	ReplaceData(data map[string]interface{})
	Clear()
	Keys() []string
	ChildrenNames() []string
	NumAttributes() int
}

// Detached is whatever a DataAccess hands back from Detach so that Attach can
// restore it.
type Detached interface{}

// DataAccess is the contract each concurrency scheme implements for the
// commands: the committed container for pessimistic locking, a per-transaction
// workspace for optimistic locking, a snapshot view for MVCC.
type DataAccess interface {
	// Peek returns a readable node.
	Peek(fqn storage.Fqn) (NodeAccess, bool)
	// PeekForWrite returns a node the caller is about to mutate.
	PeekForWrite(fqn storage.Fqn) (NodeAccess, bool, error)
	// PeekOrCreate returns a writable node, creating missing ancestors; created
	// lists the new Fqns top-down.
	PeekOrCreate(fqn storage.Fqn) (node NodeAccess, created []storage.Fqn, err error)
	// Detach removes the node and its descendants. ok is false if nothing was there.
	Detach(fqn storage.Fqn) (d Detached, ok bool, err error)
	Attach(d Detached) error
	// Prune removes the listed structural nodes if they are empty leaves.
	Prune(fqns []storage.Fqn) error
	Evict(fqn storage.Fqn) (bool, error)
	Invalidate(fqn storage.Fqn) (bool, error)
	Export(fqn storage.Fqn) []storage.NodeData
}

// ContainerAccess exposes the committed container directly.
type ContainerAccess struct {
	dc *storage.DataContainer
}

var _ DataAccess = (*ContainerAccess)(nil)

func NewContainerAccess(dc *storage.DataContainer) *ContainerAccess {
	return &ContainerAccess{dc: dc}
}

func (a *ContainerAccess) Peek(fqn storage.Fqn) (NodeAccess, bool) {
	n, ok := a.dc.Peek(fqn)
	if !ok {
		return nil, false
	}
	return n, true
}

func (a *ContainerAccess) PeekForWrite(fqn storage.Fqn) (NodeAccess, bool, error) {
	n, ok := a.Peek(fqn)
	return n, ok, nil
}

func (a *ContainerAccess) PeekOrCreate(fqn storage.Fqn) (NodeAccess, []storage.Fqn, error) {
	n, created := a.dc.PeekOrCreate(fqn)
	return n, created, nil
}

func (a *ContainerAccess) Detach(fqn storage.Fqn) (Detached, bool, error) {
	s, ok := a.dc.Detach(fqn)
	if !ok {
		return nil, false, nil
	}
	return s, true, nil
}

func (a *ContainerAccess) Attach(d Detached) error {
	s, ok := d.(*storage.Subtree)
	if !ok {
		return storage.NewIntegrity("cannot attach %T to the container", d)
	}
	return a.dc.Attach(s)
}

func (a *ContainerAccess) Prune(fqns []storage.Fqn) error {
	a.dc.Prune(fqns)
	return nil
}

func (a *ContainerAccess) Evict(fqn storage.Fqn) (bool, error) {
	return a.dc.Evict(fqn), nil
}

func (a *ContainerAccess) Invalidate(fqn storage.Fqn) (bool, error) {
	return a.dc.Invalidate(fqn), nil
}

func (a *ContainerAccess) Export(fqn storage.Fqn) []storage.NodeData {
	return a.dc.Export(fqn)
}
