// Package optimistic keeps the private copies a transaction works on under
// optimistic locking, and validates and merges them into the committed tree.
package optimistic

import (
	"sort"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
)

// Node is a workspace copy of one tree node.
type Node struct {
	fqn storage.Fqn

	// committed is the node the copy was taken from, nil for created nodes.
	committed *storage.Node
	version   storage.DataVersion
	explicit  storage.DataVersion

	data              map[string]interface{}
	committedChildren []string
	childrenAdded     map[string]struct{}
	childrenRemoved   map[string]struct{}

	created      bool
	deleted      bool
	dataModified bool
}

var _ commands.NodeAccess = (*Node)(nil)

func (n *Node) Fqn() storage.Fqn {
	return n.fqn
}

func (n *Node) Get(key string) (interface{}, bool) {
	v, ok := n.data[key]
	return v, ok
}

func (n *Node) Put(key string, value interface{}) (interface{}, bool) {
	old, ok := n.data[key]
	n.data[key] = value
	n.dataModified = true
	return old, ok
}

func (n *Node) Remove(key string) (interface{}, bool) {
	old, ok := n.data[key]
	if ok {
		delete(n.data, key)
		n.dataModified = true
	}
	return old, ok
}

func (n *Node) Data() map[string]interface{} {
	return storage.CopyData(n.data)
}

func (n *Node) ReplaceData(data map[string]interface{}) {
	n.data = storage.CopyData(data)
	n.dataModified = true
}

func (n *Node) Clear() {
	n.data = make(map[string]interface{})
	n.dataModified = true
}

func (n *Node) Keys() []string {
	keys := make([]string, 0, len(n.data))
	for k := range n.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (n *Node) NumAttributes() int {
	return len(n.data)
}

// ChildrenNames merges the committed children seen at copy time with the
// workspace deltas.
func (n *Node) ChildrenNames() []string {
	names := make([]string, 0, len(n.committedChildren)+len(n.childrenAdded))
	for _, c := range n.committedChildren {
		if _, removed := n.childrenRemoved[c]; !removed {
			names = append(names, c)
		}
	}
	for c := range n.childrenAdded {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// addChild and removeChild keep the two deltas disjoint: an add cancels a
// pending remove of the same name and vice versa.
func (n *Node) addChild(name string) {
	if _, ok := n.childrenRemoved[name]; ok {
		delete(n.childrenRemoved, name)
		return
	}
	if n.hasCommittedChild(name) {
		return
	}
	n.childrenAdded[name] = struct{}{}
}

func (n *Node) removeChild(name string) {
	if _, ok := n.childrenAdded[name]; ok {
		delete(n.childrenAdded, name)
		return
	}
	n.childrenRemoved[name] = struct{}{}
}

func (n *Node) hasCommittedChild(name string) bool {
	for _, c := range n.committedChildren {
		if c == name {
			return true
		}
	}
	return false
}

// ChildrenAdded and ChildrenRemoved expose the deltas, sorted.
func (n *Node) ChildrenAdded() []string {
	return sortedSet(n.childrenAdded)
}

func (n *Node) ChildrenRemoved() []string {
	return sortedSet(n.childrenRemoved)
}

func (n *Node) IsCreated() bool      { return n.created }
func (n *Node) IsDeleted() bool      { return n.deleted }
func (n *Node) IsDataModified() bool { return n.dataModified }

func (n *Node) childrenModified() bool {
	return len(n.childrenAdded) > 0 || len(n.childrenRemoved) > 0
}

func (n *Node) dirty() bool {
	return n.created || n.deleted || n.dataModified || n.childrenModified()
}

func sortedSet(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Workspace is the private view of one transaction. It is not safe for
// concurrent use; a transaction is driven by one caller at a time.
type Workspace struct {
	gtx       txn.GlobalTransaction
	committer *Committer
	nodes     map[string]*Node
}

var _ commands.DataAccess = (*Workspace)(nil)

func (w *Workspace) GlobalTransaction() txn.GlobalTransaction {
	return w.gtx
}

// Node returns the workspace copy of fqn if one has been taken.
func (w *Workspace) Node(fqn storage.Fqn) (*Node, bool) {
	n, ok := w.nodes[fqn.String()]
	return n, ok
}

func (w *Workspace) Len() int {
	return len(w.nodes)
}

// underRemoved reports whether some proper ancestor of fqn was removed in the
// workspace.
func (w *Workspace) underRemoved(fqn storage.Fqn) bool {
	for d := 1; d < fqn.Size(); d++ {
		if w.edgeRemoved(fqn.AncestorAtDepth(d)) {
			return true
		}
	}
	return false
}

// edgeRemoved reports whether fqn was unlinked from its parent.
func (w *Workspace) edgeRemoved(fqn storage.Fqn) bool {
	if fqn.IsRoot() {
		return false
	}
	p, ok := w.nodes[fqn.Parent().String()]
	if !ok {
		return false
	}
	_, removed := p.childrenRemoved[fqn.LastElement()]
	return removed
}

func (w *Workspace) visible(fqn storage.Fqn) bool {
	return !w.underRemoved(fqn) && !w.edgeRemoved(fqn)
}

func (w *Workspace) copyOf(c *storage.Node) *Node {
	return &Node{
		fqn:               c.Fqn(),
		committed:         c,
		version:           c.Version(),
		data:              c.Data(),
		committedChildren: c.ChildrenNames(),
		childrenAdded:     make(map[string]struct{}),
		childrenRemoved:   make(map[string]struct{}),
	}
}

func (w *Workspace) peekNode(fqn storage.Fqn) (*Node, bool) {
	if !w.visible(fqn) {
		return nil, false
	}
	if n, ok := w.nodes[fqn.String()]; ok {
		if n.deleted {
			return nil, false
		}
		return n, true
	}
	c, ok := w.committer.peekCommitted(fqn)
	if !ok {
		return nil, false
	}
	n := w.copyOf(c)
	w.nodes[fqn.String()] = n
	return n, true
}

func (w *Workspace) Peek(fqn storage.Fqn) (commands.NodeAccess, bool) {
	n, ok := w.peekNode(fqn)
	if !ok {
		return nil, false
	}
	return n, true
}

func (w *Workspace) PeekForWrite(fqn storage.Fqn) (commands.NodeAccess, bool, error) {
	n, ok := w.Peek(fqn)
	return n, ok, nil
}

// PeekOrCreate walks down from the root, creating workspace nodes for every
// missing element.
func (w *Workspace) PeekOrCreate(fqn storage.Fqn) (commands.NodeAccess, []storage.Fqn, error) {
	parent, ok := w.peekNode(storage.Root)
	if !ok {
		return nil, nil, storage.NewIntegrity("root missing from workspace of %s", w.gtx)
	}
	var created []storage.Fqn
	for d := 1; d <= fqn.Size(); d++ {
		f := fqn.AncestorAtDepth(d)
		n, ok := w.peekNode(f)
		if !ok {
			n = w.create(f)
			parent.addChild(f.LastElement())
			created = append(created, f)
		}
		parent = n
	}
	return parent, created, nil
}

// create makes a fresh node at fqn. When a committed node is hidden there by
// an earlier removal in this workspace, the new node replaces it instead.
func (w *Workspace) create(fqn storage.Fqn) *Node {
	key := fqn.String()
	if old, ok := w.nodes[key]; ok && old.committed != nil {
		return w.replace(old)
	}
	if c, ok := w.committer.peekCommitted(fqn); ok {
		return w.replace(w.copyOf(c))
	}
	n := &Node{
		fqn:             fqn,
		data:            make(map[string]interface{}),
		childrenAdded:   make(map[string]struct{}),
		childrenRemoved: make(map[string]struct{}),
		created:         true,
	}
	w.nodes[key] = n
	return n
}

func (w *Workspace) replace(n *Node) *Node {
	n.deleted = false
	n.data = make(map[string]interface{})
	n.dataModified = true
	n.childrenAdded = make(map[string]struct{})
	n.childrenRemoved = make(map[string]struct{})
	for _, c := range n.committedChildren {
		n.childrenRemoved[c] = struct{}{}
	}
	w.nodes[n.fqn.String()] = n
	return n
}

// Detach marks the node and everything the workspace holds below it deleted,
// and removes it from its parent's children.
func (w *Workspace) Detach(fqn storage.Fqn) (commands.Detached, bool, error) {
	if fqn.IsRoot() {
		return nil, false, storage.NewConfiguration("the root node cannot be removed")
	}
	n, ok := w.peekNode(fqn)
	if !ok {
		return nil, false, nil
	}
	parent, ok := w.peekNode(fqn.Parent())
	if !ok {
		return nil, false, storage.NewIntegrity("parent of %s missing from workspace", fqn)
	}
	n.deleted = true
	for _, other := range w.nodes {
		if other.fqn.IsChildOf(fqn) {
			other.deleted = true
		}
	}
	parent.removeChild(fqn.LastElement())
	return nil, true, nil
}

func (w *Workspace) Attach(commands.Detached) error {
	return storage.NewIntegrity("workspaces are discarded, not undone")
}

func (w *Workspace) Prune([]storage.Fqn) error {
	return nil
}

func (w *Workspace) Evict(fqn storage.Fqn) (bool, error) {
	return false, storage.NewConfiguration("evict of %s cannot run inside a workspace", fqn)
}

func (w *Workspace) Invalidate(fqn storage.Fqn) (bool, error) {
	return false, storage.NewConfiguration("invalidate of %s cannot run inside a workspace", fqn)
}

func (w *Workspace) Export(fqn storage.Fqn) []storage.NodeData {
	return w.committer.export(fqn)
}

// SetExplicitVersion makes fqn commit with v instead of an incremented version.
func (w *Workspace) SetExplicitVersion(fqn storage.Fqn, v storage.DataVersion) {
	if n, ok := w.nodes[fqn.String()]; ok {
		n.explicit = v
	}
}

// dirtyNodes returns the modified nodes that are not below a removed node,
// parents first.
func (w *Workspace) dirtyNodes() []*Node {
	var out []*Node
	for _, n := range w.nodes {
		if n.dirty() && !w.underRemoved(n.fqn) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].fqn.Compare(out[j].fqn) < 0 })
	return out
}

// DirtyFqns lists the nodes that need a write lock before validation.
func (w *Workspace) DirtyFqns() []storage.Fqn {
	nodes := w.dirtyNodes()
	out := make([]storage.Fqn, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.fqn)
	}
	return out
}

func (w *Workspace) IsDirty() bool {
	for _, n := range w.nodes {
		if n.dirty() {
			return true
		}
	}
	return false
}

// Discard drops every copy.
func (w *Workspace) Discard() {
	w.nodes = make(map[string]*Node)
}
