package storage

import (
	"sort"
	"sync"

	"github.com/google/btree"
)

const indexDegree = 32

type indexItem struct {
	fqn  Fqn
	node *Node
}

func (i *indexItem) Less(than btree.Item) bool {
	return i.fqn.Compare(than.(*indexItem).fqn) < 0
}

// DataContainer is the authoritative tree. Nodes are indexed by Fqn in a btree
// ordered element-wise, so a subtree is a contiguous range of the index, and
// each parent keeps references to its children.
type DataContainer struct {
	mu    sync.RWMutex
	root  *Node
	index *btree.BTree
}

func NewDataContainer() *DataContainer {
	c := &DataContainer{}
	c.reset()
	return c
}

func (c *DataContainer) reset() {
	c.root = newNode(Root, nil)
	c.index = btree.New(indexDegree)
	c.index.ReplaceOrInsert(&indexItem{fqn: Root, node: c.root})
}

// Root returns the root node without synchronization.
func (c *DataContainer) Root() *Node {
	return c.root
}

func (c *DataContainer) lookup(fqn Fqn) (*Node, bool) {
	it := c.index.Get(&indexItem{fqn: fqn})
	if it == nil {
		return nil, false
	}
	return it.(*indexItem).node, true
}

// Peek returns the valid node at fqn.
func (c *DataContainer) Peek(fqn Fqn) (*Node, bool) {
	c.mu.RLock()
	n, ok := c.lookup(fqn)
	c.mu.RUnlock()
	if !ok || !n.IsValid() {
		return nil, false
	}
	return n, true
}

// PeekAny returns the node at fqn even when it has been invalidated.
func (c *DataContainer) PeekAny(fqn Fqn) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(fqn)
}

func (c *DataContainer) Exists(fqn Fqn) bool {
	_, ok := c.Peek(fqn)
	return ok
}

// PeekOrCreate returns the node at fqn, creating it and any missing ancestors.
// created lists, top-down, exactly the Fqns that were absent before the call;
// invalidated nodes that get revalidated count as created.
func (c *DataContainer) PeekOrCreate(fqn Fqn) (n *Node, created []Fqn) {
	if n, ok := c.Peek(fqn); ok {
		return n, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	parent := c.root
	for depth := 1; depth <= fqn.Size(); depth++ {
		f := fqn.AncestorAtDepth(depth)
		child, ok := c.lookup(f)
		switch {
		case !ok:
			child = newNode(f, parent)
			parent.addChild(child)
			c.index.ReplaceOrInsert(&indexItem{fqn: f, node: child})
			created = append(created, f)
		case !child.IsValid():
			child.Clear()
			child.SetValid(true)
			created = append(created, f)
		}
		parent = child
	}
	return parent, created
}

// Subtree is a detached branch, kept intact so it can be re-attached.
type Subtree struct {
	Root *Node
}

func (s *Subtree) Fqn() Fqn {
	return s.Root.fqn
}

// Detach unlinks the node at fqn together with its descendants. ok is false when
// there was no valid node; an invalidated node is still unlinked.
func (c *DataContainer) Detach(fqn Fqn) (*Subtree, bool) {
	if fqn.IsRoot() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(fqn)
	if !ok {
		return nil, false
	}
	c.unlinkLocked(n)
	if !n.IsValid() {
		return nil, false
	}
	return &Subtree{Root: n}, true
}

func (c *DataContainer) unlinkLocked(n *Node) {
	if p := n.Parent(); p != nil {
		p.removeChild(n.fqn.LastElement())
	}
	for _, item := range c.rangeLocked(n.fqn) {
		c.index.Delete(item)
	}
}

// rangeLocked collects the index items of the subtree rooted at fqn, pre-order.
func (c *DataContainer) rangeLocked(fqn Fqn) []*indexItem {
	var items []*indexItem
	c.index.AscendGreaterOrEqual(&indexItem{fqn: fqn}, func(i btree.Item) bool {
		it := i.(*indexItem)
		if !it.fqn.IsChildOrEquals(fqn) {
			return false
		}
		items = append(items, it)
		return true
	})
	return items
}

// Attach re-inserts a previously detached subtree under its original parent.
func (c *DataContainer) Attach(s *Subtree) error {
	if s == nil || s.Root == nil {
		return NewIntegrity("attach of an empty subtree")
	}
	fqn := s.Root.fqn
	c.mu.Lock()
	defer c.mu.Unlock()
	parent, ok := c.lookup(fqn.Parent())
	if !ok {
		return NewIntegrity("parent of %s missing on attach", fqn)
	}
	if existing, ok := c.lookup(fqn); ok {
		if existing.IsValid() {
			return NewIntegrity("%s already present on attach", fqn)
		}
		c.unlinkLocked(existing)
	}
	s.Root.setParent(parent)
	parent.addChild(s.Root)
	c.indexLocked(s.Root)
	return nil
}

func (c *DataContainer) indexLocked(n *Node) {
	c.index.ReplaceOrInsert(&indexItem{fqn: n.fqn, node: n})
	for _, child := range n.childList() {
		c.indexLocked(child)
	}
}

// Prune removes the listed nodes, deepest first, as long as each is an empty
// leaf. Nodes still carrying data or children are left in place.
func (c *DataContainer) Prune(fqns []Fqn) {
	if len(fqns) == 0 {
		return
	}
	sorted := make([]Fqn, len(fqns))
	copy(sorted, fqns)
	SortFqns(sorted)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(sorted) - 1; i >= 0; i-- {
		f := sorted[i]
		if f.IsRoot() {
			continue
		}
		n, ok := c.lookup(f)
		if !ok || n.HasChildren() || n.NumAttributes() > 0 {
			continue
		}
		c.unlinkLocked(n)
	}
}

// Subtree returns the nodes of the subtree rooted at fqn in pre-order,
// including invalidated ones.
func (c *DataContainer) Subtree(fqn Fqn) []*Node {
	c.mu.RLock()
	items := c.rangeLocked(fqn)
	c.mu.RUnlock()
	nodes := make([]*Node, 0, len(items))
	for _, it := range items {
		nodes = append(nodes, it.node)
	}
	return nodes
}

// NumNodes counts valid nodes, root excluded.
func (c *DataContainer) NumNodes() int {
	cnt := 0
	for _, n := range c.Subtree(Root) {
		if !n.fqn.IsRoot() && n.IsValid() {
			cnt++
		}
	}
	return cnt
}

func (c *DataContainer) NumAttributes() int {
	cnt := 0
	for _, n := range c.Subtree(Root) {
		if n.IsValid() {
			cnt += n.NumAttributes()
		}
	}
	return cnt
}

// Export copies the valid nodes of the subtree rooted at fqn.
func (c *DataContainer) Export(fqn Fqn) []NodeData {
	var out []NodeData
	for _, n := range c.Subtree(fqn) {
		if !n.IsValid() {
			continue
		}
		out = append(out, NodeData{Fqn: n.fqn, Data: n.Data()})
	}
	return out
}

// Import installs exported node data, creating nodes as needed and replacing
// the attributes of existing ones.
func (c *DataContainer) Import(data []NodeData) {
	for _, d := range data {
		n, _ := c.PeekOrCreate(d.Fqn)
		n.ReplaceData(d.Data)
	}
}

// NodesForEviction lists eviction candidates under fqn, deepest first. A
// recursive request skips resident nodes and the root.
func (c *DataContainer) NodesForEviction(fqn Fqn, recursive bool) []Fqn {
	if !recursive {
		if c.Exists(fqn) {
			return []Fqn{fqn}
		}
		return nil
	}
	var out []Fqn
	for _, n := range c.Subtree(fqn) {
		if n.fqn.IsRoot() || n.IsResident() || !n.IsValid() {
			continue
		}
		out = append(out, n.fqn)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Size() != out[j].Size() {
			return out[i].Size() > out[j].Size()
		}
		return out[i].Compare(out[j]) > 0
	})
	return out
}

// Evict drops the node at fqn from memory: a leaf is removed, a node with
// children only loses its data.
func (c *DataContainer) Evict(fqn Fqn) bool {
	n, ok := c.Peek(fqn)
	if !ok {
		return false
	}
	if fqn.IsRoot() || n.HasChildren() {
		n.Clear()
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// re-check under the structural lock: a child may have appeared meanwhile
	if n.HasChildren() {
		n.Clear()
		return true
	}
	c.unlinkLocked(n)
	return true
}

// Invalidate clears and marks invalid every node of the subtree at fqn.
// Invalid nodes read as absent until recreated.
func (c *DataContainer) Invalidate(fqn Fqn) bool {
	nodes := c.Subtree(fqn)
	if len(nodes) == 0 {
		return false
	}
	for _, n := range nodes {
		n.Clear()
		if !n.fqn.IsRoot() {
			n.SetValid(false)
		}
	}
	return true
}

func (c *DataContainer) Clear() {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()
}
