package storage

import (
	"sort"
	"sync"
)

// Node is one vertex of the tree. Data and children are guarded by the node's
// own mutex; structural changes go through the DataContainer, which never takes
// its lock while a node lock is held.
type Node struct {
	fqn Fqn

	mu       sync.RWMutex
	parent   *Node
	data     map[string]interface{}
	children map[string]*Node
	version  DataVersion
	valid    bool
	resident bool
}

func newNode(fqn Fqn, parent *Node) *Node {
	return &Node{
		fqn:     fqn,
		parent:  parent,
		data:    make(map[string]interface{}),
		version: ZeroVersion,
		valid:   true,
	}
}

func (n *Node) Fqn() Fqn {
	return n.fqn
}

func (n *Node) Get(key string) (interface{}, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.data[key]
	return v, ok
}

// Put stores value under key, returning the prior value and whether there was one.
func (n *Node) Put(key string, value interface{}) (interface{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	old, ok := n.data[key]
	n.data[key] = value
	return old, ok
}

func (n *Node) Remove(key string) (interface{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	old, ok := n.data[key]
	delete(n.data, key)
	return old, ok
}

// Data returns a copy of the node's attributes.
func (n *Node) Data() map[string]interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return copyData(n.data)
}

// ReplaceData swaps the whole attribute map for a copy of data.
func (n *Node) ReplaceData(data map[string]interface{}) {
	cp := copyData(data)
	n.mu.Lock()
	n.data = cp
	n.mu.Unlock()
}

func (n *Node) Clear() {
	n.mu.Lock()
	n.data = make(map[string]interface{})
	n.mu.Unlock()
}

func (n *Node) Keys() []string {
	n.mu.RLock()
	keys := make([]string, 0, len(n.data))
	for k := range n.data {
		keys = append(keys, k)
	}
	n.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (n *Node) NumAttributes() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.data)
}

// ChildrenNames returns the sorted names of the valid children.
func (n *Node) ChildrenNames() []string {
	return n.childrenNames(false)
}

func (n *Node) childrenNames(includeInvalid bool) []string {
	n.mu.RLock()
	names := make([]string, 0, len(n.children))
	for name, c := range n.children {
		if includeInvalid || c.IsValid() {
			names = append(names, name)
		}
	}
	n.mu.RUnlock()
	sort.Strings(names)
	return names
}

// AllChildrenNames includes invalidated children.
func (n *Node) AllChildrenNames() []string {
	return n.childrenNames(true)
}

func (n *Node) Child(name string) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.children[name]
	return c, ok
}

func (n *Node) HasChildren() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.children) > 0
}

func (n *Node) Parent() *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

func (n *Node) Version() DataVersion {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.version
}

func (n *Node) SetVersion(v DataVersion) {
	n.mu.Lock()
	n.version = v
	n.mu.Unlock()
}

func (n *Node) IsValid() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.valid
}

func (n *Node) SetValid(valid bool) {
	n.mu.Lock()
	n.valid = valid
	n.mu.Unlock()
}

// IsResident reports whether the node is exempt from recursive eviction.
func (n *Node) IsResident() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.resident
}

func (n *Node) SetResident(resident bool) {
	n.mu.Lock()
	n.resident = resident
	n.mu.Unlock()
}

func (n *Node) addChild(c *Node) {
	n.mu.Lock()
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	n.children[c.fqn.LastElement()] = c
	n.mu.Unlock()
}

func (n *Node) removeChild(name string) {
	n.mu.Lock()
	delete(n.children, name)
	n.mu.Unlock()
}

func (n *Node) setParent(p *Node) {
	n.mu.Lock()
	n.parent = p
	n.mu.Unlock()
}

func (n *Node) childList() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	return out
}

// NodeData is the exported content of one node, used for state transfer and
// gravitation.
type NodeData struct {
	Fqn  Fqn
	Data map[string]interface{}
}

func copyData(data map[string]interface{}) map[string]interface{} {
	cp := make(map[string]interface{}, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return cp
}

// CopyData returns a shallow copy of an attribute map; nil yields an empty map.
func CopyData(data map[string]interface{}) map[string]interface{} {
	return copyData(data)
}
