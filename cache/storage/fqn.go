package storage

import (
	"sort"
	"strings"
)

// Separator is the element separator used by the string form of an Fqn.
const Separator = "/"

var escaper = strings.NewReplacer(`\`, `\\`, Separator, `\/`)

// Fqn is a fully qualified name: an ordered, immutable sequence of path
// elements addressing one node of the tree. The zero value is the root.
type Fqn struct {
	elems []string
	str   string
}

// Root is the Fqn of the root node.
var Root = Fqn{}

// NewFqn builds an Fqn from its elements.
func NewFqn(elems ...string) Fqn {
	if len(elems) == 0 {
		return Root
	}
	cp := make([]string, len(elems))
	copy(cp, elems)
	return newFqn(cp)
}

// FromElements is NewFqn for a slice held by the caller.
func FromElements(elems []string) Fqn {
	return NewFqn(elems...)
}

// FromString parses "/a/b/c". Empty elements are dropped, so "/" and "" are the root.
func FromString(s string) Fqn {
	parts := strings.Split(s, Separator)
	elems := parts[:0]
	for _, p := range parts {
		if p != "" {
			elems = append(elems, p)
		}
	}
	if len(elems) == 0 {
		return Root
	}
	return newFqn(elems)
}

// newFqn takes ownership of elems.
func newFqn(elems []string) Fqn {
	var b strings.Builder
	for _, e := range elems {
		b.WriteString(Separator)
		b.WriteString(escaper.Replace(e))
	}
	return Fqn{elems: elems, str: b.String()}
}

func (f Fqn) Size() int {
	return len(f.elems)
}

// Get returns the element at depth i (0 based).
func (f Fqn) Get(i int) string {
	return f.elems[i]
}

// Elements returns a copy of the elements.
func (f Fqn) Elements() []string {
	cp := make([]string, len(f.elems))
	copy(cp, f.elems)
	return cp
}

func (f Fqn) LastElement() string {
	if f.IsRoot() {
		return ""
	}
	return f.elems[len(f.elems)-1]
}

// Parent returns the Fqn one level up. The parent of the root is the root.
func (f Fqn) Parent() Fqn {
	if len(f.elems) <= 1 {
		return Root
	}
	return f.AncestorAtDepth(len(f.elems) - 1)
}

func (f Fqn) IsRoot() bool {
	return len(f.elems) == 0
}

func (f Fqn) Equal(o Fqn) bool {
	return f.str == o.str
}

// Compare orders Fqns element by element; a prefix sorts before its extensions,
// so every subtree occupies a contiguous range.
func (f Fqn) Compare(o Fqn) int {
	n := len(f.elems)
	if len(o.elems) < n {
		n = len(o.elems)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(f.elems[i], o.elems[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(f.elems) < len(o.elems):
		return -1
	case len(f.elems) > len(o.elems):
		return 1
	}
	return 0
}

// IsChildOf reports whether f is a strict descendant of parent.
func (f Fqn) IsChildOf(parent Fqn) bool {
	return len(f.elems) > len(parent.elems) && f.hasPrefix(parent)
}

func (f Fqn) IsChildOrEquals(parent Fqn) bool {
	return len(f.elems) >= len(parent.elems) && f.hasPrefix(parent)
}

func (f Fqn) IsDirectChildOf(parent Fqn) bool {
	return len(f.elems) == len(parent.elems)+1 && f.hasPrefix(parent)
}

func (f Fqn) hasPrefix(p Fqn) bool {
	for i, e := range p.elems {
		if f.elems[i] != e {
			return false
		}
	}
	return true
}

// AncestorAtDepth returns the first depth elements of f.
func (f Fqn) AncestorAtDepth(depth int) Fqn {
	if depth <= 0 {
		return Root
	}
	if depth >= len(f.elems) {
		return f
	}
	return NewFqn(f.elems[:depth]...)
}

// Ancestors returns every proper ancestor of f, root first.
func (f Fqn) Ancestors() []Fqn {
	out := make([]Fqn, 0, len(f.elems))
	for d := 0; d < len(f.elems); d++ {
		out = append(out, f.AncestorAtDepth(d))
	}
	return out
}

func (f Fqn) Child(elem string) Fqn {
	elems := make([]string, len(f.elems)+1)
	copy(elems, f.elems)
	elems[len(f.elems)] = elem
	return newFqn(elems)
}

// Append composes f with the relative path rel.
func (f Fqn) Append(rel Fqn) Fqn {
	if rel.IsRoot() {
		return f
	}
	elems := make([]string, 0, len(f.elems)+len(rel.elems))
	elems = append(elems, f.elems...)
	elems = append(elems, rel.elems...)
	return newFqn(elems)
}

// ReplaceAncestor rewrites the oldAncestor prefix of f with newAncestor.
// f is returned unchanged when it does not live under oldAncestor.
func (f Fqn) ReplaceAncestor(oldAncestor, newAncestor Fqn) Fqn {
	if !f.IsChildOrEquals(oldAncestor) {
		return f
	}
	return newAncestor.Append(NewFqn(f.elems[len(oldAncestor.elems):]...))
}

// String returns the canonical form. Separators inside elements are escaped,
// which makes the string a unique key for the Fqn.
func (f Fqn) String() string {
	if f.IsRoot() {
		return Separator
	}
	return f.str
}

// SortFqns sorts in tree order.
func SortFqns(fqns []Fqn) {
	sort.Slice(fqns, func(i, j int) bool { return fqns[i].Compare(fqns[j]) < 0 })
}
