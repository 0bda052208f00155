// Package interceptors implements the command pipeline: an ordered chain of
// handlers, each doing one cross-cutting job before passing the command on,
// ending in a terminal handler that touches the tree.
package interceptors

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/storage"
)

// Kind is the stable tag chain mutations match on.
type Kind int

const (
	KindInvocationContext Kind = iota + 1
	KindCacheMgmt
	KindTx
	KindNotification
	KindReplication
	KindPessimisticLock
	KindOptimisticLocking
	KindOptimisticValidator
	KindOptimisticNode
	KindMVCCLocking
	KindCall
)

var kindNames = map[Kind]string{
	KindInvocationContext:   "InvocationContextInterceptor",
	KindCacheMgmt:           "CacheMgmtInterceptor",
	KindTx:                  "TxInterceptor",
	KindNotification:        "NotificationInterceptor",
	KindReplication:         "ReplicationInterceptor",
	KindPessimisticLock:     "PessimisticLockInterceptor",
	KindOptimisticLocking:   "OptimisticLockingInterceptor",
	KindOptimisticValidator: "OptimisticValidatorInterceptor",
	KindOptimisticNode:      "OptimisticNodeInterceptor",
	KindMVCCLocking:         "MVCCLockingInterceptor",
	KindCall:                "CallInterceptor",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Capability is a bit set describing what a handler does, for management
// collaborators that filter the chain.
type Capability uint32

const (
	CapTracing Capability = 1 << iota
	CapStatistics
	CapTransactional
	CapNotification
	CapReplication
	CapLocking
	CapValidation
	CapTerminal
)

func (c Capability) Has(o Capability) bool {
	return c&o == o
}

// Interceptor is one handler of the chain.
type Interceptor interface {
	Kind() Kind
	Capabilities() Capability
	Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error)
	Next() Interceptor
	SetNext(next Interceptor)
}

// Base links an interceptor to its successor.
type Base struct {
	next Interceptor
}

func (b *Base) Next() Interceptor {
	return b.next
}

func (b *Base) SetNext(next Interceptor) {
	b.next = next
}

func (b *Base) invokeNext(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	if b.next == nil {
		return nil, storage.NewConfiguration("chain ends before a terminal interceptor")
	}
	return b.next.Invoke(ic, cmd)
}

// Chain is the ordered list of interceptors. Mutation is meant for chain
// construction; once the cache runs, collaborators only get a View.
type Chain struct {
	mu       sync.RWMutex
	handlers []Interceptor
}

func NewChain(hs ...Interceptor) *Chain {
	c := &Chain{}
	for _, h := range hs {
		c.Append(h)
	}
	return c
}

// relinkLocked points every handler at its successor and the last at nothing.
func (c *Chain) relinkLocked() {
	for i, h := range c.handlers {
		if i+1 < len(c.handlers) {
			h.SetNext(c.handlers[i+1])
		} else {
			h.SetNext(nil)
		}
	}
}

func (c *Chain) Append(h Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	c.relinkLocked()
}

// Insert puts h at pos; pos 0 makes it the head and pos Size appends.
func (c *Chain) Insert(h Interceptor, pos int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos < 0 || pos > len(c.handlers) {
		return storage.NewConfiguration("insert position %d out of range [0, %d]", pos, len(c.handlers))
	}
	c.handlers = append(c.handlers, nil)
	copy(c.handlers[pos+1:], c.handlers[pos:])
	c.handlers[pos] = h
	c.relinkLocked()
	return nil
}

func (c *Chain) RemoveAt(pos int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos < 0 || pos >= len(c.handlers) {
		return storage.NewConfiguration("remove position %d out of range [0, %d)", pos, len(c.handlers))
	}
	c.handlers[pos].SetNext(nil)
	c.handlers = append(c.handlers[:pos], c.handlers[pos+1:]...)
	c.relinkLocked()
	return nil
}

// RemoveKind removes every handler of kind and returns how many there were.
func (c *Chain) RemoveKind(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.handlers[:0]
	removed := 0
	for _, h := range c.handlers {
		if h.Kind() == kind {
			h.SetNext(nil)
			removed++
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(c.handlers); i++ {
		c.handlers[i] = nil
	}
	c.handlers = kept
	c.relinkLocked()
	return removed
}

func (c *Chain) List() []Interceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Interceptor, len(c.handlers))
	copy(out, c.handlers)
	return out
}

func (c *Chain) WithCapability(capability Capability) []Interceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Interceptor
	for _, h := range c.handlers {
		if h.Capabilities().Has(capability) {
			out = append(out, h)
		}
	}
	return out
}

// Find returns the first handler of kind.
func (c *Chain) Find(kind Kind) (Interceptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.handlers {
		if h.Kind() == kind {
			return h, true
		}
	}
	return nil, false
}

func (c *Chain) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

func (c *Chain) head() Interceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.handlers) == 0 {
		return nil
	}
	return c.handlers[0]
}

// Invoke passes cmd to the head of the chain.
func (c *Chain) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	h := c.head()
	if h == nil {
		return nil, storage.NewConfiguration("empty interceptor chain")
	}
	return h.Invoke(ic, cmd)
}

func (c *Chain) String() string {
	var buf bytes.Buffer
	buf.WriteString("Chain[")
	for i, h := range c.List() {
		if i > 0 {
			buf.WriteString(" -> ")
		}
		buf.WriteString(h.Kind().String())
	}
	buf.WriteString("]")
	return buf.String()
}

// View is the read-only face of a Chain.
type View struct {
	chain *Chain
}

func (c *Chain) View() View {
	return View{chain: c}
}

func (v View) List() []Interceptor { return v.chain.List() }

func (v View) WithCapability(capability Capability) []Interceptor {
	return v.chain.WithCapability(capability)
}

func (v View) Size() int { return v.chain.Size() }

// Kinds lists the handler tags in chain order.
func (v View) Kinds() []Kind {
	hs := v.chain.List()
	out := make([]Kind, len(hs))
	for i, h := range hs {
		out[i] = h.Kind()
	}
	return out
}

func (v View) String() string { return v.chain.String() }
