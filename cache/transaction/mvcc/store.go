// Package mvcc implements multi-version concurrency control over the tree.
// Writers install pending versions under a per-node lock held for one command;
// readers pick the newest version committed at or before their snapshot and
// never wait for writers.
package mvcc

import (
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Store owns the version chains of one cache. Committed state is also written
// through to the container, which serves every node that has no chain.
type Store struct {
	dc     *storage.DataContainer
	oracle *Oracle

	mu     sync.Mutex
	chains map[string]*chain

	commitMu sync.Mutex

	writeSkewCheck bool
	repeatableRead bool
}

type Option func(*Store)

// WithWriteSkewCheck fails writers whose node was committed after their snapshot.
func WithWriteSkewCheck(on bool) Option {
	return func(s *Store) { s.writeSkewCheck = on }
}

// WithRepeatableRead pins one snapshot per transaction instead of one per operation.
func WithRepeatableRead(on bool) Option {
	return func(s *Store) { s.repeatableRead = on }
}

func NewStore(dc *storage.DataContainer, opts ...Option) *Store {
	s := &Store{
		dc:     dc,
		oracle: NewOracle(),
		chains: make(map[string]*chain),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Oracle() *Oracle {
	return s.oracle
}

// NumChains is the number of nodes currently carrying a version history.
func (s *Store) NumChains() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chains)
}

// chainFor returns the chain of fqn, seeding it from the container on first use.
func (s *Store) chainFor(fqn storage.Fqn) *chain {
	key := fqn.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chains[key]; ok {
		return c
	}
	var head *version
	if n, ok := s.dc.Peek(fqn); ok {
		head = newBase(n.Data())
	}
	c := newChain(fqn, head)
	s.chains[key] = c
	return c
}

func (s *Store) current(c *chain) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chains[c.fqn.String()] == c
}

// dropChain forgets c if nobody is writing to it.
func (s *Store) dropChain(c *chain) bool {
	if !c.tryAcquire() {
		return false
	}
	defer c.release()
	if c.hasPending() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chains[c.fqn.String()] != c {
		return false
	}
	delete(s.chains, c.fqn.String())
	return true
}

// readAt resolves fqn for a reader at ts. The chain lookup and the container
// read share one critical section with chain creation, so a node read from
// the container cannot have been written by a commit the reader must not see.
func (s *Store) readAt(fqn storage.Fqn, ts uint64, self txn.GlobalTransaction) (*version, map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chains[fqn.String()]; ok {
		v := c.visible(ts, self)
		if v == nil || v.deleted {
			return nil, nil, false
		}
		return v, nil, true
	}
	n, ok := s.dc.Peek(fqn)
	if !ok {
		return nil, nil, false
	}
	return nil, n.Data(), true
}

// chainsUnder returns the chains of fqn and its descendants, top-down.
func (s *Store) chainsUnder(fqn storage.Fqn) []*chain {
	s.mu.Lock()
	var out []*chain
	for _, c := range s.chains {
		if c.fqn.IsChildOrEquals(fqn) {
			out = append(out, c)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].fqn.Compare(out[j].fqn) < 0 })
	return out
}

// childChains returns the chains of the direct children of fqn.
func (s *Store) childChains(fqn storage.Fqn) []*chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*chain
	for _, c := range s.chains {
		if c.fqn.IsDirectChildOf(fqn) {
			out = append(out, c)
		}
	}
	return out
}

// Txn is the MVCC state of one transaction: its snapshot and the versions it
// installed, in installation order.
type Txn struct {
	store     *Store
	gtx       txn.GlobalTransaction
	snapshot  uint64
	installed []installed
	done      bool
}

type installed struct {
	chain   *chain
	version *version
}

// Begin starts tracking a transaction. The snapshot is taken on first read.
func (s *Store) Begin(gtx txn.GlobalTransaction) *Txn {
	return &Txn{store: s, gtx: gtx}
}

func (t *Txn) GlobalTransaction() txn.GlobalTransaction {
	return t.gtx
}

// Installed returns the number of pending versions the transaction owns.
func (t *Txn) Installed() int {
	return len(t.installed)
}

// Pinned reports whether the transaction holds a snapshot or pending versions.
func (t *Txn) Pinned() bool {
	return t.snapshot != 0 || len(t.installed) > 0
}

func (t *Txn) IsDone() bool {
	return t.done
}

// snapshotTs returns the timestamp reads of one operation use and whether the
// caller must end it after the operation.
func (t *Txn) snapshotTs() (ts uint64, perOperation bool) {
	if !t.store.repeatableRead {
		return t.store.oracle.Begin(), true
	}
	if t.snapshot == 0 {
		t.snapshot = t.store.oracle.Begin()
	}
	return t.snapshot, false
}

func (t *Txn) install(c *chain, v *version) {
	t.installed = append(t.installed, installed{chain: c, version: v})
}

func (t *Txn) finish() {
	if t.snapshot != 0 {
		t.store.oracle.End(t.snapshot)
		t.snapshot = 0
	}
	t.installed = nil
	t.done = true
}

// Prepare claims every node the transaction wrote when write skew checking
// is on. It fails with a version conflict if another transaction committed
// one of them after this one built its version, or has already claimed it.
// Without the check concurrent writers never conflict and the last commit
// wins.
func (s *Store) Prepare(t *Txn) error {
	if t.done || !s.writeSkewCheck {
		return nil
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	for i, in := range t.installed {
		if err := in.chain.claim(in.version); err != nil {
			for _, claimed := range t.installed[:i] {
				claimed.chain.unclaim(t.gtx)
			}
			return err
		}
	}
	return nil
}

// Commit stamps every installed version with one commit timestamp, publishes
// them, writes the new state through to the container and then advances the
// read timestamp.
func (s *Store) Commit(t *Txn) {
	if t.done {
		return
	}
	if len(t.installed) == 0 {
		t.finish()
		return
	}
	s.commitMu.Lock()
	ts := s.oracle.nextCommitTs()
	for _, in := range t.installed {
		in.version.commitTs.Store(ts)
	}
	for _, in := range t.installed {
		in.chain.publish(in.version)
		s.writeThrough(in.chain.fqn, in.version)
	}
	s.oracle.committed(ts)
	s.commitMu.Unlock()

	touched := t.installed
	t.finish()
	s.collect(touched)
	log.Debug("mvcc commit", zap.Stringer("gtx", t.gtx), zap.Uint64("commit-ts", ts), zap.Int("versions", len(touched)))
}

func (s *Store) writeThrough(fqn storage.Fqn, v *version) {
	if v.deleted {
		if n, ok := s.dc.PeekAny(fqn); ok && !fqn.IsRoot() {
			n.Clear()
			n.SetValid(false)
		}
		return
	}
	n, _ := s.dc.PeekOrCreate(fqn)
	n.ReplaceData(v.data)
}

// Rollback discards the transaction's pending versions, newest first, which
// leaves each node at its prior version, and forgets chains left without any
// version.
func (s *Store) Rollback(t *Txn) {
	if t.done {
		return
	}
	for i := len(t.installed) - 1; i >= 0; i-- {
		in := t.installed[i]
		in.chain.dropPending(in.version)
	}
	for i := len(t.installed) - 1; i >= 0; i-- {
		c := t.installed[i].chain
		if c.newest() == nil {
			s.dropChain(c)
		}
	}
	t.finish()
}

// collect trims histories nobody can read any more and hands nodes back to
// the container when their chain is down to one visible version.
func (s *Store) collect(touched []installed) {
	minTs := s.oracle.MinActive()
	for i := len(touched) - 1; i >= 0; i-- {
		c := touched[i].chain
		c.trim(minTs)
		head, ok := c.collectable(minTs)
		if !ok {
			continue
		}
		if !s.dropChain(c) {
			continue
		}
		if head != nil && head.deleted {
			s.dc.Prune([]storage.Fqn{c.fqn})
		}
	}
}

// GC trims every chain against the oldest active snapshot.
func (s *Store) GC() int {
	s.mu.Lock()
	all := make([]installed, 0, len(s.chains))
	for _, c := range s.chains {
		all = append(all, installed{chain: c})
	}
	s.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].chain.fqn.Compare(all[j].chain.fqn) < 0 })
	before := s.NumChains()
	s.collect(all)
	return before - s.NumChains()
}
