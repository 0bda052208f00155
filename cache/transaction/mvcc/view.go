package mvcc

import (
	"context"
	"sort"
	"time"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap/errors"
)

// View is the DataAccess of one command: a snapshot for reads plus the per-node
// write locks taken while the command installs versions. Release must be
// called when the command finishes.
type View struct {
	ctx      context.Context
	txn      *Txn
	ts       uint64
	endTs    bool
	timeout  time.Duration
	deadline time.Time
	locked   []*chain
}

var _ commands.DataAccess = (*View)(nil)

// View opens the access for one command of t.
func (s *Store) View(ctx context.Context, t *Txn, lockTimeout time.Duration) *View {
	ts, perOp := t.snapshotTs()
	return &View{
		ctx:      ctx,
		txn:      t,
		ts:       ts,
		endTs:    perOp,
		timeout:  lockTimeout,
		deadline: time.Now().Add(lockTimeout),
	}
}

// Snapshot is the timestamp reads of this view observe.
func (v *View) Snapshot() uint64 {
	return v.ts
}

// Release gives back the node locks and a per-operation snapshot.
func (v *View) Release() {
	for i := len(v.locked) - 1; i >= 0; i-- {
		v.locked[i].release()
	}
	v.locked = nil
	if v.endTs {
		v.txn.store.oracle.End(v.ts)
		v.endTs = false
	}
}

func (v *View) store() *Store {
	return v.txn.store
}

// read resolves fqn at the view's snapshot. Data read from the container is
// already a private copy.
func (v *View) read(fqn storage.Fqn) (*version, map[string]interface{}, bool) {
	return v.store().readAt(fqn, v.ts, v.txn.gtx)
}

func (v *View) exists(fqn storage.Fqn) bool {
	_, _, ok := v.read(fqn)
	return ok
}

func (v *View) Peek(fqn storage.Fqn) (commands.NodeAccess, bool) {
	ver, data, ok := v.read(fqn)
	if !ok {
		return nil, false
	}
	h := &handle{view: v, fqn: fqn}
	if ver != nil {
		h.data = ver.data
		h.pending = ver.pending()
	} else {
		h.data = data
		h.private = true
	}
	return h, true
}

func (v *View) holds(c *chain) bool {
	for _, l := range v.locked {
		if l == c {
			return true
		}
	}
	return false
}

// lockedChain returns the live chain of fqn with this view holding its lock.
func (v *View) lockedChain(fqn storage.Fqn) (*chain, error) {
	for {
		c := v.store().chainFor(fqn)
		if v.holds(c) {
			return c, nil
		}
		if !c.acquire(v.ctx, v.deadline) {
			if err := v.ctx.Err(); err != nil {
				return nil, errors.Trace(err)
			}
			return nil, storage.NewLockTimeout(fqn, v.txn.gtx, v.timeout)
		}
		if v.store().current(c) {
			v.locked = append(v.locked, c)
			return c, nil
		}
		// dropped while we waited
		c.release()
	}
}

// pendingVersion returns this transaction's pending version of fqn, installing
// one built from the newest committed version if needed. Pending versions of
// other transactions do not stop it: the node lock is only held for the
// current command. create allows installing over an absent or deleted node. A
// nil version means the node does not exist and create was false.
func (v *View) pendingVersion(fqn storage.Fqn, create bool) (*version, error) {
	self := v.txn.gtx
	c, err := v.lockedChain(fqn)
	if err != nil {
		return nil, err
	}
	if pv := c.pendingOf(self); pv != nil {
		if pv.deleted {
			if !create {
				return nil, nil
			}
			pv.deleted = false
			pv.data = make(map[string]interface{})
		}
		return pv, nil
	}
	head := c.newest()
	if head != nil && v.store().writeSkewCheck && head.commitTs.Load() > v.ts {
		return nil, storage.NewVersionConflict(fqn, "committed at %d after snapshot %d", head.commitTs.Load(), v.ts)
	}
	absent := head == nil || head.deleted
	if absent && !create {
		return nil, nil
	}
	data := make(map[string]interface{})
	if !absent {
		data = storage.CopyData(head.data)
	}
	pv := newPending(self, data, head)
	c.setPending(pv)
	v.txn.install(c, pv)
	return pv, nil
}

func (v *View) PeekForWrite(fqn storage.Fqn) (commands.NodeAccess, bool, error) {
	if !v.exists(fqn) {
		return nil, false, nil
	}
	pv, err := v.pendingVersion(fqn, false)
	if err != nil || pv == nil {
		return nil, false, err
	}
	return &handle{view: v, fqn: fqn, data: pv.data, pending: true}, true, nil
}

func (v *View) PeekOrCreate(fqn storage.Fqn) (commands.NodeAccess, []storage.Fqn, error) {
	var created []storage.Fqn
	for d := 0; d < fqn.Size(); d++ {
		f := fqn.AncestorAtDepth(d)
		if f.IsRoot() || v.exists(f) {
			continue
		}
		if _, err := v.pendingVersion(f, true); err != nil {
			return nil, nil, err
		}
		created = append(created, f)
	}
	existed := v.exists(fqn)
	pv, err := v.pendingVersion(fqn, true)
	if err != nil {
		return nil, nil, err
	}
	if !existed {
		created = append(created, fqn)
	}
	return &handle{view: v, fqn: fqn, data: pv.data, pending: true}, created, nil
}

// Detach installs tombstones on the node and every descendant visible to the view.
func (v *View) Detach(fqn storage.Fqn) (commands.Detached, bool, error) {
	if fqn.IsRoot() {
		return nil, false, storage.NewConfiguration("the root node cannot be removed")
	}
	if !v.exists(fqn) {
		return nil, false, nil
	}
	for _, f := range v.subtree(fqn) {
		pv, err := v.pendingVersion(f, false)
		if err != nil {
			return nil, false, err
		}
		if pv == nil {
			continue
		}
		pv.deleted = true
		pv.data = nil
	}
	return nil, true, nil
}

// subtree lists the Fqns under fqn the view can see, top-down.
func (v *View) subtree(fqn storage.Fqn) []storage.Fqn {
	seen := make(map[string]storage.Fqn)
	for _, n := range v.store().dc.Subtree(fqn) {
		seen[n.Fqn().String()] = n.Fqn()
	}
	for _, c := range v.store().chainsUnder(fqn) {
		seen[c.fqn.String()] = c.fqn
	}
	out := make([]storage.Fqn, 0, len(seen))
	for _, f := range seen {
		if v.exists(f) {
			out = append(out, f)
		}
	}
	storage.SortFqns(out)
	return out
}

func (v *View) childrenOf(fqn storage.Fqn) []string {
	names := make(map[string]struct{})
	if n, ok := v.store().dc.PeekAny(fqn); ok {
		for _, name := range n.AllChildrenNames() {
			names[name] = struct{}{}
		}
	}
	for _, c := range v.store().childChains(fqn) {
		names[c.fqn.LastElement()] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		if v.exists(fqn.Child(name)) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (v *View) Attach(commands.Detached) error {
	return storage.NewIntegrity("mvcc rollback reverts versions, it does not re-attach")
}

func (v *View) Prune([]storage.Fqn) error {
	return nil
}

// Evict and Invalidate work on committed state only; nodes some transaction
// has a pending version of are skipped.
func (v *View) Evict(fqn storage.Fqn) (bool, error) {
	return v.store().outOfBand(fqn, func() bool { return v.store().dc.Evict(fqn) })
}

func (v *View) Invalidate(fqn storage.Fqn) (bool, error) {
	return v.store().outOfBand(fqn, func() bool { return v.store().dc.Invalidate(fqn) })
}

func (v *View) Export(fqn storage.Fqn) []storage.NodeData {
	var out []storage.NodeData
	for _, f := range v.subtree(fqn) {
		ver, data, ok := v.read(f)
		if !ok {
			continue
		}
		if ver != nil {
			data = storage.CopyData(ver.data)
		}
		out = append(out, storage.NodeData{Fqn: f, Data: data})
	}
	return out
}

func (s *Store) outOfBand(fqn storage.Fqn, apply func() bool) (bool, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	chains := s.chainsUnder(fqn)
	for _, c := range chains {
		if c.hasPending() {
			return false, nil
		}
	}
	ok := apply()
	for _, c := range chains {
		s.dropChain(c)
	}
	return ok, nil
}

// handle is a node as seen through a View. Handles over pending versions
// write into the version; any other handle copies on first write and its
// changes go nowhere.
type handle struct {
	view    *View
	fqn     storage.Fqn
	data    map[string]interface{}
	pending bool
	private bool
}

var _ commands.NodeAccess = (*handle)(nil)

func (h *handle) writable() {
	if !h.pending && !h.private {
		h.data = storage.CopyData(h.data)
		h.private = true
	}
}

func (h *handle) Fqn() storage.Fqn {
	return h.fqn
}

func (h *handle) Get(key string) (interface{}, bool) {
	v, ok := h.data[key]
	return v, ok
}

func (h *handle) Put(key string, value interface{}) (interface{}, bool) {
	h.writable()
	old, ok := h.data[key]
	h.data[key] = value
	return old, ok
}

func (h *handle) Remove(key string) (interface{}, bool) {
	h.writable()
	old, ok := h.data[key]
	delete(h.data, key)
	return old, ok
}

func (h *handle) Data() map[string]interface{} {
	return storage.CopyData(h.data)
}

// ReplaceData and Clear mutate in place: the handle shares its map with the
// pending version.
func (h *handle) ReplaceData(data map[string]interface{}) {
	h.writable()
	for k := range h.data {
		delete(h.data, k)
	}
	for k, v := range data {
		h.data[k] = v
	}
}

func (h *handle) Clear() {
	h.ReplaceData(nil)
}

func (h *handle) Keys() []string {
	keys := make([]string, 0, len(h.data))
	for k := range h.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h *handle) ChildrenNames() []string {
	return h.view.childrenOf(h.fqn)
}

func (h *handle) NumAttributes() int {
	return len(h.data)
}
