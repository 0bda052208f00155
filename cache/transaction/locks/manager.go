// Package locks implements the per-node read/write locks of the pessimistic
// scheme. Locks are keyed by Fqn and owned by a GlobalTransaction; a caller
// that cannot get a lock waits for it to be released, up to a timeout.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"github.com/pingcap/errors"
)

type LockType int

const (
	Read LockType = iota
	Write
)

func (t LockType) String() string {
	if t == Write {
		return "write"
	}
	return "read"
}

const DefaultStripes = 64

// Manager is the lock table. Entries are spread over stripes by fingerprint so
// unrelated Fqns do not contend on one mutex.
type Manager struct {
	stripes []*stripe
}

type stripe struct {
	mu    sync.Mutex
	locks map[string]*nodeLock
}

type nodeLock struct {
	writer  txn.GlobalTransaction
	readers map[txn.GlobalTransaction]struct{}
	waiters int
	// released is closed, then replaced, every time the lock loses a holder.
	released chan struct{}
}

func (l *nodeLock) free() bool {
	return l.writer.IsZero() && len(l.readers) == 0
}

func (l *nodeLock) holds(owner txn.GlobalTransaction) bool {
	if l.writer == owner {
		return true
	}
	_, ok := l.readers[owner]
	return ok
}

// tryGrant returns whether owner now holds the lock at the requested strength.
func (l *nodeLock) tryGrant(owner txn.GlobalTransaction, typ LockType) bool {
	if l.writer == owner {
		return true
	}
	if typ == Read {
		if !l.writer.IsZero() {
			return false
		}
		l.readers[owner] = struct{}{}
		return true
	}
	if !l.writer.IsZero() {
		return false
	}
	_, reading := l.readers[owner]
	if len(l.readers) > 1 || (len(l.readers) == 1 && !reading) {
		return false
	}
	delete(l.readers, owner)
	l.writer = owner
	return true
}

func NewManager(stripes int) *Manager {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	m := &Manager{stripes: make([]*stripe, stripes)}
	for i := range m.stripes {
		m.stripes[i] = &stripe{locks: make(map[string]*nodeLock)}
	}
	return m
}

func (m *Manager) stripeFor(key string) *stripe {
	return m.stripes[farm.Fingerprint64([]byte(key))%uint64(len(m.stripes))]
}

func (s *stripe) get(key string) *nodeLock {
	l, ok := s.locks[key]
	if !ok {
		l = &nodeLock{
			readers:  make(map[txn.GlobalTransaction]struct{}),
			released: make(chan struct{}),
		}
		s.locks[key] = l
	}
	return l
}

func (s *stripe) gc(key string, l *nodeLock) {
	if l.free() && l.waiters == 0 {
		delete(s.locks, key)
	}
}

// Acquire obtains a lock of type typ on fqn for owner, waiting at most timeout.
// newlyHeld is true when owner held nothing on fqn before the call, so the
// caller knows which locks to give back if a later acquisition fails. A
// reader asking for a write lock is upgraded once it is the only reader.
func (m *Manager) Acquire(ctx context.Context, owner txn.GlobalTransaction, fqn storage.Fqn, typ LockType, timeout time.Duration) (newlyHeld bool, err error) {
	key := fqn.String()
	s := m.stripeFor(key)
	deadline := time.Now().Add(timeout)
	start := time.Now()
	waited := false
	defer func() {
		if waited {
			lockWaitHistogram.Observe(time.Since(start).Seconds())
		}
	}()
	for {
		s.mu.Lock()
		l := s.get(key)
		held := l.holds(owner)
		if l.tryGrant(owner, typ) {
			s.mu.Unlock()
			lockCounter.WithLabelValues(typ.String()).Inc()
			return !held, nil
		}
		l.waiters++
		w := newWaiter(l.released, deadline)
		s.mu.Unlock()

		waited = true
		pos := w.Wait(ctx)

		s.mu.Lock()
		l.waiters--
		s.gc(key, l)
		s.mu.Unlock()

		switch pos {
		case WaitTimeout:
			lockCounter.WithLabelValues("timeout").Inc()
			return false, storage.NewLockTimeout(fqn, owner, timeout)
		case WaitCanceled:
			return false, errors.Trace(ctx.Err())
		}
	}
}

// Release drops whatever owner holds on fqn.
func (m *Manager) Release(owner txn.GlobalTransaction, fqn storage.Fqn) {
	key := fqn.String()
	s := m.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok || !l.holds(owner) {
		return
	}
	if l.writer == owner {
		l.writer = txn.GlobalTransaction{}
	}
	delete(l.readers, owner)
	close(l.released)
	l.released = make(chan struct{})
	s.gc(key, l)
}

// ReleaseAll releases fqns in reverse acquisition order.
func (m *Manager) ReleaseAll(owner txn.GlobalTransaction, fqns []storage.Fqn) {
	for i := len(fqns) - 1; i >= 0; i-- {
		m.Release(owner, fqns[i])
	}
}

// Holders reports the writer and the number of readers of fqn.
func (m *Manager) Holders(fqn storage.Fqn) (writer txn.GlobalTransaction, readers int) {
	key := fqn.String()
	s := m.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l.writer, len(l.readers)
	}
	return txn.GlobalTransaction{}, 0
}

func (m *Manager) IsLocked(fqn storage.Fqn) bool {
	w, r := m.Holders(fqn)
	return !w.IsZero() || r > 0
}

// Size returns the number of lock entries currently in the table.
func (m *Manager) Size() int {
	n := 0
	for _, s := range m.stripes {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
