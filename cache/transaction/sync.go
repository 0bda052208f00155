package transaction

import (
	"sync"

	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// OrderedSynchronizationHandler is the single synchronization registered
// with a coordinator transaction. Caches sharing the transaction add their
// own callbacks to it at the head or the tail, and the handler runs them in
// that order.
type OrderedSynchronizationHandler struct {
	tx txn.Transaction

	mu    sync.Mutex
	syncs []txn.Synchronization
}

var handlers = struct {
	sync.Mutex
	m map[txn.Transaction]*OrderedSynchronizationHandler
}{m: make(map[txn.Transaction]*OrderedSynchronizationHandler)}

// HandlerFor returns the handler of tx, registering a new one with the
// coordinator the first time.
func HandlerFor(tx txn.Transaction) (*OrderedSynchronizationHandler, error) {
	handlers.Lock()
	defer handlers.Unlock()
	if h, ok := handlers.m[tx]; ok {
		return h, nil
	}
	h := &OrderedSynchronizationHandler{tx: tx}
	if err := tx.RegisterSynchronization(h); err != nil {
		return nil, errors.Trace(err)
	}
	handlers.m[tx] = h
	return h, nil
}

func forgetHandler(tx txn.Transaction) {
	handlers.Lock()
	delete(handlers.m, tx)
	handlers.Unlock()
}

func (h *OrderedSynchronizationHandler) RegisterAtHead(s txn.Synchronization) {
	h.mu.Lock()
	h.syncs = append([]txn.Synchronization{s}, h.syncs...)
	h.mu.Unlock()
}

func (h *OrderedSynchronizationHandler) RegisterAtTail(s txn.Synchronization) {
	h.mu.Lock()
	h.syncs = append(h.syncs, s)
	h.mu.Unlock()
}

func (h *OrderedSynchronizationHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.syncs)
}

func (h *OrderedSynchronizationHandler) snapshot() []txn.Synchronization {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]txn.Synchronization, len(h.syncs))
	copy(out, h.syncs)
	return out
}

// BeforeCompletion stops at the first failing callback.
func (h *OrderedSynchronizationHandler) BeforeCompletion() error {
	for _, s := range h.snapshot() {
		if err := s.BeforeCompletion(); err != nil {
			return err
		}
	}
	return nil
}

// AfterCompletion runs every callback even if an earlier one panics, then
// forgets the transaction.
func (h *OrderedSynchronizationHandler) AfterCompletion(status txn.Status) {
	defer forgetHandler(h.tx)
	for _, s := range h.snapshot() {
		runAfterCompletion(s, status, h.tx.ID())
	}
}

func runAfterCompletion(s txn.Synchronization, status txn.Status, id uint64) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("after completion panicked", zap.Uint64("txn", id), zap.Reflect("recover", r), zap.Stack("stack"))
		}
	}()
	s.AfterCompletion(status)
}
