// Package treecache is the public face of a cache node. It builds the
// interceptor chain for the configured locking scheme and cache mode and turns
// each API call into a command sent through it.
package treecache

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/config"
	"github.com/pingcap-incubator/tinytree/cache/interceptors"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/replication"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction"
	"github.com/pingcap-incubator/tinytree/cache/transaction/locks"
	"github.com/pingcap-incubator/tinytree/cache/transaction/mvcc"
	"github.com/pingcap-incubator/tinytree/cache/transaction/optimistic"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrClosed is returned by calls on a closed cache.
var ErrClosed = errors.New("cache is closed")

var nodeSeq = atomic.NewUint64(0)

// Option customises a Cache at construction.
type Option func(*Cache)

// WithReplicator sets where writes go in a replicated cache mode.
func WithReplicator(r replication.Replicator) Option {
	return func(c *Cache) { c.replicator = r }
}

// WithAddress sets the address global transactions are stamped with.
func WithAddress(addr string) Option {
	return func(c *Cache) { c.address = addr }
}

// WithTransactionManager sets the coordinator handed out by
// TransactionManager. Remote batches always run under an in-process one.
func WithTransactionManager(m txn.Manager) Option {
	return func(c *Cache) { c.txm = m }
}

// Cache is one node of the tree cache.
type Cache struct {
	cfg     *config.Config
	address string
	mode    replication.Mode

	dc    *storage.DataContainer
	table *transaction.Table
	chain *interceptors.Chain

	lockManager *locks.Manager
	committer   *optimistic.Committer
	store       *mvcc.Store

	stats    *interceptors.CacheMgmtInterceptor
	notifier *interceptors.NotificationInterceptor

	replicator replication.Replicator
	queue      *replication.AsyncQueue

	txm    txn.Manager
	remote *txn.LocalManager
	closed *atomic.Bool
}

var _ replication.RemoteApplier = (*Cache)(nil)

// New builds a cache from cfg. cfg is adjusted in place.
func New(cfg *config.Config, opts ...Option) (*Cache, error) {
	if err := cfg.Adjust(nil); err != nil {
		return nil, err
	}
	mode, err := replication.ParseMode(cfg.CacheMode)
	if err != nil {
		return nil, storage.NewConfiguration("%v", err)
	}
	c := &Cache{
		cfg:    cfg,
		mode:   mode,
		dc:     storage.NewDataContainer(),
		remote: txn.NewLocalManager(),
		closed: atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.address == "" {
		c.address = fmt.Sprintf("%s-%d", cfg.ClusterName, nodeSeq.Inc())
	}
	if c.txm == nil {
		c.txm = txn.NewLocalManager()
	}
	if !mode.IsLocal() {
		if c.replicator == nil {
			log.Warn("replicated cache mode without a replicator, writes stay local",
				zap.String("address", c.address), zap.Stringer("mode", mode))
			c.replicator = replication.Noop{}
		}
		if cfg.UseReplQueue {
			c.queue = replication.NewAsyncQueue(c.replicator, float64(cfg.ReplQueueRate), cfg.ReplQueueMaxElements)
			c.replicator = c.queue
		}
	}
	c.table = transaction.NewTable(c.address)
	if err := c.buildChain(); err != nil {
		return nil, err
	}
	log.Info("cache started",
		zap.String("address", c.address),
		zap.String("scheme", cfg.NodeLockingScheme),
		zap.Stringer("mode", mode),
		zap.Stringer("chain", c.chain))
	return c, nil
}

func (c *Cache) buildChain() error {
	cfg := c.cfg
	timeout := cfg.LockAcquisitionTimeout.Duration
	chain := interceptors.NewChain(interceptors.NewInvocationContextInterceptor())
	if cfg.ExposeStatistics {
		c.stats = interceptors.NewCacheMgmtInterceptor()
		chain.Append(c.stats)
	}
	tx := interceptors.NewTxInterceptor(c.table, cfg.OnePhaseCommit, cfg.NodeLockingScheme)
	tx.SetChain(chain)
	chain.Append(tx)
	c.notifier = interceptors.NewNotificationInterceptor()
	chain.Append(c.notifier)
	if !c.mode.IsLocal() {
		chain.Append(interceptors.NewReplicationInterceptor(c.mode, c.replicator, cfg.SyncReplTimeout.Duration))
	}

	switch cfg.NodeLockingScheme {
	case config.SchemePessimistic:
		c.lockManager = locks.NewManager(cfg.LockStripes)
		chain.Append(interceptors.NewPessimisticLockInterceptor(c.dc, c.lockManager, c.table, timeout, cfg.LockParentForChildInsertRemove))
		chain.Append(interceptors.NewCallInterceptor(true))
	case config.SchemeOptimistic:
		c.lockManager = locks.NewManager(cfg.LockStripes)
		c.committer = optimistic.NewCommitter(c.dc, cfg.LockParentForChildInsertRemove)
		chain.Append(interceptors.NewOptimisticLockingInterceptor(c.lockManager, timeout))
		chain.Append(interceptors.NewOptimisticValidatorInterceptor(c.committer))
		chain.Append(interceptors.NewOptimisticNodeInterceptor(c.committer, c.table, c.lockManager, timeout))
	case config.SchemeMVCC:
		c.store = mvcc.NewStore(c.dc,
			mvcc.WithWriteSkewCheck(cfg.WriteSkewCheck),
			mvcc.WithRepeatableRead(cfg.IsRepeatableRead()))
		chain.Append(interceptors.NewMVCCLockingInterceptor(c.store, c.table, timeout))
		chain.Append(interceptors.NewCallInterceptor(false))
	default:
		return storage.NewConfiguration("unknown node locking scheme %q", cfg.NodeLockingScheme)
	}
	c.chain = chain
	return nil
}

func (c *Cache) invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if ic == nil {
		ic = invocation.New(context.Background())
	}
	return c.chain.Invoke(ic, cmd)
}

// Put stores value under key at fqn, creating missing nodes, and returns the
// previous value.
func (c *Cache) Put(ic *invocation.Context, fqn storage.Fqn, key string, value interface{}) (interface{}, error) {
	return c.invoke(ic, commands.NewPutKeyValue(fqn, key, value))
}

// PutData merges data into the node at fqn, or replaces its contents with erase.
func (c *Cache) PutData(ic *invocation.Context, fqn storage.Fqn, data map[string]interface{}, erase bool) error {
	_, err := c.invoke(ic, commands.NewPutDataMap(fqn, data, erase))
	return err
}

// PutForExternalRead caches a value loaded from elsewhere. It runs outside the
// caller's transaction, does nothing when the key is already present and
// reaches peers asynchronously.
func (c *Cache) PutForExternalRead(ic *invocation.Context, fqn storage.Fqn, key string, value interface{}) error {
	if ic == nil {
		ic = invocation.New(context.Background())
	}
	oob, resume := ic.Suspend()
	defer resume()
	_, err := c.invoke(oob, commands.NewPutForExternalRead(fqn, key, value))
	return err
}

func (c *Cache) Get(ic *invocation.Context, fqn storage.Fqn, key string) (interface{}, error) {
	return c.invoke(ic, commands.NewGetKeyValue(fqn, key))
}

// GetNode returns a copy of the node, nil when it does not exist.
func (c *Cache) GetNode(ic *invocation.Context, fqn storage.Fqn) (*storage.NodeData, error) {
	res, err := c.invoke(ic, commands.NewGetNode(fqn))
	if err != nil {
		return nil, err
	}
	nd, _ := res.(*storage.NodeData)
	return nd, nil
}

// Remove removes the node with its subtree and reports whether it existed.
func (c *Cache) Remove(ic *invocation.Context, fqn storage.Fqn) (bool, error) {
	res, err := c.invoke(ic, commands.NewRemoveNode(fqn))
	if err != nil {
		return false, err
	}
	removed, _ := res.(bool)
	return removed, nil
}

// RemoveKey removes key from the node at fqn and returns the removed value.
func (c *Cache) RemoveKey(ic *invocation.Context, fqn storage.Fqn, key string) (interface{}, error) {
	return c.invoke(ic, commands.NewRemoveKey(fqn, key))
}

func (c *Cache) ClearData(ic *invocation.Context, fqn storage.Fqn) error {
	_, err := c.invoke(ic, commands.NewClearData(fqn))
	return err
}

func (c *Cache) Exists(ic *invocation.Context, fqn storage.Fqn) (bool, error) {
	res, err := c.invoke(ic, commands.NewExists(fqn))
	if err != nil {
		return false, err
	}
	ok, _ := res.(bool)
	return ok, nil
}

func (c *Cache) GetChildrenNames(ic *invocation.Context, fqn storage.Fqn) ([]string, error) {
	res, err := c.invoke(ic, commands.NewGetChildrenNames(fqn))
	if err != nil {
		return nil, err
	}
	names, _ := res.([]string)
	return names, nil
}

func (c *Cache) GetKeys(ic *invocation.Context, fqn storage.Fqn) ([]string, error) {
	res, err := c.invoke(ic, commands.NewGetKeys(fqn))
	if err != nil {
		return nil, err
	}
	keys, _ := res.([]string)
	return keys, nil
}

// Evict drops fqn from memory. A recursive evict walks the subtree deepest
// first and leaves resident nodes alone. It returns how many nodes were
// evicted.
func (c *Cache) Evict(ic *invocation.Context, fqn storage.Fqn, recursive bool) (int, error) {
	evicted := 0
	for _, f := range c.NodesForEviction(fqn, recursive) {
		res, err := c.invoke(ic, commands.NewEvict(f))
		if err != nil {
			return evicted, errors.Annotatef(err, "evicting %s", f)
		}
		if ok, _ := res.(bool); ok {
			evicted++
		}
	}
	return evicted, nil
}

// NodesForEviction lists what Evict would visit.
func (c *Cache) NodesForEviction(fqn storage.Fqn, recursive bool) []storage.Fqn {
	return c.dc.NodesForEviction(fqn, recursive)
}

// SetResident pins or unpins a node against recursive eviction.
func (c *Cache) SetResident(fqn storage.Fqn, resident bool) bool {
	n, ok := c.dc.Peek(fqn)
	if !ok {
		return false
	}
	n.SetResident(resident)
	return true
}

// Invalidate clears the subtree at fqn and marks it invalid.
func (c *Cache) Invalidate(ic *invocation.Context, fqn storage.Fqn) error {
	_, err := c.invoke(ic, commands.NewInvalidate(fqn))
	return err
}

// Gravitate exports the subtree at fqn for a peer taking ownership of it.
func (c *Cache) Gravitate(ic *invocation.Context, fqn storage.Fqn) (*commands.GravitateResult, error) {
	if ic != nil && ic.OptionOverrides().SkipDataGravitation {
		return &commands.GravitateResult{}, nil
	}
	res, err := c.invoke(ic, commands.NewGravitate(fqn))
	if err != nil {
		return nil, err
	}
	gr, _ := res.(*commands.GravitateResult)
	return gr, nil
}

// ApplyRemote applies a batch received from a peer as one local transaction.
// The writes are not replicated again.
func (c *Cache) ApplyRemote(ctx context.Context, cmds []commands.WriteCommand) error {
	return c.applyInTx(invocation.NewRemote(ctx), cmds)
}

func (c *Cache) applyInTx(ic *invocation.Context, cmds []commands.WriteCommand) error {
	if len(cmds) == 0 {
		return nil
	}
	tx, err := c.remote.Begin()
	if err != nil {
		return errors.Trace(err)
	}
	ic.SetTransaction(tx)
	for _, cmd := range cmds {
		if _, err := c.invoke(ic, cmd); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				log.Warn("rollback of failed batch", zap.Uint64("txn", tx.ID()), zap.Error(rerr))
			}
			ic.Scrub()
			return errors.Annotatef(err, "applying %v", cmd)
		}
	}
	return errors.Trace(tx.Commit())
}

// Export copies the subtree at fqn for state transfer.
func (c *Cache) Export(ctx context.Context, fqn storage.Fqn) ([]storage.NodeData, error) {
	gr, err := c.Gravitate(invocation.New(ctx), fqn)
	if err != nil {
		return nil, err
	}
	return gr.Data, nil
}

// Import installs exported data under fqn in one local transaction. The first
// entry is the exported subtree root; every entry is re-rooted at fqn.
func (c *Cache) Import(ctx context.Context, fqn storage.Fqn, data []storage.NodeData) error {
	if len(data) == 0 {
		return nil
	}
	from := data[0].Fqn
	cmds := make([]commands.WriteCommand, 0, len(data))
	for _, nd := range data {
		cmds = append(cmds, commands.NewPutDataMap(nd.Fqn.ReplaceAncestor(from, fqn), nd.Data, true))
	}
	ic := invocation.New(ctx)
	ic.SetOptionOverrides(invocation.Options{CacheModeLocal: true})
	return c.applyInTx(ic, cmds)
}

// TransactionManager is the coordinator callers begin transactions with.
func (c *Cache) TransactionManager() txn.Manager {
	return c.txm
}

// Chain is the read-only view of the interceptor chain.
func (c *Cache) Chain() interceptors.View {
	return c.chain.View()
}

// Stats returns the statistics snapshot; ok is false when they are disabled.
func (c *Cache) Stats() (stats interceptors.Stats, ok bool) {
	if c.stats == nil {
		return interceptors.Stats{}, false
	}
	return c.stats.Stats(), true
}

func (c *Cache) ResetStatistics() {
	if c.stats != nil {
		c.stats.ResetStatistics()
	}
}

func (c *Cache) AddListener(l interceptors.Listener) {
	c.notifier.AddListener(l)
}

func (c *Cache) Config() *config.Config {
	return c.cfg
}

func (c *Cache) Address() string {
	return c.address
}

func (c *Cache) Mode() replication.Mode {
	return c.mode
}

func (c *Cache) NumNodes() int {
	return c.dc.NumNodes()
}

func (c *Cache) NumAttributes() int {
	return c.dc.NumAttributes()
}

// NumTransactions counts transactions with live context on this node.
func (c *Cache) NumTransactions() int {
	return c.table.Len()
}

// NumLocks counts held node locks; always 0 under MVCC.
func (c *Cache) NumLocks() int {
	if c.lockManager == nil {
		return 0
	}
	return c.lockManager.Size()
}

// IsLocked reports whether a transaction holds a lock on fqn.
func (c *Cache) IsLocked(fqn storage.Fqn) bool {
	return c.lockManager != nil && c.lockManager.IsLocked(fqn)
}

// GC trims MVCC histories no reader needs and returns how many chains went.
func (c *Cache) GC() int {
	if c.store == nil {
		return 0
	}
	return c.store.GC()
}

// FlushReplication waits for queued asynchronous batches.
func (c *Cache) FlushReplication() {
	if c.queue != nil {
		c.queue.Flush()
	}
}

// Close stops the replication queue. Later calls fail with ErrClosed.
func (c *Cache) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	if c.queue != nil {
		start := time.Now()
		c.queue.Close()
		log.Info("replication queue drained", zap.String("address", c.address), zap.Duration("took", time.Since(start)))
	}
	log.Info("cache closed", zap.String("address", c.address))
}
