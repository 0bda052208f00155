package tinytree

/*
TinyTree is an in-memory, tree-structured cache whose nodes are addressed by path (an Fqn such as /a/b/c) and hold a
map of attributes. Reads and writes can join transactions, changes can be replicated to peer caches, and every call
runs through a configurable chain of interceptors.

Building TinyTree produces one executable, tinytree-server. `tinytree-server serve` runs a cache node with an HTTP
status API; `tinytree-server bench` runs a read/write workload against an in-process cache.

The `tinytree` module is organized into the following packages:

* `cache/storage`: the Fqn type, tree nodes and the data container, plus the error taxonomy.
* `cache/commands`: reversible commands. Every write captures what it needs to undo itself.
* `cache/invocation`: the per-call invocation context (transaction, option overrides, origin).
* `cache/interceptors`: the interceptor chain and its handlers (tx, notification, replication, locking, call).
* `cache/transaction`: transaction table, per-transaction context and ordered synchronizations; `txn` holds the
  local transaction manager, `locks` the pessimistic lock manager, `optimistic` the workspace and committer and
  `mvcc` the versioned store.
* `cache/replication`: replicators (loopback, async queue) and cache modes.
* `cache/treecache`: the public cache API that wires all of the above for one configuration.
* `cache/server`: the status API. `cache/config` and `cache/util` hold configuration, logging and a worker.
*/
