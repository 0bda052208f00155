// Package invocation holds the per-call state passed explicitly through the
// interceptor chain.
package invocation

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
)

// Options override cache configuration for the calls of one unit of work.
type Options struct {
	ForceAsynchronous   bool
	ForceSynchronous    bool
	CacheModeLocal      bool
	FailSilently        bool
	SuppressLocking     bool
	SkipDataGravitation bool
	// LockAcquisitionTimeout replaces the configured timeout when positive.
	LockAcquisitionTimeout time.Duration
	// DataVersion is the explicit version an optimistic write is stamped with.
	DataVersion storage.DataVersion
}

// Context is the invocation context of one unit of work. It belongs to the
// caller's goroutine and is not safe for concurrent use.
type Context struct {
	ctx         context.Context
	tx          txn.Transaction
	gtx         txn.GlobalTransaction
	txCtx       *transaction.Context
	cmd         commands.Command
	options     Options
	originLocal bool
	access      commands.DataAccess
}

// New returns a context for calls made by a local caller.
func New(ctx context.Context) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{ctx: ctx, originLocal: true}
}

// NewRemote returns a context for commands received from a peer.
func NewRemote(ctx context.Context) *Context {
	ic := New(ctx)
	ic.originLocal = false
	return ic
}

// Go is the context.Context carrying cancellation and tracing.
func (ic *Context) Go() context.Context {
	return ic.ctx
}

func (ic *Context) SetGo(ctx context.Context) {
	ic.ctx = ctx
}

func (ic *Context) SetTransaction(tx txn.Transaction) {
	ic.tx = tx
}

// Transaction is the ambient coordinator transaction, nil outside one.
func (ic *Context) Transaction() txn.Transaction {
	return ic.tx
}

// InTransaction reports whether an ambient transaction is set.
func (ic *Context) InTransaction() bool {
	return ic.tx != nil
}

func (ic *Context) SetGlobalTransaction(gtx txn.GlobalTransaction) {
	ic.gtx = gtx
}

func (ic *Context) GlobalTransaction() txn.GlobalTransaction {
	return ic.gtx
}

func (ic *Context) SetTransactionContext(c *transaction.Context) {
	ic.txCtx = c
}

func (ic *Context) TransactionContext() *transaction.Context {
	return ic.txCtx
}

func (ic *Context) SetCommand(cmd commands.Command) {
	ic.cmd = cmd
}

// Command is the command in flight.
func (ic *Context) Command() commands.Command {
	return ic.cmd
}

func (ic *Context) SetOptionOverrides(o Options) {
	ic.options = o
}

func (ic *Context) OptionOverrides() Options {
	return ic.options
}

func (ic *Context) ResetOptionOverrides() {
	ic.options = Options{}
}

func (ic *Context) IsOriginLocal() bool {
	return ic.originLocal
}

func (ic *Context) SetOriginLocal(local bool) {
	ic.originLocal = local
}

// SetDataAccess is called by the scheme interceptor with the access the
// terminal interceptor performs the command against.
func (ic *Context) SetDataAccess(da commands.DataAccess) {
	ic.access = da
}

func (ic *Context) DataAccess() commands.DataAccess {
	return ic.access
}

// LockTimeout returns the override if set, otherwise def.
func (ic *Context) LockTimeout(def time.Duration) time.Duration {
	if ic.options.LockAcquisitionTimeout > 0 {
		return ic.options.LockAcquisitionTimeout
	}
	return def
}

// Suspend returns an independent context for out-of-band work. It shares the
// Go context, origin and overrides but none of the transaction state. The
// returned resume func scrubs it.
func (ic *Context) Suspend() (*Context, func()) {
	oob := &Context{
		ctx:         ic.ctx,
		originLocal: ic.originLocal,
		options:     ic.options,
	}
	return oob, oob.Scrub
}

// Scrub clears every reference to the transaction and the last call.
func (ic *Context) Scrub() {
	ic.tx = nil
	ic.gtx = txn.GlobalTransaction{}
	ic.txCtx = nil
	ic.cmd = nil
	ic.options = Options{}
	ic.access = nil
}

// IsClean reports whether nothing from a previous transaction is left.
func (ic *Context) IsClean() bool {
	return ic.tx == nil && ic.gtx.IsZero() && ic.txCtx == nil && ic.cmd == nil &&
		ic.options == (Options{}) && ic.access == nil
}

func (ic *Context) String() string {
	return fmt.Sprintf("InvocationContext{gtx=%v, cmd=%v, local=%v, options=%+v}", ic.gtx, ic.cmd, ic.originLocal, ic.options)
}
