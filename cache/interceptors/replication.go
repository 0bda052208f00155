package interceptors

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/replication"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ReplicationInterceptor hands local writes to the Replicator. Calls outside
// a transaction replicate as soon as they succeed. Transactions replicate
// their modification list at prepare when synchronous and two-phase, and
// after commit otherwise. Commands that came from a peer, and calls with
// CacheModeLocal, are never sent.
type ReplicationInterceptor struct {
	Base
	mode        replication.Mode
	replicator  replication.Replicator
	syncTimeout time.Duration
}

func NewReplicationInterceptor(mode replication.Mode, r replication.Replicator, syncTimeout time.Duration) *ReplicationInterceptor {
	return &ReplicationInterceptor{mode: mode, replicator: r, syncTimeout: syncTimeout}
}

func (i *ReplicationInterceptor) Kind() Kind { return KindReplication }

func (i *ReplicationInterceptor) Capabilities() Capability { return CapReplication }

func (i *ReplicationInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	res, err := i.invokeNext(ic, cmd)
	if err != nil || i.mode.IsLocal() || i.skip(ic) {
		return res, err
	}
	sync := i.synchronous(ic)
	switch cmd.Kind() {
	case commands.KindPrepare:
		p := cmd.(*commands.Prepare)
		if sync && !p.OnePhase {
			if err := i.replicate(ic, p.Modifications, true); err != nil {
				return nil, err
			}
		}
	case commands.KindCommit:
		tc := ic.TransactionContext()
		if tc == nil || (sync && !i.onePhase(ic)) {
			break
		}
		if err := i.replicate(ic, tc.Modifications(), sync); err != nil {
			// the transaction is already committed locally
			log.Error("replication after commit failed", zap.Stringer("gtx", tc.GlobalTransaction()), zap.Error(err))
		}
	case commands.KindRollback, commands.KindEvict, commands.KindInvalidate:
	default:
		wc, ok := cmd.(commands.WriteCommand)
		if !ok || ic.InTransaction() {
			break
		}
		if cmd.Kind() == commands.KindPutForExternalRead {
			sync = false
		}
		if err := i.replicate(ic, []commands.WriteCommand{wc}, sync); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// onePhase reports whether the completing transaction skipped prepare-time
// replication: its context never left Active before commit.
func (i *ReplicationInterceptor) onePhase(ic *invocation.Context) bool {
	return !ic.TransactionContext().WasPrepared()
}

func (i *ReplicationInterceptor) skip(ic *invocation.Context) bool {
	return !ic.IsOriginLocal() || ic.OptionOverrides().CacheModeLocal
}

func (i *ReplicationInterceptor) synchronous(ic *invocation.Context) bool {
	o := ic.OptionOverrides()
	switch {
	case o.ForceSynchronous:
		return true
	case o.ForceAsynchronous:
		return false
	}
	return i.mode.IsSynchronous()
}

func (i *ReplicationInterceptor) replicate(ic *invocation.Context, mods []commands.WriteCommand, sync bool) error {
	var cmds []commands.WriteCommand
	for _, m := range mods {
		if recorded(m.Kind()) {
			cmds = append(cmds, m)
		}
	}
	if i.mode.IsInvalidation() {
		cmds = replication.InvalidationsFor(cmds)
	}
	if len(cmds) == 0 {
		return nil
	}
	ctx := ic.Go()
	if sync && i.syncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.syncTimeout)
		defer cancel()
	}
	if err := i.replicator.Replicate(ctx, cmds, sync); err != nil {
		return errors.Annotatef(err, "%s replication of %d commands", i.mode, len(cmds))
	}
	return nil
}
