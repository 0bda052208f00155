package interceptors

import (
	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// CallInterceptor is the terminal handler of the pessimistic and MVCC
// schemes: it performs the command against the DataAccess the scheme set on
// the invocation context. With undoPartial a failed reversible write is
// undone before the error is returned.
type CallInterceptor struct {
	Base
	undoPartial bool
}

func NewCallInterceptor(undoPartial bool) *CallInterceptor {
	return &CallInterceptor{undoPartial: undoPartial}
}

func (i *CallInterceptor) Kind() Kind { return KindCall }

func (i *CallInterceptor) Capabilities() Capability { return CapTerminal }

func (i *CallInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	if cmd.Kind().IsTxBoundary() {
		return nil, nil
	}
	da := ic.DataAccess()
	if da == nil {
		return nil, storage.NewConfiguration("no data access for %v, is a scheme interceptor missing?", cmd.Kind())
	}
	res, err := cmd.Perform(ic.Go(), da)
	if err == nil || !i.undoPartial {
		return res, err
	}
	if wc, ok := cmd.(commands.WriteCommand); ok && wc.Reversible() {
		// nothing captured means nothing to undo
		if uerr := wc.Undo(da); uerr != nil && !storage.IsIntegrity(uerr) {
			log.Error("undo of failed command", zap.Stringer("cmd", cmd), zap.Error(uerr))
		}
	}
	return nil, err
}
