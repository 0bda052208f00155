package interceptors

import (
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// InvocationContextInterceptor is the head of every chain. It records the
// command in flight, opens a tracing span and clears the overrides of
// non-transactional calls once they return.
//
// FailSilently only silences PutForExternalRead: caching a value read from
// elsewhere is best effort, every other failure reaches the caller.
type InvocationContextInterceptor struct {
	Base
}

func NewInvocationContextInterceptor() *InvocationContextInterceptor {
	return &InvocationContextInterceptor{}
}

func (i *InvocationContextInterceptor) Kind() Kind { return KindInvocationContext }

func (i *InvocationContextInterceptor) Capabilities() Capability { return CapTracing }

func (i *InvocationContextInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	parent := ic.Go()
	span, ctx := opentracing.StartSpanFromContext(parent, "tinytree."+cmd.Kind().String())
	span.SetTag("fqn", cmd.Fqn().String())
	ic.SetGo(ctx)
	prev := ic.Command()
	ic.SetCommand(cmd)
	defer func() {
		span.Finish()
		ic.SetGo(parent)
	}()

	res, err := i.invokeNext(ic, cmd)
	if err != nil {
		ext.Error.Set(span, true)
		span.LogKV("error", err.Error())
		if cmd.Kind() == commands.KindPutForExternalRead && ic.OptionOverrides().FailSilently {
			log.Debug("silenced failure", zap.Stringer("cmd", cmd), zap.Error(err))
			silencedCounter.Inc()
			res, err = false, nil
		}
	}

	if !ic.InTransaction() && !cmd.Kind().IsTxBoundary() {
		ic.ResetOptionOverrides()
		ic.SetCommand(nil)
	} else {
		ic.SetCommand(prev)
	}
	return res, err
}
