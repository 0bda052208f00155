package interceptors

import (
	"fmt"
	"sync"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
)

type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeModified
	EventNodeRemoved
	EventNodeEvicted
	EventNodeInvalidated
)

var eventNames = map[EventType]string{
	EventNodeCreated:     "created",
	EventNodeModified:    "modified",
	EventNodeRemoved:     "removed",
	EventNodeEvicted:     "evicted",
	EventNodeInvalidated: "invalidated",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event describes a change that became visible in the tree.
type Event struct {
	Type        EventType
	Fqn         storage.Fqn
	OriginLocal bool
	Gtx         txn.GlobalTransaction
}

// Listener receives events synchronously on the calling goroutine.
type Listener interface {
	NodeEvent(e Event)
}

type ListenerFunc func(e Event)

func (f ListenerFunc) NodeEvent(e Event) { f(e) }

// NotificationInterceptor emits events after successful non-transactional
// writes, and for the whole modification list once a transaction commits.
type NotificationInterceptor struct {
	Base
	mu        sync.RWMutex
	listeners []Listener
}

func NewNotificationInterceptor() *NotificationInterceptor {
	return &NotificationInterceptor{}
}

func (i *NotificationInterceptor) Kind() Kind { return KindNotification }

func (i *NotificationInterceptor) Capabilities() Capability { return CapNotification }

func (i *NotificationInterceptor) AddListener(l Listener) {
	i.mu.Lock()
	i.listeners = append(i.listeners, l)
	i.mu.Unlock()
}

func (i *NotificationInterceptor) NumListeners() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.listeners)
}

func (i *NotificationInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	res, err := i.invokeNext(ic, cmd)
	if err != nil {
		return res, err
	}
	switch cmd.Kind() {
	case commands.KindCommit:
		if tc := ic.TransactionContext(); tc != nil {
			for _, m := range tc.Modifications() {
				i.emit(ic, eventsFor(m, nil, false))
			}
		}
	case commands.KindPrepare, commands.KindRollback:
	default:
		if !ic.InTransaction() && cmd.Kind().IsWrite() {
			i.emit(ic, eventsFor(cmd, res, true))
		}
	}
	return res, nil
}

func (i *NotificationInterceptor) emit(ic *invocation.Context, events []Event) {
	if len(events) == 0 {
		return
	}
	i.mu.RLock()
	listeners := make([]Listener, len(i.listeners))
	copy(listeners, i.listeners)
	i.mu.RUnlock()
	for _, e := range events {
		e.OriginLocal = ic.IsOriginLocal()
		e.Gtx = ic.GlobalTransaction()
		for _, l := range listeners {
			l.NodeEvent(e)
		}
	}
}

// eventsFor maps a write to its events. With haveResult the command's result
// filters out writes that changed nothing.
func eventsFor(cmd commands.Command, res interface{}, haveResult bool) []Event {
	changed := func() bool {
		if !haveResult {
			return true
		}
		b, ok := res.(bool)
		return ok && b
	}
	var out []Event
	if c, ok := cmd.(commands.Creator); ok {
		for _, f := range c.Created() {
			out = append(out, Event{Type: EventNodeCreated, Fqn: f})
		}
	}
	switch cmd.Kind() {
	case commands.KindPutKeyValue, commands.KindPutDataMap, commands.KindRemoveKey, commands.KindClearData:
		out = append(out, Event{Type: EventNodeModified, Fqn: cmd.Fqn()})
	case commands.KindPutForExternalRead:
		if changed() {
			out = append(out, Event{Type: EventNodeModified, Fqn: cmd.Fqn()})
		}
	case commands.KindRemoveNode:
		if changed() {
			out = append(out, Event{Type: EventNodeRemoved, Fqn: cmd.Fqn()})
		}
	case commands.KindEvict:
		if changed() {
			out = append(out, Event{Type: EventNodeEvicted, Fqn: cmd.Fqn()})
		}
	case commands.KindInvalidate:
		if changed() {
			out = append(out, Event{Type: EventNodeInvalidated, Fqn: cmd.Fqn()})
		}
	}
	return out
}
