package commands

import (
	"context"
	"fmt"

	"github.com/pingcap-incubator/tinytree/cache/storage"
)

// PutKeyValue stores one attribute, creating the node and its ancestors.
type PutKeyValue struct {
	CommandBase
	undoLog
	Key   string
	Value interface{}
}

func NewPutKeyValue(fqn storage.Fqn, key string, value interface{}) *PutKeyValue {
	return &PutKeyValue{CommandBase: CommandBase{fqn}, Key: key, Value: value}
}

func (c *PutKeyValue) Kind() Kind { return KindPutKeyValue }

// Perform returns the prior value, nil if there was none.
func (c *PutKeyValue) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	return putKeyValue(&c.undoLog, da, c.fqn, c.Key, c.Value)
}

func putKeyValue(l *undoLog, da DataAccess, fqn storage.Fqn, key string, value interface{}) (interface{}, error) {
	n, created, err := da.PeekOrCreate(fqn)
	if err != nil {
		return nil, err
	}
	l.record(pruneStructural{created: created})
	old, existed := n.Put(key, value)
	l.record(restoreValue{key: key, value: old, existed: existed})
	return old, nil
}

func (c *PutKeyValue) Undo(da DataAccess) error {
	return c.replay(da, c.fqn)
}

func (c *PutKeyValue) String() string {
	return fmt.Sprintf("PutKeyValue{%s, %s=%v}", c.fqn, c.Key, c.Value)
}

// PutForExternalRead caches a value read from an outside source. It only
// writes when the key is not present and never takes part in the caller's
// transaction.
type PutForExternalRead struct {
	CommandBase
	undoLog
	Key   string
	Value interface{}
}

func NewPutForExternalRead(fqn storage.Fqn, key string, value interface{}) *PutForExternalRead {
	return &PutForExternalRead{CommandBase: CommandBase{fqn}, Key: key, Value: value}
}

func (c *PutForExternalRead) Kind() Kind { return KindPutForExternalRead }

func (c *PutForExternalRead) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	if n, ok := da.Peek(c.fqn); ok {
		if _, present := n.Get(c.Key); present {
			c.markPerformed()
			return false, nil
		}
	}
	if _, err := putKeyValue(&c.undoLog, da, c.fqn, c.Key, c.Value); err != nil {
		return nil, err
	}
	return true, nil
}

func (c *PutForExternalRead) Undo(da DataAccess) error {
	return c.replay(da, c.fqn)
}

func (c *PutForExternalRead) String() string {
	return fmt.Sprintf("PutForExternalRead{%s, %s=%v}", c.fqn, c.Key, c.Value)
}

// PutDataMap writes several attributes. With Erase the existing attributes are
// replaced, otherwise merged.
type PutDataMap struct {
	CommandBase
	undoLog
	Data  map[string]interface{}
	Erase bool
}

func NewPutDataMap(fqn storage.Fqn, data map[string]interface{}, erase bool) *PutDataMap {
	return &PutDataMap{CommandBase: CommandBase{fqn}, Data: storage.CopyData(data), Erase: erase}
}

func (c *PutDataMap) Kind() Kind { return KindPutDataMap }

func (c *PutDataMap) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	n, created, err := da.PeekOrCreate(c.fqn)
	if err != nil {
		return nil, err
	}
	c.record(pruneStructural{created: created})
	c.record(restoreData{data: n.Data()})
	if c.Erase {
		n.ReplaceData(c.Data)
		return nil, nil
	}
	for k, v := range c.Data {
		n.Put(k, v)
	}
	return nil, nil
}

func (c *PutDataMap) Undo(da DataAccess) error {
	return c.replay(da, c.fqn)
}

func (c *PutDataMap) String() string {
	return fmt.Sprintf("PutDataMap{%s, %d keys, erase=%v}", c.fqn, len(c.Data), c.Erase)
}

// RemoveKey deletes one attribute. Removing from an absent node or an absent
// key succeeds and changes nothing.
type RemoveKey struct {
	CommandBase
	undoLog
	Key string
}

func NewRemoveKey(fqn storage.Fqn, key string) *RemoveKey {
	return &RemoveKey{CommandBase: CommandBase{fqn}, Key: key}
}

func (c *RemoveKey) Kind() Kind { return KindRemoveKey }

// Perform returns the removed value.
func (c *RemoveKey) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	n, ok, err := da.PeekForWrite(c.fqn)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.markPerformed()
		return nil, nil
	}
	old, existed := n.Remove(c.Key)
	if !existed {
		c.markPerformed()
		return nil, nil
	}
	c.record(restoreValue{key: c.Key, value: old, existed: true})
	return old, nil
}

func (c *RemoveKey) Undo(da DataAccess) error {
	return c.replay(da, c.fqn)
}

func (c *RemoveKey) String() string {
	return fmt.Sprintf("RemoveKey{%s, %s}", c.fqn, c.Key)
}

// ClearData removes every attribute of a node, keeping the node.
type ClearData struct {
	CommandBase
	undoLog
}

func NewClearData(fqn storage.Fqn) *ClearData {
	return &ClearData{CommandBase: CommandBase{fqn}}
}

func (c *ClearData) Kind() Kind { return KindClearData }

func (c *ClearData) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	n, ok, err := da.PeekForWrite(c.fqn)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.markPerformed()
		return nil, nil
	}
	c.record(restoreData{data: n.Data()})
	n.Clear()
	return nil, nil
}

func (c *ClearData) Undo(da DataAccess) error {
	return c.replay(da, c.fqn)
}

func (c *ClearData) String() string {
	return fmt.Sprintf("ClearData{%s}", c.fqn)
}

// RemoveNode detaches a node with its whole subtree. Perform returns whether
// anything was removed.
type RemoveNode struct {
	CommandBase
	undoLog
}

func NewRemoveNode(fqn storage.Fqn) *RemoveNode {
	return &RemoveNode{CommandBase: CommandBase{fqn}}
}

func (c *RemoveNode) Kind() Kind { return KindRemoveNode }

func (c *RemoveNode) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	if c.fqn.IsRoot() {
		return nil, storage.NewConfiguration("the root node cannot be removed")
	}
	d, ok, err := da.Detach(c.fqn)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.markPerformed()
		return false, nil
	}
	if d != nil {
		c.record(reattachSubtree{detached: d})
	} else {
		c.markPerformed()
	}
	return true, nil
}

func (c *RemoveNode) Undo(da DataAccess) error {
	return c.replay(da, c.fqn)
}

func (c *RemoveNode) String() string {
	return fmt.Sprintf("RemoveNode{%s}", c.fqn)
}

// Evict drops a node from memory without treating it as a removal.
type Evict struct {
	CommandBase
	Irreversible
}

func NewEvict(fqn storage.Fqn) *Evict {
	return &Evict{CommandBase: CommandBase{fqn}}
}

func (c *Evict) Kind() Kind { return KindEvict }

func (c *Evict) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	return da.Evict(c.fqn)
}

func (c *Evict) String() string {
	return fmt.Sprintf("Evict{%s}", c.fqn)
}

// Invalidate marks a subtree stale, as sent by peers in invalidation mode.
type Invalidate struct {
	CommandBase
	Irreversible
}

func NewInvalidate(fqn storage.Fqn) *Invalidate {
	return &Invalidate{CommandBase: CommandBase{fqn}}
}

func (c *Invalidate) Kind() Kind { return KindInvalidate }

func (c *Invalidate) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	return da.Invalidate(c.fqn)
}

func (c *Invalidate) String() string {
	return fmt.Sprintf("Invalidate{%s}", c.fqn)
}

var (
	_ WriteCommand = (*PutKeyValue)(nil)
	_ WriteCommand = (*PutForExternalRead)(nil)
	_ WriteCommand = (*PutDataMap)(nil)
	_ WriteCommand = (*RemoveKey)(nil)
	_ WriteCommand = (*ClearData)(nil)
	_ WriteCommand = (*RemoveNode)(nil)
	_ WriteCommand = (*Evict)(nil)
	_ WriteCommand = (*Invalidate)(nil)
)
