package commands

import (
	"github.com/pingcap-incubator/tinytree/cache/storage"
)

// This file contains some base types for commands to reduce boilerplate.

type CommandBase struct {
	fqn storage.Fqn
}

func (base CommandBase) Fqn() storage.Fqn {
	return base.fqn
}

// Irreversible is embedded by write commands that cannot be undone.
type Irreversible struct{}

func (Irreversible) Reversible() bool {
	return false
}

func (Irreversible) Undo(DataAccess) error {
	return storage.NewIntegrity("undo requested for an irreversible command")
}

// undoPayload is the pre-image a reversible command records while performing.
type undoPayload interface {
	apply(da DataAccess, fqn storage.Fqn) error
}

// restoreValue puts a single key back the way it was.
type restoreValue struct {
	key     string
	value   interface{}
	existed bool
}

func (u restoreValue) apply(da DataAccess, fqn storage.Fqn) error {
	n, ok, err := da.PeekForWrite(fqn)
	if err != nil {
		return err
	}
	if !ok {
		return storage.NewIntegrity("node %s vanished before undo", fqn)
	}
	if u.existed {
		n.Put(u.key, u.value)
	} else {
		n.Remove(u.key)
	}
	return nil
}

// restoreData replaces the whole map, never merges.
type restoreData struct {
	data map[string]interface{}
}

func (u restoreData) apply(da DataAccess, fqn storage.Fqn) error {
	n, ok, err := da.PeekForWrite(fqn)
	if err != nil {
		return err
	}
	if !ok {
		return storage.NewIntegrity("node %s vanished before undo", fqn)
	}
	n.ReplaceData(u.data)
	return nil
}

type reattachSubtree struct {
	detached Detached
}

func (u reattachSubtree) apply(da DataAccess, _ storage.Fqn) error {
	return da.Attach(u.detached)
}

// pruneStructural removes the nodes a write created on its way down.
type pruneStructural struct {
	created []storage.Fqn
}

func (u pruneStructural) apply(da DataAccess, _ storage.Fqn) error {
	return da.Prune(u.created)
}

// undoLog collects payloads during Perform and replays them in reverse.
type undoLog struct {
	performed bool
	payloads  []undoPayload
}

func (l *undoLog) record(p undoPayload) {
	l.performed = true
	l.payloads = append(l.payloads, p)
}

// markPerformed is for writes that turned out to be no-ops.
func (l *undoLog) markPerformed() {
	l.performed = true
}

func (l *undoLog) replay(da DataAccess, fqn storage.Fqn) error {
	if !l.performed {
		return storage.NewIntegrity("undo of %s without captured state", fqn)
	}
	for i := len(l.payloads) - 1; i >= 0; i-- {
		if err := l.payloads[i].apply(da, fqn); err != nil {
			return err
		}
	}
	l.payloads = nil
	l.performed = false
	return nil
}

func (l *undoLog) Reversible() bool {
	return true
}

// Created lists the nodes the last Perform created, top-down.
func (l *undoLog) Created() []storage.Fqn {
	var out []storage.Fqn
	for _, p := range l.payloads {
		if ps, ok := p.(pruneStructural); ok {
			out = append(out, ps.created...)
		}
	}
	return out
}

// Creator is implemented by writes that may create nodes.
type Creator interface {
	Created() []storage.Fqn
}
