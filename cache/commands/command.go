package commands

import (
	"context"
	"fmt"

	"github.com/pingcap-incubator/tinytree/cache/storage"
)

// Kind tags every command so interceptors can dispatch without type switches
// on concrete types when they only care about the category.
type Kind int

const (
	KindPutKeyValue Kind = iota + 1
	KindPutDataMap
	KindPutForExternalRead
	KindRemoveKey
	KindClearData
	KindRemoveNode
	KindEvict
	KindInvalidate
	KindGravitate
	KindGetKeyValue
	KindGetNode
	KindGetKeys
	KindGetChildrenNames
	KindExists
	KindPrepare
	KindCommit
	KindRollback
)

var kindNames = map[Kind]string{
	KindPutKeyValue:        "PutKeyValue",
	KindPutDataMap:         "PutDataMap",
	KindPutForExternalRead: "PutForExternalRead",
	KindRemoveKey:          "RemoveKey",
	KindClearData:          "ClearData",
	KindRemoveNode:         "RemoveNode",
	KindEvict:              "Evict",
	KindInvalidate:         "Invalidate",
	KindGravitate:          "Gravitate",
	KindGetKeyValue:        "GetKeyValue",
	KindGetNode:            "GetNode",
	KindGetKeys:            "GetKeys",
	KindGetChildrenNames:   "GetChildrenNames",
	KindExists:             "Exists",
	KindPrepare:            "Prepare",
	KindCommit:             "Commit",
	KindRollback:           "Rollback",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsWrite reports whether commands of this kind mutate the tree.
func (k Kind) IsWrite() bool {
	switch k {
	case KindPutKeyValue, KindPutDataMap, KindPutForExternalRead, KindRemoveKey,
		KindClearData, KindRemoveNode, KindEvict, KindInvalidate:
		return true
	}
	return false
}

// IsTxBoundary reports whether the kind is Prepare, Commit or Rollback.
func (k Kind) IsTxBoundary() bool {
	return k == KindPrepare || k == KindCommit || k == KindRollback
}

// Command is one operation travelling through the interceptor chain. The
// terminal interceptor calls Perform against the DataAccess of the configured
// concurrency scheme.
type Command interface {
	Kind() Kind
	// Fqn is the node the command targets; the root for transaction boundaries.
	Fqn() storage.Fqn
	Perform(ctx context.Context, da DataAccess) (interface{}, error)
	String() string
}

// WriteCommand is a Command that mutates the tree. Reversible commands capture
// an undo payload in Perform which Undo replays against the same DataAccess.
type WriteCommand interface {
	Command
	Reversible() bool
	Undo(da DataAccess) error
}
