package commands

import (
	"context"
	"fmt"

	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
)

// TxBoundary is the common part of Prepare, Commit and Rollback. These
// commands never touch the tree themselves; interceptors act on them.
type TxBoundary struct {
	Gtx txn.GlobalTransaction
}

func (TxBoundary) Fqn() storage.Fqn {
	return storage.Root
}

func (TxBoundary) Perform(context.Context, DataAccess) (interface{}, error) {
	return nil, nil
}

// Prepare carries the modification list of a transaction. With OnePhase it
// also commits.
type Prepare struct {
	TxBoundary
	Modifications []WriteCommand
	OnePhase      bool
}

func NewPrepare(gtx txn.GlobalTransaction, mods []WriteCommand, onePhase bool) *Prepare {
	return &Prepare{TxBoundary: TxBoundary{gtx}, Modifications: mods, OnePhase: onePhase}
}

func (c *Prepare) Kind() Kind { return KindPrepare }

func (c *Prepare) String() string {
	return fmt.Sprintf("Prepare{%s, %d modifications, onePhase=%v}", c.Gtx, len(c.Modifications), c.OnePhase)
}

type Commit struct {
	TxBoundary
}

func NewCommit(gtx txn.GlobalTransaction) *Commit {
	return &Commit{TxBoundary{gtx}}
}

func (c *Commit) Kind() Kind { return KindCommit }

func (c *Commit) String() string {
	return fmt.Sprintf("Commit{%s}", c.Gtx)
}

type Rollback struct {
	TxBoundary
}

func NewRollback(gtx txn.GlobalTransaction) *Rollback {
	return &Rollback{TxBoundary{gtx}}
}

func (c *Rollback) Kind() Kind { return KindRollback }

func (c *Rollback) String() string {
	return fmt.Sprintf("Rollback{%s}", c.Gtx)
}
