package transaction

import (
	"testing"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine(t *testing.T) {
	ctx := newContext(txn.GlobalTransaction{Address: "a", ID: 1}, nil)
	assert.Equal(t, StateActive, ctx.State())
	require.NoError(t, ctx.Transition(StatePreparing))
	require.NoError(t, ctx.Transition(StatePrepared))
	require.NoError(t, ctx.Transition(StatePrepared))
	require.NoError(t, ctx.Transition(StateCommitted))
	assert.True(t, ctx.State().IsCompleted())

	err := ctx.Transition(StateRolledBack)
	assert.True(t, storage.IsIntegrity(err))
	assert.Equal(t, StateCommitted, ctx.State())

	onePhase := newContext(txn.GlobalTransaction{Address: "a", ID: 2}, nil)
	require.NoError(t, onePhase.Transition(StateCommitted))
	assert.Equal(t, "Committed", onePhase.State().String())
}

func TestContextBookkeeping(t *testing.T) {
	ctx := newContext(txn.GlobalTransaction{Address: "a", ID: 1}, nil)
	ctx.AddLock(storage.FromString("/a"))
	ctx.AddLock(storage.FromString("/a/b"))
	ctx.AddLock(storage.FromString("/a"))
	assert.Len(t, ctx.Locks(), 2)
	assert.True(t, ctx.HoldsLock(storage.FromString("/a/b")))

	ctx.AddModification(commands.NewPutKeyValue(storage.FromString("/a"), "k", "v"))
	assert.True(t, ctx.HasModifications())
	assert.False(t, ctx.MarkRegistered())
	assert.True(t, ctx.MarkRegistered())

	s := &countingScrubber{}
	ctx.AddScrubber(s)
	ctx.Scrub()
	ctx.Scrub()
	assert.Equal(t, 1, s.n)
	assert.Empty(t, ctx.Locks())
	assert.False(t, ctx.HasModifications())
	assert.Nil(t, ctx.Workspace())
	assert.Nil(t, ctx.MVCC())
}

type countingScrubber struct{ n int }

func (s *countingScrubber) Scrub() { s.n++ }

func TestTable(t *testing.T) {
	table := NewTable("node-1")
	mgr := txn.NewLocalManager()
	tx, err := mgr.Begin()
	require.NoError(t, err)

	ctx, created := table.GetOrCreate(tx)
	assert.True(t, created)
	again, created := table.GetOrCreate(tx)
	assert.False(t, created)
	assert.True(t, ctx == again)

	gtx, ok := table.GlobalTransaction(tx)
	require.True(t, ok)
	assert.Equal(t, "node-1", gtx.Address)
	got, ok := table.Context(gtx)
	require.True(t, ok)
	assert.True(t, ctx == got)

	implicit := table.Implicit()
	assert.Nil(t, implicit.Transaction())
	assert.NotEqual(t, gtx, implicit.GlobalTransaction())
	assert.Equal(t, 2, table.Len())

	table.Remove(gtx)
	table.Remove(implicit.GlobalTransaction())
	table.Remove(gtx)
	assert.Equal(t, 0, table.Len())
	_, ok = table.GlobalTransaction(tx)
	assert.False(t, ok)
}

type recordingSync struct {
	name   string
	trace  *[]string
	before error
}

func (s *recordingSync) BeforeCompletion() error {
	*s.trace = append(*s.trace, "before:"+s.name)
	return s.before
}

func (s *recordingSync) AfterCompletion(status txn.Status) {
	*s.trace = append(*s.trace, "after:"+s.name+":"+status.String())
}

func TestOrderedSynchronization(t *testing.T) {
	mgr := txn.NewLocalManager()
	tx, err := mgr.Begin()
	require.NoError(t, err)

	h, err := HandlerFor(tx)
	require.NoError(t, err)
	h2, err := HandlerFor(tx)
	require.NoError(t, err)
	assert.True(t, h == h2)

	var trace []string
	h.RegisterAtTail(&recordingSync{name: "tail", trace: &trace})
	h.RegisterAtHead(&recordingSync{name: "head", trace: &trace})
	assert.Equal(t, 2, h.Len())

	require.NoError(t, tx.Commit())
	assert.Equal(t, []string{
		"before:head", "before:tail",
		"after:head:Committed", "after:tail:Committed",
	}, trace)

	handlers.Lock()
	_, ok := handlers.m[tx]
	handlers.Unlock()
	assert.False(t, ok)
}

func TestOrderedSynchronizationBeforeFailure(t *testing.T) {
	mgr := txn.NewLocalManager()
	tx, err := mgr.Begin()
	require.NoError(t, err)
	h, err := HandlerFor(tx)
	require.NoError(t, err)

	var trace []string
	h.RegisterAtTail(&recordingSync{name: "a", trace: &trace, before: errors.New("conflict")})
	h.RegisterAtTail(&recordingSync{name: "b", trace: &trace})

	err = tx.Commit()
	assert.True(t, errors.Cause(err) == txn.ErrRolledBack)
	assert.Equal(t, []string{
		"before:a",
		"after:a:RolledBack", "after:b:RolledBack",
	}, trace)
}

func TestHandlerForCompletedTransaction(t *testing.T) {
	mgr := txn.NewLocalManager()
	tx, err := mgr.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	_, err = HandlerFor(tx)
	assert.True(t, errors.Cause(err) == txn.ErrNotActive)
}
