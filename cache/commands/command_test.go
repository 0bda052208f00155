package commands

import (
	"context"
	"testing"

	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBuilder struct {
	t  *testing.T
	dc *storage.DataContainer
	da DataAccess
}

func newBuilder(t *testing.T) testBuilder {
	dc := storage.NewDataContainer()
	return testBuilder{t: t, dc: dc, da: NewContainerAccess(dc)}
}

func (b *testBuilder) run(cmd Command) interface{} {
	res, err := cmd.Perform(context.Background(), b.da)
	require.NoError(b.t, err)
	return res
}

func (b *testBuilder) undo(cmd WriteCommand) {
	require.NoError(b.t, cmd.Undo(b.da))
}

func (b *testBuilder) put(path, key string, value interface{}) {
	b.run(NewPutKeyValue(storage.FromString(path), key, value))
}

func (b *testBuilder) get(path, key string) interface{} {
	return b.run(NewGetKeyValue(storage.FromString(path), key))
}

func (b *testBuilder) exists(path string) bool {
	return b.dc.Exists(storage.FromString(path))
}

func TestPutKeyValueUndoPrunesCreatedNodes(t *testing.T) {
	b := newBuilder(t)
	b.put("/a", "x", 1)
	cmd := NewPutKeyValue(storage.FromString("/a/b/c"), "k", "v")
	assert.Nil(t, b.run(cmd))
	assert.Equal(t, "v", b.get("/a/b/c", "k"))

	b.undo(cmd)
	assert.False(t, b.exists("/a/b"))
	assert.False(t, b.exists("/a/b/c"))
	assert.True(t, b.exists("/a"))
	assert.Equal(t, 1, b.get("/a", "x"))
}

func TestPutKeyValueUndoRestoresPriorValue(t *testing.T) {
	b := newBuilder(t)
	b.put("/a", "k", "old")
	cmd := NewPutKeyValue(storage.FromString("/a"), "k", "new")
	assert.Equal(t, "old", b.run(cmd))
	b.undo(cmd)
	assert.Equal(t, "old", b.get("/a", "k"))
}

func TestUndoWithoutPerformIsIntegrityError(t *testing.T) {
	b := newBuilder(t)
	cmd := NewPutKeyValue(storage.FromString("/a"), "k", "v")
	assert.True(t, storage.IsIntegrity(cmd.Undo(b.da)))

	assert.True(t, storage.IsIntegrity(NewEvict(storage.FromString("/a")).Undo(b.da)))
	assert.False(t, NewEvict(storage.FromString("/a")).Reversible())
	assert.True(t, cmd.Reversible())
}

func TestPutDataMapUndoReplaces(t *testing.T) {
	b := newBuilder(t)
	b.run(NewPutDataMap(storage.FromString("/a"), map[string]interface{}{"a": 1, "b": 2}, false))

	merge := NewPutDataMap(storage.FromString("/a"), map[string]interface{}{"b": 3, "c": 4}, false)
	b.run(merge)
	n, _ := b.dc.Peek(storage.FromString("/a"))
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 3, "c": 4}, n.Data())
	b.undo(merge)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, n.Data())

	erase := NewPutDataMap(storage.FromString("/a"), map[string]interface{}{"z": 0}, true)
	b.run(erase)
	assert.Equal(t, map[string]interface{}{"z": 0}, n.Data())
	b.undo(erase)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, n.Data())
}

func TestRemoveKeyAbsentIsNoop(t *testing.T) {
	b := newBuilder(t)
	b.put("/a", "k", "v")

	missingKey := NewRemoveKey(storage.FromString("/a"), "nope")
	assert.Nil(t, b.run(missingKey))
	b.undo(missingKey)
	n, _ := b.dc.Peek(storage.FromString("/a"))
	assert.Equal(t, []string{"k"}, n.Keys())

	missingNode := NewRemoveKey(storage.FromString("/x/y"), "k")
	assert.Nil(t, b.run(missingNode))
	b.undo(missingNode)
	assert.False(t, b.exists("/x"))

	rm := NewRemoveKey(storage.FromString("/a"), "k")
	assert.Equal(t, "v", b.run(rm))
	assert.Nil(t, b.get("/a", "k"))
	b.undo(rm)
	assert.Equal(t, "v", b.get("/a", "k"))
}

func TestClearDataUndo(t *testing.T) {
	b := newBuilder(t)
	b.put("/a", "k", "v")
	cmd := NewClearData(storage.FromString("/a"))
	b.run(cmd)
	assert.Nil(t, b.get("/a", "k"))
	b.undo(cmd)
	assert.Equal(t, "v", b.get("/a", "k"))
}

func TestRemoveNodeUndoReattaches(t *testing.T) {
	b := newBuilder(t)
	b.put("/a/b/c", "k", "v")
	b.put("/a/b", "k", "b")

	cmd := NewRemoveNode(storage.FromString("/a/b"))
	assert.Equal(t, true, b.run(cmd))
	assert.False(t, b.exists("/a/b/c"))
	b.undo(cmd)
	assert.Equal(t, "v", b.get("/a/b/c", "k"))
	assert.Equal(t, "b", b.get("/a/b", "k"))

	absent := NewRemoveNode(storage.FromString("/zz"))
	assert.Equal(t, false, b.run(absent))
	b.undo(absent)

	_, err := NewRemoveNode(storage.Root).Perform(context.Background(), b.da)
	assert.True(t, storage.IsConfiguration(err))
}

func TestReverseUndoOfSequence(t *testing.T) {
	b := newBuilder(t)
	cmds := []WriteCommand{
		NewPutKeyValue(storage.FromString("/a/b/c"), "k", "v"),
		NewRemoveNode(storage.FromString("/a")),
		NewPutKeyValue(storage.FromString("/a"), "k", "again"),
	}
	for _, c := range cmds {
		b.run(c)
	}
	for i := len(cmds) - 1; i >= 0; i-- {
		b.undo(cmds[i])
	}
	assert.False(t, b.exists("/a"))
	assert.Equal(t, 0, b.dc.NumNodes())
}

func TestPutForExternalReadKeepsExisting(t *testing.T) {
	b := newBuilder(t)
	b.put("/a", "k", "cached")
	cmd := NewPutForExternalRead(storage.FromString("/a"), "k", "loaded")
	assert.Equal(t, false, b.run(cmd))
	assert.Equal(t, "cached", b.get("/a", "k"))

	fresh := NewPutForExternalRead(storage.FromString("/a"), "other", "loaded")
	assert.Equal(t, true, b.run(fresh))
	assert.Equal(t, "loaded", b.get("/a", "other"))
}

func TestReads(t *testing.T) {
	b := newBuilder(t)
	b.put("/a/b", "k", 1)
	b.put("/a/c", "k", 2)
	assert.Equal(t, []string{"b", "c"}, b.run(NewGetChildrenNames(storage.FromString("/a"))))
	assert.Equal(t, []string{"k"}, b.run(NewGetKeys(storage.FromString("/a/b"))))
	assert.Nil(t, b.run(NewGetKeys(storage.FromString("/q"))))
	assert.Equal(t, true, b.run(NewExists(storage.FromString("/a/c"))))
	nd := b.run(NewGetNode(storage.FromString("/a/c"))).(*storage.NodeData)
	assert.Equal(t, 2, nd.Data["k"])
	assert.Nil(t, b.run(NewGetNode(storage.FromString("/q"))).(*storage.NodeData))

	res := b.run(NewGravitate(storage.FromString("/a"))).(*GravitateResult)
	assert.True(t, res.Found)
	assert.Len(t, res.Data, 3)
}

func TestCloneDropsUndoState(t *testing.T) {
	b := newBuilder(t)
	cmd := NewPutKeyValue(storage.FromString("/a"), "k", "v")
	b.run(cmd)
	cp, ok := Clone(cmd)
	require.True(t, ok)
	assert.True(t, storage.IsIntegrity(cp.Undo(b.da)))
	_, ok = Clone(NewEvict(storage.FromString("/a")))
	assert.False(t, ok)
	assert.Len(t, CloneAll([]WriteCommand{cmd, NewEvict(storage.Root)}), 1)
	assert.True(t, KindPutKeyValue.IsWrite())
	assert.True(t, KindCommit.IsTxBoundary())
	assert.Equal(t, "RemoveNode", KindRemoveNode.String())
}
