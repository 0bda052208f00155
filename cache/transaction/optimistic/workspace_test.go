package optimistic

import (
	"testing"

	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommitter(t *testing.T) (*storage.DataContainer, *Committer) {
	dc := storage.NewDataContainer()
	return dc, NewCommitter(dc, false)
}

func gtx(id uint64) txn.GlobalTransaction {
	return txn.GlobalTransaction{Address: "test", ID: id}
}

func put(t *testing.T, ws *Workspace, path, key string, v interface{}) {
	n, _, err := ws.PeekOrCreate(storage.FromString(path))
	require.NoError(t, err)
	n.Put(key, v)
}

func committedValue(dc *storage.DataContainer, path, key string) interface{} {
	n, ok := dc.Peek(storage.FromString(path))
	if !ok {
		return nil
	}
	v, _ := n.Get(key)
	return v
}

func TestWorkspaceIsPrivateUntilMerge(t *testing.T) {
	dc, c := newCommitter(t)
	ws := c.NewWorkspace(gtx(1))
	put(t, ws, "/a/b", "k", "v")

	assert.False(t, dc.Exists(storage.FromString("/a")))
	n, ok := ws.Peek(storage.FromString("/a/b"))
	require.True(t, ok)
	v, _ := n.Get("k")
	assert.Equal(t, "v", v)

	require.NoError(t, c.ValidateAndMerge(ws))
	assert.Equal(t, "v", committedValue(dc, "/a/b", "k"))
	b, _ := dc.Peek(storage.FromString("/a/b"))
	assert.Equal(t, storage.DefaultDataVersion(1), b.Version())
	assert.Equal(t, 0, ws.Len())
}

func TestConcurrentWritesConflict(t *testing.T) {
	dc, c := newCommitter(t)
	seed := c.NewWorkspace(gtx(1))
	put(t, seed, "/x", "k", 0)
	require.NoError(t, c.ValidateAndMerge(seed))

	first := c.NewWorkspace(gtx(2))
	second := c.NewWorkspace(gtx(3))
	put(t, first, "/x", "k", 1)
	put(t, second, "/x", "k", 2)

	require.NoError(t, c.ValidateAndMerge(first))
	err := c.ValidateAndMerge(second)
	assert.True(t, storage.IsVersionConflict(err))
	assert.Equal(t, 1, committedValue(dc, "/x", "k"))
}

func TestReadOnlyCopiesDoNotConflict(t *testing.T) {
	dc, c := newCommitter(t)
	seed := c.NewWorkspace(gtx(1))
	put(t, seed, "/x", "k", 0)
	require.NoError(t, c.ValidateAndMerge(seed))

	reader := c.NewWorkspace(gtx(2))
	_, ok := reader.Peek(storage.FromString("/x"))
	require.True(t, ok)
	put(t, reader, "/y", "k", 1)

	writer := c.NewWorkspace(gtx(3))
	put(t, writer, "/x", "k", 5)
	require.NoError(t, c.ValidateAndMerge(writer))

	require.NoError(t, c.ValidateAndMerge(reader))
	assert.Equal(t, 5, committedValue(dc, "/x", "k"))
	assert.Equal(t, 1, committedValue(dc, "/y", "k"))
}

func TestStructuralCreationMerges(t *testing.T) {
	dc, c := newCommitter(t)
	a := c.NewWorkspace(gtx(1))
	b := c.NewWorkspace(gtx(2))
	put(t, a, "/p/a", "k", 1)
	put(t, b, "/p/b", "k", 2)
	require.NoError(t, c.ValidateAndMerge(a))
	require.NoError(t, c.ValidateAndMerge(b))
	p, _ := dc.Peek(storage.FromString("/p"))
	assert.Equal(t, []string{"a", "b"}, p.ChildrenNames())
}

func TestConcurrentCreationWithDataConflicts(t *testing.T) {
	_, c := newCommitter(t)
	a := c.NewWorkspace(gtx(1))
	b := c.NewWorkspace(gtx(2))
	put(t, a, "/n", "k", 1)
	put(t, b, "/n", "k", 2)
	require.NoError(t, c.ValidateAndMerge(a))
	assert.True(t, storage.IsVersionConflict(c.ValidateAndMerge(b)))
}

func TestChildDeltasCancel(t *testing.T) {
	_, c := newCommitter(t)
	ws := c.NewWorkspace(gtx(1))
	put(t, ws, "/p/c", "k", 1)
	p, ok := ws.Node(storage.FromString("/p"))
	require.True(t, ok)
	assert.Equal(t, []string{"c"}, p.ChildrenAdded())

	_, removed, err := ws.Detach(storage.FromString("/p/c"))
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, p.ChildrenAdded())
	assert.Empty(t, p.ChildrenRemoved())
	assert.Empty(t, p.ChildrenNames())
}

func TestRemoveAndRecreate(t *testing.T) {
	dc, c := newCommitter(t)
	seed := c.NewWorkspace(gtx(1))
	put(t, seed, "/a/b", "k", "old")
	put(t, seed, "/a", "k", "parent")
	require.NoError(t, c.ValidateAndMerge(seed))

	ws := c.NewWorkspace(gtx(2))
	_, ok, err := ws.Detach(storage.FromString("/a"))
	require.NoError(t, err)
	require.True(t, ok)
	_, ok = ws.Peek(storage.FromString("/a/b"))
	assert.False(t, ok)
	root, _ := ws.Node(storage.Root)
	assert.Equal(t, []string{"a"}, root.ChildrenRemoved())

	put(t, ws, "/a", "k", "new")
	assert.Empty(t, root.ChildrenRemoved())
	_, ok = ws.Peek(storage.FromString("/a/b"))
	assert.False(t, ok)

	require.NoError(t, c.ValidateAndMerge(ws))
	assert.Equal(t, "new", committedValue(dc, "/a", "k"))
	assert.False(t, dc.Exists(storage.FromString("/a/b")))
}

func TestRemoveConflictsWithConcurrentWrite(t *testing.T) {
	dc, c := newCommitter(t)
	seed := c.NewWorkspace(gtx(1))
	put(t, seed, "/a", "k", 0)
	require.NoError(t, c.ValidateAndMerge(seed))

	remover := c.NewWorkspace(gtx(2))
	_, _, err := remover.Detach(storage.FromString("/a"))
	require.NoError(t, err)

	writer := c.NewWorkspace(gtx(3))
	put(t, writer, "/a", "k", 1)
	require.NoError(t, c.ValidateAndMerge(writer))

	assert.True(t, storage.IsVersionConflict(c.ValidateAndMerge(remover)))
	assert.True(t, dc.Exists(storage.FromString("/a")))
}

func TestExplicitVersion(t *testing.T) {
	dc, c := newCommitter(t)
	ws := c.NewWorkspace(gtx(1))
	put(t, ws, "/v", "k", 1)
	ws.SetExplicitVersion(storage.FromString("/v"), storage.DefaultDataVersion(10))
	require.NoError(t, c.ValidateAndMerge(ws))
	n, _ := dc.Peek(storage.FromString("/v"))
	assert.Equal(t, storage.DefaultDataVersion(10), n.Version())

	stale := c.NewWorkspace(gtx(2))
	put(t, stale, "/v", "k", 2)
	stale.SetExplicitVersion(storage.FromString("/v"), storage.DefaultDataVersion(5))
	assert.True(t, storage.IsVersionConflict(c.ValidateAndMerge(stale)))
}

func TestInvalidationBumpsVersions(t *testing.T) {
	dc, c := newCommitter(t)
	seed := c.NewWorkspace(gtx(1))
	put(t, seed, "/a", "k", 0)
	require.NoError(t, c.ValidateAndMerge(seed))

	ws := c.NewWorkspace(gtx(2))
	put(t, ws, "/a", "k", 1)

	ok, err := c.DirectAccess().Invalidate(storage.FromString("/a"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, dc.Exists(storage.FromString("/a")))
	assert.True(t, storage.IsVersionConflict(c.ValidateAndMerge(ws)))
}
