package mvcc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/transaction/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lockTimeout = 50 * time.Millisecond

type testBuilder struct {
	t     *testing.T
	dc    *storage.DataContainer
	store *Store
	ids   uint64
}

func newBuilder(t *testing.T, opts ...Option) *testBuilder {
	dc := storage.NewDataContainer()
	return &testBuilder{t: t, dc: dc, store: NewStore(dc, opts...)}
}

func (b *testBuilder) begin() *Txn {
	b.ids++
	return b.store.Begin(txn.GlobalTransaction{Address: "test", ID: b.ids})
}

func (b *testBuilder) perform(t *Txn, cmd commands.Command) (interface{}, error) {
	v := b.store.View(context.Background(), t, lockTimeout)
	defer v.Release()
	return cmd.Perform(context.Background(), v)
}

func (b *testBuilder) put(t *Txn, path, key string, value interface{}) {
	_, err := b.perform(t, commands.NewPutKeyValue(storage.FromString(path), key, value))
	require.NoError(b.t, err)
}

func (b *testBuilder) get(t *Txn, path, key string) interface{} {
	v, err := b.perform(t, commands.NewGetKeyValue(storage.FromString(path), key))
	require.NoError(b.t, err)
	return v
}

func (b *testBuilder) exists(t *Txn, path string) bool {
	v, err := b.perform(t, commands.NewExists(storage.FromString(path)))
	require.NoError(b.t, err)
	return v.(bool)
}

func (b *testBuilder) commitPut(path, key string, value interface{}) {
	t := b.begin()
	b.put(t, path, key, value)
	require.NoError(b.t, b.store.Prepare(t))
	b.store.Commit(t)
}

func TestReadYourWrites(t *testing.T) {
	b := newBuilder(t)
	tx := b.begin()
	b.put(tx, "/a/b", "k", "v")
	assert.Equal(t, "v", b.get(tx, "/a/b", "k"))
	assert.True(t, b.exists(tx, "/a"))

	other := b.begin()
	assert.Nil(t, b.get(other, "/a/b", "k"))
	assert.False(t, b.exists(other, "/a"))
	assert.False(t, b.dc.Exists(storage.FromString("/a/b")))

	b.store.Commit(tx)
	assert.Equal(t, "v", b.get(other, "/a/b", "k"))
	n, ok := b.dc.Peek(storage.FromString("/a/b"))
	require.True(t, ok)
	v, _ := n.Get("k")
	assert.Equal(t, "v", v)
}

func TestRepeatableReadSnapshot(t *testing.T) {
	b := newBuilder(t, WithRepeatableRead(true))
	b.commitPut("/a", "k", 1)

	reader := b.begin()
	assert.Equal(t, 1, b.get(reader, "/a", "k"))

	b.commitPut("/a", "k", 2)
	b.commitPut("/new", "k", 3)
	assert.Equal(t, 1, b.get(reader, "/a", "k"))
	assert.False(t, b.exists(reader, "/new"))

	names, err := b.perform(reader, commands.NewGetChildrenNames(storage.Root))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)

	b.store.Commit(reader)
	assert.Equal(t, 2, b.get(b.begin(), "/a", "k"))
}

func TestReadCommittedSeesNewCommits(t *testing.T) {
	b := newBuilder(t)
	b.commitPut("/a", "k", 1)
	reader := b.begin()
	assert.Equal(t, 1, b.get(reader, "/a", "k"))
	b.commitPut("/a", "k", 2)
	assert.Equal(t, 2, b.get(reader, "/a", "k"))
}

func TestReaderDoesNotBlockOnWriter(t *testing.T) {
	b := newBuilder(t)
	b.commitPut("/a", "k", 1)
	writer := b.begin()
	b.put(writer, "/a", "k", 2)

	done := make(chan interface{}, 1)
	go func() {
		done <- b.get(b.begin(), "/a", "k")
	}()
	select {
	case v := <-done:
		assert.Equal(t, 1, v)
	case <-time.After(time.Second):
		t.Fatal("reader blocked behind a writer")
	}
	b.store.Commit(writer)
}

func TestOverlappingWritersLastCommitWins(t *testing.T) {
	b := newBuilder(t)
	b.commitPut("/a", "k", 1)
	first := b.begin()
	b.put(first, "/a", "k", 2)

	second := b.begin()
	b.put(second, "/a", "k", 3)
	assert.Equal(t, 2, b.get(first, "/a", "k"))
	assert.Equal(t, 3, b.get(second, "/a", "k"))
	assert.Equal(t, 1, b.get(b.begin(), "/a", "k"))

	require.NoError(t, b.store.Prepare(second))
	b.store.Commit(second)
	assert.Equal(t, 3, b.get(b.begin(), "/a", "k"))
	assert.Equal(t, 2, b.get(first, "/a", "k"))

	require.NoError(t, b.store.Prepare(first))
	b.store.Commit(first)
	assert.Equal(t, 2, b.get(b.begin(), "/a", "k"))
	n, ok := b.dc.Peek(storage.FromString("/a"))
	require.True(t, ok)
	v, _ := n.Get("k")
	assert.Equal(t, 2, v)
}

func TestNodeLockLastsOneCommand(t *testing.T) {
	b := newBuilder(t)
	first := b.begin()
	v := b.store.View(context.Background(), first, lockTimeout)
	_, err := commands.NewPutKeyValue(storage.FromString("/a"), "k", 1).Perform(context.Background(), v)
	require.NoError(t, err)

	second := b.begin()
	_, err = b.perform(second, commands.NewPutKeyValue(storage.FromString("/a"), "k", 2))
	assert.True(t, storage.IsLockTimeout(err))

	v.Release()
	b.put(second, "/a", "k", 2)
	b.store.Rollback(second)
	b.store.Commit(first)
	assert.Equal(t, 1, b.get(b.begin(), "/a", "k"))
}

func TestConcurrentTransactionsOnOneNode(t *testing.T) {
	b := newBuilder(t)
	b.commitPut("/a", "k", -1)

	const writers = 8
	txs := make([]*Txn, writers)
	for i := range txs {
		txs[i] = b.store.Begin(txn.GlobalTransaction{Address: "writer", ID: uint64(i + 1)})
	}
	var written, committed sync.WaitGroup
	written.Add(writers)
	committed.Add(writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer committed.Done()
			v := b.store.View(context.Background(), txs[i], time.Second)
			_, err := commands.NewPutKeyValue(storage.FromString("/a"), "k", i).Perform(context.Background(), v)
			v.Release()
			written.Done()
			if err != nil {
				errs <- err
				return
			}
			// every writer holds its pending version while the others write
			written.Wait()
			if err := b.store.Prepare(txs[i]); err != nil {
				errs <- err
				return
			}
			b.store.Commit(txs[i])
		}(i)
	}
	committed.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	got := b.get(b.begin(), "/a", "k")
	assert.Contains(t, []interface{}{0, 1, 2, 3, 4, 5, 6, 7}, got)
}

func TestSnapshotNeverSeesLaterCommit(t *testing.T) {
	b := newBuilder(t, WithRepeatableRead(true))
	b.commitPut("/pin", "k", 0)
	for i := 0; i < 300; i++ {
		path := fmt.Sprintf("/x%d", i)
		reader := b.begin()
		require.Equal(t, 0, b.get(reader, "/pin", "k"))

		done := make(chan error, 1)
		go func(id uint64) {
			w := b.store.Begin(txn.GlobalTransaction{Address: "writer", ID: id})
			v := b.store.View(context.Background(), w, time.Second)
			_, err := commands.NewPutKeyValue(storage.FromString(path), "k", "v").Perform(context.Background(), v)
			v.Release()
			if err == nil {
				b.store.Commit(w)
			}
			done <- err
		}(uint64(i + 1))
		for n := 0; n < 10; n++ {
			require.Nil(t, b.get(reader, path, "k"), path)
			require.False(t, b.exists(reader, path), path)
		}
		require.NoError(t, <-done)
		require.Nil(t, b.get(reader, path, "k"), path)
		b.store.Commit(reader)
		assert.Equal(t, "v", b.get(b.begin(), path, "k"))
	}
}

func TestWriteSkewCheckAtPrepare(t *testing.T) {
	b := newBuilder(t, WithWriteSkewCheck(true))
	b.commitPut("/a", "k", 1)

	first := b.begin()
	b.put(first, "/a", "k", 2)
	second := b.begin()
	b.put(second, "/a", "k", 3)

	require.NoError(t, b.store.Prepare(first))
	// the claim of a prepared writer wins
	assert.True(t, storage.IsVersionConflict(b.store.Prepare(second)))
	b.store.Commit(first)
	// and a commit after second wrote is a conflict too
	assert.True(t, storage.IsVersionConflict(b.store.Prepare(second)))
	b.store.Rollback(second)
	assert.Equal(t, 2, b.get(b.begin(), "/a", "k"))

	third := b.begin()
	b.put(third, "/a", "k", 4)
	require.NoError(t, b.store.Prepare(third))
	b.store.Commit(third)
	assert.Equal(t, 4, b.get(b.begin(), "/a", "k"))
}

func TestRollbackRevertsVersions(t *testing.T) {
	b := newBuilder(t)
	b.commitPut("/a", "k", 1)
	tx := b.begin()
	b.put(tx, "/a", "k", 2)
	b.put(tx, "/a/b/c", "k", "v")
	assert.Equal(t, 3, tx.Installed())

	b.store.Rollback(tx)
	reader := b.begin()
	assert.Equal(t, 1, b.get(reader, "/a", "k"))
	assert.False(t, b.exists(reader, "/a/b"))
	assert.False(t, b.exists(reader, "/a/b/c"))
	assert.False(t, b.dc.Exists(storage.FromString("/a/b")))
	assert.True(t, tx.IsDone())

	// rollback twice is harmless
	b.store.Rollback(tx)
}

func TestRemoveNodeWithOldSnapshot(t *testing.T) {
	b := newBuilder(t, WithRepeatableRead(true))
	b.commitPut("/a/b", "k", 1)

	old := b.begin()
	assert.True(t, b.exists(old, "/a/b"))

	remover := b.begin()
	res, err := b.perform(remover, commands.NewRemoveNode(storage.FromString("/a")))
	require.NoError(t, err)
	assert.Equal(t, true, res)
	assert.False(t, b.exists(remover, "/a/b"))
	b.store.Commit(remover)

	assert.True(t, b.exists(old, "/a/b"))
	assert.Equal(t, 1, b.get(old, "/a/b", "k"))
	assert.False(t, b.exists(b.begin(), "/a"))

	b.store.Commit(old)
	b.store.GC()
	assert.Equal(t, 0, b.store.NumChains())
	_, ok := b.dc.PeekAny(storage.FromString("/a"))
	assert.False(t, ok)
}

func TestCommitCollectsChains(t *testing.T) {
	b := newBuilder(t)
	b.commitPut("/a/b", "k", 1)
	assert.Equal(t, 0, b.store.NumChains())
	assert.Equal(t, 0, b.store.Oracle().ActiveReaders())
	assert.True(t, b.store.Oracle().ReadTs() > baseTs)
}

func TestEvictSkipsPendingNodes(t *testing.T) {
	b := newBuilder(t)
	b.commitPut("/a", "k", 1)
	tx := b.begin()
	b.put(tx, "/a", "k", 2)

	evicted, err := b.perform(b.begin(), commands.NewEvict(storage.FromString("/a")))
	require.NoError(t, err)
	assert.Equal(t, false, evicted)

	b.store.Commit(tx)
	evicted, err = b.perform(b.begin(), commands.NewEvict(storage.FromString("/a")))
	require.NoError(t, err)
	assert.Equal(t, true, evicted)
	assert.False(t, b.dc.Exists(storage.FromString("/a")))
}
