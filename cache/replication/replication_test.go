package replication

import (
	"context"
	"sync"
	"testing"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPeer struct {
	mu      sync.Mutex
	batches [][]commands.WriteCommand
	err     error
}

func (p *recordingPeer) ApplyRemote(_ context.Context, cmds []commands.WriteCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, cmds)
	return p.err
}

func (p *recordingPeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("REPL-SYNC")
	require.NoError(t, err)
	assert.Equal(t, ModeReplSync, m)
	assert.True(t, m.IsSynchronous())
	assert.False(t, m.IsInvalidation())

	m, err = ParseMode("invalidation-async")
	require.NoError(t, err)
	assert.True(t, m.IsInvalidation())
	assert.False(t, m.IsSynchronous())

	_, err = ParseMode("dist")
	assert.Error(t, err)
}

func TestLoopbackClonesCommands(t *testing.T) {
	peer := &recordingPeer{}
	l := NewLoopback(peer)
	cmd := commands.NewPutKeyValue(storage.FromString("/a"), "k", "v")
	require.NoError(t, l.Replicate(context.Background(), []commands.WriteCommand{cmd}, true))
	require.Equal(t, 1, peer.count())
	shipped := peer.batches[0][0]
	assert.False(t, shipped == commands.WriteCommand(cmd))
	assert.Equal(t, cmd.String(), shipped.String())

	peer.err = errors.New("down")
	assert.Error(t, l.Replicate(context.Background(), []commands.WriteCommand{cmd}, true))
}

func TestAsyncQueue(t *testing.T) {
	peer := &recordingPeer{}
	q := NewAsyncQueue(NewLoopback(peer), 0, 8)
	defer q.Close()

	for i := 0; i < 5; i++ {
		cmd := commands.NewPutKeyValue(storage.FromString("/a"), "k", i)
		require.NoError(t, q.Replicate(context.Background(), []commands.WriteCommand{cmd}, false))
	}
	q.Flush()
	assert.Equal(t, 5, peer.count())
	assert.Equal(t, uint64(5), q.Sent())

	require.NoError(t, q.Replicate(context.Background(), []commands.WriteCommand{commands.NewClearData(storage.FromString("/a"))}, true))
	assert.Equal(t, 6, peer.count())
}

func TestInvalidationsFor(t *testing.T) {
	cmds := []commands.WriteCommand{
		commands.NewPutKeyValue(storage.FromString("/a"), "k", 1),
		commands.NewPutKeyValue(storage.FromString("/a"), "j", 2),
		commands.NewRemoveNode(storage.FromString("/b")),
	}
	inv := InvalidationsFor(cmds)
	require.Len(t, inv, 2)
	assert.Equal(t, commands.KindInvalidate, inv[0].Kind())
	assert.Equal(t, "/b", inv[1].Fqn().String())
}
