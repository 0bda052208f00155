// Package replication ships committed or prepared modifications to peer
// caches. Only the contract and in-process implementations live here; network
// transport is left to the embedding application.
package replication

import (
	"context"
	"strings"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap/errors"
)

// Mode is the cache mode: whether and how writes reach peers.
type Mode int

const (
	ModeLocal Mode = iota
	ModeReplSync
	ModeReplAsync
	ModeInvalidationSync
	ModeInvalidationAsync
)

var modeNames = map[Mode]string{
	ModeLocal:             "local",
	ModeReplSync:          "repl-sync",
	ModeReplAsync:         "repl-async",
	ModeInvalidationSync:  "invalidation-sync",
	ModeInvalidationAsync: "invalidation-async",
}

func (m Mode) String() string {
	return modeNames[m]
}

func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(name, s) {
			return m, nil
		}
	}
	return ModeLocal, errors.Errorf("unknown cache mode %q", s)
}

func (m Mode) IsLocal() bool {
	return m == ModeLocal
}

func (m Mode) IsSynchronous() bool {
	return m == ModeReplSync || m == ModeInvalidationSync
}

func (m Mode) IsInvalidation() bool {
	return m == ModeInvalidationSync || m == ModeInvalidationAsync
}

// Replicator delivers a batch of writes to every peer. With sync the call
// returns after the peers applied the batch.
type Replicator interface {
	Replicate(ctx context.Context, cmds []commands.WriteCommand, sync bool) error
}

// RemoteApplier is the receiving side of a peer: it applies an already
// validated batch as one local unit of work and never re-replicates it.
type RemoteApplier interface {
	ApplyRemote(ctx context.Context, cmds []commands.WriteCommand) error
}

// Noop replicates nothing.
type Noop struct{}

func (Noop) Replicate(context.Context, []commands.WriteCommand, bool) error {
	return nil
}

// Loopback hands batches straight to in-process peers.
type Loopback struct {
	peers []RemoteApplier
}

func NewLoopback(peers ...RemoteApplier) *Loopback {
	return &Loopback{peers: peers}
}

func (l *Loopback) AddPeer(p RemoteApplier) {
	l.peers = append(l.peers, p)
}

// Replicate applies a fresh copy of the batch on every peer. Loopback is
// always synchronous; wrap it in an AsyncQueue for asynchronous modes.
func (l *Loopback) Replicate(ctx context.Context, cmds []commands.WriteCommand, _ bool) error {
	for i, p := range l.peers {
		if err := p.ApplyRemote(ctx, commands.CloneAll(cmds)); err != nil {
			replicationCounter.WithLabelValues("loopback", "error").Inc()
			return errors.Annotatef(err, "replicating to peer %d", i)
		}
	}
	replicationCounter.WithLabelValues("loopback", "ok").Inc()
	return nil
}

// InvalidationsFor turns a batch into Invalidate commands for the nodes it
// touches, one per distinct Fqn.
func InvalidationsFor(cmds []commands.WriteCommand) []commands.WriteCommand {
	seen := make(map[string]struct{})
	var out []commands.WriteCommand
	for _, c := range cmds {
		key := c.Fqn().String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, commands.NewInvalidate(c.Fqn()))
	}
	return out
}
