package mvcc

import (
	"sync"

	"go.uber.org/atomic"
)

// baseTs stamps versions seeded from the container; every snapshot sees them.
const baseTs = 1

// Oracle hands out snapshot and commit timestamps. The read timestamp only
// moves once a commit has stamped all of its versions, so a snapshot never
// observes half a commit.
type Oracle struct {
	readTs *atomic.Uint64

	mu     sync.Mutex
	nextTs uint64
	active map[uint64]int
}

func NewOracle() *Oracle {
	return &Oracle{
		readTs: atomic.NewUint64(baseTs),
		nextTs: baseTs + 1,
		active: make(map[uint64]int),
	}
}

// ReadTs is the newest fully committed timestamp.
func (o *Oracle) ReadTs() uint64 {
	return o.readTs.Load()
}

// Begin registers a reader at the current read timestamp.
func (o *Oracle) Begin() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := o.readTs.Load()
	o.active[ts]++
	return ts
}

func (o *Oracle) End(ts uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[ts] <= 1 {
		delete(o.active, ts)
		return
	}
	o.active[ts]--
}

// MinActive is the oldest snapshot still in use, or the read timestamp.
func (o *Oracle) MinActive() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	min := o.readTs.Load()
	for ts := range o.active {
		if ts < min {
			min = ts
		}
	}
	return min
}

// ActiveReaders counts registered snapshots.
func (o *Oracle) ActiveReaders() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.active {
		n += c
	}
	return n
}

// nextCommitTs must be called with the store's commit mutex held.
func (o *Oracle) nextCommitTs() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := o.nextTs
	o.nextTs++
	return ts
}

func (o *Oracle) committed(ts uint64) {
	o.readTs.Store(ts)
}
