package replication

import (
	"context"
	"sync"

	"github.com/juju/ratelimit"
	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/util/worker"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var replicationCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tinytree",
		Subsystem: "replication",
		Name:      "batches_total",
		Help:      "Counter of replicated batches.",
	}, []string{"type", "result"})

func init() {
	prometheus.MustRegister(replicationCounter)
}

type batch struct {
	cmds []commands.WriteCommand
}

// AsyncQueue replicates asynchronous batches from a background worker,
// throttled to a number of commands per second. Synchronous batches bypass
// the queue.
type AsyncQueue struct {
	target Replicator
	w      *worker.Worker
	wg     sync.WaitGroup
	bucket *ratelimit.Bucket

	sent   *atomic.Uint64
	failed *atomic.Uint64
}

// NewAsyncQueue starts the queue. rate <= 0 disables throttling.
func NewAsyncQueue(target Replicator, rate float64, maxElements int) *AsyncQueue {
	q := &AsyncQueue{
		target: target,
		sent:   atomic.NewUint64(0),
		failed: atomic.NewUint64(0),
	}
	if rate > 0 {
		capacity := int64(rate)
		if capacity < 1 {
			capacity = 1
		}
		q.bucket = ratelimit.NewBucketWithRate(rate, capacity)
	}
	q.w = worker.NewWorker("repl-queue", maxElements, &q.wg)
	q.w.Start(q)
	return q
}

func (q *AsyncQueue) Replicate(ctx context.Context, cmds []commands.WriteCommand, sync bool) error {
	if sync {
		return q.target.Replicate(ctx, cmds, true)
	}
	if len(cmds) == 0 {
		return nil
	}
	q.w.Sender() <- batch{cmds: commands.CloneAll(cmds)}
	return nil
}

func (q *AsyncQueue) Handle(t worker.Task) {
	b := t.(batch)
	if q.bucket != nil {
		q.bucket.Wait(int64(len(b.cmds)))
	}
	if err := q.target.Replicate(context.Background(), b.cmds, false); err != nil {
		q.failed.Inc()
		replicationCounter.WithLabelValues("async", "error").Inc()
		log.Warn("async replication failed", zap.Int("commands", len(b.cmds)), zap.Error(err))
		return
	}
	q.sent.Inc()
	replicationCounter.WithLabelValues("async", "ok").Inc()
}

// Flush waits until every batch queued so far was handled.
func (q *AsyncQueue) Flush() {
	q.w.Flush()
}

// Sent and Failed count handled batches.
func (q *AsyncQueue) Sent() uint64   { return q.sent.Load() }
func (q *AsyncQueue) Failed() uint64 { return q.failed.Load() }

func (q *AsyncQueue) Close() {
	q.w.Stop()
	q.wg.Wait()
}
