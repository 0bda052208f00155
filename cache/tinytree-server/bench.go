package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinytree/cache/config"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/treecache"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	threads    int
	ops        int
	fanout     int
	depth      int
	valueSize  string
	readRatio  float64
	txnSize    int
	skipOnFail bool
}

// benchResult holds the latencies of one kind of operation in microseconds.
type benchResult struct {
	name      string
	latencies []float64
	failed    int
}

func newBenchCommand(ctx context.Context) *cobra.Command {
	flags := &configFlags{}
	opts := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a read/write workload against an in-process cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return runBench(ctx, cmd.OutOrStdout(), cfg, opts)
		},
	}
	flags.register(cmd.Flags())
	fs := cmd.Flags()
	fs.IntVarP(&opts.threads, "threads", "t", 8, "concurrent workers")
	fs.IntVarP(&opts.ops, "ops", "n", 10000, "operations per worker")
	fs.IntVar(&opts.fanout, "fanout", 16, "children per node")
	fs.IntVar(&opts.depth, "depth", 3, "depth of the tree")
	fs.StringVar(&opts.valueSize, "value-size", "128B", "size of each stored value")
	fs.Float64Var(&opts.readRatio, "read-ratio", 0.8, "share of reads in the workload")
	fs.IntVar(&opts.txnSize, "txn-size", 0, "writes per transaction, 0 writes without transactions")
	fs.BoolVar(&opts.skipOnFail, "skip-failed", true, "count failed operations instead of stopping")
	return cmd
}

func randomFqn(r *rand.Rand, opts *benchOptions) storage.Fqn {
	elems := make([]string, opts.depth)
	for i := range elems {
		elems[i] = fmt.Sprintf("n%d", r.Intn(opts.fanout))
	}
	return storage.FromElements(elems)
}

func runBench(ctx context.Context, out io.Writer, cfg *config.Config, opts *benchOptions) error {
	size, err := units.RAMInBytes(opts.valueSize)
	if err != nil {
		return errors.Annotatef(err, "value size %q", opts.valueSize)
	}
	if opts.threads <= 0 || opts.ops <= 0 || opts.fanout <= 0 || opts.depth <= 0 {
		return errors.New("threads, ops, fanout and depth must be positive")
	}
	cache, err := treecache.New(cfg, treecache.WithAddress("bench"))
	if err != nil {
		return err
	}
	defer cache.Close()
	value := strings.Repeat("x", int(size))

	reads := make([]*benchResult, opts.threads)
	writes := make([]*benchResult, opts.threads)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.threads; w++ {
		w := w
		reads[w] = &benchResult{name: "read"}
		writes[w] = &benchResult{name: "write"}
		g.Go(func() error {
			return benchWorker(gctx, cache, opts, value, int64(w), reads[w], writes[w])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Fprintf(out, "scheme: %s  isolation: %s  threads: %d  value: %s  elapsed: %v\n",
		cfg.NodeLockingScheme, cfg.IsolationLevel, opts.threads, units.HumanSize(float64(size)), elapsed)
	for _, r := range []*benchResult{merge(reads), merge(writes)} {
		report(out, r, elapsed)
	}
	fmt.Fprintf(out, "nodes: %d  attributes: %d\n", cache.NumNodes(), cache.NumAttributes())
	if st, ok := cache.Stats(); ok {
		fmt.Fprintf(out, "hit ratio: %.2f\n", st.HitRatio)
	}
	return nil
}

func benchWorker(ctx context.Context, cache *treecache.Cache, opts *benchOptions, value string, seed int64, reads, writes *benchResult) error {
	r := rand.New(rand.NewSource(time.Now().UnixNano() + seed))
	var ic *invocation.Context
	var tx interface {
		Commit() error
		Rollback() error
	}
	pending := 0
	finish := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		tx, ic, pending = nil, nil, 0
		return err
	}
	for i := 0; i < opts.ops; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fqn := randomFqn(r, opts)
		if r.Float64() < opts.readRatio {
			begin := time.Now()
			_, err := cache.Get(nil, fqn, "v")
			if err := record(reads, begin, err, opts); err != nil {
				return err
			}
			continue
		}
		if opts.txnSize > 0 && tx == nil {
			t, err := cache.TransactionManager().Begin()
			if err != nil {
				return err
			}
			tx = t
			ic = invocation.New(ctx)
			ic.SetTransaction(t)
		}
		begin := time.Now()
		_, err := cache.Put(ic, fqn, "v", value)
		if err != nil && tx != nil {
			tx.Rollback()
			tx, ic, pending = nil, nil, 0
		}
		if err := record(writes, begin, err, opts); err != nil {
			return err
		}
		if tx != nil {
			pending++
			if pending >= opts.txnSize {
				if err := finish(); err != nil {
					writes.failed++
					if !opts.skipOnFail {
						return err
					}
				}
			}
		}
	}
	return finish()
}

func record(res *benchResult, begin time.Time, err error, opts *benchOptions) error {
	if err != nil {
		res.failed++
		if !opts.skipOnFail {
			return err
		}
		return nil
	}
	res.latencies = append(res.latencies, float64(time.Since(begin).Nanoseconds())/1e3)
	return nil
}

func merge(rs []*benchResult) *benchResult {
	out := &benchResult{name: rs[0].name}
	for _, r := range rs {
		out.latencies = append(out.latencies, r.latencies...)
		out.failed += r.failed
	}
	return out
}

func report(out io.Writer, r *benchResult, elapsed time.Duration) {
	if len(r.latencies) == 0 {
		fmt.Fprintf(out, "%-5s  no successful operations, %d failed\n", r.name, r.failed)
		return
	}
	mean, _ := stats.Mean(r.latencies)
	p50, _ := stats.Median(r.latencies)
	p99, _ := stats.Percentile(r.latencies, 99)
	max, _ := stats.Max(r.latencies)
	ops := float64(len(r.latencies)) / elapsed.Seconds()
	fmt.Fprintf(out, "%-5s  count: %d  failed: %d  ops/s: %.0f  avg: %.1fus  p50: %.1fus  p99: %.1fus  max: %.1fus\n",
		r.name, len(r.latencies), r.failed, ops, mean, p50, p99, max)
}
