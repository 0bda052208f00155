package interceptors

import (
	"time"

	"github.com/pingcap-incubator/tinytree/cache/commands"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"go.uber.org/atomic"
)

// Stats is a snapshot of the cache statistics.
type Stats struct {
	Hits             uint64        `json:"hits"`
	Misses           uint64        `json:"misses"`
	Stores           uint64        `json:"stores"`
	Removes          uint64        `json:"removes"`
	Evictions        uint64        `json:"evictions"`
	HitRatio         float64       `json:"hit_ratio"`
	AverageReadTime  time.Duration `json:"average_read_time"`
	AverageWriteTime time.Duration `json:"average_write_time"`
	Elapsed          time.Duration `json:"elapsed"`
	SinceReset       time.Duration `json:"since_reset"`
}

// CacheMgmtInterceptor keeps hit, miss, store, remove and eviction counts and
// average read and write times.
type CacheMgmtInterceptor struct {
	Base

	hits      *atomic.Uint64
	misses    *atomic.Uint64
	stores    *atomic.Uint64
	removes   *atomic.Uint64
	evictions *atomic.Uint64
	readTime  *atomic.Int64
	writeTime *atomic.Int64

	start time.Time
	reset *atomic.Int64
}

func NewCacheMgmtInterceptor() *CacheMgmtInterceptor {
	now := time.Now()
	return &CacheMgmtInterceptor{
		hits:      atomic.NewUint64(0),
		misses:    atomic.NewUint64(0),
		stores:    atomic.NewUint64(0),
		removes:   atomic.NewUint64(0),
		evictions: atomic.NewUint64(0),
		readTime:  atomic.NewInt64(0),
		writeTime: atomic.NewInt64(0),
		start:     now,
		reset:     atomic.NewInt64(now.UnixNano()),
	}
}

func (i *CacheMgmtInterceptor) Kind() Kind { return KindCacheMgmt }

func (i *CacheMgmtInterceptor) Capabilities() Capability { return CapStatistics }

func (i *CacheMgmtInterceptor) Invoke(ic *invocation.Context, cmd commands.Command) (interface{}, error) {
	begin := time.Now()
	res, err := i.invokeNext(ic, cmd)
	elapsed := time.Since(begin)

	kind := cmd.Kind().String()
	commandDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if err != nil {
		commandCounter.WithLabelValues(kind, "error").Inc()
		return res, err
	}
	commandCounter.WithLabelValues(kind, "ok").Inc()

	switch cmd.Kind() {
	case commands.KindGetKeyValue:
		i.readTime.Add(int64(elapsed))
		if res != nil {
			i.hits.Inc()
		} else {
			i.misses.Inc()
		}
	case commands.KindGetNode:
		i.readTime.Add(int64(elapsed))
		if nd, ok := res.(*storage.NodeData); ok && nd != nil {
			i.hits.Inc()
		} else {
			i.misses.Inc()
		}
	case commands.KindPutKeyValue, commands.KindPutDataMap, commands.KindPutForExternalRead:
		i.writeTime.Add(int64(elapsed))
		i.stores.Inc()
	case commands.KindRemoveKey, commands.KindRemoveNode, commands.KindClearData:
		i.removes.Inc()
	case commands.KindEvict:
		if evicted, ok := res.(bool); ok && evicted {
			i.evictions.Inc()
		}
	}
	return res, nil
}

func (i *CacheMgmtInterceptor) Stats() Stats {
	s := Stats{
		Hits:       i.hits.Load(),
		Misses:     i.misses.Load(),
		Stores:     i.stores.Load(),
		Removes:    i.removes.Load(),
		Evictions:  i.evictions.Load(),
		Elapsed:    time.Since(i.start),
		SinceReset: time.Since(time.Unix(0, i.reset.Load())),
	}
	if reads := s.Hits + s.Misses; reads > 0 {
		s.HitRatio = float64(s.Hits) / float64(reads)
		s.AverageReadTime = time.Duration(i.readTime.Load() / int64(reads))
	}
	if s.Stores > 0 {
		s.AverageWriteTime = time.Duration(i.writeTime.Load() / int64(s.Stores))
	}
	return s
}

func (i *CacheMgmtInterceptor) ResetStatistics() {
	i.hits.Store(0)
	i.misses.Store(0)
	i.stores.Store(0)
	i.removes.Store(0)
	i.evictions.Store(0)
	i.readTime.Store(0)
	i.writeTime.Store(0)
	i.reset.Store(time.Now().UnixNano())
}
